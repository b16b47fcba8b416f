package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/ariefcatur/go-production-scheduler/internal/production"
	"github.com/go-chi/chi/v5"
)

type AdvanceReq struct {
	ProductID string                     `json:"product_id"`
	From      production.ProductionStage `json:"from"`
	To        production.ProductionStage `json:"to"`
	Qty       int                        `json:"qty"`
}

type RestockReq struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

func (h *Handler) advance(w http.ResponseWriter, r *http.Request) {
	var req AdvanceReq
	if !decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	c, err := h.Stages.Advance(ctx, req.ProductID, req.From, req.To, req.Qty)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) restock(w http.ResponseWriter, r *http.Request) {
	var req RestockReq
	if !decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	c, err := h.Stages.Restock(ctx, req.ProductID, req.Qty)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) counters(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	c, err := h.Stages.Counters(ctx, chi.URLParam(r, "product"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
