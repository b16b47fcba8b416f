package httpx

import (
	"context"
	"net/http"

	"github.com/ariefcatur/go-production-scheduler/internal/production"
	"github.com/go-chi/chi/v5"
)

type ManualAllocateReq struct {
	OrderID   string           `json:"order_id"`
	ProductID string           `json:"product_id"`
	Qty       int              `json:"qty"`
	Stage     production.Stage `json:"stage"`
}

type MoveStageReq struct {
	OrderID   string           `json:"order_id"`
	ProductID string           `json:"product_id"`
	Qty       int              `json:"qty"`
	From      production.Stage `json:"from"`
	To        production.Stage `json:"to"`
}

func (h *Handler) routeDemand(w http.ResponseWriter, r *http.Request) {
	var line production.OrderLine
	if !decode(w, r, &line) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	sum, err := h.Allocations.RouteDemand(ctx, line)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sum.RoutedToProduction > 0 {
		h.invalidate(ctx)
	}
	writeJSON(w, http.StatusOK, sum)
}

func (h *Handler) manualAllocate(w http.ResponseWriter, r *http.Request) {
	var req ManualAllocateReq
	if !decode(w, r, &req) {
		return
	}
	if req.Stage == "" {
		req.Stage = production.StagePackaging
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	a, err := h.Allocations.ManualAllocate(ctx, req.OrderID, req.ProductID, req.Qty, req.Stage)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) moveStage(w http.ResponseWriter, r *http.Request) {
	var req MoveStageReq
	if !decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	allocs, err := h.Allocations.MoveStage(ctx, req.OrderID, req.ProductID, req.Qty, req.From, req.To)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, allocs)
}

func (h *Handler) fulfillment(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	f, err := h.Allocations.Fulfillment(ctx, chi.URLParam(r, "order"), chi.URLParam(r, "product"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}
