package httpx

import (
	"context"
	"net/http"

	"github.com/ariefcatur/go-production-scheduler/internal/production"
	"github.com/ariefcatur/go-production-scheduler/internal/scheduler"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type EnqueueReq struct {
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
	Premium   bool   `json:"premium"`
	Molds     int    `json:"assigned_molds"`
}

type PatchQueueItemReq struct {
	Status        *production.Status `json:"status"`
	AssignedMolds *int               `json:"assigned_molds"`
}

type QtyReq struct {
	Qty int `json:"qty"`
}

func (h *Handler) listQueue(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	if h.Cache != nil {
		rows, ok, err := h.Cache.Get(ctx)
		if err != nil {
			zap.S().Warnw("read queue cache", "error", err)
		}
		if ok {
			writeJSON(w, http.StatusOK, rows)
			return
		}
	}

	rows, err := h.Queue.List(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if h.Cache != nil {
		if err := h.Cache.Set(ctx, rows); err != nil {
			zap.S().Warnw("fill queue cache", "error", err)
		}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueReq
	if !decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	it, err := h.Queue.Enqueue(ctx, scheduler.EnqueueInput{
		OrderID:   req.OrderID,
		ProductID: req.ProductID,
		Qty:       req.Qty,
		Premium:   req.Premium,
		Molds:     req.Molds,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.invalidate(ctx)
	writeJSON(w, http.StatusCreated, it)
}

func (h *Handler) getQueueItem(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	it, err := h.Queue.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

// patchQueueItem applies a mold change and a status change as one update, so
// a request that fails on either part leaves the item untouched.
func (h *Handler) patchQueueItem(w http.ResponseWriter, r *http.Request) {
	var req PatchQueueItemReq
	if !decode(w, r, &req) {
		return
	}
	if req.Status == nil && req.AssignedMolds == nil {
		badRequest(w, "nothing to update")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	it, err := h.Queue.Update(ctx, chi.URLParam(r, "id"), scheduler.Update{
		AssignedMolds: req.AssignedMolds,
		Status:        req.Status,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.invalidate(ctx)
	writeJSON(w, http.StatusOK, it)
}

func (h *Handler) reportOutput(w http.ResponseWriter, r *http.Request) {
	var req QtyReq
	if !decode(w, r, &req) {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	it, err := h.Queue.ReportOutput(ctx, chi.URLParam(r, "id"), req.Qty)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.invalidate(ctx)
	writeJSON(w, http.StatusOK, it)
}

func (h *Handler) recalculate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	plans, err := h.Queue.RecalculateAll(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.invalidate(ctx)
	writeJSON(w, http.StatusOK, plans)
}
