package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ariefcatur/go-production-scheduler/internal/inventory"
	"github.com/ariefcatur/go-production-scheduler/internal/production"
	"github.com/ariefcatur/go-production-scheduler/internal/scheduler"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const requestTimeout = 5 * time.Second

type QueueService interface {
	Enqueue(ctx context.Context, in scheduler.EnqueueInput) (production.QueueItem, error)
	Update(ctx context.Context, id string, u scheduler.Update) (production.QueueItem, error)
	ReportOutput(ctx context.Context, id string, qty int) (production.QueueItem, error)
	RecalculateAll(ctx context.Context) ([]production.Schedule, error)
	List(ctx context.Context) ([]production.QueueListing, error)
	Get(ctx context.Context, id string) (production.QueueItem, error)
}

type AllocationService interface {
	RouteDemand(ctx context.Context, line production.OrderLine) (inventory.RouteSummary, error)
	ManualAllocate(ctx context.Context, orderID, productID string, qty int, stage production.Stage) (production.Allocation, error)
	MoveStage(ctx context.Context, orderID, productID string, qty int, from, to production.Stage) ([]production.Allocation, error)
	Fulfillment(ctx context.Context, orderID, productID string) (inventory.Fulfillment, error)
}

type StageService interface {
	Advance(ctx context.Context, productID string, from, to production.ProductionStage, qty int) (production.Counters, error)
	Restock(ctx context.Context, productID string, qty int) (production.Counters, error)
	Counters(ctx context.Context, productID string) (production.Counters, error)
}

// ListingCache holds the rendered queue listing between mutations.
type ListingCache interface {
	Get(ctx context.Context) ([]production.QueueListing, bool, error)
	Set(ctx context.Context, rows []production.QueueListing) error
	Invalidate(ctx context.Context) error
}

type Handler struct {
	Queue       QueueService
	Allocations AllocationService
	Stages      StageService
	Products    ProductService
	Cache       ListingCache
}

func (h *Handler) Register(r chi.Router) {
	r.Get("/queue", h.listQueue)
	r.Post("/queue", h.enqueue)
	r.Post("/queue/recalculate", h.recalculate)
	r.Get("/queue/{id}", h.getQueueItem)
	r.Patch("/queue/{id}", h.patchQueueItem)
	r.Post("/queue/{id}/output", h.reportOutput)

	r.Post("/allocations/route", h.routeDemand)
	r.Post("/allocations/manual", h.manualAllocate)
	r.Post("/allocations/move", h.moveStage)
	r.Get("/orders/{order}/products/{product}/fulfillment", h.fulfillment)

	r.Post("/stages/advance", h.advance)
	r.Post("/stages/restock", h.restock)
	r.Get("/stages/{product}", h.counters)

	if h.Products != nil {
		r.Get("/products", h.listProducts)
		r.Put("/products/{id}", h.putProduct)
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		badRequest(w, "invalid json")
		return false
	}
	return true
}

// invalidate drops the cached listing after a write. A failure only means
// readers may see the old listing until the TTL runs out.
func (h *Handler) invalidate(ctx context.Context) {
	if h.Cache == nil {
		return
	}
	if err := h.Cache.Invalidate(context.WithoutCancel(ctx)); err != nil {
		zap.S().Warnw("invalidate queue cache", "error", err)
	}
}
