package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/ariefcatur/go-production-scheduler/internal/production"
	"github.com/go-chi/chi/v5"
)

// ProductService saves capacity configuration. Saving replans the queue, so
// it is served by the scheduler rather than the store.
type ProductService interface {
	ListProducts(ctx context.Context) ([]production.Product, error)
	SaveProduct(ctx context.Context, p production.Product) (production.Product, error)
}

func (h *Handler) listProducts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	ps, err := h.Products.ListProducts(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ps)
}

// putProduct replaces a product's capacity configuration. The queue is
// replanned in the same call; if that fails the old configuration stays.
func (h *Handler) putProduct(w http.ResponseWriter, r *http.Request) {
	var p production.Product
	if !decode(w, r, &p) {
		return
	}
	p.ID = chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	saved, err := h.Products.SaveProduct(ctx, p)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.invalidate(ctx)
	writeJSON(w, http.StatusOK, saved)
}
