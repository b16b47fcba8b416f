package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ariefcatur/go-production-scheduler/internal/production"
	"go.uber.org/zap"
)

type errorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Entity    string `json:"entity,omitempty"`
	ID        string `json:"id,omitempty"`
	Field     string `json:"field,omitempty"`
	Requested int    `json:"requested,omitempty"`
	Available int    `json:"available,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorResponse{Error: msg, Kind: "validation"})
}

// writeError maps domain errors to status codes: validation 400, not found
// 404, insufficient inventory and consistency violations 409.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *production.ValidationError
		ie *production.InsufficientInventoryError
		ce *production.ConsistencyViolationError
		ne *production.NotFoundError
	)
	resp := errorResponse{Error: err.Error()}
	code := http.StatusInternalServerError

	switch {
	case errors.As(err, &ve):
		code, resp.Kind = http.StatusBadRequest, "validation"
		resp.Entity, resp.ID, resp.Field, resp.Requested, resp.Available = ve.Entity, ve.ID, ve.Field, ve.Requested, ve.Available
	case errors.As(err, &ne):
		code, resp.Kind = http.StatusNotFound, "not_found"
		resp.Entity, resp.ID = ne.Entity, ne.ID
	case errors.As(err, &ie):
		code, resp.Kind = http.StatusConflict, "insufficient_inventory"
		resp.Entity, resp.ID, resp.Requested, resp.Available = "product", ie.ProductID, ie.Requested, ie.Available
	case errors.As(err, &ce):
		code, resp.Kind = http.StatusConflict, "consistency_violation"
		resp.Entity, resp.ID, resp.Requested, resp.Available = ce.Entity, ce.ID, ce.Attempted, ce.Available
	case errors.Is(err, context.DeadlineExceeded):
		code, resp.Kind = http.StatusGatewayTimeout, "timeout"
	default:
		resp.Kind = "internal"
		resp.Error = "internal error"
		zap.S().Errorw("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, code, resp)
}
