// Package pipeline keeps the per-product stage ledger: how many units sit in
// each physical production stage.
package pipeline

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-production-scheduler/internal/metrics"
	"github.com/ariefcatur/go-production-scheduler/internal/production"
	"go.uber.org/zap"
)

type Store interface {
	production.ProductStore
	production.CounterStore
}

type Ledger struct {
	store   Store
	history *production.Recorder
}

func NewLedger(store Store, history *production.Recorder) *Ledger {
	return &Ledger{store: store, history: history}
}

// Advance moves qty units of a product from one stage to a later one. The
// source is checked by the same write that moves the units.
func (l *Ledger) Advance(ctx context.Context, productID string, from, to production.ProductionStage, qty int) (production.Counters, error) {
	if qty <= 0 {
		return production.Counters{}, &production.ValidationError{Entity: "counters", ID: productID, Field: "qty", Reason: "must be positive", Requested: qty}
	}
	if !from.Valid() || !to.Valid() {
		return production.Counters{}, &production.ValidationError{
			Entity: "counters", ID: productID, Field: "stage", Reason: fmt.Sprintf("unknown stage %s -> %s", from, to),
		}
	}
	if to.Index() <= from.Index() {
		return production.Counters{}, &production.ValidationError{
			Entity: "counters", ID: productID, Field: "stage", Reason: fmt.Sprintf("%s is not after %s", to, from),
		}
	}
	if _, err := l.store.GetProduct(ctx, productID); err != nil {
		return production.Counters{}, err
	}

	if err := l.store.MoveUnits(ctx, productID, from, to, qty); err != nil {
		return production.Counters{}, fmt.Errorf("advance %s -> %s: %w", from, to, err)
	}

	metrics.StageAdvancedUnits.WithLabelValues(string(from), string(to)).Add(float64(qty))
	zap.S().Infow("units advanced", "product_id", productID, "from", from, "to", to, "qty", qty)
	l.history.Record(ctx, production.EventStageAdvanced, productID, production.StageAdvancedPayload{
		ProductID: productID, From: from, To: to, Qty: qty,
	})
	return l.store.GetCounters(ctx, productID)
}

// Revert undoes an Advance. It exists for callers rolling back a larger
// operation and skips the ordering check.
func (l *Ledger) Revert(ctx context.Context, productID string, from, to production.ProductionStage, qty int) error {
	return l.store.MoveUnits(ctx, productID, to, from, qty)
}

// Restock takes finished units into stock without passing the pipeline.
func (l *Ledger) Restock(ctx context.Context, productID string, qty int) (production.Counters, error) {
	if qty <= 0 {
		return production.Counters{}, &production.ValidationError{Entity: "counters", ID: productID, Field: "qty", Reason: "must be positive", Requested: qty}
	}
	if err := l.store.Restock(ctx, productID, qty); err != nil {
		return production.Counters{}, fmt.Errorf("restock: %w", err)
	}
	zap.S().Infow("stock received", "product_id", productID, "qty", qty)
	l.history.Record(ctx, production.EventStockRestocked, productID, production.RestockPayload{ProductID: productID, Qty: qty})
	return l.store.GetCounters(ctx, productID)
}

func (l *Ledger) Counters(ctx context.Context, productID string) (production.Counters, error) {
	if _, err := l.store.GetProduct(ctx, productID); err != nil {
		return production.Counters{}, err
	}
	return l.store.GetCounters(ctx, productID)
}
