// Package inventory routes order demand between finished stock and the
// production queue and tracks where allocated units sit.
package inventory

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-production-scheduler/internal/lock"
	"github.com/ariefcatur/go-production-scheduler/internal/metrics"
	"github.com/ariefcatur/go-production-scheduler/internal/production"
	"github.com/ariefcatur/go-production-scheduler/internal/scheduler"
	"go.uber.org/zap"
)

type Store interface {
	production.ProductStore
	production.OrderLineStore
	production.AllocationStore
	production.CounterStore
	ActiveQueuedQty(ctx context.Context, orderID, productID string) (int, error)
}

// Enqueuer is the part of the scheduler the engine drives.
type Enqueuer interface {
	Enqueue(ctx context.Context, in scheduler.EnqueueInput) (production.QueueItem, error)
	Withdraw(ctx context.Context, id string) error
}

const (
	sourceRoute  = "route"
	sourceManual = "manual"
)

type Engine struct {
	store   Store
	queue   Enqueuer
	locker  lock.Locker
	history *production.Recorder
}

type Option func(*Engine)

// WithLocker serializes operations on one (order, product) pair.
func WithLocker(l lock.Locker) Option { return func(e *Engine) { e.locker = l } }

func WithHistory(r *production.Recorder) Option { return func(e *Engine) { e.history = r } }

func NewEngine(store Store, queue Enqueuer, opts ...Option) *Engine {
	e := &Engine{store: store, queue: queue}
	for _, o := range opts {
		o(e)
	}
	return e
}

type RouteSummary struct {
	OrderID            string `json:"order_id"`
	ProductID          string `json:"product_id"`
	Outstanding        int    `json:"outstanding"`
	RoutedToPackaging  int    `json:"routed_to_packaging"`
	RoutedToProduction int    `json:"routed_to_production"`
	QueueItemID        string `json:"queue_item_id,omitempty"`
}

// RouteDemand serves the outstanding part of an order line from surplus
// finished stock first and queues production for the rest. Demand already
// covered by allocations or active queue items is not routed again, so
// replaying a line is a no-op.
func (e *Engine) RouteDemand(ctx context.Context, line production.OrderLine) (RouteSummary, error) {
	if err := line.Validate(); err != nil {
		return RouteSummary{}, err
	}
	if _, err := e.store.GetProduct(ctx, line.ProductID); err != nil {
		return RouteSummary{}, err
	}

	release, err := lock.Hold(ctx, e.locker, lock.PairKey(line.OrderID, line.ProductID))
	if err != nil {
		return RouteSummary{}, err
	}
	defer release()

	allocs, err := e.store.ListAllocations(ctx, line.OrderID, line.ProductID)
	if err != nil {
		return RouteSummary{}, fmt.Errorf("list allocations: %w", err)
	}
	queued, err := e.store.ActiveQueuedQty(ctx, line.OrderID, line.ProductID)
	if err != nil {
		return RouteSummary{}, fmt.Errorf("active queued qty: %w", err)
	}

	sum := RouteSummary{OrderID: line.OrderID, ProductID: line.ProductID}
	sum.Outstanding = line.Qty - production.Allocated(allocs) - queued
	if sum.Outstanding <= 0 {
		zap.S().Debugw("order line already covered", "order_id", line.OrderID, "product_id", line.ProductID,
			"requested", line.Qty, "queued", queued)
		return sum, nil
	}

	undo, n, err := e.fromStock(ctx, line, sum.Outstanding)
	if err != nil {
		return RouteSummary{}, err
	}
	sum.RoutedToPackaging = n

	if n := sum.Outstanding - sum.RoutedToPackaging; n > 0 {
		item, err := e.queue.Enqueue(ctx, scheduler.EnqueueInput{
			OrderID: line.OrderID, ProductID: line.ProductID, Qty: n, Premium: line.Premium,
		})
		if err != nil {
			return RouteSummary{}, production.Compensate(ctx, "route_demand", fmt.Errorf("enqueue production: %w", err), undo...)
		}
		undo = append(undo, func(ctx context.Context) error { return e.queue.Withdraw(ctx, item.ID) })
		sum.RoutedToProduction = n
		sum.QueueItemID = item.ID
	}

	if err := e.store.SaveOrderLine(ctx, line); err != nil {
		return RouteSummary{}, production.Compensate(ctx, "route_demand", fmt.Errorf("save order line: %w", err), undo...)
	}

	metrics.RoutedUnits.WithLabelValues("packaging").Add(float64(sum.RoutedToPackaging))
	metrics.RoutedUnits.WithLabelValues("production").Add(float64(sum.RoutedToProduction))
	zap.S().Infow("demand routed", "order_id", line.OrderID, "product_id", line.ProductID,
		"packaging", sum.RoutedToPackaging, "production", sum.RoutedToProduction, "queue_item_id", sum.QueueItemID)
	return sum, nil
}

// fromStock commits up to want surplus units to the line's packaging stage.
func (e *Engine) fromStock(ctx context.Context, line production.OrderLine, want int) ([]production.Undo, int, error) {
	release, err := lock.Hold(ctx, e.locker, lock.StockKey(line.ProductID))
	if err != nil {
		return nil, 0, err
	}
	defer release()

	surplus, err := e.surplus(ctx, line.ProductID)
	if err != nil {
		return nil, 0, err
	}
	n := min(want, surplus)
	if n <= 0 {
		return nil, 0, nil
	}
	undo, _, err := e.commit(ctx, line.OrderID, line.ProductID, production.StagePackaging, n, sourceRoute)
	if err != nil {
		return nil, 0, err
	}
	return undo, n, nil
}

func (e *Engine) surplus(ctx context.Context, productID string) (int, error) {
	c, err := e.store.GetCounters(ctx, productID)
	if err != nil {
		return 0, fmt.Errorf("get counters: %w", err)
	}
	packaging, err := e.store.PackagingTotal(ctx, productID)
	if err != nil {
		return 0, fmt.Errorf("packaging total: %w", err)
	}
	return c.Surplus(packaging), nil
}

// commit records an allocation and draws the same quantity from finished
// stock. It returns the reverse writes in registration order.
func (e *Engine) commit(ctx context.Context, orderID, productID string, stage production.Stage, qty int, source string) ([]production.Undo, production.Allocation, error) {
	a, err := e.store.AddAllocation(ctx, orderID, productID, stage, qty)
	if err != nil {
		return nil, production.Allocation{}, fmt.Errorf("add allocation: %w", err)
	}
	undo := []production.Undo{func(ctx context.Context) error {
		return e.store.RemoveAllocation(ctx, orderID, productID, stage, qty)
	}}

	if err := e.store.DrawFinished(ctx, productID, qty); err != nil {
		return nil, production.Allocation{}, production.Compensate(ctx, "commit_stock", fmt.Errorf("draw finished stock: %w", err), undo...)
	}
	undo = append(undo, func(ctx context.Context) error { return e.store.ReturnFinished(ctx, productID, qty) })

	metrics.AllocatedUnits.WithLabelValues(string(stage), source).Add(float64(qty))
	e.history.Record(ctx, production.EventAllocationCreated, orderID, production.AllocationPayload{
		OrderID: orderID, ProductID: productID, Stage: stage, Qty: qty, Source: source,
	})
	return undo, a, nil
}

// ManualAllocate commits qty finished units to an existing order line at
// the given stage.
func (e *Engine) ManualAllocate(ctx context.Context, orderID, productID string, qty int, stage production.Stage) (production.Allocation, error) {
	if qty <= 0 {
		return production.Allocation{}, &production.ValidationError{Entity: "allocation", ID: orderID, Field: "qty", Reason: "must be positive", Requested: qty}
	}
	if !stage.Valid() {
		return production.Allocation{}, &production.ValidationError{Entity: "allocation", ID: orderID, Field: "stage", Reason: "unknown stage " + string(stage)}
	}

	release, err := lock.Hold(ctx, e.locker, lock.PairKey(orderID, productID))
	if err != nil {
		return production.Allocation{}, err
	}
	defer release()

	line, err := e.store.GetOrderLine(ctx, orderID, productID)
	if err != nil {
		return production.Allocation{}, err
	}
	allocs, err := e.store.ListAllocations(ctx, orderID, productID)
	if err != nil {
		return production.Allocation{}, fmt.Errorf("list allocations: %w", err)
	}
	if room := line.Qty - production.Allocated(allocs); qty > room {
		return production.Allocation{}, &production.ValidationError{
			Entity: "allocation", ID: orderID, Field: "qty", Reason: "exceeds requested quantity", Requested: qty, Available: room,
		}
	}

	releaseStock, err := lock.Hold(ctx, e.locker, lock.StockKey(productID))
	if err != nil {
		return production.Allocation{}, err
	}
	defer releaseStock()

	surplus, err := e.surplus(ctx, productID)
	if err != nil {
		return production.Allocation{}, err
	}
	if qty > surplus {
		return production.Allocation{}, &production.InsufficientInventoryError{ProductID: productID, OrderID: orderID, Requested: qty, Available: surplus}
	}

	undo, a, err := e.commit(ctx, orderID, productID, stage, qty, sourceManual)
	if err != nil {
		return production.Allocation{}, err
	}

	after, err := e.store.ListAllocations(ctx, orderID, productID)
	if err != nil {
		return production.Allocation{}, production.Compensate(ctx, "manual_allocate", fmt.Errorf("verify allocations: %w", err), undo...)
	}
	if total := production.Allocated(after); total > line.Qty {
		return production.Allocation{}, production.Compensate(ctx, "manual_allocate", &production.ConsistencyViolationError{
			Entity: "allocation", ID: orderID, Reason: "allocations exceed requested quantity", Attempted: total, Available: line.Qty,
		}, undo...)
	}

	zap.S().Infow("stock allocated", "order_id", orderID, "product_id", productID, "stage", stage, "qty", qty)
	return a, nil
}

// MoveStage shifts allocated units forward from packaging to shipped. The
// pair's total allocation is unchanged. Shipped units never move back.
func (e *Engine) MoveStage(ctx context.Context, orderID, productID string, qty int, from, to production.Stage) ([]production.Allocation, error) {
	if qty <= 0 {
		return nil, &production.ValidationError{Entity: "allocation", ID: orderID, Field: "qty", Reason: "must be positive", Requested: qty}
	}
	if from != production.StagePackaging || to != production.StageShipped {
		return nil, &production.ValidationError{
			Entity: "allocation", ID: orderID, Field: "stage", Reason: fmt.Sprintf("cannot move %s -> %s", from, to),
		}
	}

	release, err := lock.Hold(ctx, e.locker, lock.PairKey(orderID, productID))
	if err != nil {
		return nil, err
	}
	defer release()

	allocs, err := e.store.ListAllocations(ctx, orderID, productID)
	if err != nil {
		return nil, fmt.Errorf("list allocations: %w", err)
	}
	if have := production.AllocatedAt(allocs, from); qty > have {
		return nil, &production.ValidationError{
			Entity: "allocation", ID: orderID, Field: "qty", Reason: "exceeds quantity allocated at " + string(from), Requested: qty, Available: have,
		}
	}

	if err := e.store.RemoveAllocation(ctx, orderID, productID, from, qty); err != nil {
		return nil, fmt.Errorf("decrement %s allocation: %w", from, err)
	}
	if _, err := e.store.AddAllocation(ctx, orderID, productID, to, qty); err != nil {
		return nil, production.Compensate(ctx, "move_stage", fmt.Errorf("increment %s allocation: %w", to, err), func(ctx context.Context) error {
			_, err := e.store.AddAllocation(ctx, orderID, productID, from, qty)
			return err
		})
	}

	metrics.MovedUnits.WithLabelValues(string(from), string(to)).Add(float64(qty))
	e.history.Record(ctx, production.EventAllocationMoved, orderID, production.AllocationMovedPayload{
		OrderID: orderID, ProductID: productID, From: from, To: to, Qty: qty,
	})
	return e.store.ListAllocations(ctx, orderID, productID)
}

type Fulfillment struct {
	OrderID     string                      `json:"order_id"`
	ProductID   string                      `json:"product_id"`
	Requested   int                         `json:"requested"`
	Packaging   int                         `json:"packaging"`
	Shipped     int                         `json:"shipped"`
	Queued      int                         `json:"queued"`
	Outstanding int                         `json:"outstanding"`
	State       production.FulfillmentState `json:"state"`
	Allocations []production.Allocation     `json:"allocations"`
}

func (e *Engine) Fulfillment(ctx context.Context, orderID, productID string) (Fulfillment, error) {
	line, err := e.store.GetOrderLine(ctx, orderID, productID)
	if err != nil {
		return Fulfillment{}, err
	}
	allocs, err := e.store.ListAllocations(ctx, orderID, productID)
	if err != nil {
		return Fulfillment{}, fmt.Errorf("list allocations: %w", err)
	}
	queued, err := e.store.ActiveQueuedQty(ctx, orderID, productID)
	if err != nil {
		return Fulfillment{}, fmt.Errorf("active queued qty: %w", err)
	}

	f := Fulfillment{
		OrderID:     orderID,
		ProductID:   productID,
		Requested:   line.Qty,
		Packaging:   production.AllocatedAt(allocs, production.StagePackaging),
		Shipped:     production.AllocatedAt(allocs, production.StageShipped),
		Queued:      queued,
		Allocations: allocs,
	}
	f.Outstanding = max(0, f.Requested-f.Packaging-f.Shipped-f.Queued)
	f.State = production.DeriveFulfillment(f.Requested, f.Packaging, f.Shipped, f.Queued)
	if f.Allocations == nil {
		f.Allocations = []production.Allocation{}
	}
	return f, nil
}
