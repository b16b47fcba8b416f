package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-production-scheduler/internal/capacity"
	"github.com/ariefcatur/go-production-scheduler/internal/lock"
	"github.com/ariefcatur/go-production-scheduler/internal/metrics"
	"github.com/ariefcatur/go-production-scheduler/internal/production"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Store interface {
	production.ProductStore
	production.ProductAdminStore
	production.QueueStore
	production.CounterStore
}

type Config struct {
	Calendar capacity.Calendar
	// DefaultMolds is used when an enqueue does not ask for a mold count;
	// 0 means the product's ceiling.
	DefaultMolds int
	Location     *time.Location
}

// Scheduler owns the production queue. Every mutating call finishes with a
// full recalculation before it returns.
type Scheduler struct {
	store        Store
	calendar     capacity.Calendar
	defaultMolds int
	loc          *time.Location
	now          func() time.Time
	locker       lock.Locker
	history      *production.Recorder
}

type Option func(*Scheduler)

func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }

// WithLocker makes every mutation hold the queue advisory lock.
func WithLocker(l lock.Locker) Option { return func(s *Scheduler) { s.locker = l } }

func WithHistory(r *production.Recorder) Option { return func(s *Scheduler) { s.history = r } }

func New(store Store, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        store,
		calendar:     cfg.Calendar,
		defaultMolds: cfg.DefaultMolds,
		loc:          cfg.Location,
		now:          time.Now,
	}
	if s.calendar == (capacity.Calendar{}) {
		s.calendar = capacity.DefaultCalendar()
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Scheduler) today() time.Time {
	return capacity.Date(s.now().In(s.loc))
}

func (s *Scheduler) hold(ctx context.Context) (func(), error) {
	return lock.Hold(ctx, s.locker, lock.QueueKey)
}

type EnqueueInput struct {
	OrderID   string
	ProductID string
	Qty       int
	Premium   bool
	// Molds is optional; 0 picks the configured default.
	Molds int
}

func (s *Scheduler) Enqueue(ctx context.Context, in EnqueueInput) (production.QueueItem, error) {
	if in.Qty <= 0 {
		return production.QueueItem{}, &production.ValidationError{
			Entity: "queue_item", ID: in.OrderID, Field: "qty", Reason: "must be positive", Requested: in.Qty,
		}
	}
	if in.OrderID == "" || in.ProductID == "" {
		return production.QueueItem{}, &production.ValidationError{Entity: "queue_item", Field: "order_id/product_id", Reason: "required"}
	}

	release, err := s.hold(ctx)
	if err != nil {
		return production.QueueItem{}, err
	}
	defer release()

	p, err := s.store.GetProduct(ctx, in.ProductID)
	if err != nil {
		return production.QueueItem{}, err
	}
	molds := in.Molds
	if molds == 0 {
		molds = s.defaultMoldsFor(p)
	}
	if err := checkMolds(p, "", molds); err != nil {
		return production.QueueItem{}, err
	}

	item := production.QueueItem{
		ID:            uuid.NewString(),
		OrderID:       in.OrderID,
		ProductID:     p.ID,
		QtyTotal:      in.Qty,
		QtyPending:    in.Qty,
		Premium:       in.Premium,
		Status:        production.StatusQueued,
		AssignedMolds: molds,
		CreatedAt:     s.now().UTC(),
	}
	if err := s.store.InsertQueueItem(ctx, item); err != nil {
		return production.QueueItem{}, fmt.Errorf("insert queue item: %w", err)
	}
	undo := []production.Undo{func(ctx context.Context) error { return s.store.DeleteQueueItem(ctx, item.ID) }}

	if err := s.store.ReceiveOrdered(ctx, p.ID, in.Qty); err != nil {
		return production.QueueItem{}, production.Compensate(ctx, "enqueue", fmt.Errorf("receive ordered units: %w", err), undo...)
	}
	undo = append(undo, func(ctx context.Context) error { return s.store.RevertOrdered(ctx, p.ID, in.Qty) })

	if _, err := s.recalculate(ctx); err != nil {
		return production.QueueItem{}, production.Compensate(ctx, "enqueue", err, undo...)
	}

	saved, err := s.store.GetQueueItem(ctx, item.ID)
	if err != nil {
		return production.QueueItem{}, err
	}
	zap.S().Infow("queue item enqueued", "item_id", saved.ID, "order_id", saved.OrderID, "product_id", saved.ProductID,
		"qty", saved.QtyTotal, "premium", saved.Premium)
	s.history.Record(ctx, production.EventQueueItemEnqueued, saved.ID, saved)
	return saved, nil
}

func (s *Scheduler) defaultMoldsFor(p production.Product) int {
	if s.defaultMolds > 0 && s.defaultMolds < p.MoldsAvailable {
		return s.defaultMolds
	}
	return p.MoldsAvailable
}

func checkMolds(p production.Product, itemID string, molds int) error {
	if molds < 1 || molds > p.MoldsAvailable {
		return &production.ValidationError{
			Entity: "queue_item", ID: itemID, Field: "assigned_molds",
			Reason: "must be between 1 and the product's molds_available", Requested: molds, Available: p.MoldsAvailable,
		}
	}
	return nil
}

// Update carries the fields of a queue item that callers may change. Nil
// fields are left alone.
type Update struct {
	AssignedMolds *int
	Status        *production.Status
}

func (s *Scheduler) SetAssignedMolds(ctx context.Context, id string, molds int) (production.QueueItem, error) {
	return s.Update(ctx, id, Update{AssignedMolds: &molds})
}

func (s *Scheduler) SetStatus(ctx context.Context, id string, to production.Status) (production.QueueItem, error) {
	return s.Update(ctx, id, Update{Status: &to})
}

// Update applies u as one operation. Every part is validated before anything
// is written and the writes are undone if the replan fails.
func (s *Scheduler) Update(ctx context.Context, id string, u Update) (production.QueueItem, error) {
	if u.AssignedMolds == nil && u.Status == nil {
		return production.QueueItem{}, &production.ValidationError{Entity: "queue_item", ID: id, Reason: "nothing to update"}
	}
	if u.Status != nil && !u.Status.Valid() {
		return production.QueueItem{}, &production.ValidationError{Entity: "queue_item", ID: id, Field: "status", Reason: "unknown status " + string(*u.Status)}
	}

	release, err := s.hold(ctx)
	if err != nil {
		return production.QueueItem{}, err
	}
	defer release()

	it, err := s.store.GetQueueItem(ctx, id)
	if err != nil {
		return production.QueueItem{}, err
	}
	if u.AssignedMolds != nil {
		if it.Status.Terminal() {
			return production.QueueItem{}, &production.ValidationError{
				Entity: "queue_item", ID: id, Field: "status", Reason: "cannot reassign molds of a " + string(it.Status) + " item",
			}
		}
		p, err := s.store.GetProduct(ctx, it.ProductID)
		if err != nil {
			return production.QueueItem{}, err
		}
		if err := checkMolds(p, id, *u.AssignedMolds); err != nil {
			return production.QueueItem{}, err
		}
	}
	if u.Status != nil && !production.CanTransition(it.Status, *u.Status) {
		return production.QueueItem{}, &production.ValidationError{
			Entity: "queue_item", ID: id, Field: "status", Reason: fmt.Sprintf("illegal transition %s -> %s", it.Status, *u.Status),
		}
	}

	moldsChanged := u.AssignedMolds != nil && *u.AssignedMolds != it.AssignedMolds
	if !moldsChanged && u.Status == nil {
		return it, nil
	}

	var undo []production.Undo
	prev := it.AssignedMolds
	if moldsChanged {
		if err := s.store.UpdateAssignedMolds(ctx, id, *u.AssignedMolds); err != nil {
			return production.QueueItem{}, fmt.Errorf("update assigned molds: %w", err)
		}
		undo = append(undo, func(ctx context.Context) error { return s.store.UpdateAssignedMolds(ctx, id, prev) })
	}
	if u.Status != nil {
		if err := s.transition(ctx, it, *u.Status); err != nil {
			return production.QueueItem{}, production.Compensate(ctx, "update_queue_item", err, undo...)
		}
	} else if _, err := s.recalculate(ctx); err != nil {
		return production.QueueItem{}, production.Compensate(ctx, "update_queue_item", err, undo...)
	}

	if moldsChanged {
		s.history.Record(ctx, production.EventQueueItemMoldsChanged, id, production.MoldsChangedPayload{ItemID: id, From: prev, To: *u.AssignedMolds})
	}
	return s.store.GetQueueItem(ctx, id)
}

// transition writes the status change, recalculates and, for cancellations,
// releases the still pending units from the ordered stage.
func (s *Scheduler) transition(ctx context.Context, it production.QueueItem, to production.Status) error {
	from := it.Status
	if err := s.store.UpdateQueueStatus(ctx, it.ID, from, to); err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if _, err := s.recalculate(ctx); err != nil {
		return production.Compensate(ctx, "set_status", err, func(ctx context.Context) error {
			return s.store.UpdateQueueStatus(ctx, it.ID, to, from)
		})
	}

	if to == production.StatusCancelled {
		s.releaseOrdered(ctx, it)
	}
	zap.S().Infow("queue item status changed", "item_id", it.ID, "from", from, "to", to)
	s.history.Record(ctx, production.EventQueueItemStatusChanged, it.ID, production.StatusChangedPayload{ItemID: it.ID, From: from, To: to})
	return nil
}

// releaseOrdered is best effort: the cancellation already stands, a failure
// here only leaves the ledger overstating the ordered stage.
func (s *Scheduler) releaseOrdered(ctx context.Context, it production.QueueItem) {
	c, err := s.store.GetCounters(ctx, it.ProductID)
	if err == nil {
		if n := min(it.QtyPending, c.Ordered); n > 0 {
			err = s.store.ReleaseOrdered(ctx, it.ProductID, n)
		}
	}
	if err != nil {
		zap.S().Errorw("release ordered units after cancel", "item_id", it.ID, "product_id", it.ProductID, "error", err)
	}
}

// ReportOutput records qty finished units against an in-progress item. An
// item with nothing left pending is marked done.
func (s *Scheduler) ReportOutput(ctx context.Context, id string, qty int) (production.QueueItem, error) {
	if qty <= 0 {
		return production.QueueItem{}, &production.ValidationError{Entity: "queue_item", ID: id, Field: "qty", Reason: "must be positive", Requested: qty}
	}

	release, err := s.hold(ctx)
	if err != nil {
		return production.QueueItem{}, err
	}
	defer release()

	it, err := s.store.GetQueueItem(ctx, id)
	if err != nil {
		return production.QueueItem{}, err
	}
	if it.Status != production.StatusInProgress {
		return production.QueueItem{}, &production.ValidationError{
			Entity: "queue_item", ID: id, Field: "status", Reason: "output can only be reported for in_progress items",
		}
	}
	if qty > it.QtyPending {
		return production.QueueItem{}, &production.ValidationError{
			Entity: "queue_item", ID: id, Field: "qty", Reason: "exceeds pending quantity", Requested: qty, Available: it.QtyPending,
		}
	}

	updated, err := s.store.AdjustPending(ctx, id, -qty)
	if err != nil {
		return production.QueueItem{}, fmt.Errorf("adjust pending: %w", err)
	}
	if updated.QtyPending == 0 {
		if err := s.transition(ctx, updated, production.StatusDone); err != nil {
			return production.QueueItem{}, production.Compensate(ctx, "report_output", err, func(ctx context.Context) error {
				_, err := s.store.AdjustPending(ctx, id, qty)
				return err
			})
		}
	}

	s.history.Record(ctx, production.EventQueueItemOutput, id, production.OutputPayload{ItemID: id, Qty: qty, QtyPending: updated.QtyPending})
	return s.store.GetQueueItem(ctx, id)
}

// Withdraw removes an item that was just enqueued, undoing its ledger entry.
// It exists for callers compensating a failed multi-step operation. The
// counter is reverted before the item is deleted so a failure never leaves
// a deleted item with its units still counted.
func (s *Scheduler) Withdraw(ctx context.Context, id string) error {
	release, err := s.hold(ctx)
	if err != nil {
		return err
	}
	defer release()

	it, err := s.store.GetQueueItem(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.RevertOrdered(ctx, it.ProductID, it.QtyTotal); err != nil {
		return fmt.Errorf("revert ordered units: %w", err)
	}
	undo := []production.Undo{func(ctx context.Context) error { return s.store.ReceiveOrdered(ctx, it.ProductID, it.QtyTotal) }}

	if err := s.store.DeleteQueueItem(ctx, id); err != nil {
		return production.Compensate(ctx, "withdraw", fmt.Errorf("delete queue item: %w", err), undo...)
	}
	undo = append(undo, func(ctx context.Context) error { return s.store.InsertQueueItem(ctx, it) })

	if _, err := s.recalculate(ctx); err != nil {
		return production.Compensate(ctx, "withdraw", err, undo...)
	}
	s.history.Record(ctx, production.EventQueueItemWithdrawn, id, it)
	return nil
}

// SaveProduct stores a product's capacity configuration and brings the
// queue in line with it: assigned molds above a lowered ceiling are reduced
// and every schedule is replanned. If the replan fails the previous
// configuration and mold assignments are restored.
func (s *Scheduler) SaveProduct(ctx context.Context, p production.Product) (production.Product, error) {
	if err := p.Validate(); err != nil {
		return production.Product{}, err
	}

	release, err := s.hold(ctx)
	if err != nil {
		return production.Product{}, err
	}
	defer release()

	prev, err := s.store.GetProduct(ctx, p.ID)
	existed := err == nil
	if err != nil && !errors.Is(err, production.ErrNotFound) {
		return production.Product{}, err
	}

	// a new product has no queue items yet
	if !existed {
		if err := s.store.UpsertProduct(ctx, p); err != nil {
			return production.Product{}, fmt.Errorf("save product: %w", err)
		}
		zap.S().Infow("product created", "product_id", p.ID, "molds_available", p.MoldsAvailable)
		return s.store.GetProduct(ctx, p.ID)
	}

	items, err := s.store.ListActiveQueueItems(ctx)
	if err != nil {
		return production.Product{}, fmt.Errorf("list active queue items: %w", err)
	}
	assigned := map[string]int{}
	for _, it := range items {
		if it.ProductID == p.ID && it.AssignedMolds > p.MoldsAvailable {
			assigned[it.ID] = it.AssignedMolds
		}
	}

	if err := s.store.UpsertProduct(ctx, p); err != nil {
		return production.Product{}, fmt.Errorf("save product: %w", err)
	}
	undo := []production.Undo{func(ctx context.Context) error { return s.store.UpsertProduct(ctx, prev) }}

	if len(assigned) > 0 {
		n, err := s.store.ClampAssignedMolds(ctx, p.ID, p.MoldsAvailable)
		if err != nil {
			return production.Product{}, production.Compensate(ctx, "save_product", fmt.Errorf("clamp assigned molds: %w", err), undo...)
		}
		undo = append(undo, func(ctx context.Context) error {
			var errs []error
			for id, molds := range assigned {
				errs = append(errs, s.store.UpdateAssignedMolds(ctx, id, molds))
			}
			return errors.Join(errs...)
		})
		zap.S().Infow("assigned molds lowered to new ceiling", "product_id", p.ID, "items", n, "molds_available", p.MoldsAvailable)
	}

	if _, err := s.recalculate(ctx); err != nil {
		return production.Product{}, production.Compensate(ctx, "save_product", err, undo...)
	}
	return s.store.GetProduct(ctx, p.ID)
}

// ListProducts returns the capacity configuration of every product.
func (s *Scheduler) ListProducts(ctx context.Context) ([]production.Product, error) {
	return s.store.ListProducts(ctx)
}

// RecalculateAll recomputes every active item's schedule. Running it twice
// without a mutation in between writes nothing the second time.
func (s *Scheduler) RecalculateAll(ctx context.Context) ([]production.Schedule, error) {
	release, err := s.hold(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return s.recalculate(ctx)
}

func (s *Scheduler) recalculate(ctx context.Context) ([]production.Schedule, error) {
	started := time.Now()

	items, err := s.store.ListActiveQueueItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active queue items: %w", err)
	}
	products, err := s.store.ListProducts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	byID := make(map[string]production.Product, len(products))
	for _, p := range products {
		byID[p.ID] = p
	}

	q := Queue{Today: s.today(), Items: items, Products: byID}
	plans, err := q.Plan(s.calendar)
	if err != nil {
		return nil, err
	}
	diff := changed(items, plans)
	if len(diff) > 0 {
		if err := s.store.SaveSchedules(ctx, diff); err != nil {
			return nil, fmt.Errorf("save schedules: %w", err)
		}
	}

	metrics.Recalculations.Inc()
	metrics.RecalculationSeconds.Observe(time.Since(started).Seconds())
	metrics.ActiveQueueItems.Set(float64(len(plans)))
	metrics.SchedulesChanged.Add(float64(len(diff)))
	zap.S().Debugw("queue recalculated", "items", len(plans), "changed", len(diff))
	if len(diff) > 0 {
		s.history.Record(ctx, production.EventQueueRecalculated, "", production.RecalculatedPayload{Items: len(plans), Changed: len(diff)})
	}
	return plans, nil
}

// List returns the active queue in scheduling priority order, for display.
func (s *Scheduler) List(ctx context.Context) ([]production.QueueListing, error) {
	rows, err := s.store.ListQueue(ctx)
	if err != nil {
		return nil, err
	}
	production.SortListingByPriority(rows)
	return rows, nil
}

func (s *Scheduler) Get(ctx context.Context, id string) (production.QueueItem, error) {
	return s.store.GetQueueItem(ctx, id)
}
