package production

import "context"

// Every method is a single bounded call against the backing store.
// Conditional writes re-check their precondition at write time and report
// a *ConsistencyViolationError when it no longer holds; missing rows are
// reported as *NotFoundError.

type ProductStore interface {
	GetProduct(ctx context.Context, id string) (Product, error)
	ListProducts(ctx context.Context) ([]Product, error)
}

// ProductAdminStore maintains capacity configuration. Only the scheduler
// writes through it, so schedules can follow the change.
type ProductAdminStore interface {
	UpsertProduct(ctx context.Context, p Product) error
}

type OrderLineStore interface {
	GetOrderLine(ctx context.Context, orderID, productID string) (OrderLine, error)
	SaveOrderLine(ctx context.Context, line OrderLine) error
}

type QueueStore interface {
	InsertQueueItem(ctx context.Context, item QueueItem) error
	GetQueueItem(ctx context.Context, id string) (QueueItem, error)
	DeleteQueueItem(ctx context.Context, id string) error
	// ListActiveQueueItems returns queued and in-progress items in no particular order.
	ListActiveQueueItems(ctx context.Context) ([]QueueItem, error)
	// ListQueue joins active items with product and order display names.
	ListQueue(ctx context.Context) ([]QueueListing, error)
	UpdateQueueStatus(ctx context.Context, id string, from, to Status) error
	// UpdateAssignedMolds only touches non-terminal items.
	UpdateAssignedMolds(ctx context.Context, id string, molds int) error
	// ClampAssignedMolds lowers assigned_molds of the product's active items
	// to ceiling where it is above it, and reports how many items changed.
	ClampAssignedMolds(ctx context.Context, productID string, ceiling int) (int, error)
	// AdjustPending adds delta to qty_pending, keeping it within [0, qty_total].
	AdjustPending(ctx context.Context, id string, delta int) (QueueItem, error)
	SaveSchedules(ctx context.Context, schedules []Schedule) error
	// ActiveQueuedQty sums qty_pending of active items for one order line.
	ActiveQueuedQty(ctx context.Context, orderID, productID string) (int, error)
}

type AllocationStore interface {
	ListAllocations(ctx context.Context, orderID, productID string) ([]Allocation, error)
	PackagingTotal(ctx context.Context, productID string) (int, error)
	// AddAllocation creates the (order, product, stage) row or increments it.
	AddAllocation(ctx context.Context, orderID, productID string, stage Stage, qty int) (Allocation, error)
	// RemoveAllocation decrements the row and deletes it when it reaches zero.
	RemoveAllocation(ctx context.Context, orderID, productID string, stage Stage, qty int) error
}

type CounterStore interface {
	// GetCounters returns a zero row for products without ledger activity.
	GetCounters(ctx context.Context, productID string) (Counters, error)
	// ReceiveOrdered adds newly queued units to the ordered stage.
	ReceiveOrdered(ctx context.Context, productID string, qty int) error
	// RevertOrdered undoes ReceiveOrdered, including the queued total.
	RevertOrdered(ctx context.Context, productID string, qty int) error
	// ReleaseOrdered removes cancelled units from the ordered stage.
	ReleaseOrdered(ctx context.Context, productID string, qty int) error
	MoveUnits(ctx context.Context, productID string, from, to ProductionStage, qty int) error
	// DrawFinished takes units out of finished stock for an allocation.
	DrawFinished(ctx context.Context, productID string, qty int) error
	// ReturnFinished undoes DrawFinished.
	ReturnFinished(ctx context.Context, productID string, qty int) error
	Restock(ctx context.Context, productID string, qty int) error
}

type Store interface {
	ProductStore
	ProductAdminStore
	OrderLineStore
	QueueStore
	AllocationStore
	CounterStore
	Ping(ctx context.Context) error
}
