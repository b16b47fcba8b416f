package production

import (
	"time"

	"github.com/ariefcatur/go-production-scheduler/internal/capacity"
	"github.com/shopspring/decimal"
)

// Product carries the capacity configuration the core reads but never writes.
type Product struct {
	ID             string          `json:"id"`
	SKU            string          `json:"sku"`
	Name           string          `json:"name"`
	MoldsAvailable int             `json:"molds_available"`
	MaxTurnsPerDay decimal.Decimal `json:"max_turns_per_day"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func (p Product) Capacity() capacity.Params {
	return capacity.Params{MoldsAvailable: p.MoldsAvailable, MaxTurnsPerDay: p.MaxTurnsPerDay}
}

func (p Product) Validate() error {
	if p.ID == "" || p.SKU == "" {
		return &ValidationError{Entity: "product", ID: p.ID, Field: "id/sku", Reason: "required"}
	}
	if err := p.Capacity().Validate(); err != nil {
		return &ValidationError{Entity: "product", ID: p.ID, Field: "capacity", Reason: err.Error()}
	}
	return nil
}

// OrderLine is the order subsystem's view of one product requested by one order.
type OrderLine struct {
	OrderID   string `json:"order_id"`
	OrderRef  string `json:"order_ref,omitempty"`
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
	Premium   bool   `json:"premium"`
}

func (l OrderLine) Validate() error {
	if l.OrderID == "" {
		return &ValidationError{Entity: "order_line", Field: "order_id", Reason: "required"}
	}
	if l.ProductID == "" {
		return &ValidationError{Entity: "order_line", ID: l.OrderID, Field: "product_id", Reason: "required"}
	}
	if l.Qty <= 0 {
		return &ValidationError{Entity: "order_line", ID: l.OrderID, Field: "qty", Reason: "must be positive", Requested: l.Qty}
	}
	return nil
}

type QueueItem struct {
	ID            string     `json:"id"`
	OrderID       string     `json:"order_id"`
	ProductID     string     `json:"product_id"`
	QtyTotal      int        `json:"qty_total"`
	QtyPending    int        `json:"qty_pending"`
	Premium       bool       `json:"premium"`
	Status        Status     `json:"status"`
	AssignedMolds int        `json:"assigned_molds"`
	CreatedAt     time.Time  `json:"created_at"`
	DurationDays  int        `json:"duration_days"`
	EtaStart      *time.Time `json:"eta_start,omitempty"`
	EtaEnd        *time.Time `json:"eta_end,omitempty"`
}

func (q QueueItem) Schedule() Schedule {
	return Schedule{ItemID: q.ID, DurationDays: q.DurationDays, EtaStart: q.EtaStart, EtaEnd: q.EtaEnd}
}

// Schedule is the computed part of a queue item written back by a recalculation.
type Schedule struct {
	ItemID       string     `json:"item_id"`
	DurationDays int        `json:"duration_days"`
	EtaStart     *time.Time `json:"eta_start,omitempty"`
	EtaEnd       *time.Time `json:"eta_end,omitempty"`
}

func (s Schedule) Equal(o Schedule) bool {
	return s.ItemID == o.ItemID && s.DurationDays == o.DurationDays &&
		sameDate(s.EtaStart, o.EtaStart) && sameDate(s.EtaEnd, o.EtaEnd)
}

func sameDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return capacity.Date(*a).Equal(capacity.Date(*b))
}

// QueueListing is a queue item joined with display names for presentation.
type QueueListing struct {
	QueueItem
	ProductSKU  string `json:"product_sku"`
	ProductName string `json:"product_name"`
	OrderRef    string `json:"order_ref,omitempty"`
}

type Allocation struct {
	ID        string    `json:"id"`
	OrderID   string    `json:"order_id"`
	ProductID string    `json:"product_id"`
	Stage     Stage     `json:"stage"`
	Qty       int       `json:"qty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Allocated sums quantities across all stages.
func Allocated(allocs []Allocation) int {
	n := 0
	for _, a := range allocs {
		n += a.Qty
	}
	return n
}

// AllocatedAt sums quantities at one stage.
func AllocatedAt(allocs []Allocation, stage Stage) int {
	n := 0
	for _, a := range allocs {
		if a.Stage == stage {
			n += a.Qty
		}
	}
	return n
}

// Counters is the stage ledger row of one product.
type Counters struct {
	ProductID      string `json:"product_id"`
	Ordered        int    `json:"ordered"`
	AwaitingDetail int    `json:"awaiting_detail"`
	Detailed       int    `json:"detailed"`
	PreFired       int    `json:"pre_fired"`
	Finished       int    `json:"finished"`

	QueuedTotal     int `json:"queued_total"`
	RestockedTotal  int `json:"restocked_total"`
	FinishedOutflow int `json:"finished_outflow"`
}

func (c Counters) At(s ProductionStage) int {
	switch s {
	case StageOrdered:
		return c.Ordered
	case StageAwaitingDetail:
		return c.AwaitingDetail
	case StageDetailed:
		return c.Detailed
	case StagePreFired:
		return c.PreFired
	case StageFinished:
		return c.Finished
	}
	return 0
}

func (c *Counters) Add(s ProductionStage, delta int) {
	switch s {
	case StageOrdered:
		c.Ordered += delta
	case StageAwaitingDetail:
		c.AwaitingDetail += delta
	case StageDetailed:
		c.Detailed += delta
	case StagePreFired:
		c.PreFired += delta
	case StageFinished:
		c.Finished += delta
	}
}

// InPipeline is the number of units physically present in any stage.
func (c Counters) InPipeline() int {
	return c.Ordered + c.AwaitingDetail + c.Detailed + c.PreFired + c.Finished
}

// Surplus is the finished stock that can still be committed. Packaging
// allocations not matched by a recorded outflow are treated as earmarked
// against the finished counter.
func (c Counters) Surplus(packaging int) int {
	earmarked := packaging - c.FinishedOutflow
	if earmarked < 0 {
		earmarked = 0
	}
	if s := c.Finished - earmarked; s > 0 {
		return s
	}
	return 0
}
