package production

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ariefcatur/go-production-scheduler/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	EventOrderLineCreated       = "OrderLineCreated"
	EventStageAdvanced          = "StageAdvanced"
	EventQueueItemEnqueued      = "QueueItemEnqueued"
	EventQueueItemWithdrawn     = "QueueItemWithdrawn"
	EventQueueItemStatusChanged = "QueueItemStatusChanged"
	EventQueueItemMoldsChanged  = "QueueItemMoldsChanged"
	EventQueueItemOutput        = "QueueItemOutputReported"
	EventQueueRecalculated      = "QueueRecalculated"
	EventAllocationCreated      = "AllocationCreated"
	EventAllocationMoved        = "AllocationMoved"
	EventStockRestocked         = "StockRestocked"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

func NewEnvelope(eventType, producer, correlationID string, payload any) (Envelope, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC(),
		Producer:      producer,
		CorrelationID: correlationID,
		Payload:       b,
	}, nil
}

// ---- payloads ----

type StageAdvancedPayload struct {
	ProductID   string          `json:"product_id"`
	From        ProductionStage `json:"from"`
	To          ProductionStage `json:"to"`
	Qty         int             `json:"qty"`
	QueueItemID string          `json:"queue_item_id,omitempty"`
}

type StatusChangedPayload struct {
	ItemID string `json:"item_id"`
	From   Status `json:"from"`
	To     Status `json:"to"`
}

type MoldsChangedPayload struct {
	ItemID string `json:"item_id"`
	From   int    `json:"from"`
	To     int    `json:"to"`
}

type OutputPayload struct {
	ItemID     string `json:"item_id"`
	Qty        int    `json:"qty"`
	QtyPending int    `json:"qty_pending"`
}

type RecalculatedPayload struct {
	Items   int `json:"items"`
	Changed int `json:"changed"`
}

type AllocationPayload struct {
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	Stage     Stage  `json:"stage"`
	Qty       int    `json:"qty"`
	Source    string `json:"source"`
}

type AllocationMovedPayload struct {
	OrderID   string `json:"order_id"`
	ProductID string `json:"product_id"`
	From      Stage  `json:"from"`
	To        Stage  `json:"to"`
	Qty       int    `json:"qty"`
}

type RestockPayload struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

// Publisher delivers history events. Implementations must not block beyond
// the given context.
type Publisher interface {
	Publish(ctx context.Context, ev Envelope) error
}

// Recorder publishes history events on a best effort basis: a failure is
// logged and counted, never returned to the primary operation.
type Recorder struct {
	Publisher Publisher
	Producer  string
}

func (r *Recorder) Record(ctx context.Context, eventType, correlationID string, payload any) {
	if r == nil || r.Publisher == nil {
		return
	}
	ev, err := NewEnvelope(eventType, r.Producer, correlationID, payload)
	if err == nil {
		err = r.Publisher.Publish(ctx, ev)
	}
	if err != nil {
		metrics.HistoryPublishFailures.Inc()
		zap.S().Warnw("history event not published", "event_type", eventType, "correlation_id", correlationID, "error", err)
	}
}

// Deduper remembers handled event ids. First reports whether id is seen for
// the first time and marks it; Forget clears the mark so a failed event can
// be redelivered.
type Deduper interface {
	First(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}
