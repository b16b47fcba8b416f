package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/ariefcatur/go-production-scheduler/internal/production"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memDedup struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (d *memDedup) First(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen[id] {
		return false, nil
	}
	d.seen[id] = true
	return true, nil
}

func (d *memDedup) Forget(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.seen, id)
	return nil
}

func lineMessage(t *testing.T, eventID string, line production.OrderLine) kafkago.Message {
	t.Helper()
	env, err := production.NewEnvelope(production.EventOrderLineCreated, "orders", line.OrderID, line)
	require.NoError(t, err)
	env.EventID = eventID
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return kafkago.Message{Topic: production.TopicOrderLineCreated, Value: b}
}

func TestHandleOrderLineCreated(t *testing.T) {
	f := newFixture(t, 8)
	dedup := &memDedup{seen: map[string]bool{}}
	svc := &Service{Engine: f.eng, Dedup: dedup}
	ctx := context.Background()
	m := lineMessage(t, "ev-1", production.OrderLine{OrderID: "o1", ProductID: "q", Qty: 20})

	require.NoError(t, svc.HandleOrderLineCreated(ctx, m))
	require.NoError(t, svc.HandleOrderLineCreated(ctx, m))

	assert.Len(t, f.store.AllQueueItems(), 1)
	assert.Equal(t, 8, production.Allocated(f.store.AllAllocations()))
	line, err := f.store.GetOrderLine(ctx, "o1", "q")
	require.NoError(t, err)
	assert.Equal(t, 20, line.Qty)
}

func TestHandleOrderLineCreatedDropsBadInput(t *testing.T) {
	f := newFixture(t, 8)
	svc := &Service{Engine: f.eng}
	ctx := context.Background()

	assert.NoError(t, svc.HandleOrderLineCreated(ctx, kafkago.Message{Value: []byte("{not json")}))
	assert.NoError(t, svc.HandleOrderLineCreated(ctx, lineMessage(t, "ev-2", production.OrderLine{OrderID: "o1", ProductID: "q"})))
	assert.NoError(t, svc.HandleOrderLineCreated(ctx, lineMessage(t, "ev-3", production.OrderLine{OrderID: "o1", ProductID: "ghost", Qty: 2})))

	other, err := production.NewEnvelope(production.EventStageAdvanced, "floor", "", production.StageAdvancedPayload{})
	require.NoError(t, err)
	b, err := json.Marshal(other)
	require.NoError(t, err)
	assert.NoError(t, svc.HandleOrderLineCreated(ctx, kafkago.Message{Value: b}))

	assert.Empty(t, f.store.AllQueueItems())
	assert.Empty(t, f.store.AllAllocations())
}

func TestHandleOrderLineCreatedRetriesAfterFailure(t *testing.T) {
	f := newFixture(t, 8)
	dedup := &memDedup{seen: map[string]bool{}}
	svc := &Service{Engine: f.eng, Dedup: dedup}
	ctx := context.Background()
	m := lineMessage(t, "ev-4", production.OrderLine{OrderID: "o1", ProductID: "q", Qty: 20})

	f.store.FailOn("SaveOrderLine", errors.New("db down"))
	require.Error(t, svc.HandleOrderLineCreated(ctx, m))
	assert.False(t, dedup.seen["ev-4"], "failed events can be redelivered")

	f.store.ClearFaults()
	require.NoError(t, svc.HandleOrderLineCreated(ctx, m))
	assert.Len(t, f.store.AllQueueItems(), 1)
	assert.Equal(t, 0, f.counters(t).Finished)
}
