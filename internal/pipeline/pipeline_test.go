package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ariefcatur/go-production-scheduler/internal/capacity"
	"github.com/ariefcatur/go-production-scheduler/internal/production"
	"github.com/ariefcatur/go-production-scheduler/internal/scheduler"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore() *production.MemoryStore {
	store := production.NewMemoryStore()
	store.PutProduct(production.Product{ID: "p1", SKU: "CUP", Name: "Cup", MoldsAvailable: 8, MaxTurnsPerDay: decimal.NewFromInt(3)})
	store.PutCounters(production.Counters{ProductID: "p1", Ordered: 20, QueuedTotal: 20})
	return store
}

func TestAdvance(t *testing.T) {
	store := newStore()
	l := NewLedger(store, nil)
	ctx := context.Background()

	c, err := l.Advance(ctx, "p1", production.StageOrdered, production.StageAwaitingDetail, 12)
	require.NoError(t, err)
	assert.Equal(t, 8, c.Ordered)
	assert.Equal(t, 12, c.AwaitingDetail)

	c, err = l.Advance(ctx, "p1", production.StageAwaitingDetail, production.StageFinished, 5)
	require.NoError(t, err)
	assert.Equal(t, 7, c.AwaitingDetail)
	assert.Equal(t, 5, c.Finished)
	assert.Equal(t, 20, c.InPipeline())
}

func TestAdvanceRejects(t *testing.T) {
	store := newStore()
	l := NewLedger(store, nil)
	ctx := context.Background()

	_, err := l.Advance(ctx, "p1", production.StageDetailed, production.StageDetailed, 1)
	assert.ErrorIs(t, err, production.ErrValidation)
	_, err = l.Advance(ctx, "p1", production.StageFinished, production.StageOrdered, 1)
	assert.ErrorIs(t, err, production.ErrValidation)
	_, err = l.Advance(ctx, "p1", production.StageOrdered, production.ProductionStage("glazed"), 1)
	assert.ErrorIs(t, err, production.ErrValidation)
	_, err = l.Advance(ctx, "p1", production.StageOrdered, production.StageDetailed, 0)
	assert.ErrorIs(t, err, production.ErrValidation)
	_, err = l.Advance(ctx, "nope", production.StageOrdered, production.StageDetailed, 1)
	assert.ErrorIs(t, err, production.ErrNotFound)

	_, err = l.Advance(ctx, "p1", production.StageOrdered, production.StageDetailed, 21)
	var cv *production.ConsistencyViolationError
	require.ErrorAs(t, err, &cv)
	assert.Equal(t, 20, cv.Available)

	c, err := l.Counters(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 20, c.Ordered)
	assert.Equal(t, 0, c.Detailed)
}

func TestRestock(t *testing.T) {
	store := newStore()
	l := NewLedger(store, nil)
	ctx := context.Background()

	c, err := l.Restock(ctx, "p1", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, c.Finished)
	assert.Equal(t, 7, c.RestockedTotal)

	_, err = l.Restock(ctx, "p1", -1)
	assert.ErrorIs(t, err, production.ErrValidation)
	_, err = l.Restock(ctx, "nope", 1)
	assert.ErrorIs(t, err, production.ErrNotFound)
	_, err = l.Counters(ctx, "nope")
	assert.ErrorIs(t, err, production.ErrNotFound)
}

func stageMessage(t *testing.T, id string, p production.StageAdvancedPayload) kafkago.Message {
	t.Helper()
	env, err := production.NewEnvelope(production.EventStageAdvanced, "floor", p.ProductID, p)
	require.NoError(t, err)
	env.EventID = id
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return kafkago.Message{Topic: production.TopicStageAdvanced, Value: b}
}

func TestHandleStageAdvancedReportsOutput(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	sched := scheduler.New(store, scheduler.Config{Calendar: capacity.DefaultCalendar()},
		scheduler.WithClock(func() time.Time { return now }))

	it, err := sched.Enqueue(ctx, scheduler.EnqueueInput{OrderID: "o1", ProductID: "p1", Qty: 10})
	require.NoError(t, err)
	_, err = sched.SetStatus(ctx, it.ID, production.StatusInProgress)
	require.NoError(t, err)

	svc := &Service{Ledger: NewLedger(store, nil), Output: sched}
	require.NoError(t, svc.HandleStageAdvanced(ctx, stageMessage(t, "e1", production.StageAdvancedPayload{
		ProductID: "p1", From: production.StageOrdered, To: production.StageFinished, Qty: 10, QueueItemID: it.ID,
	})))

	got, err := sched.Get(ctx, it.ID)
	require.NoError(t, err)
	assert.Equal(t, production.StatusDone, got.Status)
	c, err := store.GetCounters(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 10, c.Finished)
}

func TestHandleStageAdvancedRevertsWhenOutputRejected(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	sched := scheduler.New(store, scheduler.Config{Calendar: capacity.DefaultCalendar()})
	it, err := sched.Enqueue(ctx, scheduler.EnqueueInput{OrderID: "o1", ProductID: "p1", Qty: 10})
	require.NoError(t, err)

	svc := &Service{Ledger: NewLedger(store, nil), Output: sched}
	// the item is still queued, so no output can be booked on it
	require.NoError(t, svc.HandleStageAdvanced(ctx, stageMessage(t, "e1", production.StageAdvancedPayload{
		ProductID: "p1", From: production.StagePreFired, To: production.StageFinished, Qty: 4, QueueItemID: it.ID,
	})))
	require.NoError(t, svc.HandleStageAdvanced(ctx, stageMessage(t, "e2", production.StageAdvancedPayload{
		ProductID: "p1", From: production.StageOrdered, To: production.StageFinished, Qty: 4, QueueItemID: it.ID,
	})))

	c, err := store.GetCounters(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 30, c.Ordered)
	assert.Equal(t, 0, c.Finished)
}

type flakyReporter struct{ err error }

func (r flakyReporter) ReportOutput(context.Context, string, int) (production.QueueItem, error) {
	return production.QueueItem{}, r.err
}

type memDedup map[string]bool

func (d memDedup) First(_ context.Context, id string) (bool, error) {
	if d[id] {
		return false, nil
	}
	d[id] = true
	return true, nil
}

func (d memDedup) Forget(_ context.Context, id string) error {
	delete(d, id)
	return nil
}

func TestHandleStageAdvancedRetriesTransientFailure(t *testing.T) {
	store := newStore()
	ctx := context.Background()
	dedup := memDedup{}
	svc := &Service{Ledger: NewLedger(store, nil), Output: flakyReporter{err: errors.New("timeout")}, Dedup: dedup}
	m := stageMessage(t, "e1", production.StageAdvancedPayload{
		ProductID: "p1", From: production.StageOrdered, To: production.StageFinished, Qty: 3, QueueItemID: "q1",
	})

	require.Error(t, svc.HandleStageAdvanced(ctx, m))
	assert.False(t, dedup["e1"])
	c, err := store.GetCounters(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 20, c.Ordered)

	svc.Output = nil
	require.NoError(t, svc.HandleStageAdvanced(ctx, m))
	require.NoError(t, svc.HandleStageAdvanced(ctx, m))
	c, err = store.GetCounters(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, 3, c.Finished)
}
