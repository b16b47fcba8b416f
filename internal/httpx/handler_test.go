package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-production-scheduler/internal/capacity"
	"github.com/ariefcatur/go-production-scheduler/internal/inventory"
	"github.com/ariefcatur/go-production-scheduler/internal/lock"
	"github.com/ariefcatur/go-production-scheduler/internal/pipeline"
	"github.com/ariefcatur/go-production-scheduler/internal/production"
	"github.com/ariefcatur/go-production-scheduler/internal/scheduler"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memCache struct {
	mu          sync.Mutex
	rows        []production.QueueListing
	ok          bool
	hits        int
	invalidated int
}

func (c *memCache) Get(context.Context) ([]production.QueueListing, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ok {
		c.hits++
	}
	return c.rows, c.ok, nil
}

func (c *memCache) Set(_ context.Context, rows []production.QueueListing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows, c.ok = rows, true
	return nil
}

func (c *memCache) Invalidate(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows, c.ok = nil, false
	c.invalidated++
	return nil
}

type fixture struct {
	store *production.MemoryStore
	cache *memCache
	srv   *chi.Mux
}

func newFixture(t *testing.T, finished int) *fixture {
	t.Helper()
	store := production.NewMemoryStore()
	store.PutProduct(production.Product{ID: "q", SKU: "Q-1", Name: "Jar", MoldsAvailable: 6, MaxTurnsPerDay: decimal.NewFromInt(2)})
	store.PutCounters(production.Counters{ProductID: "q", Finished: finished, RestockedTotal: finished})

	now := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	locker := lock.NewLocal()
	sched := scheduler.New(store, scheduler.Config{Calendar: capacity.DefaultCalendar()},
		scheduler.WithClock(func() time.Time { return now }), scheduler.WithLocker(locker))
	cache := &memCache{}
	h := &Handler{
		Queue:       sched,
		Allocations: inventory.NewEngine(store, sched, inventory.WithLocker(locker)),
		Stages:      pipeline.NewLedger(store, nil),
		Products:    sched,
		Cache:       cache,
	}
	r := NewRouter(store.Ping)
	h.Register(r)
	return &fixture{store: store, cache: cache, srv: r}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestRouteDemandThenListQueue(t *testing.T) {
	f := newFixture(t, 8)

	rec := f.do(t, http.MethodPost, "/allocations/route", production.OrderLine{OrderID: "o1", ProductID: "q", Qty: 20})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	sum := decodeBody[inventory.RouteSummary](t, rec)
	assert.Equal(t, 8, sum.RoutedToPackaging)
	assert.Equal(t, 12, sum.RoutedToProduction)
	assert.Equal(t, 1, f.cache.invalidated)

	rec = f.do(t, http.MethodGet, "/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rows := decodeBody[[]production.QueueListing](t, rec)
	require.Len(t, rows, 1)
	assert.Equal(t, sum.QueueItemID, rows[0].ID)
	assert.Equal(t, "Q-1", rows[0].ProductSKU)

	rec = f.do(t, http.MethodGet, "/queue", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.cache.hits)

	rec = f.do(t, http.MethodGet, "/orders/o1/products/q/fulfillment", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ful := decodeBody[inventory.Fulfillment](t, rec)
	assert.Equal(t, production.FulfillmentPartiallyInProduction, ful.State)
	assert.Equal(t, 0, ful.Outstanding)
}

func TestPatchQueueItemAppliesMoldsThenStatus(t *testing.T) {
	f := newFixture(t, 0)

	rec := f.do(t, http.MethodPost, "/queue", EnqueueReq{OrderID: "o1", ProductID: "q", Qty: 12})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	it := decodeBody[production.QueueItem](t, rec)
	assert.Equal(t, 6, it.AssignedMolds)

	molds, status := 3, production.StatusInProgress
	rec = f.do(t, http.MethodPatch, "/queue/"+it.ID, PatchQueueItemReq{AssignedMolds: &molds, Status: &status})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decodeBody[production.QueueItem](t, rec)
	assert.Equal(t, 3, got.AssignedMolds)
	assert.Equal(t, production.StatusInProgress, got.Status)
	assert.Equal(t, 2, got.DurationDays)

	rec = f.do(t, http.MethodPost, "/queue/"+it.ID+"/output", QtyReq{Qty: 12})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, production.StatusDone, decodeBody[production.QueueItem](t, rec).Status)

	rec = f.do(t, http.MethodPatch, "/queue/"+it.ID, PatchQueueItemReq{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPatchQueueItemRejectedLeavesItemUntouched(t *testing.T) {
	f := newFixture(t, 0)
	rec := f.do(t, http.MethodPost, "/queue", EnqueueReq{OrderID: "o1", ProductID: "q", Qty: 24})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	it := decodeBody[production.QueueItem](t, rec)
	invalidated := f.cache.invalidated

	cases := []struct {
		name   string
		molds  int
		status production.Status
	}{
		{"illegal transition", 2, production.StatusDone},
		{"unknown status", 2, production.Status("paused")},
		{"molds above ceiling", 7, production.StatusInProgress},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			molds, status := tc.molds, tc.status
			rec := f.do(t, http.MethodPatch, "/queue/"+it.ID, PatchQueueItemReq{AssignedMolds: &molds, Status: &status})
			require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())

			rec = f.do(t, http.MethodGet, "/queue/"+it.ID, nil)
			require.Equal(t, http.StatusOK, rec.Code)
			got := decodeBody[production.QueueItem](t, rec)
			assert.Equal(t, 6, got.AssignedMolds)
			assert.Equal(t, production.StatusQueued, got.Status)
			assert.Equal(t, it.DurationDays, got.DurationDays)
		})
	}
	assert.Equal(t, invalidated, f.cache.invalidated)
}

func TestErrorMapping(t *testing.T) {
	f := newFixture(t, 0)
	rec := f.do(t, http.MethodPost, "/allocations/route", production.OrderLine{OrderID: "o1", ProductID: "q", Qty: 4})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	status := production.StatusDone
	cases := []struct {
		name   string
		method string
		path   string
		body   any
		code   int
		kind   string
	}{
		{"validation", http.MethodPost, "/queue", EnqueueReq{OrderID: "o1", ProductID: "q"}, http.StatusBadRequest, "validation"},
		{"unknown product", http.MethodPost, "/queue", EnqueueReq{OrderID: "o1", ProductID: "nope", Qty: 1}, http.StatusNotFound, "not_found"},
		{"unknown item", http.MethodPatch, "/queue/missing", PatchQueueItemReq{Status: &status}, http.StatusNotFound, "not_found"},
		{"no stock", http.MethodPost, "/allocations/manual", ManualAllocateReq{OrderID: "o1", ProductID: "q", Qty: 2}, http.StatusConflict, "insufficient_inventory"},
		{"bad stage order", http.MethodPost, "/stages/advance", AdvanceReq{ProductID: "q", From: production.StageFinished, To: production.StageOrdered, Qty: 1}, http.StatusBadRequest, "validation"},
		{"short stage", http.MethodPost, "/stages/advance", AdvanceReq{ProductID: "q", From: production.StagePreFired, To: production.StageFinished, Qty: 1}, http.StatusConflict, "consistency_violation"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, tc.method, tc.path, tc.body)
			require.Equal(t, tc.code, rec.Code, rec.Body.String())
			body := decodeBody[errorResponse](t, rec)
			assert.Equal(t, tc.kind, body.Kind)
			assert.NotEmpty(t, body.Error)
		})
	}

	rec = f.do(t, http.MethodPost, "/allocations/manual", ManualAllocateReq{OrderID: "o1", ProductID: "q", Qty: 2})
	body := decodeBody[errorResponse](t, rec)
	assert.Equal(t, "q", body.ID)
	assert.Equal(t, 2, body.Requested)
	assert.Equal(t, 0, body.Available)
}

func TestInvalidJSON(t *testing.T) {
	f := newFixture(t, 0)
	req := httptest.NewRequest(http.MethodPost, "/queue", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	f.srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStageEndpoints(t *testing.T) {
	f := newFixture(t, 0)

	rec := f.do(t, http.MethodPost, "/queue", EnqueueReq{OrderID: "o1", ProductID: "q", Qty: 5})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = f.do(t, http.MethodPost, "/stages/advance", AdvanceReq{ProductID: "q", From: production.StageOrdered, To: production.StageDetailed, Qty: 3})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	c := decodeBody[production.Counters](t, rec)
	assert.Equal(t, 2, c.Ordered)
	assert.Equal(t, 3, c.Detailed)

	rec = f.do(t, http.MethodPost, "/stages/restock", RestockReq{ProductID: "q", Qty: 7})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/stages/q", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	c = decodeBody[production.Counters](t, rec)
	assert.Equal(t, 7, c.Finished)
	assert.Equal(t, 7, c.RestockedTotal)
	assert.Equal(t, 5, c.InPipeline()-c.Finished)
}

func TestManualAllocateAndMove(t *testing.T) {
	f := newFixture(t, 10)
	rec := f.do(t, http.MethodPost, "/allocations/route", production.OrderLine{OrderID: "o1", ProductID: "q", Qty: 4})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, f.cache.invalidated, "stock-only routing leaves the queue alone")

	rec = f.do(t, http.MethodPost, "/allocations/move", MoveStageReq{OrderID: "o1", ProductID: "q", Qty: 4, From: production.StagePackaging, To: production.StageShipped})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/orders/o1/products/q/fulfillment", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, production.FulfillmentShipped, decodeBody[inventory.Fulfillment](t, rec).State)

	rec = f.do(t, http.MethodPost, "/allocations/manual", ManualAllocateReq{OrderID: "o1", ProductID: "q", Qty: 1})
	require.Equal(t, http.StatusBadRequest, rec.Code, "line is fully allocated")
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, 0)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	f.store.FailOn("Ping", errors.New("db down"))
	rec = f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestPutProductReplansQueue(t *testing.T) {
	f := newFixture(t, 0)
	rec := f.do(t, http.MethodPost, "/queue", EnqueueReq{OrderID: "o1", ProductID: "q", Qty: 24})
	require.Equal(t, http.StatusCreated, rec.Code)
	it := decodeBody[production.QueueItem](t, rec)
	assert.Equal(t, 2, it.DurationDays)

	rec = f.do(t, http.MethodPut, "/products/q", production.Product{SKU: "Q-1", Name: "Jar", MoldsAvailable: 3, MaxTurnsPerDay: decimal.NewFromInt(2)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 3, decodeBody[production.Product](t, rec).MoldsAvailable)

	rec = f.do(t, http.MethodGet, "/queue/"+it.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[production.QueueItem](t, rec)
	assert.Equal(t, 3, got.AssignedMolds, "molds are lowered to the new ceiling")
	assert.Equal(t, 4, got.DurationDays)

	rec = f.do(t, http.MethodPut, "/products/q", production.Product{SKU: "Q-1", MoldsAvailable: 0, MaxTurnsPerDay: decimal.NewFromInt(2)})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/products", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decodeBody[[]production.Product](t, rec), 1)
}

func TestPutProductKeepsOldConfigWhenReplanFails(t *testing.T) {
	f := newFixture(t, 0)
	rec := f.do(t, http.MethodPost, "/queue", EnqueueReq{OrderID: "o1", ProductID: "q", Qty: 24})
	require.Equal(t, http.StatusCreated, rec.Code)
	it := decodeBody[production.QueueItem](t, rec)

	f.store.FailOn("SaveSchedules", errors.New("db down"))
	rec = f.do(t, http.MethodPut, "/products/q", production.Product{SKU: "Q-1", Name: "Jar", MoldsAvailable: 3, MaxTurnsPerDay: decimal.NewFromInt(2)})
	require.Equal(t, http.StatusInternalServerError, rec.Code, rec.Body.String())
	assert.Equal(t, "internal", decodeBody[errorResponse](t, rec).Kind)
	f.store.FailOn("SaveSchedules", nil)

	rec = f.do(t, http.MethodGet, "/products", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	ps := decodeBody[[]production.Product](t, rec)
	require.Len(t, ps, 1)
	assert.Equal(t, 6, ps[0].MoldsAvailable)

	rec = f.do(t, http.MethodGet, "/queue/"+it.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[production.QueueItem](t, rec)
	assert.Equal(t, 6, got.AssignedMolds)
	assert.Equal(t, 2, got.DurationDays)
}

func TestPutProductCreatesNewProduct(t *testing.T) {
	f := newFixture(t, 0)
	rec := f.do(t, http.MethodPut, "/products/r", production.Product{SKU: "R-1", Name: "Bowl", MoldsAvailable: 4, MaxTurnsPerDay: decimal.NewFromInt(1)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	p := decodeBody[production.Product](t, rec)
	assert.Equal(t, "r", p.ID)
	assert.Equal(t, 4, p.MoldsAvailable)

	rec = f.do(t, http.MethodPost, "/queue", EnqueueReq{OrderID: "o1", ProductID: "r", Qty: 8})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, 2, decodeBody[production.QueueItem](t, rec).DurationDays)
}
