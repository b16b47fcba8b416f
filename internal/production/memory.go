package production

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore provides an in-memory implementation useful for tests and
// local runs. Operations can be made to fail or to run a hook first, which
// lets tests drive the rollback paths.
type MemoryStore struct {
	mu       sync.RWMutex
	products map[string]Product
	lines    map[pairKey]OrderLine
	items    map[string]QueueItem
	allocs   map[allocKey]Allocation
	counters map[string]Counters

	faults map[string]error
	hooks  map[string]func()
}

type pairKey struct{ order, product string }

type allocKey struct {
	order, product string
	stage          Stage
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		products: map[string]Product{},
		lines:    map[pairKey]OrderLine{},
		items:    map[string]QueueItem{},
		allocs:   map[allocKey]Allocation{},
		counters: map[string]Counters{},
		faults:   map[string]error{},
		hooks:    map[string]func(){},
	}
}

// FailOn makes every call of op return err until ClearFaults.
func (m *MemoryStore) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = err
}

// OnCall runs fn before op, outside the store lock.
func (m *MemoryStore) OnCall(op string, fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks[op] = fn
}

func (m *MemoryStore) ClearFaults() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = map[string]error{}
	m.hooks = map[string]func(){}
}

func (m *MemoryStore) enter(op string) error {
	m.mu.RLock()
	fn := m.hooks[op]
	err := m.faults[op]
	m.mu.RUnlock()
	if fn != nil {
		fn()
	}
	return err
}

// PutProduct seeds capacity configuration.
func (m *MemoryStore) PutProduct(p Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	m.products[p.ID] = p
}

// PutCounters overwrites a product's ledger row.
func (m *MemoryStore) PutCounters(c Counters) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[c.ProductID] = c
}

// AllAllocations returns every allocation row, for consistency checks.
func (m *MemoryStore) AllAllocations() []Allocation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Allocation, 0, len(m.allocs))
	for _, a := range m.allocs {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllQueueItems returns every queue item including terminal ones.
func (m *MemoryStore) AllQueueItems() []QueueItem {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]QueueItem, 0, len(m.items))
	for _, it := range m.items {
		out = append(out, cloneItem(it))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneItem(it QueueItem) QueueItem {
	it.EtaStart = cloneTime(it.EtaStart)
	it.EtaEnd = cloneTime(it.EtaEnd)
	return it
}

func (m *MemoryStore) Ping(ctx context.Context) error { return m.enter("Ping") }

func (m *MemoryStore) GetProduct(ctx context.Context, id string) (Product, error) {
	if err := m.enter("GetProduct"); err != nil {
		return Product{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return Product{}, NotFound("product", id)
	}
	return p, nil
}

func (m *MemoryStore) UpsertProduct(ctx context.Context, p Product) error {
	if err := m.enter("UpsertProduct"); err != nil {
		return err
	}
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.RLock()
	prev, ok := m.products[p.ID]
	m.mu.RUnlock()
	if ok {
		p.CreatedAt = prev.CreatedAt
	}
	m.PutProduct(p)
	return nil
}

func (m *MemoryStore) ListProducts(ctx context.Context) ([]Product, error) {
	if err := m.enter("ListProducts"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Product, 0, len(m.products))
	for _, p := range m.products {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (m *MemoryStore) GetOrderLine(ctx context.Context, orderID, productID string) (OrderLine, error) {
	if err := m.enter("GetOrderLine"); err != nil {
		return OrderLine{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.lines[pairKey{orderID, productID}]
	if !ok {
		return OrderLine{}, NotFound("order_line", orderID+"/"+productID)
	}
	return l, nil
}

func (m *MemoryStore) SaveOrderLine(ctx context.Context, line OrderLine) error {
	if err := m.enter("SaveOrderLine"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lines[pairKey{line.OrderID, line.ProductID}] = line
	return nil
}

func (m *MemoryStore) InsertQueueItem(ctx context.Context, item QueueItem) error {
	if err := m.enter("InsertQueueItem"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[item.ID]; ok {
		return &ConsistencyViolationError{Entity: "queue_item", ID: item.ID, Reason: "already exists"}
	}
	if _, ok := m.products[item.ProductID]; !ok {
		return NotFound("product", item.ProductID)
	}
	m.items[item.ID] = cloneItem(item)
	return nil
}

func (m *MemoryStore) GetQueueItem(ctx context.Context, id string) (QueueItem, error) {
	if err := m.enter("GetQueueItem"); err != nil {
		return QueueItem{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[id]
	if !ok {
		return QueueItem{}, NotFound("queue_item", id)
	}
	return cloneItem(it), nil
}

func (m *MemoryStore) DeleteQueueItem(ctx context.Context, id string) error {
	if err := m.enter("DeleteQueueItem"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return NotFound("queue_item", id)
	}
	delete(m.items, id)
	return nil
}

func (m *MemoryStore) ListActiveQueueItems(ctx context.Context) ([]QueueItem, error) {
	if err := m.enter("ListActiveQueueItems"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []QueueItem
	for _, it := range m.items {
		if !it.Status.Terminal() {
			out = append(out, cloneItem(it))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ListQueue(ctx context.Context) ([]QueueListing, error) {
	if err := m.enter("ListQueue"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []QueueListing
	for _, it := range m.items {
		if it.Status.Terminal() {
			continue
		}
		p := m.products[it.ProductID]
		out = append(out, QueueListing{
			QueueItem:   cloneItem(it),
			ProductSKU:  p.SKU,
			ProductName: p.Name,
			OrderRef:    m.lines[pairKey{it.OrderID, it.ProductID}].OrderRef,
		})
	}
	return out, nil
}

func (m *MemoryStore) UpdateQueueStatus(ctx context.Context, id string, from, to Status) error {
	if err := m.enter("UpdateQueueStatus"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return NotFound("queue_item", id)
	}
	if it.Status != from {
		return &ConsistencyViolationError{Entity: "queue_item", ID: id, Reason: "status changed to " + string(it.Status)}
	}
	it.Status = to
	m.items[id] = it
	return nil
}

func (m *MemoryStore) UpdateAssignedMolds(ctx context.Context, id string, molds int) error {
	if err := m.enter("UpdateAssignedMolds"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return NotFound("queue_item", id)
	}
	if it.Status.Terminal() {
		return &ConsistencyViolationError{Entity: "queue_item", ID: id, Reason: "item is " + string(it.Status)}
	}
	it.AssignedMolds = molds
	m.items[id] = it
	return nil
}

func (m *MemoryStore) ClampAssignedMolds(ctx context.Context, productID string, ceiling int) (int, error) {
	if err := m.enter("ClampAssignedMolds"); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, it := range m.items {
		if it.ProductID != productID || it.Status.Terminal() || it.AssignedMolds <= ceiling {
			continue
		}
		it.AssignedMolds = ceiling
		m.items[id] = it
		n++
	}
	return n, nil
}

func (m *MemoryStore) AdjustPending(ctx context.Context, id string, delta int) (QueueItem, error) {
	if err := m.enter("AdjustPending"); err != nil {
		return QueueItem{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	it, ok := m.items[id]
	if !ok {
		return QueueItem{}, NotFound("queue_item", id)
	}
	next := it.QtyPending + delta
	if next < 0 || next > it.QtyTotal {
		return QueueItem{}, &ConsistencyViolationError{
			Entity: "queue_item", ID: id, Reason: "qty_pending out of range", Attempted: -delta, Available: it.QtyPending,
		}
	}
	it.QtyPending = next
	m.items[id] = it
	return cloneItem(it), nil
}

func (m *MemoryStore) SaveSchedules(ctx context.Context, schedules []Schedule) error {
	if err := m.enter("SaveSchedules"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range schedules {
		if _, ok := m.items[s.ItemID]; !ok {
			return NotFound("queue_item", s.ItemID)
		}
	}
	for _, s := range schedules {
		it := m.items[s.ItemID]
		it.DurationDays = s.DurationDays
		it.EtaStart = cloneTime(s.EtaStart)
		it.EtaEnd = cloneTime(s.EtaEnd)
		m.items[s.ItemID] = it
	}
	return nil
}

func (m *MemoryStore) ActiveQueuedQty(ctx context.Context, orderID, productID string) (int, error) {
	if err := m.enter("ActiveQueuedQty"); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, it := range m.items {
		if it.OrderID == orderID && it.ProductID == productID && !it.Status.Terminal() {
			n += it.QtyPending
		}
	}
	return n, nil
}

func (m *MemoryStore) ListAllocations(ctx context.Context, orderID, productID string) ([]Allocation, error) {
	if err := m.enter("ListAllocations"); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Allocation
	for k, a := range m.allocs {
		if k.order == orderID && k.product == productID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stage < out[j].Stage })
	return out, nil
}

func (m *MemoryStore) PackagingTotal(ctx context.Context, productID string) (int, error) {
	if err := m.enter("PackagingTotal"); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for k, a := range m.allocs {
		if k.product == productID && k.stage == StagePackaging {
			n += a.Qty
		}
	}
	return n, nil
}

func (m *MemoryStore) AddAllocation(ctx context.Context, orderID, productID string, stage Stage, qty int) (Allocation, error) {
	if err := m.enter("AddAllocation"); err != nil {
		return Allocation{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	k := allocKey{orderID, productID, stage}
	a, ok := m.allocs[k]
	if !ok {
		a = Allocation{ID: uuid.NewString(), OrderID: orderID, ProductID: productID, Stage: stage, CreatedAt: now}
	}
	a.Qty += qty
	a.UpdatedAt = now
	m.allocs[k] = a
	return a, nil
}

func (m *MemoryStore) RemoveAllocation(ctx context.Context, orderID, productID string, stage Stage, qty int) error {
	if err := m.enter("RemoveAllocation"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := allocKey{orderID, productID, stage}
	a, ok := m.allocs[k]
	if !ok {
		return NotFound("allocation", orderID+"/"+productID+"/"+string(stage))
	}
	if a.Qty < qty {
		return &ConsistencyViolationError{Entity: "allocation", ID: a.ID, Reason: "not enough allocated", Attempted: qty, Available: a.Qty}
	}
	a.Qty -= qty
	if a.Qty == 0 {
		delete(m.allocs, k)
		return nil
	}
	a.UpdatedAt = time.Now().UTC()
	m.allocs[k] = a
	return nil
}

func (m *MemoryStore) GetCounters(ctx context.Context, productID string) (Counters, error) {
	if err := m.enter("GetCounters"); err != nil {
		return Counters{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.countersLocked(productID), nil
}

func (m *MemoryStore) countersLocked(productID string) Counters {
	c, ok := m.counters[productID]
	if !ok {
		c = Counters{ProductID: productID}
	}
	return c
}

// updateCounters applies fn to a copy of the row and stores it only when fn
// succeeds, so a failed precondition leaves the row untouched.
func (m *MemoryStore) updateCounters(op, productID string, fn func(c *Counters) error) error {
	if err := m.enter(op); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.products[productID]; !ok {
		return NotFound("product", productID)
	}
	c := m.countersLocked(productID)
	if err := fn(&c); err != nil {
		return err
	}
	m.counters[productID] = c
	return nil
}

func shortage(productID string, stage ProductionStage, want, have int) error {
	return &ConsistencyViolationError{
		Entity: "counters", ID: productID, Reason: "not enough units in " + string(stage), Attempted: want, Available: have,
	}
}

func (m *MemoryStore) ReceiveOrdered(ctx context.Context, productID string, qty int) error {
	return m.updateCounters("ReceiveOrdered", productID, func(c *Counters) error {
		c.Ordered += qty
		c.QueuedTotal += qty
		return nil
	})
}

func (m *MemoryStore) RevertOrdered(ctx context.Context, productID string, qty int) error {
	return m.updateCounters("RevertOrdered", productID, func(c *Counters) error {
		if c.Ordered < qty || c.QueuedTotal < qty {
			return shortage(productID, StageOrdered, qty, c.Ordered)
		}
		c.Ordered -= qty
		c.QueuedTotal -= qty
		return nil
	})
}

func (m *MemoryStore) ReleaseOrdered(ctx context.Context, productID string, qty int) error {
	return m.updateCounters("ReleaseOrdered", productID, func(c *Counters) error {
		if c.Ordered < qty {
			return shortage(productID, StageOrdered, qty, c.Ordered)
		}
		c.Ordered -= qty
		return nil
	})
}

func (m *MemoryStore) MoveUnits(ctx context.Context, productID string, from, to ProductionStage, qty int) error {
	return m.updateCounters("MoveUnits", productID, func(c *Counters) error {
		if have := c.At(from); have < qty {
			return shortage(productID, from, qty, have)
		}
		c.Add(from, -qty)
		c.Add(to, qty)
		return nil
	})
}

func (m *MemoryStore) DrawFinished(ctx context.Context, productID string, qty int) error {
	return m.updateCounters("DrawFinished", productID, func(c *Counters) error {
		if c.Finished < qty {
			return shortage(productID, StageFinished, qty, c.Finished)
		}
		c.Finished -= qty
		c.FinishedOutflow += qty
		return nil
	})
}

func (m *MemoryStore) ReturnFinished(ctx context.Context, productID string, qty int) error {
	return m.updateCounters("ReturnFinished", productID, func(c *Counters) error {
		if c.FinishedOutflow < qty {
			return &ConsistencyViolationError{
				Entity: "counters", ID: productID, Reason: "return exceeds recorded outflow", Attempted: qty, Available: c.FinishedOutflow,
			}
		}
		c.Finished += qty
		c.FinishedOutflow -= qty
		return nil
	})
}

func (m *MemoryStore) Restock(ctx context.Context, productID string, qty int) error {
	return m.updateCounters("Restock", productID, func(c *Counters) error {
		c.Finished += qty
		c.RestockedTotal += qty
		return nil
	})
}
