// Package lock provides the advisory locks used to serialize queue mutations
// and allocations of one (order, product) pair.
package lock

import (
	"context"
	"fmt"

	"github.com/EagleChen/mapmutex"
)

// QueueKey guards every mutation of the production queue.
const QueueKey = "queue"

func PairKey(orderID, productID string) string {
	return "alloc:" + orderID + ":" + productID
}

// StockKey guards the read-then-draw of one product's finished stock.
func StockKey(productID string) string {
	return "stock:" + productID
}

// Locker hands out exclusive holds on a key. Acquire blocks until the hold is
// granted or ctx is done; the returned release func is safe to call once.
type Locker interface {
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// Hold acquires key on l, or returns a no-op release when l is nil.
func Hold(ctx context.Context, l Locker, key string) (func(), error) {
	if l == nil {
		return func() {}, nil
	}
	return l.Acquire(ctx, key)
}

// Local is an in-process keyed lock for single-instance deployments and tests.
type Local struct {
	m *mapmutex.Mutex
}

func NewLocal() *Local {
	// maxRetry, maxDelay (ns), baseDelay (ns), factor, jitter
	return &Local{m: mapmutex.NewCustomizedMapMutex(16, 5000000, 1000, 1.5, 0.2)}
}

func (l *Local) Acquire(ctx context.Context, key string) (func(), error) {
	for {
		if l.m.TryLock(key) {
			return func() { l.m.Unlock(key) }, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
		default:
		}
	}
}
