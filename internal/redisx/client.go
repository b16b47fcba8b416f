package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ariefcatur/go-production-scheduler/internal/production"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

func Exists(ctx context.Context, rdb *redis.Client, key string) (bool, error) {
	n, err := rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// ---- locks ----

// releaseScript deletes the lock only while it still holds our token, so an
// expired hold never removes somebody else's.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// renewScript extends the lock's expiry while it still holds our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// Locker is a lock.Locker shared by every instance using the same redis. A
// granted hold is renewed every ttl/3 until it is released, so ttl bounds how
// long a crashed holder blocks others rather than how long a hold may last.
type Locker struct {
	rdb   *redis.Client
	ttl   time.Duration
	retry time.Duration
}

func NewLocker(rdb *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = TTLLock
	}
	return &Locker{rdb: rdb, ttl: ttl, retry: 25 * time.Millisecond}
}

func (l *Locker) Acquire(ctx context.Context, name string) (func(), error) {
	key := fmt.Sprintf(KeyLock, name)
	token := uuid.NewString()
	for {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", name, err)
		}
		if ok {
			stop, done := make(chan struct{}), make(chan struct{})
			go l.keepAlive(key, token, stop, done)
			var once sync.Once
			return func() {
				once.Do(func() {
					close(stop)
					<-done
					l.release(key, token)
				})
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %s: %w", name, ctx.Err())
		case <-time.After(l.retry):
		}
	}
}

func (l *Locker) keepAlive(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	every := l.ttl / 3
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), every)
		n, err := renewScript.Run(ctx, l.rdb, []string{key}, token, l.ttl.Milliseconds()).Int()
		cancel()
		switch {
		case err != nil:
			zap.S().Warnw("renew lock", "key", key, "error", err)
		case n == 0:
			zap.S().Errorw("lock expired while held", "key", key)
			return
		}
	}
}

func (l *Locker) release(key, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.rdb, []string{key}, token).Err(); err != nil {
		zap.S().Warnw("release lock", "key", key, "error", err)
	}
}

// ---- consumer dedup ----

// Deduper marks handled event ids per consuming service.
type Deduper struct {
	rdb     *redis.Client
	service string
}

var _ production.Deduper = (*Deduper)(nil)

func NewDeduper(rdb *redis.Client, service string) *Deduper {
	return &Deduper{rdb: rdb, service: service}
}

func (d *Deduper) First(ctx context.Context, eventID string) (bool, error) {
	return d.rdb.SetNX(ctx, fmt.Sprintf(KeyDedup, d.service, eventID), "1", TTLDedup).Result()
}

func (d *Deduper) Forget(ctx context.Context, eventID string) error {
	return d.rdb.Del(ctx, fmt.Sprintf(KeyDedup, d.service, eventID)).Err()
}

// ---- queue listing cache ----

type QueueCache struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewQueueCache(rdb *redis.Client) *QueueCache {
	return &QueueCache{rdb: rdb, ttl: TTLQueueCache}
}

// Get reports a miss as ok=false with a nil error.
func (c *QueueCache) Get(ctx context.Context) ([]production.QueueListing, bool, error) {
	b, err := c.rdb.Get(ctx, KeyQueueCache).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var rows []production.QueueListing
	if err := json.Unmarshal(b, &rows); err != nil {
		return nil, false, fmt.Errorf("decode queue cache: %w", err)
	}
	return rows, true, nil
}

func (c *QueueCache) Set(ctx context.Context, rows []production.QueueListing) error {
	b, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, KeyQueueCache, b, c.ttl).Err()
}

func (c *QueueCache) Invalidate(ctx context.Context) error {
	return c.rdb.Del(ctx, KeyQueueCache).Err()
}
