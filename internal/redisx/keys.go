package redisx

import "time"

const (
	// Advisory lock: lock:{name} -> holder token
	KeyLock = "lock:%s"

	// Dedup event processing: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Cached queue listing (JSON array of queue rows in priority order)
	KeyQueueCache = "cache:queue"
)

var (
	TTLLock       = 10 * time.Second
	TTLDedup      = 48 * time.Hour
	TTLQueueCache = 30 * time.Second
)
