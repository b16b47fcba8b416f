package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler returns nil only when the message is fully processed and its
// offset may be committed.
type Handler func(ctx context.Context, m kafka.Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r        messageReader
	topic    string
	workers  int
	timeout  time.Duration
	retryMin time.Duration
	retryMax time.Duration
}

func NewConsumer(brokers []string, group, topic string, workers int) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	return newConsumer(r, topic, workers)
}

func newConsumer(r messageReader, topic string, workers int) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	return &Consumer{
		r:        r,
		topic:    topic,
		workers:  workers,
		timeout:  30 * time.Second,
		retryMin: 200 * time.Millisecond,
		retryMax: 5 * time.Second,
	}
}

// Start fetches messages until ctx is done. All messages of a partition go to
// the same worker, which handles them in offset order and commits an offset
// only after its handler succeeded. A failing message is retried in place and
// holds back the rest of its partition. Start returns after every worker has
// finished the message it was handling.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	lanes := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan kafka.Message, 64)
		wg.Add(1)
		go func(id int, lane <-chan kafka.Message) {
			defer wg.Done()
			for m := range lane {
				if ctx.Err() != nil || !c.process(ctx, id, h, m) {
					break
				}
			}
			// the rest is redelivered after a restart since it was never committed
			for range lane {
			}
		}(i, lanes[i])
	}
	defer func() {
		for _, l := range lanes {
			close(l)
		}
		wg.Wait()
		if err := c.r.Close(); err != nil {
			zap.S().Warnw("close reader", "topic", c.topic, "error", err)
		}
	}()

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		select {
		case lanes[m.Partition%c.workers] <- m:
		case <-ctx.Done():
			return nil
		}
	}
}

// process runs h until it succeeds and commits m. It reports false when ctx
// ended while waiting to retry.
func (c *Consumer) process(ctx context.Context, worker int, h Handler, m kafka.Message) bool {
	b := &backoff{next: c.retryMin, max: c.retryMax}
	for attempt := 1; ; attempt++ {
		// a started message runs to completion even during shutdown
		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		err := h(hctx, m)
		cancel()
		if err == nil {
			break
		}

		wait := b.Next()
		zap.S().Errorw("handler failed", "topic", c.topic, "worker", worker, "partition", m.Partition, "offset", m.Offset,
			"attempt", attempt, "retry_in", wait, "error", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return false
		}
	}

	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.r.CommitMessages(cctx, m); err != nil {
		zap.S().Warnw("commit offset", "topic", c.topic, "partition", m.Partition, "offset", m.Offset, "error", err)
	}
	return true
}

// backoff doubles the delay between retries up to max.
type backoff struct {
	next time.Duration
	max  time.Duration
}

func (b *backoff) Next() time.Duration {
	d := b.next
	b.next = min(b.next*2, b.max)
	return d
}
