package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ariefcatur/go-production-scheduler/internal/metrics"
	"github.com/ariefcatur/go-production-scheduler/internal/production"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// messageWriter is the part of kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Producer buffers messages in an inbox drained by one goroutine, so
// publishing never waits on the brokers.
type Producer struct {
	w       messageWriter
	inbox   chan kafka.Message
	closeCh chan struct{}
}

func NewProducer(brokers []string, topic string, buf int) *Producer {
	return newProducer(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}, buf)
}

func newProducer(w messageWriter, buf int) *Producer {
	return &Producer{w: w, inbox: make(chan kafka.Message, buf), closeCh: make(chan struct{})}
}

// Start drains the inbox until ctx is done, then flushes what is left.
func (p *Producer) Start(ctx context.Context) {
	go func() {
		defer close(p.closeCh)
		for {
			select {
			case <-ctx.Done():
				p.flush()
				return
			case m := <-p.inbox:
				p.write(m)
			}
		}
	}()
}

func (p *Producer) flush() {
	for {
		select {
		case m := <-p.inbox:
			p.write(m)
		default:
			if err := p.w.Close(); err != nil {
				zap.S().Warnw("close kafka writer", "error", err)
			}
			return
		}
	}
}

func (p *Producer) write(m kafka.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.w.WriteMessages(ctx, m); err != nil {
		metrics.HistoryPublishFailures.Inc()
		zap.S().Errorw("kafka write failed", "key", string(m.Key), "error", err)
	}
}

// Publish queues a message. It blocks only while the inbox is full, and at
// most until ctx is done.
func (p *Producer) Publish(ctx context.Context, key, value []byte, headers ...kafka.Header) error {
	select {
	case p.inbox <- kafka.Message{Key: key, Value: value, Time: time.Now(), Headers: headers}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("publish: %w", ctx.Err())
	}
}

// WaitClosed blocks until the drain goroutine has flushed and exited.
func (p *Producer) WaitClosed() { <-p.closeCh }

// HistoryPublisher sends history envelopes through a Producer.
type HistoryPublisher struct {
	P *Producer
}

var _ production.Publisher = (*HistoryPublisher)(nil)

func (h *HistoryPublisher) Publish(ctx context.Context, ev production.Envelope) error {
	key := ev.CorrelationID
	if key == "" {
		key = ev.EventID
	}
	return h.P.Publish(ctx, production.PartitionKey(key), MustMarshal(ev),
		kafka.Header{Key: "x-event-type", Value: []byte(ev.EventType)},
		kafka.Header{Key: "x-event-version", Value: []byte(strconv.Itoa(ev.EventVersion))},
	)
}
