package inventory

import (
	"context"
	"errors"
	"fmt"

	kafkax "github.com/ariefcatur/go-production-scheduler/internal/kafka"
	"github.com/ariefcatur/go-production-scheduler/internal/metrics"
	"github.com/ariefcatur/go-production-scheduler/internal/production"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Service struct {
	Engine *Engine
	Dedup  production.Deduper
}

// HandleOrderLineCreated is installed as the order.line.created consumer
// handler. Returning nil lets the consumer commit the offset.
func (s *Service) HandleOrderLineCreated(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.DecodeEnvelope(m.Value)
	if err != nil {
		metrics.ConsumedEvents.WithLabelValues(m.Topic, "malformed").Inc()
		zap.S().Warnw("drop malformed order line event", "offset", m.Offset, "error", err)
		return nil
	}
	if env.EventType != production.EventOrderLineCreated {
		return nil
	}

	if s.Dedup != nil {
		first, err := s.Dedup.First(ctx, env.EventID)
		if err != nil {
			return fmt.Errorf("dedup %s: %w", env.EventID, err)
		}
		if !first {
			metrics.ConsumedEvents.WithLabelValues(m.Topic, "duplicate").Inc()
			return nil
		}
	}

	line, err := kafkax.UnwrapPayload[production.OrderLine](env.Payload)
	if err == nil {
		err = line.Validate()
	}
	if err != nil {
		metrics.ConsumedEvents.WithLabelValues(m.Topic, "invalid").Inc()
		zap.S().Warnw("drop invalid order line", "event_id", env.EventID, "error", err)
		return nil
	}

	sum, err := s.Engine.RouteDemand(ctx, line)
	if err != nil {
		if errors.Is(err, production.ErrValidation) || errors.Is(err, production.ErrNotFound) {
			metrics.ConsumedEvents.WithLabelValues(m.Topic, "rejected").Inc()
			zap.S().Warnw("order line rejected", "event_id", env.EventID, "order_id", line.OrderID, "error", err)
			return nil
		}
		s.forget(ctx, env.EventID)
		metrics.ConsumedEvents.WithLabelValues(m.Topic, "error").Inc()
		return fmt.Errorf("route order line %s/%s: %w", line.OrderID, line.ProductID, err)
	}

	metrics.ConsumedEvents.WithLabelValues(m.Topic, "ok").Inc()
	zap.S().Debugw("order line handled", "event_id", env.EventID, "packaging", sum.RoutedToPackaging, "production", sum.RoutedToProduction)
	return nil
}

func (s *Service) forget(ctx context.Context, eventID string) {
	if s.Dedup == nil {
		return
	}
	if err := s.Dedup.Forget(context.WithoutCancel(ctx), eventID); err != nil {
		zap.S().Errorw("clear dedup mark", "event_id", eventID, "error", err)
	}
}
