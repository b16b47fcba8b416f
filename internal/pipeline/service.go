package pipeline

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

// OutputReporter books finished units against a queue item.
type OutputReporter interface {
	ReportOutput(ctx context.Context, id string, qty int) (production.QueueItem, error)
}

type Service struct {
	Ledger *Ledger
	Output OutputReporter
	Dedup  production.Deduper
}

// HandleStageAdvanced consumes floor reports of units moving between stages.
// A report that reaches finished and names a queue item also books the
// output on that item; if that fails the advance is reverted.
func (s *Service) HandleStageAdvanced(ctx context.Context, m kafkago.Message) error {
	env, err := kafkax.DecodeEnvelope(m.Value)
	if err != nil {
		metrics.ConsumedEvents.WithLabelValues(m.Topic, "malformed").Inc()
		zap.S().Warnw("drop malformed stage event", "offset", m.Offset, "error", err)
		return nil
	}
	if env.EventType != production.EventStageAdvanced {
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

	p, err := kafkax.UnwrapPayload[production.StageAdvancedPayload](env.Payload)
	if err != nil {
		metrics.ConsumedEvents.WithLabelValues(m.Topic, "invalid").Inc()
		zap.S().Warnw("drop invalid stage event", "event_id", env.EventID, "error", err)
		return nil
	}

	if err := s.apply(ctx, p); err != nil {
		if rejected(err) {
			metrics.ConsumedEvents.WithLabelValues(m.Topic, "rejected").Inc()
			zap.S().Warnw("stage event rejected", "event_id", env.EventID, "product_id", p.ProductID, "error", err)
			return nil
		}
		s.forget(ctx, env.EventID)
		metrics.ConsumedEvents.WithLabelValues(m.Topic, "error").Inc()
		return err
	}
	metrics.ConsumedEvents.WithLabelValues(m.Topic, "ok").Inc()
	return nil
}

func (s *Service) apply(ctx context.Context, p production.StageAdvancedPayload) error {
	if _, err := s.Ledger.Advance(ctx, p.ProductID, p.From, p.To, p.Qty); err != nil {
		return err
	}
	if p.QueueItemID == "" || p.To != production.StageFinished || s.Output == nil {
		return nil
	}
	if _, err := s.Output.ReportOutput(ctx, p.QueueItemID, p.Qty); err != nil {
		return production.Compensate(ctx, "stage_advanced", fmt.Errorf("report output for %s: %w", p.QueueItemID, err),
			func(ctx context.Context) error { return s.Ledger.Revert(ctx, p.ProductID, p.From, p.To, p.Qty) })
	}
	return nil
}

// rejected errors will fail the same way on redelivery.
func rejected(err error) bool {
	return errors.Is(err, production.ErrValidation) ||
		errors.Is(err, production.ErrNotFound) ||
		errors.Is(err, production.ErrConsistency)
}

func (s *Service) forget(ctx context.Context, eventID string) {
	if s.Dedup == nil {
		return
	}
	if err := s.Dedup.Forget(context.WithoutCancel(ctx), eventID); err != nil {
		zap.S().Errorw("clear dedup mark", "event_id", eventID, "error", err)
	}
}
