package production

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/go-production-scheduler/internal/metrics"
	"go.uber.org/zap"
)

// CompensationTimeout bounds the reverse writes of a failed operation.
var CompensationTimeout = 5 * time.Second

// Undo is one reverse write registered by a multi-step operation.
type Undo func(ctx context.Context) error

// Compensate runs undos in reverse registration order and returns cause
// joined with any undo failure. The undos run on a context detached from the
// caller's cancellation so a timed out request still cleans up after itself.
func Compensate(ctx context.Context, op string, cause error, undos ...Undo) error {
	if len(undos) == 0 {
		return cause
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), CompensationTimeout)
	defer cancel()

	metrics.Compensations.WithLabelValues(op).Inc()
	errs := []error{cause}
	for i := len(undos) - 1; i >= 0; i-- {
		if err := undos[i](cctx); err != nil {
			zap.S().Errorw("compensation failed", "operation", op, "step", i, "cause", cause, "error", err)
			metrics.CompensationFailures.WithLabelValues(op).Inc()
			errs = append(errs, fmt.Errorf("compensate %s step %d: %w", op, i, err))
		}
	}
	zap.S().Warnw("operation rolled back", "operation", op, "cause", cause)
	return errors.Join(errs...)
}
