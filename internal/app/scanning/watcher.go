package scanning

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/SolidityOps/scan-engine/internal/domain/scanning"
	"github.com/SolidityOps/scan-engine/pkg/common"
	"github.com/SolidityOps/scan-engine/pkg/common/logger"
)

// Watcher polls dispatched execution units until they reach a terminal
// state. One goroutine watches one unit; the shared rate limiter bounds the
// aggregate poll pressure on the scheduler API across all units.
type Watcher struct {
	runner   domain.UnitRunner
	limiter  *common.RateLimiter
	interval time.Duration

	logger *logger.Logger
	tracer trace.Tracer
}

// NewWatcher creates a completion watcher polling at the given interval.
func NewWatcher(
	runner domain.UnitRunner,
	limiter *common.RateLimiter,
	interval time.Duration,
	log *logger.Logger,
	tracer trace.Tracer,
) *Watcher {
	return &Watcher{
		runner:   runner,
		limiter:  limiter,
		interval: interval,
		logger:   log.With("component", "completion_watcher"),
		tracer:   tracer,
	}
}

// WatchUnit blocks until the unit reaches a terminal state, the unit's TTL
// window elapses, or ctx is cancelled. onRunning fires once when the unit is
// first observed running. Transient observation errors are logged and
// retried on the next tick; the TTL backstop bounds how long they can
// persist.
func (w *Watcher) WatchUnit(ctx context.Context, unit *domain.ExecutionUnit, onRunning func(context.Context)) (domain.UnitObservation, error) {
	key := unit.Key()
	log := w.logger.With("unit", key.UnitName(), "scan_id", key.ScanID)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	runningSeen := false

	for {
		select {
		case <-ctx.Done():
			return domain.UnitObservation{}, ctx.Err()
		case <-ticker.C:
		}

		if err := w.limiter.Wait(ctx); err != nil {
			return domain.UnitObservation{}, err
		}

		obs, err := w.pollOnce(ctx, key)
		if err != nil {
			// The TTL backstop may have reclaimed the unit out from under us.
			if time.Now().After(unit.ExpiresAt()) {
				log.Warn(ctx, "Unit expired before reaching an observable terminal state", "error", err)
				return domain.UnitObservation{
					State:    domain.UnitStateTimedOut,
					Attempts: unit.Attempts(),
					Reason:   "unit expired",
				}, nil
			}
			log.Warn(ctx, "Failed to observe unit, will retry", "error", err)
			continue
		}

		if err := unit.ApplyObservation(obs.State, obs.Attempts); err != nil {
			return domain.UnitObservation{}, fmt.Errorf("applying observation for unit %s: %w", key.UnitName(), err)
		}

		if obs.State == domain.UnitStateRunning && !runningSeen {
			runningSeen = true
			if onRunning != nil {
				onRunning(ctx)
			}
		}

		if obs.State.IsTerminal() {
			log.Info(ctx, "Unit reached terminal state",
				"state", obs.State, "attempts", obs.Attempts, "reason", obs.Reason)
			return obs, nil
		}
	}
}

func (w *Watcher) pollOnce(ctx context.Context, key domain.ScanKey) (domain.UnitObservation, error) {
	ctx, span := w.tracer.Start(ctx, "completion_watcher.poll",
		trace.WithAttributes(attribute.String("unit", key.UnitName())),
	)
	defer span.End()

	obs, err := w.runner.ObserveUnit(ctx, key)
	if err != nil {
		span.RecordError(err)
		return domain.UnitObservation{}, err
	}
	span.SetAttributes(attribute.String("state", obs.State.String()))
	return obs, nil
}
