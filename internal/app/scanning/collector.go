package scanning

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/SolidityOps/scan-engine/internal/domain/events"
	domain "github.com/SolidityOps/scan-engine/internal/domain/scanning"
	"github.com/SolidityOps/scan-engine/internal/scanners"
	"github.com/SolidityOps/scan-engine/pkg/common/logger"
)

// persistMaxRetries bounds the collector's persistence retry budget. After
// exhaustion the scan is marked results-lost; the ephemeral artifacts hold no
// durable copy, so waiting longer cannot recover anything.
const persistMaxRetries = 5

// rawEvidenceLimit caps how much raw scanner output is kept on a diagnostic
// failure record.
const rawEvidenceLimit = 4 << 10

// Collector turns a terminal execution unit into a persisted scan outcome.
// Whatever happens on the result path, it unconditionally deletes the unit
// and its source bundle afterward; the TTL backstop covers its own failures.
type Collector struct {
	runner    domain.UnitRunner
	bundles   domain.BundleStore
	scans     domain.ScanRepository
	findings  domain.FindingsRepository
	registry  *scanners.Registry
	publisher events.DomainEventPublisher
	metrics   OrchestrationMetrics

	logger *logger.Logger
	tracer trace.Tracer
}

// NewCollector creates a result collector.
func NewCollector(
	runner domain.UnitRunner,
	bundles domain.BundleStore,
	scans domain.ScanRepository,
	findings domain.FindingsRepository,
	registry *scanners.Registry,
	publisher events.DomainEventPublisher,
	metrics OrchestrationMetrics,
	log *logger.Logger,
	tracer trace.Tracer,
) *Collector {
	return &Collector{
		runner:    runner,
		bundles:   bundles,
		scans:     scans,
		findings:  findings,
		registry:  registry,
		publisher: publisher,
		metrics:   metrics,
		logger:    log.With("component", "result_collector"),
		tracer:    tracer,
	}
}

// Collect processes a terminal observation for the unit: retrieve output,
// normalize, persist, record the outcome, publish the lifecycle event and
// clean up. Callers must hold the unit's collection marker; Collect itself
// never runs twice for one unit.
func (c *Collector) Collect(ctx context.Context, scan *domain.Scan, unit *domain.ExecutionUnit, obs domain.UnitObservation) {
	ctx, span := c.tracer.Start(ctx, "result_collector.collect",
		trace.WithAttributes(
			attribute.String("scan_id", scan.ScanID().String()),
			attribute.String("scanner_id", scan.ScannerID()),
			attribute.String("unit_state", obs.State.String()),
		),
	)
	defer span.End()

	defer c.cleanup(ctx, unit)

	switch obs.State {
	case domain.UnitStateSucceeded:
		c.collectSucceeded(ctx, span, scan, unit)
	case domain.UnitStateTimedOut:
		reason := "timed out"
		if obs.Reason != "" {
			reason = fmt.Sprintf("timed out: %s", obs.Reason)
		}
		c.recordOutcome(ctx, scan, func() error { return scan.TimeOut(reason) })
	default:
		reason := fmt.Sprintf("scanner failed after %d attempts", obs.Attempts)
		if obs.Reason != "" {
			reason = fmt.Sprintf("%s: %s", reason, obs.Reason)
		}
		c.recordOutcome(ctx, scan, func() error { return scan.Fail(reason) })
	}
}

// CollectCancelled finalizes a cancelled scan: terminal Failed state with the
// cancellation reason, then the same cleanup path as a natural completion.
func (c *Collector) CollectCancelled(ctx context.Context, scan *domain.Scan, unit *domain.ExecutionUnit) {
	ctx, span := c.tracer.Start(ctx, "result_collector.collect_cancelled",
		trace.WithAttributes(attribute.String("scan_id", scan.ScanID().String())),
	)
	defer span.End()

	defer c.cleanup(ctx, unit)

	unit.MarkCancelled()
	c.recordOutcome(ctx, scan, func() error { return scan.Fail("cancelled") })
}

func (c *Collector) collectSucceeded(ctx context.Context, span trace.Span, scan *domain.Scan, unit *domain.ExecutionUnit) {
	descriptor, err := c.registry.Resolve(scan.ScannerID())
	if err != nil {
		// The registry is immutable after start, so this only happens when a
		// unit outlives a registry change across restarts.
		c.recordOutcome(ctx, scan, func() error {
			return scan.Fail(fmt.Sprintf("results lost: scanner %q no longer registered", scan.ScannerID()))
		})
		return
	}

	raw, err := c.runner.UnitOutput(ctx, unit.Key())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to retrieve unit output")
		c.recordOutcome(ctx, scan, func() error {
			return scan.Fail(fmt.Sprintf("results lost: %v", err))
		})
		return
	}

	findings, err := descriptor.Parse(raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to parse scanner output")
		c.logger.Error(ctx, "Scanner output did not match the expected grammar",
			"scan_id", scan.ScanID(), "scanner_id", scan.ScannerID(),
			"error", err, "raw_output", truncate(raw, rawEvidenceLimit))
		c.recordOutcome(ctx, scan, func() error {
			return scan.Fail(fmt.Sprintf("results lost: unparseable scanner output: %v", err))
		})
		return
	}

	if err := c.persistFindings(ctx, scan, findings); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to persist findings")
		c.metrics.IncResultsLost(ctx)
		c.recordOutcome(ctx, scan, func() error {
			return scan.Fail(fmt.Sprintf("results lost: persistence failed: %v", err))
		})
		return
	}

	counts := domain.CountBySeverity(findings)
	span.SetAttributes(attribute.Int("finding_count", counts.Total()))
	c.recordOutcome(ctx, scan, func() error { return scan.Complete(counts) })
}

// persistFindings writes the finding set with bounded exponential backoff.
// Transient data-layer outages are absorbed here; exhaustion converts to a
// results-lost outcome at the caller.
func (c *Collector) persistFindings(ctx context.Context, scan *domain.Scan, findings []domain.Finding) error {
	operation := func() error {
		return c.findings.PersistFindings(ctx, scan.ScanID(), scan.ScannerID(), findings)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxElapsedTime = 2 * time.Minute

	return backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(expBackoff, persistMaxRetries), ctx))
}

// recordOutcome applies the terminal transition, saves the scan and
// publishes the matching lifecycle event. Save failures are logged but do
// not abort cleanup.
func (c *Collector) recordOutcome(ctx context.Context, scan *domain.Scan, transition func() error) {
	if err := transition(); err != nil {
		c.logger.Error(ctx, "Invalid scan state transition", "scan_id", scan.ScanID(), "error", err)
		return
	}

	if err := c.saveScan(ctx, scan); err != nil {
		c.logger.Error(ctx, "Failed to save scan outcome",
			"scan_id", scan.ScanID(), "status", scan.Status(), "error", err)
	}

	c.metrics.IncScansTerminal(ctx, string(scan.Status()))
	c.metrics.ObserveScanDuration(ctx, scan.ScannerID(), time.Since(scan.StartedAt()))

	var event events.DomainEvent
	if scan.Status() == domain.ScanStatusCompleted {
		event = domain.NewScanCompletedEvent(scan.ScanID(), scan.ScannerID(), scan.Counts())
	} else {
		event = domain.NewScanFailedEvent(scan.ScanID(), scan.ScannerID(), scan.Status(), scan.FailureReason())
	}
	if err := c.publisher.PublishDomainEvent(ctx, event, events.WithKey(scan.ScanID().String())); err != nil {
		c.logger.Error(ctx, "Failed to publish scan lifecycle event",
			"scan_id", scan.ScanID(), "event_type", event.EventType(), "error", err)
	}
}

// saveScan retries the outcome write with the same bounded policy as the
// findings, since losing the status row strands the caller in Running.
func (c *Collector) saveScan(ctx context.Context, scan *domain.Scan) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxElapsedTime = 2 * time.Minute

	return backoff.Retry(func() error {
		return c.scans.SaveScan(ctx, scan)
	}, backoff.WithContext(backoff.WithMaxRetries(expBackoff, persistMaxRetries), ctx))
}

// cleanup deletes the unit and its bundle regardless of how collection went.
// Failures are logged only; the TTL backstop is the last line of defense.
func (c *Collector) cleanup(ctx context.Context, unit *domain.ExecutionUnit) {
	key := unit.Key()

	if err := c.runner.DeleteUnit(ctx, key); err != nil {
		c.logger.Error(ctx, "Failed to delete execution unit, TTL backstop will reclaim it",
			"unit", key.UnitName(), "error", err)
	}
	if err := c.bundles.DeleteBundle(ctx, unit.BundleRef()); err != nil {
		c.logger.Error(ctx, "Failed to delete source bundle, sweeper will reclaim it",
			"bundle", unit.BundleRef().Name, "error", err)
	}
}

func truncate(b []byte, limit int) string {
	if len(b) <= limit {
		return string(b)
	}
	return string(b[:limit]) + "...(truncated)"
}
