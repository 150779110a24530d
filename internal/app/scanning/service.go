// Package scanning implements the scan orchestration engine: triggering
// sandboxed scanner invocations, watching them to completion, collecting
// normalized results and guaranteeing artifact cleanup.
package scanning

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/SolidityOps/scan-engine/internal/domain/events"
	domain "github.com/SolidityOps/scan-engine/internal/domain/scanning"
	"github.com/SolidityOps/scan-engine/internal/scanners"
	"github.com/SolidityOps/scan-engine/pkg/common/logger"
)

// sourceFileName is the name the submitted contract source gets inside the
// bundle. Scanners see it under the fixed mount path.
const sourceFileName = "contract.sol"

// trackedScan is the in-process record of one in-flight scan, keyed by scan
// id. It carries what Cancel and idempotent re-triggering need.
type trackedScan struct {
	scannerID string
	digest    string
	unit      *domain.ExecutionUnit
	cancel    context.CancelFunc
}

// Orchestrator is the engine's only entry point for the external API. It
// composes bundle creation and unit dispatch on the trigger path and runs
// one watch/collect goroutine per in-flight scan.
type Orchestrator struct {
	registry  *scanners.Registry
	bundles   domain.BundleStore
	runner    domain.UnitRunner
	scans     domain.ScanRepository
	watcher   *Watcher
	collector *Collector
	publisher events.DomainEventPublisher
	quota     *Quota
	metrics   OrchestrationMetrics

	mountPath string
	unitTTL   time.Duration

	mu      sync.Mutex
	tracked map[uuid.UUID]*trackedScan
	wg      sync.WaitGroup

	logger *logger.Logger
	tracer trace.Tracer
}

// NewOrchestrator wires the orchestration facade.
func NewOrchestrator(
	registry *scanners.Registry,
	bundles domain.BundleStore,
	runner domain.UnitRunner,
	scans domain.ScanRepository,
	watcher *Watcher,
	collector *Collector,
	publisher events.DomainEventPublisher,
	quota *Quota,
	metrics OrchestrationMetrics,
	mountPath string,
	unitTTL time.Duration,
	log *logger.Logger,
	tracer trace.Tracer,
) *Orchestrator {
	return &Orchestrator{
		registry:  registry,
		bundles:   bundles,
		runner:    runner,
		scans:     scans,
		watcher:   watcher,
		collector: collector,
		publisher: publisher,
		quota:     quota,
		metrics:   metrics,
		mountPath: mountPath,
		unitTTL:   unitTTL,
		tracked:   make(map[uuid.UUID]*trackedScan),
		logger:    log.With("component", "orchestrator"),
		tracer:    tracer,
	}
}

// TriggerScan accepts a scan request, creates its source bundle, dispatches
// its execution unit and returns. All post-acceptance failures surface
// through GetStatus, never through this call. Re-triggering an identical
// request is accepted without creating duplicates; the same scan id with
// different source is ErrConflict.
func (o *Orchestrator) TriggerScan(ctx context.Context, req domain.ScanRequest) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.trigger_scan",
		trace.WithAttributes(
			attribute.String("scan_id", req.ScanID.String()),
			attribute.String("scanner_id", req.ScannerID),
			attribute.Int("source_bytes", len(req.SourceCode)),
		),
	)
	defer span.End()

	descriptor, err := o.registry.Resolve(req.ScannerID)
	if err != nil {
		return o.reject(ctx, span, "unknown_scanner", err)
	}

	files := map[string]string{sourceFileName: req.SourceCode}
	if err := domain.ValidateBundleSize(files); err != nil {
		return o.reject(ctx, span, "payload_too_large", err)
	}

	digest := domain.BundleDigest(files)

	o.mu.Lock()
	if t, ok := o.tracked[req.ScanID]; ok {
		o.mu.Unlock()
		if t.scannerID == req.ScannerID && t.digest == digest {
			span.AddEvent("duplicate_trigger_accepted")
			return nil
		}
		return o.reject(ctx, span, "conflict",
			fmt.Errorf("%w: scan %s already in flight with different request", domain.ErrConflict, req.ScanID))
	}
	// Reserve the key before any I/O so a concurrent identical trigger is
	// deduplicated instead of racing on bundle creation.
	o.tracked[req.ScanID] = &trackedScan{scannerID: req.ScannerID, digest: digest}
	o.mu.Unlock()

	if err := o.start(ctx, req, descriptor, files); err != nil {
		o.untrack(req.ScanID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "trigger failed")
		return err
	}

	o.metrics.IncScansTriggered(ctx, req.ScannerID)
	return nil
}

// start performs the accept path under a reserved tracking slot: quota,
// bundle, unit, status row, watch goroutine.
func (o *Orchestrator) start(ctx context.Context, req domain.ScanRequest, descriptor scanners.Descriptor, files map[string]string) error {
	if !o.quota.TryAcquire() {
		o.metrics.IncScanRejected(ctx, "quota_exceeded")
		return fmt.Errorf("%w: namespace at concurrency ceiling", domain.ErrQuotaExceeded)
	}

	key := req.Key()
	bundle, err := o.bundles.CreateBundle(ctx, key, files)
	if err != nil {
		o.quota.Release()
		return fmt.Errorf("creating source bundle: %w", err)
	}

	unit, err := o.runner.DispatchUnit(ctx, descriptor.UnitSpec(key, bundle, o.mountPath, o.unitTTL))
	if err != nil {
		if derr := o.bundles.DeleteBundle(ctx, bundle); derr != nil {
			o.logger.Error(ctx, "Failed to delete bundle after dispatch failure",
				"bundle", bundle.Name, "error", derr)
		}
		o.quota.Release()
		return fmt.Errorf("dispatching execution unit: %w", err)
	}

	scan := domain.NewScan(req.ScanID, req.ScannerID)
	if err := o.scans.SaveScan(ctx, scan); err != nil {
		// The unit is already running; losing the status row would strand
		// the caller, so this is a hard failure with full rollback.
		o.collector.cleanup(ctx, unit)
		o.quota.Release()
		return fmt.Errorf("saving scan: %w", err)
	}

	unitCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	t := o.tracked[req.ScanID]
	t.unit = unit
	t.cancel = cancel
	o.mu.Unlock()

	o.metrics.IncUnitsDispatched(ctx)
	o.metrics.IncActiveUnits(ctx)

	if err := o.publisher.PublishDomainEvent(ctx,
		domain.NewScanTriggeredEvent(req.ScanID, req.ScannerID),
		events.WithKey(req.ScanID.String()),
	); err != nil {
		o.logger.Error(ctx, "Failed to publish scan triggered event", "scan_id", req.ScanID, "error", err)
	}

	o.logger.Info(ctx, "Scan accepted",
		"scan_id", req.ScanID, "scanner_id", req.ScannerID, "unit", unit.Name())

	o.wg.Add(1)
	go o.runScan(unitCtx, scan, unit)
	return nil
}

// runScan drives one scan from dispatch to terminal state and cleanup. It
// owns the scan aggregate; nothing else mutates it.
func (o *Orchestrator) runScan(ctx context.Context, scan *domain.Scan, unit *domain.ExecutionUnit) {
	defer o.wg.Done()
	defer func() {
		o.metrics.DecActiveUnits(context.Background())
		o.quota.Release()
		o.untrack(scan.ScanID())
	}()

	onRunning := func(ctx context.Context) {
		if err := scan.MarkRunning(); err != nil {
			return
		}
		if err := o.scans.SaveScan(ctx, scan); err != nil {
			o.logger.Error(ctx, "Failed to save running status", "scan_id", scan.ScanID(), "error", err)
		}
	}

	obs, err := o.watcher.WatchUnit(ctx, unit, onRunning)
	if err != nil {
		// Cancellation, or engine shutdown. Finalize with a fresh context so
		// cleanup is not cut short by the very cancellation that caused it.
		finalizeCtx, done := context.WithTimeout(context.Background(), 30*time.Second)
		defer done()
		if unit.TryBeginCollection() {
			o.collector.CollectCancelled(finalizeCtx, scan, unit)
		}
		return
	}

	if !unit.TryBeginCollection() {
		return
	}
	o.collector.Collect(ctx, scan, unit, obs)
}

// GetStatus reads the current scan outcome. Unknown scan ids return
// ErrScanNotFound.
func (o *Orchestrator) GetStatus(ctx context.Context, scanID uuid.UUID) (*domain.Scan, error) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.get_status",
		trace.WithAttributes(attribute.String("scan_id", scanID.String())),
	)
	defer span.End()

	scan, err := o.scans.GetScan(ctx, scanID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("status", string(scan.Status())))
	return scan, nil
}

// Cancel forces a non-terminal scan onto the terminal cleanup path. The
// acknowledgement is immediate; the terminal state lands asynchronously.
// Cancelling a terminal or already-collected scan is a no-op.
func (o *Orchestrator) Cancel(ctx context.Context, scanID uuid.UUID) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.cancel",
		trace.WithAttributes(attribute.String("scan_id", scanID.String())),
	)
	defer span.End()

	o.mu.Lock()
	t, ok := o.tracked[scanID]
	o.mu.Unlock()

	if ok {
		if t.cancel != nil {
			t.cancel()
		}
		o.logger.Info(ctx, "Scan cancellation requested", "scan_id", scanID)
		return nil
	}

	// Not in flight: acknowledged if it ever existed, otherwise unknown.
	if _, err := o.scans.GetScan(ctx, scanID); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Shutdown cancels all in-flight watch loops and waits for their finalizers.
func (o *Orchestrator) Shutdown() {
	o.mu.Lock()
	for _, t := range o.tracked {
		if t.cancel != nil {
			t.cancel()
		}
	}
	o.mu.Unlock()
	o.wg.Wait()
}

func (o *Orchestrator) untrack(scanID uuid.UUID) {
	o.mu.Lock()
	delete(o.tracked, scanID)
	o.mu.Unlock()
}

func (o *Orchestrator) reject(ctx context.Context, span trace.Span, reason string, err error) error {
	o.metrics.IncScanRejected(ctx, reason)
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	return err
}
