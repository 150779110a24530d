package scanning

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OrchestrationMetrics defines the metrics operations recorded by the scan
// orchestration path.
type OrchestrationMetrics interface {
	IncScansTriggered(ctx context.Context, scannerID string)
	IncScanRejected(ctx context.Context, reason string)
	IncScansTerminal(ctx context.Context, status string)
	ObserveScanDuration(ctx context.Context, scannerID string, duration time.Duration)
	IncUnitsDispatched(ctx context.Context)
	IncActiveUnits(ctx context.Context)
	DecActiveUnits(ctx context.Context)
	IncArtifactsSwept(ctx context.Context, kind string)
	IncResultsLost(ctx context.Context)
}

type orchestrationMetrics struct {
	scansTriggered  metric.Int64Counter
	scansRejected   metric.Int64Counter
	scansTerminal   metric.Int64Counter
	scanDuration    metric.Float64Histogram
	unitsDispatched metric.Int64Counter
	activeUnits     metric.Int64UpDownCounter
	artifactsSwept  metric.Int64Counter
	resultsLost     metric.Int64Counter
}

var _ OrchestrationMetrics = (*orchestrationMetrics)(nil)

const namespace = "scan_engine"

// NewOrchestrationMetrics creates the OTel-backed orchestration metrics.
func NewOrchestrationMetrics(mp metric.MeterProvider) (OrchestrationMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(orchestrationMetrics)
	var err error

	if m.scansTriggered, err = meter.Int64Counter(
		"scans_triggered_total",
		metric.WithDescription("Total number of scans accepted"),
	); err != nil {
		return nil, err
	}

	if m.scansRejected, err = meter.Int64Counter(
		"scans_rejected_total",
		metric.WithDescription("Total number of scans rejected synchronously"),
	); err != nil {
		return nil, err
	}

	if m.scansTerminal, err = meter.Int64Counter(
		"scans_terminal_total",
		metric.WithDescription("Total number of scans that reached a terminal state"),
	); err != nil {
		return nil, err
	}

	if m.scanDuration, err = meter.Float64Histogram(
		"scan_duration_seconds",
		metric.WithDescription("Wall-clock time from trigger to terminal state"),
	); err != nil {
		return nil, err
	}

	if m.unitsDispatched, err = meter.Int64Counter(
		"units_dispatched_total",
		metric.WithDescription("Total number of execution units dispatched"),
	); err != nil {
		return nil, err
	}

	if m.activeUnits, err = meter.Int64UpDownCounter(
		"active_units",
		metric.WithDescription("Number of execution units currently in flight"),
	); err != nil {
		return nil, err
	}

	if m.artifactsSwept, err = meter.Int64Counter(
		"artifacts_swept_total",
		metric.WithDescription("Total number of leaked artifacts removed by the sweeper"),
	); err != nil {
		return nil, err
	}

	if m.resultsLost, err = meter.Int64Counter(
		"results_lost_total",
		metric.WithDescription("Total number of scans whose results could not be persisted"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *orchestrationMetrics) IncScansTriggered(ctx context.Context, scannerID string) {
	m.scansTriggered.Add(ctx, 1, metric.WithAttributes(attribute.String("scanner_id", scannerID)))
}

func (m *orchestrationMetrics) IncScanRejected(ctx context.Context, reason string) {
	m.scansRejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *orchestrationMetrics) IncScansTerminal(ctx context.Context, status string) {
	m.scansTerminal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

func (m *orchestrationMetrics) ObserveScanDuration(ctx context.Context, scannerID string, duration time.Duration) {
	m.scanDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("scanner_id", scannerID)))
}

func (m *orchestrationMetrics) IncUnitsDispatched(ctx context.Context) { m.unitsDispatched.Add(ctx, 1) }

func (m *orchestrationMetrics) IncActiveUnits(ctx context.Context) { m.activeUnits.Add(ctx, 1) }

func (m *orchestrationMetrics) DecActiveUnits(ctx context.Context) { m.activeUnits.Add(ctx, -1) }

func (m *orchestrationMetrics) IncArtifactsSwept(ctx context.Context, kind string) {
	m.artifactsSwept.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *orchestrationMetrics) IncResultsLost(ctx context.Context) { m.resultsLost.Add(ctx, 1) }

// noopMetrics discards every recording, for tests.
type noopMetrics struct{}

var _ OrchestrationMetrics = noopMetrics{}

// NoopMetrics returns metrics that record nothing.
func NoopMetrics() OrchestrationMetrics { return noopMetrics{} }

func (noopMetrics) IncScansTriggered(context.Context, string)                  {}
func (noopMetrics) IncScanRejected(context.Context, string)                    {}
func (noopMetrics) IncScansTerminal(context.Context, string)                   {}
func (noopMetrics) ObserveScanDuration(context.Context, string, time.Duration) {}
func (noopMetrics) IncUnitsDispatched(context.Context)                         {}
func (noopMetrics) IncActiveUnits(context.Context)                             {}
func (noopMetrics) DecActiveUnits(context.Context)                             {}
func (noopMetrics) IncArtifactsSwept(context.Context, string)                  {}
func (noopMetrics) IncResultsLost(context.Context)                             {}
