package scanning

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	domain "github.com/SolidityOps/scan-engine/internal/domain/scanning"
	"github.com/SolidityOps/scan-engine/internal/infra/eventbus/memory"
	storagemem "github.com/SolidityOps/scan-engine/internal/infra/storage/memory"
	"github.com/SolidityOps/scan-engine/internal/scanners"
	"github.com/SolidityOps/scan-engine/pkg/common/logger"
)

// testDescriptor registers a stub scanner whose parser understands two
// payloads: "FINDINGS" yields one critical finding, anything else errors.
func testDescriptor(id string) scanners.Descriptor {
	return scanners.Descriptor{
		ID:    id,
		Image: "test/" + id + ":latest",
		Profile: scanners.ResourceProfile{
			CPURequest:    "100m",
			CPULimit:      "500m",
			MemoryRequest: "128Mi",
			MemoryLimit:   "512Mi",
			Timeout:       time.Minute,
			MaxRetries:    3,
		},
		Command: func(mountPath string) []string { return []string{id, mountPath} },
		Parse: func(raw []byte) ([]domain.Finding, error) {
			if string(raw) != "FINDINGS" {
				return nil, fmt.Errorf("unexpected payload %q", raw)
			}
			return []domain.Finding{
				{
					Title:    "Reentrancy in withdraw()",
					Severity: domain.SeverityCritical,
					File:     "contract.sol",
					Line:     12,
				},
			}, nil
		},
	}
}

type collectorFixture struct {
	collector *Collector
	runner    *fakeRunner
	bundles   *fakeBundleStore
	scans     *storagemem.ScanStore
	findings  *storagemem.FindingsStore
	broker    *memory.Broker
}

func newCollectorFixture(t *testing.T, runner *fakeRunner) *collectorFixture {
	t.Helper()
	registry, err := scanners.NewRegistry(testDescriptor("slither"))
	require.NoError(t, err)

	f := &collectorFixture{
		runner:   runner,
		bundles:  newFakeBundleStore(),
		scans:    storagemem.NewScanStore(),
		findings: storagemem.NewFindingsStore(),
		broker:   memory.NewBroker(),
	}
	f.collector = NewCollector(
		f.runner,
		f.bundles,
		f.scans,
		f.findings,
		registry,
		newTestPublisher(f.broker),
		NoopMetrics(),
		logger.Noop(),
		noop.NewTracerProvider().Tracer("test"),
	)
	return f
}

func (f *collectorFixture) triggerArtifacts(t *testing.T) (*domain.Scan, *domain.ExecutionUnit) {
	t.Helper()
	key := testScanKey()

	ref, err := f.bundles.CreateBundle(context.Background(), key, map[string]string{"contract.sol": "contract A {}"})
	require.NoError(t, err)

	unit, err := f.runner.DispatchUnit(context.Background(), domain.UnitSpec{Key: key, Bundle: ref, TTL: time.Hour})
	require.NoError(t, err)

	return domain.NewScan(key.ScanID, key.ScannerID), unit
}

func TestCollectSucceededPersistsAndCleansUp(t *testing.T) {
	runner := newFakeRunner(domain.UnitObservation{State: domain.UnitStateSucceeded})
	runner.output = []byte("FINDINGS")
	f := newCollectorFixture(t, runner)
	scan, unit := f.triggerArtifacts(t)

	f.collector.Collect(context.Background(), scan, unit, domain.UnitObservation{State: domain.UnitStateSucceeded})

	assert.Equal(t, domain.ScanStatusCompleted, scan.Status())
	assert.Equal(t, domain.SeverityCounts{Critical: 1}, scan.Counts())

	stored, err := f.scans.GetScan(context.Background(), scan.ScanID())
	require.NoError(t, err)
	assert.Equal(t, domain.ScanStatusCompleted, stored.Status())

	require.Len(t, f.findings.GetFindings(scan.ScanID()), 1)

	assert.Zero(t, f.bundles.count(), "bundle must be deleted after collection")
	assert.Zero(t, f.runner.count(), "unit must be deleted after collection")

	types := f.broker.EventTypes()
	require.Len(t, types, 1)
	assert.Equal(t, domain.EventTypeScanCompleted, types[0])
}

func TestCollectParseFailureMarksResultsLost(t *testing.T) {
	runner := newFakeRunner(domain.UnitObservation{State: domain.UnitStateSucceeded})
	runner.output = []byte("garbage the parser has never seen")
	f := newCollectorFixture(t, runner)
	scan, unit := f.triggerArtifacts(t)

	f.collector.Collect(context.Background(), scan, unit, domain.UnitObservation{State: domain.UnitStateSucceeded})

	assert.Equal(t, domain.ScanStatusFailed, scan.Status())
	assert.Contains(t, scan.FailureReason(), "results lost: unparseable scanner output")

	// Cleanup still runs on the failure path.
	assert.Zero(t, f.bundles.count())
	assert.Zero(t, f.runner.count())

	types := f.broker.EventTypes()
	require.Len(t, types, 1)
	assert.Equal(t, domain.EventTypeScanFailed, types[0])
}

func TestCollectOutputRetrievalFailure(t *testing.T) {
	runner := newFakeRunner(domain.UnitObservation{State: domain.UnitStateSucceeded})
	runner.outputErr = errors.New("pod logs gone")
	f := newCollectorFixture(t, runner)
	scan, unit := f.triggerArtifacts(t)

	f.collector.Collect(context.Background(), scan, unit, domain.UnitObservation{State: domain.UnitStateSucceeded})

	assert.Equal(t, domain.ScanStatusFailed, scan.Status())
	assert.Contains(t, scan.FailureReason(), "results lost")
	assert.Zero(t, f.bundles.count())
}

func TestCollectPersistenceExhaustionMarksResultsLost(t *testing.T) {
	runner := newFakeRunner(domain.UnitObservation{State: domain.UnitStateSucceeded})
	runner.output = []byte("FINDINGS")
	f := newCollectorFixture(t, runner)
	scan, unit := f.triggerArtifacts(t)

	// Swap in a findings store that always fails; the backoff budget is
	// bounded by a cancelled context so the test does not wait minutes.
	f.collector.findings = &failingFindingsStore{err: errors.New("database down")}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	f.collector.Collect(ctx, scan, unit, domain.UnitObservation{State: domain.UnitStateSucceeded})

	assert.Equal(t, domain.ScanStatusFailed, scan.Status())
	assert.Contains(t, scan.FailureReason(), "results lost: persistence failed")
	assert.Zero(t, f.bundles.count())
	assert.Zero(t, f.runner.count())
}

func TestCollectFailedUnit(t *testing.T) {
	runner := newFakeRunner(domain.UnitObservation{State: domain.UnitStateFailed})
	f := newCollectorFixture(t, runner)
	scan, unit := f.triggerArtifacts(t)

	f.collector.Collect(context.Background(), scan, unit,
		domain.UnitObservation{State: domain.UnitStateFailed, Attempts: 3, Reason: "BackoffLimitExceeded"})

	assert.Equal(t, domain.ScanStatusFailed, scan.Status())
	assert.Contains(t, scan.FailureReason(), "scanner failed after 3 attempts")
	assert.Contains(t, scan.FailureReason(), "BackoffLimitExceeded")
	assert.Zero(t, f.bundles.count())
}

func TestCollectTimedOutUnit(t *testing.T) {
	runner := newFakeRunner(domain.UnitObservation{State: domain.UnitStateTimedOut})
	f := newCollectorFixture(t, runner)
	scan, unit := f.triggerArtifacts(t)

	f.collector.Collect(context.Background(), scan, unit,
		domain.UnitObservation{State: domain.UnitStateTimedOut, Reason: "DeadlineExceeded"})

	assert.Equal(t, domain.ScanStatusTimedOut, scan.Status())
	assert.Contains(t, scan.FailureReason(), "timed out")
	assert.Zero(t, f.bundles.count())
}

func TestCollectCancelled(t *testing.T) {
	runner := newFakeRunner(domain.UnitObservation{State: domain.UnitStateRunning})
	f := newCollectorFixture(t, runner)
	scan, unit := f.triggerArtifacts(t)

	f.collector.CollectCancelled(context.Background(), scan, unit)

	assert.Equal(t, domain.ScanStatusFailed, scan.Status())
	assert.Equal(t, "cancelled", scan.FailureReason())
	assert.Equal(t, domain.UnitStateFailed, unit.State())
	assert.Zero(t, f.bundles.count())
	assert.Zero(t, f.runner.count())
}
