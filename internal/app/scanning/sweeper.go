package scanning

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/SolidityOps/scan-engine/internal/domain/scanning"
	"github.com/SolidityOps/scan-engine/pkg/common/logger"
)

// Sweeper is the out-of-band recovery path for leaked artifacts: bundles and
// units whose in-band deleter never ran. It removes engine-owned objects
// older than the age window. Leaks are logged, never surfaced to callers.
type Sweeper struct {
	bundles  domain.BundleStore
	runner   domain.UnitRunner
	maxAge   time.Duration
	interval time.Duration
	metrics  OrchestrationMetrics

	logger *logger.Logger
	tracer trace.Tracer
}

// NewSweeper creates an artifact sweeper. maxAge should exceed the longest
// scanner timeout plus the TTL backstop so in-flight scans are never swept.
func NewSweeper(
	bundles domain.BundleStore,
	runner domain.UnitRunner,
	maxAge time.Duration,
	interval time.Duration,
	metrics OrchestrationMetrics,
	log *logger.Logger,
	tracer trace.Tracer,
) *Sweeper {
	return &Sweeper{
		bundles:  bundles,
		runner:   runner,
		maxAge:   maxAge,
		interval: interval,
		metrics:  metrics,
		logger:   log.With("component", "artifact_sweeper"),
		tracer:   tracer,
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one pass over aged bundles and units.
func (s *Sweeper) Sweep(ctx context.Context) {
	ctx, span := s.tracer.Start(ctx, "artifact_sweeper.sweep")
	defer span.End()

	cutoff := time.Now().Add(-s.maxAge)
	span.SetAttributes(attribute.String("cutoff", cutoff.Format(time.RFC3339)))

	s.sweepBundles(ctx, cutoff)
	s.sweepUnits(ctx, cutoff)
}

func (s *Sweeper) sweepBundles(ctx context.Context, cutoff time.Time) {
	refs, err := s.bundles.ListBundlesOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error(ctx, "Failed to list aged bundles", "error", err)
		return
	}

	for _, ref := range refs {
		if err := s.bundles.DeleteBundle(ctx, ref); err != nil {
			s.logger.Error(ctx, "Failed to sweep leaked bundle", "bundle", ref.Name, "error", err)
			continue
		}
		s.metrics.IncArtifactsSwept(ctx, "bundle")
		s.logger.Warn(ctx, "Swept leaked source bundle", "bundle", ref.Name, "created_at", ref.CreatedAt)
	}
}

func (s *Sweeper) sweepUnits(ctx context.Context, cutoff time.Time) {
	names, err := s.runner.ListUnitsOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error(ctx, "Failed to list aged units", "error", err)
		return
	}

	for _, name := range names {
		if err := s.runner.DeleteUnitByName(ctx, name); err != nil {
			s.logger.Error(ctx, "Failed to sweep leaked unit", "unit", name, "error", err)
			continue
		}
		s.metrics.IncArtifactsSwept(ctx, "unit")
		s.logger.Warn(ctx, "Swept leaked execution unit", "unit", name)
	}
}
