package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	stdlog "log"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/automaxprocs/maxprocs"
	"golang.org/x/sync/errgroup"

	appscanning "github.com/SolidityOps/scan-engine/internal/app/scanning"
	"github.com/SolidityOps/scan-engine/internal/config"
	"github.com/SolidityOps/scan-engine/internal/infra/eventbus/kafka"
	infrak8s "github.com/SolidityOps/scan-engine/internal/infra/kubernetes"
	"github.com/SolidityOps/scan-engine/internal/infra/storage/scanning/postgres"
	"github.com/SolidityOps/scan-engine/internal/scanners"
	"github.com/SolidityOps/scan-engine/pkg/common"
	"github.com/SolidityOps/scan-engine/pkg/common/logger"
	"github.com/SolidityOps/scan-engine/pkg/common/otel"
)

const serviceType = "orchestrator"

func main() {
	_, _ = maxprocs.Set()

	configPath := flag.String("config", "config.yaml", "path to the engine configuration file")
	flag.Parse()

	hostname, err := os.Hostname()
	if err != nil {
		stdlog.Fatalf("failed to get hostname: %v", err)
	}

	logEvents := logger.Events{
		Error: func(ctx context.Context, r logger.Record) {
			errorAttrs := map[string]any{
				"error_message": r.Message,
				"error_time":    r.Time.UTC().Format(time.RFC3339),
				"trace_id":      otel.GetTraceID(ctx),
			}
			for k, v := range r.Attributes {
				errorAttrs[k] = v
			}

			errorAttrsJSON, err := json.Marshal(errorAttrs)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to marshal error attributes: %v\n", err)
				return
			}
			fmt.Fprintf(os.Stderr, "Error event: %s, details: %s\n", r.Message, errorAttrsJSON)
		},
	}

	traceIDFn := func(ctx context.Context) string { return otel.GetTraceID(ctx) }

	svcName := fmt.Sprintf("SCAN-ENGINE-%s", hostname)
	metadata := map[string]string{
		"service":   svcName,
		"hostname":  hostname,
		"pod":       os.Getenv("POD_NAME"),
		"namespace": os.Getenv("POD_NAMESPACE"),
		"app":       serviceType,
	}

	log := logger.NewWithMetadata(os.Stdout, logger.LevelInfo, svcName, traceIDFn, logEvents, metadata)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, log, svcName, hostname, *configPath); err != nil {
		log.Error(ctx, "Engine terminated", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, log *logger.Logger, svcName, hostname, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tp, telemetryTeardown, err := otel.InitTelemetry(log, otel.Config{
		ServiceName:      svcName,
		ExporterEndpoint: cfg.Telemetry.Endpoint,
		ExcludedRoutes: map[string]struct{}{
			"/v1/health":    {},
			"/v1/readiness": {},
		},
		Probability: cfg.Telemetry.SamplingProbability,
		ResourceAttributes: map[string]string{
			"library.language": "go",
			"k8s.pod.name":     os.Getenv("POD_NAME"),
			"k8s.namespace":    os.Getenv("POD_NAMESPACE"),
			"k8s.container.id": hostname,
		},
		InsecureExporter: true,
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer telemetryTeardown(context.Background())

	tracer := tp.Tracer(serviceType)

	ready := &atomic.Bool{}
	healthServer := common.NewHealthServer(ready)
	defer func() {
		if err := healthServer.Server().Shutdown(context.Background()); err != nil {
			log.Error(ctx, "Error shutting down health server", "error", err)
		}
	}()

	poolCfg, err := pgxpool.ParseConfig(cfg.Postgres.DSN())
	if err != nil {
		return fmt.Errorf("parsing database config: %w", err)
	}
	poolCfg.MinConns = 5
	poolCfg.MaxConns = 20
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("opening database pool: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(pool); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	log.Info(ctx, "Database migrations applied")

	registry, err := buildRegistry(cfg.Scanners)
	if err != nil {
		return fmt.Errorf("building scanner registry: %w", err)
	}

	client, err := infrak8s.NewClient()
	if err != nil {
		return fmt.Errorf("creating kubernetes client: %w", err)
	}

	bundles := infrak8s.NewBundleStore(client, cfg.Kubernetes.Namespace, log, tracer)
	runner := infrak8s.NewDispatcher(client, cfg.Kubernetes.Namespace, cfg.Kubernetes.MountPath, log, tracer)

	eventBus, err := kafka.ConnectWithRetry(&kafka.Config{
		Brokers:         cfg.Kafka.Brokers,
		ScanEventsTopic: cfg.Kafka.ScanEventsTopic,
		ClientID:        cfg.Kafka.ClientID,
	}, log, tracer)
	if err != nil {
		return fmt.Errorf("connecting event bus: %w", err)
	}
	defer eventBus.Close()

	publisher := kafka.NewDomainEventPublisher(eventBus)

	metrics, err := appscanning.NewOrchestrationMetrics(otel.GetMeterProvider())
	if err != nil {
		return fmt.Errorf("creating metrics: %w", err)
	}

	scans := postgres.NewScanStore(pool, tracer)
	findings := postgres.NewFindingsStore(pool, tracer)

	limiter := common.NewRateLimiter(cfg.Orchestration.PollRatePerSecond, cfg.Orchestration.PollBurst)
	watcher := appscanning.NewWatcher(runner, limiter, cfg.Orchestration.PollInterval, log, tracer)
	collector := appscanning.NewCollector(runner, bundles, scans, findings, registry, publisher, metrics, log, tracer)

	orchestrator := appscanning.NewOrchestrator(
		registry, bundles, runner, scans,
		watcher, collector, publisher,
		appscanning.NewQuota(cfg.Orchestration.MaxConcurrentUnits), metrics,
		cfg.Kubernetes.MountPath, cfg.Orchestration.UnitTTL,
		log, tracer,
	)
	defer orchestrator.Shutdown()

	sweeper := appscanning.NewSweeper(
		bundles, runner,
		cfg.Orchestration.SweepMaxAge, cfg.Orchestration.SweepInterval,
		metrics, log, tracer,
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})

	ready.Store(true)
	log.Info(ctx, "Scan engine ready",
		"namespace", cfg.Kubernetes.Namespace,
		"scanners", registry.IDs(),
		"max_concurrent_units", cfg.Orchestration.MaxConcurrentUnits,
	)

	<-ctx.Done()
	ready.Store(false)
	log.Info(context.Background(), "Shutdown signal received, draining in-flight scans")

	return g.Wait()
}

// buildRegistry maps configured scanner entries to their descriptors. Each
// entry overrides the descriptor's defaults only where it sets a value.
func buildRegistry(entries []config.ScannerConfig) (*scanners.Registry, error) {
	descriptors := make([]scanners.Descriptor, 0, len(entries))
	for _, e := range entries {
		profile := scanners.ResourceProfile{
			CPURequest:    e.CPURequest,
			CPULimit:      e.CPULimit,
			MemoryRequest: e.MemoryRequest,
			MemoryLimit:   e.MemoryLimit,
			Timeout:       e.Timeout,
			MaxRetries:    e.MaxRetries,
		}
		switch e.ID {
		case "slither":
			descriptors = append(descriptors, scanners.Slither(e.Image, profile))
		case "mythril":
			descriptors = append(descriptors, scanners.Mythril(e.Image, profile))
		default:
			return nil, fmt.Errorf("no descriptor for scanner %q", e.ID)
		}
	}
	return scanners.NewRegistry(descriptors...)
}

func runMigrations(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	migrations, err := migrate.NewWithDatabaseInstance("file://db/migrations", "postgres", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := migrations.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}
