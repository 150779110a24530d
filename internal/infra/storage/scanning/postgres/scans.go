// Package postgres provides PostgreSQL-backed implementations of the
// scanning domain's repository ports.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/SolidityOps/scan-engine/internal/domain/scanning"
	"github.com/SolidityOps/scan-engine/internal/infra/storage"
)

var defaultDBAttributes = []attribute.KeyValue{attribute.String("db.system", "postgresql")}

var _ scanning.ScanRepository = (*scanStore)(nil)

// scanStore implements scanning.ScanRepository using PostgreSQL.
type scanStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewScanStore creates a PostgreSQL-backed scan repository with tracing.
func NewScanStore(pool *pgxpool.Pool, tracer trace.Tracer) *scanStore {
	return &scanStore{db: pool, tracer: tracer}
}

// SaveScan upserts a scan's current state. Re-saving the same scan
// overwrites the previous row, which keeps recovery replays idempotent.
func (r *scanStore) SaveScan(ctx context.Context, scan *scanning.Scan) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("scan_id", scan.ScanID().String()),
		attribute.String("scanner_id", scan.ScannerID()),
		attribute.String("status", string(scan.Status())),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.save_scan", dbAttrs, func(ctx context.Context) error {
		counts := scan.Counts()
		completedAt := pgtype.Timestamptz{}
		if t, ok := scan.CompletedAt(); ok {
			completedAt = pgtype.Timestamptz{Time: t, Valid: true}
		}

		_, err := r.db.Exec(ctx, `
			INSERT INTO scans (
				scan_id, scanner_id, status,
				critical_count, high_count, medium_count, low_count,
				failure_reason, started_at, completed_at, last_update
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (scan_id) DO UPDATE SET
				status = EXCLUDED.status,
				critical_count = EXCLUDED.critical_count,
				high_count = EXCLUDED.high_count,
				medium_count = EXCLUDED.medium_count,
				low_count = EXCLUDED.low_count,
				failure_reason = EXCLUDED.failure_reason,
				completed_at = EXCLUDED.completed_at,
				last_update = EXCLUDED.last_update,
				updated_at = NOW()`,
			pgtype.UUID{Bytes: scan.ScanID(), Valid: true},
			scan.ScannerID(),
			string(scan.Status()),
			counts.Critical,
			counts.High,
			counts.Medium,
			counts.Low,
			scan.FailureReason(),
			pgtype.Timestamptz{Time: scan.StartedAt(), Valid: true},
			completedAt,
			pgtype.Timestamptz{Time: scan.Timeline().LastUpdate(), Valid: true},
		)
		if err != nil {
			return fmt.Errorf("failed to save scan: %w", err)
		}
		return nil
	})
}

// GetScan loads a scan by id. Returns scanning.ErrScanNotFound when no row
// exists.
func (r *scanStore) GetScan(ctx context.Context, scanID uuid.UUID) (*scanning.Scan, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("scan_id", scanID.String()))

	var scan *scanning.Scan
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.get_scan", dbAttrs, func(ctx context.Context) error {
		var (
			scannerID     string
			status        string
			counts        scanning.SeverityCounts
			failureReason string
			startedAt     time.Time
			completedAt   pgtype.Timestamptz
			lastUpdate    time.Time
		)

		err := r.db.QueryRow(ctx, `
			SELECT scanner_id, status,
				critical_count, high_count, medium_count, low_count,
				failure_reason, started_at, completed_at, last_update
			FROM scans WHERE scan_id = $1`,
			pgtype.UUID{Bytes: scanID, Valid: true},
		).Scan(
			&scannerID, &status,
			&counts.Critical, &counts.High, &counts.Medium, &counts.Low,
			&failureReason, &startedAt, &completedAt, &lastUpdate,
		)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: scan %s", scanning.ErrScanNotFound, scanID)
		}
		if err != nil {
			return fmt.Errorf("failed to get scan: %w", err)
		}

		scan = scanning.ReconstructScan(
			scanID,
			scannerID,
			scanning.ParseScanStatus(status),
			counts,
			failureReason,
			scanning.ReconstructTimeline(startedAt, completedAt.Time, lastUpdate),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return scan, nil
}
