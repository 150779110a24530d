package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/SolidityOps/scan-engine/internal/domain/scanning"
	"github.com/SolidityOps/scan-engine/internal/infra/storage"
)

var _ scanning.FindingsRepository = (*findingsStore)(nil)

// findingsStore implements scanning.FindingsRepository using PostgreSQL.
type findingsStore struct {
	db     *pgxpool.Pool
	tracer trace.Tracer
}

// NewFindingsStore creates a PostgreSQL-backed findings repository with tracing.
func NewFindingsStore(pool *pgxpool.Pool, tracer trace.Tracer) *findingsStore {
	return &findingsStore{db: pool, tracer: tracer}
}

// PersistFindings replaces the scan's finding set atomically. The delete plus
// batch insert runs in one transaction so collector retries after a partial
// write never leave duplicates behind.
func (r *findingsStore) PersistFindings(ctx context.Context, scanID uuid.UUID, scannerID string, findings []scanning.Finding) error {
	dbAttrs := append(
		defaultDBAttributes,
		attribute.String("scan_id", scanID.String()),
		attribute.String("scanner_id", scannerID),
		attribute.Int("finding_count", len(findings)),
	)

	return storage.ExecuteAndTrace(ctx, r.tracer, "postgres.persist_findings", dbAttrs, func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, r.db, func(tx pgx.Tx) error {
			id := pgtype.UUID{Bytes: scanID, Valid: true}

			if _, err := tx.Exec(ctx, `DELETE FROM findings WHERE scan_id = $1 AND scanner_id = $2`, id, scannerID); err != nil {
				return fmt.Errorf("failed to clear previous findings: %w", err)
			}

			if len(findings) == 0 {
				return nil
			}

			batch := &pgx.Batch{}
			for _, f := range findings {
				batch.Queue(`
					INSERT INTO findings (
						scan_id, fingerprint, scanner_id,
						title, description, severity, file_path, line, raw_evidence
					) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
					ON CONFLICT (scan_id, fingerprint) DO UPDATE SET
						description = EXCLUDED.description,
						raw_evidence = EXCLUDED.raw_evidence`,
					id,
					f.Fingerprint(),
					scannerID,
					f.Title,
					f.Description,
					string(f.Severity),
					f.File,
					f.Line,
					f.RawEvidence,
				)
			}

			results := tx.SendBatch(ctx, batch)
			defer results.Close()

			for range findings {
				if _, err := results.Exec(); err != nil {
					return fmt.Errorf("failed to insert finding: %w", err)
				}
			}
			return nil
		})
	})
}

// ListFindings returns the persisted findings for a scan, ordered by
// severity then file location, for the external API to read.
func (r *findingsStore) ListFindings(ctx context.Context, scanID uuid.UUID) ([]scanning.Finding, error) {
	dbAttrs := append(defaultDBAttributes, attribute.String("scan_id", scanID.String()))

	var findings []scanning.Finding
	err := storage.ExecuteAndTrace(ctx, r.tracer, "postgres.list_findings", dbAttrs, func(ctx context.Context) error {
		rows, err := r.db.Query(ctx, `
			SELECT title, description, severity, file_path, line, raw_evidence
			FROM findings WHERE scan_id = $1
			ORDER BY
				CASE severity
					WHEN 'CRITICAL' THEN 0
					WHEN 'HIGH' THEN 1
					WHEN 'MEDIUM' THEN 2
					ELSE 3
				END, file_path, line`,
			pgtype.UUID{Bytes: scanID, Valid: true},
		)
		if err != nil {
			return fmt.Errorf("failed to list findings: %w", err)
		}
		defer rows.Close()

		for rows.Next() {
			var f scanning.Finding
			var severity string
			if err := rows.Scan(&f.Title, &f.Description, &severity, &f.File, &f.Line, &f.RawEvidence); err != nil {
				return fmt.Errorf("failed to scan finding row: %w", err)
			}
			f.Severity = scanning.ParseSeverity(severity)
			findings = append(findings, f)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return findings, nil
}
