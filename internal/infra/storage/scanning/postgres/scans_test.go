package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SolidityOps/scan-engine/internal/domain/scanning"
	"github.com/SolidityOps/scan-engine/internal/infra/storage"
)

func TestScanStoreSaveAndGet(t *testing.T) {
	t.Parallel()
	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	store := NewScanStore(pool, storage.NoOpTracer())
	ctx := context.Background()

	scanID := uuid.New()
	scan := scanning.NewScan(scanID, "slither")
	require.NoError(t, store.SaveScan(ctx, scan))

	loaded, err := store.GetScan(ctx, scanID)
	require.NoError(t, err)
	assert.Equal(t, scanID, loaded.ScanID())
	assert.Equal(t, "slither", loaded.ScannerID())
	assert.Equal(t, scanning.ScanStatusQueued, loaded.Status())
	assert.Empty(t, loaded.FailureReason())
	_, done := loaded.CompletedAt()
	assert.False(t, done)
}

func TestScanStoreSaveScanOverwrites(t *testing.T) {
	t.Parallel()
	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	store := NewScanStore(pool, storage.NoOpTracer())
	ctx := context.Background()

	scanID := uuid.New()
	scan := scanning.NewScan(scanID, "mythril")
	require.NoError(t, store.SaveScan(ctx, scan))

	require.NoError(t, scan.MarkRunning())
	require.NoError(t, store.SaveScan(ctx, scan))

	counts := scanning.SeverityCounts{Critical: 1, High: 2, Low: 3}
	require.NoError(t, scan.Complete(counts))
	require.NoError(t, store.SaveScan(ctx, scan))

	loaded, err := store.GetScan(ctx, scanID)
	require.NoError(t, err)
	assert.Equal(t, scanning.ScanStatusCompleted, loaded.Status())
	assert.Equal(t, counts, loaded.Counts())

	completedAt, done := loaded.CompletedAt()
	require.True(t, done)
	assert.WithinDuration(t, time.Now(), completedAt, time.Minute)
}

func TestScanStoreSaveFailedScan(t *testing.T) {
	t.Parallel()
	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	store := NewScanStore(pool, storage.NoOpTracer())
	ctx := context.Background()

	scanID := uuid.New()
	scan := scanning.NewScan(scanID, "slither")
	require.NoError(t, scan.MarkRunning())
	require.NoError(t, scan.Fail("scanner exited with code 1"))
	require.NoError(t, store.SaveScan(ctx, scan))

	loaded, err := store.GetScan(ctx, scanID)
	require.NoError(t, err)
	assert.Equal(t, scanning.ScanStatusFailed, loaded.Status())
	assert.Equal(t, "scanner exited with code 1", loaded.FailureReason())
}

func TestScanStoreGetScanNotFound(t *testing.T) {
	t.Parallel()
	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	store := NewScanStore(pool, storage.NoOpTracer())

	_, err := store.GetScan(context.Background(), uuid.New())
	require.Error(t, err)
	assert.ErrorIs(t, err, scanning.ErrScanNotFound)
}
