package postgres

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SolidityOps/scan-engine/internal/domain/scanning"
	"github.com/SolidityOps/scan-engine/internal/infra/storage"
)

func testFindings() []scanning.Finding {
	return []scanning.Finding{
		{
			Title:       "Reentrancy in Vault.withdraw()",
			Description: "External call before state update",
			Severity:    scanning.SeverityCritical,
			File:        "contract.sol",
			Line:        42,
			RawEvidence: `{"check":"reentrancy-eth"}`,
		},
		{
			Title:       "Unused state variable",
			Description: "Vault.owner is never read",
			Severity:    scanning.SeverityLow,
			File:        "contract.sol",
			Line:        7,
		},
	}
}

func TestFindingsStorePersistAndList(t *testing.T) {
	t.Parallel()
	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	store := NewFindingsStore(pool, storage.NoOpTracer())
	ctx := context.Background()

	scanID := uuid.New()
	require.NoError(t, store.PersistFindings(ctx, scanID, "slither", testFindings()))

	got, err := store.ListFindings(ctx, scanID)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Critical sorts before Low.
	assert.Equal(t, "Reentrancy in Vault.withdraw()", got[0].Title)
	assert.Equal(t, scanning.SeverityCritical, got[0].Severity)
	assert.Equal(t, 42, got[0].Line)
	assert.Equal(t, scanning.SeverityLow, got[1].Severity)
}

func TestFindingsStorePersistOverwrites(t *testing.T) {
	t.Parallel()
	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	store := NewFindingsStore(pool, storage.NoOpTracer())
	ctx := context.Background()

	scanID := uuid.New()
	require.NoError(t, store.PersistFindings(ctx, scanID, "slither", testFindings()))

	// A second delivery replaces the set instead of appending to it.
	replacement := testFindings()[:1]
	require.NoError(t, store.PersistFindings(ctx, scanID, "slither", replacement))

	got, err := store.ListFindings(ctx, scanID)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Reentrancy in Vault.withdraw()", got[0].Title)
}

func TestFindingsStorePersistEmptySet(t *testing.T) {
	t.Parallel()
	pool, cleanup := storage.SetupTestContainer(t)
	defer cleanup()

	store := NewFindingsStore(pool, storage.NoOpTracer())
	ctx := context.Background()

	scanID := uuid.New()
	require.NoError(t, store.PersistFindings(ctx, scanID, "slither", testFindings()))
	require.NoError(t, store.PersistFindings(ctx, scanID, "slither", nil))

	got, err := store.ListFindings(ctx, scanID)
	require.NoError(t, err)
	assert.Empty(t, got)
}
