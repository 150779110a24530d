package scanning

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// BundleStore manages ephemeral, read-only source bundles on the execution
// substrate. Creation is idempotent per ScanKey: identical content is a
// no-op, conflicting content is ErrConflict. Deletion treats absence as
// success. The store performs no internal retries; callers own retry policy.
type BundleStore interface {
	CreateBundle(ctx context.Context, key ScanKey, files map[string]string) (BundleRef, error)
	DeleteBundle(ctx context.Context, ref BundleRef) error

	// ListBundlesOlderThan returns engine-owned bundles created before the
	// cutoff. The leaked artifact sweep uses it as the out-of-band recovery
	// path for bundles whose in-band deleter never ran.
	ListBundlesOlderThan(ctx context.Context, cutoff time.Time) ([]BundleRef, error)
}

// UnitSpec describes one sandboxed scanner invocation for the substrate.
type UnitSpec struct {
	Key    ScanKey
	Bundle BundleRef

	// Image and Command define the scanner process. Command already
	// references the fixed bundle mount path.
	Image   string
	Command []string

	// Resource bounds, in substrate quantity notation (e.g. "500m", "1Gi").
	CPURequest    string
	CPULimit      string
	MemoryRequest string
	MemoryLimit   string

	// Timeout is the hard wall-clock budget for the whole unit.
	Timeout time.Duration

	// MaxRetries bounds scanner crash restarts.
	MaxRetries int

	// TTL is the unconditional garbage-collection backstop.
	TTL time.Duration
}

// UnitObservation is one poll result for a dispatched unit.
type UnitObservation struct {
	State    UnitState
	Attempts int

	// Reason carries the substrate's failure reason for terminal states,
	// e.g. the deadline-exceeded marker that distinguishes a timeout.
	Reason string
}

// UnitRunner is the execution substrate port used by the dispatcher, the
// completion watcher and the result collector. Dispatch is idempotent per
// ScanKey; dispatching an existing unit with a different bundle is
// ErrConflict.
type UnitRunner interface {
	DispatchUnit(ctx context.Context, spec UnitSpec) (*ExecutionUnit, error)
	ObserveUnit(ctx context.Context, key ScanKey) (UnitObservation, error)

	// UnitOutput retrieves the captured stdout/log stream of a terminal unit.
	UnitOutput(ctx context.Context, key ScanKey) ([]byte, error)

	DeleteUnit(ctx context.Context, key ScanKey) error

	// ListUnitsOlderThan returns names of engine-owned units created before
	// the cutoff, for the leaked artifact sweep.
	ListUnitsOlderThan(ctx context.Context, cutoff time.Time) ([]string, error)

	// DeleteUnitByName removes a unit found by the sweep, where no ScanKey
	// is recoverable.
	DeleteUnitByName(ctx context.Context, name string) error
}

// ScanRepository persists scan outcomes for the external API to read.
// SaveScan must be idempotent: re-saving the same scan state overwrites
// rather than duplicates.
type ScanRepository interface {
	SaveScan(ctx context.Context, scan *Scan) error
	GetScan(ctx context.Context, scanID uuid.UUID) (*Scan, error)
}

// FindingsRepository hands normalized findings to the external data layer.
// Persisting the same finding set for a scan twice must be an overwrite.
type FindingsRepository interface {
	PersistFindings(ctx context.Context, scanID uuid.UUID, scannerID string, findings []Finding) error
}
