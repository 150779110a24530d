package scanning

import (
	"fmt"
	"sync/atomic"
	"time"
)

// UnitState represents the observed state of one sandboxed scanner
// invocation on the execution substrate.
type UnitState string

const (
	// UnitStatePending indicates the unit was accepted by the scheduler but
	// no scanner process is running yet.
	UnitStatePending UnitState = "PENDING"

	// UnitStateRunning indicates the scanner process is executing.
	UnitStateRunning UnitState = "RUNNING"

	// UnitStateSucceeded indicates the scanner exited zero.
	UnitStateSucceeded UnitState = "SUCCEEDED"

	// UnitStateFailed indicates the scanner exhausted its retry budget
	// without a zero exit.
	UnitStateFailed UnitState = "FAILED"

	// UnitStateTimedOut indicates the wall-clock deadline elapsed before a
	// terminal exit.
	UnitStateTimedOut UnitState = "TIMED_OUT"
)

// String returns the string representation of the UnitState.
func (s UnitState) String() string { return string(s) }

// IsTerminal reports whether the unit can make no further progress.
func (s UnitState) IsTerminal() bool {
	return s == UnitStateSucceeded || s == UnitStateFailed || s == UnitStateTimedOut
}

// ExecutionUnit tracks one dispatched sandboxed scanner invocation. The
// dispatcher creates it, the completion watcher drives its state transitions,
// and the result collector consumes it exactly once via the collected marker.
type ExecutionUnit struct {
	key       ScanKey
	bundleRef BundleRef
	state     UnitState
	attempts  int
	createdAt time.Time
	expiresAt time.Time

	// collected guards the hand-off to the result collector. A poll race can
	// observe the same terminal state twice; the compare-and-swap here is
	// what makes collection at-most-once.
	collected atomic.Bool
}

// NewExecutionUnit creates a unit in the Pending state with the given TTL
// backstop window.
func NewExecutionUnit(key ScanKey, bundleRef BundleRef, ttl time.Duration) *ExecutionUnit {
	now := time.Now()
	return &ExecutionUnit{
		key:       key,
		bundleRef: bundleRef,
		state:     UnitStatePending,
		createdAt: now,
		expiresAt: now.Add(ttl),
	}
}

// Key returns the (scanId, scannerId) idempotency key.
func (u *ExecutionUnit) Key() ScanKey { return u.key }

// Name returns the unit's deterministic substrate name.
func (u *ExecutionUnit) Name() string { return u.key.UnitName() }

// BundleRef returns the source bundle mounted into this unit.
func (u *ExecutionUnit) BundleRef() BundleRef { return u.bundleRef }

// State returns the last observed state.
func (u *ExecutionUnit) State() UnitState { return u.state }

// Attempts returns the number of failed execution attempts observed so far.
func (u *ExecutionUnit) Attempts() int { return u.attempts }

// CreatedAt returns when the unit was dispatched.
func (u *ExecutionUnit) CreatedAt() time.Time { return u.createdAt }

// ExpiresAt returns when the platform garbage-collects the unit
// unconditionally.
func (u *ExecutionUnit) ExpiresAt() time.Time { return u.expiresAt }

// ApplyObservation merges a fresh substrate observation into the unit.
// Terminal states are sticky: once terminal, later observations are ignored
// so a stale poll cannot resurrect a unit.
func (u *ExecutionUnit) ApplyObservation(state UnitState, attempts int) error {
	if u.state.IsTerminal() {
		if state != u.state && state.IsTerminal() {
			return fmt.Errorf("conflicting terminal states for unit %s: %s then %s", u.Name(), u.state, state)
		}
		return nil
	}
	u.state = state
	if attempts > u.attempts {
		u.attempts = attempts
	}
	return nil
}

// MarkCancelled forces a non-terminal unit into the Failed state. Returns
// false when the unit was already terminal.
func (u *ExecutionUnit) MarkCancelled() bool {
	if u.state.IsTerminal() {
		return false
	}
	u.state = UnitStateFailed
	return true
}

// TryBeginCollection claims the one collection slot for this unit. Only the
// caller that gets true may hand the unit to the result collector.
func (u *ExecutionUnit) TryBeginCollection() bool {
	return u.collected.CompareAndSwap(false, true)
}

// Collected reports whether collection was already claimed.
func (u *ExecutionUnit) Collected() bool { return u.collected.Load() }
