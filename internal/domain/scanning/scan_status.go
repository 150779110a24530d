package scanning

import "fmt"

// ScanStatus represents the externally visible state of a scan. It moves
// through the lifecycle Queued -> Running -> terminal, where terminal is one
// of Completed, Failed or TimedOut.
type ScanStatus string

const (
	// ScanStatusQueued indicates a scan has been accepted but its execution
	// unit has not started yet.
	ScanStatusQueued ScanStatus = "QUEUED"

	// ScanStatusRunning indicates the scanner process is executing.
	ScanStatusRunning ScanStatus = "RUNNING"

	// ScanStatusCompleted indicates the scanner finished and its findings
	// were persisted.
	ScanStatusCompleted ScanStatus = "COMPLETED"

	// ScanStatusFailed indicates the scan ended without usable results.
	// Cancellation and lost results both land here with a distinct reason.
	ScanStatusFailed ScanStatus = "FAILED"

	// ScanStatusTimedOut indicates the scanner exceeded its wall-clock budget.
	ScanStatusTimedOut ScanStatus = "TIMED_OUT"
)

// String returns the string representation of the ScanStatus.
func (s ScanStatus) String() string { return string(s) }

// IsTerminal reports whether no further transitions are possible.
func (s ScanStatus) IsTerminal() bool {
	return s == ScanStatusCompleted || s == ScanStatusFailed || s == ScanStatusTimedOut
}

// ParseScanStatus converts a string to a ScanStatus. Unknown values map to
// the empty status.
func ParseScanStatus(s string) ScanStatus {
	switch s {
	case "QUEUED":
		return ScanStatusQueued
	case "RUNNING":
		return ScanStatusRunning
	case "COMPLETED":
		return ScanStatusCompleted
	case "FAILED":
		return ScanStatusFailed
	case "TIMED_OUT":
		return ScanStatusTimedOut
	default:
		return ""
	}
}

// ValidateTransition checks if a status transition is valid and returns an
// error if not.
func (s ScanStatus) ValidateTransition(target ScanStatus) error {
	if !s.isValidTransition(target) {
		return fmt.Errorf("invalid scan status transition from %s to %s", s, target)
	}
	return nil
}

// isValidTransition enforces the scan lifecycle rules. Terminal states never
// transition; a queued scan may fail or time out without ever running (for
// example when dispatch never produced a live pod).
func (s ScanStatus) isValidTransition(target ScanStatus) bool {
	switch s {
	case ScanStatusQueued:
		return target == ScanStatusRunning ||
			target == ScanStatusCompleted ||
			target == ScanStatusFailed ||
			target == ScanStatusTimedOut
	case ScanStatusRunning:
		return target == ScanStatusCompleted ||
			target == ScanStatusFailed ||
			target == ScanStatusTimedOut
	default:
		return false
	}
}
