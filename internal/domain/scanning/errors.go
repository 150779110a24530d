package scanning

import "errors"

// Synchronous trigger-time errors. These are returned directly from the
// facade and are recoverable by caller correction or retry.
var (
	// ErrUnknownScanner indicates the requested scanner id is not registered.
	ErrUnknownScanner = errors.New("unknown scanner")

	// ErrPayloadTooLarge indicates the submitted source exceeds the bundle
	// size ceiling. Nothing is created when this is returned.
	ErrPayloadTooLarge = errors.New("source payload too large")

	// ErrQuotaExceeded indicates the namespace already runs the maximum
	// number of concurrent execution units. Callers should back off and retry.
	ErrQuotaExceeded = errors.New("concurrent unit quota exceeded")

	// ErrConflict indicates an artifact already exists for the idempotency
	// key with different content. A reused scan id must be rejected, never
	// silently overwritten.
	ErrConflict = errors.New("conflicting artifact for scan")
)

// Asynchronous conditions recorded on the scan outcome, never returned
// across the trigger call.
var (
	// ErrResultsLost indicates findings could not be persisted within the
	// retry budget. The scan is terminal Failed with this reason.
	ErrResultsLost = errors.New("results lost")

	// ErrScanNotFound indicates no scan exists for the given id.
	ErrScanNotFound = errors.New("scan not found")

	// ErrNoScanOutput indicates the execution unit produced no retrievable
	// output stream.
	ErrNoScanOutput = errors.New("no scanner output available")
)
