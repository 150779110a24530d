// Package scanning holds the domain model of the scan-job orchestration
// engine: scans, execution units, source bundles and normalized findings,
// plus the state machines that govern their lifecycles.
package scanning

import (
	"time"

	"github.com/google/uuid"
)

// ScanRequest identifies one analysis task as submitted by the external API.
// It is immutable after creation.
type ScanRequest struct {
	ScanID      uuid.UUID
	ScannerID   string
	SourceCode  string
	SubmittedAt time.Time
}

// NewScanRequest creates an immutable scan request stamped with the
// submission time.
func NewScanRequest(scanID uuid.UUID, scannerID, sourceCode string) ScanRequest {
	return ScanRequest{
		ScanID:      scanID,
		ScannerID:   scannerID,
		SourceCode:  sourceCode,
		SubmittedAt: time.Now(),
	}
}

// Key returns the idempotency key for this request.
func (r ScanRequest) Key() ScanKey { return ScanKey{ScanID: r.ScanID, ScannerID: r.ScannerID} }

/// Scan aggregates the externally visible outcome of one scan: its status,
// severity counts and timing. Only the result collector and the completion
// watcher's terminal transitions mutate it.
type Scan struct {
	scanID        uuid.UUID
	scannerID     string
	status        ScanStatus
	counts        SeverityCounts
	failureReason string
	timeline      *Timeline
}

// NewScan creates a scan in the Queued state.
func NewScan(scanID uuid.UUID, scannerID string) *Scan {
	return &Scan{
		scanID:    scanID,
		scannerID: scannerID,
		status:    ScanStatusQueued,
		timeline:  NewTimeline(new(realTimeProvider)),
	}
}

// ReconstructScan rebuilds a scan from stored fields, bypassing creation
// invariants. Only repositories should use this when loading from the DB.
func ReconstructScan(
	scanID uuid.UUID,
	scannerID string,
	status ScanStatus,
	counts SeverityCounts,
	failureReason string,
	timeline *Timeline,
) *Scan {
	return &Scan{
		scanID:        scanID,
		scannerID:     scannerID,
		status:        status,
		counts:        counts,
		failureReason: failureReason,
		timeline:      timeline,
	}
}

// ScanID returns the unique identifier for this scan.
func (s *Scan) ScanID() uuid.UUID { return s.scanID }

// ScannerID returns the scanner this scan runs.
func (s *Scan) ScannerID() string { return s.scannerID }

// Status returns the current scan status.
func (s *Scan) Status() ScanStatus { return s.status }

// Counts returns the per-severity finding counts. Zero until terminal.
func (s *Scan) Counts() SeverityCounts { return s.counts }

// FailureReason returns the human-readable reason for a Failed or TimedOut
// scan, empty otherwise.
func (s *Scan) FailureReason() string { return s.failureReason }

// StartedAt returns when the scan was accepted.
func (s *Scan) StartedAt() time.Time { return s.timeline.StartedAt() }

// CompletedAt returns when the scan reached a terminal state.
func (s *Scan) CompletedAt() (time.Time, bool) {
	if s.status.IsTerminal() {
		return s.timeline.CompletedAt(), true
	}
	return time.Time{}, false
}

// Timeline provides access to the scan's timing information.
func (s *Scan) Timeline() *Timeline { return s.timeline }

// MarkRunning transitions the scan from Queued to Running.
func (s *Scan) MarkRunning() error {
	if err := s.status.ValidateTransition(ScanStatusRunning); err != nil {
		return err
	}
	s.status = ScanStatusRunning
	s.timeline.UpdateLastUpdate()
	return nil
}

// Complete transitions the scan to Completed and records its finding counts.
func (s *Scan) Complete(counts SeverityCounts) error {
	if err := s.status.ValidateTransition(ScanStatusCompleted); err != nil {
		return err
	}
	s.status = ScanStatusCompleted
	s.counts = counts
	s.timeline.MarkCompleted()
	return nil
}

// Fail transitions the scan to Failed with the given reason.
func (s *Scan) Fail(reason string) error {
	if err := s.status.ValidateTransition(ScanStatusFailed); err != nil {
		return err
	}
	s.status = ScanStatusFailed
	s.failureReason = reason
	s.timeline.MarkCompleted()
	return nil
}

// TimeOut transitions the scan to TimedOut with the given reason.
func (s *Scan) TimeOut(reason string) error {
	if err := s.status.ValidateTransition(ScanStatusTimedOut); err != nil {
		return err
	}
	s.status = ScanStatusTimedOut
	s.failureReason = reason
	s.timeline.MarkCompleted()
	return nil
}
