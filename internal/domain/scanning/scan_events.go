package scanning

import (
	"time"

	"github.com/google/uuid"

	"github.com/SolidityOps/scan-engine/internal/domain/events"
)

// Event types relevant to scans:
const (
	EventTypeScanTriggered events.EventType = "ScanTriggered"
	EventTypeScanCompleted events.EventType = "ScanCompleted"
	EventTypeScanFailed    events.EventType = "ScanFailed"
)

// ScanTriggeredEvent signals that a scan was accepted and its execution unit
// dispatched.
type ScanTriggeredEvent struct {
	occurredAt time.Time
	ScanID     uuid.UUID
	ScannerID  string
}

// NewScanTriggeredEvent creates a new scan triggered event.
func NewScanTriggeredEvent(scanID uuid.UUID, scannerID string) ScanTriggeredEvent {
	return ScanTriggeredEvent{occurredAt: time.Now(), ScanID: scanID, ScannerID: scannerID}
}

func (e ScanTriggeredEvent) EventType() events.EventType { return EventTypeScanTriggered }
func (e ScanTriggeredEvent) OccurredAt() time.Time       { return e.occurredAt }

// ScanCompletedEvent signals a scan reached the Completed state with its
// findings persisted.
type ScanCompletedEvent struct {
	occurredAt time.Time
	ScanID     uuid.UUID
	ScannerID  string
	Counts     SeverityCounts
}

// NewScanCompletedEvent creates a new scan completed event.
func NewScanCompletedEvent(scanID uuid.UUID, scannerID string, counts SeverityCounts) ScanCompletedEvent {
	return ScanCompletedEvent{occurredAt: time.Now(), ScanID: scanID, ScannerID: scannerID, Counts: counts}
}

func (e ScanCompletedEvent) EventType() events.EventType { return EventTypeScanCompleted }
func (e ScanCompletedEvent) OccurredAt() time.Time       { return e.occurredAt }

// ScanFailedEvent signals a scan reached the Failed or TimedOut state.
type ScanFailedEvent struct {
	occurredAt time.Time
	ScanID     uuid.UUID
	ScannerID  string
	Status     ScanStatus
	Reason     string
}

// NewScanFailedEvent creates a new scan failed event.
func NewScanFailedEvent(scanID uuid.UUID, scannerID string, status ScanStatus, reason string) ScanFailedEvent {
	return ScanFailedEvent{
		occurredAt: time.Now(),
		ScanID:     scanID,
		ScannerID:  scannerID,
		Status:     status,
		Reason:     reason,
	}
}

func (e ScanFailedEvent) EventType() events.EventType { return EventTypeScanFailed }
func (e ScanFailedEvent) OccurredAt() time.Time       { return e.occurredAt }
