// Package memory provides in-memory implementations of the scanning
// repository ports, used in tests and local development.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/SolidityOps/scan-engine/internal/domain/scanning"
)

var (
	_ scanning.ScanRepository     = (*ScanStore)(nil)
	_ scanning.FindingsRepository = (*FindingsStore)(nil)
)

// ScanStore is a thread-safe in-memory scanning.ScanRepository.
type ScanStore struct {
	mu    sync.RWMutex
	scans map[uuid.UUID]*scanning.Scan
}

// NewScanStore creates an empty in-memory scan repository.
func NewScanStore() *ScanStore {
	return &ScanStore{scans: make(map[uuid.UUID]*scanning.Scan)}
}

// SaveScan stores a snapshot of the scan, overwriting any previous state.
func (s *ScanStore) SaveScan(_ context.Context, scan *scanning.Scan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	completedAt, _ := scan.CompletedAt()
	s.scans[scan.ScanID()] = scanning.ReconstructScan(
		scan.ScanID(),
		scan.ScannerID(),
		scan.Status(),
		scan.Counts(),
		scan.FailureReason(),
		scanning.ReconstructTimeline(scan.StartedAt(), completedAt, scan.Timeline().LastUpdate()),
	)
	return nil
}

// GetScan returns the stored scan or scanning.ErrScanNotFound.
func (s *ScanStore) GetScan(_ context.Context, scanID uuid.UUID) (*scanning.Scan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scan, ok := s.scans[scanID]
	if !ok {
		return nil, fmt.Errorf("%w: scan %s", scanning.ErrScanNotFound, scanID)
	}
	return scan, nil
}

// FindingsStore is a thread-safe in-memory scanning.FindingsRepository.
type FindingsStore struct {
	mu       sync.RWMutex
	findings map[uuid.UUID][]scanning.Finding
}

// NewFindingsStore creates an empty in-memory findings repository.
func NewFindingsStore() *FindingsStore {
	return &FindingsStore{findings: make(map[uuid.UUID][]scanning.Finding)}
}

// PersistFindings replaces the finding set for the scan.
func (s *FindingsStore) PersistFindings(_ context.Context, scanID uuid.UUID, _ string, findings []scanning.Finding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.findings[scanID] = append([]scanning.Finding(nil), findings...)
	return nil
}

// GetFindings returns the stored finding set for the scan.
func (s *FindingsStore) GetFindings(scanID uuid.UUID) []scanning.Finding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.findings[scanID]
}
