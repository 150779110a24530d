package scanning

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Finding is one detected issue in scanner-agnostic form. Once persisted it
// is owned by the external data layer; the engine never mutates it afterward.
type Finding struct {
	// Title is a short human-readable summary of the issue.
	Title string

	// Description explains the issue in the scanner's own words.
	Description string

	// Severity is the normalized severity level.
	Severity Severity

	// File and Line locate the issue in the delivered source bundle.
	// Line is zero when the scanner reported no location.
	File string
	Line int

	// RawEvidence preserves the scanner's original output fragment for the
	// issue so analysts can audit the normalization.
	RawEvidence string
}

// Fingerprint derives a stable identity for the finding within its scan.
// Persisting findings keyed on (scan_id, fingerprint) makes re-submission
// after a retry an overwrite instead of a duplicate.
func (f Finding) Fingerprint() string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%d", f.Title, f.File, f.Severity, f.Line)))
	return hex.EncodeToString(h[:16])
}

// SeverityCounts aggregates findings per severity for a scan outcome.
type SeverityCounts struct {
	Critical int
	High     int
	Medium   int
	Low      int
}

// CountBySeverity tallies a finding set into severity buckets.
func CountBySeverity(findings []Finding) SeverityCounts {
	var counts SeverityCounts
	for _, f := range findings {
		switch f.Severity {
		case SeverityCritical:
			counts.Critical++
		case SeverityHigh:
			counts.High++
		case SeverityMedium:
			counts.Medium++
		case SeverityLow:
			counts.Low++
		}
	}
	return counts
}

// Total returns the total number of findings across all severities.
func (c SeverityCounts) Total() int { return c.Critical + c.High + c.Medium + c.Low }
