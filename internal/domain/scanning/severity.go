package scanning

// Severity classifies how dangerous a finding is, on the scale shared by all
// registered scanners after normalization.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// String returns the string representation of the Severity.
func (s Severity) String() string { return string(s) }

// ParseSeverity converts a string to a Severity. Unrecognized values map to
// SeverityLow so a scanner introducing a new level never drops findings.
func ParseSeverity(s string) Severity {
	switch s {
	case "CRITICAL":
		return SeverityCritical
	case "HIGH":
		return SeverityHigh
	case "MEDIUM":
		return SeverityMedium
	case "LOW":
		return SeverityLow
	default:
		return SeverityLow
	}
}
