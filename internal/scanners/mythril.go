package scanners

import (
	"encoding/json"
	"fmt"

	"github.com/SolidityOps/scan-engine/internal/domain/scanning"
)

// Mythril returns the descriptor for the mythril symbolic-execution
// analyzer.
func Mythril(image string, profile ResourceProfile) Descriptor {
	if image == "" {
		image = "mythril/myth:latest"
	}
	applyProfileDefaults(&profile)
	return Descriptor{
		ID:      "mythril",
		Image:   image,
		Profile: profile,
		// myth takes a file argument rather than a directory, so glob the
		// mount path instead of assuming a specific file name.
		Command: func(mountPath string) []string {
			return []string{"sh", "-c", fmt.Sprintf("myth analyze %s/*.sol -o json", mountPath)}
		},
		Parse: parseMythrilReport,
	}
}

// mythrilReport mirrors the subset of myth's -o json output the collector
// consumes.
type mythrilReport struct {
	Success bool    `json:"success"`
	Error   *string `json:"error"`
	Issues  []struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		Severity    string `json:"severity"`
		SWCID       string `json:"swc-id"`
		Filename    string `json:"filename"`
		LineNo      int    `json:"lineno"`
		Code        string `json:"code"`
	} `json:"issues"`
}

func parseMythrilReport(raw []byte) ([]scanning.Finding, error) {
	var report mythrilReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fmt.Errorf("decoding mythril report: %w", err)
	}
	if !report.Success {
		reason := "unknown"
		if report.Error != nil {
			reason = *report.Error
		}
		return nil, fmt.Errorf("mythril reported failure: %s", reason)
	}

	findings := make([]scanning.Finding, 0, len(report.Issues))
	for _, issue := range report.Issues {
		title := issue.Title
		if issue.SWCID != "" {
			title = fmt.Sprintf("%s (SWC-%s)", issue.Title, issue.SWCID)
		}
		findings = append(findings, scanning.Finding{
			Title:       title,
			Description: issue.Description,
			Severity:    severityFromMythril(issue.Severity),
			File:        issue.Filename,
			Line:        issue.LineNo,
			RawEvidence: issue.Code,
		})
	}
	return findings, nil
}

// severityFromMythril maps mythril's three-level scale onto the normalized
// one. Mythril only flags exploitable paths, so its High maps to Critical.
func severityFromMythril(severity string) scanning.Severity {
	switch severity {
	case "High":
		return scanning.SeverityCritical
	case "Medium":
		return scanning.SeverityHigh
	case "Low":
		return scanning.SeverityMedium
	default:
		return scanning.SeverityLow
	}
}
