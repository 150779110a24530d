package scanners

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/SolidityOps/scan-engine/internal/domain/scanning"
)

// Slither returns the descriptor for the slither static analyzer. The image
// and resource profile can be overridden by configuration; the command
// template and parser are fixed alongside the code that understands them.
func Slither(image string, profile ResourceProfile) Descriptor {
	if image == "" {
		image = "trailofbits/eth-security-toolbox:latest"
	}
	applyProfileDefaults(&profile)
	return Descriptor{
		ID:      "slither",
		Image:   image,
		Profile: profile,
		// --fail-none keeps the exit code at zero when findings exist, so a
		// non-zero exit always means the tool itself broke.
		Command: func(mountPath string) []string {
			return []string{"slither", mountPath, "--json", "-", "--fail-none"}
		},
		Parse: parseSlitherReport,
	}
}

// slitherReport mirrors the subset of slither's --json output the collector
// consumes.
type slitherReport struct {
	Success bool    `json:"success"`
	Error   *string `json:"error"`
	Results struct {
		Detectors []slitherDetection `json:"detectors"`
	} `json:"results"`
}

type slitherDetection struct {
	Check       string `json:"check"`
	Impact      string `json:"impact"`
	Confidence  string `json:"confidence"`
	Description string `json:"description"`
	Elements    []struct {
		Name          string `json:"name"`
		SourceMapping struct {
			FilenameRelative string `json:"filename_relative"`
			Lines            []int  `json:"lines"`
		} `json:"source_mapping"`
	} `json:"elements"`
}

func parseSlitherReport(raw []byte) ([]scanning.Finding, error) {
	var report slitherReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fmt.Errorf("decoding slither report: %w", err)
	}
	if !report.Success {
		reason := "unknown"
		if report.Error != nil {
			reason = *report.Error
		}
		return nil, fmt.Errorf("slither reported failure: %s", reason)
	}

	findings := make([]scanning.Finding, 0, len(report.Results.Detectors))
	for _, det := range report.Results.Detectors {
		f := scanning.Finding{
			Title:       det.Check,
			Description: det.Description,
			Severity:    severityFromSlitherImpact(det.Impact),
			RawEvidence: det.Description,
		}
		if len(det.Elements) > 0 {
			f.File = det.Elements[0].SourceMapping.FilenameRelative
			if lines := det.Elements[0].SourceMapping.Lines; len(lines) > 0 {
				f.Line = lines[0]
			}
		}
		findings = append(findings, f)
	}
	return findings, nil
}

// severityFromSlitherImpact maps slither's impact scale onto the normalized
// one. Slither's "High" covers fund-loss classes like reentrancy, which this
// platform surfaces as Critical.
func severityFromSlitherImpact(impact string) scanning.Severity {
	switch impact {
	case "High":
		return scanning.SeverityCritical
	case "Medium":
		return scanning.SeverityHigh
	case "Low":
		return scanning.SeverityMedium
	default: // Informational, Optimization
		return scanning.SeverityLow
	}
}

func applyProfileDefaults(p *ResourceProfile) {
	if p.CPURequest == "" {
		p.CPURequest = "250m"
	}
	if p.CPULimit == "" {
		p.CPULimit = "1"
	}
	if p.MemoryRequest == "" {
		p.MemoryRequest = "256Mi"
	}
	if p.MemoryLimit == "" {
		p.MemoryLimit = "1Gi"
	}
	if p.Timeout == 0 {
		p.Timeout = 15 * time.Minute
	}
	if p.MaxRetries == 0 {
		p.MaxRetries = 3
	}
}
