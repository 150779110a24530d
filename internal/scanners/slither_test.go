package scanners

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SolidityOps/scan-engine/internal/domain/scanning"
)

const slitherReentrancyReport = `{
  "success": true,
  "error": null,
  "results": {
    "detectors": [
      {
        "check": "reentrancy-eth",
        "impact": "High",
        "confidence": "Medium",
        "description": "Reentrancy in Vault.withdraw() (contract.sol#12-18): external call before balances[msg.sender] is decremented",
        "elements": [
          {
            "type": "function",
            "name": "withdraw",
            "source_mapping": {
              "filename_relative": "contract.sol",
              "lines": [12, 13, 14, 15, 16, 17, 18]
            }
          }
        ]
      },
      {
        "check": "solc-version",
        "impact": "Informational",
        "confidence": "High",
        "description": "Pragma version ^0.8.0 allows old versions",
        "elements": []
      }
    ]
  }
}`

func TestParseSlitherReport(t *testing.T) {
	findings, err := parseSlitherReport([]byte(slitherReentrancyReport))
	require.NoError(t, err)
	require.Len(t, findings, 2)

	reentrancy := findings[0]
	assert.Equal(t, "reentrancy-eth", reentrancy.Title)
	assert.Equal(t, scanning.SeverityCritical, reentrancy.Severity)
	assert.Equal(t, "contract.sol", reentrancy.File)
	assert.Equal(t, 12, reentrancy.Line)
	assert.NotEmpty(t, reentrancy.RawEvidence)

	info := findings[1]
	assert.Equal(t, scanning.SeverityLow, info.Severity)
	assert.Empty(t, info.File)
	assert.Zero(t, info.Line)
}

func TestParseSlitherReportToolFailure(t *testing.T) {
	report := `{"success": false, "error": "contract.sol:3: ParserError", "results": {"detectors": []}}`
	_, err := parseSlitherReport([]byte(report))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ParserError")
}

func TestParseSlitherReportMalformed(t *testing.T) {
	// Schema drift or garbage output must surface as a parse error, never as
	// an empty finding set.
	_, err := parseSlitherReport([]byte("Traceback (most recent call last):\n  crash"))
	assert.Error(t, err)
}

func TestSeverityFromSlitherImpact(t *testing.T) {
	tests := []struct {
		impact string
		want   scanning.Severity
	}{
		{"High", scanning.SeverityCritical},
		{"Medium", scanning.SeverityHigh},
		{"Low", scanning.SeverityMedium},
		{"Informational", scanning.SeverityLow},
		{"Optimization", scanning.SeverityLow},
		{"", scanning.SeverityLow},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, severityFromSlitherImpact(tt.impact), "impact %q", tt.impact)
	}
}
