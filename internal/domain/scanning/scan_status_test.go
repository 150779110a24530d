package scanning

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScanStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    ScanStatus
		to      ScanStatus
		wantErr bool
	}{
		{name: "queued to running", from: ScanStatusQueued, to: ScanStatusRunning},
		{name: "queued straight to failed", from: ScanStatusQueued, to: ScanStatusFailed},
		{name: "queued straight to timed out", from: ScanStatusQueued, to: ScanStatusTimedOut},
		{name: "queued straight to completed", from: ScanStatusQueued, to: ScanStatusCompleted},
		{name: "running to completed", from: ScanStatusRunning, to: ScanStatusCompleted},
		{name: "running to failed", from: ScanStatusRunning, to: ScanStatusFailed},
		{name: "running to timed out", from: ScanStatusRunning, to: ScanStatusTimedOut},
		{name: "running back to queued", from: ScanStatusRunning, to: ScanStatusQueued, wantErr: true},
		{name: "completed is terminal", from: ScanStatusCompleted, to: ScanStatusRunning, wantErr: true},
		{name: "failed is terminal", from: ScanStatusFailed, to: ScanStatusCompleted, wantErr: true},
		{name: "timed out is terminal", from: ScanStatusTimedOut, to: ScanStatusFailed, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.from.ValidateTransition(tt.to)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestScanStatusIsTerminal(t *testing.T) {
	assert.False(t, ScanStatusQueued.IsTerminal())
	assert.False(t, ScanStatusRunning.IsTerminal())
	assert.True(t, ScanStatusCompleted.IsTerminal())
	assert.True(t, ScanStatusFailed.IsTerminal())
	assert.True(t, ScanStatusTimedOut.IsTerminal())
}

func TestParseScanStatus(t *testing.T) {
	assert.Equal(t, ScanStatusRunning, ParseScanStatus("RUNNING"))
	assert.Equal(t, ScanStatusTimedOut, ParseScanStatus("TIMED_OUT"))
	assert.Equal(t, ScanStatus(""), ParseScanStatus("bogus"))
}
