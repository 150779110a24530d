// Package scanners maintains the static registry of security scanners the
// engine can execute, together with each scanner's invocation template,
// resource profile and output normalization function. Scanners are opaque,
// independently versioned container images; everything scanner-specific
// lives behind a Descriptor so neither the dispatcher nor the result
// collector ever branches on a scanner id.
package scanners

import (
	"fmt"
	"time"

	"github.com/SolidityOps/scan-engine/internal/domain/scanning"
)

// ResourceProfile bounds one scanner invocation.
type ResourceProfile struct {
	CPURequest    string
	CPULimit      string
	MemoryRequest string
	MemoryLimit   string

	// Timeout is the hard wall-clock budget for the whole invocation.
	Timeout time.Duration

	// MaxRetries bounds crash restarts so a crash-looping scanner never
	// retries forever.
	MaxRetries int
}

// ParseFunc maps a scanner's raw output stream to normalized findings.
type ParseFunc func(raw []byte) ([]scanning.Finding, error)

// CommandFunc produces the scanner's argv for a given bundle mount path. It
// must not assume any file layout beyond "one mount path containing the
// delivered files".
type CommandFunc func(mountPath string) []string

// Descriptor is the full capability set registered for one scanner.
type Descriptor struct {
	ID      string
	Image   string
	Profile ResourceProfile
	Command CommandFunc
	Parse   ParseFunc
}

// UnitSpec builds the substrate spec for running this scanner against a
// bundle, with the engine-wide TTL backstop applied.
func (d Descriptor) UnitSpec(key scanning.ScanKey, bundle scanning.BundleRef, mountPath string, ttl time.Duration) scanning.UnitSpec {
	return scanning.UnitSpec{
		Key:           key,
		Bundle:        bundle,
		Image:         d.Image,
		Command:       d.Command(mountPath),
		CPURequest:    d.Profile.CPURequest,
		CPULimit:      d.Profile.CPULimit,
		MemoryRequest: d.Profile.MemoryRequest,
		MemoryLimit:   d.Profile.MemoryLimit,
		Timeout:       d.Profile.Timeout,
		MaxRetries:    d.Profile.MaxRetries,
		TTL:           ttl,
	}
}

// Registry is the immutable scanner lookup table, built once at process
// start. It has no runtime state and is safe for concurrent reads.
type Registry struct {
	entries map[string]Descriptor
}

// NewRegistry builds a registry from the given descriptors. Duplicate ids
// and descriptors missing a command or parser are rejected.
func NewRegistry(descriptors ...Descriptor) (*Registry, error) {
	entries := make(map[string]Descriptor, len(descriptors))
	for _, d := range descriptors {
		if d.ID == "" {
			return nil, fmt.Errorf("scanner descriptor with empty id")
		}
		if _, exists := entries[d.ID]; exists {
			return nil, fmt.Errorf("duplicate scanner descriptor %q", d.ID)
		}
		if d.Image == "" {
			return nil, fmt.Errorf("scanner %q has no image", d.ID)
		}
		if d.Command == nil {
			return nil, fmt.Errorf("scanner %q has no command template", d.ID)
		}
		if d.Parse == nil {
			return nil, fmt.Errorf("scanner %q has no output parser", d.ID)
		}
		entries[d.ID] = d
	}
	return &Registry{entries: entries}, nil
}

// Resolve looks up the descriptor for a scanner id.
func (r *Registry) Resolve(scannerID string) (Descriptor, error) {
	d, ok := r.entries[scannerID]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", scanning.ErrUnknownScanner, scannerID)
	}
	return d, nil
}

// IDs returns the registered scanner ids.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}
