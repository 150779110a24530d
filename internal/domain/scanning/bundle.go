package scanning

import (
	"fmt"
	"time"
)

// MaxBundleBytes is the platform-imposed ceiling on the total payload of one
// source bundle. Oversized input fails fast; it is never truncated.
const MaxBundleBytes = 1 << 20 // 1 MiB

// BundleRef identifies one ephemeral source bundle on the execution
// substrate. It carries enough information to mount and to delete the bundle
// without another lookup.
type BundleRef struct {
	// Name is the bundle's deterministic substrate name.
	Name string

	// Namespace scopes the bundle on the substrate.
	Namespace string

	// Digest is the content digest recorded at creation, used to detect
	// conflicting re-creation under the same idempotency key.
	Digest string

	// CreatedAt is the substrate creation timestamp, used by the leaked
	// artifact sweep.
	CreatedAt time.Time
}

// IsZero reports whether the ref points at nothing.
func (r BundleRef) IsZero() bool { return r.Name == "" }

// ValidateBundleSize checks the total payload of a file set against the
// bundle ceiling. The returned error wraps ErrPayloadTooLarge.
func ValidateBundleSize(files map[string]string) error {
	var total int
	for name, content := range files {
		total += len(name) + len(content)
	}
	if total > MaxBundleBytes {
		return fmt.Errorf("%w: %d bytes exceeds %d byte ceiling", ErrPayloadTooLarge, total, MaxBundleBytes)
	}
	return nil
}
