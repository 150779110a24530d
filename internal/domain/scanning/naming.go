package scanning

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// Artifact names are derived deterministically from the (scanId, scannerId)
// idempotency key so that re-triggering a scan addresses the same objects
// instead of creating duplicates. The key is hashed and truncated to keep
// names within the substrate's RFC 1123 length limits while leaving room for
// the pod name suffix the scheduler appends.
const (
	bundleNamePrefix = "scan-src-"
	unitNamePrefix   = "scan-unit-"

	// keyHashLen is the number of hex characters of the key hash kept in
	// artifact names. 24 hex chars (96 bits) makes collisions implausible.
	keyHashLen = 24
)

// ScanKey is the (scanId, scannerId) idempotency key for all artifact
// creation operations.
type ScanKey struct {
	ScanID    uuid.UUID
	ScannerID string
}

// String renders the key for logging.
func (k ScanKey) String() string { return fmt.Sprintf("%s/%s", k.ScanID, k.ScannerID) }

func (k ScanKey) hash() string {
	h := sha256.Sum256([]byte(k.ScanID.String() + "\x00" + k.ScannerID))
	return hex.EncodeToString(h[:])[:keyHashLen]
}

// BundleName returns the deterministic name of the source bundle for this key.
func (k ScanKey) BundleName() string { return bundleNamePrefix + k.hash() }

// UnitName returns the deterministic name of the execution unit for this key.
func (k ScanKey) UnitName() string { return unitNamePrefix + k.hash() }

// BundleDigest derives a stable content digest over a named file set. Bundle
// creation uses it to distinguish an idempotent re-create (same digest) from
// a conflicting reuse of the scan id (different digest).
func BundleDigest(files map[string]string) string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	// Insertion order of the map must not influence the digest.
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(name))
		h.Write([]byte{0})
		h.Write([]byte(files[name]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
