package scanners

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SolidityOps/scan-engine/internal/domain/scanning"
)

func TestRegistryResolve(t *testing.T) {
	registry, err := NewRegistry(
		Slither("", ResourceProfile{}),
		Mythril("", ResourceProfile{}),
	)
	require.NoError(t, err)

	d, err := registry.Resolve("slither")
	require.NoError(t, err)
	assert.Equal(t, "slither", d.ID)
	assert.NotEmpty(t, d.Image)
	assert.Equal(t, 3, d.Profile.MaxRetries)
	assert.NotZero(t, d.Profile.Timeout)

	_, err = registry.Resolve("foo")
	require.Error(t, err)
	assert.ErrorIs(t, err, scanning.ErrUnknownScanner)
}

func TestRegistryRejectsInvalidDescriptors(t *testing.T) {
	tests := []struct {
		name        string
		descriptors []Descriptor
	}{
		{
			name:        "empty id",
			descriptors: []Descriptor{{Image: "img", Command: func(string) []string { return nil }, Parse: parseSlitherReport}},
		},
		{
			name: "duplicate id",
			descriptors: []Descriptor{
				Slither("", ResourceProfile{}),
				Slither("", ResourceProfile{}),
			},
		},
		{
			name:        "missing parser",
			descriptors: []Descriptor{{ID: "x", Image: "img", Command: func(string) []string { return nil }}},
		},
		{
			name:        "missing command",
			descriptors: []Descriptor{{ID: "x", Image: "img", Parse: parseSlitherReport}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.descriptors...)
			assert.Error(t, err)
		})
	}
}

func TestCommandTemplatesReferenceMountPath(t *testing.T) {
	registry, err := NewRegistry(
		Slither("", ResourceProfile{}),
		Mythril("", ResourceProfile{}),
	)
	require.NoError(t, err)

	for _, id := range registry.IDs() {
		d, err := registry.Resolve(id)
		require.NoError(t, err)

		argv := d.Command("/workspace/source")
		require.NotEmpty(t, argv)

		var referencesMount bool
		for _, arg := range argv {
			if strings.Contains(arg, "/workspace/source") {
				referencesMount = true
			}
		}
		assert.True(t, referencesMount, "scanner %s argv must reference the mount path", id)
	}
}

func TestDescriptorUnitSpec(t *testing.T) {
	d := Slither("custom/slither:v1", ResourceProfile{CPULimit: "2"})
	key := scanning.ScanKey{ScannerID: "slither"}
	bundle := scanning.BundleRef{Name: key.BundleName(), Namespace: "scans"}

	spec := d.UnitSpec(key, bundle, "/workspace/source", 0)

	assert.Equal(t, "custom/slither:v1", spec.Image)
	assert.Equal(t, "2", spec.CPULimit)
	assert.Equal(t, "250m", spec.CPURequest)
	assert.Equal(t, bundle, spec.Bundle)
	assert.Equal(t, 3, spec.MaxRetries)
}
