package container

import (
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/require"
)

func TestMergeHostConfigOverrideWins(t *testing.T) {
	base := &container.HostConfig{
		NetworkMode: "bridge",
		CapDrop:     []string{"ALL"},
	}
	merged, err := mergeHostConfig(base, map[string]any{
		"NetworkMode": "none",
		"CapAdd":      []any{"NET_ADMIN"},
	})
	require.NoError(t, err)
	require.Equal(t, container.NetworkMode("none"), merged.NetworkMode)
	require.Equal(t, []string{"NET_ADMIN"}, []string(merged.CapAdd))
	// Untouched keys survive.
	require.Equal(t, []string{"ALL"}, []string(merged.CapDrop))
}

func TestMergeHostConfigArraysReplace(t *testing.T) {
	base := &container.HostConfig{CapDrop: []string{"ALL"}}
	merged, err := mergeHostConfig(base, map[string]any{
		"CapDrop": []any{"NET_RAW"},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"NET_RAW"}, []string(merged.CapDrop))
}

func TestMergeHostConfigNestedMerge(t *testing.T) {
	base := &container.HostConfig{}
	base.Memory = 1024

	merged, err := mergeHostConfig(base, map[string]any{
		"Tmpfs": map[string]any{"/tmp": "size=64m"},
	})
	require.NoError(t, err)
	require.Equal(t, int64(1024), merged.Memory)
	require.Equal(t, map[string]string{"/tmp": "size=64m"}, merged.Tmpfs)
}

func TestMergeHostConfigRejectsBadShape(t *testing.T) {
	_, err := mergeHostConfig(&container.HostConfig{}, map[string]any{
		"Memory": "not a number",
	})
	require.Error(t, err)
}

func TestMergeHostConfigEmptyOverride(t *testing.T) {
	base := &container.HostConfig{NetworkMode: "bridge"}
	merged, err := mergeHostConfig(base, nil)
	require.NoError(t, err)
	require.Equal(t, base.NetworkMode, merged.NetworkMode)
}

func TestParseMemoryLimit(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{in: "", want: 0},
		{in: "512m", want: 512 * 1024 * 1024},
		{in: "2g", want: 2 * 1024 * 1024 * 1024},
		{in: "1024", want: 1024},
		{in: "lots", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseMemoryLimit(tt.in)
		if tt.wantErr {
			require.Error(t, err, "limit %q", tt.in)
			continue
		}
		require.NoError(t, err, "limit %q", tt.in)
		require.Equal(t, tt.want, got, "limit %q", tt.in)
	}
}
