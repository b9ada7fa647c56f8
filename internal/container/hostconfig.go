package container

import (
	"encoding/json"
	"fmt"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-units"
)

// mergeHostConfig deep-merges the fleet-level raw override onto the computed
// host config. Override keys use the Docker API JSON names (CapAdd,
// NetworkMode, Devices, ...). The merge is last-writer-wins per key; nested
// objects merge recursively, arrays replace.
func mergeHostConfig(base *container.HostConfig, override map[string]any) (*container.HostConfig, error) {
	raw, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		return nil, err
	}

	merged := mergeMaps(asMap, override)

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	var result container.HostConfig
	if err := json.Unmarshal(out, &result); err != nil {
		return nil, fmt.Errorf("override does not fit the host config shape: %w", err)
	}
	return &result, nil
}

func mergeMaps(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		if ov, ok := v.(map[string]any); ok {
			if bv, ok := out[k].(map[string]any); ok {
				out[k] = mergeMaps(bv, ov)
				continue
			}
		}
		out[k] = v
	}
	return out
}

// parseMemoryLimit converts a human size like "2g" or "512m" to bytes.
// Empty means unlimited.
func parseMemoryLimit(limit string) (int64, error) {
	if limit == "" {
		return 0, nil
	}
	bytes, err := units.RAMInBytes(limit)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q: %w", limit, err)
	}
	return bytes, nil
}
