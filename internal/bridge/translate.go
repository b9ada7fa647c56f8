package bridge

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ContainerWorkspace is the fixed mount point of the agent working
// directory inside containers.
const ContainerWorkspace = "/workspace"

// TranslateWorkspacePaths rewrites the file_path argument from the
// container's view to the host-relative form: paths under /workspace/ lose
// the prefix, /workspace itself becomes ".". Other arguments pass through
// unchanged.
func TranslateWorkspacePaths(args map[string]any) (map[string]any, error) {
	raw, ok := args["file_path"].(string)
	if !ok {
		return args, nil
	}

	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = v
	}

	switch {
	case raw == ContainerWorkspace:
		out["file_path"] = "."
	case strings.HasPrefix(raw, ContainerWorkspace+"/"):
		out["file_path"] = strings.TrimPrefix(raw, ContainerWorkspace+"/")
	}
	return out, nil
}

// GuardWorkingDir returns an argument translator that first applies
// workspace path translation and then rejects any file_path that resolves
// outside workingDir. File-sending handlers rely on this to never read a
// file the agent should not reach.
func GuardWorkingDir(workingDir string) func(args map[string]any) (map[string]any, error) {
	return func(args map[string]any) (map[string]any, error) {
		out, err := TranslateWorkspacePaths(args)
		if err != nil {
			return nil, err
		}
		raw, ok := out["file_path"].(string)
		if !ok {
			return out, nil
		}
		if escapesDir(workingDir, raw) {
			return nil, fmt.Errorf("file path %q escapes working directory", raw)
		}
		return out, nil
	}
}

// escapesDir reports whether path, resolved against base, lands outside base.
func escapesDir(base, path string) bool {
	resolved := path
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(base, resolved)
	}
	resolved = filepath.Clean(resolved)

	absBase, err := filepath.Abs(base)
	if err != nil {
		return true
	}
	rel, err := filepath.Rel(absBase, resolved)
	if err != nil {
		return true
	}
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
