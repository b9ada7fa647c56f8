// Package claudecode provides types and a client for the Claude Code CLI
// stream-json protocol. The CLI emits one JSON object per stdout line; this
// package launches the CLI, decodes the stream and exposes it as a channel
// of raw records.
package claudecode

import (
	"path/filepath"
	"regexp"
	"strings"
)

// DefaultBinary is the provider CLI looked up on PATH when no explicit
// binary is configured.
const DefaultBinary = "claude"

// Message types emitted by the CLI.
const (
	// MessageTypeSystem is the initial system message with session info.
	MessageTypeSystem = "system"
	// MessageTypeAssistant contains text from the assistant.
	MessageTypeAssistant = "assistant"
	// MessageTypeResult is the final result message.
	MessageTypeResult = "result"
	// MessageTypeError reports a failure.
	MessageTypeError = "error"
)

// Options configures a single CLI invocation.
type Options struct {
	// Binary overrides the CLI executable (default "claude").
	Binary string
	// Model selects the model, if set.
	Model string
	// PermissionMode is one of default, acceptEdits, bypassPermissions, plan.
	PermissionMode string
	// AllowedTools and DisallowedTools are tool name patterns.
	AllowedTools    []string
	DisallowedTools []string
	// WorkingDir is the agent working directory.
	WorkingDir string
	// Resume is a session id to continue, if set.
	Resume string
	// ForkSession asks the provider to branch the resumed session instead
	// of appending to it.
	ForkSession bool
	// MCPConfigPath points at a JSON file declaring MCP tool servers.
	MCPConfigPath string
	// Env is added to the child process environment.
	Env map[string]string
}

// Args renders the CLI argument list for a prompt, excluding the binary.
func (o *Options) Args(prompt string) []string {
	args := []string{"--print", "--verbose", "--output-format", "stream-json"}
	if o.Model != "" {
		args = append(args, "--model", o.Model)
	}
	if o.PermissionMode == "bypassPermissions" {
		args = append(args, "--dangerously-skip-permissions")
	} else if o.PermissionMode != "" && o.PermissionMode != "default" {
		args = append(args, "--permission-mode", o.PermissionMode)
	}
	if len(o.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(o.AllowedTools, ","))
	}
	if len(o.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(o.DisallowedTools, ","))
	}
	if o.Resume != "" {
		args = append(args, "--resume", o.Resume)
		if o.ForkSession {
			args = append(args, "--fork-session")
		}
	}
	if o.MCPConfigPath != "" {
		args = append(args, "--mcp-config", o.MCPConfigPath)
	}
	args = append(args, prompt)
	return args
}

// ArgsStdin renders the argument list when the prompt is delivered on stdin
// instead of argv.
func (o *Options) ArgsStdin() []string {
	args := o.Args("")
	return args[:len(args)-1]
}

var projectEncoding = regexp.MustCompile(`[^A-Za-z0-9]`)

// EncodeProjectDir encodes a working directory the way the provider encodes
// its per-project session directory name: every non-alphanumeric character
// becomes a dash. "/workspace" encodes to "-workspace".
func EncodeProjectDir(workingDir string) string {
	abs := workingDir
	if !filepath.IsAbs(abs) {
		if a, err := filepath.Abs(abs); err == nil {
			abs = a
		}
	}
	return projectEncoding.ReplaceAllString(abs, "-")
}

// SessionLogDir returns the provider's session log directory for a working
// directory, rooted at the user's provider config dir.
func SessionLogDir(configDir, workingDir string) string {
	return filepath.Join(configDir, "projects", EncodeProjectDir(workingDir))
}
