package claudecode

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptionsArgs(t *testing.T) {
	opts := Options{
		Model:           "sonnet",
		PermissionMode:  "acceptEdits",
		AllowedTools:    []string{"Read", "Bash(git *)"},
		DisallowedTools: []string{"WebFetch"},
		Resume:          "sess-1",
		ForkSession:     true,
		MCPConfigPath:   "/tmp/mcp.json",
	}

	args := opts.Args("do the thing")
	require.Equal(t, []string{
		"--print", "--verbose", "--output-format", "stream-json",
		"--model", "sonnet",
		"--permission-mode", "acceptEdits",
		"--allowedTools", "Read,Bash(git *)",
		"--disallowedTools", "WebFetch",
		"--resume", "sess-1",
		"--fork-session",
		"--mcp-config", "/tmp/mcp.json",
		"do the thing",
	}, args)
}

func TestOptionsArgsBypassPermissions(t *testing.T) {
	opts := Options{PermissionMode: "bypassPermissions"}
	require.Contains(t, opts.Args("p"), "--dangerously-skip-permissions")
	require.NotContains(t, opts.Args("p"), "--permission-mode")
}

func TestOptionsArgsDefaultPermissionOmitted(t *testing.T) {
	opts := Options{PermissionMode: "default"}
	require.NotContains(t, opts.Args("p"), "--permission-mode")
}

func TestOptionsArgsForkRequiresResume(t *testing.T) {
	opts := Options{ForkSession: true}
	require.NotContains(t, opts.Args("p"), "--fork-session")
}

func TestOptionsArgsStdin(t *testing.T) {
	opts := Options{Model: "sonnet"}
	args := opts.ArgsStdin()
	require.Equal(t, []string{
		"--print", "--verbose", "--output-format", "stream-json",
		"--model", "sonnet",
	}, args)
}

func TestEncodeProjectDir(t *testing.T) {
	require.Equal(t, "-workspace", EncodeProjectDir("/workspace"))
	require.Equal(t, "-srv-repo-app", EncodeProjectDir("/srv/repo.app"))
}

func TestSessionLogDir(t *testing.T) {
	require.Equal(t, "/home/u/.claude/projects/-workspace", SessionLogDir("/home/u/.claude", "/workspace"))
}
