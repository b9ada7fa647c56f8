package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeAgentFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadAgentFile(t *testing.T) {
	dir := t.TempDir()
	path := writeAgentFile(t, dir, "reviewer.yaml", `
name: reviewer
prompt: Review open pull requests.
workingDir: /srv/repo
runtime: external
model: sonnet
permissionMode: acceptEdits
allowedTools: [Read, Edit]
bashAllow: ["git *", "go test*"]
bashDeny: ["rm *"]
maxConcurrent: 3
sessionTimeout: 12h
schedules:
  - name: nightly
    type: cron
    cron: "0 2 * * *"
  - name: poll
    type: interval
    interval: 15m
    jitterPct: 10
toolServers:
  - name: tickets
    type: http
    url: http://localhost:9000/mcp
`)

	agent, err := LoadAgentFile(path)
	require.NoError(t, err)
	require.Equal(t, "reviewer", agent.Name)
	require.Equal(t, RuntimeExternal, agent.Runtime)
	require.Equal(t, PermissionAcceptEdits, agent.PermissionMode)
	require.Equal(t, 3, agent.MaxConcurrent)
	require.Equal(t, 12*time.Hour, agent.SessionTimeout)
	require.Equal(t, []string{"Read", "Edit", "Bash(git *)", "Bash(go test*)"}, agent.AllowedTools)
	require.Equal(t, []string{"Bash(rm *)"}, agent.DisallowedTools)
	require.Len(t, agent.Schedules, 2)
	require.Equal(t, "0 2 * * *", agent.Schedules[0].Cron)
	require.Equal(t, 10, agent.Schedules[1].JitterPct)
	require.Len(t, agent.ToolServers, 1)
}

func TestLoadAgentFileDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeAgentFile(t, dir, "minimal.yaml", "name: minimal\n")

	agent, err := LoadAgentFile(path)
	require.NoError(t, err)
	require.Equal(t, RuntimeDirect, agent.Runtime)
	require.Equal(t, PermissionDefault, agent.PermissionMode)
	require.Equal(t, 1, agent.MaxConcurrent)
	require.Equal(t, DefaultSessionTimeout, agent.SessionTimeout)
	require.False(t, agent.IsContainerized())
}

func TestLoadAgentFileRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()

	// Fleet-level container privileges in an agent file must be rejected, not
	// silently ignored. Strict decoding is the enforcement mechanism.
	for name, content := range map[string]string{
		"image.yaml":   "name: sneaky\ncontainer:\n  enabled: true\n  image: attacker/img\n",
		"mounts.yaml":  "name: sneaky\ncontainer:\n  enabled: true\n  extraMounts:\n    - source: /\n      target: /host\n",
		"network.yaml": "name: sneaky\ncontainer:\n  enabled: true\n  networkMode: host\n",
		"env.yaml":     "name: sneaky\nenv:\n  LD_PRELOAD: evil.so\n",
	} {
		path := writeAgentFile(t, dir, name, content)
		_, err := LoadAgentFile(path)
		require.ErrorIs(t, err, ErrConfig, "file %s must be rejected", name)
	}
}

func TestLoadAgentFileValidation(t *testing.T) {
	dir := t.TempDir()

	tests := map[string]string{
		"no name":           "prompt: hi\n",
		"bad runtime":       "name: a\nruntime: vm\n",
		"bad permission":    "name: a\npermissionMode: yolo\n",
		"bad timeout":       "name: a\nsessionTimeout: -1h\n",
		"interval missing":  "name: a\nschedules:\n  - name: s\n    type: interval\n",
		"cron missing":      "name: a\nschedules:\n  - name: s\n    type: cron\n",
		"bad type":          "name: a\nschedules:\n  - name: s\n    type: hourly\n",
		"dup schedule":      "name: a\nschedules:\n  - name: s\n    type: webhook\n  - name: s\n    type: chat\n",
		"process no cmd":    "name: a\ntoolServers:\n  - name: t\n    type: process\n",
		"http no url":       "name: a\ntoolServers:\n  - name: t\n    type: http\n",
		"bad server type":   "name: a\ntoolServers:\n  - name: t\n    type: grpc\n",
	}
	i := 0
	for name, content := range tests {
		path := writeAgentFile(t, dir, filepath.Base(t.Name())+string(rune('a'+i))+".yaml", content)
		i++
		_, err := LoadAgentFile(path)
		require.ErrorIs(t, err, ErrConfig, "case %q", name)
	}
}

func TestLoadAgentsDuplicateName(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "one.yaml", "name: same\n")
	writeAgentFile(t, dir, "two.yaml", "name: same\n")

	_, err := LoadAgents(dir)
	require.ErrorIs(t, err, ErrConfig)
	require.Contains(t, err.Error(), "same")
}

func TestLoadAgentsMissingDir(t *testing.T) {
	agents, err := LoadAgents(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	require.Nil(t, agents)
}

func TestLoadAgentsSortedByName(t *testing.T) {
	dir := t.TempDir()
	writeAgentFile(t, dir, "z.yaml", "name: zeta\n")
	writeAgentFile(t, dir, "a.yaml", "name: alpha\n")
	writeAgentFile(t, dir, "notes.txt", "ignored")

	agents, err := LoadAgents(dir)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	require.Equal(t, "alpha", agents[0].Name)
	require.Equal(t, "zeta", agents[1].Name)
}

func TestEnvInterpolation(t *testing.T) {
	t.Setenv("HERDCTL_TEST_MODEL", "opus")
	dir := t.TempDir()
	path := writeAgentFile(t, dir, "env.yaml", "name: a\nmodel: ${HERDCTL_TEST_MODEL}\nprompt: ${HERDCTL_TEST_UNSET}x\n")

	agent, err := LoadAgentFile(path)
	require.NoError(t, err)
	require.Equal(t, "opus", agent.Model)
	require.Equal(t, "x", agent.Prompt)
}

func TestBashToolPattern(t *testing.T) {
	require.Equal(t, "Bash(git *)", BashToolPattern("git *"))
}
