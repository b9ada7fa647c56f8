package config

import (
	"fmt"
	"time"
)

// Runtime kinds for agent execution.
const (
	RuntimeDirect   = "direct"
	RuntimeExternal = "external"
)

// Permission modes accepted by the provider.
const (
	PermissionDefault           = "default"
	PermissionAcceptEdits       = "acceptEdits"
	PermissionBypassPermissions = "bypassPermissions"
	PermissionPlan              = "plan"
)

// Schedule trigger types.
const (
	TriggerInterval = "interval"
	TriggerCron     = "cron"
	TriggerWebhook  = "webhook"
	TriggerChat     = "chat"
)

// DefaultSessionTimeout is how long an agent session stays locally valid
// without being used.
const DefaultSessionTimeout = 24 * time.Hour

// Agent is a resolved, immutable agent record. The scheduler holds a shared
// snapshot of these and may swap the snapshot atomically; nothing mutates an
// Agent after loading.
type Agent struct {
	Name           string
	Prompt         string
	WorkingDir     string
	Runtime        string // direct | external
	Model          string
	PermissionMode string
	AllowedTools   []string
	DisallowedTools []string
	MaxConcurrent  int
	SessionTimeout time.Duration
	Container      *ContainerSettings
	Schedules      []Schedule
	ToolServers    []ToolServer
}

// Schedule is a named trigger rule belonging to an agent.
type Schedule struct {
	Name       string
	Type       string // interval | cron | webhook | chat
	Interval   string // interval literal, e.g. "5m"
	Cron       string // cron expression or @shorthand
	Prompt     string
	WorkSource string
	JitterPct  int
}

// ContainerSettings is the agent-level containerization config. Only fields
// that cannot weaken isolation live here; image, network, extra mounts, env
// and raw host-config overrides are fleet-level (config.DockerConfig).
type ContainerSettings struct {
	Enabled           bool   `yaml:"enabled"`
	Persistent        bool   `yaml:"persistent"` // reuse one container per agent
	ReadOnlyWorkspace bool   `yaml:"readOnlyWorkspace"`
	MemoryLimit       string `yaml:"memoryLimit"` // e.g. "2g"
	CPUQuota          int64  `yaml:"cpuQuota"`
	CPUShares         int64  `yaml:"cpuShares"`
	PidsLimit         int64  `yaml:"pidsLimit"`
	MaxContainers     int    `yaml:"maxContainers"`
	Tmpfs             []string `yaml:"tmpfs"`
}

// Tool server kinds.
const (
	ToolServerProcess  = "process"
	ToolServerHTTP     = "http"
	ToolServerInjected = "injected"
)

// ToolServer describes an MCP tool server available to the agent.
// Process and HTTP servers are passed through to the provider; injected
// servers are hosted in the supervisor process.
type ToolServer struct {
	Name    string
	Type    string // process | http | injected
	Command string
	Args    []string
	URL     string
	Env     map[string]string
}

// ScheduleByName returns the named schedule, or nil.
func (a *Agent) ScheduleByName(name string) *Schedule {
	for i := range a.Schedules {
		if a.Schedules[i].Name == name {
			return &a.Schedules[i]
		}
	}
	return nil
}

// IsContainerized reports whether jobs for this agent run inside a container.
func (a *Agent) IsContainerized() bool {
	return a.Container != nil && a.Container.Enabled
}

// BashToolPattern translates a bash command pattern into the provider's
// tool-name pattern form, e.g. "git *" -> "Bash(git *)".
func BashToolPattern(pattern string) string {
	return fmt.Sprintf("Bash(%s)", pattern)
}
