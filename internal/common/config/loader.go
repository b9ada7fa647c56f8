package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfig indicates an invalid or missing configuration; the supervisor
// refuses to start when agent loading fails with it.
var ErrConfig = errors.New("config error")

// agentFile is the on-disk shape of an agent definition.
type agentFile struct {
	Name            string             `yaml:"name"`
	Prompt          string             `yaml:"prompt"`
	WorkingDir      string             `yaml:"workingDir"`
	Runtime         string             `yaml:"runtime"`
	Model           string             `yaml:"model"`
	PermissionMode  string             `yaml:"permissionMode"`
	AllowedTools    []string           `yaml:"allowedTools"`
	DisallowedTools []string           `yaml:"disallowedTools"`
	BashAllow       []string           `yaml:"bashAllow"`
	BashDeny        []string           `yaml:"bashDeny"`
	MaxConcurrent   int                `yaml:"maxConcurrent"`
	SessionTimeout  string             `yaml:"sessionTimeout"`
	Container       *ContainerSettings `yaml:"container"`
	Schedules       []scheduleFile     `yaml:"schedules"`
	ToolServers     []toolServerFile   `yaml:"toolServers"`
}

type scheduleFile struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Interval   string `yaml:"interval"`
	Cron       string `yaml:"cron"`
	Prompt     string `yaml:"prompt"`
	WorkSource string `yaml:"workSource"`
	JitterPct  int    `yaml:"jitterPct"`
}

type toolServerFile struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	URL     string            `yaml:"url"`
	Env     map[string]string `yaml:"env"`
}

// LoadAgents reads every *.yaml file in dir and resolves it into an Agent
// record. Unknown YAML fields are rejected: agent files must not carry
// fleet-level container privileges (image, network, mounts, env overrides),
// and strict decoding is what enforces that boundary.
func LoadAgents(dir string) ([]*Agent, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: reading agent dir %s: %v", ErrConfig, dir, err)
	}

	var agents []*Agent
	seen := make(map[string]string)
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		agent, err := LoadAgentFile(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[agent.Name]; dup {
			return nil, fmt.Errorf("%w: agent %q defined in both %s and %s", ErrConfig, agent.Name, prev, path)
		}
		seen[agent.Name] = path
		agents = append(agents, agent)
	}

	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents, nil
}

// LoadAgentFile loads a single agent definition file.
func LoadAgentFile(path string) (*Agent, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrConfig, path, err)
	}

	var af agentFile
	dec := yaml.NewDecoder(strings.NewReader(interpolateEnv(string(raw))))
	dec.KnownFields(true)
	if err := dec.Decode(&af); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", ErrConfig, path, err)
	}

	agent, err := resolveAgent(&af)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConfig, path, err)
	}
	return agent, nil
}

func resolveAgent(af *agentFile) (*Agent, error) {
	if af.Name == "" {
		return nil, fmt.Errorf("agent name is required")
	}
	if af.Runtime == "" {
		af.Runtime = RuntimeDirect
	}
	if af.Runtime != RuntimeDirect && af.Runtime != RuntimeExternal {
		return nil, fmt.Errorf("unknown runtime kind %q", af.Runtime)
	}
	if af.PermissionMode == "" {
		af.PermissionMode = PermissionDefault
	}
	switch af.PermissionMode {
	case PermissionDefault, PermissionAcceptEdits, PermissionBypassPermissions, PermissionPlan:
	default:
		return nil, fmt.Errorf("unknown permission mode %q", af.PermissionMode)
	}

	maxConcurrent := af.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}

	sessionTimeout := DefaultSessionTimeout
	if af.SessionTimeout != "" {
		d, err := time.ParseDuration(af.SessionTimeout)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid sessionTimeout %q", af.SessionTimeout)
		}
		sessionTimeout = d
	}

	allowed := append([]string(nil), af.AllowedTools...)
	for _, p := range af.BashAllow {
		allowed = append(allowed, BashToolPattern(p))
	}
	disallowed := append([]string(nil), af.DisallowedTools...)
	for _, p := range af.BashDeny {
		disallowed = append(disallowed, BashToolPattern(p))
	}

	var schedules []Schedule
	scheduleNames := make(map[string]bool)
	for _, sf := range af.Schedules {
		if sf.Name == "" {
			return nil, fmt.Errorf("schedule name is required")
		}
		if scheduleNames[sf.Name] {
			return nil, fmt.Errorf("duplicate schedule %q", sf.Name)
		}
		scheduleNames[sf.Name] = true
		switch sf.Type {
		case TriggerInterval:
			if sf.Interval == "" {
				return nil, fmt.Errorf("schedule %q: interval is required", sf.Name)
			}
		case TriggerCron:
			if sf.Cron == "" {
				return nil, fmt.Errorf("schedule %q: cron expression is required", sf.Name)
			}
		case TriggerWebhook, TriggerChat:
			// Inert to the scheduler; driven by external front-ends.
		default:
			return nil, fmt.Errorf("schedule %q: unknown type %q", sf.Name, sf.Type)
		}
		schedules = append(schedules, Schedule{
			Name:       sf.Name,
			Type:       sf.Type,
			Interval:   sf.Interval,
			Cron:       sf.Cron,
			Prompt:     sf.Prompt,
			WorkSource: sf.WorkSource,
			JitterPct:  sf.JitterPct,
		})
	}

	var servers []ToolServer
	for _, tf := range af.ToolServers {
		switch tf.Type {
		case ToolServerProcess:
			if tf.Command == "" {
				return nil, fmt.Errorf("tool server %q: command is required", tf.Name)
			}
		case ToolServerHTTP:
			if tf.URL == "" {
				return nil, fmt.Errorf("tool server %q: url is required", tf.Name)
			}
		case ToolServerInjected:
		default:
			return nil, fmt.Errorf("tool server %q: unknown type %q", tf.Name, tf.Type)
		}
		servers = append(servers, ToolServer{
			Name:    tf.Name,
			Type:    tf.Type,
			Command: tf.Command,
			Args:    tf.Args,
			URL:     tf.URL,
			Env:     tf.Env,
		})
	}

	return &Agent{
		Name:            af.Name,
		Prompt:          af.Prompt,
		WorkingDir:      af.WorkingDir,
		Runtime:         af.Runtime,
		Model:           af.Model,
		PermissionMode:  af.PermissionMode,
		AllowedTools:    allowed,
		DisallowedTools: disallowed,
		MaxConcurrent:   maxConcurrent,
		SessionTimeout:  sessionTimeout,
		Container:       af.Container,
		Schedules:       schedules,
		ToolServers:     servers,
	}, nil
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// interpolateEnv replaces ${VAR} references with environment values.
// Unset variables resolve to the empty string.
func interpolateEnv(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(m string) string {
		return os.Getenv(envPattern.FindStringSubmatch(m)[1])
	})
}
