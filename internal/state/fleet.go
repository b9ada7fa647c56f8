package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FleetState is the top-level persisted fleet view, owned by the fleet
// manager and written atomically on each transition.
type FleetState struct {
	StartedAt time.Time             `yaml:"started_at"`
	Agents    map[string]AgentView  `yaml:"agents,omitempty"`
}

// AgentView is the per-agent status view derived from job records and
// schedule state.
type AgentView struct {
	Status      string     `yaml:"status"` // idle | running
	RunningJobs int        `yaml:"running_jobs"`
	LastJobID   string     `yaml:"last_job_id,omitempty"`
	LastRunAt   *time.Time `yaml:"last_run_at,omitempty"`
}

// FleetStatePath returns the path of the fleet state file.
func (s *Store) FleetStatePath() string {
	return filepath.Join(s.root, fleetStateFile)
}

// ReadFleetState loads the fleet state.
// Returns (nil, false, nil) before the supervisor has ever started.
func (s *Store) ReadFleetState() (*FleetState, bool, error) {
	data, ok, err := s.ReadFile(s.FleetStatePath())
	if err != nil || !ok {
		return nil, ok, err
	}
	var fs FleetState
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return nil, true, fmt.Errorf("decoding fleet state: %w", err)
	}
	return &fs, true, nil
}

// WriteFleetState persists the fleet state atomically.
func (s *Store) WriteFleetState(fs *FleetState) error {
	fs.StartedAt = fs.StartedAt.UTC()
	data, err := yaml.Marshal(fs)
	if err != nil {
		return fmt.Errorf("encoding fleet state: %w", err)
	}
	return s.WriteFile(s.FleetStatePath(), data)
}

// PIDPath returns the path of the supervisor PID file.
func (s *Store) PIDPath() string {
	return filepath.Join(s.root, pidFile)
}

// WritePID records the supervisor's process id.
func (s *Store) WritePID(pid int) error {
	return s.WriteFile(s.PIDPath(), []byte(strconv.Itoa(pid)))
}

// ReadPID returns the recorded supervisor pid.
// Returns (0, false, nil) when no supervisor is running (modulo crash).
func (s *Store) ReadPID() (int, bool, error) {
	data, ok, err := s.ReadFile(s.PIDPath())
	if err != nil || !ok {
		return 0, ok, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, true, fmt.Errorf("parsing pid file: %w", err)
	}
	return pid, true, nil
}

// RemovePID removes the PID file.
func (s *Store) RemovePID() error {
	return s.Remove(s.PIDPath())
}

// DockerSessionDir returns the host-side directory mounted into an agent's
// container for session log files. The provider encodes the session
// directory from the working directory; inside the container that is always
// /workspace, which encodes to "-workspace".
func (s *Store) DockerSessionDir(agentName string) string {
	return filepath.Join(s.DockerConfigDir(agentName), "projects", "-workspace")
}

// DockerConfigDir returns the host-side directory mounted as the provider
// config dir of an agent's container.
func (s *Store) DockerConfigDir(agentName string) string {
	return filepath.Join(s.root, DockerSessionsDir, agentName)
}

// EnsureDockerSessionDir creates the per-agent docker session directory.
func (s *Store) EnsureDockerSessionDir(agentName string) (string, error) {
	dir := s.DockerSessionDir(agentName)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating docker session dir: %w", err)
	}
	return dir, nil
}
