package state

import (
	"fmt"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Schedule statuses.
const (
	ScheduleIdle     = "idle"
	ScheduleRunning  = "running"
	ScheduleDisabled = "disabled"
)

// ScheduleState is the persisted shadow of a schedule's run state. It is
// written only by the schedule runner around each execution; while the
// supervisor is up, the scheduler's in-memory running set is the source of
// truth.
type ScheduleState struct {
	Status    string     `yaml:"status"`
	LastRunAt *time.Time `yaml:"last_run_at,omitempty"`
	NextRunAt *time.Time `yaml:"next_run_at,omitempty"`
	LastError string     `yaml:"last_error,omitempty"`
}

// SchedulePath returns the path of the persisted state for (agent, schedule).
func (s *Store) SchedulePath(agentName, scheduleName string) string {
	return filepath.Join(s.root, schedulesDir, agentName, scheduleName+".yaml")
}

// ReadScheduleState loads the state for (agent, schedule).
// A missing file reads as an idle schedule that has never run.
func (s *Store) ReadScheduleState(agentName, scheduleName string) (*ScheduleState, error) {
	data, ok, err := s.ReadFile(s.SchedulePath(agentName, scheduleName))
	if err != nil {
		return nil, err
	}
	if !ok {
		return &ScheduleState{Status: ScheduleIdle}, nil
	}
	var st ScheduleState
	if err := yaml.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("decoding schedule state %s/%s: %w", agentName, scheduleName, err)
	}
	return &st, nil
}

// WriteScheduleState persists the state for (agent, schedule) atomically.
func (s *Store) WriteScheduleState(agentName, scheduleName string, st *ScheduleState) error {
	if st.LastRunAt != nil {
		t := st.LastRunAt.UTC()
		st.LastRunAt = &t
	}
	if st.NextRunAt != nil {
		t := st.NextRunAt.UTC()
		st.NextRunAt = &t
	}
	data, err := yaml.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding schedule state %s/%s: %w", agentName, scheduleName, err)
	}
	return s.WriteFile(s.SchedulePath(agentName, scheduleName), data)
}
