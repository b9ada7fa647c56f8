package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Job statuses. Transitions form the DAG
// pending -> running -> (completed | failed | cancelled).
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Exit reasons recorded on terminal jobs.
const (
	ExitSuccess      = "success"
	ExitEndTurn      = "end_turn"
	ExitStopSequence = "stop_sequence"
	ExitMaxTurns     = "max_turns"
	ExitTimeout      = "timeout"
	ExitInterrupt    = "interrupt"
	ExitError        = "error"
	ExitCancelled    = "cancelled"
)

// Trigger types recorded on jobs.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerWebhook  = "webhook"
	TriggerChat     = "chat"
	TriggerFork     = "fork"
)

// Job is the persisted record of one agent execution. It is owned by the
// job executor; no other component mutates it.
type Job struct {
	ID              string     `yaml:"id"`
	Agent           string     `yaml:"agent"`
	Schedule        string     `yaml:"schedule,omitempty"`
	TriggerType     string     `yaml:"trigger_type"`
	Status          string     `yaml:"status"`
	ExitReason      string     `yaml:"exit_reason,omitempty"`
	SessionID       string     `yaml:"session_id,omitempty"`
	ForkedFrom      string     `yaml:"forked_from,omitempty"`
	StartedAt       time.Time  `yaml:"started_at"`
	FinishedAt      *time.Time `yaml:"finished_at,omitempty"`
	DurationSeconds *float64   `yaml:"duration_seconds,omitempty"`
	Prompt          string     `yaml:"prompt"`
	Summary         string     `yaml:"summary,omitempty"`
	Error           string     `yaml:"error,omitempty"`
	OutputPath      string     `yaml:"output_path"`
}

// IsTerminal reports whether the job reached a terminal status.
func (j *Job) IsTerminal() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// JobRecordPath returns the path of the job's YAML record.
func (s *Store) JobRecordPath(jobID string) string {
	return filepath.Join(s.root, jobsDir, jobID+".yaml")
}

// JobLogPath returns the path of the job's JSON-lines message log.
func (s *Store) JobLogPath(jobID string) string {
	return filepath.Join(s.root, jobsDir, jobID+".jsonl")
}

// JobOutputDir returns the per-job directory holding the optional
// human-readable output.log.
func (s *Store) JobOutputDir(jobID string) string {
	return filepath.Join(s.root, jobsDir, jobID)
}

// WriteJob persists the job record atomically.
func (s *Store) WriteJob(job *Job) error {
	job.StartedAt = job.StartedAt.UTC()
	if job.FinishedAt != nil {
		t := job.FinishedAt.UTC()
		job.FinishedAt = &t
	}
	data, err := yaml.Marshal(job)
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", job.ID, err)
	}
	return s.WriteFile(s.JobRecordPath(job.ID), data)
}

// ReadJob loads a job record. Returns (nil, false, nil) when it does not exist.
func (s *Store) ReadJob(jobID string) (*Job, bool, error) {
	data, ok, err := s.ReadFile(s.JobRecordPath(jobID))
	if err != nil || !ok {
		return nil, ok, err
	}
	var job Job
	if err := yaml.Unmarshal(data, &job); err != nil {
		return nil, true, fmt.Errorf("decoding job %s: %w", jobID, err)
	}
	return &job, true, nil
}

// ListJobs returns all persisted jobs, newest first by start time.
func (s *Store) ListJobs() ([]*Job, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, jobsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing jobs: %w", err)
	}

	var jobs []*Job
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".yaml") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".yaml")
		job, ok, err := s.ReadJob(id)
		if err != nil {
			return nil, err
		}
		if ok {
			jobs = append(jobs, job)
		}
	}

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].StartedAt.After(jobs[j].StartedAt)
	})
	return jobs, nil
}

// AppendJobMessage appends one encoded message line to the job's log.
func (s *Store) AppendJobMessage(jobID string, line []byte) error {
	return s.AppendLine(s.JobLogPath(jobID), line)
}

// AppendHumanLog appends a timestamped human-readable line to the job's
// output.log, creating the job output directory on first use.
func (s *Store) AppendHumanLog(jobID string, now time.Time, text string) error {
	line := fmt.Sprintf("[%s] %s", now.UTC().Format(time.RFC3339), text)
	return s.AppendLine(filepath.Join(s.JobOutputDir(jobID), "output.log"), []byte(line))
}
