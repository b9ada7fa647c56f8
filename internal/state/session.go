package state

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"
)

// Session modes.
const (
	SessionAutonomous  = "autonomous"
	SessionInteractive = "interactive"
	SessionReview      = "review"
)

// SessionRecord tracks the provider session an agent resumes across jobs.
// It is replaced, never merged, when a fresh session is established.
type SessionRecord struct {
	AgentName  string    `json:"agent_name"`
	SessionID  string    `json:"session_id"`
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
	JobCount   int       `json:"job_count"`
	Mode       string    `json:"mode"`
}

// LocallyValid reports whether the session is still usable without asking
// the server, given the agent's session timeout.
func (r *SessionRecord) LocallyValid(now time.Time, timeout time.Duration) bool {
	return now.Sub(r.LastUsedAt) <= timeout
}

// SessionPath returns the path of an agent's session record.
func (s *Store) SessionPath(agentName string) string {
	return filepath.Join(s.root, sessionsDir, agentName+".json")
}

// ReadSession loads an agent's session record.
// Returns (nil, false, nil) when no session has been recorded.
func (s *Store) ReadSession(agentName string) (*SessionRecord, bool, error) {
	data, ok, err := s.ReadFile(s.SessionPath(agentName))
	if err != nil || !ok {
		return nil, ok, err
	}
	var rec SessionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, true, fmt.Errorf("decoding session for %s: %w", agentName, err)
	}
	return &rec, true, nil
}

// WriteSession persists an agent's session record atomically.
func (s *Store) WriteSession(rec *SessionRecord) error {
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.LastUsedAt = rec.LastUsedAt.UTC()
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session for %s: %w", rec.AgentName, err)
	}
	return s.WriteFile(s.SessionPath(rec.AgentName), data)
}

// ClearSession removes an agent's session record.
func (s *Store) ClearSession(agentName string) error {
	return s.Remove(s.SessionPath(agentName))
}

// UpsertSession creates or replaces the session record for agentName with
// sessionID. A changed id resets the record; the same id refreshes
// last_used_at and increments job_count.
func (s *Store) UpsertSession(agentName, sessionID string, now time.Time) error {
	existing, ok, err := s.ReadSession(agentName)
	if err != nil {
		return err
	}

	rec := &SessionRecord{
		AgentName:  agentName,
		SessionID:  sessionID,
		CreatedAt:  now,
		LastUsedAt: now,
		JobCount:   1,
		Mode:       SessionAutonomous,
	}
	if ok && existing.SessionID == sessionID {
		rec.CreatedAt = existing.CreatedAt
		rec.JobCount = existing.JobCount + 1
		rec.Mode = existing.Mode
	}
	return s.WriteSession(rec)
}
