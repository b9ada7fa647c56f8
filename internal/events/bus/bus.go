// Package bus provides the herdctl event bus: job lifecycle events
// published by the executor and consumed by the fleet manager (live log
// follow) and by remote front-ends over NATS.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/herdctl/herdctl/internal/common/config"
	"github.com/herdctl/herdctl/internal/common/logger"
)

// Job lifecycle event types.
const (
	JobStarted   = "job.started"
	JobMessage   = "job.message"
	JobCompleted = "job.completed"
	JobFailed    = "job.failed"
	JobCancelled = "job.cancelled"
)

// Event is one message on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Agent     string         `json:"agent"`
	JobID     string         `json:"job_id"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent creates an event with a fresh id and current timestamp.
func NewEvent(eventType, agent, jobID string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Agent:     agent,
		JobID:     jobID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// AllJobsSubject matches every job event of every agent.
const AllJobsSubject = "herdctl.job.>"

// JobSubject returns the subject an event for (agent, jobID) is published
// on. Subscribers use NATS wildcards, e.g. "herdctl.job.*.>" for all agents
// or "herdctl.job.reviewer.>" for one.
func JobSubject(agent, jobID string) string {
	return fmt.Sprintf("herdctl.job.%s.%s", agent, jobID)
}

// EventHandler handles one delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the publish/subscribe surface shared by the in-memory and
// NATS implementations.
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	// QueueSubscribe delivers each event to one member of the queue group.
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}

// New selects the bus implementation: NATS when a URL is configured, the
// in-memory bus otherwise.
func New(cfg config.NATSConfig, log *logger.Logger) (EventBus, error) {
	if cfg.URL == "" {
		return NewMemoryEventBus(log), nil
	}
	return NewNATSEventBus(cfg, log)
}
