// Package runtime defines the execution backend abstraction: a Runtime
// turns one prompt into a lazy, finite stream of raw provider records.
// Three implementations exist: direct (provider library in-process),
// external (provider CLI with session log tailing) and the container
// decorator wrapping either.
package runtime

import (
	"context"
	"sync"

	"github.com/herdctl/herdctl/internal/bridge"
	"github.com/herdctl/herdctl/internal/common/config"
)

// Error codes surfaced in synthesized error records.
const (
	CodeCLINotFound = "CLI_NOT_FOUND"
	CodeCancelled   = "CANCELLED"
)

// Request describes one execution.
type Request struct {
	Prompt string
	Agent  *config.Agent
	// ResumeSession continues an existing provider session, if set.
	ResumeSession string
	// Fork branches the resumed session instead of appending to it.
	Fork bool
	// InjectedServers are in-process tool servers to expose to the agent.
	InjectedServers []*bridge.ServerDefinition
}

// Runtime is the uniform streaming interface to an execution backend.
// Run returns an initialization error synchronously; failures after the
// stream starts surface as error records or through Stream.Err. Cancelling
// ctx must terminate the underlying execution within a bounded time.
type Runtime interface {
	Run(ctx context.Context, req Request) (*Stream, error)
}

// Stream delivers raw provider records in yield order. It is finite and
// non-restartable; after Events is closed, Err reports the terminal error.
type Stream struct {
	events chan any

	mu  sync.Mutex
	err error
}

// NewStream creates a stream with a bounded event buffer.
func NewStream(buffer int) *Stream {
	return &Stream{events: make(chan any, buffer)}
}

// Events returns the record channel; closed when the stream ends.
func (s *Stream) Events() <-chan any { return s.events }

// Emit delivers one record, honoring cancellation.
// Returns false when ctx ended before delivery.
func (s *Stream) Emit(ctx context.Context, record any) bool {
	select {
	case s.events <- record:
		return true
	case <-ctx.Done():
		return false
	}
}

// Close ends the stream.
func (s *Stream) Close() { close(s.events) }

// Fail records the terminal error. Call before Close.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// Err returns the terminal error. Only valid after Events is closed.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
