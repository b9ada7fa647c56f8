// Package message defines the closed message variant set written to job
// output logs and the processor that normalizes raw runtime output into it.
package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message types. Every record in a job log is one of these.
const (
	// TypeSystem carries lifecycle and diagnostic records.
	TypeSystem = "system"
	// TypeAssistant carries assistant output.
	TypeAssistant = "assistant"
	// TypeToolUse records a tool invocation by the agent.
	TypeToolUse = "tool_use"
	// TypeToolResult records the outcome of a tool invocation.
	TypeToolResult = "tool_result"
	// TypeError records a terminal failure.
	TypeError = "error"
)

// System subtypes produced by the processor itself.
const (
	SubtypeInit             = "init"
	SubtypeMalformedMessage = "malformed_message"
	SubtypeUnknownType      = "unknown_type"
)

// System subtypes that terminate a stream.
const (
	SubtypeEnd        = "end"
	SubtypeComplete   = "complete"
	SubtypeSessionEnd = "session_end"
)

// Message is one record in a job's append-only output log. Type determines
// which fields are populated. Consumers must tolerate unknown fields.
type Message struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// For system messages
	Subtype   string `json:"subtype,omitempty"`
	Content   string `json:"content,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// For assistant messages
	Partial bool            `json:"partial,omitempty"`
	Usage   json.RawMessage `json:"usage,omitempty"`
	Summary string          `json:"summary,omitempty"`

	// For tool_use and tool_result messages
	ToolName  string          `json:"tool_name,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Success   *bool           `json:"success,omitempty"`

	// For error messages
	ErrorMessage string `json:"message,omitempty"`
	Code         string `json:"code,omitempty"`
	Stack        string `json:"stack,omitempty"`
}

// Encode renders the message as one JSON log line (without trailing newline).
func (m *Message) Encode() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding message: %w", err)
	}
	return data, nil
}

// Decode parses one JSON log line, tolerating unknown fields.
func Decode(line []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	return &m, nil
}

// NewSystem builds a system message.
func NewSystem(subtype, content string) *Message {
	return &Message{
		Type:      TypeSystem,
		Timestamp: time.Now().UTC(),
		Subtype:   subtype,
		Content:   content,
	}
}

// NewError builds an error message.
func NewError(msg, code string) *Message {
	return &Message{
		Type:         TypeError,
		Timestamp:    time.Now().UTC(),
		ErrorMessage: msg,
		Code:         code,
	}
}
