package message

import (
	"encoding/json"
	"fmt"
	"time"
)

// summaryLimit caps summaries extracted from assistant messages.
const summaryLimit = 500

// Processed is the result of normalizing one raw runtime record.
type Processed struct {
	Message *Message
	// IsFinal marks records that terminate the stream.
	IsFinal bool
	// SessionID is set only for system init records carrying one.
	SessionID string
}

// Process normalizes a raw value produced by a runtime into the closed
// message variant set. It is total: any input, including nil, scalars,
// arrays and objects with a missing or non-string type, produces exactly
// one message and never an error. A single bad record must not terminate a
// run, so malformed input collapses to a system record, never to an error
// record.
func Process(raw any) Processed {
	obj, ok := raw.(map[string]any)
	if !ok {
		return Processed{Message: NewSystem(SubtypeMalformedMessage,
			fmt.Sprintf("unprocessable message of type %T: %v", raw, raw))}
	}

	typeVal, present := obj["type"]
	typeStr, isString := typeVal.(string)
	if !present || !isString {
		return Processed{Message: NewSystem(SubtypeMalformedMessage,
			fmt.Sprintf("message without a usable type field: %v", typeVal))}
	}

	switch typeStr {
	case TypeSystem:
		return processSystem(obj)
	case TypeAssistant:
		return processAssistant(obj)
	case TypeToolUse:
		return processToolUse(obj)
	case TypeToolResult:
		return processToolResult(obj)
	case TypeError:
		return processError(obj)
	default:
		return Processed{Message: NewSystem(SubtypeUnknownType,
			fmt.Sprintf("unknown message type %q", typeStr))}
	}
}

func processSystem(obj map[string]any) Processed {
	msg := &Message{
		Type:      TypeSystem,
		Timestamp: time.Now().UTC(),
		Subtype:   getString(obj, "subtype"),
		Content:   getString(obj, "content"),
	}

	p := Processed{Message: msg}
	// Only the init record is allowed to carry a session id.
	if msg.Subtype == SubtypeInit {
		p.SessionID = getString(obj, "session_id")
		msg.SessionID = p.SessionID
	}
	switch msg.Subtype {
	case SubtypeEnd, SubtypeComplete, SubtypeSessionEnd:
		p.IsFinal = true
	}
	return p
}

func processAssistant(obj map[string]any) Processed {
	msg := &Message{
		Type:      TypeAssistant,
		Timestamp: time.Now().UTC(),
		Content:   getString(obj, "content"),
		Partial:   getBool(obj, "partial"),
		Summary:   getString(obj, "summary"),
	}
	if usage, ok := obj["usage"]; ok {
		msg.Usage = marshalRaw(usage)
	}
	return Processed{Message: msg}
}

func processToolUse(obj map[string]any) Processed {
	msg := &Message{
		Type:      TypeToolUse,
		Timestamp: time.Now().UTC(),
		ToolName:  getString(obj, "tool_name"),
		ToolUseID: getString(obj, "tool_use_id"),
	}
	if input, ok := obj["input"]; ok {
		msg.Input = marshalRaw(input)
	}
	return Processed{Message: msg}
}

func processToolResult(obj map[string]any) Processed {
	msg := &Message{
		Type:      TypeToolResult,
		Timestamp: time.Now().UTC(),
		ToolUseID: getString(obj, "tool_use_id"),
	}
	if result, ok := obj["result"]; ok {
		msg.Result = marshalRaw(result)
	}
	success := getBool(obj, "success")
	msg.Success = &success
	if errStr := getString(obj, "error"); errStr != "" {
		msg.ErrorMessage = errStr
	}
	return Processed{Message: msg}
}

func processError(obj map[string]any) Processed {
	msg := &Message{
		Type:         TypeError,
		Timestamp:    time.Now().UTC(),
		ErrorMessage: getString(obj, "message"),
		Code:         getString(obj, "code"),
		Stack:        getString(obj, "stack"),
	}
	return Processed{Message: msg, IsFinal: true}
}

// ExtractSummary derives a job summary from the last assistant message.
// An explicit summary field wins, truncated to 500 characters with "..."
// appended when longer. Otherwise a short, non-partial content body is used
// verbatim.
func ExtractSummary(m *Message) string {
	if m == nil || m.Type != TypeAssistant {
		return ""
	}
	if m.Summary != "" {
		return Truncate(m.Summary, summaryLimit)
	}
	if !m.Partial && len(m.Content) <= summaryLimit {
		return m.Content
	}
	return ""
}

// Truncate shortens s to at most limit characters, replacing the tail with
// "..." when it does not fit.
func Truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}

func getString(obj map[string]any, key string) string {
	if v, ok := obj[key].(string); ok {
		return v
	}
	// Non-string values are still described rather than dropped.
	if v, ok := obj[key]; ok && v != nil {
		if _, isStr := v.(string); !isStr {
			if key == "content" || key == "summary" || key == "message" || key == "error" {
				return fmt.Sprintf("%v", v)
			}
		}
	}
	return ""
}

func getBool(obj map[string]any, key string) bool {
	v, ok := obj[key].(bool)
	return ok && v
}

func marshalRaw(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
