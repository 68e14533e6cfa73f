// Package stream implements per-task event channels: append-ordered topics
// that multiple readers can join either from the start of history or from
// the live edge, with explicit terminal markers.
package stream

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type discriminates event payloads.
type Type string

const (
	TypeStart      Type = "start"
	TypeToken      Type = "token"
	TypeTokenBatch Type = "token_batch"
	TypeStatus     Type = "status"
	TypeDebug      Type = "debug"
	TypeDone       Type = "done"
	TypeError      Type = "error"
)

// Stage names the pipeline phase an event was emitted from.
type Stage string

const (
	StageAccepted       Stage = "accepted"
	StageGuards         Stage = "guards"
	StageInvoke         Stage = "invoke"
	StageInvokeOrStream Stage = "invoke_or_stream"
	StageSettlement     Stage = "settlement"
)

// terminalErrorStages are the stages whose error events end a channel.
var terminalErrorStages = map[Stage]bool{
	StageGuards:         true,
	StageInvoke:         true,
	StageInvokeOrStream: true,
}

// Event is one entry in a task channel. Seq and At are assigned by Publish.
type Event struct {
	Seq       int64
	Type      Type
	TaskID    string
	Stage     Stage
	RequestID string
	TraceID   string
	At        time.Time
	Payload   Payload
}

// Terminal reports whether a well-behaved reader should stop after this
// event: done always ends a channel, error only from a terminal stage.
func (e Event) Terminal() bool {
	switch e.Type {
	case TypeDone:
		return true
	case TypeError:
		return terminalErrorStages[e.Stage]
	}
	return false
}

// Payload is the type-specific body of an event. The set of implementations
// is closed; the codec rejects anything else.
type Payload interface {
	eventType() Type
}

// StartPayload opens a channel when a task is accepted.
type StartPayload struct {
	Kind       string `json:"kind,omitempty"`
	TemplateID string `json:"template_id,omitempty"`
}

// TokenPayload carries one incremental text delta.
type TokenPayload struct {
	Text string `json:"text"`
}

// TokenBatchPayload carries several text deltas coalesced by the executor.
type TokenBatchPayload struct {
	Texts []string `json:"texts"`
}

// StatusPayload reports a coarse progress code.
type StatusPayload struct {
	Code string `json:"code"`
}

// DebugPayload carries executor diagnostics.
type DebugPayload struct {
	Message string `json:"message"`
}

// DonePayload ends a channel after success.
type DonePayload struct {
	Result       string `json:"result,omitempty"`
	InputTokens  int64  `json:"input_tokens,omitempty"`
	OutputTokens int64  `json:"output_tokens,omitempty"`
}

// ErrorPayload reports a failure with a stable code. RetryAfterMs is a hint
// for retryable admission rejections, zero otherwise.
type ErrorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"message,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

func (StartPayload) eventType() Type      { return TypeStart }
func (TokenPayload) eventType() Type      { return TypeToken }
func (TokenBatchPayload) eventType() Type { return TypeTokenBatch }
func (StatusPayload) eventType() Type     { return TypeStatus }
func (DebugPayload) eventType() Type      { return TypeDebug }
func (DonePayload) eventType() Type       { return TypeDone }
func (ErrorPayload) eventType() Type      { return TypeError }

type envelope struct {
	Seq       int64           `json:"seq"`
	Type      Type            `json:"type"`
	TaskID    string          `json:"task_id"`
	Stage     Stage           `json:"stage,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	TraceID   string          `json:"trace_id,omitempty"`
	At        time.Time       `json:"at"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// MarshalJSON encodes the event as a typed envelope.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Payload == nil {
		return nil, fmt.Errorf("event %d: nil payload", e.Seq)
	}
	if got := e.Payload.eventType(); got != e.Type {
		return nil, fmt.Errorf("event %d: payload type %q does not match event type %q", e.Seq, got, e.Type)
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.Type, err)
	}
	return json.Marshal(envelope{
		Seq:       e.Seq,
		Type:      e.Type,
		TaskID:    e.TaskID,
		Stage:     e.Stage,
		RequestID: e.RequestID,
		TraceID:   e.TraceID,
		At:        e.At,
		Data:      data,
	})
}

// UnmarshalJSON decodes a typed envelope. Unknown event types are rejected
// rather than coerced into a best-effort shape.
func (e *Event) UnmarshalJSON(raw []byte) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("decode event envelope: %w", err)
	}

	var payload Payload
	switch env.Type {
	case TypeStart:
		payload = &StartPayload{}
	case TypeToken:
		payload = &TokenPayload{}
	case TypeTokenBatch:
		payload = &TokenBatchPayload{}
	case TypeStatus:
		payload = &StatusPayload{}
	case TypeDebug:
		payload = &DebugPayload{}
	case TypeDone:
		payload = &DonePayload{}
	case TypeError:
		payload = &ErrorPayload{}
	default:
		return fmt.Errorf("unknown event type %q", env.Type)
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, payload); err != nil {
			return fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
	}

	*e = Event{
		Seq:       env.Seq,
		Type:      env.Type,
		TaskID:    env.TaskID,
		Stage:     env.Stage,
		RequestID: env.RequestID,
		TraceID:   env.TraceID,
		At:        env.At,
		Payload:   deref(payload),
	}
	return nil
}

func deref(p Payload) Payload {
	switch v := p.(type) {
	case *StartPayload:
		return *v
	case *TokenPayload:
		return *v
	case *TokenBatchPayload:
		return *v
	case *StatusPayload:
		return *v
	case *DebugPayload:
		return *v
	case *DonePayload:
		return *v
	case *ErrorPayload:
		return *v
	}
	return p
}
