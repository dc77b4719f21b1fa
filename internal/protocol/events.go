package protocol

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// EventType identifies agent runtime event variants on the wire.
type EventType string

const (
	TypeText       EventType = "text"
	TypeAudio      EventType = "audio"
	TypeToolCall   EventType = "tool_call"
	TypeToolResult EventType = "tool_result"
	TypeDone       EventType = "done"
	TypeError      EventType = "error"
)

var ErrUnsupportedType = errors.New("unsupported event type")

// Event is one item yielded by an agent runtime. Only TextFragment carries
// scene text; the other variants are observed and dropped by the invoker.
type Event interface {
	EventType() EventType
}

type TextFragment struct {
	Text string
}

type AudioChunk struct {
	Format string
	Data   []byte
}

type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

type ToolResult struct {
	ID      string
	Name    string
	Output  string
	IsError bool
}

// Done marks the end of a run.
type Done struct {
	Reason string
}

// ErrorEvent is a runtime-reported failure.
type ErrorEvent struct {
	Code      string
	Message   string
	Retryable bool
}

func (TextFragment) EventType() EventType { return TypeText }
func (AudioChunk) EventType() EventType   { return TypeAudio }
func (ToolCall) EventType() EventType     { return TypeToolCall }
func (ToolResult) EventType() EventType   { return TypeToolResult }
func (Done) EventType() EventType         { return TypeDone }
func (ErrorEvent) EventType() EventType   { return TypeError }

func (e ErrorEvent) Error() string {
	if e.Code == "" {
		return "agent runtime error: " + e.Message
	}
	return fmt.Sprintf("agent runtime error %s: %s", e.Code, e.Message)
}

// Frame is the JSON shape shared by the websocket and streaming HTTP runtimes.
type Frame struct {
	Type        EventType       `json:"type"`
	Text        string          `json:"text,omitempty"`
	Format      string          `json:"format,omitempty"`
	AudioBase64 string          `json:"audio_base64,omitempty"`
	ID          string          `json:"id,omitempty"`
	Name        string          `json:"name,omitempty"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	Output      string          `json:"output,omitempty"`
	IsError     bool            `json:"is_error,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Code        string          `json:"code,omitempty"`
	Message     string          `json:"message,omitempty"`
	Retryable   bool            `json:"retryable,omitempty"`
}

func ParseEvent(raw []byte) (Event, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("invalid event frame: %w", err)
	}

	switch f.Type {
	case TypeText:
		return TextFragment{Text: f.Text}, nil
	case TypeAudio:
		data, err := base64.StdEncoding.DecodeString(f.AudioBase64)
		if err != nil {
			return nil, fmt.Errorf("invalid audio event: %w", err)
		}
		return AudioChunk{Format: f.Format, Data: data}, nil
	case TypeToolCall:
		if f.Name == "" {
			return nil, errors.New("invalid tool_call: name is required")
		}
		return ToolCall{ID: f.ID, Name: f.Name, Arguments: f.Arguments}, nil
	case TypeToolResult:
		return ToolResult{ID: f.ID, Name: f.Name, Output: f.Output, IsError: f.IsError}, nil
	case TypeDone:
		return Done{Reason: f.Reason}, nil
	case TypeError:
		return ErrorEvent{Code: f.Code, Message: f.Message, Retryable: f.Retryable}, nil
	default:
		return nil, ErrUnsupportedType
	}
}

func MarshalEvent(ev Event) ([]byte, error) {
	f := Frame{Type: ev.EventType()}
	switch e := ev.(type) {
	case TextFragment:
		f.Text = e.Text
	case AudioChunk:
		f.Format = e.Format
		f.AudioBase64 = base64.StdEncoding.EncodeToString(e.Data)
	case ToolCall:
		f.ID, f.Name, f.Arguments = e.ID, e.Name, e.Arguments
	case ToolResult:
		f.ID, f.Name, f.Output, f.IsError = e.ID, e.Name, e.Output, e.IsError
	case Done:
		f.Reason = e.Reason
	case ErrorEvent:
		f.Code, f.Message, f.Retryable = e.Code, e.Message, e.Retryable
	default:
		return nil, ErrUnsupportedType
	}
	return json.Marshal(f)
}
