package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseEventText(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"text","text":"PARTNER: hi"}`))
	if err != nil {
		t.Fatalf("ParseEvent() error = %v", err)
	}
	text, ok := ev.(TextFragment)
	if !ok {
		t.Fatalf("event type = %T, want TextFragment", ev)
	}
	if text.Text != "PARTNER: hi" {
		t.Fatalf("text = %q, want %q", text.Text, "PARTNER: hi")
	}
}

func TestParseEventAudio(t *testing.T) {
	ev, err := ParseEvent([]byte(`{"type":"audio","format":"pcm16","audio_base64":"AQID"}`))
	if err != nil {
		t.Fatalf("ParseEvent() error = %v", err)
	}
	audio, ok := ev.(AudioChunk)
	if !ok {
		t.Fatalf("event type = %T, want AudioChunk", ev)
	}
	if len(audio.Data) != 3 || audio.Format != "pcm16" {
		t.Fatalf("unexpected audio chunk: %+v", audio)
	}
}

func TestParseEventToolCallRequiresName(t *testing.T) {
	if _, err := ParseEvent([]byte(`{"type":"tool_call","id":"c1"}`)); err == nil {
		t.Fatalf("ParseEvent() expected error for tool_call without name")
	}
	ev, err := ParseEvent([]byte(`{"type":"tool_call","id":"c1","name":"lookup","arguments":{"q":"mars"}}`))
	if err != nil {
		t.Fatalf("ParseEvent() error = %v", err)
	}
	call := ev.(ToolCall)
	var args map[string]string
	if err := json.Unmarshal(call.Arguments, &args); err != nil || args["q"] != "mars" {
		t.Fatalf("arguments = %s, err = %v", call.Arguments, err)
	}
}

func TestParseEventRejectsUnknownType(t *testing.T) {
	_, err := ParseEvent([]byte(`{"type":"wat"}`))
	if !errors.Is(err, ErrUnsupportedType) {
		t.Fatalf("error = %v, want ErrUnsupportedType", err)
	}
}

func TestParseEventRejectsInvalidJSON(t *testing.T) {
	if _, err := ParseEvent([]byte(`{not-json`)); err == nil {
		t.Fatalf("ParseEvent() expected error for invalid json")
	}
}

func TestMarshalEventRoundTripsVariants(t *testing.T) {
	events := []Event{
		TextFragment{Text: "hello"},
		ToolResult{ID: "c1", Name: "lookup", Output: "ok"},
		Done{Reason: "stop"},
		ErrorEvent{Code: "overloaded", Message: "busy", Retryable: true},
	}
	for _, want := range events {
		raw, err := MarshalEvent(want)
		if err != nil {
			t.Fatalf("MarshalEvent(%T) error = %v", want, err)
		}
		got, err := ParseEvent(raw)
		if err != nil {
			t.Fatalf("ParseEvent(%s) error = %v", raw, err)
		}
		if got != want {
			t.Fatalf("round trip = %#v, want %#v", got, want)
		}
	}
}
