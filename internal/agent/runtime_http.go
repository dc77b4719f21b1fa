package agent

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/improvstage/internal/protocol"
	"github.com/ent0n29/improvstage/internal/reliability"
)

// HTTPRuntime posts the run request to an HTTP endpoint and accepts SSE,
// NDJSON or a single JSON/text body in reply.
type HTTPRuntime struct {
	url    string
	client *http.Client
}

func NewHTTPRuntime(url string) *HTTPRuntime {
	return &HTTPRuntime{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: 90 * time.Second,
		},
	}
}

func (r *HTTPRuntime) Stream(ctx context.Context, req RunRequest, onEvent EventHandler) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal run request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream, application/x-ndjson, application/json")

	res, err := r.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &reliability.HTTPStatusError{Service: "agent runtime", Code: res.StatusCode, Body: string(body)}
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
		return consumeLines(res.Body, onEvent)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	ev := decodeLine(strings.TrimSpace(string(body)))
	if ev == nil {
		return nil
	}
	return emit(onEvent, ev)
}

// consumeLines handles both SSE ("data: ...") and NDJSON bodies.
func consumeLines(body io.Reader, onEvent EventHandler) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, ":") || strings.HasPrefix(trimmed, "event:") {
			continue
		}
		if strings.HasPrefix(trimmed, "data:") {
			line = strings.TrimPrefix(strings.TrimLeft(line, " \t"), "data:")
			line = strings.TrimPrefix(line, " ")
			trimmed = strings.TrimSpace(line)
		}
		if trimmed == "[DONE]" {
			return nil
		}
		ev := decodeLine(line)
		if ev == nil {
			continue
		}
		if err := emit(onEvent, ev); err != nil {
			return err
		}
		if _, done := ev.(protocol.Done); done {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read: %w", err)
	}
	return nil
}

// decodeLine turns one body line into an event: typed frames first, then
// loose {"text"|"delta"|...} objects, then raw text.
func decodeLine(line string) protocol.Event {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	if strings.HasPrefix(trimmed, "{") {
		if ev, err := protocol.ParseEvent([]byte(trimmed)); err == nil {
			return ev
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil {
			if text := extractText(obj); text != "" {
				return protocol.TextFragment{Text: text}
			}
			return nil
		}
	}
	return protocol.TextFragment{Text: line}
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"text", "delta", "output", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}

func emit(onEvent EventHandler, ev protocol.Event) error {
	if e, ok := ev.(protocol.ErrorEvent); ok {
		return e
	}
	if onEvent == nil {
		return nil
	}
	return onEvent(ev)
}
