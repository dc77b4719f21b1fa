package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/ent0n29/improvstage/internal/protocol"
)

const (
	DefaultOpenAIModel = "gpt-4o-mini"

	scenePartnerPersona = "You are an improv scene partner, audience reader and coach in one. " +
		"Stay in character, keep lines short and playable, and always follow the reply format you are given."
)

// OpenAIRuntime streams chat completions from an OpenAI-compatible endpoint.
// The runtime session id is forwarded as the request user so providers can
// group a scene's calls.
type OpenAIRuntime struct {
	client *openai.Client
	model  string
}

func NewOpenAIRuntime(apiKey, model, baseURL string) *OpenAIRuntime {
	cfg := openai.DefaultConfig(strings.TrimSpace(apiKey))
	if u := strings.TrimSpace(baseURL); u != "" {
		cfg.BaseURL = u
	}
	model = strings.TrimSpace(model)
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAIRuntime{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

func (r *OpenAIRuntime) Stream(ctx context.Context, req RunRequest, onEvent EventHandler) error {
	stream, err := r.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: scenePartnerPersona},
			{Role: openai.ChatMessageRoleUser, Content: req.Prompt},
		},
		User:   req.RuntimeSessionID,
		Stream: true,
	})
	if err != nil {
		return fmt.Errorf("openai stream: %w", err)
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return fmt.Errorf("openai stream recv: %w", err)
		}
		for _, choice := range chunk.Choices {
			for _, ev := range openAIDeltaEvents(choice.Delta) {
				if onEvent == nil {
					continue
				}
				if err := onEvent(ev); err != nil {
					return err
				}
			}
		}
	}
}

func openAIDeltaEvents(delta openai.ChatCompletionStreamChoiceDelta) []protocol.Event {
	var out []protocol.Event
	if delta.Content != "" {
		out = append(out, protocol.TextFragment{Text: delta.Content})
	}
	for _, call := range delta.ToolCalls {
		if call.Function.Name == "" {
			continue
		}
		var args json.RawMessage
		if json.Valid([]byte(call.Function.Arguments)) {
			args = json.RawMessage(call.Function.Arguments)
		}
		out = append(out, protocol.ToolCall{ID: call.ID, Name: call.Function.Name, Arguments: args})
	}
	return out
}
