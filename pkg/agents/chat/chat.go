// Package chat provides a Claude-backed conversational agent. It turns an
// execution payload's prompt into a single completion request; conversation
// state, if any, travels in the payload.
package chat

import (
	"context"
	"fmt"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"agentmesh/pkg/logx"
	"agentmesh/pkg/proto"
)

// Capability is the capability name the chat agent declares.
const Capability = "chat"

const defaultMaxTokens = 4096

// Agent answers prompts through the Anthropic API.
type Agent struct {
	client    anthropic.Client
	model     anthropic.Model
	system    string
	maxTokens int64
	logger    *logx.Logger
}

// Option customizes a chat agent.
type Option func(*Agent)

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(a *Agent) { a.model = anthropic.Model(model) }
}

// WithSystemPrompt sets the system prompt sent with every request.
func WithSystemPrompt(prompt string) Option {
	return func(a *Agent) { a.system = prompt }
}

// WithMaxTokens bounds the completion length.
func WithMaxTokens(n int64) Option {
	return func(a *Agent) { a.maxTokens = n }
}

// New creates a chat agent authenticated with the given API key.
func New(apiKey string, opts ...Option) *Agent {
	a := &Agent{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     anthropic.ModelClaudeSonnet4_20250514,
		maxTokens: defaultMaxTokens,
		logger:    logx.NewLogger("chat-agent"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Execute sends the payload's "prompt" field as a user message and returns
// the assistant's reply in the output payload under "reply".
func (a *Agent) Execute(ctx context.Context, input proto.ExecutionInput) (proto.ExecutionOutput, error) {
	prompt, ok := input.Payload["prompt"].(string)
	if !ok || prompt == "" {
		return proto.ExecutionOutput{
			ID:        input.ID,
			Timestamp: time.Now().UTC(),
			Errors:    []string{"payload is missing a prompt"},
		}, fmt.Errorf("chat: payload is missing a prompt")
	}

	params := anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}
	if a.system != "" {
		params.System = []anthropic.TextBlockParam{{
			Text: a.system,
			Type: "text",
		}}
	}

	start := time.Now()
	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return proto.ExecutionOutput{
			ID:        input.ID,
			Timestamp: time.Now().UTC(),
			Errors:    []string{err.Error()},
		}, fmt.Errorf("chat: completion request failed: %w", err)
	}
	if resp == nil || len(resp.Content) == 0 {
		return proto.ExecutionOutput{
			ID:        input.ID,
			Timestamp: time.Now().UTC(),
			Errors:    []string{"empty response"},
		}, fmt.Errorf("chat: received empty response")
	}

	var reply string
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			reply += block.AsText().Text
		}
	}

	a.logger.Debug("Completed prompt of %d chars in %s", len(prompt), time.Since(start))
	return proto.ExecutionOutput{
		ID:        input.ID,
		Timestamp: time.Now().UTC(),
		Success:   true,
		Payload: map[string]any{
			"reply": reply,
			"model": string(a.model),
		},
		Metadata: map[string]any{
			"stop_reason":   string(resp.StopReason),
			"input_tokens":  resp.Usage.InputTokens,
			"output_tokens": resp.Usage.OutputTokens,
		},
		Duration: time.Since(start),
	}, nil
}

// Definition returns the registry entry for a chat agent with the given id.
func Definition(id string) *proto.Agent {
	return &proto.Agent{
		ID:                 id,
		Name:               "Chat Agent",
		Capabilities:       []proto.Capability{{Name: Capability, Version: "1.0"}},
		MaxConcurrentTasks: 2,
	}
}
