package runner

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/taskpilot/agentd/pkg/secrets"
)

// AnthropicStrategy streams a completion directly from the Anthropic
// Messages API. No sandbox is created.
type AnthropicStrategy struct {
	// MaxTokens bounds the response; defaults to 8192.
	MaxTokens int64
}

// Name returns the strategy identifier
func (s *AnthropicStrategy) Name() string { return "direct-anthropic" }

// Run executes the streaming call, forwarding each text fragment as it
// arrives.
func (s *AnthropicStrategy) Run(ctx context.Context, req Request, onStart StartFunc, onChunk ChunkFunc) (Result, error) {
	// Delegated tokens ride a bearer auth header; classic API keys use
	// the x-api-key header.
	var clientOpt option.RequestOption
	if secrets.IsDelegated(req.Provider.Slug, req.LLMToken) {
		clientOpt = option.WithAuthToken(req.LLMToken)
	} else {
		clientOpt = option.WithAPIKey(req.LLMToken)
	}
	client := anthropic.NewClient(clientOpt)

	maxTokens := s.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Session.ModelID),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(BuildPrompt(req))),
		},
	}

	onStart("")

	stream := client.Messages.NewStreaming(ctx, params)
	acc := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return Result{}, fmt.Errorf("accumulate stream event: %w", err)
		}

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text != "" {
					onChunk(delta.Text)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return Result{}, fmt.Errorf("anthropic stream: %w", err)
	}

	return Result{
		TokensUsed: int(acc.Usage.InputTokens + acc.Usage.OutputTokens),
	}, nil
}
