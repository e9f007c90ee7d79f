package runner

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIStrategy streams a chat completion directly from the OpenAI API.
type OpenAIStrategy struct{}

// Name returns the strategy identifier
func (s *OpenAIStrategy) Name() string { return "direct-openai" }

// Run executes the streaming call, forwarding each text delta as it
// arrives.
func (s *OpenAIStrategy) Run(ctx context.Context, req Request, onStart StartFunc, onChunk ChunkFunc) (Result, error) {
	client := openai.NewClient(option.WithAPIKey(req.LLMToken))

	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(req.Session.ModelID),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage(BuildPrompt(req)),
		},
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}

	onStart("")

	stream := client.Chat.Completions.NewStreaming(ctx, params)
	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				onChunk(choice.Delta.Content)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return Result{}, fmt.Errorf("openai stream: %w", err)
	}

	return Result{
		TokensUsed: int(acc.Usage.PromptTokens + acc.Usage.CompletionTokens),
	}, nil
}
