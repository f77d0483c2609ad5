package dispatch

import (
	"context"
	"fmt"
	"os"

	"github.com/conductor-sh/conductor/pkg/types"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIEndpoint executes task payloads against the OpenAI chat
// completions API. A custom base URL allows pointing at compatible
// endpoints.
type OpenAIEndpoint struct {
	client openai.Client
	model  openai.ChatModel
}

// NewOpenAIEndpoint builds an endpoint for the given model. baseURL
// may be empty for the default API host.
func NewOpenAIEndpoint(model, apiKeyEnv, baseURL string) *OpenAIEndpoint {
	var opts []option.RequestOption
	if apiKeyEnv != "" {
		if key := os.Getenv(apiKeyEnv); key != "" {
			opts = append(opts, option.WithAPIKey(key))
		}
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIEndpoint{
		client: openai.NewClient(opts...),
		model:  openai.ChatModel(model),
	}
}

// Execute sends the task's prompt and returns the first choice's
// content plus total tokens consumed
func (e *OpenAIEndpoint) Execute(ctx context.Context, task *types.Task) ([]byte, int64, error) {
	p := decodePayload(task.Payload)

	var msgs []openai.ChatCompletionMessageParamUnion
	if p.System != "" {
		msgs = append(msgs, openai.SystemMessage(p.System))
	}
	msgs = append(msgs, openai.UserMessage(p.Prompt))

	resp, err := e.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               e.model,
		Messages:            msgs,
		MaxCompletionTokens: openai.Int(p.MaxTokens),
	})
	if err != nil {
		return nil, 0, fmt.Errorf("openai request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, resp.Usage.TotalTokens, fmt.Errorf("openai request: empty choice list")
	}
	return []byte(resp.Choices[0].Message.Content), resp.Usage.TotalTokens, nil
}
