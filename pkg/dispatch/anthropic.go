package dispatch

import (
	"context"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/conductor-sh/conductor/pkg/types"
)

// AnthropicEndpoint executes task payloads against the Anthropic
// Messages API. The system prompt travels as a separate parameter,
// not as a message.
type AnthropicEndpoint struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicEndpoint builds an endpoint for the given model. The API
// key is read from apiKeyEnv; when empty the SDK falls back to its own
// environment lookup.
func NewAnthropicEndpoint(model, apiKeyEnv string) *AnthropicEndpoint {
	var opts []option.RequestOption
	if apiKeyEnv != "" {
		if key := os.Getenv(apiKeyEnv); key != "" {
			opts = append(opts, option.WithAPIKey(key))
		}
	}
	return &AnthropicEndpoint{
		client: anthropic.NewClient(opts...),
		model:  anthropic.Model(model),
	}
}

// Execute sends the task's prompt and returns the concatenated text
// blocks of the response plus total tokens consumed
func (e *AnthropicEndpoint) Execute(ctx context.Context, task *types.Task) ([]byte, int64, error) {
	p := decodePayload(task.Payload)

	params := anthropic.MessageNewParams{
		Model:     e.model,
		MaxTokens: p.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(p.Prompt)),
		},
	}
	if p.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: p.System}}
	}

	msg, err := e.client.Messages.New(ctx, params)
	if err != nil {
		return nil, 0, fmt.Errorf("anthropic request: %w", err)
	}

	var out []byte
	for _, block := range msg.Content {
		if block.Type == "text" {
			out = append(out, block.Text...)
		}
	}
	tokens := msg.Usage.InputTokens + msg.Usage.OutputTokens
	return out, tokens, nil
}
