// Package openai adapts github.com/openai/openai-go to Tentackl's
// model.Client port. It is the configured fallback provider and is also
// used for lightweight intent-detection calls.
package openai

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"tentackl/internal/model"
)

// Client wraps an openai.Client.
type Client struct {
	sdk   openai.Client
	model string
}

// Options configures the adapter.
type Options struct {
	APIKey string
	Model  string // defaults to openai.ChatModelGPT4o when empty
}

// New constructs a Client.
func New(opts Options) *Client {
	m := opts.Model
	if m == "" {
		m = openai.ChatModelGPT4o
	}
	return &Client{
		sdk:   openai.NewClient(option.WithAPIKey(opts.APIKey)),
		model: m,
	}
}

// Complete implements model.Client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	m := req.Model
	if m == "" {
		m = c.model
	}

	var msgs []openai.ChatCompletionMessageParamUnion
	if req.System != "" {
		msgs = append(msgs, openai.SystemMessage(req.System))
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case "assistant":
			msgs = append(msgs, openai.AssistantMessage(msg.Content))
		default:
			msgs = append(msgs, openai.UserMessage(msg.Content))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    m,
		Messages: msgs,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := c.sdk.Chat.Completions.New(ctx, params)
	if err != nil {
		return model.Response{}, err
	}
	if len(resp.Choices) == 0 {
		return model.Response{}, nil
	}

	choice := resp.Choices[0]
	return model.Response{
		Content:    choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Usage: model.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}
