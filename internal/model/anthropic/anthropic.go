// Package anthropic adapts github.com/anthropics/anthropic-sdk-go to
// Tentackl's model.Client port. It is the default backend for planning
// decomposition, where structured step-list output quality matters most.
package anthropic

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"tentackl/internal/model"
)

// Client wraps an anthropic.Client configured from an API key.
type Client struct {
	sdk   anthropic.Client
	model string
}

// Options configures the adapter.
type Options struct {
	APIKey string
	Model  string // defaults to anthropic.ModelClaudeSonnet4_5 when empty
}

// New constructs a Client. If opts.Model is empty, it defaults to
// anthropic.ModelClaudeSonnet4_5.
func New(opts Options) *Client {
	m := opts.Model
	if m == "" {
		m = string(anthropic.ModelClaudeSonnet4_5)
	}
	return &Client{
		sdk:   anthropic.NewClient(option.WithAPIKey(opts.APIKey)),
		model: m,
	}
}

// Complete implements model.Client.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	m := req.Model
	if m == "" {
		m = c.model
	}
	maxTokens := int64(req.MaxTokens)
	if maxTokens == 0 {
		maxTokens = 4096
	}

	var msgs []anthropic.MessageParam
	for _, msg := range req.Messages {
		block := anthropic.NewTextBlock(msg.Content)
		switch msg.Role {
		case "assistant":
			msgs = append(msgs, anthropic.NewAssistantMessage(block))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(block))
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m),
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	resp, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return model.Response{}, err
	}

	var content string
	for _, block := range resp.Content {
		if block.Type == "text" {
			content += block.Text
		}
	}

	return model.Response{
		Content:    content,
		StopReason: string(resp.StopReason),
		Usage: model.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}
