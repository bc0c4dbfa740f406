// Package bedrock adapts AWS Bedrock's runtime API to Tentackl's
// model.Client port, giving the per-agent-type model-selection table a
// third selectable backend alongside Anthropic and OpenAI.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"

	"tentackl/internal/model"
)

// Client wraps a bedrockruntime.Client.
type Client struct {
	sdk     *bedrockruntime.Client
	modelID string
}

// Options configures the adapter.
type Options struct {
	Region  string
	ModelID string // e.g. "anthropic.claude-3-sonnet-20240229-v1:0"
}

// New constructs a Client using the default AWS credential chain.
func New(ctx context.Context, opts Options) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(opts.Region))
	if err != nil {
		return nil, err
	}
	return &Client{
		sdk:     bedrockruntime.NewFromConfig(cfg),
		modelID: opts.ModelID,
	}, nil
}

type converseBody struct {
	Messages []converseMessage `json:"messages"`
	System   string            `json:"system,omitempty"`
}

type converseMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Complete implements model.Client using the InvokeModel API with a
// provider-agnostic JSON body; the Bedrock adapter is intentionally kept
// simple since it serves as a third, less frequently selected backend
// rather than the primary planning model.
func (c *Client) Complete(ctx context.Context, req model.Request) (model.Response, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = c.modelID
	}

	body := converseBody{System: req.System}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, converseMessage{Role: m.Role, Content: m.Content})
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return model.Response{}, err
	}

	out, err := c.sdk.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return model.Response{}, annotateAPIError(err)
	}

	var decoded struct {
		Content string `json:"content"`
		Usage   struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(out.Body, &decoded); err != nil {
		return model.Response{}, err
	}

	return model.Response{
		Content: decoded.Content,
		Usage: model.Usage{
			InputTokens:  decoded.Usage.InputTokens,
			OutputTokens: decoded.Usage.OutputTokens,
		},
	}, nil
}

// annotateAPIError folds a smithy API error's code into the returned error
// message so the shared transient-indicator table (which matches on
// substrings like "429"/"503"/"timeout") can classify throttling and
// service-unavailable responses from Bedrock the same way it classifies
// every other provider's errors.
func annotateAPIError(err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			return errors.New(apiErr.ErrorMessage() + " (429 rate limit)")
		case "ServiceUnavailableException", "ModelTimeoutException":
			return errors.New(apiErr.ErrorMessage() + " (503 timeout)")
		}
	}
	return err
}
