// Package model defines the LLM client port consumed by intent detection,
// planning, and the Observer's LLM-based decisions, plus selectable
// concrete adapters over Anthropic, OpenAI, and Bedrock.
package model

import "context"

// Request is a single completion request. Messages is a minimal
// role/content transcript; Tentackl's core never needs multi-turn tool-use
// protocols, only structured single-shot completions.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	// JSONSchema, when set, asks the provider to constrain its output to
	// the given schema (used for step-list generation and structured
	// Observer proposals).
	JSONSchema map[string]any
}

// Message is one role/content turn.
type Message struct {
	Role    string // "system" | "user" | "assistant"
	Content string
}

// Response is a single completion result.
type Response struct {
	Content    string
	StopReason string
	Usage      Usage
}

// Usage reports token accounting, surfaced for metrics.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Client is the port every model adapter implements.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Provider names the selectable backends, used by the per-agent-type and
// per-organization model-selection table in internal/stepexec.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
	ProviderBedrock   Provider = "bedrock"
)

// Registry selects a Client by provider name, used wherever a step or
// organization config names a model by a "<provider>:<model>" string.
type Registry struct {
	clients map[Provider]Client
}

// NewRegistry builds a Registry from provider->client bindings.
func NewRegistry(clients map[Provider]Client) *Registry {
	return &Registry{clients: clients}
}

// Client returns the adapter registered for provider, or false if none is
// configured.
func (r *Registry) Client(p Provider) (Client, bool) {
	c, ok := r.clients[p]
	return c, ok
}
