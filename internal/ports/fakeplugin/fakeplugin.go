// Package fakeplugin provides deterministic, in-memory fakes for the two
// ports the core deliberately leaves abstract: ports.PluginExecutor
// (concrete agent/capability plugins are a non-goal) and
// ports.MemoryService (concrete memory retrieval is a non-goal). Both
// fakes exist so internal/stepexec and internal/planning can be
// constructed and exercised end-to-end in tests and in the demo binary
// without a real plugin runtime behind them.
package fakeplugin

import (
	"context"
	"fmt"
	"sync"

	"tentackl/internal/apperr"
	"tentackl/internal/domain"
	"tentackl/internal/ports"
)

// Call records one Execute invocation, for test assertions.
type Call struct {
	AgentType string
	Model     string
	StepID    domain.StepID
	Inputs    domain.Value
}

// Executor is a deterministic ports.PluginExecutor: absent an explicit
// per-agent-type override, it echoes the step's inputs back as outputs
// and always succeeds. Register a failure or a specific output shape with
// SetResponse to exercise retry, fallback, and checkpoint paths.
type Executor struct {
	mu        sync.Mutex
	calls     []Call
	responses map[string]ports.PluginResult
	queued    map[string][]ports.PluginResult
}

// New constructs an empty Executor.
func New() *Executor {
	return &Executor{
		responses: make(map[string]ports.PluginResult),
		queued:    make(map[string][]ports.PluginResult),
	}
}

var _ ports.PluginExecutor = (*Executor)(nil)

// SetResponse fixes the result returned for every step of agentType,
// overriding the default echo behavior.
func (e *Executor) SetResponse(agentType string, result ports.PluginResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.responses[agentType] = result
}

// QueueResponse enqueues a one-shot result for the next Execute call on
// agentType. Queued results are consumed front-to-back before SetResponse's
// static result (or the default echo) applies, letting a test script a
// fail-then-succeed sequence for one step.
func (e *Executor) QueueResponse(agentType string, result ports.PluginResult) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queued[agentType] = append(e.queued[agentType], result)
}

// Calls returns every Execute invocation recorded so far, in order.
func (e *Executor) Calls() []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Call, len(e.calls))
	copy(out, e.calls)
	return out
}

// Execute implements ports.PluginExecutor.
func (e *Executor) Execute(ctx context.Context, step *domain.Step, model string, execCtx ports.PluginContext) (ports.PluginResult, error) {
	if err := ctx.Err(); err != nil {
		return ports.PluginResult{}, err
	}
	e.mu.Lock()
	e.calls = append(e.calls, Call{AgentType: step.AgentType, Model: model, StepID: step.ID, Inputs: step.Inputs})
	if q := e.queued[step.AgentType]; len(q) > 0 {
		result := q[0]
		e.queued[step.AgentType] = q[1:]
		e.mu.Unlock()
		return result, nil
	}
	result, ok := e.responses[step.AgentType]
	e.mu.Unlock()
	if ok {
		return result, nil
	}
	return ports.PluginResult{
		Success: true,
		Outputs: domain.Object(map[string]domain.Value{
			"agent_type": domain.String(step.AgentType),
			"step_id":    domain.String(string(step.ID)),
			"echo":       step.Inputs,
		}),
	}, nil
}

// MemoryService is a deterministic ports.MemoryService that never finds
// anything to inject, so callers that consult memory behave as if no
// relevant memory exists — the correct behavior absent a real retrieval
// backend.
type MemoryService struct{}

// NewMemoryService constructs a MemoryService.
func NewMemoryService() *MemoryService { return &MemoryService{} }

var _ ports.MemoryService = (*MemoryService)(nil)

// FormatForInjection implements ports.MemoryService.
func (MemoryService) FormatForInjection(ctx context.Context, query string, maxTokens int) (string, error) {
	if maxTokens < 0 {
		return "", apperr.New(apperr.ValidationError, fmt.Sprintf("fakeplugin: maxTokens must be non-negative, got %d", maxTokens))
	}
	return "", nil
}
