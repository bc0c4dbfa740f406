// Package observer diagnoses failed steps and proposes a recovery action:
// RETRY, FALLBACK, SKIP, MODIFY, REPLAN, or ABORT. It is stateless — every
// method works only from the task/step/error passed in, plus an optional
// LLM call for the cases the deterministic tables can't resolve. The one
// side effect: an LLM-chosen FALLBACK pops that option off the passed
// step's FallbackConfig.
package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"tentackl/internal/apperr"
	"tentackl/internal/domain"
	"tentackl/internal/model"
	"tentackl/internal/ports"
	"tentackl/internal/telemetry"
	"tentackl/internal/template"
)

// Options configures an Observer. Model may be nil, in which case every
// decision falls back to the deterministic rule tree.
type Options struct {
	Model  model.Client
	Logger telemetry.Logger
}

// Observer implements ports.ObserverPort.
type Observer struct {
	model  model.Client
	logger telemetry.Logger
}

// New constructs an Observer.
func New(opts Options) *Observer {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Observer{model: opts.Model, logger: logger}
}

// AnalyzeFailure applies the diagnosis order: template-syntax fix,
// invalid-agent-type replan, content-filter modify, then an LLM-backed
// (or rule-tree) RETRY/FALLBACK/SKIP/ABORT choice.
func (o *Observer) AnalyzeFailure(ctx context.Context, task *domain.Task, step *domain.Step, failErr error) (ports.Proposal, error) {
	errMsg := errString(failErr)

	if template.HasMissingFieldReference(step.Inputs) {
		resolver := newDefaultFieldResolver(task)
		fixed := fixTemplateSyntax(step.Inputs, resolver)
		return ports.Proposal{
			Type:           ports.ProposalModify,
			Reason:         "template reference missing field qualifier, rewriting",
			Confidence:     0.95,
			ModifiedInputs: fixed,
		}, nil
	}

	if isInvalidAgentTypeError(errMsg) {
		suggestion := suggestedAgentType(step.AgentType)
		rc := &domain.ReplanContext{
			Diagnosis:          fmt.Sprintf("agent_type %q is not a known capability", step.AgentType),
			AffectedStepIDs:    []domain.StepID{step.ID},
			CompletedOutputs:   completedOutputs(task),
			SuggestedAgentType: suggestion,
		}
		return ports.Proposal{
			Type:          ports.ProposalReplan,
			Reason:        "agent_type cannot be corrected in place",
			Confidence:    0.85,
			ReplanContext: rc,
		}, nil
	}

	if isContentFilterError(errMsg) && isModifiableStep(step.AgentType) && step.RetryCount < 2 {
		if o.model == nil {
			return ports.Proposal{Type: ports.ProposalAbort, Reason: "content filter triggered, no model available to rewrite inputs", Confidence: 0.5}, nil
		}
		rewritten, err := o.rewriteInputs(ctx, step, errMsg)
		if err != nil {
			o.logger.Warn(ctx, "observer: content-filter rewrite failed, degrading to abort", "step_id", step.ID, "error", err)
			return ports.Proposal{Type: ports.ProposalAbort, Reason: "content filter rewrite failed", Confidence: 0.5}, nil
		}
		return ports.Proposal{
			Type:           ports.ProposalModify,
			Reason:         "rewrote inputs to satisfy content filter",
			Confidence:     0.8,
			ModifiedInputs: rewritten,
		}, nil
	}

	if o.model != nil {
		if p, ok := o.llmProposal(ctx, task, step, errMsg); ok {
			return p, nil
		}
	}
	return proposeWithoutLLM(step, errMsg), nil
}

// AnalyzeForReplan is called once tactical recovery options (RETRY,
// FALLBACK, SKIP) are exhausted. It returns REPLAN only for structural
// failures: the error suggests an API shape change, more than one
// downstream step depends on this one, or a correction is already known.
func (o *Observer) AnalyzeForReplan(ctx context.Context, task *domain.Task, step *domain.Step, failErr error) (*ports.Proposal, error) {
	errMsg := errString(failErr)
	downstream := countDownstream(task, step.ID)
	structural := isInvalidAgentTypeError(errMsg) ||
		strings.Contains(strings.ToLower(errMsg), "schema") ||
		strings.Contains(strings.ToLower(errMsg), "unexpected response shape") ||
		downstream >= 2

	if !structural {
		return nil, nil
	}

	rc := &domain.ReplanContext{
		Diagnosis:          fmt.Sprintf("step %q exhausted tactical recovery: %s", step.ID, errMsg),
		AffectedStepIDs:    affectedDownstream(task, step.ID),
		CompletedOutputs:   completedOutputs(task),
		Constraints:        task.Constraints,
		SuggestedAgentType: suggestedAgentType(step.AgentType),
	}
	p := &ports.Proposal{
		Type:          ports.ProposalReplan,
		Reason:        "structural failure requires replanning",
		Confidence:    0.7,
		ReplanContext: rc,
	}
	return p, nil
}

// AnalyzeBlockedDependencies is called when no steps are ready but some
// pending steps are blocked behind failed dependencies. It proposes REPLAN
// iff at least half the remaining work is blocked and at least two
// completed outputs already exist to carry forward.
func (o *Observer) AnalyzeBlockedDependencies(ctx context.Context, task *domain.Task, blocked, failed []domain.Step) (*ports.Proposal, error) {
	remaining := 0
	for _, s := range task.Steps {
		if !s.Status.IsTerminalSuccess() && s.Status != domain.StepFailed {
			remaining++
		}
	}
	completed := completedOutputs(task)
	if remaining == 0 || len(blocked) < (remaining+1)/2 || len(completed) < 2 {
		return nil, nil
	}

	var affected []domain.StepID
	for _, s := range blocked {
		affected = append(affected, s.ID)
	}
	diag := fmt.Sprintf("%d of %d remaining steps are blocked behind %d failed dependencies", len(blocked), remaining, len(failed))
	rc := &domain.ReplanContext{
		Diagnosis:        diag,
		AffectedStepIDs:  affected,
		CompletedOutputs: completed,
		Constraints:      task.Constraints,
	}
	return &ports.Proposal{
		Type:          ports.ProposalReplan,
		Reason:        "majority of remaining work blocked with partial progress to preserve",
		Confidence:    0.75,
		ReplanContext: rc,
	}, nil
}

func (o *Observer) rewriteInputs(ctx context.Context, step *domain.Step, errMsg string) (domain.Value, error) {
	inputsJSON, err := step.Inputs.JSONString()
	if err != nil {
		return domain.Value{}, err
	}
	req := model.Request{
		System: "Rewrite the given step inputs so they no longer trigger the content filter, preserving the original intent as closely as possible. Respond with only the rewritten JSON object, no commentary.",
		Messages: []model.Message{
			{Role: "user", Content: fmt.Sprintf("error: %s\ninputs: %s", errMsg, inputsJSON)},
		},
		MaxTokens: 1024,
	}
	resp, err := o.model.Complete(ctx, req)
	if err != nil {
		return domain.Value{}, err
	}
	var raw any
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Content)), &raw); err != nil {
		return domain.Value{}, apperr.Wrap(apperr.ValidationError, err, "observer: model did not return valid JSON for rewritten inputs")
	}
	return domain.FromAny(raw)
}

// llmProposal asks the model to choose among RETRY/FALLBACK/SKIP/ABORT,
// returning ok=false when the model is unavailable or its answer can't be
// parsed into one of the four tags (callers fall back to the rule tree).
func (o *Observer) llmProposal(ctx context.Context, task *domain.Task, step *domain.Step, errMsg string) (ports.Proposal, bool) {
	req := model.Request{
		System: "You diagnose a failed workflow step and choose exactly one recovery action: RETRY, FALLBACK, SKIP, or ABORT. Respond with only the single word.",
		Messages: []model.Message{
			{Role: "user", Content: fmt.Sprintf("step %q (agent_type=%s, critical=%v, retry=%d/%d) failed: %s", step.ID, step.AgentType, step.Critical, step.RetryCount, step.MaxRetries, errMsg)},
		},
		MaxTokens: 16,
	}
	resp, err := o.model.Complete(ctx, req)
	if err != nil {
		o.logger.Warn(ctx, "observer: llm proposal failed, using rule tree", "step_id", step.ID, "error", err)
		return ports.Proposal{}, false
	}
	choice := strings.ToUpper(strings.TrimSpace(resp.Content))
	switch {
	case strings.Contains(choice, "RETRY") && step.RetryCount < step.MaxRetries:
		return ports.Proposal{Type: ports.ProposalRetry, Reason: "model recommended retry", Confidence: 0.6}, true
	case strings.Contains(choice, "FALLBACK") && step.FallbackConfig.HasOptions():
		if m, ok := step.FallbackConfig.PopModel(); ok {
			return ports.Proposal{Type: ports.ProposalFallback, Reason: "model recommended fallback", FallbackModel: m, Confidence: 0.6}, true
		}
		if a, ok := step.FallbackConfig.PopAPI(); ok {
			return ports.Proposal{Type: ports.ProposalFallback, Reason: "model recommended fallback", FallbackAPI: a, Confidence: 0.6}, true
		}
	case strings.Contains(choice, "SKIP") && !step.Critical:
		return ports.Proposal{Type: ports.ProposalSkip, Reason: "model recommended skip", Confidence: 0.6}, true
	case strings.Contains(choice, "ABORT"):
		return ports.Proposal{Type: ports.ProposalAbort, Reason: "model recommended abort", Confidence: 0.6}, true
	}
	return ports.Proposal{}, false
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func completedOutputs(t *domain.Task) map[domain.StepID]domain.Value {
	out := make(map[domain.StepID]domain.Value)
	for _, s := range t.Steps {
		if s.Status.IsTerminalSuccess() {
			out[s.ID] = s.Outputs
		}
	}
	return out
}

func countDownstream(t *domain.Task, id domain.StepID) int {
	n := 0
	for _, s := range t.Steps {
		for _, dep := range s.DependsOn {
			if dep == id {
				n++
				break
			}
		}
	}
	return n
}

func affectedDownstream(t *domain.Task, id domain.StepID) []domain.StepID {
	var out []domain.StepID
	for _, s := range t.Steps {
		for _, dep := range s.DependsOn {
			if dep == id {
				out = append(out, s.ID)
				break
			}
		}
	}
	return out
}
