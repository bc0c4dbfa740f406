// Package intent implements planning.IntentPort: classifying a goal as a
// one-shot request or a recurring/deferred schedule before decomposition
// runs, using the same shape as the planning engine's own
// GenerateDelegationSteps: a single structured model.Client call,
// JSON-decoded into a typed result.
package intent

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"tentackl/internal/model"
	"tentackl/internal/planning"
)

// cronPhrase catches the handful of recurring-schedule phrasings cheap
// enough to classify without a model call: "every day", "every hour",
// "every monday", "daily at 9am", etc. Anything else falls through to the
// model-backed classifier.
var cronPhrase = regexp.MustCompile(`(?i)\bevery\s+(day|hour|minute|morning|night|monday|tuesday|wednesday|thursday|friday|saturday|sunday)\b|\b(daily|hourly|weekly)\b`)

// deferredPhrase catches "in 15 minutes", "in 2 hours" style deferrals,
// mapped onto the planner's "+<n><unit>" relative-offset syntax.
var deferredPhrase = regexp.MustCompile(`(?i)\bin\s+(\d+)\s*(second|minute|hour)s?\b`)

// Detector implements planning.IntentPort.
type Detector struct {
	model model.Client
}

// New constructs a Detector. model may be nil, in which case only the
// cheap regex rules apply and every other goal classifies as a plain
// one-shot request.
func New(client model.Client) *Detector {
	return &Detector{model: client}
}

var _ planning.IntentPort = (*Detector)(nil)

// ExtractIntent classifies goal, trying the cheap deterministic rules
// before falling back to a model call.
func (d *Detector) ExtractIntent(ctx context.Context, goal string) (planning.Intent, error) {
	if m := deferredPhrase.FindStringSubmatch(goal); m != nil {
		unit := map[string]string{"second": "s", "minute": "m", "hour": "h"}[strings.ToLower(m[2])]
		return planning.Intent{
			HasSchedule: true,
			Schedule:    &planning.Schedule{ExecuteAtRaw: "+" + m[1] + unit},
		}, nil
	}
	if cronPhrase.MatchString(goal) {
		return planning.Intent{HasSchedule: true, Schedule: &planning.Schedule{Cron: cronExpressionFor(goal)}}, nil
	}
	if d.model == nil {
		return planning.Intent{}, nil
	}
	return d.classifyWithModel(ctx, goal)
}

// cronExpressionFor maps a handful of common recurring phrasings to a
// standard 5-field cron expression; anything not recognized defaults to
// a daily run at 9am UTC, matching the deterministic "every day"-style
// default the phrase match already committed to recognizing as a
// schedule.
func cronExpressionFor(goal string) string {
	lower := strings.ToLower(goal)
	switch {
	case strings.Contains(lower, "hour"):
		return "0 * * * *"
	case strings.Contains(lower, "minute"):
		return "* * * * *"
	case strings.Contains(lower, "monday"):
		return "0 9 * * 1"
	case strings.Contains(lower, "tuesday"):
		return "0 9 * * 2"
	case strings.Contains(lower, "wednesday"):
		return "0 9 * * 3"
	case strings.Contains(lower, "thursday"):
		return "0 9 * * 4"
	case strings.Contains(lower, "friday"):
		return "0 9 * * 5"
	case strings.Contains(lower, "saturday"):
		return "0 9 * * 6"
	case strings.Contains(lower, "sunday"):
		return "0 9 * * 0"
	case strings.Contains(lower, "week"):
		return "0 9 * * 1"
	default:
		return "0 9 * * *"
	}
}

type modelIntent struct {
	HasSchedule bool   `json:"has_schedule"`
	Cron        string `json:"cron,omitempty"`
	ExecuteAt   string `json:"execute_at,omitempty"`
	OneShotGoal string `json:"one_shot_goal,omitempty"`
}

// classifyWithModel asks the configured model whether goal describes a
// recurring or deferred task and, when it doesn't, whether the goal text
// itself should be rewritten into a cleaner one-shot instruction.
func (d *Detector) classifyWithModel(ctx context.Context, goal string) (planning.Intent, error) {
	req := model.Request{
		System: "Classify whether the user's goal describes a recurring or deferred schedule, or a plain one-shot request. Respond with only a JSON object: {\"has_schedule\": bool, \"cron\": \"<5-field cron expression or empty>\", \"execute_at\": \"<RFC3339 timestamp or empty>\", \"one_shot_goal\": \"<goal rewritten without scheduling language, or empty>\"}.",
		Messages: []model.Message{
			{Role: "user", Content: goal},
		},
		MaxTokens: 512,
	}
	resp, err := d.model.Complete(ctx, req)
	if err != nil {
		return planning.Intent{}, nil
	}
	var parsed modelIntent
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Content)), &parsed); err != nil {
		return planning.Intent{}, nil
	}
	out := planning.Intent{OneShotGoal: parsed.OneShotGoal}
	if !parsed.HasSchedule {
		return out, nil
	}
	sched := &planning.Schedule{Cron: parsed.Cron, ExecuteAtRaw: parsed.ExecuteAt}
	if parsed.ExecuteAt != "" {
		if t, err := time.Parse(time.RFC3339, parsed.ExecuteAt); err == nil {
			sched.ExecuteAt = &t
		}
	}
	out.HasSchedule = true
	out.Schedule = sched
	return out, nil
}
