package trigger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"tentackl/internal/domain"
	"tentackl/internal/ports"
)

func sampleEvent() ports.TriggerEvent {
	return ports.TriggerEvent{
		OrgID:     "org-1",
		SourceID:  "gh",
		EventType: "external.webhook.issue.opened",
		Body: map[string]any{
			"issue": map[string]any{"title": "Fix the bug", "number": float64(42)},
		},
	}
}

func TestSubstituteTriggerData_WholeAndEmbedded(t *testing.T) {
	evt := sampleEvent()
	in := domain.Object(map[string]domain.Value{
		"title":   domain.String("${trigger_event.body.issue.title}"),
		"message": domain.String("new issue: ${trigger_event.body.issue.title} (#${trigger_event.body.issue.number})"),
		"source":  domain.String("${trigger_event.source_id}"),
	})

	out := SubstituteTriggerData(in, evt)
	title, _ := out.Field("title")
	s, _ := title.AsString()
	require.Equal(t, "Fix the bug", s)

	message, _ := out.Field("message")
	s, _ = message.AsString()
	require.Equal(t, "new issue: Fix the bug (#42)", s)

	source, _ := out.Field("source")
	s, _ = source.AsString()
	require.Equal(t, "gh", s)
}

func TestSubstituteTriggerData_MissingPathLeftVerbatim(t *testing.T) {
	out := SubstituteTriggerData(domain.String("${trigger_event.body.no.such.path}"), sampleEvent())
	s, _ := out.AsString()
	require.Equal(t, "${trigger_event.body.no.such.path}", s)
}

func TestSubstituteTriggerData_RecursesThroughArrays(t *testing.T) {
	in := domain.Array([]domain.Value{
		domain.String("${trigger_event.type}"),
		domain.Object(map[string]domain.Value{"t": domain.String("${trigger_event.body.issue.title}")}),
	})
	out := SubstituteTriggerData(in, sampleEvent())
	arr, _ := out.AsArray()
	s, _ := arr[0].AsString()
	require.Equal(t, "external.webhook.issue.opened", s)
	nested, _ := arr[1].Field("t")
	s, _ = nested.AsString()
	require.Equal(t, "Fix the bug", s)
}

func TestCloneSteps_ResetsRunStateAndSubstitutes(t *testing.T) {
	errMsg := "old failure"
	now := sampleEvent()
	steps := []domain.Step{{
		ID: "s1", Name: "notify", AgentType: "notify",
		Inputs:     domain.Object(map[string]domain.Value{"title": domain.String("${trigger_event.body.issue.title}")}),
		Outputs:    domain.String("stale output"),
		Status:     domain.StepCompleted,
		RetryCount: 2, MaxRetries: 3,
		Error:     &errMsg,
		DependsOn: []domain.StepID{"s0"},
	}}

	cloned := CloneSteps(steps, now)
	require.Len(t, cloned, 1)
	require.Equal(t, domain.StepPending, cloned[0].Status)
	require.True(t, cloned[0].Outputs.IsNull())
	require.Zero(t, cloned[0].RetryCount)
	require.Equal(t, 3, cloned[0].MaxRetries)
	require.Equal(t, []domain.StepID{"s0"}, cloned[0].DependsOn)

	title, _ := cloned[0].Inputs.Field("title")
	s, _ := title.AsString()
	require.Equal(t, "Fix the bug", s)

	// The template's own inputs are untouched by the clone's substitution.
	orig, _ := steps[0].Inputs.Field("title")
	s, _ = orig.AsString()
	require.Equal(t, "${trigger_event.body.issue.title}", s)
}

func TestRegistry_MatchEventByPatternSourceAndEnabled(t *testing.T) {
	ctx := context.Background()
	reg := New(Options{})
	src := "gh"
	require.NoError(t, reg.Register(ctx, domain.TriggerRegistration{
		TaskID: "t1", OrgID: "org-1", EventPattern: "external.webhook.issue.*", SourceFilter: &src, Enabled: true,
	}))
	require.NoError(t, reg.Register(ctx, domain.TriggerRegistration{
		TaskID: "t2", OrgID: "org-1", EventPattern: "external.webhook.issue.*", Enabled: false,
	}))
	require.NoError(t, reg.Register(ctx, domain.TriggerRegistration{
		TaskID: "t3", OrgID: "org-2", EventPattern: "external.webhook.issue.*", Enabled: true,
	}))

	matched, err := reg.MatchEvent(ctx, sampleEvent())
	require.NoError(t, err)
	require.Len(t, matched, 1)
	require.Equal(t, domain.TaskID("t1"), matched[0].TaskID)

	// Source filter mismatch excludes the registration.
	other := sampleEvent()
	other.SourceID = "gitlab"
	matched, err = reg.MatchEvent(ctx, other)
	require.NoError(t, err)
	require.Empty(t, matched)

	history, err := reg.GetHistory(ctx, "t1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
}

func TestRegistry_UnregisterRemovesFromOrgIndex(t *testing.T) {
	ctx := context.Background()
	reg := New(Options{})
	require.NoError(t, reg.Register(ctx, domain.TriggerRegistration{
		TaskID: "t1", OrgID: "org-1", EventPattern: "external.webhook.*", Enabled: true,
	}))
	require.NoError(t, reg.Unregister(ctx, "t1"))

	regs, err := reg.List(ctx, "org-1")
	require.NoError(t, err)
	require.Empty(t, regs)

	err = reg.Unregister(ctx, "t1")
	require.Error(t, err)
}
