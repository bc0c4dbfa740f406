package preference_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"tentackl/internal/domain"
	"tentackl/internal/preference"
	storememory "tentackl/internal/store/memory"
)

func replanContext() domain.ReplanContext {
	return domain.ReplanContext{Diagnosis: "agent_type not found", SuggestedAgentType: "compose"}
}

func newService(t *testing.T) *preference.Service {
	t.Helper()
	svc, err := preference.New(preference.Options{Store: storememory.NewPreferenceStore()})
	require.NoError(t, err)
	return svc
}

func TestAutoApprove_RequiresThreeCleanApprovals(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		require.NoError(t, svc.RecordOutcome(ctx, "u1", "risk.send_email", true))
	}
	auto, err := svc.AutoApproveDecision(ctx, "u1", "risk.send_email")
	require.NoError(t, err)
	require.False(t, auto, "two approvals are not enough")

	require.NoError(t, svc.RecordOutcome(ctx, "u1", "risk.send_email", true))
	auto, err = svc.AutoApproveDecision(ctx, "u1", "risk.send_email")
	require.NoError(t, err)
	require.True(t, auto)
}

func TestAutoApprove_AnyRejectionBlocks(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.RecordOutcome(ctx, "u1", "risk.publish", true))
	}
	require.NoError(t, svc.RecordOutcome(ctx, "u1", "risk.publish", false))

	auto, err := svc.AutoApproveDecision(ctx, "u1", "risk.publish")
	require.NoError(t, err)
	require.False(t, auto)

	stats, err := svc.GetPreferenceStats(ctx, "u1", "risk.publish")
	require.NoError(t, err)
	require.Equal(t, 3, stats.ApproveCount)
	require.Equal(t, 1, stats.RejectCount)
}

func TestAutoApprove_UnknownKeyIsFalseNotError(t *testing.T) {
	svc := newService(t)
	auto, err := svc.AutoApproveDecision(context.Background(), "u1", "never.seen")
	require.NoError(t, err)
	require.False(t, auto)
}

func TestDelete_ForgetsPreference(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	require.NoError(t, svc.RecordOutcome(ctx, "u1", "risk.payment", true))
	require.NoError(t, svc.Delete(ctx, "u1", "risk.payment"))

	stats, err := svc.GetPreferenceStats(ctx, "u1", "risk.payment")
	require.NoError(t, err)
	require.Nil(t, stats)

	prefs, err := svc.ListPreferences(ctx, "u1")
	require.NoError(t, err)
	require.Empty(t, prefs)
}

func TestLearnFromReplan_TalliesUnderReplanKey(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()
	require.NoError(t, svc.LearnFromReplan(ctx, "u1", replanContext(), true))

	stats, err := svc.GetPreferenceStats(ctx, "u1", "delegation.replan")
	require.NoError(t, err)
	require.Equal(t, 1, stats.ApproveCount)
}
