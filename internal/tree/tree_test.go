package tree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tentackl/internal/domain"
)

func linearSteps() []domain.Step {
	return []domain.Step{
		{ID: "s1"},
		{ID: "s2", DependsOn: []domain.StepID{"s1"}},
		{ID: "s3", DependsOn: []domain.StepID{"s2"}},
	}
}

func TestReadyNodes_LinearChain(t *testing.T) {
	tr := New("t1", linearSteps())

	require.Equal(t, []domain.StepID{"s1"}, tr.ReadyNodes())

	require.NoError(t, tr.StartStep("s1"))
	require.Empty(t, tr.ReadyNodes())

	require.NoError(t, tr.CompleteStep("s1", domain.String("ok")))
	require.Equal(t, []domain.StepID{"s2"}, tr.ReadyNodes())

	require.NoError(t, tr.StartStep("s2"))
	require.NoError(t, tr.SkipStep("s2"))
	require.Equal(t, []domain.StepID{"s3"}, tr.ReadyNodes())
}

func TestReadyNodes_FailedDependencyNeverReady(t *testing.T) {
	tr := New("t1", linearSteps())
	require.NoError(t, tr.StartStep("s1"))
	require.NoError(t, tr.FailStep("s1"))

	require.Empty(t, tr.ReadyNodes())
	require.Equal(t, []domain.StepID{"s2", "s3"}, tr.PendingBlockedByFailure())
}

func TestReadyGroups_ParallelTag(t *testing.T) {
	tagA := "groupA"
	steps := []domain.Step{
		{ID: "a", ParallelGroup: &tagA},
		{ID: "b", ParallelGroup: &tagA},
		{ID: "c"},
	}
	tr := New("t1", steps)
	groups := ReadyGroups(tr, steps)
	require.Len(t, groups, 2)

	var gotTagged, gotSolo bool
	for _, g := range groups {
		if g.Tag == tagA {
			require.ElementsMatch(t, []domain.StepID{"a", "b"}, g.Steps)
			gotTagged = true
		} else {
			require.Equal(t, []domain.StepID{"c"}, g.Steps)
			gotSolo = true
		}
	}
	require.True(t, gotTagged)
	require.True(t, gotSolo)
}

func TestIsTaskComplete(t *testing.T) {
	tr := New("t1", linearSteps())
	require.False(t, tr.IsTaskComplete())

	for _, id := range []domain.StepID{"s1", "s2", "s3"} {
		require.NoError(t, tr.StartStep(id))
		require.NoError(t, tr.CompleteStep(id, domain.Null()))
	}
	require.True(t, tr.IsTaskComplete())
}

func TestResetStep_AllowsRetryDispatch(t *testing.T) {
	tr := New("t1", linearSteps())
	require.NoError(t, tr.StartStep("s1"))
	require.NoError(t, tr.ResetStep("s1"))
	require.Equal(t, []domain.StepID{"s1"}, tr.ReadyNodes())
}
