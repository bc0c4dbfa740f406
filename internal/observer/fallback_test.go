package observer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tentackl/internal/domain"
)

// Consecutive FALLBACK decisions must narrow FallbackConfig monotonically:
// each option used is popped off before the step's possible re-dispatch, so
// the same fallback is never selected twice.
func TestProposeWithoutLLM_FallbackNarrowsMonotonically(t *testing.T) {
	step := &domain.Step{
		RetryCount:     3,
		MaxRetries:     3,
		FallbackConfig: &domain.FallbackConfig{Models: []string{"gpt-4o", "gpt-4o-mini"}},
	}

	first := proposeWithoutLLM(step, "permanent failure")
	require.Equal(t, "gpt-4o", first.FallbackModel)

	step.FallbackConfig.PopModel()
	require.Equal(t, []string{"gpt-4o-mini"}, step.FallbackConfig.Models)

	second := proposeWithoutLLM(step, "permanent failure")
	require.Equal(t, "gpt-4o-mini", second.FallbackModel)
}
