package observer

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tentackl/internal/domain"
	"tentackl/internal/ports"
)

func TestProposeWithoutLLM_TransientRetries(t *testing.T) {
	step := &domain.Step{RetryCount: 0, MaxRetries: 3}
	p := proposeWithoutLLM(step, "request timeout")
	require.Equal(t, ports.ProposalRetry, p.Type)
}

func TestProposeWithoutLLM_FallbackWhenAvailable(t *testing.T) {
	step := &domain.Step{
		RetryCount:     3,
		MaxRetries:     3,
		FallbackConfig: &domain.FallbackConfig{Models: []string{"gpt-4o"}},
	}
	p := proposeWithoutLLM(step, "permanent failure")
	require.Equal(t, ports.ProposalFallback, p.Type)
	require.Equal(t, "gpt-4o", p.FallbackModel)
}

func TestProposeWithoutLLM_SkipsNonCritical(t *testing.T) {
	step := &domain.Step{RetryCount: 3, MaxRetries: 3, Critical: false}
	p := proposeWithoutLLM(step, "permanent failure")
	require.Equal(t, ports.ProposalSkip, p.Type)
}

func TestProposeWithoutLLM_AbortsCritical(t *testing.T) {
	step := &domain.Step{RetryCount: 3, MaxRetries: 3, Critical: true}
	p := proposeWithoutLLM(step, "permanent failure")
	require.Equal(t, ports.ProposalAbort, p.Type)
}
