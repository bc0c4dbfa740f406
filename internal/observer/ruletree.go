package observer

import (
	"tentackl/internal/domain"
	"tentackl/internal/ports"
	"tentackl/internal/transient"
)

// proposeWithoutLLM is the deterministic rule tree used when the LLM is
// unavailable or declines to propose. It is a pure function of the failed
// step so it can be exercised without a model.Client.
func proposeWithoutLLM(step *domain.Step, errMsg string) ports.Proposal {
	if step.RetryCount < step.MaxRetries && transient.Is(errMsg) {
		return ports.Proposal{
			Type:       ports.ProposalRetry,
			Reason:     "Error appears transient, retrying",
			Confidence: 0.6,
		}
	}

	if step.FallbackConfig.HasOptions() {
		if len(step.FallbackConfig.Models) > 0 {
			return ports.Proposal{
				Type:          ports.ProposalFallback,
				Reason:        "Using fallback option",
				FallbackModel: step.FallbackConfig.Models[0],
				Confidence:    0.7,
			}
		}
		return ports.Proposal{
			Type:        ports.ProposalFallback,
			Reason:      "Using fallback option",
			FallbackAPI: step.FallbackConfig.APIs[0],
			Confidence:  0.7,
		}
	}

	if !step.Critical {
		return ports.Proposal{
			Type:       ports.ProposalSkip,
			Reason:     "Non-critical step, skipping",
			Confidence: 0.8,
		}
	}

	return ports.Proposal{
		Type:       ports.ProposalAbort,
		Reason:     "Critical step failed with no recovery options",
		Confidence: 0.9,
	}
}
