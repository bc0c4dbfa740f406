package observer

import "strings"

func isContentFilterError(errMsg string) bool {
	if errMsg == "" {
		return false
	}
	lower := strings.ToLower(errMsg)
	for _, ind := range contentFilterIndicators {
		if strings.Contains(lower, strings.ToLower(ind)) {
			return true
		}
	}
	return false
}

func isModifiableStep(agentType string) bool {
	return modifiableAgentTypes[agentType]
}

func isInvalidAgentTypeError(errMsg string) bool {
	if errMsg == "" {
		return false
	}
	lower := strings.ToLower(errMsg)
	return strings.Contains(lower, "unknown subagent type") || strings.Contains(lower, "unknown agent type")
}

// suggestedAgentType returns the nearest correction for an invalid
// agent_type, or "" if none is known.
func suggestedAgentType(invalidType string) string {
	return agentTypeCorrections[strings.ToLower(invalidType)]
}
