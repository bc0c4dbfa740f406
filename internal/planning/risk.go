package planning

import (
	"strconv"
	"strings"

	"tentackl/internal/domain"
)

// sensitiveAgentTypes names agent types whose side effects are hard or
// impossible to undo and therefore default to requiring a checkpoint —
// sending mail, moving money, publishing, and deleting records.
var sensitiveAgentTypes = map[string]string{
	"email_send":     "sends an email to an external recipient",
	"send_email":     "sends an email to an external recipient",
	"payment":        "moves money",
	"publish":        "publishes content externally",
	"delete_record":  "permanently deletes a record",
	"post_social":    "posts to a public social account",
	"webhook_invoke":  "invokes an external webhook with side effects",
}

// DefaultRiskDetector flags steps by agent-type membership in
// sensitiveAgentTypes.
type DefaultRiskDetector struct{}

// AssessPlan implements RiskDetector.
func (DefaultRiskDetector) AssessPlan(steps []domain.Step) map[domain.StepID]RiskAssessment {
	out := make(map[domain.StepID]RiskAssessment)
	for _, s := range steps {
		reason, sensitive := sensitiveAgentTypes[strings.ToLower(s.AgentType)]
		if !sensitive {
			continue
		}
		out[s.ID] = RiskAssessment{
			RequiresCheckpoint: true,
			CheckpointConfig: &domain.CheckpointConfig{
				Name:          "risk_approval",
				Description:   "This step " + reason + " and requires approval before it runs.",
				ApprovalType:  domain.ApprovalLearned,
				PreferenceKey: "risk." + strings.ToLower(s.AgentType),
			},
		}
	}
	return out
}

// assignParallelGroups walks the dependency DAG and tags every step with
// the ordinal of its topological layer: steps whose dependencies are all
// in earlier layers share a layer, and therefore a parallel_group tag.
func assignParallelGroups(steps []domain.Step) {
	layer := make(map[domain.StepID]int, len(steps))
	byID := make(map[domain.StepID]*domain.Step, len(steps))
	for i := range steps {
		byID[steps[i].ID] = &steps[i]
	}

	var resolve func(id domain.StepID) int
	resolve = func(id domain.StepID) int {
		if l, ok := layer[id]; ok {
			return l
		}
		s, ok := byID[id]
		if !ok {
			return 0
		}
		max := -1
		for _, dep := range s.DependsOn {
			if l := resolve(dep); l > max {
				max = l
			}
		}
		l := max + 1
		layer[id] = l
		return l
	}

	for i := range steps {
		if steps[i].ParallelGroup != nil && *steps[i].ParallelGroup != "" {
			continue // respect any planner-supplied grouping
		}
		l := resolve(steps[i].ID)
		tag := "group_" + strconv.Itoa(l)
		steps[i].ParallelGroup = &tag
	}
}
