package trigger

import (
	"fmt"
	"regexp"
	"strings"

	"tentackl/internal/domain"
	"tentackl/internal/ports"
)

// triggerTokenPattern matches "${trigger_event.<path>}" tokens in string
// leaves of a cloned step's inputs.
var triggerTokenPattern = regexp.MustCompile(`\$\{trigger_event\.([^}]+)\}`)

// eventAsMap flattens a TriggerEvent into the nested-map shape
// nestedTriggerValue walks: "type", "source_id", "organization_id", and
// the inbound webhook body under "body", so tokens can reference both
// envelope fields and payload fields.
func eventAsMap(evt ports.TriggerEvent) map[string]any {
	return map[string]any{
		"type":            evt.EventType,
		"source_id":       evt.SourceID,
		"organization_id": evt.OrgID,
		"body":            evt.Body,
	}
}

// nestedTriggerValue walks a dotted path into data, returning (nil, false)
// the moment any segment is missing or data isn't a map at that point.
func nestedTriggerValue(data map[string]any, path string) (any, bool) {
	var current any = data
	for _, key := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[key]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// SubstituteTriggerData walks value recursively, replacing every
// "${trigger_event.<path>}" token in every string leaf with the
// stringified nested value from evt, leaving unmatched tokens verbatim.
// Substitution always stringifies, whether the token is the whole string
// or embedded in a larger one.
func SubstituteTriggerData(value domain.Value, evt ports.TriggerEvent) domain.Value {
	data := eventAsMap(evt)
	return substitute(value, data)
}

func substitute(value domain.Value, data map[string]any) domain.Value {
	switch value.Kind() {
	case domain.KindString:
		s, _ := value.AsString()
		if !strings.Contains(s, "${trigger_event.") {
			return value
		}
		replaced := triggerTokenPattern.ReplaceAllStringFunc(s, func(match string) string {
			sub := triggerTokenPattern.FindStringSubmatch(match)
			if len(sub) != 2 {
				return match
			}
			val, ok := nestedTriggerValue(data, sub[1])
			if !ok {
				return match
			}
			return stringifyTriggerValue(val)
		})
		return domain.String(replaced)
	case domain.KindArray:
		arr, _ := value.AsArray()
		out := make([]domain.Value, len(arr))
		for i, elem := range arr {
			out[i] = substitute(elem, data)
		}
		return domain.Array(out)
	case domain.KindObject:
		obj, _ := value.AsObject()
		out := make(map[string]domain.Value, len(obj))
		for k, elem := range obj {
			out[k] = substitute(elem, data)
		}
		return domain.Object(out)
	default:
		return value
	}
}

func stringifyTriggerValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

// CloneSteps deep-copies template steps for a new task run: inputs are
// template-substituted against evt (pass a zero TriggerEvent for a
// schedule/automation clone, which needs no substitution), outputs and
// retry state reset, and dependency/ordering fields carried over
// unchanged.
func CloneSteps(steps []domain.Step, evt ports.TriggerEvent) []domain.Step {
	out := make([]domain.Step, len(steps))
	for i, s := range steps {
		deps := make([]domain.StepID, len(s.DependsOn))
		copy(deps, s.DependsOn)
		out[i] = domain.Step{
			ID:                 s.ID,
			Name:               s.Name,
			Description:        s.Description,
			AgentType:          s.AgentType,
			Domain:             s.Domain,
			Inputs:             SubstituteTriggerData(s.Inputs.Clone(), evt),
			Outputs:            domain.Null(),
			DependsOn:          deps,
			Status:             domain.StepPending,
			ParallelGroup:      s.ParallelGroup,
			FailurePolicy:      s.FailurePolicy,
			CheckpointRequired: s.CheckpointRequired,
			CheckpointConfig:   s.CheckpointConfig,
			FallbackConfig:     s.FallbackConfig,
			Critical:           s.Critical,
			RetryCount:         0,
			MaxRetries:         s.MaxRetries,
		}
	}
	return out
}
