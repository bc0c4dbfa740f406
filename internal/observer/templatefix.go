package observer

import (
	"regexp"

	"tentackl/internal/domain"
)

var (
	bareOutputPattern  = regexp.MustCompile(`\{\{(\w+)\.output\}\}`)
	bareOutputsPattern = regexp.MustCompile(`\{\{(\w+)\.outputs\}\}`)
	bareResultPattern  = regexp.MustCompile(`\{\{(\w+)\.result\}\}`)
)

// defaultFieldResolver looks up the default output field for a step
// reference, preferring its actual output keys when known, then the
// per-agent-type table, then the generic fallback table, then "result".
type defaultFieldResolver struct {
	agentTypeOf map[string]string      // step id -> agent_type
	outputsOf   map[string]domain.Value // step id -> outputs, when already executed
}

func newDefaultFieldResolver(t *domain.Task) *defaultFieldResolver {
	r := &defaultFieldResolver{
		agentTypeOf: make(map[string]string, len(t.Steps)),
		outputsOf:   make(map[string]domain.Value, len(t.Steps)),
	}
	for _, s := range t.Steps {
		r.agentTypeOf[string(s.ID)] = s.AgentType
		if !s.Outputs.IsNull() {
			r.outputsOf[string(s.ID)] = s.Outputs
		}
	}
	return r
}

func (r *defaultFieldResolver) defaultField(stepRef string) string {
	if outputs, ok := r.outputsOf[stepRef]; ok {
		if obj, ok := outputs.AsObject(); ok && len(obj) > 0 {
			for k := range obj {
				return k
			}
		}
	}
	agentType := r.agentTypeOf[stepRef]
	if fields, ok := agentOutputFields[agentType]; ok && len(fields) > 0 {
		return fields[0]
	}
	if field, ok := genericFieldFallbacks[agentType]; ok {
		return field
	}
	return "result"
}

// fixTemplateSyntax rewrites the three malformed reference shapes
// ({{x.output}}, {{x.outputs}}, {{x.result}}) into the field-qualified
// {{x.outputs.<field>}} form, recursively across a domain.Value tree.
func fixTemplateSyntax(v domain.Value, resolver *defaultFieldResolver) domain.Value {
	switch v.Kind() {
	case domain.KindString:
		s, _ := v.AsString()
		s = bareOutputPattern.ReplaceAllStringFunc(s, func(m string) string {
			return rewriteBare(bareOutputPattern, m, resolver)
		})
		s = bareOutputsPattern.ReplaceAllStringFunc(s, func(m string) string {
			return rewriteBare(bareOutputsPattern, m, resolver)
		})
		s = bareResultPattern.ReplaceAllStringFunc(s, func(m string) string {
			return rewriteBare(bareResultPattern, m, resolver)
		})
		return domain.String(s)
	case domain.KindArray:
		arr, _ := v.AsArray()
		out := make([]domain.Value, len(arr))
		for i, elem := range arr {
			out[i] = fixTemplateSyntax(elem, resolver)
		}
		return domain.Array(out)
	case domain.KindObject:
		obj, _ := v.AsObject()
		out := make(map[string]domain.Value, len(obj))
		for k, elem := range obj {
			out[k] = fixTemplateSyntax(elem, resolver)
		}
		return domain.Object(out)
	default:
		return v
	}
}

func rewriteBare(pattern *regexp.Regexp, match string, resolver *defaultFieldResolver) string {
	m := pattern.FindStringSubmatch(match)
	if m == nil {
		return match
	}
	stepRef := m[1]
	field := resolver.defaultField(stepRef)
	return "{{" + stepRef + ".outputs." + field + "}}"
}
