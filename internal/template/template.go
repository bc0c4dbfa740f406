// Package template resolves the two step-input template syntaxes Tentackl
// recognizes — "{{step_ref.output...}}" and "${node.step_ref.field}" — and
// validates step inputs for malformed template shapes before resolution.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"

	"tentackl/internal/domain"
)

// TruncateLimit is the maximum length of a stringified embedded template
// substitution before it is truncated with truncationMarker.
const TruncateLimit = 50000

const truncationMarker = "\n... [content truncated]"

var (
	curlyPattern  = regexp.MustCompile(`\{\{([a-zA-Z][a-zA-Z0-9_]*)\.(output|outputs)(?:\.(\w+))?(?:\[(\d+)\])?\}\}`)
	dollarPattern = regexp.MustCompile(`\$\{node\.([a-zA-Z][a-zA-Z0-9_]*)\.(\w+)\}`)
)

// Outputs maps a step reference (id or name) to its resolved output value.
// The resolver is built once per resolution pass over a task's completed
// steps.
type Outputs map[string]domain.Value

// OutputsFromTask builds the step-ref -> output lookup from every step in
// terminal-success state, indexed by both id and name (when the name
// differs from the id), since references may use either.
func OutputsFromTask(t *domain.Task) Outputs {
	out := make(Outputs)
	for _, s := range t.Steps {
		if !s.Status.IsTerminalSuccess() {
			continue
		}
		out[string(s.ID)] = s.Outputs
		if s.Name != "" && s.Name != string(s.ID) {
			out[s.Name] = s.Outputs
		}
	}
	return out
}

// Resolve walks value recursively, substituting template references found
// in every string leaf. Values are domain.Value so resolution preserves
// native types for whole-string matches and stringifies (with truncation)
// for embedded matches.
func Resolve(value domain.Value, outputs Outputs) domain.Value {
	switch value.Kind() {
	case domain.KindString:
		s, _ := value.AsString()
		return resolveString(s, outputs)
	case domain.KindArray:
		arr, _ := value.AsArray()
		out := make([]domain.Value, len(arr))
		for i, elem := range arr {
			out[i] = Resolve(elem, outputs)
		}
		return domain.Array(out)
	case domain.KindObject:
		obj, _ := value.AsObject()
		out := make(map[string]domain.Value, len(obj))
		for k, elem := range obj {
			out[k] = Resolve(elem, outputs)
		}
		return domain.Object(out)
	default:
		return value
	}
}

func resolveString(s string, outputs Outputs) domain.Value {
	if m := curlyPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		ref, field, index := m[1], m[3], m[4]
		if v, ok := outputs[ref]; ok {
			return extractValue(v, field, index)
		}
		return domain.String(s)
	}
	if m := dollarPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		ref, field := m[1], m[2]
		if v, ok := outputs[ref]; ok {
			return extractValue(v, field, "")
		}
		return domain.String(s)
	}

	result := curlyPattern.ReplaceAllStringFunc(s, func(match string) string {
		return replaceEmbedded(curlyPattern, match, outputs)
	})
	result = dollarPattern.ReplaceAllStringFunc(result, func(match string) string {
		return replaceEmbedded(dollarPattern, match, outputs)
	})
	return domain.String(result)
}

func replaceEmbedded(pattern *regexp.Regexp, match string, outputs Outputs) string {
	m := pattern.FindStringSubmatch(match)
	if m == nil {
		return match
	}
	var ref, field, index string
	if pattern == curlyPattern {
		ref, field, index = m[1], m[3], m[4]
	} else {
		ref, field = m[1], m[2]
	}
	v, ok := outputs[ref]
	if !ok {
		return match
	}
	extracted := extractValue(v, field, index)
	return stringifyEmbedded(extracted)
}

// extractValue applies an optional field accessor (for object outputs) and
// then an optional array index accessor (for array outputs).
func extractValue(output domain.Value, field, index string) domain.Value {
	result := output
	if field != "" {
		if obj, ok := result.AsObject(); ok {
			if v, ok := obj[field]; ok {
				result = v
			} else {
				result = domain.String("")
			}
		}
	}
	if index != "" {
		if arr, ok := result.AsArray(); ok {
			idx, err := strconv.Atoi(index)
			if err == nil && idx >= 0 && idx < len(arr) {
				result = arr[idx]
			} else {
				result = domain.String("")
			}
		}
	}
	return result
}

func stringifyEmbedded(v domain.Value) string {
	switch v.Kind() {
	case domain.KindString:
		s, _ := v.AsString()
		return truncate(s)
	case domain.KindObject, domain.KindArray:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return truncate(string(b))
	case domain.KindNull:
		return ""
	case domain.KindBool:
		b, _ := v.AsBool()
		return truncate(strconv.FormatBool(b))
	case domain.KindNumber:
		n, _ := v.AsNumber()
		return truncate(strconv.FormatFloat(n, 'f', -1, 64))
	default:
		return ""
	}
}

func truncate(s string) string {
	if len(s) <= TruncateLimit {
		return s
	}
	return s[:TruncateLimit] + truncationMarker
}

// ValidationError describes one malformed template reference.
type ValidationError struct {
	Match  string
	Reason string
}

func (e ValidationError) String() string {
	return fmt.Sprintf("%s: %s", e.Match, e.Reason)
}

// missingFieldPattern matches {{step_ref.output}} / {{step_ref.outputs}}
// with no trailing ".field". Any bare {{x.output}} / {{x.outputs}} without
// a field qualifier is flagged so callers are steered toward the
// field-qualified form.
var missingFieldPattern = regexp.MustCompile(`\{\{([a-zA-Z][a-zA-Z0-9_]*)\.(output|outputs)\}\}`)

// Validate inspects inputs for malformed template shapes — specifically
// `{{step_x.output}}` / `{{step_x.outputs}}` used without a field name —
// and returns one ValidationError per occurrence found. It must run before
// Resolve is ever invoked for a step's inputs.
func Validate(inputs domain.Value) []ValidationError {
	var errs []ValidationError
	collectValidationErrors(inputs, &errs)
	return errs
}

func collectValidationErrors(v domain.Value, errs *[]ValidationError) {
	switch v.Kind() {
	case domain.KindString:
		s, _ := v.AsString()
		for _, m := range missingFieldPattern.FindAllString(s, -1) {
			*errs = append(*errs, ValidationError{
				Match:  m,
				Reason: "missing field name; use {{step.outputs.field_name}} instead of {{step.output}}",
			})
		}
	case domain.KindArray:
		arr, _ := v.AsArray()
		for _, elem := range arr {
			collectValidationErrors(elem, errs)
		}
	case domain.KindObject:
		obj, _ := v.AsObject()
		for _, elem := range obj {
			collectValidationErrors(elem, errs)
		}
	}
}

// HasMissingFieldReference reports whether inputs contain a bare
// {{x.output}}/{{x.outputs}} reference, i.e. whether Validate(inputs) finds
// at least one error, used to detect this exact failure class.
func HasMissingFieldReference(inputs domain.Value) bool {
	return len(Validate(inputs)) > 0
}
