package template

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"tentackl/internal/domain"
)

func TestResolve_WholeStringPreservesType(t *testing.T) {
	outputs := Outputs{
		"step_1": domain.Object(map[string]domain.Value{
			"content":        domain.String("hello"),
			"character_count": domain.Number(5),
		}),
	}
	resolved := Resolve(domain.String("{{step_1.output}}"), outputs)
	require.Equal(t, domain.KindObject, resolved.Kind())
	obj, _ := resolved.AsObject()
	s, _ := obj["content"].AsString()
	require.Equal(t, "hello", s)
}

func TestResolve_FieldAndIndexAccess(t *testing.T) {
	outputs := Outputs{
		"step_1": domain.Object(map[string]domain.Value{
			"findings": domain.Array([]domain.Value{domain.String("a"), domain.String("b")}),
		}),
	}
	resolved := Resolve(domain.String("{{step_1.outputs.findings[1]}}"), outputs)
	s, ok := resolved.AsString()
	require.True(t, ok)
	require.Equal(t, "b", s)
}

func TestResolve_DollarSyntax(t *testing.T) {
	outputs := Outputs{
		"step_1": domain.Object(map[string]domain.Value{
			"content": domain.String("x"),
		}),
	}
	resolved := Resolve(domain.String("${node.step_1.content}"), outputs)
	s, _ := resolved.AsString()
	require.Equal(t, "x", s)
}

func TestResolve_EmbeddedStringifiesAndTruncates(t *testing.T) {
	big := strings.Repeat("a", TruncateLimit+10)
	outputs := Outputs{
		"step_1": domain.Object(map[string]domain.Value{
			"content": domain.String(big),
		}),
	}
	resolved := Resolve(domain.String("prefix {{step_1.outputs.content}} suffix"), outputs)
	s, _ := resolved.AsString()
	require.True(t, strings.HasPrefix(s, "prefix "+strings.Repeat("a", TruncateLimit)))
	require.Contains(t, s, "[content truncated]")
}

func TestResolve_EmbeddedObjectSerializesAsJSON(t *testing.T) {
	outputs := Outputs{
		"step_1": domain.Object(map[string]domain.Value{
			"data": domain.Object(map[string]domain.Value{"a": domain.Number(1)}),
		}),
	}
	resolved := Resolve(domain.String("value: {{step_1.outputs.data}}"), outputs)
	s, _ := resolved.AsString()
	require.Equal(t, `value: {"a":1}`, s)
}

func TestResolve_UnresolvedReferenceKeepsOriginal(t *testing.T) {
	resolved := Resolve(domain.String("{{missing.output}}"), Outputs{})
	s, _ := resolved.AsString()
	require.Equal(t, "{{missing.output}}", s)
}

func TestValidate_RejectsBareOutput(t *testing.T) {
	errs := Validate(domain.Object(map[string]domain.Value{
		"summary": domain.String("{{step_1.output}}"),
	}))
	require.Len(t, errs, 1)
	require.Contains(t, errs[0].Match, "step_1.output")
}

func TestValidate_AcceptsFieldQualified(t *testing.T) {
	errs := Validate(domain.Object(map[string]domain.Value{
		"summary": domain.String("{{step_1.outputs.findings}}"),
	}))
	require.Empty(t, errs)
}
