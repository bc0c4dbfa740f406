// Package schema validates planner output and plugin inputs/outputs
// against JSON Schema documents, catching malformed shapes before they
// reach the orchestrator's template resolver or a plugin invocation.
package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Validator compiles and caches JSON schemas by name.
type Validator struct {
	compiler *jsonschema.Compiler
	schemas  map[string]*jsonschema.Schema
}

// New constructs a Validator with no schemas registered yet.
func New() *Validator {
	return &Validator{
		compiler: jsonschema.NewCompiler(),
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Register compiles and stores a schema under name, accepting the schema
// as a raw JSON document.
func (v *Validator) Register(name string, schemaJSON []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("schema: unmarshal %s: %w", name, err)
	}
	url := "mem://tentackl/" + name
	if err := v.compiler.AddResource(url, doc); err != nil {
		return fmt.Errorf("schema: add resource %s: %w", name, err)
	}
	compiled, err := v.compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("schema: compile %s: %w", name, err)
	}
	v.schemas[name] = compiled
	return nil
}

// Validate checks data (already decoded into Go-native types: map[string]any,
// []any, etc.) against the named, previously-registered schema.
func (v *Validator) Validate(name string, data any) error {
	s, ok := v.schemas[name]
	if !ok {
		return fmt.Errorf("schema: no schema registered under %q", name)
	}
	return s.Validate(data)
}

// ValidateJSON decodes raw JSON and validates it against the named schema.
func (v *Validator) ValidateJSON(name string, raw []byte) error {
	var data any
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("schema: decode: %w", err)
	}
	return v.Validate(name, data)
}

// StepListSchema is the schema the planner's raw step-list LLM response
// must satisfy before it is accepted into the pipeline.
const StepListSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "required": ["name", "agent_type"],
    "properties": {
      "name": {"type": "string", "minLength": 1},
      "description": {"type": "string"},
      "agent_type": {"type": "string", "minLength": 1},
      "depends_on": {"type": "array", "items": {"type": "string"}},
      "inputs": {"type": "object"},
      "critical": {"type": "boolean"}
    }
  }
}`
