package loader

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tidewater-labs/flotilla/pkg/schema"
)

// workflowSchemaJSON is the JSON Schema for workflow definitions.
// Embedded as a constant to avoid filesystem dependencies.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://flotilla.dev/schemas/workflow.json",
  "type": "object",
  "required": ["steps"],
  "properties": {
    "name": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    },
    "inputs": { "type": "object" },
    "timeout": {
      "type": "string",
      "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
    },
    "metadata": { "type": "object" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["name", "capability"],
      "properties": {
        "name": {
          "type": "string",
          "minLength": 1
        },
        "capability": {
          "type": "string",
          "minLength": 1
        },
        "inputs": { "type": "object" },
        "outputs": {
          "type": "array",
          "items": { "$ref": "#/$defs/output" }
        },
        "depends_on": {
          "type": "array",
          "items": { "type": "string" }
        },
        "tier": {
          "type": "string",
          "enum": ["premium", "mid", "local"]
        },
        "max_tier": {
          "type": "string",
          "enum": ["premium", "mid", "local"]
        },
        "retry": { "$ref": "#/$defs/retry" },
        "timeout": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "optional": { "type": "boolean" },
        "when": { "type": "string" },
        "config": {}
      },
      "additionalProperties": false
    },
    "output": {
      "type": "object",
      "required": ["key"],
      "properties": {
        "key": {
          "type": "string",
          "minLength": 1
        },
        "path": { "type": "string" }
      },
      "additionalProperties": false
    },
    "retry": {
      "type": "object",
      "required": ["max"],
      "properties": {
        "max": {
          "type": "integer",
          "minimum": 0
        },
        "backoff": {
          "type": "string",
          "enum": ["none", "linear", "exponential", "constant"]
        },
        "delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        },
        "max_delay": {
          "type": "string",
          "pattern": "^[0-9]+(ns|us|µs|ms|s|m|h)$"
        }
      },
      "additionalProperties": false
    }
  }
}`

// Loader parses and validates workflow definitions. Schema validation
// catches shape errors; a semantic pass catches what JSON Schema cannot
// express (dangling references, tier ordering). It is safe for concurrent use.
type Loader struct {
	workflowSchema *jsonschema.Schema
}

// New creates a Loader with the workflow schema pre-compiled.
func New() (*Loader, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	if err := c.AddResource("https://flotilla.dev/schemas/workflow.json", schemaDoc); err != nil {
		return nil, fmt.Errorf("add workflow schema resource: %w", err)
	}

	wfSchema, err := c.Compile("https://flotilla.dev/schemas/workflow.json")
	if err != nil {
		return nil, fmt.Errorf("compile workflow schema: %w", err)
	}

	return &Loader{workflowSchema: wfSchema}, nil
}

// Load parses raw JSON into a validated WorkflowDefinition.
func (l *Loader) Load(data []byte) (*schema.WorkflowDefinition, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(data)))
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow is not valid JSON").WithCause(err)
	}
	if err := l.workflowSchema.Validate(doc); err != nil {
		return nil, toFlotillaError(err)
	}

	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "decode workflow definition").WithCause(err)
	}

	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadFile loads and validates a workflow definition from a JSON file.
func (l *Loader) LoadFile(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "read workflow file %q: %s", path, err.Error()).WithCause(err)
	}
	return l.Load(data)
}

// Validate runs the semantic pass over a definition: unique step names,
// resolvable dependencies, coherent tier bounds. Cycle detection is left to
// the graph build, which can name the cycle members.
func Validate(def *schema.WorkflowDefinition) error {
	result := &schema.ValidationResult{}

	names := make(map[string]bool, len(def.Steps))
	for i, step := range def.Steps {
		path := fmt.Sprintf("/steps/%d", i)
		if names[step.Name] {
			result.AddError(path, "duplicate_step", fmt.Sprintf("duplicate step name %q", step.Name))
		}
		names[step.Name] = true
	}

	for i, step := range def.Steps {
		path := fmt.Sprintf("/steps/%d", i)

		for _, dep := range step.DependsOn {
			if !names[dep] {
				result.AddError(path, "unknown_dependency",
					fmt.Sprintf("step %q depends on unknown step %q", step.Name, dep))
			}
			if dep == step.Name {
				result.AddError(path, "self_dependency",
					fmt.Sprintf("step %q depends on itself", step.Name))
			}
		}

		if step.Tier != "" && !step.Tier.Valid() {
			result.AddError(path, "unknown_tier", fmt.Sprintf("unknown tier %q", step.Tier))
		}
		if step.MaxTier != "" && !step.MaxTier.Valid() {
			result.AddError(path, "unknown_tier", fmt.Sprintf("unknown max_tier %q", step.MaxTier))
		}
		if step.Tier != "" && step.MaxTier != "" && tierIndex(step.MaxTier) < tierIndex(step.Tier) {
			result.AddError(path, "tier_order",
				fmt.Sprintf("step %q: max_tier %q is narrower than tier %q", step.Name, step.MaxTier, step.Tier))
		}
		if step.MaxTier != "" && step.Tier == "" {
			result.AddWarning(path, "max_tier_without_tier",
				fmt.Sprintf("step %q sets max_tier without tier; routing starts at premium", step.Name))
		}

		if step.Retry != nil && step.Retry.Max < 0 {
			result.AddError(path, "retry_bounds",
				fmt.Sprintf("step %q: retry max must be >= 0", step.Name))
		}

		seenKeys := make(map[string]bool, len(step.Outputs))
		for _, out := range step.Outputs {
			if seenKeys[out.Key] {
				result.AddError(path, "duplicate_output",
					fmt.Sprintf("step %q publishes output key %q twice", step.Name, out.Key))
			}
			seenKeys[out.Key] = true
		}
	}

	return result.ToError()
}

func tierIndex(t schema.Tier) int {
	for i, c := range schema.TierChain {
		if c == t {
			return i
		}
	}
	return len(schema.TierChain)
}

// toFlotillaError converts a jsonschema.ValidationError into a FlotillaError
// with clear, actionable messages for agent consumption.
func toFlotillaError(err error) *schema.FlotillaError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(schema.ErrCodeValidation, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(schema.ErrCodeValidation, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}
