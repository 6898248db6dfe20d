package validation

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rendis/opflow/pkg/schema"
)

const workflowSchemaURL = "https://opflow.dev/schemas/workflow.json"

// workflowSchemaJSON describes the JSON form of a WorkflowDefinition.
const workflowSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://opflow.dev/schemas/workflow.json",
  "type": "object",
  "required": ["id", "steps"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "name": { "type": "string" },
    "description": { "type": "string" },
    "trigger": {
      "type": "string",
      "enum": ["manual", "scheduled", "event"]
    },
    "trigger_config": { "type": "object" },
    "steps": {
      "type": "array",
      "items": { "$ref": "#/$defs/step" }
    },
    "inactive": { "type": "boolean" },
    "created_at": { "type": "string" },
    "updated_at": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["id", "agent_id", "action_type"],
      "properties": {
        "id": { "type": "string", "minLength": 1 },
        "agent_id": { "type": "string", "minLength": 1 },
        "action_type": { "type": "string", "minLength": 1 },
        "name": { "type": "string" },
        "description": { "type": "string" },
        "input": {},
        "input_type": {
          "type": "string",
          "enum": ["static", "dynamic", "previous"]
        },
        "output_mapping": { "type": "string" },
        "condition": { "$ref": "#/$defs/condition" },
        "timeout": {
          "type": "string",
          "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
        }
      },
      "additionalProperties": false
    },
    "condition": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "type": {
          "type": "string",
          "enum": ["always", "if", "if-else"]
        },
        "expression": { "type": "string" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator checks definitions against the workflow schema and
// arbitrary values against caller-supplied schemas. It is safe for concurrent use.
type JSONSchemaValidator struct {
	workflowSchema *jsonschema.Schema

	// compiled maps the sha256 of a schema's text to its *compiledSchema.
	compiled sync.Map
}

// compiledSchema compiles once; concurrent first users wait on once.
type compiledSchema struct {
	once   sync.Once
	schema *jsonschema.Schema
	err    error
}

func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(workflowSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal workflow schema: %w", err)
	}
	wf, err := compileDoc(workflowSchemaURL, doc)
	if err != nil {
		return nil, fmt.Errorf("workflow schema: %w", err)
	}
	return &JSONSchemaValidator{workflowSchema: wf}, nil
}

// ValidateDefinition validates the JSON form of def against the workflow schema.
// An empty trigger is treated as manual and nil steps as an empty list, matching
// how the store persists them.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.WorkflowDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is nil")
	}

	normalized := *def
	if normalized.Trigger == "" {
		normalized.Trigger = schema.TriggerManual
	}
	if normalized.Steps == nil {
		normalized.Steps = []schema.StepDefinition{}
	}

	doc, err := toJSONValue(&normalized)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize workflow definition").WithCause(err)
	}

	if err := v.workflowSchema.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

// ValidateInput validates a JSON-compatible value against a JSON Schema given
// as raw bytes. Each distinct schema text is compiled once.
func (v *JSONSchemaValidator) ValidateInput(input any, inputSchema []byte) error {
	if len(inputSchema) == 0 {
		return nil
	}

	compiled, err := v.schemaFor(inputSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid input schema").WithCause(err)
	}

	doc, err := toJSONValue(input)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize input").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toFlowError(err)
	}
	return nil
}

func (v *JSONSchemaValidator) schemaFor(text []byte) (*jsonschema.Schema, error) {
	sum := sha256.Sum256(text)
	key := hex.EncodeToString(sum[:])

	entry, _ := v.compiled.LoadOrStore(key, &compiledSchema{})
	cs := entry.(*compiledSchema)
	cs.once.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(text))
		if err != nil {
			cs.err = fmt.Errorf("unmarshal schema: %w", err)
			return
		}
		cs.schema, cs.err = compileDoc("opflow://input-schema/"+key, doc)
	})
	return cs.schema, cs.err
}

// compiledCount reports how many distinct schemas have been seen.
func (v *JSONSchemaValidator) compiledCount() int {
	n := 0
	v.compiled.Range(func(any, any) bool { n++; return true })
	return n
}

// compileDoc compiles one schema document with format assertions on, using a
// fresh compiler so resource URLs never collide.
func compileDoc(url string, doc any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return sch, nil
}

// toJSONValue round-trips v through JSON so numbers decode as json.Number,
// which the validator requires.
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(bytes.NewReader(b))
}

// toFlowError flattens a jsonschema.ValidationError into a VALIDATION_ERROR
// whose Details["violations"] lists each leaf failure as "/location: message".
func toFlowError(err error) *schema.FlowError {
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return schema.NewError(schema.ErrCodeValidation, err.Error())
	}

	var violations []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			violations = append(violations, "/"+strings.Join(e.InstanceLocation, "/")+": "+e.Error())
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(verr)

	msg := violations[0]
	if len(violations) > 1 {
		msg = fmt.Sprintf("validation failed with %d errors", len(violations))
	}
	return schema.NewError(schema.ErrCodeValidation, msg).
		WithDetails(map[string]any{"violations": violations})
}
