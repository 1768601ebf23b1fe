package registry

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ValidateArguments checks tool-call arguments against the tool's input
// schema from the listing. Tools without a schema accept any arguments.
// A validation failure means the call is rejected locally; the executor
// never sees arguments its schema rules out.
func (e ToolEntry) ValidateArguments(args json.RawMessage) error {
	if len(e.InputSchema) == 0 {
		return nil
	}

	var schemaObj any
	if err := json.Unmarshal(e.InputSchema, &schemaObj); err != nil {
		return fmt.Errorf("tool %s: invalid input schema: %w", e.Name, err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaObj); err != nil {
		return fmt.Errorf("tool %s: schema compile: %w", e.Name, err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("tool %s: schema compile: %w", e.Name, err)
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var parsed any
	if err := json.Unmarshal(args, &parsed); err != nil {
		return fmt.Errorf("tool %s: arguments are not valid JSON: %w", e.Name, err)
	}

	if err := sch.Validate(parsed); err != nil {
		return fmt.Errorf("tool %s: %w", e.Name, err)
	}
	return nil
}
