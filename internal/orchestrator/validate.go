package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// validateArgs checks tool arguments against the schema the provider
// advertised at startup. A missing or empty schema validates everything.
func validateArgs(schema map[string]any, args map[string]any) error {
	if len(schema) == 0 {
		return nil
	}

	// Round-trip through JSON so numeric types match what the compiler
	// expects from a decoded document.
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("invalid tool schema: %w", err)
	}
	var schemaObj any
	if err := json.Unmarshal(schemaBytes, &schemaObj); err != nil {
		return fmt.Errorf("invalid tool schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", schemaObj); err != nil {
		return fmt.Errorf("compile tool schema: %w", err)
	}
	sch, err := c.Compile("schema.json")
	if err != nil {
		return fmt.Errorf("compile tool schema: %w", err)
	}

	argBytes, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	var doc any
	if err := json.Unmarshal(argBytes, &doc); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}

	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("argument validation failed: %w", err)
	}
	return nil
}
