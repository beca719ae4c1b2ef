package scenario

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// JSONSchema describes the scenario file format for editors and linters.
func JSONSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: true,
	}
	schema := reflector.Reflect(new(Scenario))
	schema.Title = "railsim scenario"
	schema.Description = "Track network and initial trains loaded by railsim run --scenario"
	return schema
}

// MarshalSchema renders JSONSchema as indented JSON.
func MarshalSchema() ([]byte, error) {
	data, err := json.MarshalIndent(JSONSchema(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal schema: %w", err)
	}
	return append(data, '\n'), nil
}
