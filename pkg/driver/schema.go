package driver

import (
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ExtractJSON strips a markdown code fence around a JSON payload. Useful
// for callers that parse a schema-validated agentic final response, which
// arrives as raw text.
func ExtractJSON(s string) string {
	return extractJSON(s)
}

// validateSchema checks value against a JSON Schema document and returns
// the value on success. Any failure is a SchemaValidationError, which is
// never retried.
func validateSchema(schemaDoc json.RawMessage, value string) (json.RawMessage, error) {
	var doc any
	if err := json.Unmarshal(schemaDoc, &doc); err != nil {
		return nil, &SchemaValidationError{Detail: "invalid schema document", Cause: err}
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", doc); err != nil {
		return nil, &SchemaValidationError{Detail: "invalid schema document", Cause: err}
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, &SchemaValidationError{Detail: "schema does not compile", Cause: err}
	}

	var parsed any
	if err := json.Unmarshal([]byte(value), &parsed); err != nil {
		return nil, &SchemaValidationError{Detail: "output is not valid JSON", Cause: err}
	}
	if err := schema.Validate(parsed); err != nil {
		return nil, &SchemaValidationError{Detail: err.Error(), Cause: err}
	}
	return json.RawMessage(value), nil
}
