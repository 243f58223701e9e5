package driver

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSchema(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"valid": {"type": "boolean"},
			"issues": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["valid"]
	}`)

	t.Run("accepts conforming value", func(t *testing.T) {
		value, err := validateSchema(schema, `{"valid": true, "issues": []}`)
		require.NoError(t, err)
		assert.JSONEq(t, `{"valid": true, "issues": []}`, string(value))
	})

	t.Run("rejects missing required field", func(t *testing.T) {
		_, err := validateSchema(schema, `{"issues": []}`)
		var sve *SchemaValidationError
		require.ErrorAs(t, err, &sve)
	})

	t.Run("rejects wrong type", func(t *testing.T) {
		_, err := validateSchema(schema, `{"valid": "yes"}`)
		var sve *SchemaValidationError
		assert.ErrorAs(t, err, &sve)
	})

	t.Run("rejects non-json output", func(t *testing.T) {
		_, err := validateSchema(schema, "I could not produce JSON, sorry")
		var sve *SchemaValidationError
		assert.ErrorAs(t, err, &sve)
	})

	t.Run("bad schema document", func(t *testing.T) {
		_, err := validateSchema(json.RawMessage(`{"type": 42}`), `{}`)
		var sve *SchemaValidationError
		assert.ErrorAs(t, err, &sve)
	})
}
