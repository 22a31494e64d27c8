package http

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// chatProcessSchemaJSON bounds the shape of POST /api/chat/process bodies
// before they reach chatProcessRequest decoding, the same
// compile-once-validate-every-call idiom the pack uses for tool-call
// payloads (registry/service.go's validatePayloadJSONAgainstSchema).
const chatProcessSchemaJSON = `{
  "type": "object",
  "required": ["session_id", "message"],
  "properties": {
    "session_id": {"type": "string", "minLength": 1},
    "message":    {"type": "string", "minLength": 1},
    "user_id":    {"type": "string"},
    "address":    {"type": "string"},
    "budget":     {"type": "number", "exclusiveMinimum": 0}
  }
}`

var chatProcessSchema = mustCompileSchema("chat_process_request.json", chatProcessSchemaJSON)

func mustCompileSchema(resourceName, schemaJSON string) *jsonschema.Schema {
	var doc any
	if err := json.Unmarshal([]byte(schemaJSON), &doc); err != nil {
		panic(fmt.Sprintf("transport/http: invalid embedded schema %s: %v", resourceName, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(resourceName, doc); err != nil {
		panic(fmt.Sprintf("transport/http: add schema resource %s: %v", resourceName, err))
	}
	schema, err := c.Compile(resourceName)
	if err != nil {
		panic(fmt.Sprintf("transport/http: compile schema %s: %v", resourceName, err))
	}
	return schema
}

// validateAgainstSchema unmarshals body generically and validates it against
// schema, independent of (and before) decoding into the typed request struct,
// so malformed requests are rejected with a schema-level error rather than a
// zero-valued struct silently passing required-field checks.
func validateAgainstSchema(schema *jsonschema.Schema, body []byte) error {
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return schema.Validate(doc)
}
