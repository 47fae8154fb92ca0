package service

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// invokeSchema validates the entry-point request body. session_id must be at
// least 10 characters; start=true forbids user_input; start=false requires it.
const invokeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["project_id", "user_id", "session_id", "start"],
  "additionalProperties": false,
  "properties": {
    "project_id": {"type": "string", "format": "uuid"},
    "user_id": {"type": "string", "format": "uuid"},
    "session_id": {"type": "string", "minLength": 10},
    "start": {"type": "boolean"},
    "user_input": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "chat": {"type": "string"},
        "content_edits": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["artifact_id", "content"],
            "additionalProperties": false,
            "properties": {
              "artifact_id": {"type": "string", "format": "uuid"},
              "content": {}
            }
          }
        }
      }
    }
  },
  "allOf": [
    {
      "if": {"properties": {"start": {"const": true}}},
      "then": {"not": {"required": ["user_input"]}}
    },
    {
      "if": {"properties": {"start": {"const": false}}},
      "then": {"required": ["user_input"]}
    }
  ]
}`

// compileInvokeSchema builds the request validator once at service start.
func compileInvokeSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(invokeSchema)))
	if err != nil {
		return nil, fmt.Errorf("parse invoke schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat()
	if err := compiler.AddResource("invoke.json", doc); err != nil {
		return nil, fmt.Errorf("add invoke schema: %w", err)
	}
	schema, err := compiler.Compile("invoke.json")
	if err != nil {
		return nil, fmt.Errorf("compile invoke schema: %w", err)
	}
	return schema, nil
}

// validateInvokeBody checks raw request bytes against the invoke schema and
// returns the decoded document.
func validateInvokeBody(schema *jsonschema.Schema, body []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return err
	}
	return nil
}
