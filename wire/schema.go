package wire

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"
)

// SchemaError reports a record that does not satisfy its JSON schema
type SchemaError struct {
	Type    string `json:"type"`
	Details string `json:"details"`
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s schema validation failed: %s", e.Type, e.Details)
}

const registerSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "capabilities"],
  "properties": {
    "name": {"type": "string", "pattern": "^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$"},
    "capabilities": {
      "type": "array",
      "items": {"type": "string", "minLength": 1, "not": {"enum": ["cancel", "ping", "pong", "quit"]}},
      "uniqueItems": true
    },
    "version": {"type": "string"}
  }
}`

const activationSchemaJSON = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["action"],
  "properties": {
    "source": {"type": "string"},
    "action": {
      "type": "object",
      "required": ["type"],
      "properties": {"type": {"enum": ["exec", "open", "clipboard", "launch", "callback"]}},
      "allOf": [
        {"if": {"properties": {"type": {"const": "exec"}}}, "then": {"required": ["command"], "properties": {"command": {"type": "string", "minLength": 1}, "args": {"type": "array", "items": {"type": "string"}}}}},
        {"if": {"properties": {"type": {"const": "open"}}}, "then": {"required": ["uri"], "properties": {"uri": {"type": "string", "minLength": 1}}}},
        {"if": {"properties": {"type": {"const": "clipboard"}}}, "then": {"required": ["text"], "properties": {"text": {"type": "string"}}}},
        {"if": {"properties": {"type": {"const": "launch"}}}, "then": {"required": ["app_id"], "properties": {"app_id": {"type": "string", "minLength": 1}, "args": {"type": "array", "items": {"type": "string"}}, "new_instance": {"type": "boolean"}}}},
        {"if": {"properties": {"type": {"const": "callback"}}}, "then": {"required": ["key"], "properties": {"key": {"type": "string", "minLength": 1}, "params": {"type": "object", "additionalProperties": {"type": "string"}}}}}
      ]
    }
  }
}`

var (
	schemaOnce       sync.Once
	registerSchema   *gojsonschema.Schema
	activationSchema *gojsonschema.Schema
	schemaErr        error
)

func loadSchemas() error {
	schemaOnce.Do(func() {
		registerSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(registerSchemaJSON))
		if schemaErr != nil {
			return
		}
		activationSchema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(activationSchemaJSON))
	})
	return schemaErr
}

// ValidateRegister checks a registration record before it is accepted
func ValidateRegister(r *Register) error {
	if r == nil {
		return &SchemaError{Type: "register", Details: "missing registration"}
	}
	if err := loadSchemas(); err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	doc := map[string]any{"name": r.Name, "capabilities": r.Capabilities}
	if r.Capabilities == nil {
		doc["capabilities"] = []string{}
	}
	if r.Version != "" {
		doc["version"] = r.Version
	}
	return validate("register", registerSchema, gojsonschema.NewGoLoader(doc))
}

// ParseActivation validates raw activate params and decodes them
func ParseActivation(raw json.RawMessage) (*Activation, error) {
	if len(raw) == 0 {
		return nil, &SchemaError{Type: "activation", Details: "missing params"}
	}
	if err := loadSchemas(); err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	if err := validate("activation", activationSchema, gojsonschema.NewBytesLoader(raw)); err != nil {
		return nil, err
	}
	var a Activation
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func validate(kind string, schema *gojsonschema.Schema, doc gojsonschema.JSONLoader) error {
	result, err := schema.Validate(doc)
	if err != nil {
		return &SchemaError{Type: kind, Details: err.Error()}
	}
	if !result.Valid() {
		details := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			details = append(details, desc.String())
		}
		return &SchemaError{Type: kind, Details: strings.Join(details, "; ")}
	}
	return nil
}
