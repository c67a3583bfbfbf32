package envelope

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// CheckSchema compiles the schema document to verify it is itself valid.
// The orchestrator accepts the Draft-07 subset its contracts use (type,
// required, properties, items, additionalProperties, minItems, maxItems,
// minLength, enum); the compiler accepts a superset, which is fine at the
// edge.
func CheckSchema(schema map[string]any) error {
	_, err := compileSchema(schema)
	return err
}

// ValidatePayload validates a JSON value tree against a schema document.
// The payload must be plain decoded JSON (maps, slices, primitives); typed
// structs are marshaled through JSON first.
func ValidatePayload(schema map[string]any, payload any) error {
	sch, err := compileSchema(schema)
	if err != nil {
		return err
	}
	doc, err := toJSONValue(payload)
	if err != nil {
		return err
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("contract violation: %w", err)
	}
	return nil
}

func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("contract.json", normalizeSchemaDoc(schema)); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	sch, err := c.Compile("contract.json")
	if err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}
	return sch, nil
}

// toJSONValue coerces an arbitrary Go value into the decoded-JSON
// representation the validator expects.
func toJSONValue(v any) (any, error) {
	switch v.(type) {
	case nil, bool, string, float64, map[string]any, []any:
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload for validation: %w", err)
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode payload for validation: %w", err)
	}
	return doc, nil
}

// normalizeSchemaDoc round-trips the schema through JSON semantics without
// serialization: integers authored as Go ints become float64 so the
// compiler sees the same value shapes json.Unmarshal would produce.
func normalizeSchemaDoc(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeSchemaDoc(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeSchemaDoc(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	}
	return v
}
