package envelope

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseValidEnvelope(t *testing.T) {
	data := []byte(`{
		"objective": "Create LinkedIn variants for AwesomePoster retreat",
		"inputs": {"variantCount": 2},
		"policies": {"runtime": []},
		"specialInstructions": ["keep it short"],
		"metadata": {"clientId": "client-1", "threadId": "thread-9"},
		"constraints": {"requiresHitlApproval": false},
		"outputContract": {
			"mode": "json_schema",
			"schema": {
				"type": "object",
				"required": ["variants"],
				"properties": {"variants": {"type": "array", "minItems": 2}}
			}
		},
		"goal_condition": [
			{"facet": "summary", "path": "/status", "condition": {"dsl": "status == \"approved\"", "jsonLogic": {"==": [{"var": "status"}, "approved"]}}}
		]
	}`)
	env, err := Parse(data)
	require.NoError(t, err)
	require.Equal(t, "Create LinkedIn variants for AwesomePoster retreat", env.Objective)
	require.Equal(t, float64(2), env.Inputs["variantCount"])
	require.Equal(t, ModeJSONSchema, env.OutputContract.Mode)
	require.Len(t, env.GoalConditions, 1)
	require.Equal(t, "summary", env.GoalConditions[0].Facet)
	require.Equal(t, "/status", env.GoalConditions[0].Path)
}

func TestParseRejectsMissingObjective(t *testing.T) {
	_, err := Parse([]byte(`{"outputContract": {"mode": "freeform"}}`))
	require.ErrorContains(t, err, "objective")
}

func TestParseRejectsMalformedJSON(t *testing.T) {
	_, err := Parse([]byte(`{"objective": `))
	require.ErrorContains(t, err, "decode")
}

func TestOutputContractValidate(t *testing.T) {
	cases := []struct {
		name     string
		contract OutputContract
		wantErr  string
	}{
		{"freeform ok", Freeform("write something"), ""},
		{"facets ok", FacetList("copyVariants"), ""},
		{"json schema ok", JSONSchema(map[string]any{"type": "object"}), ""},
		{"missing mode", OutputContract{}, "mode is required"},
		{"unknown mode", OutputContract{Mode: "yaml"}, "unknown output contract mode"},
		{"schema mode without schema", OutputContract{Mode: ModeJSONSchema}, "requires a schema"},
		{"facets mode without facets", OutputContract{Mode: ModeFacets}, "requires facets"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.contract.Validate()
			if tc.wantErr == "" {
				require.NoError(t, err)
			} else {
				require.ErrorContains(t, err, tc.wantErr)
			}
		})
	}
}

func TestValidatePayload(t *testing.T) {
	schema := map[string]any{
		"type":     "object",
		"required": []any{"variants"},
		"properties": map[string]any{
			"variants": map[string]any{
				"type":     "array",
				"minItems": 2,
				"items":    map[string]any{"type": "string", "minLength": 1},
			},
		},
	}
	require.NoError(t, ValidatePayload(schema, map[string]any{
		"variants": []any{"post one", "post two"},
	}))

	err := ValidatePayload(schema, map[string]any{"variants": []any{"only one"}})
	require.ErrorContains(t, err, "contract violation")

	err = ValidatePayload(schema, map[string]any{})
	require.ErrorContains(t, err, "contract violation")
}

func TestValidatePayloadMarshalsTypedValues(t *testing.T) {
	type doc struct {
		Name string `json:"name"`
	}
	schema := map[string]any{
		"type":       "object",
		"required":   []any{"name"},
		"properties": map[string]any{"name": map[string]any{"type": "string"}},
	}
	require.NoError(t, ValidatePayload(schema, doc{Name: "ok"}))
}
