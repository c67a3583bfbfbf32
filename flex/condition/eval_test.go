package condition

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	payload := map[string]any{
		"status": "ready",
		"score":  0.9,
		"facets": map[string]any{
			"summary": map[string]any{"approved": true, "count": 3},
		},
		"empty": "",
	}
	cases := []struct {
		name string
		expr string
		want bool
	}{
		{"string equality", `status == "ready"`, true},
		{"string inequality", `status != "draft"`, true},
		{"numeric comparison", `score >= 0.8`, true},
		{"numeric comparison false", `score > 0.9`, false},
		{"nested path", `facets.summary.approved == true`, true},
		{"nested numeric", `facets.summary.count < 5`, true},
		{"missing path is undefined", `facets.missing.deep == null`, true},
		{"and short circuit", `status == "draft" && facets.summary.count > 100`, false},
		{"or", `status == "draft" || score >= 0.5`, true},
		{"negation", `!(status == "draft")`, true},
		{"empty string falsy", `!empty`, true},
		{"strict equality no coercion", `facets.summary.count == "3"`, false},
		{"ordering coerces strings", `"10" > 9`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := MustParse(tc.expr)
			got, err := Evaluate(res.JSONLogic, payload)
			require.NoError(t, err)
			require.Equal(t, tc.want, got.Result)
		})
	}
}

func TestEvaluateResolvedVariables(t *testing.T) {
	res := MustParse(`score >= 0.8 && status == "ready"`)
	got, err := Evaluate(res.JSONLogic, map[string]any{"score": 0.9, "status": "ready"})
	require.NoError(t, err)
	require.True(t, got.Result)
	require.Equal(t, 0.9, got.ResolvedVariables["score"])
	require.Equal(t, "ready", got.ResolvedVariables["status"])
}

func TestEvaluateMissingVariableResolvesNil(t *testing.T) {
	res := MustParse(`owner == null`)
	got, err := Evaluate(res.JSONLogic, map[string]any{})
	require.NoError(t, err)
	require.True(t, got.Result)
	val, ok := got.ResolvedVariables["owner"]
	require.True(t, ok)
	require.Nil(t, val)
}

func TestEvaluateShortCircuitSkipsRight(t *testing.T) {
	// The right-hand variable must not resolve when the left side decides.
	res := MustParse(`done == true || pending == true`)
	got, err := Evaluate(res.JSONLogic, map[string]any{"done": true})
	require.NoError(t, err)
	require.True(t, got.Result)
	_, resolvedRight := got.ResolvedVariables["pending"]
	require.False(t, resolvedRight)
}

func TestEvaluateRejectsUnknownOperator(t *testing.T) {
	_, err := Evaluate(map[string]any{"merge": []any{1, 2}}, nil)
	require.Error(t, err)
}
