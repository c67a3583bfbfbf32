package plan

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func TestIsSchemaSubset(t *testing.T) {
	variants := map[string]any{
		"type":     "object",
		"required": []any{"variants"},
		"properties": map[string]any{
			"variants": map[string]any{"type": "array", "minItems": float64(2)},
			"notes":    map[string]any{"type": "string"},
		},
	}

	cases := []struct {
		name   string
		source map[string]any
		target map[string]any
		want   bool
	}{
		{
			name:   "empty target accepts anything",
			source: nil,
			target: map[string]any{},
			want:   true,
		},
		{
			name:   "nil source fails a non-empty target",
			source: nil,
			target: map[string]any{"type": "object"},
			want:   false,
		},
		{
			name:   "identical schema",
			source: variants,
			target: variants,
			want:   true,
		},
		{
			name:   "source with extra properties still satisfies target",
			source: variants,
			target: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"variants": map[string]any{"type": "array"},
				},
			},
			want: true,
		},
		{
			name:   "missing required key",
			source: map[string]any{"type": "object", "properties": map[string]any{"variants": map[string]any{}}},
			target: variants,
			want:   false,
		},
		{
			name:   "type mismatch",
			source: map[string]any{"type": "array"},
			target: map[string]any{"type": "object"},
			want:   false,
		},
		{
			name: "looser minItems fails tighter target",
			source: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"variants": map[string]any{"type": "array", "minItems": float64(1)},
				},
				"required": []any{"variants"},
			},
			target: variants,
			want:   false,
		},
		{
			name: "items recurse",
			source: map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "object", "properties": map[string]any{"text": map[string]any{"type": "string"}}},
			},
			target: map[string]any{
				"type":  "array",
				"items": map[string]any{"type": "object"},
			},
			want: true,
		},
		{
			name: "maxItems looser than target",
			source: map[string]any{
				"type": "array", "maxItems": float64(5),
			},
			target: map[string]any{
				"type": "array", "maxItems": float64(3),
			},
			want: false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, IsSchemaSubset(tc.source, tc.target))
		})
	}
}

// genSchema generates small object/array schemas for the subset laws.
func genSchema(depth int) gopter.Gen {
	leaf := gen.OneConstOf(
		map[string]any{"type": "string"},
		map[string]any{"type": "number"},
		map[string]any{"type": "boolean"},
		map[string]any{"type": "array", "minItems": float64(1)},
		map[string]any{"type": "array", "minItems": float64(2), "maxItems": float64(4)},
	)
	if depth <= 0 {
		return leaf
	}
	object := gopter.CombineGens(
		gen.SliceOfN(2, gen.OneConstOf("variants", "summary", "score", "notes")),
		gen.SliceOfN(2, genSchema(depth-1)),
		gen.Bool(),
	).Map(func(vals []any) map[string]any {
		names := vals[0].([]string)
		schemas := vals[1].([]map[string]any)
		props := map[string]any{}
		for i, n := range names {
			props[n] = schemas[i%len(schemas)]
		}
		out := map[string]any{"type": "object", "properties": props}
		if vals[2].(bool) && len(names) > 0 {
			out["required"] = []any{names[0]}
		}
		return out
	})
	return gen.Weighted([]gen.WeightedGen{
		{Weight: 2, Gen: leaf},
		{Weight: 3, Gen: object},
	})
}

func TestSchemaSubsetReflexive(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("every schema is a subset of itself", prop.ForAll(
		func(s map[string]any) bool { return IsSchemaSubset(s, s) },
		genSchema(2),
	))

	properties.TestingRun(t)
}

func TestSchemaSubsetTransitive(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("subset(a,b) && subset(b,c) implies subset(a,c)", prop.ForAll(
		func(a, b, c map[string]any) bool {
			if IsSchemaSubset(a, b) && IsSchemaSubset(b, c) {
				return IsSchemaSubset(a, c)
			}
			return true
		},
		genSchema(2),
		genSchema(2),
		genSchema(2),
	))

	properties.TestingRun(t)
}
