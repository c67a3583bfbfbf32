package condition

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genComparison produces a random leaf comparison over a small variable set.
func genComparison() gopter.Gen {
	vars := gen.OneConstOf("a", "b", "c", "facets.score", "metadata.plannerStage")
	ops := gen.OneConstOf("==", "!=", "<", "<=", ">", ">=")
	lits := gen.OneGenOf(
		gen.IntRange(-100, 100).Map(func(n int) string { return renderLiteral(float64(n)) }),
		gen.OneConstOf(`"ready"`, `"draft"`, `"qa"`),
		gen.OneConstOf("true", "false", "null"),
	)
	return gopter.CombineGens(vars, ops, lits).Map(func(vals []any) string {
		return vals[0].(string) + " " + vals[1].(string) + " " + vals[2].(string)
	})
}

// genExpression builds random expressions by combining comparisons with
// logical connectives, negation, and gratuitous parentheses.
func genExpression(depth int) gopter.Gen {
	if depth <= 0 {
		return genComparison()
	}
	sub := genExpression(depth - 1)
	return gen.Weighted([]gen.WeightedGen{
		{Weight: 4, Gen: genComparison()},
		{Weight: 2, Gen: gopter.CombineGens(sub, gen.OneConstOf("&&", "||"), sub).Map(func(vals []any) string {
			return "(" + vals[0].(string) + ") " + vals[1].(string) + " (" + vals[2].(string) + ")"
		})},
		{Weight: 1, Gen: sub.Map(func(s string) string { return "!(" + s + ")" })},
	})
}

func TestCanonicalRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("toDsl(jsonLogic) equals canonical", prop.ForAll(
		func(expr string) bool {
			res, err := ParseDSL(expr, nil)
			if err != nil {
				return false
			}
			rendered, err := ToDSL(res.JSONLogic, nil)
			if err != nil {
				return false
			}
			return rendered == res.Canonical
		},
		genExpression(3),
	))

	properties.Property("canonical is a fixed point", prop.ForAll(
		func(expr string) bool {
			first, err := ParseDSL(expr, nil)
			if err != nil {
				return false
			}
			second, err := ParseDSL(first.Canonical, nil)
			if err != nil {
				return false
			}
			return second.Canonical == first.Canonical
		},
		genExpression(3),
	))

	properties.Property("canonical evaluates identically", prop.ForAll(
		func(expr string) bool {
			first, err := ParseDSL(expr, nil)
			if err != nil {
				return false
			}
			second, err := ParseDSL(first.Canonical, nil)
			if err != nil {
				return false
			}
			payload := map[string]any{
				"a": 1.0, "b": 2.0, "c": "ready",
				"facets":   map[string]any{"score": 0.7},
				"metadata": map[string]any{"plannerStage": "qa"},
			}
			r1, err := Evaluate(first.JSONLogic, payload)
			if err != nil {
				return false
			}
			r2, err := Evaluate(second.JSONLogic, payload)
			if err != nil {
				return false
			}
			return r1.Result == r2.Result
		},
		genExpression(3),
	))

	properties.TestingRun(t)
}
