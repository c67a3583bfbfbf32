package condition

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluateFacetCondition(t *testing.T) {
	ready := FacetCondition{
		Facet:     "summary",
		Condition: Spec{JSONLogic: MustParse(`status == "ready"`).JSONLogic},
	}

	res := EvaluateFacetCondition(ready, map[string]any{"status": "ready"}, true)
	require.True(t, res.Satisfied)
	require.Empty(t, res.Error)

	res = EvaluateFacetCondition(ready, map[string]any{"status": "draft"}, true)
	require.False(t, res.Satisfied)
	require.Empty(t, res.Error)
}

func TestEvaluateFacetConditionPointerPath(t *testing.T) {
	fc := FacetCondition{
		Facet:     "summary",
		Path:      "/status",
		Condition: Spec{JSONLogic: MustParse(`value == "approved"`).JSONLogic},
	}
	res := EvaluateFacetCondition(fc, map[string]any{"status": "approved"}, true)
	require.True(t, res.Satisfied)
	require.Equal(t, "approved", res.ObservedValue)

	res = EvaluateFacetCondition(fc, map[string]any{"other": 1}, true)
	require.False(t, res.Satisfied)
	require.Contains(t, res.Error, "not found")
}

func TestEvaluateFacetConditionArrayPointer(t *testing.T) {
	fc := FacetCondition{
		Facet:     "qaFindings",
		Path:      "/0/score",
		Condition: Spec{JSONLogic: MustParse("value >= 0.8").JSONLogic},
	}
	value := []any{map[string]any{"score": 0.9}}
	res := EvaluateFacetCondition(fc, value, true)
	require.True(t, res.Satisfied)
}

func TestEvaluateFacetConditionMissingFacet(t *testing.T) {
	fc := FacetCondition{Facet: "ghost", Condition: Spec{JSONLogic: MustParse("a == 1").JSONLogic}}
	res := EvaluateFacetCondition(fc, nil, false)
	require.False(t, res.Satisfied)
	require.Contains(t, res.Error, "not present")
}

func TestEvaluateFacetConditionDSLFallback(t *testing.T) {
	fc := FacetCondition{
		Facet:     "summary",
		Condition: Spec{DSL: `status == "ready"`},
	}
	res := EvaluateFacetCondition(fc, map[string]any{"status": "ready"}, true)
	require.True(t, res.Satisfied)
	require.Equal(t, `status == "ready"`, res.Expression)
}
