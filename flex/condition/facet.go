package condition

import (
	"fmt"
	"strings"
)

// FacetResult is the outcome of evaluating a FacetCondition against a
// facet value: post-condition checks and the goal-condition gate both
// produce these.
type FacetResult struct {
	// Facet and Path locate what was inspected.
	Facet string `json:"facet"`
	Path  string `json:"path,omitempty"`
	// Expression is the canonical DSL of the predicate when known.
	Expression string `json:"expression,omitempty"`
	// Satisfied reports the predicate outcome.
	Satisfied bool `json:"satisfied"`
	// ObservedValue is the snippet the predicate ran against.
	ObservedValue any `json:"observedValue,omitempty"`
	// Error is set when the path could not be resolved or evaluation
	// failed; an errored result is never satisfied.
	Error string `json:"error,omitempty"`
}

// EvaluateFacetCondition resolves fc.Path within facetValue and evaluates
// the predicate against the located snippet. Map snippets become the
// evaluation payload directly; scalar snippets are exposed under "value".
// Present reports whether the facet existed at all; absent facets yield an
// errored result.
func EvaluateFacetCondition(fc FacetCondition, facetValue any, present bool) FacetResult {
	res := FacetResult{
		Facet:      fc.Facet,
		Path:       fc.Path,
		Expression: fc.Condition.CanonicalDSL,
	}
	if res.Expression == "" {
		res.Expression = fc.Condition.DSL
	}
	if !present {
		res.Error = fmt.Sprintf("facet %q not present in run context", fc.Facet)
		return res
	}

	snippet, err := resolvePointer(facetValue, fc.Path)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.ObservedValue = snippet

	payload, ok := snippet.(map[string]any)
	if !ok {
		payload = map[string]any{"value": snippet}
	}
	logic := fc.Condition.JSONLogic
	if len(logic) == 0 && fc.Condition.DSL != "" {
		parsed, perr := ParseDSL(fc.Condition.DSL, nil)
		if perr != nil {
			res.Error = perr.Error()
			return res
		}
		logic = parsed.JSONLogic
	}
	out, err := Evaluate(logic, payload)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.Satisfied = out.Result
	return res
}

// resolvePointer walks a JSON pointer ("/status", "/items/0") through v.
// An empty pointer returns v itself.
func resolvePointer(v any, pointer string) (any, error) {
	if pointer == "" || pointer == "/" {
		return v, nil
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, fmt.Errorf("condition: invalid JSON pointer %q", pointer)
	}
	cur := v
	for _, seg := range strings.Split(pointer[1:], "/") {
		seg = strings.ReplaceAll(strings.ReplaceAll(seg, "~1", "/"), "~0", "~")
		switch t := cur.(type) {
		case map[string]any:
			next, ok := t[seg]
			if !ok {
				return nil, fmt.Errorf("condition: pointer segment %q not found", seg)
			}
			cur = next
		case []any:
			idx, err := arrayIndex(seg, len(t))
			if err != nil {
				return nil, err
			}
			cur = t[idx]
		default:
			return nil, fmt.Errorf("condition: pointer segment %q applied to non-container", seg)
		}
	}
	return cur, nil
}

func arrayIndex(seg string, n int) (int, error) {
	idx := 0
	if seg == "" {
		return 0, fmt.Errorf("condition: empty array index in pointer")
	}
	for _, r := range seg {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("condition: invalid array index %q", seg)
		}
		idx = idx*10 + int(r-'0')
	}
	if idx >= n {
		return 0, fmt.Errorf("condition: array index %d out of range", idx)
	}
	return idx, nil
}
