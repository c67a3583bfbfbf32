package policy

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/awesomeposter/flex/flex/condition"
)

// legacy directive list fields, checked in order. The first present field
// wins; the others are ignored with a note.
var legacyDirectiveFields = []string{"replanAfter", "triggerReplanAfter", "policyTriggers"}

// Normalize folds a caller policy document into the canonical model. The
// input is the raw policies object from the envelope; nil and empty maps
// produce an empty Normalized. Runtime policy conditions authored as DSL
// are canonicalized through the condition engine; parse failures surface
// as *ValidationError. Normalization is idempotent: feeding Canonical back
// through Normalize yields the same canonical document.
func Normalize(raw map[string]any) (*Normalized, error) {
	out := &Normalized{}
	if len(raw) == 0 {
		out.Canonical = map[string]any{}
		return out, nil
	}

	if v, ok := raw["requiresHitlApproval"]; ok {
		if b, ok := v.(bool); ok {
			out.RequiresHitlApproval = b
		}
	}

	planner, err := normalizePlanner(raw, out)
	if err != nil {
		return nil, err
	}
	out.Planner = planner

	runtime, err := normalizeRuntime(raw, out)
	if err != nil {
		return nil, err
	}
	out.Runtime = runtime

	out.Canonical = canonicalDoc(out)
	return out, nil
}

// normalizePlanner extracts the planner policy, folding the legacy
// top-level variantCount into planner.topology.variantCount.
func normalizePlanner(raw map[string]any, out *Normalized) (*PlannerPolicy, error) {
	var planner *PlannerPolicy
	if v, ok := raw["planner"]; ok {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, &ValidationError{Field: "planner", Err: fmt.Errorf("expected object, got %T", v)}
		}
		planner = &PlannerPolicy{Raw: cloneMap(m)}
		if topo, ok := m["topology"].(map[string]any); ok {
			planner.Topology.VariantCount = intValue(topo["variantCount"])
		}
	}
	if v, ok := raw["variantCount"]; ok {
		n := intValue(v)
		if planner == nil {
			planner = &PlannerPolicy{}
		}
		if planner.Topology.VariantCount == 0 && n > 0 {
			planner.Topology.VariantCount = n
			out.note("variantCount", "mapped legacy variantCount to planner.topology.variantCount")
		} else if n > 0 {
			out.note("variantCount", "ignored legacy variantCount; planner.topology.variantCount already set")
		}
	}
	return planner, nil
}

// normalizeRuntime extracts canonical runtime policies and appends policies
// derived from legacy directive lists.
func normalizeRuntime(raw map[string]any, out *Normalized) ([]RuntimePolicy, error) {
	var policies []RuntimePolicy
	if v, ok := raw["runtime"]; ok {
		list, ok := v.([]any)
		if !ok {
			return nil, &ValidationError{Field: "runtime", Err: fmt.Errorf("expected array, got %T", v)}
		}
		for i, item := range list {
			p, err := decodeRuntimePolicy(item, i)
			if err != nil {
				return nil, err
			}
			policies = append(policies, p)
		}
	}

	directives, field := legacyDirectives(raw)
	if field != "" {
		for _, d := range directives {
			p, err := directivePolicy(d, field)
			if err != nil {
				return nil, err
			}
			policies = append(policies, p)
		}
		out.note(field, fmt.Sprintf("mapped %d legacy %s directive(s) to runtime policies", len(directives), field))
	}

	for i := range policies {
		if err := canonicalizeCondition(&policies[i]); err != nil {
			return nil, err
		}
	}
	return policies, nil
}

// decodeRuntimePolicy decodes one canonical runtime policy entry via a JSON
// round-trip. Enabled defaults to true when the key is absent.
func decodeRuntimePolicy(item any, index int) (RuntimePolicy, error) {
	m, ok := item.(map[string]any)
	if !ok {
		return RuntimePolicy{}, &ValidationError{
			Field: fmt.Sprintf("runtime[%d]", index),
			Err:   fmt.Errorf("expected object, got %T", item),
		}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return RuntimePolicy{}, &ValidationError{Field: fmt.Sprintf("runtime[%d]", index), Err: err}
	}
	var decoded struct {
		ID      string  `json:"id"`
		Enabled *bool   `json:"enabled"`
		Trigger Trigger `json:"trigger"`
		Action  Action  `json:"action"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return RuntimePolicy{}, &ValidationError{Field: fmt.Sprintf("runtime[%d]", index), Err: err}
	}
	p := RuntimePolicy{
		ID:      decoded.ID,
		Enabled: decoded.Enabled == nil || *decoded.Enabled,
		Trigger: decoded.Trigger,
		Action:  decoded.Action,
	}
	if p.ID == "" {
		p.ID = fmt.Sprintf("runtime_%d", index+1)
	}
	if p.Trigger.Kind == "" {
		p.Trigger.Kind = TriggerOnNodeComplete
	}
	if p.Action.Type == "" {
		return RuntimePolicy{}, &ValidationError{
			PolicyID: p.ID,
			Field:    "action.type",
			Err:      fmt.Errorf("action type is required"),
		}
	}
	switch p.Action.Type {
	case ActionReplan, ActionFail, ActionEmit:
	default:
		return RuntimePolicy{}, &ValidationError{
			PolicyID: p.ID,
			Field:    "action.type",
			Err:      fmt.Errorf("unknown action type %q", p.Action.Type),
		}
	}
	return p, nil
}

// legacyDirectives returns the first legacy directive list present in the
// document, checking replanAfter, replan.after, triggerReplanAfter and
// policyTriggers.
func legacyDirectives(raw map[string]any) ([]any, string) {
	for _, field := range legacyDirectiveFields {
		if v, ok := raw[field]; ok {
			if list, ok := v.([]any); ok {
				return list, field
			}
		}
	}
	if replan, ok := raw["replan"].(map[string]any); ok {
		if list, ok := replan["after"].([]any); ok {
			return list, "replan.after"
		}
	}
	return nil, ""
}

// directivePolicy coerces one legacy directive into a runtime replan
// policy. A directive is either a bare string (treated as a capability id)
// or an object carrying exactly one of capability, node, kind, stage.
func directivePolicy(d any, field string) (RuntimePolicy, error) {
	kind, value, rationale := "", "", ""
	switch t := d.(type) {
	case string:
		kind, value = "capability", t
	case map[string]any:
		for _, k := range []string{"capability", "node", "kind", "stage"} {
			if v, ok := t[k].(string); ok && v != "" {
				kind, value = k, v
				break
			}
		}
		if r, ok := t["rationale"].(string); ok {
			rationale = r
		}
	}
	if kind == "" || value == "" {
		return RuntimePolicy{}, &ValidationError{
			Field: field,
			Err:   fmt.Errorf("directive %v names no capability, node, kind or stage", d),
		}
	}

	p := RuntimePolicy{
		ID:      legacyID(kind, value),
		Enabled: true,
		Trigger: Trigger{Kind: TriggerOnNodeComplete},
		Action:  Action{Type: ActionReplan, Rationale: rationale},
	}
	switch kind {
	case "capability":
		p.Trigger.Selector.CapabilityID = value
	case "node":
		p.Trigger.Selector.NodeID = value
	case "kind":
		p.Trigger.Selector.Kind = value
	case "stage":
		p.Trigger.Condition = &condition.Spec{
			DSL: fmt.Sprintf("metadata.plannerStage == %q", value),
		}
	}
	return p, nil
}

// legacyID derives the stable id for a legacy directive policy.
func legacyID(kind, value string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, value)
	return fmt.Sprintf("legacy_%s_%s", kind, sanitized)
}

// canonicalizeCondition compiles the policy's trigger condition. DSL is
// authoritative: when present it is re-parsed and its canonical rendering
// and JSON-Logic replace whatever the caller sent. JSON-Logic-only
// conditions are kept as-is with a canonical DSL derived from them.
func canonicalizeCondition(p *RuntimePolicy) error {
	cond := p.Trigger.Condition
	if cond == nil {
		return nil
	}
	if cond.DSL != "" {
		res, err := condition.ParseDSL(cond.DSL, nil)
		if err != nil {
			return &ValidationError{PolicyID: p.ID, Field: "trigger.condition.dsl", Err: err}
		}
		cond.CanonicalDSL = res.Canonical
		cond.DSL = res.Canonical
		cond.JSONLogic = res.JSONLogic
		cond.Variables = res.Variables
		cond.Warnings = res.Warnings
		return nil
	}
	if len(cond.JSONLogic) > 0 {
		if dsl, err := condition.ToDSL(cond.JSONLogic, nil); err == nil {
			cond.CanonicalDSL = dsl
		}
		return nil
	}
	p.Trigger.Condition = nil
	return nil
}

// canonicalDoc renders the normalized policies as the canonical document.
func canonicalDoc(n *Normalized) map[string]any {
	doc := map[string]any{}
	if n.RequiresHitlApproval {
		doc["requiresHitlApproval"] = true
	}
	if n.Planner != nil {
		planner := cloneMap(n.Planner.Raw)
		if planner == nil {
			planner = map[string]any{}
		}
		if n.Planner.Topology.VariantCount > 0 {
			topo, _ := planner["topology"].(map[string]any)
			topo = cloneMap(topo)
			if topo == nil {
				topo = map[string]any{}
			}
			topo["variantCount"] = float64(n.Planner.Topology.VariantCount)
			planner["topology"] = topo
		}
		if len(planner) > 0 {
			doc["planner"] = planner
		}
	}
	if len(n.Runtime) > 0 {
		list := make([]any, len(n.Runtime))
		for i, p := range n.Runtime {
			list[i] = policyDoc(p)
		}
		doc["runtime"] = list
	}
	return doc
}

// policyDoc renders one runtime policy as a JSON-shaped map.
func policyDoc(p RuntimePolicy) map[string]any {
	data, _ := json.Marshal(p)
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	return m
}

func (n *Normalized) note(field, msg string) {
	n.LegacyFields = append(n.LegacyFields, field)
	n.LegacyNotes = append(n.LegacyNotes, msg)
}

func intValue(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case json.Number:
		n, _ := t.Int64()
		return int(n)
	}
	return 0
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
