package policy

import (
	"fmt"

	"github.com/awesomeposter/flex/flex/condition"
)

// EvaluateRuntimeEffect returns the effect of the first enabled
// onNodeComplete policy whose selector matches the completed node and whose
// condition (when any) evaluates true against the node projection. Returns
// nil when no policy matches. Policies are considered in document order.
func EvaluateRuntimeEffect(policies []RuntimePolicy, node NodeProjection) (*Effect, error) {
	payload := node.payload()
	for _, p := range policies {
		if !p.Enabled || p.Trigger.Kind != TriggerOnNodeComplete {
			continue
		}
		if !p.Trigger.Selector.Matches(node) {
			continue
		}
		ok, err := conditionHolds(p.Trigger.Condition, payload)
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", p.ID, err)
		}
		if !ok {
			continue
		}
		return effectOf(p), nil
	}
	return nil, nil
}

// EvaluateRunStartEffect returns the effect of the first enabled onStart
// policy, or nil when none exists. onStart conditions evaluate against an
// empty projection; a condition that references node data simply resolves
// its variables to null.
func EvaluateRunStartEffect(policies []RuntimePolicy) (*Effect, error) {
	payload := NodeProjection{}.payload()
	for _, p := range policies {
		if !p.Enabled || p.Trigger.Kind != TriggerOnStart {
			continue
		}
		ok, err := conditionHolds(p.Trigger.Condition, payload)
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", p.ID, err)
		}
		if !ok {
			continue
		}
		return effectOf(p), nil
	}
	return nil, nil
}

// FindPostConditionPolicy returns the first enabled onPostConditionFailed
// policy whose selector matches the node, or false when none applies. The
// engine consults it to decide retry budget and the action taken once
// retries are exhausted.
func FindPostConditionPolicy(policies []RuntimePolicy, node NodeProjection) (RuntimePolicy, bool) {
	for _, p := range policies {
		if !p.Enabled || p.Trigger.Kind != TriggerOnPostConditionFailed {
			continue
		}
		if !p.Trigger.Selector.Matches(node) {
			continue
		}
		return p, true
	}
	return RuntimePolicy{}, false
}

func conditionHolds(spec *condition.Spec, payload map[string]any) (bool, error) {
	if spec == nil || len(spec.JSONLogic) == 0 {
		return true, nil
	}
	res, err := condition.Evaluate(spec.JSONLogic, payload)
	if err != nil {
		return false, err
	}
	return res.Result, nil
}

func effectOf(p RuntimePolicy) *Effect {
	kind := EffectAction
	if p.Action.Type == ActionReplan {
		kind = EffectReplan
	}
	return &Effect{Kind: kind, Policy: p}
}
