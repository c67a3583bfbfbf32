// Package policy folds caller policy documents into the canonical runtime
// policy model and evaluates runtime policies at their trigger points.
//
// Callers may send policies in the canonical {planner, runtime[]} shape or
// in one of several legacy shapes (replanAfter, replan.after,
// triggerReplanAfter, policyTriggers, bare variantCount). The normalizer
// maps all of them onto the same model so the engine and coordinator only
// ever see canonical policies.
package policy

import (
	"fmt"

	"github.com/awesomeposter/flex/flex/condition"
)

type (
	// TriggerKind identifies when a runtime policy is considered.
	TriggerKind string

	// ActionType identifies what a matched policy does.
	ActionType string

	// Selector narrows which nodes a trigger applies to. Empty fields
	// match everything; set fields must all match.
	Selector struct {
		// CapabilityID matches the node's capability id.
		CapabilityID string `json:"capabilityId,omitempty"`
		// NodeID matches the plan node id.
		NodeID string `json:"nodeId,omitempty"`
		// Kind matches the plan node kind.
		Kind string `json:"kind,omitempty"`
	}

	// Trigger declares when a policy fires.
	Trigger struct {
		// Kind is the trigger point.
		Kind TriggerKind `json:"kind"`
		// Selector narrows the trigger to matching nodes.
		Selector Selector `json:"selector,omitempty"`
		// Condition optionally gates the trigger on a predicate over the
		// node projection.
		Condition *condition.Spec `json:"condition,omitempty"`
		// MaxRetries bounds local retries for onPostConditionFailed
		// triggers before the action executes.
		MaxRetries int `json:"maxRetries,omitempty"`
	}

	// Action declares what a matched policy does.
	Action struct {
		// Type selects the action.
		Type ActionType `json:"type"`
		// Rationale explains the action for event payloads and logs.
		Rationale string `json:"rationale,omitempty"`
		// Message is the failure message for fail actions.
		Message string `json:"message,omitempty"`
		// Event names the emitted event for emit actions.
		Event string `json:"event,omitempty"`
		// Payload is the emitted event payload for emit actions.
		Payload map[string]any `json:"payload,omitempty"`
	}

	// RuntimePolicy is one canonical runtime policy.
	RuntimePolicy struct {
		// ID uniquely identifies the policy within the run.
		ID string `json:"id"`
		// Enabled gates evaluation; disabled policies are skipped.
		Enabled bool `json:"enabled"`
		// Trigger declares when the policy is considered.
		Trigger Trigger `json:"trigger"`
		// Action declares what happens on a match.
		Action Action `json:"action"`
	}

	// Topology carries planner topology hints.
	Topology struct {
		// VariantCount asks the planner for N parallel output variants.
		VariantCount int `json:"variantCount,omitempty"`
	}

	// PlannerPolicy carries the planner-facing policy document.
	PlannerPolicy struct {
		// Topology carries structured topology hints.
		Topology Topology `json:"topology,omitempty"`
		// Raw preserves planner policy fields the orchestrator does not
		// interpret (branch variants, strategies); the plan builder and
		// planner prompt assembly read them as-is.
		Raw map[string]any `json:"-"`
	}

	// Normalized is the outcome of folding a caller policy document.
	Normalized struct {
		// Canonical is the canonical policy document, suitable for
		// re-normalization (idempotent) and for planner prompts.
		Canonical map[string]any
		// Planner is the planner-facing policy, when any.
		Planner *PlannerPolicy
		// Runtime lists the canonical runtime policies in order.
		Runtime []RuntimePolicy
		// RequiresHitlApproval pauses the run for operator review before
		// the first execution node.
		RequiresHitlApproval bool
		// LegacyNotes describes each legacy mapping that was applied.
		LegacyNotes []string
		// LegacyFields lists the legacy field names that were consumed.
		LegacyFields []string
	}

	// ValidationError reports a policy document that failed normalization,
	// typically a runtime-policy condition whose DSL does not parse.
	ValidationError struct {
		// PolicyID identifies the offending policy when known.
		PolicyID string
		// Field names the offending field.
		Field string
		// Err is the underlying cause.
		Err error
	}

	// EffectKind discriminates evaluation outcomes.
	EffectKind string

	// Effect is the outcome of evaluating runtime policies at a trigger
	// point: either a re-plan request or a policy action to execute.
	Effect struct {
		// Kind is replan or action.
		Kind EffectKind
		// Policy is the matched policy.
		Policy RuntimePolicy
	}

	// NodeProjection is the view of a completed node that selectors and
	// trigger conditions evaluate against.
	NodeProjection struct {
		// NodeID is the plan node id.
		NodeID string
		// CapabilityID is the node's capability id, when any.
		CapabilityID string
		// Kind is the plan node kind.
		Kind string
		// Metadata is the node metadata, including plannerStage and the
		// runContextSnapshot payload.
		Metadata map[string]any
	}
)

const (
	// TriggerOnNodeComplete fires after a node completes successfully.
	TriggerOnNodeComplete TriggerKind = "onNodeComplete"
	// TriggerOnStart fires once when the run starts.
	TriggerOnStart TriggerKind = "onStart"
	// TriggerOnPostConditionFailed fires when a capability post-condition
	// fails after its local retries are exhausted.
	TriggerOnPostConditionFailed TriggerKind = "onPostConditionFailed"
)

const (
	// ActionReplan requests a re-plan of the remaining work.
	ActionReplan ActionType = "replan"
	// ActionFail terminates the run as failed.
	ActionFail ActionType = "fail"
	// ActionEmit buffers a caller-visible event and continues.
	ActionEmit ActionType = "emit"
)

const (
	// EffectReplan reports a matched replan action.
	EffectReplan EffectKind = "replan"
	// EffectAction reports a matched fail or emit action.
	EffectAction EffectKind = "action"
)

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.PolicyID != "" {
		return fmt.Sprintf("policy %q: %s: %v", e.PolicyID, e.Field, e.Err)
	}
	return fmt.Sprintf("policy: %s: %v", e.Field, e.Err)
}

// Unwrap exposes the underlying cause.
func (e *ValidationError) Unwrap() error { return e.Err }

// Matches reports whether the selector accepts the node projection.
func (s Selector) Matches(node NodeProjection) bool {
	if s.CapabilityID != "" && s.CapabilityID != node.CapabilityID {
		return false
	}
	if s.NodeID != "" && s.NodeID != node.NodeID {
		return false
	}
	if s.Kind != "" && s.Kind != node.Kind {
		return false
	}
	return true
}

// payload renders the projection as the condition evaluation payload.
func (n NodeProjection) payload() map[string]any {
	return map[string]any{
		"nodeId":       n.NodeID,
		"capabilityId": n.CapabilityID,
		"kind":         n.Kind,
		"metadata":     n.Metadata,
	}
}
