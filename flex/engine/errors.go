package engine

import (
	"fmt"

	"github.com/awesomeposter/flex/flex/condition"
	"github.com/awesomeposter/flex/flex/hitl"
)

type (
	// ReplanRequestedError signals that the remaining work should be
	// re-planned. Raised by routing nodes that resolve to no target, by
	// replan policy actions, and translated from goal-condition failures
	// by the coordinator. Never surfaced to the caller directly.
	ReplanRequestedError struct {
		// Reason names the trigger ("policy", "routing", "post_condition").
		Reason string
		// PolicyID is the matched policy when a policy triggered it.
		PolicyID string
		// NodeID is the node that was executing.
		NodeID string
		// Rationale is the policy's explanation, when any.
		Rationale string
		// Details carries trigger-specific data for the planner.
		Details map[string]any
	}

	// HitlPauseError signals a pause for operator review. The coordinator
	// persists awaiting_hitl and returns without a terminal event.
	HitlPauseError struct {
		// Request is the review request raised to the operator.
		Request hitl.Request
	}

	// RunPausedError signals a generic pause (clarification limit hit,
	// explicit pause request). Treated like a HITL pause by the
	// coordinator.
	RunPausedError struct {
		// Reason explains the pause.
		Reason string
	}

	// AwaitingHumanInputError signals that a human-assigned node is
	// waiting for a submission. The coordinator persists awaiting_human.
	AwaitingHumanInputError struct {
		// NodeID is the awaiting node.
		NodeID string
		// Task is the created human task.
		Task hitl.Task
	}

	// GoalConditionFailedError signals that the plan finished but the
	// run's goal conditions are not satisfied. Carries the provisional
	// output so the coordinator can persist it before re-planning.
	GoalConditionFailedError struct {
		// Results lists every goal-condition outcome.
		Results []condition.FacetResult
		// Failed lists the unsatisfied or errored outcomes.
		Failed []condition.FacetResult
		// ProvisionalOutput is the output the run would have produced.
		ProvisionalOutput map[string]any
	}

	// RuntimePolicyFailureError signals a fail policy action. Terminal.
	RuntimePolicyFailureError struct {
		// PolicyID is the matched policy.
		PolicyID string
		// Message is the failure message.
		Message string
	}

	// FlexValidationError signals that a node output or the final output
	// violated its contract. Terminal.
	FlexValidationError struct {
		// Scope is "node" or "final".
		Scope string
		// NodeID is set for node-scoped violations.
		NodeID string
		// Err is the underlying contract violation.
		Err error
	}
)

// Error implements the error interface.
func (e *ReplanRequestedError) Error() string {
	if e.PolicyID != "" {
		return fmt.Sprintf("replan requested by policy %q", e.PolicyID)
	}
	return fmt.Sprintf("replan requested: %s", e.Reason)
}

// Error implements the error interface.
func (e *HitlPauseError) Error() string {
	return fmt.Sprintf("run paused for operator review (request %s)", e.Request.ID)
}

// Error implements the error interface.
func (e *RunPausedError) Error() string { return "run paused: " + e.Reason }

// Error implements the error interface.
func (e *AwaitingHumanInputError) Error() string {
	return fmt.Sprintf("node %q awaiting human input", e.NodeID)
}

// Error implements the error interface.
func (e *GoalConditionFailedError) Error() string {
	return fmt.Sprintf("%d of %d goal conditions unsatisfied", len(e.Failed), len(e.Results))
}

// Error implements the error interface.
func (e *RuntimePolicyFailureError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("runtime policy %q failed the run: %s", e.PolicyID, e.Message)
	}
	return fmt.Sprintf("runtime policy %q failed the run", e.PolicyID)
}

// Error implements the error interface.
func (e *FlexValidationError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s output validation failed for node %q: %v", e.Scope, e.NodeID, e.Err)
	}
	return fmt.Sprintf("%s output validation failed: %v", e.Scope, e.Err)
}

// Unwrap exposes the underlying contract violation.
func (e *FlexValidationError) Unwrap() error { return e.Err }
