// Package planner defines the boundary to the LLM-backed planner: the
// request assembled by the coordinator, the draft the planner returns, and
// draft validation. The actual model client lives outside the core; the
// orchestrator only depends on the Planner interface.
package planner

import (
	"context"
	"fmt"
	"time"

	"github.com/awesomeposter/flex/flex/condition"
	"github.com/awesomeposter/flex/flex/envelope"
	"github.com/awesomeposter/flex/flex/registry"
)

// DefaultTimeout bounds a single planner call.
const DefaultTimeout = 180 * time.Second

type (
	// Phase distinguishes the first plan request from re-plan rounds.
	Phase string

	// GraphContext summarizes prior execution for re-plan requests.
	GraphContext struct {
		// PlanVersion is the version of the plan being replaced.
		PlanVersion int `json:"planVersion"`
		// CompletedNodeIDs lists nodes whose work must not be redone.
		CompletedNodeIDs []string `json:"completedNodeIds,omitempty"`
		// FacetSnapshot is the run-context payload at re-plan time.
		FacetSnapshot map[string]any `json:"facetSnapshot,omitempty"`
		// Reason names what triggered the re-plan (policy id,
		// "goal_condition_failed", routing resolution).
		Reason string `json:"reason"`
		// Details carries reason-specific data (failed goal results,
		// policy rationale).
		Details map[string]any `json:"details,omitempty"`
	}

	// Request is everything the planner needs to produce a draft.
	Request struct {
		// RunID identifies the run being planned.
		RunID string
		// Envelope is the caller's task description.
		Envelope *envelope.Envelope
		// Policies is the canonical policy document.
		Policies map[string]any
		// Registry is the active capability snapshot.
		Registry []registry.Record
		// Graph carries prior execution state on re-plan requests.
		Graph *GraphContext
		// Phase is initial or replan.
		Phase Phase
	}

	// DraftRoute is one conditional edge of a routing draft node. To names
	// a sibling draft node by id, label, or capability id; the plan builder
	// resolves it to a concrete node id.
	DraftRoute struct {
		To        string         `json:"to"`
		Condition condition.Spec `json:"condition"`
		Label     string         `json:"label,omitempty"`
	}

	// DraftRouting declares the routes of a routing draft node.
	DraftRouting struct {
		Routes []DraftRoute `json:"routes"`
		ElseTo string       `json:"elseTo,omitempty"`
	}

	// BranchRequest asks for pre-execution branch nodes.
	BranchRequest struct {
		Label    string `json:"label,omitempty"`
		Strategy string `json:"strategy,omitempty"`
		Count    int    `json:"count,omitempty"`
	}

	// DraftNode is one step of a planner draft.
	DraftNode struct {
		// CapabilityID names the capability to invoke. Empty for routing,
		// branch, and fallback nodes.
		CapabilityID string `json:"capabilityId,omitempty"`
		// Kind optionally overrides the capability's registered kind.
		Kind string `json:"kind,omitempty"`
		// Label is the planner's human-readable step name.
		Label string `json:"label,omitempty"`
		// Stage tags the node with a planner stage ("draft", "review").
		Stage string `json:"stage,omitempty"`
		// InputFacets and OutputFacets extend the capability's declared
		// facets for this step.
		InputFacets  []string `json:"inputFacets,omitempty"`
		OutputFacets []string `json:"outputFacets,omitempty"`
		// Rationale explains why the planner chose this step.
		Rationale []string `json:"rationale,omitempty"`
		// Instructions is step-specific guidance for the capability.
		Instructions []string `json:"instructions,omitempty"`
		// Routing is set on routing nodes.
		Routing *DraftRouting `json:"routing,omitempty"`
		// Metadata carries planner-specific annotations.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Draft is the planner's proposed plan before the builder wraps it
	// into an executable FlexPlan.
	Draft struct {
		// Version is the planner's suggested plan version; the coordinator
		// bumps it when it does not exceed the previous version.
		Version int `json:"version,omitempty"`
		// Nodes are the proposed steps in execution order.
		Nodes []DraftNode `json:"nodes"`
		// BranchRequests ask for pre-execution branch nodes.
		BranchRequests []BranchRequest `json:"branchRequests,omitempty"`
		// Rationale is the planner's overall explanation.
		Rationale string `json:"rationale,omitempty"`
		// Metadata carries planner-specific annotations.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Planner produces a draft for a request. Implementations are expected
	// to honor context cancellation; WithTimeout enforces the call budget.
	Planner interface {
		Plan(ctx context.Context, req Request) (*Draft, error)
	}

	// DraftError reports a draft that failed validation. The coordinator
	// emits plan_rejected and retries once per phase.
	DraftError struct {
		// Reason is the operator-facing rejection reason.
		Reason string
	}
)

const (
	// PhaseInitial is the first plan request of a run.
	PhaseInitial Phase = "initial"
	// PhaseReplan is any subsequent re-plan request.
	PhaseReplan Phase = "replan"
)

// Error implements the error interface.
func (e *DraftError) Error() string { return "planner: draft rejected: " + e.Reason }

// ValidateDraft checks the structural invariants of a draft against the
// capability snapshot. Execution steps must name a capability present in
// the snapshot; routing steps must declare at least one route.
func ValidateDraft(d *Draft, snapshot []registry.Record) error {
	if d == nil || len(d.Nodes) == 0 {
		return &DraftError{Reason: "draft has no nodes"}
	}
	known := make(map[string]registry.Record, len(snapshot))
	for _, rec := range snapshot {
		known[rec.CapabilityID] = rec
	}
	for i, n := range d.Nodes {
		if n.CapabilityID == "" && n.Kind == "" {
			return &DraftError{Reason: fmt.Sprintf("node %d declares neither capability nor kind", i)}
		}
		if n.Routing != nil && len(n.Routing.Routes) == 0 && n.Routing.ElseTo == "" {
			return &DraftError{Reason: fmt.Sprintf("routing node %d has no routes", i)}
		}
		if n.CapabilityID == "" {
			continue
		}
		if _, ok := known[n.CapabilityID]; !ok {
			return &DraftError{Reason: fmt.Sprintf("node %d references unknown capability %q", i, n.CapabilityID)}
		}
	}
	return nil
}

// WithTimeout wraps p so every Plan call is bounded by d. A non-positive
// d falls back to DefaultTimeout. Timeouts surface as planner failures.
func WithTimeout(p Planner, d time.Duration) Planner {
	if d <= 0 {
		d = DefaultTimeout
	}
	return &timeoutPlanner{inner: p, budget: d}
}

type timeoutPlanner struct {
	inner  Planner
	budget time.Duration
}

// Plan implements Planner.
func (p *timeoutPlanner) Plan(ctx context.Context, req Request) (*Draft, error) {
	ctx, cancel := context.WithTimeout(ctx, p.budget)
	defer cancel()
	draft, err := p.inner.Plan(ctx, req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("planner: call exceeded %s budget: %w", p.budget, err)
		}
		return nil, err
	}
	return draft, nil
}
