// Package plan defines the executable plan model and the builder that
// wraps a planner draft into a versioned FlexPlan: node ids are assigned,
// facet contracts compiled, output contracts resolved, and normalization
// and fallback nodes injected.
package plan

import (
	"time"

	"github.com/awesomeposter/flex/flex/condition"
	"github.com/awesomeposter/flex/flex/envelope"
	"github.com/awesomeposter/flex/flex/facets"
)

type (
	// NodeKind classifies a plan node.
	NodeKind string

	// Edge is a directed edge of the plan graph.
	Edge struct {
		From   string `json:"from"`
		To     string `json:"to"`
		Reason string `json:"reason"`
	}

	// Route is one conditional edge of a routing node, resolved to a
	// concrete target node id.
	Route struct {
		// To is the target node id.
		To string `json:"to"`
		// Condition gates the route.
		Condition condition.Spec `json:"condition"`
		// Label names the route for events and logs.
		Label string `json:"label,omitempty"`
	}

	// Routing holds the resolved routes of a routing node.
	Routing struct {
		// Routes are evaluated in order; the first match wins.
		Routes []Route `json:"routes"`
		// ElseTo is the target when no route matches. Empty means an
		// unmatched routing node requests a re-plan.
		ElseTo string `json:"elseTo,omitempty"`
	}

	// Contracts bundles a node's input and output contracts.
	Contracts struct {
		// Input optionally constrains what the node consumes.
		Input *envelope.OutputContract `json:"input,omitempty"`
		// Output declares the shape the node must produce.
		Output envelope.OutputContract `json:"output"`
		// Fallback marks the escalation channel of fallback nodes ("hitl").
		Fallback string `json:"fallback,omitempty"`
	}

	// Facets lists a node's declared input and output facets.
	Facets struct {
		Input  []string `json:"input,omitempty"`
		Output []string `json:"output,omitempty"`
	}

	// ContextBundle is the payload handed to a capability for one node.
	ContextBundle struct {
		// RunID and NodeID identify the invocation.
		RunID  string `json:"runId"`
		NodeID string `json:"nodeId"`
		// Objective is the run objective.
		Objective string `json:"objective"`
		// Instructions merges envelope special instructions with
		// step-specific planner guidance.
		Instructions []string `json:"instructions,omitempty"`
		// Inputs is the envelope's structured seed data.
		Inputs map[string]any `json:"inputs,omitempty"`
		// Policies is the canonical policy document.
		Policies map[string]any `json:"policies,omitempty"`
		// Contract is the node's output contract.
		Contract envelope.OutputContract `json:"contract"`
		// Facets lists the node's declared facets.
		Facets Facets `json:"facets"`
		// FacetProvenance explains where contract properties came from.
		FacetProvenance []facets.Provenance `json:"facetProvenance,omitempty"`
		// RunContextSnapshot is filled in at dispatch time with the
		// current facet payload.
		RunContextSnapshot map[string]any `json:"runContextSnapshot,omitempty"`
	}

	// Node is one executable step of a plan.
	Node struct {
		// ID is unique within the plan ("writer_v1_2").
		ID string `json:"id"`
		// Kind classifies the node.
		Kind NodeKind `json:"kind"`
		// CapabilityID names the backing capability; empty for routing,
		// branch, and fallback nodes.
		CapabilityID string `json:"capabilityId,omitempty"`
		// CapabilityLabel is the capability's display name.
		CapabilityLabel string `json:"capabilityLabel,omitempty"`
		// Label is the planner's step name.
		Label string `json:"label,omitempty"`
		// Bundle is the capability payload template.
		Bundle ContextBundle `json:"bundle"`
		// Contracts holds the node's input/output contracts.
		Contracts Contracts `json:"contracts"`
		// Facets lists the node's declared facets after direction
		// filtering.
		Facets Facets `json:"facets"`
		// Provenance names what produced the node ("planner", "builder").
		Provenance string `json:"provenance,omitempty"`
		// Rationale is the planner's explanation for the step.
		Rationale []string `json:"rationale,omitempty"`
		// Metadata carries plannerStage, kind, and derived flags.
		Metadata map[string]any `json:"metadata,omitempty"`
		// Routing is set on routing nodes only.
		Routing *Routing `json:"routing,omitempty"`
	}

	// Plan is an ordered, versioned graph of nodes.
	Plan struct {
		// RunID is the owning run.
		RunID string `json:"runId"`
		// Version is monotonic per run.
		Version int `json:"version"`
		// CreatedAt is when the plan was built.
		CreatedAt time.Time `json:"createdAt"`
		// Nodes are topologically ordered.
		Nodes []Node `json:"nodes"`
		// Edges describe the sequential chain plus routing edges.
		Edges []Edge `json:"edges"`
		// Metadata carries scenario hints and planner annotations.
		Metadata map[string]any `json:"metadata,omitempty"`
	}
)

const (
	// KindStructuring reshapes unstructured input into facets.
	KindStructuring NodeKind = "structuring"
	// KindBranch fans work out into parallel output variants.
	KindBranch NodeKind = "branch"
	// KindRouting selects the next node by evaluating route conditions.
	KindRouting NodeKind = "routing"
	// KindExecution performs the primary work of a step.
	KindExecution NodeKind = "execution"
	// KindTransformation converts outputs between contract shapes.
	KindTransformation NodeKind = "transformation"
	// KindValidation checks prior outputs against expectations.
	KindValidation NodeKind = "validation"
	// KindFallback documents HITL escalation when a run cannot finish.
	KindFallback NodeKind = "fallback"
)

// EdgeReasonSequence marks an edge of the sequential chain.
const EdgeReasonSequence = "sequence"

// EdgeReasonRoute marks an explicit routing edge.
const EdgeReasonRoute = "route"

// NodeIndex returns the position of the node with the given id, or -1.
func (p *Plan) NodeIndex(id string) int {
	for i := range p.Nodes {
		if p.Nodes[i].ID == id {
			return i
		}
	}
	return -1
}

// Node returns the node with the given id.
func (p *Plan) Node(id string) (*Node, bool) {
	if i := p.NodeIndex(id); i >= 0 {
		return &p.Nodes[i], true
	}
	return nil, false
}

// LastExecutionNode returns the last node of kind execution, when any.
func (p *Plan) LastExecutionNode() (*Node, bool) {
	for i := len(p.Nodes) - 1; i >= 0; i-- {
		if p.Nodes[i].Kind == KindExecution {
			return &p.Nodes[i], true
		}
	}
	return nil, false
}
