// Package capability defines the boundary between the execution engine and
// capability implementations. The engine derives a Request from a plan
// node's context bundle; the runtime returns a structured Response whose
// output is projected into the run context and validated against the
// node's output contract.
package capability

import (
	"context"

	"github.com/awesomeposter/flex/flex/envelope"
	"github.com/awesomeposter/flex/flex/facets"
)

type (
	// Request is one capability invocation.
	Request struct {
		// RunID and NodeID identify the invocation.
		RunID  string `json:"runId"`
		NodeID string `json:"nodeId"`
		// CapabilityID names the capability to execute.
		CapabilityID string `json:"capabilityId"`
		// Objective is the run objective.
		Objective string `json:"objective"`
		// Instructions merges envelope, planner, and retry guidance.
		Instructions []string `json:"instructions,omitempty"`
		// Inputs is the envelope's structured seed data.
		Inputs map[string]any `json:"inputs,omitempty"`
		// Contract is the output shape the capability must produce.
		Contract envelope.OutputContract `json:"contract"`
		// InputFacets maps each declared input facet to its current value.
		InputFacets map[string]any `json:"inputFacets,omitempty"`
		// FacetProvenance explains contract fields for prompt assembly.
		FacetProvenance []facets.Provenance `json:"facetProvenance,omitempty"`
		// RunContextSnapshot is the facet payload at dispatch time.
		RunContextSnapshot map[string]any `json:"runContextSnapshot,omitempty"`
		// Metadata carries node metadata (plannerStage, derived flags).
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Response is the structured result of a capability invocation.
	Response struct {
		// Output is the schema-shaped payload the capability produced.
		Output map[string]any `json:"output"`
		// Rationale optionally explains the output.
		Rationale string `json:"rationale,omitempty"`
		// Metadata carries implementation-specific annotations.
		Metadata map[string]any `json:"metadata,omitempty"`
	}

	// Runtime executes capability invocations. Implementations must honor
	// context cancellation: a cancelled call may not complete, but the
	// engine never records its partial output as completed.
	Runtime interface {
		Execute(ctx context.Context, req Request) (*Response, error)
	}
)
