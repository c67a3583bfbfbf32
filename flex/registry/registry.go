// Package registry defines capability descriptors and the lookup contract
// the planner and execution engine consume. A capability is a registered
// unit of work that consumes some facets and produces others, backed by
// either an AI runtime or a human assignment.
package registry

import (
	"context"
	"errors"

	"github.com/awesomeposter/flex/flex/condition"
	"github.com/awesomeposter/flex/flex/envelope"
)

// ErrNotFound indicates no capability is registered under the given id.
var ErrNotFound = errors.New("capability not found")

type (
	// Kind classifies what a capability does within a plan.
	Kind string

	// AgentType declares who performs the work.
	AgentType string

	// Status gates whether a capability may appear in new plans.
	Status string

	// Assignment carries default routing for human-assigned capabilities.
	Assignment struct {
		// AssignedTo names the default assignee, when any.
		AssignedTo string `json:"assignedTo,omitempty"`
		// Role names the operator role the task should be routed to.
		Role string `json:"role,omitempty"`
		// Instructions is the operator-facing task briefing.
		Instructions string `json:"instructions,omitempty"`
	}

	// Record describes one registered capability.
	Record struct {
		// CapabilityID uniquely identifies the capability ("writer.v1").
		CapabilityID string `json:"capabilityId"`
		// Version is the capability implementation version.
		Version string `json:"version"`
		// DisplayName is the human-readable capability name.
		DisplayName string `json:"displayName"`
		// Summary describes what the capability does, for planner prompts.
		Summary string `json:"summary"`
		// Kind classifies the capability within plans.
		Kind Kind `json:"kind"`
		// AgentType declares whether an AI runtime or a human performs it.
		AgentType AgentType `json:"agentType"`
		// InputContract optionally constrains the capability's input.
		InputContract *envelope.OutputContract `json:"inputContract,omitempty"`
		// OutputContract declares the capability's output shape. Takes
		// precedence over compiled facet contracts during plan building.
		OutputContract envelope.OutputContract `json:"outputContract"`
		// InputFacets lists the facets the capability consumes.
		InputFacets []string `json:"inputFacets,omitempty"`
		// OutputFacets lists the facets the capability produces.
		OutputFacets []string `json:"outputFacets,omitempty"`
		// PostConditions are predicates enforced over the capability's
		// output after every invocation.
		PostConditions []condition.FacetCondition `json:"postConditions,omitempty"`
		// AssignmentDefaults routes human-assigned work.
		AssignmentDefaults *Assignment `json:"assignmentDefaults,omitempty"`
		// Metadata carries implementation-specific descriptor data.
		Metadata map[string]any `json:"metadata,omitempty"`
		// Status is active or inactive; inactive capabilities are excluded
		// from registry snapshots handed to the planner.
		Status Status `json:"status"`
	}

	// Registry is the lookup contract consumed by the plan builder and the
	// execution engine. Implementations must be safe for concurrent
	// readers; the registry is shared across runs.
	Registry interface {
		// Get returns the capability registered under id. Returns
		// ErrNotFound when no such capability exists.
		Get(ctx context.Context, id string) (Record, error)

		// Snapshot returns every active capability. The returned records
		// are defensive copies; callers may mutate them freely.
		Snapshot(ctx context.Context) ([]Record, error)
	}
)

const (
	// KindExecution performs the primary work of a plan step.
	KindExecution Kind = "execution"
	// KindStructuring reshapes unstructured input into facets.
	KindStructuring Kind = "structuring"
	// KindValidation checks prior outputs against expectations.
	KindValidation Kind = "validation"
	// KindTransformation converts outputs between contract shapes.
	KindTransformation Kind = "transformation"
)

const (
	// AgentAI marks a capability executed by the capability runtime.
	AgentAI AgentType = "ai"
	// AgentHuman marks a capability fulfilled by a human assignee.
	AgentHuman AgentType = "human"
)

const (
	// StatusActive marks a capability available for planning.
	StatusActive Status = "active"
	// StatusInactive hides a capability from new plans.
	StatusInactive Status = "inactive"
)

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	out := r
	out.InputFacets = cloneStrings(r.InputFacets)
	out.OutputFacets = cloneStrings(r.OutputFacets)
	if len(r.PostConditions) > 0 {
		out.PostConditions = make([]condition.FacetCondition, len(r.PostConditions))
		copy(out.PostConditions, r.PostConditions)
	}
	if r.AssignmentDefaults != nil {
		a := *r.AssignmentDefaults
		out.AssignmentDefaults = &a
	}
	if r.InputContract != nil {
		c := *r.InputContract
		out.InputContract = &c
	}
	if len(r.Metadata) > 0 {
		out.Metadata = make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

func cloneStrings(src []string) []string {
	if len(src) == 0 {
		return nil
	}
	out := make([]string, len(src))
	copy(out, src)
	return out
}
