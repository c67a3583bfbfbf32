// Package envelope defines the caller-facing task description accepted by
// the orchestrator: the objective, structured inputs, policies, output
// contract, and goal conditions for a single run. The envelope is validated
// once at the edge; interior code works with the typed model and never
// re-validates.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/awesomeposter/flex/flex/condition"
)

type (
	// Envelope is the declarative task description a caller submits to start
	// or resume a run.
	Envelope struct {
		// Objective is the natural-language statement of what the run must
		// accomplish. Required.
		Objective string `json:"objective"`
		// Inputs carries structured seed data keyed by facet name.
		Inputs map[string]any `json:"inputs,omitempty"`
		// Policies holds the caller's policy document in either the
		// canonical {planner, runtime[]} shape or a legacy shape. The policy
		// normalizer folds both into the runtime policy model; the envelope
		// keeps the raw document untouched.
		Policies map[string]any `json:"policies,omitempty"`
		// SpecialInstructions lists free-form directives forwarded to the
		// planner and to every capability bundle.
		SpecialInstructions []string `json:"specialInstructions,omitempty"`
		// Constraints carries run-control hints (resume targets, HITL
		// approval requirements).
		Constraints Constraints `json:"constraints,omitempty"`
		// Metadata carries caller correlation identifiers.
		Metadata Metadata `json:"metadata,omitempty"`
		// OutputContract declares the shape of the run's final output.
		OutputContract OutputContract `json:"outputContract"`
		// GoalConditions are post-run predicates over the run context.
		// Any unsatisfied condition triggers a re-plan.
		GoalConditions []condition.FacetCondition `json:"goal_condition,omitempty"`
	}

	// Metadata carries caller-provided correlation identifiers. All fields
	// are optional; RunID forces a specific run identifier.
	Metadata struct {
		ClientID      string `json:"clientId,omitempty"`
		ThreadID      string `json:"threadId,omitempty"`
		CorrelationID string `json:"correlationId,omitempty"`
		RunID         string `json:"runId,omitempty"`
	}

	// Constraints carries run-control hints that affect admission and
	// resume behavior but not planning semantics.
	Constraints struct {
		// ResumeRunID resumes a previously paused run by identifier.
		ResumeRunID string `json:"resumeRunId,omitempty"`
		// ResumeThreadID resumes the most recent run on a thread.
		ResumeThreadID string `json:"resumeThreadId,omitempty"`
		// ThreadID associates the run with a conversation thread.
		ThreadID string `json:"threadId,omitempty"`
		// RequiresHitlApproval pauses the run for operator review before
		// the first execution node.
		RequiresHitlApproval bool `json:"requiresHitlApproval,omitempty"`
	}

	// ContractMode discriminates the output-contract union.
	ContractMode string

	// OutputContract is the tagged union describing the final output shape.
	// Exactly one of Schema, Facets, or Instructions is meaningful,
	// selected by Mode.
	OutputContract struct {
		// Mode selects the variant.
		Mode ContractMode `json:"mode"`
		// Schema is the JSON Schema for ModeJSONSchema contracts.
		Schema map[string]any `json:"schema,omitempty"`
		// Facets lists the facet names projected for ModeFacets contracts.
		Facets []string `json:"facets,omitempty"`
		// Instructions is the free-form guidance for ModeFreeform contracts.
		Instructions string `json:"instructions,omitempty"`
	}
)

const (
	// ModeJSONSchema declares a JSON-Schema-validated output.
	ModeJSONSchema ContractMode = "json_schema"
	// ModeFacets declares an output projected from named facets.
	ModeFacets ContractMode = "facets"
	// ModeFreeform declares an unconstrained output guided by instructions.
	ModeFreeform ContractMode = "freeform"
)

// Parse decodes and validates an envelope from its JSON wire form.
// Validation failures are returned before any state is created, so a
// malformed envelope never reaches persistence.
func Parse(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("envelope: decode: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks the envelope's structural invariants. It does not
// normalize policies or compile conditions; those happen downstream.
func (e *Envelope) Validate() error {
	if strings.TrimSpace(e.Objective) == "" {
		return fmt.Errorf("envelope: objective is required")
	}
	if err := e.OutputContract.Validate(); err != nil {
		return err
	}
	for i, gc := range e.GoalConditions {
		if gc.Facet == "" {
			return fmt.Errorf("envelope: goal_condition[%d]: facet is required", i)
		}
		if len(gc.Condition.JSONLogic) == 0 && gc.Condition.DSL == "" {
			return fmt.Errorf("envelope: goal_condition[%d]: condition requires dsl or jsonLogic", i)
		}
	}
	return nil
}

// Validate checks the contract union invariants for the selected mode.
func (c *OutputContract) Validate() error {
	switch c.Mode {
	case ModeJSONSchema:
		if len(c.Schema) == 0 {
			return fmt.Errorf("envelope: output contract mode %q requires a schema", c.Mode)
		}
		if err := CheckSchema(c.Schema); err != nil {
			return fmt.Errorf("envelope: output contract schema: %w", err)
		}
	case ModeFacets:
		if len(c.Facets) == 0 {
			return fmt.Errorf("envelope: output contract mode %q requires facets", c.Mode)
		}
	case ModeFreeform:
		// Instructions are optional.
	case "":
		return fmt.Errorf("envelope: output contract mode is required")
	default:
		return fmt.Errorf("envelope: unknown output contract mode %q", c.Mode)
	}
	return nil
}

// IsZero reports whether the contract is unset.
func (c OutputContract) IsZero() bool {
	return c.Mode == "" && len(c.Schema) == 0 && len(c.Facets) == 0 && c.Instructions == ""
}

// Freeform builds a freeform output contract with the given instructions.
func Freeform(instructions string) OutputContract {
	return OutputContract{Mode: ModeFreeform, Instructions: instructions}
}

// JSONSchema builds a json_schema output contract.
func JSONSchema(schema map[string]any) OutputContract {
	return OutputContract{Mode: ModeJSONSchema, Schema: schema}
}

// FacetList builds a facets output contract.
func FacetList(facets ...string) OutputContract {
	return OutputContract{Mode: ModeFacets, Facets: facets}
}
