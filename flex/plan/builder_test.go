package plan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/awesomeposter/flex/flex/condition"
	"github.com/awesomeposter/flex/flex/envelope"
	"github.com/awesomeposter/flex/flex/facets"
	"github.com/awesomeposter/flex/flex/planner"
	"github.com/awesomeposter/flex/flex/policy"
	"github.com/awesomeposter/flex/flex/registry"
)

func testSnapshot() []registry.Record {
	return []registry.Record{
		{
			CapabilityID: "writer.v1",
			DisplayName:  "Copywriter",
			Kind:         registry.KindExecution,
			AgentType:    registry.AgentAI,
			OutputContract: envelope.JSONSchema(map[string]any{
				"type": "object",
				"properties": map[string]any{
					"copyVariants": map[string]any{"type": "array"},
				},
			}),
			InputFacets:  []string{"briefing"},
			OutputFacets: []string{"copyVariants"},
		},
		{
			CapabilityID: "qa.v1",
			DisplayName:  "QA Reviewer",
			Kind:         registry.KindValidation,
			AgentType:    registry.AgentAI,
			InputFacets:  []string{"copyVariants"},
			OutputFacets: []string{"qaFindings"},
		},
		{
			CapabilityID: "shaper.v1",
			DisplayName:  "Output Shaper",
			Kind:         registry.KindTransformation,
			AgentType:    registry.AgentAI,
		},
	}
}

func testEnvelope() *envelope.Envelope {
	return &envelope.Envelope{
		Objective: "Create LinkedIn variants",
		Inputs:    map[string]any{"briefing": map[string]any{"topic": "retreat"}, "variantCount": float64(2)},
		OutputContract: envelope.JSONSchema(map[string]any{
			"type":     "object",
			"required": []any{"variants"},
			"properties": map[string]any{
				"variants": map[string]any{"type": "array", "minItems": float64(2)},
			},
		}),
	}
}

func build(t *testing.T, env *envelope.Envelope, draft *planner.Draft, pols map[string]any) *Plan {
	t.Helper()
	norm, err := policy.Normalize(pols)
	require.NoError(t, err)
	p, err := Build(context.Background(), BuildInput{
		RunID:    "run-1",
		Envelope: env,
		Policies: norm,
		Snapshot: testSnapshot(),
		Draft:    draft,
	})
	require.NoError(t, err)
	return p
}

func TestBuildAssignsIDsAndContracts(t *testing.T) {
	p := build(t, testEnvelope(), &planner.Draft{Nodes: []planner.DraftNode{
		{CapabilityID: "writer.v1", Stage: "draft", Instructions: []string{"two variants"}},
		{CapabilityID: "qa.v1", Stage: "review"},
	}}, nil)

	require.Equal(t, "run-1", p.RunID)
	// writer, qa, injected normalization, injected fallback.
	require.Len(t, p.Nodes, 4)

	writer := p.Nodes[0]
	require.Equal(t, "writer_v1_1", writer.ID)
	require.Equal(t, KindExecution, writer.Kind)
	require.Equal(t, "Copywriter", writer.CapabilityLabel)
	require.Equal(t, envelope.ModeJSONSchema, writer.Contracts.Output.Mode)
	require.Equal(t, "draft", writer.Metadata["plannerStage"])
	require.Equal(t, []string{"briefing"}, writer.Facets.Input)
	require.Equal(t, "run-1", writer.Bundle.RunID)
	require.Equal(t, writer.ID, writer.Bundle.NodeID)
	require.Contains(t, writer.Bundle.Instructions, "two variants")

	qa := p.Nodes[1]
	require.Equal(t, "qa_v1_2", qa.ID)
	require.Equal(t, KindValidation, qa.Kind)
	// No capability contract, no catalog: freeform default applies.
	require.Equal(t, envelope.ModeFreeform, qa.Contracts.Output.Mode)
	require.Equal(t, DefaultOutputInstructions, qa.Contracts.Output.Instructions)

	last := p.Nodes[len(p.Nodes)-1]
	require.Equal(t, KindFallback, last.Kind)
	require.Equal(t, "hitl", last.Contracts.Fallback)
	require.Equal(t, FallbackInstructions, last.Contracts.Output.Instructions)
}

func TestBuildRejectsUnknownExecutionCapability(t *testing.T) {
	norm, err := policy.Normalize(nil)
	require.NoError(t, err)
	_, err = Build(context.Background(), BuildInput{
		RunID:    "run-1",
		Envelope: testEnvelope(),
		Policies: norm,
		Snapshot: testSnapshot(),
		Draft:    &planner.Draft{Nodes: []planner.DraftNode{{CapabilityID: "ghost.v1", Kind: "execution"}}},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown execution capability")
}

func TestBuildInjectsNormalizationNode(t *testing.T) {
	// writer.v1 produces copyVariants but the final contract requires
	// variants, so the schemas do not line up and a transformation node is
	// appended with the final schema and the registered transformation
	// capability.
	p := build(t, testEnvelope(), &planner.Draft{Nodes: []planner.DraftNode{
		{CapabilityID: "writer.v1"},
	}}, nil)

	var norm *Node
	for i := range p.Nodes {
		if p.Nodes[i].Kind == KindTransformation {
			norm = &p.Nodes[i]
		}
	}
	require.NotNil(t, norm)
	require.Equal(t, "shaper.v1", norm.CapabilityID)
	require.Equal(t, envelope.ModeJSONSchema, norm.Contracts.Output.Mode)
	require.Equal(t, testEnvelope().OutputContract.Schema, norm.Contracts.Output.Schema)
	require.Equal(t, true, norm.Metadata["derived"])
}

func TestBuildSkipsNormalizationWhenSubset(t *testing.T) {
	env := testEnvelope()
	env.OutputContract = envelope.JSONSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"copyVariants": map[string]any{"type": "array"},
		},
	})
	p := build(t, env, &planner.Draft{Nodes: []planner.DraftNode{
		{CapabilityID: "writer.v1"},
	}}, nil)
	for _, n := range p.Nodes {
		require.NotEqual(t, KindTransformation, n.Kind)
	}
}

func TestBuildBranchNodesFromPolicies(t *testing.T) {
	p := build(t, testEnvelope(), &planner.Draft{Nodes: []planner.DraftNode{
		{CapabilityID: "qa.v1", Kind: "validation"},
		{CapabilityID: "writer.v1", Kind: "execution"},
	}}, map[string]any{
		"planner": map[string]any{
			"branchVariants": []any{
				map[string]any{"label": "Variant A", "strategy": "bold", "count": float64(1)},
				map[string]any{"label": "Variant B", "strategy": "safe", "count": float64(1)},
			},
		},
	})

	// Branch nodes sit before the first execution node, after qa.
	require.Equal(t, KindValidation, p.Nodes[0].Kind)
	require.Equal(t, KindBranch, p.Nodes[1].Kind)
	require.Equal(t, "Variant A", p.Nodes[1].Label)
	require.Equal(t, KindBranch, p.Nodes[2].Kind)
	require.Equal(t, KindExecution, p.Nodes[3].Kind)

	// Version counts the branch nodes and the injected normalization.
	require.Equal(t, 1+2+1, p.Version)
}

func TestBuildResolvesRoutingTargets(t *testing.T) {
	cond := condition.MustParse(`facets.routeTarget.value == "success"`)
	p := build(t, testEnvelope(), &planner.Draft{Nodes: []planner.DraftNode{
		{
			Kind:  "routing",
			Label: "route",
			Routing: &planner.DraftRouting{
				Routes: []planner.DraftRoute{{To: "writer.v1", Condition: condition.Spec{JSONLogic: cond.JSONLogic}}},
				ElseTo: "QA step",
			},
		},
		{CapabilityID: "writer.v1"},
		{CapabilityID: "qa.v1", Label: "QA step"},
	}}, nil)

	routing := p.Nodes[0].Routing
	require.NotNil(t, routing)
	require.Equal(t, p.Nodes[1].ID, routing.Routes[0].To)
	require.Equal(t, p.Nodes[2].ID, routing.ElseTo)

	// Routing edges accompany the sequential chain.
	var routeEdges int
	for _, e := range p.Edges {
		if e.Reason == EdgeReasonRoute {
			routeEdges++
		}
	}
	require.Equal(t, 2, routeEdges)
}

func TestBuildRejectsBackwardRoutingTarget(t *testing.T) {
	norm, err := policy.Normalize(nil)
	require.NoError(t, err)
	_, err = Build(context.Background(), BuildInput{
		RunID:    "run-1",
		Envelope: testEnvelope(),
		Policies: norm,
		Snapshot: testSnapshot(),
		Draft: &planner.Draft{Nodes: []planner.DraftNode{
			{CapabilityID: "writer.v1"},
			{
				Kind: "routing",
				Routing: &planner.DraftRouting{
					Routes: []planner.DraftRoute{{To: "writer.v1", Condition: condition.Spec{JSONLogic: condition.MustParse("a == 1").JSONLogic}}},
				},
			},
		}},
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "precedes the routing node")
}

func TestBuildFacetContractsFromCatalog(t *testing.T) {
	catalog, err := facets.NewCatalog(
		facets.Facet{
			Name:           "briefing",
			Description:    "Campaign briefing",
			Direction:      facets.DirectionInput,
			SchemaFragment: map[string]any{"type": "object"},
		},
		facets.Facet{
			Name:           "copyVariants",
			Description:    "Copy variants",
			Direction:      facets.DirectionOutput,
			SchemaFragment: map[string]any{"type": "array"},
		},
	)
	require.NoError(t, err)

	norm, err := policy.Normalize(nil)
	require.NoError(t, err)
	snapshot := testSnapshot()
	snapshot[0].OutputContract = envelope.OutputContract{} // force facet contract
	p, err := Build(context.Background(), BuildInput{
		RunID:    "run-1",
		Envelope: testEnvelope(),
		Policies: norm,
		Snapshot: snapshot,
		Draft:    &planner.Draft{Nodes: []planner.DraftNode{{CapabilityID: "writer.v1"}}},
		Catalog:  catalog,
	})
	require.NoError(t, err)

	writer := p.Nodes[0]
	require.Equal(t, envelope.ModeJSONSchema, writer.Contracts.Output.Mode)
	props := writer.Contracts.Output.Schema["properties"].(map[string]any)
	require.Contains(t, props, "copyVariants")
	require.Len(t, writer.Bundle.FacetProvenance, 2)
}

func TestBuildScenarioMetadata(t *testing.T) {
	env := testEnvelope()
	env.Inputs["channel"] = "linkedin"
	p := build(t, env, &planner.Draft{
		Nodes:     []planner.DraftNode{{CapabilityID: "writer.v1"}},
		Rationale: "single writer pass",
	}, map[string]any{"variantCount": float64(3)})

	scenario := p.Metadata["scenario"].(map[string]any)
	require.Equal(t, "linkedin", scenario["channel"])
	require.Equal(t, 3, scenario["variantCount"])
	require.Equal(t, "single writer pass", p.Metadata["plannerRationale"])
}
