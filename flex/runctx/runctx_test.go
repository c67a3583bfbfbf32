package runctx

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/awesomeposter/flex/flex/envelope"
)

func TestUpdateFacetProvenanceChain(t *testing.T) {
	ctx := New()
	ctx.UpdateFacet("summary", map[string]any{"status": "draft"}, Provenance{NodeID: "writer_1", CapabilityID: "writer.v1"})
	ctx.UpdateFacet("summary", map[string]any{"status": "ready"}, Provenance{NodeID: "qa_2", CapabilityID: "qa.v1"})

	st, ok := ctx.GetFacet("summary")
	require.True(t, ok)
	require.Equal(t, "ready", st.Value.(map[string]any)["status"])
	require.Len(t, st.Provenance, 2)
	require.Equal(t, "writer_1", st.Provenance[0].NodeID)
	require.Equal(t, "qa_2", st.Provenance[1].NodeID)
}

func TestUpdateFromNodeNamedProperties(t *testing.T) {
	ctx := New()
	ctx.UpdateFromNode("n1", "cap.v1", []string{"copyVariants", "qaFindings"}, map[string]any{
		"copyVariants": []any{"a", "b"},
		"qaFindings":   []any{"finding"},
		"extra":        "ignored",
	})
	v, ok := ctx.GetFacet("copyVariants")
	require.True(t, ok)
	require.Len(t, v.Value, 2)
	_, ok = ctx.GetFacet("extra")
	require.False(t, ok)
}

func TestUpdateFromNodeSingleFacetPassthrough(t *testing.T) {
	ctx := New()
	out := map[string]any{"status": "ready", "text": "hello"}
	ctx.UpdateFromNode("n1", "cap.v1", []string{"summary"}, out)
	v, ok := ctx.GetFacet("summary")
	require.True(t, ok)
	require.Equal(t, "ready", v.Value.(map[string]any)["status"])
}

func TestUpdateFromNodeMultiFacetNoMatchStoresNothing(t *testing.T) {
	ctx := New()
	ctx.UpdateFromNode("n1", "", []string{"a", "b"}, map[string]any{"c": 1})
	_, ok := ctx.GetFacet("a")
	require.False(t, ok)
	_, ok = ctx.GetFacet("b")
	require.False(t, ok)
}

func TestSnapshotIsDeepCopy(t *testing.T) {
	ctx := New()
	ctx.UpdateFacet("summary", map[string]any{"status": "draft"}, Provenance{NodeID: "n1"})

	snap := ctx.Snapshot()
	snap.Facets["summary"].Value.(map[string]any)["status"] = "mutated"
	snap.Facets["other"] = FacetState{Value: "sneaky"}

	st, _ := ctx.GetFacet("summary")
	require.Equal(t, "draft", st.Value.(map[string]any)["status"])
	_, ok := ctx.GetFacet("other")
	require.False(t, ok)

	// Live mutations do not bleed into earlier snapshots either.
	before := ctx.Snapshot()
	ctx.UpdateFacet("summary", map[string]any{"status": "ready"}, Provenance{NodeID: "n2"})
	require.Equal(t, "draft", before.Facets["summary"].Value.(map[string]any)["status"])
}

func TestRestoreRoundTrip(t *testing.T) {
	ctx := New()
	ctx.UpdateFacet("summary", map[string]any{"status": "ready"}, Provenance{NodeID: "n1"})
	ctx.RecordClarificationQuestion("q1", "n1", "Approve tone?")
	require.NoError(t, ctx.RecordClarificationAnswer("q1", "yes", ClarificationAnswered))

	restored := Restore(ctx.Snapshot())
	st, ok := restored.GetFacet("summary")
	require.True(t, ok)
	require.Equal(t, "ready", st.Value.(map[string]any)["status"])
	require.Equal(t, 1, restored.ClarificationCount())
}

func TestClarificationDeniedCounts(t *testing.T) {
	ctx := New()
	ctx.RecordClarificationQuestion("q1", "n1", "Approve?")
	require.NoError(t, ctx.RecordClarificationAnswer("q1", "", ClarificationDenied))
	ctx.RecordClarificationQuestion("q2", "n2", "Retry?")
	require.Equal(t, 2, ctx.ClarificationCount())

	snap := ctx.Snapshot()
	require.Equal(t, ClarificationDenied, snap.Clarifications[0].Status)
	require.Empty(t, snap.Clarifications[0].Answer)
}

func TestRecordClarificationAnswerUnknownID(t *testing.T) {
	ctx := New()
	require.Error(t, ctx.RecordClarificationAnswer("missing", "x", ClarificationAnswered))
}

func TestComposeFinalOutputFacetsMode(t *testing.T) {
	ctx := New()
	ctx.UpdateFacet("copyVariants", []any{"a", "b"}, Provenance{NodeID: "n1"})
	out := ctx.ComposeFinalOutput(envelope.FacetList("copyVariants", "missing"), nil)
	require.Equal(t, []any{"a", "b"}, out["copyVariants"])
	require.NotContains(t, out, "missing")
}

func TestComposeFinalOutputSchemaIntersection(t *testing.T) {
	ctx := New()
	ctx.UpdateFacet("variants", []any{"a", "b"}, Provenance{NodeID: "n1"})
	ctx.UpdateFacet("ignored", "x", Provenance{NodeID: "n1"})
	contract := envelope.JSONSchema(map[string]any{
		"type":       "object",
		"properties": map[string]any{"variants": map[string]any{"type": "array"}},
	})
	out := ctx.ComposeFinalOutput(contract, nil)
	require.Equal(t, []any{"a", "b"}, out["variants"])
	require.NotContains(t, out, "ignored")
}

func TestComposeFinalOutputSchemaFallbackToLastNodeFacet(t *testing.T) {
	ctx := New()
	ctx.UpdateFacet("draft", map[string]any{"text": "hello"}, Provenance{NodeID: "n1"})
	contract := envelope.JSONSchema(map[string]any{
		"type":       "object",
		"properties": map[string]any{"text": map[string]any{"type": "string"}},
	})
	out := ctx.ComposeFinalOutput(contract, []string{"draft"})
	require.Equal(t, "hello", out["text"])
}

func TestComposeFinalOutputFreeform(t *testing.T) {
	ctx := New()
	ctx.UpdateFacet("anything", 1, Provenance{NodeID: "n1"})
	out := ctx.ComposeFinalOutput(envelope.Freeform("whatever"), nil)
	require.Empty(t, out)
}

func TestSnapshotAsPayload(t *testing.T) {
	ctx := New()
	ctx.UpdateFacet("routeTarget", "success", Provenance{NodeID: "n1"})
	payload := ctx.Snapshot().AsPayload()
	facets := payload["facets"].(map[string]any)
	require.Equal(t, "success", facets["routeTarget"].(map[string]any)["value"])
}

func TestSnapshotImmutabilityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("mutating a snapshot never changes later snapshots", prop.ForAll(
		func(facet string, value string) bool {
			ctx := New()
			ctx.UpdateFacet(facet, map[string]any{"v": value}, Provenance{NodeID: "n1"})
			snap := ctx.Snapshot()
			snap.Facets[facet].Value.(map[string]any)["v"] = value + "-mutated"
			after := ctx.Snapshot()
			return after.Facets[facet].Value.(map[string]any)["v"] == value
		},
		gen.Identifier(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
