package facets

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func testCatalog(t *testing.T) *Catalog {
	t.Helper()
	cat, err := NewCatalog(
		Facet{
			Name:        "briefing",
			Description: "Campaign briefing",
			Direction:   DirectionInput,
			SchemaFragment: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"channel": map[string]any{"type": "string"},
				},
			},
		},
		Facet{
			Name:           "copyVariants",
			Description:    "Generated copy variants",
			Direction:      DirectionOutput,
			SchemaFragment: map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		Facet{
			Name:           "summary",
			Description:    "Run summary",
			Direction:      DirectionBidirectional,
			SchemaFragment: map[string]any{"type": "object"},
		},
	)
	require.NoError(t, err)
	return cat
}

func TestNewCatalogRejectsDuplicates(t *testing.T) {
	_, err := NewCatalog(
		Facet{Name: "a", Direction: DirectionInput},
		Facet{Name: "a", Direction: DirectionOutput},
	)
	require.ErrorContains(t, err, "duplicate")
}

func TestNewCatalogRejectsInvalidDirection(t *testing.T) {
	_, err := NewCatalog(Facet{Name: "a", Direction: "sideways"})
	require.ErrorContains(t, err, "invalid direction")
}

func TestCompileUnionsFragments(t *testing.T) {
	cat := testCatalog(t)
	contracts := cat.Compile(context.Background(), []string{"briefing", "summary"}, []string{"copyVariants"}, nil)

	require.NotNil(t, contracts.Input)
	props := contracts.Input.Schema["properties"].(map[string]any)
	require.Contains(t, props, "briefing")
	require.Contains(t, props, "summary")
	require.Equal(t, []string{"briefing", "summary"}, contracts.Input.Facets)
	require.Len(t, contracts.Input.Provenance, 2)
	require.Equal(t, "/properties/briefing", contracts.Input.Provenance[0].Pointer)
	require.Equal(t, "Campaign briefing", contracts.Input.Provenance[0].Title)

	require.NotNil(t, contracts.Output)
	require.Equal(t, []string{"copyVariants"}, contracts.Output.Facets)
}

func TestCompileDropsDirectionMisuse(t *testing.T) {
	cat := testCatalog(t)
	// briefing is input-only: it must be dropped from the output side.
	contracts := cat.Compile(context.Background(), nil, []string{"briefing", "copyVariants"}, nil)
	require.NotNil(t, contracts.Output)
	require.Equal(t, []string{"copyVariants"}, contracts.Output.Facets)
}

func TestCompileDropsUnknownFacets(t *testing.T) {
	cat := testCatalog(t)
	contracts := cat.Compile(context.Background(), []string{"nope"}, nil, nil)
	require.Nil(t, contracts.Input)
	require.Nil(t, contracts.Output)
}

func TestCompileCopiesFragments(t *testing.T) {
	cat := testCatalog(t)
	contracts := cat.Compile(context.Background(), []string{"briefing"}, nil, nil)
	props := contracts.Input.Schema["properties"].(map[string]any)
	frag := props["briefing"].(map[string]any)
	frag["type"] = "mutated"

	again := cat.Compile(context.Background(), []string{"briefing"}, nil, nil)
	fresh := again.Input.Schema["properties"].(map[string]any)["briefing"].(map[string]any)
	require.Equal(t, "object", fresh["type"])
}

func TestLoadCatalogYAML(t *testing.T) {
	doc := `
facets:
  - name: qaFindings
    description: QA findings
    semantics: Structured QA review output.
    direction: output
    schemaFragment:
      type: array
      minItems: 1
  - name: briefing
    description: Campaign briefing
    direction: input
    schemaFragment:
      type: object
`
	cat, err := LoadCatalog(strings.NewReader(doc))
	require.NoError(t, err)
	require.Equal(t, []string{"qaFindings", "briefing"}, cat.Names())

	f, ok := cat.Lookup("qaFindings")
	require.True(t, ok)
	require.Equal(t, DirectionOutput, f.Direction)
	// YAML integers normalize to float64 like decoded JSON.
	require.Equal(t, float64(1), f.SchemaFragment["minItems"])
}

func TestLoadCatalogRejectsBadDirection(t *testing.T) {
	_, err := LoadCatalog(strings.NewReader("facets:\n  - name: x\n    direction: diagonal\n"))
	require.ErrorContains(t, err, "invalid direction")
}
