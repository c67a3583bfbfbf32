// Package facets defines the facet catalog and the contract compiler that
// turns facet name lists into JSON-Schema-shaped capability contracts.
//
// A facet is a named, semantically-typed slot for a payload fragment (for
// example copyVariants or qaFindings). Each facet declares a direction and
// a JSON Schema fragment; the compiler assembles per-node input and output
// contracts by unioning the fragments of the node's declared facets and
// records provenance for every property so HITL prompts can explain where
// a contract field came from.
package facets

import (
	"context"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/awesomeposter/flex/flex/telemetry"
)

type (
	// Direction declares how a facet may legally flow through a node.
	Direction string

	// Facet describes one named payload slot in the catalog.
	Facet struct {
		// Name is the unique facet identifier ("copyVariants").
		Name string `json:"name" yaml:"name"`
		// Description is a one-line human-readable summary.
		Description string `json:"description" yaml:"description"`
		// Semantics explains the intended meaning and production rules of
		// the facet for planners and operators.
		Semantics string `json:"semantics,omitempty" yaml:"semantics,omitempty"`
		// Direction restricts which side of a node the facet may appear on.
		Direction Direction `json:"direction" yaml:"direction"`
		// SchemaFragment is the JSON Schema describing the facet value.
		SchemaFragment map[string]any `json:"schemaFragment" yaml:"schemaFragment"`
	}

	// Catalog indexes facets by name, preserving declaration order.
	Catalog struct {
		order  []string
		byName map[string]Facet
	}

	// Provenance records where one property of a compiled contract came
	// from. HITL prompt builders use this to explain contract fields.
	Provenance struct {
		// Facet is the contributing facet name.
		Facet string `json:"facet"`
		// Title is the facet's human-readable description.
		Title string `json:"title"`
		// Direction is the facet's declared direction.
		Direction Direction `json:"direction"`
		// Pointer is the JSON pointer to the property within the contract.
		Pointer string `json:"pointer"`
	}

	// Compiled is one side (input or output) of a compiled facet contract.
	Compiled struct {
		// Schema is a JSON Schema object whose properties are the union of
		// the contributing facets' schema fragments.
		Schema map[string]any `json:"schema"`
		// Facets lists the contributing facet names in order.
		Facets []string `json:"facets"`
		// Provenance parallels the schema properties.
		Provenance []Provenance `json:"provenance"`
	}

	// Contracts bundles the compiled input and output sides for a node.
	// A side is nil when the node declares no facets for it.
	Contracts struct {
		Input  *Compiled `json:"input,omitempty"`
		Output *Compiled `json:"output,omitempty"`
	}
)

const (
	// DirectionInput restricts a facet to node inputs.
	DirectionInput Direction = "input"
	// DirectionOutput restricts a facet to node outputs.
	DirectionOutput Direction = "output"
	// DirectionBidirectional allows a facet on either side.
	DirectionBidirectional Direction = "bidirectional"
)

func (d Direction) valid() bool {
	switch d {
	case DirectionInput, DirectionOutput, DirectionBidirectional:
		return true
	}
	return false
}

// allowsInput reports whether the facet may appear as a node input.
func (d Direction) allowsInput() bool {
	return d == DirectionInput || d == DirectionBidirectional
}

// allowsOutput reports whether the facet may appear as a node output.
func (d Direction) allowsOutput() bool {
	return d == DirectionOutput || d == DirectionBidirectional
}

// NewCatalog builds a catalog, rejecting duplicate names and invalid
// directions.
func NewCatalog(list ...Facet) (*Catalog, error) {
	c := &Catalog{byName: make(map[string]Facet, len(list))}
	for _, f := range list {
		if f.Name == "" {
			return nil, fmt.Errorf("facets: facet name is required")
		}
		if !f.Direction.valid() {
			return nil, fmt.Errorf("facets: facet %q: invalid direction %q", f.Name, f.Direction)
		}
		if _, dup := c.byName[f.Name]; dup {
			return nil, fmt.Errorf("facets: duplicate facet %q", f.Name)
		}
		c.byName[f.Name] = f
		c.order = append(c.order, f.Name)
	}
	return c, nil
}

// LoadCatalog reads a YAML catalog document: a list of facet entries under
// a top-level "facets" key.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var doc struct {
		Facets []Facet `yaml:"facets"`
	}
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("facets: decode catalog: %w", err)
	}
	for i := range doc.Facets {
		doc.Facets[i].SchemaFragment = normalizeYAML(doc.Facets[i].SchemaFragment)
	}
	return NewCatalog(doc.Facets...)
}

// Lookup returns the facet declared under name and whether it exists.
func (c *Catalog) Lookup(name string) (Facet, bool) {
	if c == nil {
		return Facet{}, false
	}
	f, ok := c.byName[name]
	return f, ok
}

// Names returns every facet name in declaration order.
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Compile assembles input and output contracts for the given facet name
// lists. Facets that are unknown or declared for the opposite direction
// are logged and dropped rather than failing the compilation; missing
// coverage is surfaced later by post-conditions or goal conditions.
func (c *Catalog) Compile(ctx context.Context, input, output []string, logger telemetry.Logger) Contracts {
	if logger == nil {
		logger = telemetry.NopLogger{}
	}
	return Contracts{
		Input:  c.compileSide(ctx, input, false, logger),
		Output: c.compileSide(ctx, output, true, logger),
	}
}

func (c *Catalog) compileSide(ctx context.Context, names []string, outputSide bool, logger telemetry.Logger) *Compiled {
	if len(names) == 0 {
		return nil
	}
	side := "input"
	if outputSide {
		side = "output"
	}
	props := make(map[string]any)
	var kept []string
	var prov []Provenance
	for _, name := range names {
		f, ok := c.Lookup(name)
		if !ok {
			logger.Warn(ctx, "facet not in catalog, dropped", "facet", name, "side", side)
			continue
		}
		allowed := f.Direction.allowsInput()
		if outputSide {
			allowed = f.Direction.allowsOutput()
		}
		if !allowed {
			logger.Warn(ctx, "facet direction mismatch, dropped",
				"facet", name, "side", side, "direction", string(f.Direction))
			continue
		}
		fragment := f.SchemaFragment
		if fragment == nil {
			fragment = map[string]any{}
		}
		props[name] = deepCopyValue(fragment)
		kept = append(kept, name)
		prov = append(prov, Provenance{
			Facet:     name,
			Title:     f.Description,
			Direction: f.Direction,
			Pointer:   "/properties/" + name,
		})
	}
	if len(kept) == 0 {
		return nil
	}
	return &Compiled{
		Schema: map[string]any{
			"type":       "object",
			"properties": props,
		},
		Facets:     kept,
		Provenance: prov,
	}
}

// normalizeYAML rewrites YAML-decoded fragments (map[string]any with
// interface keys already resolved by yaml.v3, int values) into the decoded
// JSON shapes the rest of the runtime expects.
func normalizeYAML(v map[string]any) map[string]any {
	if v == nil {
		return nil
	}
	out, _ := deepCopyValue(v).(map[string]any)
	return out
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopyValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopyValue(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	}
	return v
}
