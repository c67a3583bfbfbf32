package plan

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/awesomeposter/flex/flex/envelope"
	"github.com/awesomeposter/flex/flex/facets"
	"github.com/awesomeposter/flex/flex/planner"
	"github.com/awesomeposter/flex/flex/policy"
	"github.com/awesomeposter/flex/flex/registry"
	"github.com/awesomeposter/flex/flex/telemetry"
)

// DefaultOutputInstructions is the freeform contract applied to nodes with
// neither a capability contract nor compiled facet contracts.
const DefaultOutputInstructions = "Produce output consistent with downstream expectations."

// FallbackInstructions is the output contract of the injected fallback node.
const FallbackInstructions = "Document HITL escalation decision and context."

// BuildInput carries everything the builder needs to wrap a draft.
type BuildInput struct {
	// RunID is the owning run.
	RunID string
	// Envelope is the caller's task description.
	Envelope *envelope.Envelope
	// Policies is the normalized policy model.
	Policies *policy.Normalized
	// Snapshot is the active capability snapshot.
	Snapshot []registry.Record
	// Draft is the planner's proposal.
	Draft *planner.Draft
	// Catalog is the facet catalog used to compile node contracts.
	Catalog *facets.Catalog
	// Logger receives facet-coverage warnings.
	Logger telemetry.Logger
}

// builder accumulates state across the build passes.
type builder struct {
	in        BuildInput
	logger    telemetry.Logger
	caps      map[string]registry.Record
	available map[string]bool
	usedIDs   map[string]bool
	idSeq     int
	nodes     []Node
}

// Build wraps a planner draft into an executable plan: kinds are coerced,
// facet contracts compiled, output contracts resolved by precedence,
// branch/normalization/fallback nodes injected, routing targets resolved,
// and the plan version computed.
func Build(ctx context.Context, in BuildInput) (*Plan, error) {
	if in.Envelope == nil {
		return nil, fmt.Errorf("plan: envelope is required")
	}
	if in.Draft == nil || len(in.Draft.Nodes) == 0 {
		return nil, fmt.Errorf("plan: draft has no nodes")
	}
	logger := in.Logger
	if logger == nil {
		logger = telemetry.NopLogger{}
	}

	b := &builder{
		in:        in,
		logger:    logger,
		caps:      make(map[string]registry.Record, len(in.Snapshot)),
		available: make(map[string]bool, len(in.Envelope.Inputs)),
		usedIDs:   make(map[string]bool),
	}
	for _, rec := range in.Snapshot {
		b.caps[rec.CapabilityID] = rec
	}
	for name := range in.Envelope.Inputs {
		b.available[name] = true
	}

	for i, dn := range in.Draft.Nodes {
		if err := b.appendDraftNode(ctx, dn, i); err != nil {
			return nil, err
		}
	}

	b.injectBranchNodes()
	hasTransformation := b.injectNormalizationNode()
	b.injectFallbackNode()

	if err := b.resolveRouting(in.Draft.Nodes); err != nil {
		return nil, err
	}

	p := &Plan{
		RunID:     in.RunID,
		Version:   b.version(hasTransformation),
		CreatedAt: time.Now().UTC(),
		Nodes:     b.nodes,
		Edges:     b.edges(),
		Metadata:  b.planMetadata(),
	}
	return p, nil
}

// appendDraftNode builds one plan node from a draft step.
func (b *builder) appendDraftNode(ctx context.Context, dn planner.DraftNode, index int) error {
	var cap registry.Record
	var haveCap bool
	if dn.CapabilityID != "" {
		cap, haveCap = b.caps[dn.CapabilityID]
	}

	kind := b.coerceKind(dn, cap, haveCap)
	if kind == KindExecution && dn.CapabilityID != "" && !haveCap {
		return fmt.Errorf("plan: node %d: unknown execution capability %q", index, dn.CapabilityID)
	}

	input := unionFacets(cap.InputFacets, dn.InputFacets)
	output := unionFacets(cap.OutputFacets, dn.OutputFacets)
	var contracts facets.Contracts
	if b.in.Catalog != nil {
		contracts = b.in.Catalog.Compile(ctx, input, output, b.logger)
		input, output = nil, nil
		if contracts.Input != nil {
			input = contracts.Input.Facets
		}
		if contracts.Output != nil {
			output = contracts.Output.Facets
		}
	}

	if missing := b.missingFacets(input); len(missing) > 0 {
		b.logger.Warn(ctx, "node input facets not yet available",
			"capability", dn.CapabilityID, "missingFacets", strings.Join(missing, ","))
	}

	outContract := b.resolveOutputContract(kind, cap, haveCap, contracts.Output)

	id := b.assignID(baseFor(dn, kind))
	meta := mergeMetadata(dn.Metadata, map[string]any{
		"kind":         string(kind),
		"plannerStage": dn.Stage,
	})

	node := Node{
		ID:              id,
		Kind:            kind,
		CapabilityID:    dn.CapabilityID,
		CapabilityLabel: cap.DisplayName,
		Label:           dn.Label,
		Contracts:       Contracts{Output: outContract},
		Facets:          Facets{Input: input, Output: output},
		Provenance:      "planner",
		Rationale:       dn.Rationale,
		Metadata:        meta,
	}
	if cap.InputContract != nil {
		c := *cap.InputContract
		node.Contracts.Input = &c
	}
	node.Bundle = b.bundleFor(&node, dn.Instructions, contracts)

	b.nodes = append(b.nodes, node)
	for _, f := range output {
		b.available[f] = true
	}
	return nil
}

// coerceKind resolves the node kind: an explicit valid draft kind wins,
// then the capability's registered kind, then execution. A draft node with
// routes is always a routing node.
func (b *builder) coerceKind(dn planner.DraftNode, cap registry.Record, haveCap bool) NodeKind {
	if dn.Routing != nil {
		return KindRouting
	}
	switch NodeKind(dn.Kind) {
	case KindStructuring, KindBranch, KindRouting, KindExecution, KindTransformation, KindValidation, KindFallback:
		return NodeKind(dn.Kind)
	}
	if haveCap {
		switch cap.Kind {
		case registry.KindStructuring:
			return KindStructuring
		case registry.KindValidation:
			return KindValidation
		case registry.KindTransformation:
			return KindTransformation
		}
	}
	return KindExecution
}

// resolveOutputContract applies the contract precedence: capability output
// contract, then compiled facet contract, then the freeform default.
// Transformation nodes are overridden with the envelope output contract so
// their output lands in the caller's final shape.
func (b *builder) resolveOutputContract(kind NodeKind, cap registry.Record, haveCap bool, compiled *facets.Compiled) envelope.OutputContract {
	if kind == KindTransformation && !b.in.Envelope.OutputContract.IsZero() {
		return b.in.Envelope.OutputContract
	}
	if haveCap && !cap.OutputContract.IsZero() {
		return cap.OutputContract
	}
	if compiled != nil {
		return envelope.JSONSchema(compiled.Schema)
	}
	return envelope.Freeform(DefaultOutputInstructions)
}

// bundleFor assembles the capability payload template for a node.
func (b *builder) bundleFor(node *Node, stepInstructions []string, contracts facets.Contracts) ContextBundle {
	instructions := append([]string{}, b.in.Envelope.SpecialInstructions...)
	instructions = append(instructions, stepInstructions...)
	var prov []facets.Provenance
	if contracts.Input != nil {
		prov = append(prov, contracts.Input.Provenance...)
	}
	if contracts.Output != nil {
		prov = append(prov, contracts.Output.Provenance...)
	}
	var policies map[string]any
	if b.in.Policies != nil {
		policies = b.in.Policies.Canonical
	}
	return ContextBundle{
		RunID:           b.in.RunID,
		NodeID:          node.ID,
		Objective:       b.in.Envelope.Objective,
		Instructions:    instructions,
		Inputs:          b.in.Envelope.Inputs,
		Policies:        policies,
		Contract:        node.Contracts.Output,
		Facets:          node.Facets,
		FacetProvenance: prov,
	}
}

// injectBranchNodes inserts branch nodes before the first execution node.
// Branch requests come from the planner draft or, absent those, from the
// envelope policy fields branchVariants, variantStrategies, and
// preExecutionBranches.
func (b *builder) injectBranchNodes() {
	requests := b.in.Draft.BranchRequests
	if len(requests) == 0 {
		requests = b.envelopeBranchRequests()
	}
	if len(requests) == 0 {
		return
	}

	insertAt := len(b.nodes)
	for i := range b.nodes {
		if b.nodes[i].Kind == KindExecution {
			insertAt = i
			break
		}
	}

	branches := make([]Node, 0, len(requests))
	for _, req := range requests {
		id := b.assignID("branch")
		label := req.Label
		if label == "" {
			label = "Branch"
		}
		branches = append(branches, Node{
			ID:         id,
			Kind:       KindBranch,
			Label:      label,
			Contracts:  Contracts{Output: envelope.Freeform(DefaultOutputInstructions)},
			Provenance: "builder",
			Metadata: map[string]any{
				"kind":     string(KindBranch),
				"strategy": req.Strategy,
				"count":    req.Count,
			},
			Bundle: ContextBundle{
				RunID:     b.in.RunID,
				Objective: b.in.Envelope.Objective,
				Inputs:    b.in.Envelope.Inputs,
				Contract:  envelope.Freeform(DefaultOutputInstructions),
			},
		})
	}
	for i := range branches {
		branches[i].Bundle.NodeID = branches[i].ID
	}

	b.nodes = append(b.nodes[:insertAt], append(branches, b.nodes[insertAt:]...)...)
}

// envelopeBranchRequests reads legacy branch request lists from the raw
// planner policy document.
func (b *builder) envelopeBranchRequests() []planner.BranchRequest {
	if b.in.Policies == nil || b.in.Policies.Planner == nil {
		return nil
	}
	raw := b.in.Policies.Planner.Raw
	for _, field := range []string{"branchVariants", "variantStrategies", "preExecutionBranches"} {
		list, ok := raw[field].([]any)
		if !ok || len(list) == 0 {
			continue
		}
		out := make([]planner.BranchRequest, 0, len(list))
		for _, item := range list {
			switch t := item.(type) {
			case string:
				out = append(out, planner.BranchRequest{Strategy: t})
			case map[string]any:
				req := planner.BranchRequest{}
				if s, ok := t["label"].(string); ok {
					req.Label = s
				}
				if s, ok := t["strategy"].(string); ok {
					req.Strategy = s
				}
				if n, ok := t["count"].(float64); ok {
					req.Count = int(n)
				}
				out = append(out, req)
			}
		}
		return out
	}
	return nil
}

// injectNormalizationNode appends a transformation node when the final
// contract is a JSON schema the last execution node does not already
// satisfy structurally. Reports whether the plan ends up containing any
// transformation node.
func (b *builder) injectNormalizationNode() bool {
	has := false
	for i := range b.nodes {
		if b.nodes[i].Kind == KindTransformation {
			has = true
		}
	}

	final := b.in.Envelope.OutputContract
	if final.Mode != envelope.ModeJSONSchema {
		return has
	}
	var lastExec *Node
	for i := len(b.nodes) - 1; i >= 0; i-- {
		if b.nodes[i].Kind == KindExecution {
			lastExec = &b.nodes[i]
			break
		}
	}
	if lastExec == nil {
		return has
	}
	var source map[string]any
	if lastExec.Contracts.Output.Mode == envelope.ModeJSONSchema {
		source = lastExec.Contracts.Output.Schema
	}
	if IsSchemaSubset(source, final.Schema) {
		return has
	}

	id := b.assignID("normalize")
	node := Node{
		ID:         id,
		Kind:       KindTransformation,
		Label:      "Normalize output",
		Contracts:  Contracts{Output: final},
		Provenance: "builder",
		Metadata: map[string]any{
			"kind":    string(KindTransformation),
			"derived": true,
		},
		Bundle: ContextBundle{
			RunID:     b.in.RunID,
			NodeID:    id,
			Objective: b.in.Envelope.Objective,
			Inputs:    b.in.Envelope.Inputs,
			Contract:  final,
		},
	}
	if rec, ok := b.firstCapabilityOfKind(registry.KindTransformation); ok {
		node.CapabilityID = rec.CapabilityID
		node.CapabilityLabel = rec.DisplayName
	}
	b.nodes = append(b.nodes, node)
	return true
}

// injectFallbackNode appends the HITL fallback node when the plan has none.
func (b *builder) injectFallbackNode() {
	for i := range b.nodes {
		if b.nodes[i].Kind == KindFallback {
			return
		}
	}
	id := b.assignID("fallback")
	b.nodes = append(b.nodes, Node{
		ID:         id,
		Kind:       KindFallback,
		Label:      "HITL escalation",
		Contracts:  Contracts{Output: envelope.Freeform(FallbackInstructions), Fallback: "hitl"},
		Provenance: "builder",
		Metadata:   map[string]any{"kind": string(KindFallback)},
		Bundle: ContextBundle{
			RunID:     b.in.RunID,
			NodeID:    id,
			Objective: b.in.Envelope.Objective,
			Contract:  envelope.Freeform(FallbackInstructions),
		},
	})
}

// resolveRouting attaches resolved routes to routing nodes. Draft route
// targets may name a node id, a label, or a capability id; targets must
// sit at or after the routing node in plan order.
func (b *builder) resolveRouting(draft []planner.DraftNode) error {
	di := 0
	for i := range b.nodes {
		node := &b.nodes[i]
		if node.Provenance != "planner" {
			continue
		}
		dn := draft[di]
		di++
		if node.Kind != KindRouting || dn.Routing == nil {
			continue
		}

		routing := &Routing{}
		for _, r := range dn.Routing.Routes {
			target, err := b.resolveTarget(r.To, i)
			if err != nil {
				return fmt.Errorf("plan: routing node %q: %w", node.ID, err)
			}
			routing.Routes = append(routing.Routes, Route{To: target, Condition: r.Condition, Label: r.Label})
		}
		if dn.Routing.ElseTo != "" {
			target, err := b.resolveTarget(dn.Routing.ElseTo, i)
			if err != nil {
				return fmt.Errorf("plan: routing node %q: %w", node.ID, err)
			}
			routing.ElseTo = target
		}
		node.Routing = routing
	}
	return nil
}

// resolveTarget maps a draft route target onto a concrete node id.
func (b *builder) resolveTarget(ref string, from int) (string, error) {
	idx := -1
	for i := range b.nodes {
		n := &b.nodes[i]
		if n.ID == ref || (n.Label != "" && n.Label == ref) || (n.CapabilityID != "" && n.CapabilityID == ref) {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", fmt.Errorf("route target %q matches no node", ref)
	}
	if idx <= from {
		return "", fmt.Errorf("route target %q precedes the routing node", ref)
	}
	return b.nodes[idx].ID, nil
}

// edges builds the sequential chain plus explicit routing edges.
func (b *builder) edges() []Edge {
	var out []Edge
	for i := 0; i+1 < len(b.nodes); i++ {
		out = append(out, Edge{From: b.nodes[i].ID, To: b.nodes[i+1].ID, Reason: EdgeReasonSequence})
	}
	for i := range b.nodes {
		r := b.nodes[i].Routing
		if r == nil {
			continue
		}
		for _, route := range r.Routes {
			out = append(out, Edge{From: b.nodes[i].ID, To: route.To, Reason: EdgeReasonRoute})
		}
		if r.ElseTo != "" {
			out = append(out, Edge{From: b.nodes[i].ID, To: r.ElseTo, Reason: EdgeReasonRoute})
		}
	}
	return out
}

// version computes the plan version: 1 plus one per branch node, one per
// derived-capability node, plus one when any transformation node exists.
func (b *builder) version(hasTransformation bool) int {
	v := 1
	for i := range b.nodes {
		switch {
		case b.nodes[i].Kind == KindBranch:
			v++
		case b.nodes[i].Metadata["derivedCapability"] == true:
			v++
		}
	}
	if hasTransformation {
		v++
	}
	if b.in.Draft.Version > v {
		v = b.in.Draft.Version
	}
	return v
}

// planMetadata derives scenario hints from the envelope plus planner
// annotations.
func (b *builder) planMetadata() map[string]any {
	scenario := map[string]any{}
	for _, key := range []string{"channel", "platform", "formats", "tags"} {
		if v, ok := b.in.Envelope.Inputs[key]; ok {
			scenario[key] = v
		}
	}
	if b.in.Policies != nil && b.in.Policies.Planner != nil && b.in.Policies.Planner.Topology.VariantCount > 0 {
		scenario["variantCount"] = b.in.Policies.Planner.Topology.VariantCount
	} else if v, ok := b.in.Envelope.Inputs["variantCount"]; ok {
		scenario["variantCount"] = v
	}

	meta := map[string]any{}
	if len(scenario) > 0 {
		meta["scenario"] = scenario
	}
	if b.in.Draft.Rationale != "" {
		meta["plannerRationale"] = b.in.Draft.Rationale
	}
	for k, v := range b.in.Draft.Metadata {
		meta[k] = v
	}
	return meta
}

// missingFacets returns the input facets not yet produced by earlier nodes
// or supplied as envelope inputs.
func (b *builder) missingFacets(input []string) []string {
	var missing []string
	for _, f := range input {
		if !b.available[f] {
			missing = append(missing, f)
		}
	}
	return missing
}

func (b *builder) firstCapabilityOfKind(kind registry.Kind) (registry.Record, bool) {
	for _, rec := range b.in.Snapshot {
		if rec.Kind == kind {
			return rec, true
		}
	}
	return registry.Record{}, false
}

// assignID derives a unique node id from base and an assignment ordinal.
func (b *builder) assignID(base string) string {
	base = sanitizeID(base)
	b.idSeq++
	id := fmt.Sprintf("%s_%d", base, b.idSeq)
	for n := 2; b.usedIDs[id]; n++ {
		id = fmt.Sprintf("%s_%d_%d", base, b.idSeq, n)
	}
	b.usedIDs[id] = true
	return id
}

// baseFor picks the id base: capability id, then stage, then label, then
// the node kind.
func baseFor(dn planner.DraftNode, kind NodeKind) string {
	switch {
	case dn.CapabilityID != "":
		return dn.CapabilityID
	case dn.Stage != "":
		return dn.Stage
	case dn.Label != "":
		return dn.Label
	}
	return string(kind)
}

func sanitizeID(s string) string {
	out := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, s)
	if out == "" {
		out = "node"
	}
	return out
}

func unionFacets(a, b []string) []string {
	var out []string
	seen := make(map[string]bool, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, f := range list {
			if f == "" || seen[f] {
				continue
			}
			seen[f] = true
			out = append(out, f)
		}
	}
	return out
}

func mergeMetadata(base, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		if v == "" {
			continue
		}
		out[k] = v
	}
	return out
}
