// Package runctx implements the per-run facet store. Every capability
// output lands here, keyed by facet name, with an append-only provenance
// chain recording which node produced each update. Snapshots are deep
// copies used for persistence, policy evaluation payloads, and the
// final-output projection; mutating a snapshot never affects the live
// store.
package runctx

import (
	"fmt"
	"sync"
	"time"

	"github.com/awesomeposter/flex/flex/envelope"
)

type (
	// Provenance records one update to a facet.
	Provenance struct {
		// NodeID is the plan node that produced the update.
		NodeID string `json:"nodeId"`
		// CapabilityID is the capability behind the node, when any.
		CapabilityID string `json:"capabilityId,omitempty"`
		// Rationale optionally explains why the update happened.
		Rationale string `json:"rationale,omitempty"`
		// Timestamp is when the update was applied.
		Timestamp time.Time `json:"timestamp"`
	}

	// FacetState is the current value of one facet plus its history.
	FacetState struct {
		// Value is the current facet value.
		Value any `json:"value"`
		// UpdatedAt is when the value last changed.
		UpdatedAt time.Time `json:"updatedAt"`
		// Provenance is the append-only update chain, oldest first.
		Provenance []Provenance `json:"provenance"`
	}

	// ClarificationStatus tracks the lifecycle of a clarification exchange.
	ClarificationStatus string

	// Clarification records one HITL clarification question and, once
	// resolved, its answer. Denied clarifications stay in the log and
	// count toward the per-run clarification limit.
	Clarification struct {
		// ID correlates the question with its eventual resolution.
		ID string `json:"id"`
		// NodeID is the plan node that was executing when the question rose.
		NodeID string `json:"nodeId,omitempty"`
		// Question is the operator-facing prompt.
		Question string `json:"question"`
		// Answer is the operator's response when Status is answered.
		Answer string `json:"answer,omitempty"`
		// Status is pending, answered, or denied.
		Status ClarificationStatus `json:"status"`
		// AskedAt is when the question was recorded.
		AskedAt time.Time `json:"askedAt"`
		// ResolvedAt is when the answer or denial was recorded.
		ResolvedAt time.Time `json:"resolvedAt,omitempty"`
	}

	// Snapshot is a self-contained deep copy of the run context.
	Snapshot struct {
		// Facets maps facet name to its state at snapshot time.
		Facets map[string]FacetState `json:"facets"`
		// Clarifications is the clarification log at snapshot time.
		Clarifications []Clarification `json:"clarifications,omitempty"`
		// TakenAt is when the snapshot was produced.
		TakenAt time.Time `json:"takenAt"`
	}

	// Context is the in-memory facet store of a single run. It is owned by
	// one run task; the mutex guards against concurrent reads from event
	// enrichment while the run task writes.
	Context struct {
		mu             sync.RWMutex
		facets         map[string]*FacetState
		clarifications []Clarification
		now            func() time.Time
	}
)

const (
	// ClarificationPending marks an unanswered question.
	ClarificationPending ClarificationStatus = "pending"
	// ClarificationAnswered marks an answered question.
	ClarificationAnswered ClarificationStatus = "answered"
	// ClarificationDenied marks a question the operator declined.
	ClarificationDenied ClarificationStatus = "denied"
)

// New constructs an empty run context.
func New() *Context {
	return &Context{facets: make(map[string]*FacetState), now: time.Now}
}

// Restore rebuilds a run context from a persisted snapshot. Used on resume.
func Restore(snap Snapshot) *Context {
	c := New()
	for name, st := range snap.Facets {
		copied := cloneFacetState(st)
		c.facets[name] = &copied
	}
	c.clarifications = append(c.clarifications, snap.Clarifications...)
	return c
}

// UpdateFacet stores value under name and appends the provenance entry.
// The facet is created on first update; facets are never deleted.
func (c *Context) UpdateFacet(name string, value any, prov Provenance) {
	if name == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prov.Timestamp.IsZero() {
		prov.Timestamp = c.now()
	}
	st, ok := c.facets[name]
	if !ok {
		st = &FacetState{}
		c.facets[name] = st
	}
	st.Value = deepCopy(value)
	st.UpdatedAt = prov.Timestamp
	st.Provenance = append(st.Provenance, prov)
}

// UpdateFromNode projects a node's output payload into facets:
//
//  1. Every declared output facet present as a property of the output
//     payload is stored under its own name.
//  2. When nothing matched and the node declares exactly one output facet,
//     the entire payload is stored under that facet (single-facet
//     passthrough).
//  3. Otherwise nothing is stored; missing coverage surfaces later through
//     post-conditions or goal conditions.
func (c *Context) UpdateFromNode(nodeID, capabilityID string, outputFacets []string, output map[string]any) {
	prov := Provenance{NodeID: nodeID, CapabilityID: capabilityID}
	matched := false
	for _, f := range outputFacets {
		if v, ok := output[f]; ok {
			c.UpdateFacet(f, v, prov)
			matched = true
		}
	}
	if matched {
		return
	}
	if len(outputFacets) == 1 && output != nil {
		c.UpdateFacet(outputFacets[0], output, prov)
	}
}

// GetFacet returns the current state of name and whether it exists. The
// returned state is a deep copy.
func (c *Context) GetFacet(name string) (FacetState, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st, ok := c.facets[name]
	if !ok {
		return FacetState{}, false
	}
	return cloneFacetState(*st), true
}

// Snapshot produces a deep copy of the full store. Later mutations of the
// context do not affect the snapshot, nor do snapshot mutations affect the
// context.
func (c *Context) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := Snapshot{
		Facets:  make(map[string]FacetState, len(c.facets)),
		TakenAt: c.now(),
	}
	for name, st := range c.facets {
		out.Facets[name] = cloneFacetState(*st)
	}
	if len(c.clarifications) > 0 {
		out.Clarifications = make([]Clarification, len(c.clarifications))
		copy(out.Clarifications, c.clarifications)
	}
	return out
}

// RecordClarificationQuestion appends a pending clarification to the log.
func (c *Context) RecordClarificationQuestion(id, nodeID, question string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clarifications = append(c.clarifications, Clarification{
		ID:       id,
		NodeID:   nodeID,
		Question: question,
		Status:   ClarificationPending,
		AskedAt:  c.now(),
	})
}

// RecordClarificationAnswer resolves a pending clarification. A denied
// resolution records no answer text. Unknown ids return an error.
func (c *Context) RecordClarificationAnswer(id, answer string, status ClarificationStatus) error {
	if status != ClarificationAnswered && status != ClarificationDenied {
		return fmt.Errorf("runctx: invalid clarification resolution %q", status)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.clarifications {
		if c.clarifications[i].ID != id {
			continue
		}
		c.clarifications[i].Status = status
		c.clarifications[i].ResolvedAt = c.now()
		if status == ClarificationAnswered {
			c.clarifications[i].Answer = answer
		}
		return nil
	}
	return fmt.Errorf("runctx: unknown clarification %q", id)
}

// ClarificationCount returns the number of clarifications recorded for the
// run, regardless of resolution. Denied clarifications count toward the
// per-run limit.
func (c *Context) ClarificationCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.clarifications)
}

// ComposeFinalOutput projects the run context into the envelope's output
// contract:
//
//   - facets mode: each listed facet's current value, missing ones omitted;
//   - json_schema mode: facets whose names intersect the schema's top-level
//     properties; when none intersect, the last plan node's single output
//     facet (when any) is promoted to the whole output;
//   - freeform mode: an empty object.
func (c *Context) ComposeFinalOutput(contract envelope.OutputContract, lastNodeOutputFacets []string) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	switch contract.Mode {
	case envelope.ModeFacets:
		out := make(map[string]any)
		for _, name := range contract.Facets {
			if st, ok := c.facets[name]; ok {
				out[name] = deepCopy(st.Value)
			}
		}
		return out
	case envelope.ModeJSONSchema:
		out := make(map[string]any)
		props, _ := contract.Schema["properties"].(map[string]any)
		for name := range props {
			if st, ok := c.facets[name]; ok {
				out[name] = deepCopy(st.Value)
			}
		}
		if len(out) > 0 {
			return out
		}
		if len(lastNodeOutputFacets) == 1 {
			if st, ok := c.facets[lastNodeOutputFacets[0]]; ok {
				if m, ok := deepCopy(st.Value).(map[string]any); ok {
					return m
				}
				return map[string]any{lastNodeOutputFacets[0]: deepCopy(st.Value)}
			}
		}
		return out
	default:
		return map[string]any{}
	}
}

// AsPayload renders the snapshot in the shape condition and policy
// evaluation expect: facet name -> {"value": ...}.
func (s Snapshot) AsPayload() map[string]any {
	facets := make(map[string]any, len(s.Facets))
	for name, st := range s.Facets {
		facets[name] = map[string]any{"value": deepCopy(st.Value)}
	}
	return map[string]any{"facets": facets}
}

// FacetValue returns the value of name at snapshot time.
func (s Snapshot) FacetValue(name string) (any, bool) {
	st, ok := s.Facets[name]
	if !ok {
		return nil, false
	}
	return st.Value, true
}

func cloneFacetState(st FacetState) FacetState {
	out := FacetState{
		Value:     deepCopy(st.Value),
		UpdatedAt: st.UpdatedAt,
	}
	if len(st.Provenance) > 0 {
		out.Provenance = make([]Provenance, len(st.Provenance))
		copy(out.Provenance, st.Provenance)
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	}
	return v
}
