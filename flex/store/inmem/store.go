// Package inmem provides the reference in-memory store used by tests and
// local development. Records are deep-copied through the JSON codec on
// both writes and reads so callers can never mutate stored state.
package inmem

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/awesomeposter/flex/flex/hitl"
	"github.com/awesomeposter/flex/flex/runctx"
	"github.com/awesomeposter/flex/flex/store"
)

// Store implements store.Store in memory. All operations are thread-safe;
// writes for a single run are additionally serialized by the coordinator.
type Store struct {
	mu        sync.RWMutex
	runs      map[string]store.RunRecord
	snapshots map[string]map[int]store.PlanSnapshot
	nodes     map[string]map[string]store.NodeState
	nodeOrder map[string][]string
	outputs   map[string]store.RunOutput
	now       func() time.Time
}

// New constructs an empty store.
func New() *Store {
	return &Store{
		runs:      make(map[string]store.RunRecord),
		snapshots: make(map[string]map[int]store.PlanSnapshot),
		nodes:     make(map[string]map[string]store.NodeState),
		nodeOrder: make(map[string][]string),
		outputs:   make(map[string]store.RunOutput),
		now:       time.Now,
	}
}

// CreateOrUpdateRun implements store.Store.
func (s *Store) CreateOrUpdateRun(_ context.Context, rec store.RunRecord) error {
	if rec.RunID == "" {
		return fmt.Errorf("store: run id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.runs[rec.RunID]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now()
	}
	rec.UpdatedAt = s.now()
	s.runs[rec.RunID] = deepCopy(rec)
	return nil
}

// UpdateStatus implements store.Store.
func (s *Store) UpdateStatus(_ context.Context, runID string, status store.RunStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("store: run %q: %w", runID, store.ErrNotFound)
	}
	rec.Status = status
	rec.UpdatedAt = s.now()
	s.runs[runID] = rec
	return nil
}

// SaveRunContext implements store.Store.
func (s *Store) SaveRunContext(_ context.Context, runID string, snap runctx.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.runs[runID]
	if !ok {
		return fmt.Errorf("store: run %q: %w", runID, store.ErrNotFound)
	}
	copied := deepCopy(snap)
	rec.ContextSnapshot = &copied
	rec.UpdatedAt = s.now()
	s.runs[runID] = rec
	return nil
}

// SavePlanSnapshot implements store.Store. The (runID, version) pair is
// the uniqueness key; saving it again replaces the row and refreshes
// UpdatedAt while keeping CreatedAt.
func (s *Store) SavePlanSnapshot(_ context.Context, snap store.PlanSnapshot) error {
	if snap.RunID == "" || snap.Version <= 0 {
		return fmt.Errorf("store: plan snapshot requires run id and positive version")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byVersion := s.snapshots[snap.RunID]
	if byVersion == nil {
		byVersion = make(map[int]store.PlanSnapshot)
		s.snapshots[snap.RunID] = byVersion
	}
	if existing, ok := byVersion[snap.Version]; ok {
		snap.CreatedAt = existing.CreatedAt
	} else if snap.CreatedAt.IsZero() {
		snap.CreatedAt = s.now()
	}
	snap.UpdatedAt = s.now()
	byVersion[snap.Version] = deepCopy(snap)

	if rec, ok := s.runs[snap.RunID]; ok && snap.Version > rec.PlanVersion {
		rec.PlanVersion = snap.Version
		rec.UpdatedAt = s.now()
		s.runs[snap.RunID] = rec
	}
	return nil
}

// MarkNode implements store.Store.
func (s *Store) MarkNode(_ context.Context, runID string, state store.NodeState) error {
	if state.NodeID == "" {
		return fmt.Errorf("store: node id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byNode := s.nodes[runID]
	if byNode == nil {
		byNode = make(map[string]store.NodeState)
		s.nodes[runID] = byNode
	}
	if existing, ok := byNode[state.NodeID]; ok {
		// Partial updates keep earlier fields.
		if state.Context == nil {
			state.Context = existing.Context
		}
		if state.Output == nil {
			state.Output = existing.Output
		}
		if state.StartedAt == nil {
			state.StartedAt = existing.StartedAt
		}
		if state.CapabilityID == "" {
			state.CapabilityID = existing.CapabilityID
		}
		if state.Label == "" {
			state.Label = existing.Label
		}
	} else {
		s.nodeOrder[runID] = append(s.nodeOrder[runID], state.NodeID)
	}
	byNode[state.NodeID] = deepCopy(state)
	return nil
}

// RecordResult implements store.Store.
func (s *Store) RecordResult(_ context.Context, runID string, output map[string]any, opts store.ResultOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := store.RunOutput{
		RunID:                runID,
		PlanVersion:          opts.PlanVersion,
		SchemaHash:           opts.SchemaHash,
		Status:               "final",
		Output:               output,
		Facets:               opts.Facets,
		GoalConditionResults: opts.GoalConditionResults,
		RecordedAt:           s.now(),
		UpdatedAt:            s.now(),
	}
	s.outputs[runID] = deepCopy(out)
	if rec, ok := s.runs[runID]; ok {
		rec.Result = deepCopy(output)
		rec.UpdatedAt = s.now()
		s.runs[runID] = rec
	}
	return nil
}

// RecordPendingResult implements store.Store.
func (s *Store) RecordPendingResult(_ context.Context, runID string, output map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.outputs[runID]; ok && existing.Status == "final" {
		// Never demote a recorded final output.
		return nil
	}
	out := store.RunOutput{
		RunID:      runID,
		Status:     "pending",
		Output:     output,
		RecordedAt: s.now(),
		UpdatedAt:  s.now(),
	}
	s.outputs[runID] = deepCopy(out)
	return nil
}

// LoadRun implements store.Store.
func (s *Store) LoadRun(_ context.Context, runID string) (store.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.runs[runID]
	if !ok {
		return store.RunRecord{}, fmt.Errorf("store: run %q: %w", runID, store.ErrNotFound)
	}
	return deepCopy(rec), nil
}

// FindRunByThreadID implements store.Store, returning the most recently
// updated run on the thread.
func (s *Store) FindRunByThreadID(_ context.Context, threadID string) (store.RunRecord, error) {
	if threadID == "" {
		return store.RunRecord{}, fmt.Errorf("store: thread id is required")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found *store.RunRecord
	for id := range s.runs {
		rec := s.runs[id]
		if rec.ThreadID != threadID {
			continue
		}
		if found == nil || rec.UpdatedAt.After(found.UpdatedAt) {
			copied := rec
			found = &copied
		}
	}
	if found == nil {
		return store.RunRecord{}, fmt.Errorf("store: thread %q: %w", threadID, store.ErrNotFound)
	}
	return deepCopy(*found), nil
}

// LoadPlanSnapshot implements store.Store. A zero version loads the
// highest persisted version.
func (s *Store) LoadPlanSnapshot(_ context.Context, runID string, version int) (store.PlanSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byVersion := s.snapshots[runID]
	if len(byVersion) == 0 {
		return store.PlanSnapshot{}, fmt.Errorf("store: plan snapshot for run %q: %w", runID, store.ErrNotFound)
	}
	if version == 0 {
		for v := range byVersion {
			if v > version {
				version = v
			}
		}
	}
	snap, ok := byVersion[version]
	if !ok {
		return store.PlanSnapshot{}, fmt.Errorf("store: plan snapshot %q v%d: %w", runID, version, store.ErrNotFound)
	}
	return deepCopy(snap), nil
}

// LoadRunOutput implements store.Store.
func (s *Store) LoadRunOutput(_ context.Context, runID string) (store.RunOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.outputs[runID]
	if !ok {
		return store.RunOutput{}, fmt.Errorf("store: output for run %q: %w", runID, store.ErrNotFound)
	}
	return deepCopy(out), nil
}

// LoadRunDebug implements store.Store: the run record, node states, and
// output composed into one document with secret-matching keys redacted.
func (s *Store) LoadRunDebug(ctx context.Context, runID string) (map[string]any, error) {
	rec, err := s.LoadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{
		"run": toDocument(rec),
	}
	s.mu.RLock()
	var nodes []any
	for _, id := range s.nodeOrder[runID] {
		nodes = append(nodes, toDocument(s.nodes[runID][id]))
	}
	out, haveOutput := s.outputs[runID]
	snapCount := len(s.snapshots[runID])
	s.mu.RUnlock()
	if nodes != nil {
		doc["nodes"] = nodes
	}
	if haveOutput {
		doc["output"] = toDocument(out)
	}
	doc["planSnapshots"] = snapCount
	return store.RedactDebug(doc), nil
}

// ListPendingHumanTasks implements store.Store by deriving tasks from
// awaiting_human node rows. Assignment routing is read from the node's
// persisted context (assignedTo, role, instructions).
func (s *Store) ListPendingHumanTasks(_ context.Context, filter hitl.TaskFilter) ([]hitl.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tasks []hitl.Task
	runIDs := make([]string, 0, len(s.nodes))
	for runID := range s.nodes {
		runIDs = append(runIDs, runID)
	}
	sort.Strings(runIDs)
	for _, runID := range runIDs {
		for _, nodeID := range s.nodeOrder[runID] {
			st := s.nodes[runID][nodeID]
			if st.Status != store.NodeAwaitingHuman {
				continue
			}
			task := hitl.Task{
				ID:           runID + "/" + nodeID,
				RunID:        runID,
				NodeID:       nodeID,
				CapabilityID: st.CapabilityID,
				Status:       hitl.TaskPending,
			}
			if v, ok := st.Context["assignedTo"].(string); ok {
				task.AssignedTo = v
			}
			if v, ok := st.Context["role"].(string); ok {
				task.Role = v
			}
			if v, ok := st.Context["instructions"].(string); ok {
				task.Instructions = v
			}
			if st.StartedAt != nil {
				task.CreatedAt = *st.StartedAt
			}
			if filter.Matches(task) {
				tasks = append(tasks, task)
			}
		}
	}
	return tasks, nil
}

// deepCopy round-trips a value through JSON so stored records and returned
// records never share memory with the caller.
func deepCopy[T any](v T) T {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func toDocument(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
