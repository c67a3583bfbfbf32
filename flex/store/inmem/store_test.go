package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/awesomeposter/flex/flex/hitl"
	"github.com/awesomeposter/flex/flex/plan"
	"github.com/awesomeposter/flex/flex/runctx"
	"github.com/awesomeposter/flex/flex/store"
)

func TestRunLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.CreateOrUpdateRun(ctx, store.RunRecord{
		RunID:     "run-1",
		ThreadID:  "thread-1",
		Status:    store.StatusPending,
		Objective: "write variants",
	}))
	require.NoError(t, s.UpdateStatus(ctx, "run-1", store.StatusRunning))

	rec, err := s.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, store.StatusRunning, rec.Status)
	require.False(t, rec.CreatedAt.IsZero())

	byThread, err := s.FindRunByThreadID(ctx, "thread-1")
	require.NoError(t, err)
	require.Equal(t, "run-1", byThread.RunID)

	_, err = s.LoadRun(ctx, "ghost")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.ErrorIs(t, s.UpdateStatus(ctx, "ghost", store.StatusFailed), store.ErrNotFound)
}

func TestPlanSnapshotVersioning(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateOrUpdateRun(ctx, store.RunRecord{RunID: "run-1", Status: store.StatusPending}))

	p := &plan.Plan{RunID: "run-1", Version: 1, Nodes: []plan.Node{{ID: "writer_1", Kind: plan.KindExecution}}}
	require.NoError(t, s.SavePlanSnapshot(ctx, store.PlanSnapshot{RunID: "run-1", Version: 1, Plan: p}))

	p2 := &plan.Plan{RunID: "run-1", Version: 3, Nodes: []plan.Node{{ID: "writer_1"}, {ID: "qa_2"}}}
	require.NoError(t, s.SavePlanSnapshot(ctx, store.PlanSnapshot{RunID: "run-1", Version: 3, Plan: p2}))

	latest, err := s.LoadPlanSnapshot(ctx, "run-1", 0)
	require.NoError(t, err)
	require.Equal(t, 3, latest.Version)
	require.Len(t, latest.Plan.Nodes, 2)

	v1, err := s.LoadPlanSnapshot(ctx, "run-1", 1)
	require.NoError(t, err)
	require.Equal(t, 1, v1.Version)

	// Saving a version again replaces the row in place.
	require.NoError(t, s.SavePlanSnapshot(ctx, store.PlanSnapshot{
		RunID: "run-1", Version: 3, Plan: p2,
		Pending: &store.PendingState{CompletedNodeIDs: []string{"writer_1"}},
	}))
	again, err := s.LoadPlanSnapshot(ctx, "run-1", 3)
	require.NoError(t, err)
	require.Equal(t, []string{"writer_1"}, again.Pending.CompletedNodeIDs)

	// The run record tracks the highest saved version.
	rec, err := s.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, 3, rec.PlanVersion)

	_, err = s.LoadPlanSnapshot(ctx, "run-1", 2)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestMarkNodeMergesPartialUpdates(t *testing.T) {
	s := New()
	ctx := context.Background()
	started := time.Now().UTC()

	require.NoError(t, s.MarkNode(ctx, "run-1", store.NodeState{
		NodeID:       "writer_1",
		CapabilityID: "writer.v1",
		Status:       store.NodeRunning,
		StartedAt:    &started,
	}))
	require.NoError(t, s.MarkNode(ctx, "run-1", store.NodeState{
		NodeID: "writer_1",
		Status: store.NodeCompleted,
		Output: map[string]any{"copyVariants": []any{"a", "b"}},
	}))

	debug, err := s.LoadRunDebug(ctx, "run-1")
	require.ErrorIs(t, err, store.ErrNotFound) // no run record yet
	require.Nil(t, debug)

	require.NoError(t, s.CreateOrUpdateRun(ctx, store.RunRecord{RunID: "run-1", Status: store.StatusRunning}))
	debug, err = s.LoadRunDebug(ctx, "run-1")
	require.NoError(t, err)
	nodes := debug["nodes"].([]any)
	node := nodes[0].(map[string]any)
	require.Equal(t, "completed", node["status"])
	require.Equal(t, "writer.v1", node["capabilityId"])
	require.NotNil(t, node["startedAt"])
}

func TestRecordResultAndPending(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateOrUpdateRun(ctx, store.RunRecord{RunID: "run-1", Status: store.StatusRunning}))

	require.NoError(t, s.RecordPendingResult(ctx, "run-1", map[string]any{"draft": true}))
	out, err := s.LoadRunOutput(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, "pending", out.Status)

	snap := runctx.New().Snapshot()
	require.NoError(t, s.RecordResult(ctx, "run-1", map[string]any{"variants": []any{"a", "b"}}, store.ResultOptions{
		PlanVersion: 2,
		Facets:      &snap,
	}))
	out, err = s.LoadRunOutput(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, "final", out.Status)
	require.Equal(t, 2, out.PlanVersion)

	// A later pending write never demotes the final output.
	require.NoError(t, s.RecordPendingResult(ctx, "run-1", map[string]any{"stale": true}))
	out, err = s.LoadRunOutput(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, "final", out.Status)

	rec, err := s.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, []any{"a", "b"}, rec.Result["variants"])
}

func TestLoadRunDebugRedacts(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateOrUpdateRun(ctx, store.RunRecord{
		RunID:  "run-1",
		Status: store.StatusRunning,
		Metadata: map[string]any{
			"apiKey":   "sk-123",
			"clientId": "acme",
		},
	}))
	debug, err := s.LoadRunDebug(ctx, "run-1")
	require.NoError(t, err)
	meta := debug["run"].(map[string]any)["metadata"].(map[string]any)
	require.Equal(t, "[redacted]", meta["apiKey"])
	require.Equal(t, "acme", meta["clientId"])
}

func TestListPendingHumanTasks(t *testing.T) {
	s := New()
	ctx := context.Background()
	started := time.Now().UTC()

	require.NoError(t, s.MarkNode(ctx, "run-1", store.NodeState{
		NodeID:       "review_2",
		CapabilityID: "reviewer.human",
		Status:       store.NodeAwaitingHuman,
		StartedAt:    &started,
		Context: map[string]any{
			"assignedTo":   "sam",
			"role":         "editor",
			"instructions": "Review the draft",
		},
	}))
	require.NoError(t, s.MarkNode(ctx, "run-1", store.NodeState{
		NodeID: "writer_1",
		Status: store.NodeCompleted,
	}))

	tasks, err := s.ListPendingHumanTasks(ctx, hitl.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "review_2", tasks[0].NodeID)
	require.Equal(t, "sam", tasks[0].AssignedTo)
	require.Equal(t, hitl.TaskPending, tasks[0].Status)

	tasks, err = s.ListPendingHumanTasks(ctx, hitl.TaskFilter{Role: "editor"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	tasks, err = s.ListPendingHumanTasks(ctx, hitl.TaskFilter{AssignedTo: "someone-else"})
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestStoredRecordsAreIsolated(t *testing.T) {
	s := New()
	ctx := context.Background()
	meta := map[string]any{"clientId": "acme"}
	require.NoError(t, s.CreateOrUpdateRun(ctx, store.RunRecord{RunID: "run-1", Status: store.StatusPending, Metadata: meta}))

	meta["clientId"] = "mutated"
	rec, err := s.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, "acme", rec.Metadata["clientId"])

	rec.Metadata["clientId"] = "mutated-again"
	again, err := s.LoadRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, "acme", again.Metadata["clientId"])
}
