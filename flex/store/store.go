// Package store defines the persistence contract the coordinator and
// engine checkpoint against: run records, versioned plan snapshots,
// per-node state, and final or pending outputs. Any backend satisfying
// these semantics is acceptable; the reference implementation lives in
// store/inmem and a Mongo backend under features/store/mongo.
package store

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/awesomeposter/flex/flex/condition"
	"github.com/awesomeposter/flex/flex/hitl"
	"github.com/awesomeposter/flex/flex/plan"
	"github.com/awesomeposter/flex/flex/runctx"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

type (
	// RunStatus is the persisted lifecycle state of a run.
	RunStatus string

	// NodeStatus is the persisted lifecycle state of a plan node.
	NodeStatus string

	// RunRecord is the persisted state of one run.
	RunRecord struct {
		// RunID is the unique run identifier.
		RunID string `json:"runId"`
		// ThreadID associates the run with a conversation thread.
		ThreadID string `json:"threadId,omitempty"`
		// Status is the run lifecycle state.
		Status RunStatus `json:"status"`
		// Objective is the run objective.
		Objective string `json:"objective,omitempty"`
		// Envelope is the accepted task description as a generic
		// document, so backends persist it without schema coupling.
		Envelope map[string]any `json:"envelope,omitempty"`
		// SchemaHash fingerprints the final output contract.
		SchemaHash string `json:"schemaHash,omitempty"`
		// Metadata carries caller correlation identifiers.
		Metadata map[string]any `json:"metadata,omitempty"`
		// ContextSnapshot is the latest run-context snapshot.
		ContextSnapshot *runctx.Snapshot `json:"contextSnapshot,omitempty"`
		// Result is the final output once recorded.
		Result map[string]any `json:"result,omitempty"`
		// PlanVersion is the active plan version; resume requires the
		// latest snapshot to carry the same version.
		PlanVersion int `json:"planVersion,omitempty"`
		// CreatedAt and UpdatedAt bound the record lifecycle.
		CreatedAt time.Time `json:"createdAt,omitempty"`
		UpdatedAt time.Time `json:"updatedAt,omitempty"`
	}

	// NodeState is the persisted state of one plan node.
	NodeState struct {
		// NodeID identifies the node within the run.
		NodeID string `json:"nodeId"`
		// CapabilityID is the backing capability, when any.
		CapabilityID string `json:"capabilityId,omitempty"`
		// Label is the node's display label.
		Label string `json:"label,omitempty"`
		// Status is the node lifecycle state.
		Status NodeStatus `json:"status"`
		// Context carries dispatch-time data (assignment routing for
		// awaiting_human nodes).
		Context map[string]any `json:"context,omitempty"`
		// Output is the capability output for completed nodes.
		Output map[string]any `json:"output,omitempty"`
		// Error is the failure message for failed nodes.
		Error string `json:"error,omitempty"`
		// StartedAt and CompletedAt bound execution.
		StartedAt   *time.Time `json:"startedAt,omitempty"`
		CompletedAt *time.Time `json:"completedAt,omitempty"`
	}

	// PendingState is the mid-run execution state carried inside a plan
	// snapshot so resume can pick up where the run paused.
	PendingState struct {
		// CompletedNodeIDs lists nodes the engine must skip on resume.
		CompletedNodeIDs []string `json:"completedNodeIds,omitempty"`
		// PendingNodeID is the node awaiting input, when any.
		PendingNodeID string `json:"pendingNodeId,omitempty"`
		// PolicyAttempts counts post-condition retries per policy id so
		// resume does not double-count.
		PolicyAttempts map[string]int `json:"policyAttempts,omitempty"`
		// NodeOutputs preserves per-node outputs for resumed projection.
		NodeOutputs map[string]map[string]any `json:"nodeOutputs,omitempty"`
		// EmitBuffer holds buffered emit-policy events awaiting the
		// terminal frame.
		EmitBuffer []map[string]any `json:"emitBuffer,omitempty"`
		// EmittedHitlResolutions suppresses duplicate hitl_resolved
		// frames across resumes.
		EmittedHitlResolutions []string `json:"emittedHitlResolutions,omitempty"`
	}

	// PlanSnapshot is one persisted plan version with its resume state.
	// Each (RunID, Version) pair is unique; saving the same pair again
	// replaces the row.
	PlanSnapshot struct {
		RunID string `json:"runId"`
		// Version is the plan version.
		Version int `json:"planVersion"`
		// Plan is the full executable plan.
		Plan *plan.Plan `json:"plan"`
		// Facets is the run-context snapshot at save time.
		Facets *runctx.Snapshot `json:"facets,omitempty"`
		// SchemaHash fingerprints the final output contract.
		SchemaHash string `json:"schemaHash,omitempty"`
		// Pending is the resume state, when the run is mid-flight.
		Pending *PendingState `json:"pendingState,omitempty"`
		// Metadata carries plan metadata.
		Metadata  map[string]any `json:"metadata,omitempty"`
		CreatedAt time.Time      `json:"createdAt,omitempty"`
		UpdatedAt time.Time      `json:"updatedAt,omitempty"`
	}

	// RunOutput is the recorded final (or provisional) output of a run.
	RunOutput struct {
		RunID string `json:"runId"`
		// PlanVersion is the version that produced the output.
		PlanVersion int `json:"planVersion,omitempty"`
		// SchemaHash fingerprints the contract the output satisfied.
		SchemaHash string `json:"schemaHash,omitempty"`
		// Status is "final" or "pending".
		Status string `json:"status"`
		// Output is the projected payload.
		Output map[string]any `json:"output"`
		// Facets is the run-context snapshot at record time.
		Facets *runctx.Snapshot `json:"facets,omitempty"`
		// GoalConditionResults accompany final outputs gated by goals.
		GoalConditionResults []condition.FacetResult `json:"goalConditionResults,omitempty"`
		RecordedAt           time.Time               `json:"recordedAt,omitempty"`
		UpdatedAt            time.Time               `json:"updatedAt,omitempty"`
	}

	// ResultOptions accompany RecordResult.
	ResultOptions struct {
		// PlanVersion is the version that produced the output.
		PlanVersion int
		// SchemaHash fingerprints the satisfied contract.
		SchemaHash string
		// Facets is the run-context snapshot at record time.
		Facets *runctx.Snapshot
		// GoalConditionResults are the goal-gate outcomes.
		GoalConditionResults []condition.FacetResult
	}

	// Store is the persistence contract. Writes for a single run are
	// serialized by the coordinator; implementations must be safe for
	// concurrent use across runs.
	Store interface {
		// CreateOrUpdateRun upserts a run record keyed by RunID.
		CreateOrUpdateRun(ctx context.Context, rec RunRecord) error

		// UpdateStatus transitions the run's lifecycle state.
		UpdateStatus(ctx context.Context, runID string, status RunStatus) error

		// SaveRunContext stores the latest run-context snapshot.
		SaveRunContext(ctx context.Context, runID string, snap runctx.Snapshot) error

		// SavePlanSnapshot upserts the snapshot keyed by (RunID, Version).
		SavePlanSnapshot(ctx context.Context, snap PlanSnapshot) error

		// MarkNode upserts per-node state keyed by (runID, NodeID).
		MarkNode(ctx context.Context, runID string, state NodeState) error

		// RecordResult stores the validated final output.
		RecordResult(ctx context.Context, runID string, output map[string]any, opts ResultOptions) error

		// RecordPendingResult stores a provisional output for a paused or
		// re-planning run.
		RecordPendingResult(ctx context.Context, runID string, output map[string]any) error

		// LoadRun returns the run record. Returns ErrNotFound when absent.
		LoadRun(ctx context.Context, runID string) (RunRecord, error)

		// FindRunByThreadID returns the most recent run on a thread.
		FindRunByThreadID(ctx context.Context, threadID string) (RunRecord, error)

		// LoadPlanSnapshot returns the snapshot for version, or the
		// latest when version is zero.
		LoadPlanSnapshot(ctx context.Context, runID string, version int) (PlanSnapshot, error)

		// LoadRunOutput returns the recorded output.
		LoadRunOutput(ctx context.Context, runID string) (RunOutput, error)

		// LoadRunDebug returns a redacted debug view of the run.
		LoadRunDebug(ctx context.Context, runID string) (map[string]any, error)

		// ListPendingHumanTasks returns tasks for awaiting_human nodes
		// matching the filter.
		ListPendingHumanTasks(ctx context.Context, filter hitl.TaskFilter) ([]hitl.Task, error)
	}
)

// Run statuses.
const (
	StatusPending       RunStatus = "pending"
	StatusRunning       RunStatus = "running"
	StatusAwaitingHitl  RunStatus = "awaiting_hitl"
	StatusAwaitingHuman RunStatus = "awaiting_human"
	StatusCompleted     RunStatus = "completed"
	StatusFailed        RunStatus = "failed"
	StatusCancelled     RunStatus = "cancelled"
)

// Node statuses.
const (
	NodePending       NodeStatus = "pending"
	NodeRunning       NodeStatus = "running"
	NodeCompleted     NodeStatus = "completed"
	NodeFailed        NodeStatus = "failed"
	NodeSkipped       NodeStatus = "skipped"
	NodeAwaitingHuman NodeStatus = "awaiting_human"
)

// Terminal reports whether the status ends the run.
func (s RunStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Resumable reports whether a run in this status accepts a resume request.
func (s RunStatus) Resumable() bool {
	return s == StatusAwaitingHitl || s == StatusAwaitingHuman
}

var secretKey = regexp.MustCompile(`(?i)(token|secret|apikey|api_key|authorization|password|bearer|credential)`)

// RedactDebug walks a debug document and replaces the value of every
// property whose key matches the secret-key pattern. Applied before any
// debug view leaves the store layer.
func RedactDebug(doc map[string]any) map[string]any {
	out, _ := redactValue(doc).(map[string]any)
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if secretKey.MatchString(k) {
				out[k] = "[redacted]"
				continue
			}
			out[k] = redactValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = redactValue(val)
		}
		return out
	}
	return v
}
