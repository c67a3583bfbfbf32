// Package hitl defines the human-in-the-loop contract: the review request
// raised when a run pauses for operator approval, and the task records
// created for human-assigned plan nodes. The core depends on the Service
// interface only; backends live under features/hitl.
package hitl

import (
	"context"
	"time"
)

type (
	// TaskStatus tracks the lifecycle of a human-assigned task.
	TaskStatus string

	// Request is an operator review request raised when a run pauses for
	// HITL approval.
	Request struct {
		// ID uniquely identifies the request.
		ID string `json:"id"`
		// RunID is the paused run.
		RunID string `json:"runId"`
		// OriginAgent names the capability or subsystem that raised the
		// request.
		OriginAgent string `json:"originAgent"`
		// Payload is the data the operator reviews.
		Payload map[string]any `json:"payload,omitempty"`
		// CreatedAt is when the request was raised.
		CreatedAt time.Time `json:"createdAt"`
		// PendingNodeID is the node awaiting the decision, when any.
		PendingNodeID string `json:"pendingNodeId,omitempty"`
		// OperatorPrompt is the question shown to the operator.
		OperatorPrompt string `json:"operatorPrompt"`
		// ContractSummary summarizes the output contract under review.
		ContractSummary map[string]any `json:"contractSummary,omitempty"`
	}

	// Task is one pending unit of human-assigned work.
	Task struct {
		// ID uniquely identifies the task.
		ID string `json:"id"`
		// RunID and NodeID locate the awaiting plan node.
		RunID  string `json:"runId"`
		NodeID string `json:"nodeId"`
		// CapabilityID is the human-assigned capability.
		CapabilityID string `json:"capabilityId,omitempty"`
		// AssignedTo and Role route the task to an operator.
		AssignedTo string `json:"assignedTo,omitempty"`
		Role       string `json:"role,omitempty"`
		// Instructions is the operator-facing briefing.
		Instructions string `json:"instructions,omitempty"`
		// Payload is the node's context bundle data.
		Payload map[string]any `json:"payload,omitempty"`
		// Status is the task lifecycle state.
		Status TaskStatus `json:"status"`
		// CreatedAt and UpdatedAt bound the task lifecycle.
		CreatedAt time.Time `json:"createdAt"`
		UpdatedAt time.Time `json:"updatedAt,omitempty"`
	}

	// TaskFilter narrows task listings. Empty fields match everything.
	TaskFilter struct {
		AssignedTo string
		Role       string
		Status     TaskStatus
	}

	// Submission is the operator's response to a human-assigned task,
	// supplied on resume.
	Submission struct {
		// TaskID correlates the submission with its task.
		TaskID string `json:"taskId,omitempty"`
		// NodeID is the awaiting node being resolved.
		NodeID string `json:"nodeId,omitempty"`
		// Declined marks a refusal; the run fails the node instead of
		// applying an output.
		Declined bool `json:"declined,omitempty"`
		// Reason explains a decline.
		Reason string `json:"reason,omitempty"`
		// Output is the human-produced payload for accepted work.
		Output map[string]any `json:"output,omitempty"`
	}

	// Service is the HITL boundary the coordinator and engine depend on.
	// Implementations must be safe for concurrent use across runs.
	Service interface {
		// CreateRequest records an operator review request.
		CreateRequest(ctx context.Context, req Request) error

		// CreateTask records a pending human-assigned task.
		CreateTask(ctx context.Context, task Task) error

		// ResolveTask moves a task to a terminal status.
		ResolveTask(ctx context.Context, taskID string, status TaskStatus) error

		// List returns pending tasks matching the filter.
		List(ctx context.Context, filter TaskFilter) ([]Task, error)
	}
)

const (
	// TaskPending awaits an operator.
	TaskPending TaskStatus = "pending"
	// TaskSubmitted has an accepted submission.
	TaskSubmitted TaskStatus = "submitted"
	// TaskDeclined was refused by the operator.
	TaskDeclined TaskStatus = "declined"
	// TaskCancelled was withdrawn because the run terminated.
	TaskCancelled TaskStatus = "cancelled"
)

// Matches reports whether the task satisfies the filter.
func (f TaskFilter) Matches(t Task) bool {
	if f.AssignedTo != "" && f.AssignedTo != t.AssignedTo {
		return false
	}
	if f.Role != "" && f.Role != t.Role {
		return false
	}
	if f.Status != "" && f.Status != t.Status {
		return false
	}
	return true
}
