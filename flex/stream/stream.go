// Package stream defines the lifecycle event frames a run emits and the
// sink abstraction between the coordinator (producer) and the transport
// (consumer). The transport typically forwards frames over a server-sent
// event channel; the core only depends on Sink.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/awesomeposter/flex/flex/facets"
)

type (
	// EventType discriminates lifecycle event frames.
	EventType string

	// Event is one lifecycle event frame. The coordinator enriches every
	// frame with the timestamp, run id, and active plan version before it
	// reaches the sink.
	Event struct {
		// Type discriminates the frame.
		Type EventType `json:"type"`
		// Timestamp is when the frame was emitted.
		Timestamp time.Time `json:"timestamp"`
		// RunID is the owning run.
		RunID string `json:"runId,omitempty"`
		// NodeID is set for node-scoped frames.
		NodeID string `json:"nodeId,omitempty"`
		// PlanVersion is the active plan version at emission time.
		PlanVersion int `json:"planVersion,omitempty"`
		// FacetProvenance accompanies frames that expose contract fields.
		FacetProvenance []facets.Provenance `json:"facetProvenance,omitempty"`
		// Payload is the event-type-specific body.
		Payload map[string]any `json:"payload,omitempty"`
	}

	// Sink consumes event frames. Send may block for backpressure; it
	// returns an error when the consumer is gone or the context is done.
	Sink interface {
		Send(ctx context.Context, ev Event) error
	}

	// ChannelSink is a bounded channel-backed sink. The coordinator owns
	// the producer side, the transport drains Events. Close is idempotent
	// and must be called by the producer after its last Send; it closes
	// the Events channel so consumers drain and finish.
	ChannelSink struct {
		ch        chan Event
		closeOnce sync.Once
		done      chan struct{}
	}
)

// Event types, exhaustive.
const (
	EventStart               EventType = "start"
	EventPlanRequested       EventType = "plan_requested"
	EventPlanRejected        EventType = "plan_rejected"
	EventPlanGenerated       EventType = "plan_generated"
	EventPlanUpdated         EventType = "plan_updated"
	EventNodeStart           EventType = "node_start"
	EventNodeComplete        EventType = "node_complete"
	EventNodeError           EventType = "node_error"
	EventNodeAwaitingHuman   EventType = "node_awaiting_human"
	EventPolicyTriggered     EventType = "policy_triggered"
	EventHitlRequest         EventType = "hitl_request"
	EventHitlResolved        EventType = "hitl_resolved"
	EventGoalConditionFailed EventType = "goal_condition_failed"
	EventValidationError     EventType = "validation_error"
	EventLog                 EventType = "log"
	EventComplete            EventType = "complete"
)

// Terminal run statuses carried by complete frames.
const (
	StatusCompleted    = "completed"
	StatusFailed       = "failed"
	StatusPolicyAction = "policy_action"
)

// NewChannelSink builds a sink buffering up to size frames. A non-positive
// size gets a small default buffer.
func NewChannelSink(size int) *ChannelSink {
	if size <= 0 {
		size = 64
	}
	return &ChannelSink{
		ch:   make(chan Event, size),
		done: make(chan struct{}),
	}
}

// Send implements Sink. It blocks while the buffer is full and fails once
// the sink is closed or the context is cancelled.
func (s *ChannelSink) Send(ctx context.Context, ev Event) error {
	select {
	case <-s.done:
		return context.Canceled
	default:
	}
	select {
	case s.ch <- ev:
		return nil
	case <-s.done:
		return context.Canceled
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Events returns the consumer side of the sink. The channel is closed
// after Close once all buffered frames have been written.
func (s *ChannelSink) Events() <-chan Event {
	return s.ch
}

// Close stops the sink. Pending Send calls fail; the Events channel is
// closed so consumers drain and finish.
func (s *ChannelSink) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		close(s.ch)
	})
}
