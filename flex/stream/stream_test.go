package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestChannelSinkDeliversInOrder(t *testing.T) {
	s := NewChannelSink(4)
	ctx := context.Background()

	require.NoError(t, s.Send(ctx, Event{Type: EventStart}))
	require.NoError(t, s.Send(ctx, Event{Type: EventNodeStart, NodeID: "n1"}))
	require.NoError(t, s.Send(ctx, Event{Type: EventComplete}))
	s.Close()

	var types []EventType
	for ev := range s.Events() {
		types = append(types, ev.Type)
	}
	require.Equal(t, []EventType{EventStart, EventNodeStart, EventComplete}, types)
}

func TestChannelSinkSendAfterClose(t *testing.T) {
	s := NewChannelSink(1)
	s.Close()
	err := s.Send(context.Background(), Event{Type: EventLog})
	require.ErrorIs(t, err, context.Canceled)
	s.Close() // idempotent
}

func TestChannelSinkBackpressureCancellation(t *testing.T) {
	s := NewChannelSink(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.NoError(t, s.Send(ctx, Event{Type: EventStart}))
	err := s.Send(ctx, Event{Type: EventLog}) // buffer full, no consumer
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
