package planner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/awesomeposter/flex/flex/registry"
)

func TestValidateDraft(t *testing.T) {
	snapshot := []registry.Record{{CapabilityID: "writer.v1"}}

	cases := []struct {
		name   string
		draft  *Draft
		reason string
	}{
		{
			name:   "nil draft",
			draft:  nil,
			reason: "no nodes",
		},
		{
			name:   "empty nodes",
			draft:  &Draft{},
			reason: "no nodes",
		},
		{
			name:   "unknown capability",
			draft:  &Draft{Nodes: []DraftNode{{CapabilityID: "missing.v1"}}},
			reason: "unknown capability",
		},
		{
			name:   "node with neither capability nor kind",
			draft:  &Draft{Nodes: []DraftNode{{Label: "mystery"}}},
			reason: "neither capability nor kind",
		},
		{
			name:   "routing node without routes",
			draft:  &Draft{Nodes: []DraftNode{{Kind: "routing", Routing: &DraftRouting{}}}},
			reason: "no routes",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateDraft(tc.draft, snapshot)
			var derr *DraftError
			require.ErrorAs(t, err, &derr)
			require.Contains(t, derr.Reason, tc.reason)
		})
	}

	require.NoError(t, ValidateDraft(&Draft{Nodes: []DraftNode{
		{CapabilityID: "writer.v1", Stage: "draft"},
	}}, snapshot))
}

type slowPlanner struct{ delay time.Duration }

func (p *slowPlanner) Plan(ctx context.Context, _ Request) (*Draft, error) {
	select {
	case <-time.After(p.delay):
		return &Draft{Nodes: []DraftNode{{Kind: "execution"}}}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestWithTimeout(t *testing.T) {
	fast := WithTimeout(&slowPlanner{delay: time.Millisecond}, time.Second)
	draft, err := fast.Plan(context.Background(), Request{})
	require.NoError(t, err)
	require.Len(t, draft.Nodes, 1)

	slow := WithTimeout(&slowPlanner{delay: time.Second}, 10*time.Millisecond)
	_, err = slow.Plan(context.Background(), Request{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "budget")
}
