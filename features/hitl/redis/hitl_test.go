package redis

import (
	"context"
	"os"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/awesomeposter/flex/flex/hitl"
)

var _ hitl.Service = (*Service)(nil)

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestKeyNamespacing(t *testing.T) {
	svc, err := New(Config{Redis: redis.NewClient(&redis.Options{}), Prefix: "acme:hitl"})
	require.NoError(t, err)
	require.Equal(t, "acme:hitl:task:run-1/node-2", svc.taskKey("run-1/node-2"))
	require.Equal(t, "acme:hitl:request:run-1/approval", svc.requestKey("run-1/approval"))
	require.Equal(t, "acme:hitl:tasks:pending", svc.pendingKey())
}

func TestDefaultPrefix(t *testing.T) {
	svc, err := New(Config{Redis: redis.NewClient(&redis.Options{})})
	require.NoError(t, err)
	require.Equal(t, "flex:hitl:tasks:pending", svc.pendingKey())
}

// getRedis returns a client for the Redis named by REDIS_URL, flushed for
// test isolation. Skips the test when REDIS_URL is not set.
func getRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set, skipping integration test")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     url,
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	require.NoError(t, client.FlushDB(context.Background()).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestTaskLifecycle(t *testing.T) {
	client := getRedis(t)
	ctx := context.Background()

	svc, err := New(Config{Redis: client})
	require.NoError(t, err)

	task := hitl.Task{
		ID:           "run-1/approve_v1_2",
		RunID:        "run-1",
		NodeID:       "approve_v1_2",
		CapabilityID: "review.human",
		AssignedTo:   "ops@example.com",
		Role:         "reviewer",
		Instructions: "Check the variants for tone.",
	}
	require.NoError(t, svc.CreateTask(ctx, task))

	tasks, err := svc.List(ctx, hitl.TaskFilter{Role: "reviewer"})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, task.ID, tasks[0].ID)
	require.Equal(t, hitl.TaskPending, tasks[0].Status)

	tasks, err = svc.List(ctx, hitl.TaskFilter{Role: "editor"})
	require.NoError(t, err)
	require.Empty(t, tasks)

	require.NoError(t, svc.ResolveTask(ctx, task.ID, hitl.TaskSubmitted))

	tasks, err = svc.List(ctx, hitl.TaskFilter{})
	require.NoError(t, err)
	require.Empty(t, tasks)

	resolved, err := svc.loadTask(ctx, task.ID)
	require.NoError(t, err)
	require.Equal(t, hitl.TaskSubmitted, resolved.Status)
	require.False(t, resolved.UpdatedAt.IsZero())
}

func TestResolveUnknownTask(t *testing.T) {
	client := getRedis(t)

	svc, err := New(Config{Redis: client})
	require.NoError(t, err)

	err = svc.ResolveTask(context.Background(), "run-9/missing", hitl.TaskSubmitted)
	require.ErrorIs(t, err, ErrTaskNotFound)
}

func TestCreateRequestStoresPayload(t *testing.T) {
	client := getRedis(t)
	ctx := context.Background()

	svc, err := New(Config{Redis: client})
	require.NoError(t, err)

	req := hitl.Request{
		ID:             "run-1/approval",
		RunID:          "run-1",
		OriginAgent:    "orchestrator",
		OperatorPrompt: "Approve this run before execution starts.",
	}
	require.NoError(t, svc.CreateRequest(ctx, req))

	data, err := client.Get(ctx, svc.requestKey(req.ID)).Bytes()
	require.NoError(t, err)
	require.Contains(t, string(data), "Approve this run before execution starts.")
}
