package store

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRedactDebug(t *testing.T) {
	doc := map[string]any{
		"runId": "run-1",
		"envelope": map[string]any{
			"inputs": map[string]any{
				"apiKey":        "sk-123",
				"api_key":       "sk-456",
				"Authorization": "Bearer xyz",
				"briefing":      "keep me",
			},
		},
		"nodes": []any{
			map[string]any{"output": map[string]any{"password": "hunter2", "text": "ok"}},
		},
		"clientSecretValue": "shh",
	}

	out := RedactDebug(doc)

	inputs := out["envelope"].(map[string]any)["inputs"].(map[string]any)
	require.Equal(t, "[redacted]", inputs["apiKey"])
	require.Equal(t, "[redacted]", inputs["api_key"])
	require.Equal(t, "[redacted]", inputs["Authorization"])
	require.Equal(t, "keep me", inputs["briefing"])

	node := out["nodes"].([]any)[0].(map[string]any)["output"].(map[string]any)
	require.Equal(t, "[redacted]", node["password"])
	require.Equal(t, "ok", node["text"])

	require.Equal(t, "[redacted]", out["clientSecretValue"])
	require.Equal(t, "run-1", out["runId"])

	// Source document untouched.
	require.Equal(t, "sk-123", doc["envelope"].(map[string]any)["inputs"].(map[string]any)["apiKey"])
}

func TestRunStatusPredicates(t *testing.T) {
	require.True(t, StatusCompleted.Terminal())
	require.True(t, StatusFailed.Terminal())
	require.True(t, StatusCancelled.Terminal())
	require.False(t, StatusRunning.Terminal())
	require.True(t, StatusAwaitingHitl.Resumable())
	require.True(t, StatusAwaitingHuman.Resumable())
	require.False(t, StatusPending.Resumable())
}
