package mcp

import (
	"context"
	"encoding/json"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gomcp "github.com/mark3labs/mcp-go/mcp"

	"github.com/waggleworks/waggle/checkpoint"
	"github.com/waggleworks/waggle/config"
	"github.com/waggleworks/waggle/eventlog"
	"github.com/waggleworks/waggle/log"
	"github.com/waggleworks/waggle/recovery"
	"github.com/waggleworks/waggle/session"
	"github.com/waggleworks/waggle/sharedctx"
)

func TestMain(m *testing.M) {
	log.Initialize(false)
	defer log.Close()
	os.Exit(m.Run())
}

// resultText extracts the text payload from a tool result.
func resultText(t *testing.T, result *gomcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	tc, ok := gomcp.AsTextContent(result.Content[0])
	require.True(t, ok, "content[0] is not TextContent: %T", result.Content[0])
	return tc.Text
}

func callTool(t *testing.T, handler func(context.Context, gomcp.CallToolRequest) (*gomcp.CallToolResult, error), args map[string]interface{}) *gomcp.CallToolResult {
	t.Helper()
	req := gomcp.CallToolRequest{}
	req.Params.Arguments = args
	result, err := handler(context.Background(), req)
	require.NoError(t, err)
	return result
}

// zero resource floors keep the classifier off the RESOURCE_BLOCKED path
// regardless of how loaded the test host is.
func observerConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.MinFreeDiskBytes = 0
	cfg.MinFreeMemoryBytes = 0
	return cfg
}

func TestHandleListSessions(t *testing.T) {
	baseDir := t.TempDir()
	cfg := observerConfig()
	sessions, err := session.NewStorage(config.SessionsDir(baseDir))
	require.NoError(t, err)
	checkpoints := checkpoint.NewStore(config.CheckpointsDir(baseDir), cfg.CheckpointRetention)
	detector := recovery.NewDetector(sessions, checkpoints, cfg, baseDir)
	handler := handleListSessions(sessions, detector)

	t.Run("empty directory", func(t *testing.T) {
		result := callTool(t, handler, nil)
		assert.Contains(t, resultText(t, result), "No sessions registered")
	})

	t.Run("live and crashed sessions classified", func(t *testing.T) {
		live := session.NewSessionRecord("sess-live", "planner")
		require.NoError(t, sessions.Save(live))

		dead := session.NewSessionRecord("sess-dead", "worker")
		dead.PID = 99999999
		dead.LockResource("db")
		require.NoError(t, sessions.Save(dead))

		result := callTool(t, handler, nil)
		var views []sessionView
		require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &views))
		require.Len(t, views, 2)

		assert.Equal(t, "sess-dead", views[0].SessionID)
		assert.Equal(t, "CRASHED", views[0].State)
		assert.Equal(t, []string{"db"}, views[0].Locked)

		assert.Equal(t, "sess-live", views[1].SessionID)
		assert.Equal(t, "ALIVE", views[1].State)
		assert.Equal(t, "planner", views[1].Role)
	})
}

func TestHandleGetContext(t *testing.T) {
	baseDir := t.TempDir()
	cfg := observerConfig()
	backend, err := session.OpenBackend(cfg, baseDir)
	require.NoError(t, err)
	store := sharedctx.NewStore(backend, sharedctx.StoreOptions{SessionID: "test", Shards: cfg.ShardCount})
	defer store.Close()

	_, err = store.WriteWithRetry(context.Background(), "build/status", sharedctx.NewScalar("green"))
	require.NoError(t, err)

	handler := handleGetContext(store)

	t.Run("single key", func(t *testing.T) {
		result := callTool(t, handler, map[string]interface{}{"key": "build/status"})
		var view keyView
		require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &view))
		assert.Equal(t, "build/status", view.Key)
		assert.Equal(t, "green", view.Value.Scalar)
		assert.Positive(t, view.Version)
	})

	t.Run("full snapshot", func(t *testing.T) {
		result := callTool(t, handler, nil)
		var snap sharedctx.ContextSnapshot
		require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &snap))
		require.Contains(t, snap.Data, "build/status")
		assert.Equal(t, "green", snap.Data["build/status"].Scalar)
	})

	t.Run("missing key", func(t *testing.T) {
		result := callTool(t, handler, map[string]interface{}{"key": "ghost"})
		assert.True(t, result.IsError)
		assert.Contains(t, resultText(t, result), "not found")
	})
}

func TestHandleReadEvents(t *testing.T) {
	baseDir := t.TempDir()
	journal, err := eventlog.New(config.ContextDir(baseDir), 100)
	require.NoError(t, err)

	val := sharedctx.NewScalar("v")
	seed := []sharedctx.ContextEvent{
		{EventID: "evt-1", SessionID: "sess-a", Timestamp: 1000, Type: sharedctx.EventUpdate, Key: "alpha", NewValue: &val},
		{EventID: "evt-2", SessionID: "sess-b", Timestamp: 2000, Type: sharedctx.EventUpdate, Key: "beta", NewValue: &val},
		{EventID: "evt-3", SessionID: "sess-a", Timestamp: 3000, Type: sharedctx.EventDelete, Key: "alpha"},
	}
	for _, event := range seed {
		require.NoError(t, journal.Append(event))
	}

	handler := handleReadEvents(journal)

	decode := func(t *testing.T, result *gomcp.CallToolResult) []sharedctx.ContextEvent {
		t.Helper()
		var events []sharedctx.ContextEvent
		require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), &events))
		return events
	}

	t.Run("all events in order", func(t *testing.T) {
		events := decode(t, callTool(t, handler, nil))
		require.Len(t, events, 3)
		assert.Equal(t, "evt-1", events[0].EventID)
		assert.Equal(t, "evt-3", events[2].EventID)
	})

	t.Run("since filters older events", func(t *testing.T) {
		events := decode(t, callTool(t, handler, map[string]interface{}{"since": "2000"}))
		require.Len(t, events, 2)
		assert.Equal(t, "evt-2", events[0].EventID)
	})

	t.Run("session filter", func(t *testing.T) {
		events := decode(t, callTool(t, handler, map[string]interface{}{"session": "sess-b"}))
		require.Len(t, events, 1)
		assert.Equal(t, "evt-2", events[0].EventID)
	})

	t.Run("key filter", func(t *testing.T) {
		events := decode(t, callTool(t, handler, map[string]interface{}{"key": "alpha"}))
		require.Len(t, events, 2)
	})

	t.Run("limit keeps newest", func(t *testing.T) {
		events := decode(t, callTool(t, handler, map[string]interface{}{"limit": float64(1)}))
		require.Len(t, events, 1)
		assert.Equal(t, "evt-3", events[0].EventID)
	})

	t.Run("invalid since", func(t *testing.T) {
		result := callTool(t, handler, map[string]interface{}{"since": "not-a-number"})
		assert.True(t, result.IsError)
	})
}
