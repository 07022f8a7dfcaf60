package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/waggleworks/waggle/errors"
	"github.com/waggleworks/waggle/eventlog"
	"github.com/waggleworks/waggle/log"
	"github.com/waggleworks/waggle/recovery"
	"github.com/waggleworks/waggle/session"
	"github.com/waggleworks/waggle/sharedctx"
)

// sessionView is the JSON representation returned by list_sessions.
type sessionView struct {
	SessionID    string   `json:"session_id"`
	Role         string   `json:"role"`
	Status       string   `json:"status"`
	State        string   `json:"state"`
	Reason       string   `json:"reason"`
	PID          int      `json:"pid"`
	HeartbeatAge string   `json:"heartbeat_age"`
	Locked       []string `json:"locked_resource_ids,omitempty"`
}

// keyView is the JSON representation returned by get_context for one key.
type keyView struct {
	Key     string          `json:"key"`
	Version int64           `json:"version"`
	Value   sharedctx.Value `json:"value"`
}

// handleListSessions lists every record with its live classification.
func handleListSessions(sessions *session.Storage, detector *recovery.Detector) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		log.DebugLog.Printf("mcp tool call: list_sessions")
		records, err := sessions.List()
		if err != nil {
			return gomcp.NewToolResultError("failed to list sessions: " + err.Error()), nil
		}
		if len(records) == 0 {
			return gomcp.NewToolResultText("No sessions registered."), nil
		}

		views := make([]sessionView, 0, len(records))
		for _, record := range records {
			det := detector.Classify(record)
			views = append(views, sessionView{
				SessionID:    record.SessionID,
				Role:         record.Role,
				Status:       string(record.Status),
				State:        string(det.State),
				Reason:       det.Reason,
				PID:          record.PID,
				HeartbeatAge: det.HeartbeatAge.Round(time.Millisecond).String(),
				Locked:       record.LockedResources,
			})
		}
		sort.Slice(views, func(i, j int) bool { return views[i].SessionID < views[j].SessionID })

		data, err := json.MarshalIndent(views, "", "  ")
		if err != nil {
			return gomcp.NewToolResultError("failed to marshal sessions: " + err.Error()), nil
		}
		return gomcp.NewToolResultText(string(data)), nil
	}
}

// handleGetContext reads one key or the whole snapshot.
func handleGetContext(store *sharedctx.Store) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		key := req.GetString("key", "")
		log.DebugLog.Printf("mcp tool call: get_context (key=%q)", key)

		if key == "" {
			snap, err := store.Snapshot()
			if err != nil {
				return gomcp.NewToolResultError("failed to read context: " + err.Error()), nil
			}
			data, err := json.MarshalIndent(snap, "", "  ")
			if err != nil {
				return gomcp.NewToolResultError("failed to marshal context: " + err.Error()), nil
			}
			return gomcp.NewToolResultText(string(data)), nil
		}

		value, version, err := store.Read(key)
		if errors.Is(err, errors.ErrKeyNotFound) {
			return gomcp.NewToolResultError(fmt.Sprintf("key %q not found", key)), nil
		}
		if err != nil {
			return gomcp.NewToolResultError("failed to read key: " + err.Error()), nil
		}
		data, err := json.MarshalIndent(keyView{Key: key, Version: version, Value: value}, "", "  ")
		if err != nil {
			return gomcp.NewToolResultError("failed to marshal value: " + err.Error()), nil
		}
		return gomcp.NewToolResultText(string(data)), nil
	}
}

// handleReadEvents dumps the ordered history with optional filters. When
// more events match than the limit allows, the newest win.
func handleReadEvents(journal *eventlog.Log) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		var since int64
		if raw := req.GetString("since", ""); raw != "" {
			parsed, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return gomcp.NewToolResultError("invalid since timestamp: " + raw), nil
			}
			since = parsed
		}
		sessionFilter := req.GetString("session", "")
		keyFilter := req.GetString("key", "")
		limit := clampInt(intParam(req, "limit", 100), 1, 1000)
		log.DebugLog.Printf("mcp tool call: read_events (since=%d session=%q key=%q limit=%d)",
			since, sessionFilter, keyFilter, limit)

		events, err := journal.ReadSince(since)
		if err != nil {
			return gomcp.NewToolResultError("failed to read events: " + err.Error()), nil
		}

		var matched []sharedctx.ContextEvent
		for _, event := range events {
			if sessionFilter != "" && event.SessionID != sessionFilter {
				continue
			}
			if keyFilter != "" && event.Key != keyFilter {
				continue
			}
			matched = append(matched, event)
		}
		if len(matched) == 0 {
			return gomcp.NewToolResultText("No events matched."), nil
		}
		if len(matched) > limit {
			matched = matched[len(matched)-limit:]
		}

		data, err := json.MarshalIndent(matched, "", "  ")
		if err != nil {
			return gomcp.NewToolResultError("failed to marshal events: " + err.Error()), nil
		}
		return gomcp.NewToolResultText(string(data)), nil
	}
}

// intParam extracts a numeric argument, which JSON delivers as float64.
func intParam(req gomcp.CallToolRequest, name string, defaultVal int) int {
	if args := req.GetArguments(); args != nil {
		if v, ok := args[name].(float64); ok {
			return int(v)
		}
	}
	return defaultVal
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
