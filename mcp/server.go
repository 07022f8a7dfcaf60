// Package mcp exposes the coordination state over the Model Context
// Protocol so observer tooling can inspect sessions, shared context, and
// the event history without touching the store's write paths.
package mcp

import (
	gomcp "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/waggleworks/waggle/checkpoint"
	"github.com/waggleworks/waggle/config"
	"github.com/waggleworks/waggle/eventlog"
	"github.com/waggleworks/waggle/log"
	"github.com/waggleworks/waggle/recovery"
	"github.com/waggleworks/waggle/session"
	"github.com/waggleworks/waggle/sharedctx"
)

const serverInstructions = "You are observing a waggle coordination directory: " +
	"a set of worker sessions sharing context on one host. " +
	"All tools here are read-only. " +
	"Use list_sessions to see every session, its liveness classification, and held resources. " +
	"Use get_context to read the shared key-value state (pass key for one value, omit it for the full snapshot). " +
	"Use read_events to follow the ordered mutation history, optionally filtered by session or key."

// Server wraps an MCP stdio server over one waggle state directory.
type Server struct {
	server   *mcpserver.MCPServer
	sessions *session.Storage
	detector *recovery.Detector
	store    *sharedctx.Store
	journal  *eventlog.Log
}

// NewServer wires the read-only tool set against baseDir. The server never
// subscribes to the store, so it stays invisible to the session roster.
func NewServer(baseDir string, cfg *config.Config) (*Server, error) {
	sessions, err := session.NewStorage(config.SessionsDir(baseDir))
	if err != nil {
		return nil, err
	}
	journal, err := eventlog.New(config.ContextDir(baseDir), cfg.MaxEvents)
	if err != nil {
		return nil, err
	}
	backend, err := session.OpenBackend(cfg, baseDir)
	if err != nil {
		return nil, err
	}
	checkpoints := checkpoint.NewStore(config.CheckpointsDir(baseDir), cfg.CheckpointRetention)

	s := &Server{
		server: mcpserver.NewMCPServer(
			"waggle",
			"0.1.0",
			mcpserver.WithInstructions(serverInstructions),
		),
		sessions: sessions,
		detector: recovery.NewDetector(sessions, checkpoints, cfg, baseDir),
		store: sharedctx.NewStore(backend, sharedctx.StoreOptions{
			SessionID: "mcp-observer",
			Shards:    cfg.ShardCount,
		}),
		journal: journal,
	}
	s.registerTools()

	log.InfoLog.Printf("mcp server created over %s", baseDir)
	return s, nil
}

func (s *Server) registerTools() {
	listSessions := gomcp.NewTool("list_sessions",
		gomcp.WithDescription(
			"List every registered session with its role, lifecycle status, live "+
				"classification (ALIVE, CRASHED, ORPHANED, RESOURCE_BLOCKED, ENDED), "+
				"heartbeat age, and held resource locks.",
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	s.server.AddTool(listSessions, handleListSessions(s.sessions, s.detector))

	getContext := gomcp.NewTool("get_context",
		gomcp.WithDescription(
			"Read the shared context. With a key, returns that key's value and version. "+
				"Without one, returns the full snapshot: all keys, shard versions, and the "+
				"subscriber roster.",
		),
		gomcp.WithString("key",
			gomcp.Description("Context key to read. Omit for the full snapshot."),
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	s.server.AddTool(getContext, handleGetContext(s.store))

	readEvents := gomcp.NewTool("read_events",
		gomcp.WithDescription(
			"Read the ordered context mutation history: updates, deletes, and recovery "+
				"merge audits, each stamped with a timestamp, event id, and author session.",
		),
		gomcp.WithString("since",
			gomcp.Description("Unix nanosecond timestamp; only events at or after it are returned. Omit for all."),
		),
		gomcp.WithString("session",
			gomcp.Description("Only events authored by this session id."),
		),
		gomcp.WithString("key",
			gomcp.Description("Only events touching this context key."),
		),
		gomcp.WithNumber("limit",
			gomcp.Description("Return at most this many of the newest matching events (1-1000, default 100)."),
		),
		gomcp.WithReadOnlyHintAnnotation(true),
	)
	s.server.AddTool(readEvents, handleReadEvents(s.journal))
}

// Serve runs the server on stdio until the client disconnects.
func (s *Server) Serve() error {
	defer func() {
		if err := s.store.Close(); err != nil {
			log.WarningLog.Printf("failed to close context store: %v", err)
		}
	}()
	return mcpserver.ServeStdio(s.server)
}
