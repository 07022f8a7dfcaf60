package session

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/waggleworks/waggle/checkpoint"
	"github.com/waggleworks/waggle/concurrency"
	"github.com/waggleworks/waggle/config"
	"github.com/waggleworks/waggle/errors"
	"github.com/waggleworks/waggle/eventlog"
	"github.com/waggleworks/waggle/log"
	"github.com/waggleworks/waggle/sharedctx"
)

// CoordinatorState is the lifecycle state of a coordinator. A coordinator
// moves REGISTERING -> ACTIVE, flips to SYNCING for the duration of each
// sync pass, and leaves through STOPPING -> STOPPED exactly once.
type CoordinatorState string

const (
	StateRegistering CoordinatorState = "registering"
	StateActive      CoordinatorState = "active"
	StateSyncing     CoordinatorState = "syncing"
	StateStopping    CoordinatorState = "stopping"
	StateStopped     CoordinatorState = "stopped"
)

// Supervised task names.
const (
	taskHeartbeat  = "heartbeat"
	taskSync       = "sync"
	taskCheckpoint = "checkpoint"
)

// SnapshotFunc produces the task-state payload checkpointed for this
// session. It must return valid JSON.
type SnapshotFunc func() ([]byte, error)

// CoordinatorOptions configures a coordinator. Zero values fall back to the
// loaded configuration, a generated session id, and the backend named in
// the config.
type CoordinatorOptions struct {
	SessionID string
	Role      string
	BaseDir   string
	Config    *config.Config
	// Backend overrides the configured snapshot backend, mainly for tests.
	Backend sharedctx.Backend
	// Snapshot supplies checkpoint payloads. Defaults to the shared
	// context snapshot.
	Snapshot SnapshotFunc
}

// cacheEntry is one key in the local read cache, stamped with the event
// that produced it so stragglers can be ordered against it. A nil value is
// a tombstone left by a delete.
type cacheEntry struct {
	value     *sharedctx.Value
	timestamp int64
	sessionID string
	eventID   string
}

// Coordinator registers a session into the coordination directory and keeps
// it synchronized: heartbeats refresh the session record, the sync loop
// applies other sessions' context events to a local cache, and periodic
// checkpoints capture recoverable state. All methods are safe for
// concurrent use.
type Coordinator struct {
	sessionID string
	role      string
	cfg       *config.Config
	baseDir   string

	sessions    *Storage
	store       *sharedctx.Store
	journal     *eventlog.Log
	checkpoints *checkpoint.Store

	supervisor *concurrency.Supervisor
	watcher    *contextWatcher
	hub        *observerHub
	resolver   sharedctx.Resolver
	snapshotFn SnapshotFunc

	stateMu sync.Mutex
	state   CoordinatorState

	mu       sync.RWMutex
	cache    map[string]cacheEntry
	cursorTS int64
	cursorID string
	applied  *appliedSet

	ckptMu   sync.Mutex
	stopOnce sync.Once
	stopErr  error
}

// OpenBackend constructs the snapshot backend named in the configuration,
// rooted under baseDir.
func OpenBackend(cfg *config.Config, baseDir string) (sharedctx.Backend, error) {
	dir := config.ContextDir(baseDir)
	switch cfg.ContextBackend {
	case "", "file":
		return sharedctx.NewFileBackend(dir, cfg.ShardCount, cfg.BackupRetention)
	case "sqlite":
		return sharedctx.NewSQLiteBackend(filepath.Join(dir, "context.db"))
	default:
		return nil, fmt.Errorf("unknown context backend %q", cfg.ContextBackend)
	}
}

// NewCoordinator wires a coordinator against the coordination directory.
// Nothing runs until Start.
func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.LoadConfig()
	}
	baseDir := opts.BaseDir
	if baseDir == "" {
		var err error
		baseDir, err = config.GetConfigDir()
		if err != nil {
			return nil, err
		}
	}
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	role := opts.Role
	if role == "" {
		role = "worker"
	}

	sessions, err := NewStorage(config.SessionsDir(baseDir))
	if err != nil {
		return nil, fmt.Errorf("failed to open session storage: %w", err)
	}
	journal, err := eventlog.New(config.ContextDir(baseDir), cfg.MaxEvents)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	backend := opts.Backend
	if backend == nil {
		backend, err = OpenBackend(cfg, baseDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open context backend: %w", err)
		}
	}

	c := &Coordinator{
		sessionID: sessionID,
		role:      role,
		cfg:       cfg,
		baseDir:   baseDir,
		sessions:  sessions,
		journal:   journal,
		store: sharedctx.NewStore(backend, sharedctx.StoreOptions{
			SessionID:    sessionID,
			Shards:       cfg.ShardCount,
			MaxRetries:   cfg.MaxWriteRetries,
			RetryBackoff: cfg.RetryBackoff(),
			Journal:      journal,
		}),
		checkpoints: checkpoint.NewStore(config.CheckpointsDir(baseDir), cfg.CheckpointRetention),
		supervisor:  concurrency.NewSupervisor(sessionID),
		hub:         newObserverHub(64),
		state:       StateRegistering,
		cache:       make(map[string]cacheEntry),
		applied:     newAppliedSet(2 * cfg.MaxEvents),
	}
	c.snapshotFn = opts.Snapshot
	if c.snapshotFn == nil {
		c.snapshotFn = c.contextSnapshotPayload
	}
	return c, nil
}

// SessionID returns the coordinator's session id.
func (c *Coordinator) SessionID() string { return c.sessionID }

// Role returns the role this session registered under.
func (c *Coordinator) Role() string { return c.role }

// Start registers the session: it writes the session record, joins the
// subscriber roster, primes the local cache from the current snapshot, and
// launches the heartbeat, sync, and checkpoint loops.
func (c *Coordinator) Start() error {
	if c.State() != StateRegistering {
		return fmt.Errorf("coordinator for session %s already started", c.sessionID)
	}

	if existing, err := c.sessions.Load(c.sessionID); err == nil {
		if existing.Status == StatusActive || existing.Status == StatusIdle {
			return fmt.Errorf("session %s: %w", c.sessionID, errors.ErrSessionExists)
		}
	}

	record := NewSessionRecord(c.sessionID, c.role)
	if err := c.sessions.Save(record); err != nil {
		return fmt.Errorf("failed to register session %s: %w", c.sessionID, err)
	}
	if err := c.store.Subscribe(c.sessionID); err != nil {
		return fmt.Errorf("failed to subscribe session %s: %w", c.sessionID, err)
	}

	snap, err := c.store.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to fetch initial context for session %s: %w", c.sessionID, err)
	}
	c.mu.Lock()
	for key, value := range snap.Data {
		v := value.Clone()
		c.cache[key] = cacheEntry{value: &v, timestamp: snap.UpdatedAt}
	}
	c.cursorTS = snap.UpdatedAt
	c.mu.Unlock()

	if err := c.supervisor.Register(taskHeartbeat, c.cfg.HeartbeatInterval(), c.heartbeatTick); err != nil {
		return err
	}
	if err := c.supervisor.Register(taskSync, c.cfg.SyncInterval(), c.syncTick); err != nil {
		return err
	}
	if err := c.supervisor.Register(taskCheckpoint, c.cfg.CheckpointInterval(), c.checkpointTick); err != nil {
		return err
	}

	watcher, err := newContextWatcher(config.ContextDir(c.baseDir), func() {
		c.supervisor.Kick(taskSync)
	})
	if err != nil {
		log.WarningLog.Printf("session %s: context watcher unavailable, falling back to the %s poll: %v", c.sessionID, c.cfg.SyncInterval(), err)
	} else {
		c.watcher = watcher
	}

	if err := c.supervisor.Start(); err != nil {
		return err
	}
	c.setState(StateActive)
	log.InfoLog.Printf("session %s registered as %q", c.sessionID, c.role)
	return nil
}

// Stop shuts the coordinator down: the graceful flag is persisted before
// anything else, the background loops are cancelled and joined within the
// shutdown grace, a final checkpoint is captured, and the record is marked
// ended. A ForcedTerminationError is returned when loops missed the grace;
// shutdown completes regardless.
func (c *Coordinator) Stop() error {
	c.stopOnce.Do(func() { c.stopErr = c.doStop() })
	return c.stopErr
}

func (c *Coordinator) doStop() error {
	if c.State() == StateRegistering {
		c.setState(StateStopped)
		c.hub.close()
		return c.store.Close()
	}
	c.setState(StateStopping)

	// The graceful flag goes first: a crash anywhere past this point still
	// classifies as a clean shutdown.
	if err := c.sessions.Update(c.sessionID, func(r *SessionRecord) {
		r.GracefulShutdown = true
	}); err != nil {
		log.ErrorLog.Printf("session %s: failed to set graceful flag: %v", c.sessionID, err)
	}

	if c.watcher != nil {
		c.watcher.stop()
	}
	if err := c.store.Unsubscribe(c.sessionID); err != nil {
		log.WarningLog.Printf("session %s: failed to leave subscriber roster: %v", c.sessionID, err)
	}

	joinErr := c.supervisor.Stop(c.cfg.ShutdownGrace())
	if joinErr != nil {
		if errors.Is(joinErr, errors.ErrForcedTermination) {
			if err := c.sessions.Update(c.sessionID, func(r *SessionRecord) {
				r.ForcedTermination = true
			}); err != nil {
				log.ErrorLog.Printf("session %s: failed to record forced termination: %v", c.sessionID, err)
			}
		} else {
			log.ErrorLog.Printf("session %s: shutdown join failed: %v", c.sessionID, joinErr)
		}
	}

	c.finalCheckpoint()

	if err := c.sessions.Update(c.sessionID, func(r *SessionRecord) {
		r.Status = StatusEnded
		r.LastHeartbeat = time.Now()
	}); err != nil {
		log.ErrorLog.Printf("session %s: failed to mark record ended: %v", c.sessionID, err)
	}

	c.hub.close()
	if err := c.store.Close(); err != nil {
		log.ErrorLog.Printf("session %s: failed to close context store: %v", c.sessionID, err)
	}
	c.setState(StateStopped)
	log.InfoLog.Printf("session %s ended", c.sessionID)
	return joinErr
}

// Get serves a key from the local cache. The cache holds the last state
// this session has applied; a false return means the key is unknown or was
// deleted.
func (c *Coordinator) Get(key string) (sharedctx.Value, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.cache[key]
	if !ok || entry.value == nil {
		return sharedctx.Value{}, false
	}
	return entry.value.Clone(), true
}

// Keys returns the cached keys, excluding tombstones.
func (c *Coordinator) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.cache))
	for key, entry := range c.cache {
		if entry.value != nil {
			keys = append(keys, key)
		}
	}
	return keys
}

// Write commits a value through the shared store, merging on conflict, and
// refreshes the local cache with the committed result.
func (c *Coordinator) Write(ctx context.Context, key string, value sharedctx.Value) error {
	if c.stopped() {
		return errors.ErrCoordinatorStopped
	}
	if _, err := c.store.WriteWithRetry(ctx, key, value); err != nil {
		return err
	}
	c.refreshKey(key)
	return nil
}

// Delete removes a key, retrying version conflicts the same way writes do.
func (c *Coordinator) Delete(key string) error {
	if c.stopped() {
		return errors.ErrCoordinatorStopped
	}

	var lastSeen int64
	for attempt := 0; attempt <= c.cfg.MaxWriteRetries; attempt++ {
		_, version, err := c.store.Read(key)
		if err != nil {
			return err
		}
		if _, err := c.store.Delete(key, version); err != nil {
			if errors.IsConflict(err) {
				var conflict *errors.VersionConflictError
				if errors.As(err, &conflict) {
					lastSeen = conflict.Actual
				}
				time.Sleep(c.cfg.RetryBackoff())
				continue
			}
			return err
		}
		c.refreshKey(key)
		return nil
	}
	return errors.NewWriteExhaustedError(key, c.cfg.MaxWriteRetries+1, lastSeen)
}

// refreshKey re-reads a key from the store after a local commit. The commit
// may have merged with concurrent writers, so the store, not the submitted
// value, is authoritative for the cache.
func (c *Coordinator) refreshKey(key string) {
	value, _, err := c.store.Read(key)
	now := time.Now().UnixNano()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if errors.Is(err, errors.ErrKeyNotFound) {
			c.cache[key] = cacheEntry{timestamp: now, sessionID: c.sessionID}
		}
		return
	}
	c.cache[key] = cacheEntry{value: &value, timestamp: now, sessionID: c.sessionID}
}

// Observe returns a channel of remote context events as the sync loop
// applies them, and a cancel function that releases the observer. Slow
// observers lose oldest events rather than stalling the sync loop.
func (c *Coordinator) Observe() (<-chan sharedctx.ContextEvent, func()) {
	id, ch := c.hub.add()
	return ch, func() { c.hub.remove(id) }
}

// Checkpoint captures a checkpoint immediately, outside the periodic
// schedule.
func (c *Coordinator) Checkpoint() error {
	if c.stopped() {
		return errors.ErrCoordinatorStopped
	}
	return c.capture()
}

// LockResource marks a resource as held by this session in its record.
func (c *Coordinator) LockResource(id string) error {
	if c.stopped() {
		return errors.ErrCoordinatorStopped
	}
	return c.sessions.Update(c.sessionID, func(r *SessionRecord) {
		r.LockResource(id)
	})
}

// UnlockResource releases a resource held by this session.
func (c *Coordinator) UnlockResource(id string) error {
	if c.stopped() {
		return errors.ErrCoordinatorStopped
	}
	return c.sessions.Update(c.sessionID, func(r *SessionRecord) {
		r.UnlockResource(id)
	})
}

// CoordinatorStatus is a point-in-time view of the coordinator for status
// surfaces.
type CoordinatorStatus struct {
	SessionID       string
	Role            string
	State           CoordinatorState
	CursorTimestamp int64
	CursorEventID   string
	CachedKeys      int
	DroppedEvents   int64
}

// Status reports the coordinator's current state and sync cursor.
func (c *Coordinator) Status() CoordinatorStatus {
	c.mu.RLock()
	cached := 0
	for _, entry := range c.cache {
		if entry.value != nil {
			cached++
		}
	}
	cursorTS, cursorID := c.cursorTS, c.cursorID
	c.mu.RUnlock()

	return CoordinatorStatus{
		SessionID:       c.sessionID,
		Role:            c.role,
		State:           c.State(),
		CursorTimestamp: cursorTS,
		CursorEventID:   cursorID,
		CachedKeys:      cached,
		DroppedEvents:   c.hub.Dropped(),
	}
}

// State returns the current lifecycle state.
func (c *Coordinator) State() CoordinatorState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s CoordinatorState) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

// casState transitions from -> to and reports whether it happened.
func (c *Coordinator) casState(from, to CoordinatorState) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	if c.state != from {
		return false
	}
	c.state = to
	return true
}

func (c *Coordinator) stopped() bool {
	s := c.State()
	return s == StateStopping || s == StateStopped
}

// heartbeatTick refreshes the record's heartbeat.
func (c *Coordinator) heartbeatTick(ctx context.Context) {
	err := c.sessions.Update(c.sessionID, func(r *SessionRecord) {
		r.LastHeartbeat = time.Now()
	})
	if err != nil {
		log.WarningLog.Printf("session %s: heartbeat update failed: %v", c.sessionID, err)
	}
}

// syncTick runs one sync pass. The ACTIVE -> SYNCING -> ACTIVE transition
// is skipped entirely once shutdown has begun.
func (c *Coordinator) syncTick(ctx context.Context) {
	if !c.casState(StateActive, StateSyncing) {
		return
	}
	defer c.casState(StateSyncing, StateActive)
	c.syncOnce()
}

// syncOnce reads the event log from just behind the cursor and applies
// every remote event. The overlap window re-reads recent history so writes
// journaled slightly out of timestamp order are still picked up; the
// applied set makes the replay idempotent.
func (c *Coordinator) syncOnce() {
	c.mu.RLock()
	since := c.cursorTS - 2*c.cfg.SyncInterval().Nanoseconds()
	c.mu.RUnlock()
	if since < 0 {
		since = 0
	}

	events, err := c.journal.ReadSince(since)
	if err != nil {
		log.WarningLog.Printf("session %s: sync read failed: %v", c.sessionID, err)
		return
	}
	for _, event := range events {
		c.applyEvent(event)
	}
}

// applyEvent advances the cursor and applies one event to the cache.
// Self-authored events and keyless audit entries advance the cursor but
// never touch the cache.
func (c *Coordinator) applyEvent(event sharedctx.ContextEvent) {
	c.mu.Lock()
	if event.Timestamp > c.cursorTS || (event.Timestamp == c.cursorTS && event.EventID > c.cursorID) {
		c.cursorTS, c.cursorID = event.Timestamp, event.EventID
	}
	if event.SessionID == c.sessionID || event.Key == "" || c.applied.contains(event.EventID) {
		c.mu.Unlock()
		return
	}
	c.applied.add(event.EventID)
	c.applyRemoteLocked(event)
	c.mu.Unlock()

	c.hub.publish(event)
}

// applyRemoteLocked folds a remote event into the cache. Events newer than
// the cached entry replace it; stragglers that surface after newer state
// was already applied are merged through the resolver instead of
// clobbering.
func (c *Coordinator) applyRemoteLocked(event sharedctx.ContextEvent) {
	cur, ok := c.cache[event.Key]
	if ok && event.Before(c.entryEvent(event.Key, cur)) {
		resolved, err := c.resolver.Resolve(c.entryEvent(event.Key, cur), event)
		if err != nil {
			log.WarningLog.Printf("session %s: failed to resolve straggler event %s on key %q: %v", c.sessionID, event.EventID, event.Key, err)
			return
		}
		c.cache[event.Key] = entryFromEvent(resolved)
		return
	}
	c.cache[event.Key] = entryFromEvent(event)
}

// entryEvent reconstructs the event a cache entry was produced by, for
// ordering and resolution against incoming events.
func (c *Coordinator) entryEvent(key string, entry cacheEntry) sharedctx.ContextEvent {
	return sharedctx.ContextEvent{
		EventID:   entry.eventID,
		SessionID: entry.sessionID,
		Timestamp: entry.timestamp,
		Type:      sharedctx.EventUpdate,
		Key:       key,
		NewValue:  entry.value,
	}
}

func entryFromEvent(event sharedctx.ContextEvent) cacheEntry {
	entry := cacheEntry{
		timestamp: event.Timestamp,
		sessionID: event.SessionID,
		eventID:   event.EventID,
	}
	if event.NewValue != nil {
		v := event.NewValue.Clone()
		entry.value = &v
	}
	return entry
}

// checkpointTick captures the periodic checkpoint.
func (c *Coordinator) checkpointTick(ctx context.Context) {
	if err := c.capture(); err != nil {
		log.ErrorLog.Printf("session %s: periodic checkpoint failed: %v", c.sessionID, err)
	}
}

// capture saves one checkpoint. Serialized so the periodic tick and manual
// or shutdown captures never race on sequence numbers.
func (c *Coordinator) capture() error {
	c.ckptMu.Lock()
	defer c.ckptMu.Unlock()
	return c.captureLocked()
}

// finalCheckpoint is the shutdown capture. A tick that missed the shutdown
// grace may still hold the checkpoint lock; shutdown must not wait for it.
func (c *Coordinator) finalCheckpoint() {
	if !c.ckptMu.TryLock() {
		log.WarningLog.Printf("session %s: skipping final checkpoint, a capture is still in flight", c.sessionID)
		return
	}
	defer c.ckptMu.Unlock()
	if err := c.captureLocked(); err != nil {
		log.WarningLog.Printf("session %s: final checkpoint failed: %v", c.sessionID, err)
	}
}

func (c *Coordinator) captureLocked() error {
	payload, err := c.snapshotFn()
	if err != nil {
		return fmt.Errorf("failed to capture session state: %w", err)
	}
	if _, err := c.checkpoints.Save(c.sessionID, payload); err != nil {
		return err
	}
	return nil
}

// contextSnapshotPayload is the default checkpoint payload: the full shared
// context snapshot as seen by this session.
func (c *Coordinator) contextSnapshotPayload() ([]byte, error) {
	snap, err := c.store.Snapshot()
	if err != nil {
		return nil, err
	}
	return json.Marshal(snap)
}

// appliedSet is a fixed-capacity set of event ids with FIFO eviction, used
// to make event replay idempotent across overlapping log reads.
type appliedSet struct {
	capacity int
	ids      map[string]struct{}
	order    []string
	next     int
}

func newAppliedSet(capacity int) *appliedSet {
	if capacity < 16 {
		capacity = 16
	}
	return &appliedSet{
		capacity: capacity,
		ids:      make(map[string]struct{}, capacity),
		order:    make([]string, capacity),
	}
}

func (s *appliedSet) contains(id string) bool {
	_, ok := s.ids[id]
	return ok
}

func (s *appliedSet) add(id string) {
	if s.contains(id) {
		return
	}
	if evicted := s.order[s.next]; evicted != "" {
		delete(s.ids, evicted)
	}
	s.order[s.next] = id
	s.next = (s.next + 1) % s.capacity
	s.ids[id] = struct{}{}
}
