package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/waggleworks/waggle/config"
	"github.com/waggleworks/waggle/errors"
	"github.com/waggleworks/waggle/log"
)

// Status represents the lifecycle state of a session.
type Status string

const (
	StatusActive   Status = "active"
	StatusIdle     Status = "idle"
	StatusCrashed  Status = "crashed"
	StatusOrphaned Status = "orphaned"
	StatusEnded    Status = "ended"
)

// SessionRecord is the persisted identity and liveness state of one session.
// GracefulShutdown is written only by the owning session on its own shutdown
// path; every other field may be updated by supervisors during recovery.
type SessionRecord struct {
	SessionID         string    `json:"session_id"`
	PID               int       `json:"pid"`
	Role              string    `json:"role"`
	Status            Status    `json:"status"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	GracefulShutdown  bool      `json:"graceful_shutdown"`
	ForcedTermination bool      `json:"forced_termination,omitempty"`
	LockedResources   []string  `json:"locked_resource_ids,omitempty"`
	StartedAt         time.Time `json:"started_at"`
	Hostname          string    `json:"hostname"`
}

// NewSessionRecord returns an active record for the current process.
func NewSessionRecord(sessionID, role string) *SessionRecord {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	now := time.Now()
	return &SessionRecord{
		SessionID:     sessionID,
		PID:           os.Getpid(),
		Role:          role,
		Status:        StatusActive,
		LastHeartbeat: now,
		StartedAt:     now,
		Hostname:      hostname,
	}
}

// HeartbeatAge returns how long ago the session last heartbeat.
func (r *SessionRecord) HeartbeatAge() time.Duration {
	return time.Since(r.LastHeartbeat)
}

// LockResource records a held resource id. Idempotent.
func (r *SessionRecord) LockResource(id string) {
	for _, held := range r.LockedResources {
		if held == id {
			return
		}
	}
	r.LockedResources = append(r.LockedResources, id)
}

// UnlockResource releases a held resource id. Idempotent.
func (r *SessionRecord) UnlockResource(id string) {
	for i, held := range r.LockedResources {
		if held == id {
			r.LockedResources = append(r.LockedResources[:i], r.LockedResources[i+1:]...)
			return
		}
	}
}

// Terminal reports whether the record is in a state no heartbeat will leave.
func (r *SessionRecord) Terminal() bool {
	return r.Status == StatusEnded
}

// Storage persists session records, one JSON file per session, written
// atomically so a crash mid-save never leaves a torn record. The mutex
// serializes load-mutate-save cycles within this process; that is enough,
// because other processes never mutate a live session's record — the
// owning session writes it, and recovery only touches records whose
// process is already gone.
type Storage struct {
	dir string
	mu  sync.Mutex
}

// NewStorage creates the sessions directory if needed.
func NewStorage(dir string) (*Storage, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}
	return &Storage{dir: dir}, nil
}

func (s *Storage) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID+".json")
}

// Save writes the record to disk.
func (s *Storage) Save(record *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(record)
}

func (s *Storage) save(record *SessionRecord) error {
	if record.SessionID == "" {
		return fmt.Errorf("cannot save a session record without a session id")
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session record: %w", err)
	}
	if err := config.AtomicWriteFile(s.path(record.SessionID), data, 0644); err != nil {
		return fmt.Errorf("failed to write session record: %w", err)
	}
	return nil
}

// Load reads one session's record.
func (s *Storage) Load(sessionID string) (*SessionRecord, error) {
	data, err := os.ReadFile(s.path(sessionID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("session %s: %w", sessionID, errors.ErrSessionNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session record: %w", err)
	}
	var record SessionRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse session record for %s: %w", sessionID, err)
	}
	return &record, nil
}

// Exists reports whether a record is on disk for the session.
func (s *Storage) Exists(sessionID string) bool {
	_, err := os.Stat(s.path(sessionID))
	return err == nil
}

// List returns every readable session record. Unparseable files are skipped
// with a warning rather than failing the whole listing.
func (s *Storage) List() ([]*SessionRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	records := make([]*SessionRecord, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		record, err := s.Load(strings.TrimSuffix(name, ".json"))
		if err != nil {
			log.WarningLog.Printf("skipping unreadable session record %s: %v", name, err)
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

// ActiveSessions returns the records still in a live state (active or
// idle). Read-only query for status surfaces.
func (s *Storage) ActiveSessions() ([]*SessionRecord, error) {
	records, err := s.List()
	if err != nil {
		return nil, err
	}
	active := records[:0]
	for _, record := range records {
		if record.Status == StatusActive || record.Status == StatusIdle {
			active = append(active, record)
		}
	}
	return active, nil
}

// Update loads, mutates, and saves a record in one step. The whole cycle
// runs under the storage mutex so concurrent updaters (heartbeat ticks,
// shutdown marking) cannot overwrite each other's fields.
func (s *Storage) Update(sessionID string, mutate func(*SessionRecord)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := s.Load(sessionID)
	if err != nil {
		return err
	}
	mutate(record)
	return s.save(record)
}

// Delete removes a session's record.
func (s *Storage) Delete(sessionID string) error {
	err := os.Remove(s.path(sessionID))
	if os.IsNotExist(err) {
		return fmt.Errorf("session %s: %w", sessionID, errors.ErrSessionNotFound)
	}
	if err != nil {
		return fmt.Errorf("failed to delete session record: %w", err)
	}
	return nil
}
