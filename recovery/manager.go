package recovery

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/waggleworks/waggle/checkpoint"
	"github.com/waggleworks/waggle/config"
	"github.com/waggleworks/waggle/log"
	"github.com/waggleworks/waggle/session"
	"github.com/waggleworks/waggle/sharedctx"
)

const recoveryLockName = "recovery.lock"

// RecoveredState is the outcome of a successful recovery: the checkpoint
// that was adopted and the audit record written alongside it.
type RecoveredState struct {
	SessionID  string
	State      State
	Checkpoint *checkpoint.Checkpoint
	Record     *checkpoint.RecoveryRecord
}

// Manager adopts the newest valid checkpoint of a dead session and retires
// its record. A file lock keeps concurrent supervisors from recovering the
// same session twice; the in-process mutex covers goroutines sharing one
// Manager, which the file lock does not.
type Manager struct {
	detector    *Detector
	sessions    *session.Storage
	checkpoints *checkpoint.Store
	journal     sharedctx.Journal
	cfg         *config.Config
	lock        *flock.Flock

	mu       sync.Mutex
	deferred map[string]int
}

// NewManager builds a Manager sharing the detector's stores. journal may be
// nil when no event log is wired; audit entries are then skipped.
func NewManager(baseDir string, detector *Detector, sessions *session.Storage, checkpoints *checkpoint.Store, journal sharedctx.Journal, cfg *config.Config) *Manager {
	return &Manager{
		detector:    detector,
		sessions:    sessions,
		checkpoints: checkpoints,
		journal:     journal,
		cfg:         cfg,
		lock:        flock.New(filepath.Join(baseDir, recoveryLockName)),
		deferred:    make(map[string]int),
	}
}

// Recover classifies the session and, if it is CRASHED or ORPHANED, adopts
// its newest valid checkpoint. The adopted state, a RecoveryRecord, and an
// audit event are all emitted before the session record is retired, so a
// crash mid-recovery leaves the session recoverable again.
func (m *Manager) Recover(sessionID string) (*RecoveredState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.lock.Lock(); err != nil {
		return nil, fmt.Errorf("failed to acquire recovery lock: %w", err)
	}
	defer m.unlock()

	// Re-classify under the lock: another supervisor may have finished
	// recovery while this one waited.
	det, err := m.detector.Detect(sessionID)
	if err != nil {
		return nil, err
	}

	switch det.State {
	case StateAlive:
		return nil, fmt.Errorf("session %s is alive: %s", sessionID, det.Reason)
	case StateEnded:
		return nil, fmt.Errorf("session %s shut down gracefully, nothing to recover", sessionID)
	case StateResourceBlocked:
		m.noteDeferred(sessionID)
		return nil, det.ResourceErr
	}
	delete(m.deferred, sessionID)

	ckpt, corrupt, err := m.checkpoints.LatestValid(sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to recover session %s: %w", sessionID, err)
	}
	if len(corrupt) > 0 {
		log.WarningLog.Printf("session %s: skipped %d corrupt checkpoints %v, adopting seq %d", sessionID, len(corrupt), corrupt, ckpt.Seq)
	}

	rec := &checkpoint.RecoveryRecord{
		SessionID:    sessionID,
		RecoveredSeq: ckpt.Seq,
		CorruptSeqs:  corrupt,
		RecoveredAt:  time.Now(),
	}
	if err := m.checkpoints.SaveRecoveryRecord(rec); err != nil {
		return nil, fmt.Errorf("failed to persist recovery record for session %s: %w", sessionID, err)
	}

	m.audit(det, rec)

	if err := m.retire(det); err != nil {
		return nil, err
	}

	log.InfoLog.Printf("recovered session %s (%s) from checkpoint seq %d", sessionID, det.State, ckpt.Seq)
	return &RecoveredState{
		SessionID:  sessionID,
		State:      det.State,
		Checkpoint: ckpt,
		Record:     rec,
	}, nil
}

// noteDeferred counts resource-deferred attempts and escalates to a warning
// once the configured threshold is crossed.
func (m *Manager) noteDeferred(sessionID string) {
	m.deferred[sessionID]++
	if n := m.deferred[sessionID]; n == m.cfg.ResourceEscalateAfter {
		log.WarningLog.Printf("recovery of session %s deferred %d times by low resources", sessionID, n)
	}
}

// audit appends a merge-type entry to the event log. The empty key keeps
// sync loops from mistaking it for a context mutation.
func (m *Manager) audit(det *Detection, rec *checkpoint.RecoveryRecord) {
	if m.journal == nil {
		return
	}
	event := sharedctx.ContextEvent{
		SessionID: rec.SessionID,
		Type:      sharedctx.EventMerge,
		Warning:   fmt.Sprintf("recovered %s session %s from checkpoint seq %d, %d corrupt skipped", det.State, rec.SessionID, rec.RecoveredSeq, len(rec.CorruptSeqs)),
	}
	if err := m.journal.Append(event); err != nil {
		log.WarningLog.Printf("failed to append recovery audit event for session %s: %v", rec.SessionID, err)
	}
}

// retire stamps the classification on the record and releases every
// resource the dead session still held.
func (m *Manager) retire(det *Detection) error {
	status := session.StatusCrashed
	if det.State == StateOrphaned {
		status = session.StatusOrphaned
	}
	err := m.sessions.Update(det.SessionID, func(r *session.SessionRecord) {
		r.Status = status
		r.LockedResources = nil
	})
	if err != nil {
		return fmt.Errorf("failed to retire session %s: %w", det.SessionID, err)
	}
	return nil
}

func (m *Manager) unlock() {
	if err := m.lock.Unlock(); err != nil {
		log.ErrorLog.Printf("failed to release recovery lock: %v", err)
	}
}

// DeferredAttempts reports how many consecutive sweeps a session's recovery
// has been pushed back by the resource floor.
func (m *Manager) DeferredAttempts(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deferred[sessionID]
}
