// Package recovery classifies dead or wedged sessions and restores their
// state from the newest checkpoint that survives integrity validation.
package recovery

import (
	"fmt"
	"time"

	"github.com/waggleworks/waggle/checkpoint"
	"github.com/waggleworks/waggle/config"
	"github.com/waggleworks/waggle/errors"
	"github.com/waggleworks/waggle/log"
	"github.com/waggleworks/waggle/session"
)

// errMemoryUnsupported marks platforms without a free-memory probe. The
// memory floor is skipped there instead of deferring recovery forever.
var errMemoryUnsupported = errors.New("memory probe unsupported on this platform")

// State is the outcome of the crash detection cascade.
type State string

const (
	StateAlive           State = "ALIVE"
	StateEnded           State = "ENDED"
	StateCrashed         State = "CRASHED"
	StateOrphaned        State = "ORPHANED"
	StateResourceBlocked State = "RESOURCE_BLOCKED"
)

// Detection is one session's classification with supporting evidence.
type Detection struct {
	SessionID     string
	State         State
	NeedsRecovery bool
	Reason        string
	HeartbeatAge  time.Duration
	Record        *session.SessionRecord
	// ResourceErr carries the typed floor violation when State is
	// RESOURCE_BLOCKED, so callers can classify it as retryable.
	ResourceErr error
}

// Detector runs the crash detection cascade. The layers run in a fixed
// order: process liveness, heartbeat staleness, checkpoint integrity,
// host resources, and finally the graceful-shutdown override, which always
// has the last word. A live process with a fresh heartbeat short-circuits
// to ALIVE before the expensive layers.
type Detector struct {
	sessions    *session.Storage
	checkpoints *checkpoint.Store
	cfg         *config.Config
	baseDir     string

	// Seams for tests; production wiring uses the platform probes.
	pidAlive   func(pid int) bool
	diskFree   func(path string) (uint64, error)
	memoryFree func() (uint64, error)
}

// NewDetector wires the cascade against the given stores. baseDir is the
// state directory whose filesystem the disk floor is measured on.
func NewDetector(sessions *session.Storage, checkpoints *checkpoint.Store, cfg *config.Config, baseDir string) *Detector {
	return &Detector{
		sessions:    sessions,
		checkpoints: checkpoints,
		cfg:         cfg,
		baseDir:     baseDir,
		pidAlive:    ProcessAlive,
		diskFree:    diskFree,
		memoryFree:  memoryFree,
	}
}

// Detect classifies one session.
func (d *Detector) Detect(sessionID string) (*Detection, error) {
	record, err := d.sessions.Load(sessionID)
	if err != nil {
		return nil, err
	}
	return d.Classify(record), nil
}

// DetectAll classifies every session with a record on disk.
func (d *Detector) DetectAll() ([]*Detection, error) {
	records, err := d.sessions.List()
	if err != nil {
		return nil, err
	}
	detections := make([]*Detection, 0, len(records))
	for _, record := range records {
		detections = append(detections, d.Classify(record))
	}
	return detections, nil
}

// Classify runs the cascade over an already-loaded record.
func (d *Detector) Classify(record *session.SessionRecord) *Detection {
	det := &Detection{
		SessionID:    record.SessionID,
		HeartbeatAge: record.HeartbeatAge(),
		Record:       record,
	}

	alive := d.pidAlive(record.PID)
	stale := det.HeartbeatAge > d.cfg.StaleAfter()

	// Layers 1+2: liveness and staleness.
	if alive && !stale && !record.GracefulShutdown {
		det.State = StateAlive
		det.Reason = fmt.Sprintf("pid %d alive, heartbeat %s ago", record.PID, det.HeartbeatAge.Round(time.Millisecond))
		return det
	}

	switch {
	case !alive && det.HeartbeatAge > d.cfg.OrphanAfter():
		det.State = StateOrphaned
		det.Reason = fmt.Sprintf("pid %d gone, heartbeat stale for %s", record.PID, det.HeartbeatAge.Round(time.Second))
	case !alive:
		det.State = StateCrashed
		det.Reason = fmt.Sprintf("pid %d gone, last heartbeat %s ago", record.PID, det.HeartbeatAge.Round(time.Second))
	default:
		// Alive but silent: presumed hung.
		det.State = StateCrashed
		det.Reason = fmt.Sprintf("pid %d alive but heartbeat stale for %s", record.PID, det.HeartbeatAge.Round(time.Second))
	}
	det.NeedsRecovery = true

	// A record already retired by a prior recovery keeps its terminal
	// status. It awaits a successor session, not another recovery.
	if record.Status == session.StatusCrashed || record.Status == session.StatusOrphaned {
		det.NeedsRecovery = false
	}

	// Layer 3: checkpoint integrity. Damage is evidence, not a verdict.
	if damaged, detail := d.checkpointDamage(record.SessionID); damaged {
		det.Reason += "; " + detail
	}

	// Layer 4: host resources. Recovery is deferred, not cancelled.
	if err := d.resourceCheck(); err != nil {
		det.State = StateResourceBlocked
		det.ResourceErr = err
		det.Reason += "; " + err.Error()
	}

	// Layer 5: the graceful-shutdown override always runs last. A session
	// that announced its own shutdown is never CRASHED or ORPHANED.
	if record.GracefulShutdown {
		det.State = StateEnded
		det.NeedsRecovery = false
		det.Reason = "session shut down gracefully"
	}

	return det
}

// checkpointDamage reports whether the newest checkpoint is missing or
// fails validation.
func (d *Detector) checkpointDamage(sessionID string) (bool, string) {
	_, err := d.checkpoints.Latest(sessionID)
	switch {
	case errors.Is(err, errors.ErrCheckpointNotFound):
		return true, "no checkpoints recorded"
	case errors.Is(err, checkpoint.ErrCorrupt):
		return true, "newest checkpoint failed validation"
	case err != nil:
		log.WarningLog.Printf("checkpoint integrity probe failed for session %s: %v", sessionID, err)
		return false, ""
	default:
		return false, ""
	}
}

// resourceCheck enforces the disk and memory floors. Probes that the
// platform cannot answer are skipped rather than treated as exhaustion.
func (d *Detector) resourceCheck() error {
	free, err := d.diskFree(d.baseDir)
	if err != nil {
		log.WarningLog.Printf("disk space probe failed: %v", err)
	} else if free < d.cfg.MinFreeDiskBytes {
		return errors.NewResourceBlockedError("disk", free, d.cfg.MinFreeDiskBytes)
	}

	avail, err := d.memoryFree()
	if err != nil {
		if !errors.Is(err, errMemoryUnsupported) {
			log.WarningLog.Printf("memory probe failed: %v", err)
		}
	} else if avail < d.cfg.MinFreeMemoryBytes {
		return errors.NewResourceBlockedError("memory", avail, d.cfg.MinFreeMemoryBytes)
	}
	return nil
}
