package recovery

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waggleworks/waggle/checkpoint"
	"github.com/waggleworks/waggle/config"
	"github.com/waggleworks/waggle/errors"
	"github.com/waggleworks/waggle/log"
	"github.com/waggleworks/waggle/session"
)

func TestMain(m *testing.M) {
	log.Initialize(false)
	defer log.Close()
	os.Exit(m.Run())
}

type testRig struct {
	detector    *Detector
	sessions    *session.Storage
	checkpoints *checkpoint.Store
	cfg         *config.Config
	baseDir     string
}

// newTestRig builds a detector over temp storage with every platform probe
// stubbed to a healthy host.
func newTestRig(t *testing.T) *testRig {
	t.Helper()
	baseDir := t.TempDir()

	sessions, err := session.NewStorage(config.SessionsDir(baseDir))
	require.NoError(t, err)
	checkpoints := checkpoint.NewStore(config.CheckpointsDir(baseDir), 5)

	cfg := config.DefaultConfig()
	detector := NewDetector(sessions, checkpoints, cfg, baseDir)
	detector.pidAlive = func(pid int) bool { return true }
	detector.diskFree = func(path string) (uint64, error) { return 10 << 30, nil }
	detector.memoryFree = func() (uint64, error) { return 8 << 30, nil }

	return &testRig{
		detector:    detector,
		sessions:    sessions,
		checkpoints: checkpoints,
		cfg:         cfg,
		baseDir:     baseDir,
	}
}

// seedSession persists a record and a valid checkpoint for it.
func (rig *testRig) seedSession(t *testing.T, sessionID string) *session.SessionRecord {
	t.Helper()
	record := session.NewSessionRecord(sessionID, "worker")
	require.NoError(t, rig.sessions.Save(record))
	_, err := rig.checkpoints.Save(sessionID, []byte(`{"task":"indexing"}`))
	require.NoError(t, err)
	return record
}

func TestDetectAliveShortCircuits(t *testing.T) {
	rig := newTestRig(t)
	rig.seedSession(t, "sess-1")

	det, err := rig.detector.Detect("sess-1")
	require.NoError(t, err)
	assert.Equal(t, StateAlive, det.State)
	assert.False(t, det.NeedsRecovery)
}

func TestDetectUnknownSession(t *testing.T) {
	rig := newTestRig(t)

	_, err := rig.detector.Detect("ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSessionNotFound))
}

func TestDetectCrashCascade(t *testing.T) {
	rig := newTestRig(t)

	t.Run("dead pid with recent heartbeat is crashed", func(t *testing.T) {
		rig.seedSession(t, "sess-dead")
		rig.detector.pidAlive = func(pid int) bool { return false }
		defer func() { rig.detector.pidAlive = func(pid int) bool { return true } }()

		det, err := rig.detector.Detect("sess-dead")
		require.NoError(t, err)
		assert.Equal(t, StateCrashed, det.State)
		assert.True(t, det.NeedsRecovery)
	})

	t.Run("dead pid with ancient heartbeat is orphaned", func(t *testing.T) {
		rig.seedSession(t, "sess-orphan")
		require.NoError(t, rig.sessions.Update("sess-orphan", func(r *session.SessionRecord) {
			r.LastHeartbeat = time.Now().Add(-2 * rig.cfg.OrphanAfter())
		}))
		rig.detector.pidAlive = func(pid int) bool { return false }
		defer func() { rig.detector.pidAlive = func(pid int) bool { return true } }()

		det, err := rig.detector.Detect("sess-orphan")
		require.NoError(t, err)
		assert.Equal(t, StateOrphaned, det.State)
		assert.True(t, det.NeedsRecovery)
	})

	t.Run("live pid with stale heartbeat is presumed hung", func(t *testing.T) {
		rig.seedSession(t, "sess-hung")
		require.NoError(t, rig.sessions.Update("sess-hung", func(r *session.SessionRecord) {
			r.LastHeartbeat = time.Now().Add(-2 * rig.cfg.StaleAfter())
		}))

		det, err := rig.detector.Detect("sess-hung")
		require.NoError(t, err)
		assert.Equal(t, StateCrashed, det.State)
	})
}

func TestDetectReportsCheckpointDamage(t *testing.T) {
	rig := newTestRig(t)
	record := session.NewSessionRecord("sess-1", "worker")
	require.NoError(t, rig.sessions.Save(record))
	rig.detector.pidAlive = func(pid int) bool { return false }

	// No checkpoints at all.
	det, err := rig.detector.Detect("sess-1")
	require.NoError(t, err)
	assert.Equal(t, StateCrashed, det.State)
	assert.Contains(t, det.Reason, "no checkpoints")
}

func TestDetectResourceFloors(t *testing.T) {
	rig := newTestRig(t)
	rig.seedSession(t, "sess-1")
	rig.detector.pidAlive = func(pid int) bool { return false }

	t.Run("low disk defers recovery", func(t *testing.T) {
		rig.detector.diskFree = func(path string) (uint64, error) { return 1 << 10, nil }
		defer func() { rig.detector.diskFree = func(path string) (uint64, error) { return 10 << 30, nil } }()

		det, err := rig.detector.Detect("sess-1")
		require.NoError(t, err)
		assert.Equal(t, StateResourceBlocked, det.State)
		assert.True(t, det.NeedsRecovery)
		require.Error(t, det.ResourceErr)
		assert.True(t, errors.Is(det.ResourceErr, errors.ErrResourceBlocked))
		assert.True(t, errors.IsRetryable(det.ResourceErr))
	})

	t.Run("low memory defers recovery", func(t *testing.T) {
		rig.detector.memoryFree = func() (uint64, error) { return 1 << 20, nil }
		defer func() { rig.detector.memoryFree = func() (uint64, error) { return 8 << 30, nil } }()

		det, err := rig.detector.Detect("sess-1")
		require.NoError(t, err)
		assert.Equal(t, StateResourceBlocked, det.State)
	})

	t.Run("unsupported memory probe is skipped", func(t *testing.T) {
		rig.detector.memoryFree = func() (uint64, error) { return 0, errMemoryUnsupported }
		defer func() { rig.detector.memoryFree = func() (uint64, error) { return 8 << 30, nil } }()

		det, err := rig.detector.Detect("sess-1")
		require.NoError(t, err)
		assert.Equal(t, StateCrashed, det.State)
	})
}

func TestDetectGracefulShutdownWins(t *testing.T) {
	rig := newTestRig(t)
	rig.seedSession(t, "sess-1")

	// Dead pid, stale heartbeat, starved host: the graceful flag still
	// makes this ENDED, never CRASHED or ORPHANED.
	require.NoError(t, rig.sessions.Update("sess-1", func(r *session.SessionRecord) {
		r.GracefulShutdown = true
		r.Status = session.StatusEnded
		r.LastHeartbeat = time.Now().Add(-2 * rig.cfg.OrphanAfter())
	}))
	rig.detector.pidAlive = func(pid int) bool { return false }
	rig.detector.diskFree = func(path string) (uint64, error) { return 1 << 10, nil }

	det, err := rig.detector.Detect("sess-1")
	require.NoError(t, err)
	assert.Equal(t, StateEnded, det.State)
	assert.False(t, det.NeedsRecovery)
}

func TestDetectRetiredRecordNeedsNoRecovery(t *testing.T) {
	rig := newTestRig(t)
	rig.seedSession(t, "sess-1")

	// A record a previous recovery already retired still classifies as
	// CRASHED for display, but must not be adopted again.
	require.NoError(t, rig.sessions.Update("sess-1", func(r *session.SessionRecord) {
		r.Status = session.StatusCrashed
	}))
	rig.detector.pidAlive = func(pid int) bool { return false }

	det, err := rig.detector.Detect("sess-1")
	require.NoError(t, err)
	assert.Equal(t, StateCrashed, det.State)
	assert.False(t, det.NeedsRecovery)
}

func TestDetectAll(t *testing.T) {
	rig := newTestRig(t)
	rig.seedSession(t, "sess-a")
	rig.seedSession(t, "sess-b")

	detections, err := rig.detector.DetectAll()
	require.NoError(t, err)
	require.Len(t, detections, 2)
	for _, det := range detections {
		assert.Equal(t, StateAlive, det.State)
	}
}
