package session

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waggleworks/waggle/errors"
	"github.com/waggleworks/waggle/log"
)

func TestMain(m *testing.M) {
	log.Initialize(false)
	defer log.Close()
	os.Exit(m.Run())
}

func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	storage, err := NewStorage(t.TempDir())
	require.NoError(t, err)
	return storage
}

func TestNewSessionRecord(t *testing.T) {
	record := NewSessionRecord("sess-1", "worker")

	assert.Equal(t, "sess-1", record.SessionID)
	assert.Equal(t, "worker", record.Role)
	assert.Equal(t, os.Getpid(), record.PID)
	assert.Equal(t, StatusActive, record.Status)
	assert.NotEmpty(t, record.Hostname)
	assert.False(t, record.GracefulShutdown)
	assert.False(t, record.ForcedTermination)
	assert.WithinDuration(t, time.Now(), record.StartedAt, time.Second)
	assert.WithinDuration(t, time.Now(), record.LastHeartbeat, time.Second)
}

func TestHeartbeatAge(t *testing.T) {
	record := NewSessionRecord("sess-1", "worker")
	record.LastHeartbeat = time.Now().Add(-2 * time.Second)

	age := record.HeartbeatAge()
	assert.GreaterOrEqual(t, age, 2*time.Second)
	assert.Less(t, age, 3*time.Second)
}

func TestResourceLocks(t *testing.T) {
	record := NewSessionRecord("sess-1", "worker")

	record.LockResource("db")
	record.LockResource("queue")
	record.LockResource("db")
	assert.Equal(t, []string{"db", "queue"}, record.LockedResources)

	record.UnlockResource("db")
	assert.Equal(t, []string{"queue"}, record.LockedResources)

	record.UnlockResource("missing")
	assert.Equal(t, []string{"queue"}, record.LockedResources)
}

func TestTerminal(t *testing.T) {
	record := NewSessionRecord("sess-1", "worker")
	assert.False(t, record.Terminal())

	record.Status = StatusCrashed
	assert.False(t, record.Terminal())

	record.Status = StatusEnded
	assert.True(t, record.Terminal())
}

func TestStorageSaveAndLoad(t *testing.T) {
	storage := newTestStorage(t)

	record := NewSessionRecord("sess-1", "planner")
	record.LockResource("db")
	require.NoError(t, storage.Save(record))

	// Records land as one JSON file per session.
	_, err := os.Stat(filepath.Join(storage.dir, "sess-1.json"))
	require.NoError(t, err)

	loaded, err := storage.Load("sess-1")
	require.NoError(t, err)
	assert.Equal(t, record.SessionID, loaded.SessionID)
	assert.Equal(t, record.Role, loaded.Role)
	assert.Equal(t, record.PID, loaded.PID)
	assert.Equal(t, record.Status, loaded.Status)
	assert.Equal(t, []string{"db"}, loaded.LockedResources)
	assert.WithinDuration(t, record.LastHeartbeat, loaded.LastHeartbeat, time.Millisecond)
}

func TestStorageRejectsEmptySessionID(t *testing.T) {
	storage := newTestStorage(t)
	err := storage.Save(&SessionRecord{})
	require.Error(t, err)
}

func TestStorageLoadMissing(t *testing.T) {
	storage := newTestStorage(t)

	_, err := storage.Load("ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrSessionNotFound))
}

func TestStorageExists(t *testing.T) {
	storage := newTestStorage(t)

	assert.False(t, storage.Exists("sess-1"))
	require.NoError(t, storage.Save(NewSessionRecord("sess-1", "worker")))
	assert.True(t, storage.Exists("sess-1"))
}

func TestStorageList(t *testing.T) {
	storage := newTestStorage(t)

	require.NoError(t, storage.Save(NewSessionRecord("sess-a", "worker")))
	require.NoError(t, storage.Save(NewSessionRecord("sess-b", "planner")))

	// Stray files must not break listing.
	require.NoError(t, os.WriteFile(filepath.Join(storage.dir, "notes.txt"), []byte("scratch"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(storage.dir, "broken.json"), []byte("{nope"), 0644))

	records, err := storage.List()
	require.NoError(t, err)

	ids := make([]string, 0, len(records))
	for _, record := range records {
		ids = append(ids, record.SessionID)
	}
	assert.ElementsMatch(t, []string{"sess-a", "sess-b"}, ids)
}

func TestStorageActiveSessions(t *testing.T) {
	storage := newTestStorage(t)

	require.NoError(t, storage.Save(NewSessionRecord("sess-a", "worker")))

	idle := NewSessionRecord("sess-b", "worker")
	idle.Status = StatusIdle
	require.NoError(t, storage.Save(idle))

	crashed := NewSessionRecord("sess-c", "worker")
	crashed.Status = StatusCrashed
	require.NoError(t, storage.Save(crashed))

	ended := NewSessionRecord("sess-d", "worker")
	ended.Status = StatusEnded
	require.NoError(t, storage.Save(ended))

	active, err := storage.ActiveSessions()
	require.NoError(t, err)

	ids := make([]string, 0, len(active))
	for _, record := range active {
		ids = append(ids, record.SessionID)
	}
	assert.ElementsMatch(t, []string{"sess-a", "sess-b"}, ids)
}

func TestStorageUpdate(t *testing.T) {
	storage := newTestStorage(t)
	require.NoError(t, storage.Save(NewSessionRecord("sess-1", "worker")))

	beat := time.Now().Add(5 * time.Second)
	err := storage.Update("sess-1", func(r *SessionRecord) {
		r.Status = StatusIdle
		r.LastHeartbeat = beat
	})
	require.NoError(t, err)

	loaded, err := storage.Load("sess-1")
	require.NoError(t, err)
	assert.Equal(t, StatusIdle, loaded.Status)
	assert.WithinDuration(t, beat, loaded.LastHeartbeat, time.Millisecond)

	err = storage.Update("ghost", func(r *SessionRecord) {})
	assert.True(t, errors.Is(err, errors.ErrSessionNotFound))
}

func TestStorageUpdateShutdownFlagSurvivesHeartbeats(t *testing.T) {
	storage := newTestStorage(t)

	// A heartbeat updater racing the shutdown marker must not overwrite
	// the graceful flag with the stale record it loaded earlier.
	for i := 0; i < 25; i++ {
		id := fmt.Sprintf("sess-%d", i)
		require.NoError(t, storage.Save(NewSessionRecord(id, "worker")))

		done := make(chan struct{})
		go func() {
			defer close(done)
			for j := 0; j < 10; j++ {
				_ = storage.Update(id, func(r *SessionRecord) {
					r.LastHeartbeat = time.Now()
				})
			}
		}()

		require.NoError(t, storage.Update(id, func(r *SessionRecord) {
			r.GracefulShutdown = true
			r.Status = StatusEnded
		}))
		<-done

		loaded, err := storage.Load(id)
		require.NoError(t, err)
		assert.True(t, loaded.GracefulShutdown, "graceful flag lost on iteration %d", i)
		assert.Equal(t, StatusEnded, loaded.Status)
	}
}

func TestStorageDelete(t *testing.T) {
	storage := newTestStorage(t)
	require.NoError(t, storage.Save(NewSessionRecord("sess-1", "worker")))

	require.NoError(t, storage.Delete("sess-1"))
	assert.False(t, storage.Exists("sess-1"))

	err := storage.Delete("sess-1")
	assert.True(t, errors.Is(err, errors.ErrSessionNotFound))
}
