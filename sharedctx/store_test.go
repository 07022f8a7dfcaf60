package sharedctx

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/waggleworks/waggle/errors"
	"github.com/waggleworks/waggle/log"
)

func TestMain(m *testing.M) {
	// Initialize the logger before any tests run
	log.Initialize(false)
	defer log.Close()

	exitCode := m.Run()
	os.Exit(exitCode)
}

// captureJournal records appended events for assertions.
type captureJournal struct {
	mu     sync.Mutex
	events []ContextEvent
}

func (j *captureJournal) Append(event ContextEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, event)
	return nil
}

func (j *captureJournal) all() []ContextEvent {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]ContextEvent(nil), j.events...)
}

// racingBackend lets a test inject one competing commit right before the
// store's own first commit reaches the backend.
type racingBackend struct {
	Backend
	once sync.Once
	race func()
}

func (b *racingBackend) Store(shard int, snap *Snapshot, expectedVersion int64) error {
	b.once.Do(b.race)
	return b.Backend.Store(shard, snap, expectedVersion)
}

// conflictBackend refuses every commit with a version conflict.
type conflictBackend struct {
	Backend
}

func (b *conflictBackend) Store(shard int, snap *Snapshot, expectedVersion int64) error {
	return errors.NewVersionConflictError("", expectedVersion, expectedVersion+1)
}

func newTestStore(t *testing.T, opts StoreOptions) (*Store, *FileBackend) {
	t.Helper()
	backend, _ := newTestBackend(t, maxInt(opts.Shards, 1), 2)
	if opts.RetryBackoff == 0 {
		opts.RetryBackoff = time.Millisecond
	}
	return NewStore(backend, opts), backend
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func TestStoreReadWrite(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{SessionID: "sess-a", Shards: 1})
	defer s.Close()

	t.Run("missing key reports shard version", func(t *testing.T) {
		_, version, err := s.Read("task")
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrKeyNotFound))
		assert.Equal(t, int64(0), version)
	})

	t.Run("write then read", func(t *testing.T) {
		version, err := s.Write("task", NewScalar("build"), 0)
		require.NoError(t, err)
		assert.Equal(t, int64(1), version)

		got, version, err := s.Read("task")
		require.NoError(t, err)
		assert.Equal(t, int64(1), version)
		assert.True(t, NewScalar("build").Equal(got))
	})

	t.Run("every commit bumps by one", func(t *testing.T) {
		version, err := s.Write("task", NewScalar("test"), 1)
		require.NoError(t, err)
		assert.Equal(t, int64(2), version)
	})
}

func TestStoreVersionConflict(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{SessionID: "sess-a", Shards: 1})
	defer s.Close()

	_, err := s.Write("task", NewScalar("seed"), 0)
	require.NoError(t, err)

	// Two writers both observed version 1. The first commit wins.
	_, err = s.Write("task", NewScalar("first"), 1)
	require.NoError(t, err)

	_, err = s.Write("task", NewScalar("second"), 1)
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
	assert.True(t, errors.IsRetryable(err))

	var conflict *errors.VersionConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "task", conflict.Key)
	assert.Equal(t, int64(1), conflict.Expected)
	assert.Equal(t, int64(2), conflict.Actual)

	// Re-reading yields the version the loser needs to retry at.
	_, version, err := s.Read("task")
	require.NoError(t, err)
	version, err = s.Write("task", NewScalar("second"), version)
	require.NoError(t, err)
	assert.Equal(t, int64(3), version)
}

func TestStoreDelete(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{SessionID: "sess-a", Shards: 1})
	defer s.Close()

	_, err := s.Write("task", NewScalar("build"), 0)
	require.NoError(t, err)

	t.Run("delete missing key fails without version bump", func(t *testing.T) {
		_, err := s.Delete("ghost", 1)
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrKeyNotFound))

		_, version, rerr := s.Read("task")
		require.NoError(t, rerr)
		assert.Equal(t, int64(1), version)
	})

	t.Run("delete removes key", func(t *testing.T) {
		version, err := s.Delete("task", 1)
		require.NoError(t, err)
		assert.Equal(t, int64(2), version)

		_, _, err = s.Read("task")
		assert.True(t, errors.Is(err, errors.ErrKeyNotFound))
	})
}

func TestStoreWriteWithRetry(t *testing.T) {
	t.Run("scalar loser retries and wins", func(t *testing.T) {
		backend, _ := newTestBackend(t, 1, 2)
		other := NewStore(backend, StoreOptions{SessionID: "sess-a", Shards: 1})

		racing := &racingBackend{Backend: backend, race: func() {
			_, err := other.Write("task", NewScalar("from-a"), 0)
			require.NoError(t, err)
		}}
		s := NewStore(racing, StoreOptions{SessionID: "sess-b", Shards: 1, RetryBackoff: time.Millisecond})

		version, err := s.WriteWithRetry(context.Background(), "task", NewScalar("from-b"))
		require.NoError(t, err)
		assert.Equal(t, int64(2), version)

		got, _, err := other.Read("task")
		require.NoError(t, err)
		assert.True(t, NewScalar("from-b").Equal(got))
	})

	t.Run("list conflict unions both writers", func(t *testing.T) {
		backend, _ := newTestBackend(t, 1, 2)
		other := NewStore(backend, StoreOptions{SessionID: "sess-a", Shards: 1})

		racing := &racingBackend{Backend: backend, race: func() {
			_, err := other.Write("files", NewList(NewScalar("main.go")), 0)
			require.NoError(t, err)
		}}
		journal := &captureJournal{}
		s := NewStore(racing, StoreOptions{SessionID: "sess-b", Shards: 1, RetryBackoff: time.Millisecond, Journal: journal})

		_, err := s.WriteWithRetry(context.Background(), "files", NewList(NewScalar("util.go")))
		require.NoError(t, err)

		got, _, err := other.Read("files")
		require.NoError(t, err)
		want := NewList(NewScalar("main.go"), NewScalar("util.go"))
		assert.Equal(t, elementSet(t, &want), elementSet(t, &got))

		events := journal.all()
		require.Len(t, events, 1)
		assert.Equal(t, EventMerge, events[0].Type)
	})

	t.Run("exhausts after the retry budget", func(t *testing.T) {
		backend, _ := newTestBackend(t, 1, 2)
		s := NewStore(&conflictBackend{Backend: backend}, StoreOptions{
			SessionID:    "sess-b",
			Shards:       1,
			MaxRetries:   2,
			RetryBackoff: time.Millisecond,
		})

		_, err := s.WriteWithRetry(context.Background(), "task", NewScalar("doomed"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, errors.ErrWriteExhausted))
		assert.False(t, errors.IsRetryable(err))

		var exhausted *errors.WriteExhaustedError
		require.True(t, errors.As(err, &exhausted))
		assert.Equal(t, "task", exhausted.Key)
		assert.Equal(t, 3, exhausted.Attempts)
	})

	t.Run("canceled context stops the retry loop", func(t *testing.T) {
		backend, _ := newTestBackend(t, 1, 2)
		s := NewStore(&conflictBackend{Backend: backend}, StoreOptions{
			SessionID:    "sess-b",
			Shards:       1,
			RetryBackoff: 50 * time.Millisecond,
		})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := s.WriteWithRetry(ctx, "task", NewScalar("doomed"))
		require.Error(t, err)
		assert.True(t, errors.Is(err, context.Canceled))
	})
}

func TestStoreJournal(t *testing.T) {
	journal := &captureJournal{}
	s, _ := newTestStore(t, StoreOptions{SessionID: "sess-a", Shards: 1, Journal: journal})
	defer s.Close()

	_, err := s.Write("task", NewScalar("build"), 0)
	require.NoError(t, err)
	_, err = s.Write("task", NewScalar("test"), 1)
	require.NoError(t, err)
	_, err = s.Delete("task", 2)
	require.NoError(t, err)

	events := journal.all()
	require.Len(t, events, 3)

	assert.Equal(t, EventUpdate, events[0].Type)
	assert.Nil(t, events[0].PrevValue)
	require.NotNil(t, events[0].NewValue)
	assert.True(t, NewScalar("build").Equal(*events[0].NewValue))

	assert.Equal(t, EventUpdate, events[1].Type)
	require.NotNil(t, events[1].PrevValue)
	assert.True(t, NewScalar("build").Equal(*events[1].PrevValue))

	assert.Equal(t, EventDelete, events[2].Type)
	assert.Nil(t, events[2].NewValue)
	require.NotNil(t, events[2].PrevValue)

	// Every event carries its author and a distinct id, and the final hash
	// matches the store's merged view.
	seen := map[string]bool{}
	for _, e := range events {
		assert.Equal(t, "sess-a", e.SessionID)
		assert.False(t, seen[e.EventID])
		seen[e.EventID] = true
	}
	cs, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, cs.DataHash(), events[2].ResultingHash)
}

// failingJournal rejects every append.
type failingJournal struct{}

func (failingJournal) Append(ContextEvent) error {
	return fmt.Errorf("journal disk full")
}

func TestStoreJournalFailureReportsCommittedVersion(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{SessionID: "sess-a", Shards: 1, Journal: failingJournal{}})
	defer s.Close()

	// The backend commit lands before the journal append, so the caller
	// gets the committed version alongside the error.
	version, err := s.Write("task", NewScalar("build"), 0)
	require.Error(t, err)
	assert.Equal(t, int64(1), version)

	version, err = s.WriteWithRetry(context.Background(), "task", NewScalar("test"))
	require.Error(t, err)
	assert.False(t, errors.IsConflict(err))
	assert.Equal(t, int64(2), version)

	// The write itself took effect despite the journal failure.
	got, shardVersion, readErr := s.Read("task")
	require.NoError(t, readErr)
	assert.True(t, NewScalar("test").Equal(got))
	assert.Equal(t, int64(2), shardVersion)
}

func TestStoreSnapshotAcrossShards(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{SessionID: "sess-a", Shards: 4})
	defer s.Close()

	keys := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	for _, k := range keys {
		_, version, err := s.Read(k)
		require.True(t, errors.Is(err, errors.ErrKeyNotFound))
		_, err = s.Write(k, NewScalar(k), version)
		require.NoError(t, err)
	}

	cs, err := s.Snapshot()
	require.NoError(t, err)
	assert.Len(t, cs.Data, len(keys))
	require.Len(t, cs.ShardVersions, 4)

	var total int64
	for _, v := range cs.ShardVersions {
		total += v
	}
	assert.Equal(t, int64(len(keys)), total)
}

func TestStoreSubscribers(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{SessionID: "sess-a", Shards: 4})
	defer s.Close()

	require.NoError(t, s.Subscribe("sess-b"))
	require.NoError(t, s.Subscribe("sess-a"))
	require.NoError(t, s.Subscribe("sess-b"))

	subs, err := s.Subscribers()
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-a", "sess-b"}, subs)

	require.NoError(t, s.Unsubscribe("sess-a"))
	require.NoError(t, s.Unsubscribe("sess-a"))

	subs, err = s.Subscribers()
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-b"}, subs)

	cs, err := s.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []string{"sess-b"}, cs.Subscribers)
}

func TestStoreConcurrentListWriters(t *testing.T) {
	backend, _ := newTestBackend(t, 1, 2)

	elements := []string{"a.go", "b.go", "c.go", "d.go"}
	var wg sync.WaitGroup
	for i, el := range elements {
		wg.Add(1)
		go func(sessionID, el string) {
			defer wg.Done()
			s := NewStore(backend, StoreOptions{
				SessionID:    sessionID,
				Shards:       1,
				MaxRetries:   10,
				RetryBackoff: time.Millisecond,
			})
			_, err := s.WriteWithRetry(context.Background(), "files", NewList(NewScalar(el)))
			assert.NoError(t, err)
		}("sess-"+string(rune('a'+i)), el)
	}
	wg.Wait()

	s := NewStore(backend, StoreOptions{SessionID: "reader", Shards: 1})
	got, _, err := s.Read("files")
	require.NoError(t, err)

	wantItems := make([]Value, 0, len(elements))
	for _, el := range elements {
		wantItems = append(wantItems, NewScalar(el))
	}
	want := NewList(wantItems...)
	assert.Equal(t, elementSet(t, &want), elementSet(t, &got))
}

func TestStoreClosed(t *testing.T) {
	s, _ := newTestStore(t, StoreOptions{SessionID: "sess-a", Shards: 1})
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, _, err := s.Read("task")
	assert.True(t, errors.Is(err, errors.ErrStoreClosed))
	_, err = s.Write("task", NewScalar("x"), 0)
	assert.True(t, errors.Is(err, errors.ErrStoreClosed))
	_, err = s.WriteWithRetry(context.Background(), "task", NewScalar("x"))
	assert.True(t, errors.Is(err, errors.ErrStoreClosed))
	_, err = s.Snapshot()
	assert.True(t, errors.Is(err, errors.ErrStoreClosed))
	err = s.Subscribe("sess-b")
	assert.True(t, errors.Is(err, errors.ErrStoreClosed))
}
