package sharedctx

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/waggleworks/waggle/errors"
	"github.com/waggleworks/waggle/log"
)

// rootShard additionally carries store-wide metadata (the subscriber roster).
const rootShard = 0

// StoreOptions configures a Store. Zero values fall back to safe defaults.
type StoreOptions struct {
	// SessionID is recorded as the author of every event this store emits.
	SessionID string
	// Shards is the number of independently versioned key partitions.
	Shards int
	// MaxRetries caps how many times WriteWithRetry re-attempts after a
	// version conflict.
	MaxRetries int
	// RetryBackoff is the initial conflict backoff. It doubles per retry.
	RetryBackoff time.Duration
	// Journal receives one event per committed mutation. Optional.
	Journal Journal
}

// Store is the optimistic-concurrency view over a Backend. Writes carry the
// version the writer last observed; a commit only lands if the shard is
// still at that version, otherwise the writer re-reads, merges, and retries.
type Store struct {
	backend      Backend
	journal      Journal
	resolver     Resolver
	sessionID    string
	shards       int
	maxRetries   int
	retryBackoff time.Duration
	closed       atomic.Bool
}

// NewStore wraps backend with versioned read/write operations.
func NewStore(backend Backend, opts StoreOptions) *Store {
	if opts.Shards < 1 {
		opts.Shards = 1
	}
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 100 * time.Millisecond
	}
	return &Store{
		backend:      backend,
		journal:      opts.Journal,
		sessionID:    opts.SessionID,
		shards:       opts.Shards,
		maxRetries:   opts.MaxRetries,
		retryBackoff: opts.RetryBackoff,
	}
}

// Shards returns the number of key partitions.
func (s *Store) Shards() int {
	return s.shards
}

// Read returns the value and the containing shard's current version. A
// missing key still reports the shard version so the caller can use it as
// the expected version for a first write.
func (s *Store) Read(key string) (Value, int64, error) {
	if s.closed.Load() {
		return Value{}, 0, errors.ErrStoreClosed
	}
	snap, err := s.backend.Load(shardFor(key, s.shards))
	if err != nil {
		return Value{}, 0, err
	}
	v, ok := snap.Data[key]
	if !ok {
		return Value{}, snap.Version, fmt.Errorf("key %q: %w", key, errors.ErrKeyNotFound)
	}
	return v.Clone(), snap.Version, nil
}

// Write commits value under key if the shard is still at expectedVersion,
// returning the new shard version.
func (s *Store) Write(key string, value Value, expectedVersion int64) (int64, error) {
	return s.commit(key, &value, expectedVersion, EventUpdate, "")
}

// Delete removes key if the shard is still at expectedVersion. Deleting a
// key that does not exist fails without consuming a version.
func (s *Store) Delete(key string, expectedVersion int64) (int64, error) {
	return s.commit(key, nil, expectedVersion, EventDelete, "")
}

func (s *Store) commit(key string, value *Value, expectedVersion int64, eventType, warning string) (int64, error) {
	if s.closed.Load() {
		return 0, errors.ErrStoreClosed
	}

	shard := shardFor(key, s.shards)
	snap, err := s.backend.Load(shard)
	if err != nil {
		return 0, err
	}
	if snap.Version != expectedVersion {
		return 0, errors.NewVersionConflictError(key, expectedVersion, snap.Version)
	}

	var prev *Value
	if p, ok := snap.Data[key]; ok {
		pc := p.Clone()
		prev = &pc
	}
	if value == nil && prev == nil {
		return 0, fmt.Errorf("key %q: %w", key, errors.ErrKeyNotFound)
	}

	now := time.Now().UnixNano()
	next := snap.Clone()
	if value == nil {
		delete(next.Data, key)
	} else {
		next.Data[key] = value.Clone()
	}
	next.Version = expectedVersion + 1
	next.UpdatedAt = now

	if err := s.backend.Store(shard, next, expectedVersion); err != nil {
		// The backend re-checks under its lock; re-key its conflict so
		// callers see which key lost the race.
		var conflict *errors.VersionConflictError
		if errors.As(err, &conflict) && conflict.Key == "" {
			return 0, errors.NewVersionConflictError(key, conflict.Expected, conflict.Actual)
		}
		return 0, err
	}

	event := ContextEvent{
		EventID:       uuid.NewString(),
		SessionID:     s.sessionID,
		Timestamp:     now,
		Type:          eventType,
		Key:           key,
		NewValue:      cloneValuePtr(value),
		PrevValue:     prev,
		ResultingHash: next.DataHash(),
		Warning:       warning,
	}
	if s.journal != nil {
		if err := s.journal.Append(event); err != nil {
			log.ErrorLog.Printf("journal append failed for %s of %q: %v", eventType, key, err)
			return next.Version, fmt.Errorf("committed version %d but failed to journal the event: %w", next.Version, err)
		}
	}
	return next.Version, nil
}

// WriteWithRetry commits value under key, absorbing version conflicts. On
// each conflict it backs off, merges its intent with the winning state
// through the resolver, and retries at the winner's version. After the
// retry budget is spent the write is abandoned with a write-exhausted error
// and no partial effect.
func (s *Store) WriteWithRetry(ctx context.Context, key string, value Value) (int64, error) {
	if s.closed.Load() {
		return 0, errors.ErrStoreClosed
	}

	shard := shardFor(key, s.shards)
	snap, err := s.backend.Load(shard)
	if err != nil {
		return 0, err
	}

	candidate := value.Clone()
	expected := snap.Version
	eventType := EventUpdate
	warning := ""
	backoff := s.retryBackoff
	lastSeen := expected

	for attempt := 0; ; attempt++ {
		newVersion, err := s.commit(key, &candidate, expected, eventType, warning)
		if err == nil {
			return newVersion, nil
		}
		if !errors.IsConflict(err) {
			// A journal failure after a successful backend commit still
			// carries the committed version; pass it through so callers
			// know the write landed.
			return newVersion, err
		}

		var conflict *errors.VersionConflictError
		if errors.As(err, &conflict) {
			lastSeen = conflict.Actual
		}
		if attempt >= s.maxRetries {
			return 0, errors.NewWriteExhaustedError(key, attempt+1, lastSeen)
		}

		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2

		snap, err = s.backend.Load(shard)
		if err != nil {
			return 0, err
		}
		expected = snap.Version
		lastSeen = snap.Version

		stored, ok := snap.Data[key]
		if !ok {
			// The winner deleted the key; nothing to merge with, retry
			// the write as-is at the new version.
			continue
		}

		mineVal := candidate.Clone()
		storedVal := stored.Clone()
		mine := ContextEvent{
			EventID:   uuid.NewString(),
			SessionID: s.sessionID,
			Timestamp: time.Now().UnixNano(),
			Type:      EventUpdate,
			Key:       key,
			NewValue:  &mineVal,
		}
		theirs := ContextEvent{
			Timestamp: snap.UpdatedAt,
			Type:      EventUpdate,
			Key:       key,
			NewValue:  &storedVal,
		}
		resolved, rerr := s.resolver.Resolve(theirs, mine)
		if rerr != nil {
			return 0, rerr
		}
		if resolved.NewValue != nil {
			candidate = resolved.NewValue.Clone()
		}
		warning = resolved.Warning
		eventType = EventMerge
	}
}

// Snapshot returns a merged point-in-time view across all shards, suitable
// for checkpointing and inspection.
func (s *Store) Snapshot() (*ContextSnapshot, error) {
	if s.closed.Load() {
		return nil, errors.ErrStoreClosed
	}

	out := &ContextSnapshot{
		Data:          make(map[string]Value),
		ShardVersions: make([]int64, s.shards),
	}
	for shard := 0; shard < s.shards; shard++ {
		snap, err := s.backend.Load(shard)
		if err != nil {
			return nil, err
		}
		out.ShardVersions[shard] = snap.Version
		for k, v := range snap.Data {
			out.Data[k] = v.Clone()
		}
		if snap.UpdatedAt > out.UpdatedAt {
			out.UpdatedAt = snap.UpdatedAt
		}
		if shard == rootShard {
			out.Subscribers = append([]string(nil), snap.Subscribers...)
		}
	}
	return out, nil
}

// Subscribe adds sessionID to the subscriber roster. Idempotent.
func (s *Store) Subscribe(sessionID string) error {
	return s.updateRoster(sessionID, true)
}

// Unsubscribe removes sessionID from the subscriber roster. Idempotent.
func (s *Store) Unsubscribe(sessionID string) error {
	return s.updateRoster(sessionID, false)
}

// Subscribers returns the sessions currently registered with the store.
func (s *Store) Subscribers() ([]string, error) {
	if s.closed.Load() {
		return nil, errors.ErrStoreClosed
	}
	snap, err := s.backend.Load(rootShard)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), snap.Subscribers...), nil
}

func (s *Store) updateRoster(sessionID string, add bool) error {
	if s.closed.Load() {
		return errors.ErrStoreClosed
	}

	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		snap, err := s.backend.Load(rootShard)
		if err != nil {
			return err
		}

		roster := append([]string(nil), snap.Subscribers...)
		idx := sort.SearchStrings(roster, sessionID)
		present := idx < len(roster) && roster[idx] == sessionID
		if add == present {
			return nil
		}
		if add {
			roster = append(roster, "")
			copy(roster[idx+1:], roster[idx:])
			roster[idx] = sessionID
		} else {
			roster = append(roster[:idx], roster[idx+1:]...)
		}

		next := snap.Clone()
		next.Subscribers = roster
		next.Version = snap.Version + 1
		next.UpdatedAt = time.Now().UnixNano()

		err = s.backend.Store(rootShard, next, snap.Version)
		if err == nil {
			return nil
		}
		if !errors.IsConflict(err) {
			return err
		}
		time.Sleep(s.retryBackoff)
	}
	return errors.NewWriteExhaustedError("subscribers", s.maxRetries+1, 0)
}

// Close marks the store unusable and releases the backend.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.backend.Close()
}

// ContextSnapshot is a merged read-only view of every shard.
type ContextSnapshot struct {
	Data          map[string]Value `json:"data"`
	ShardVersions []int64          `json:"shard_versions"`
	Subscribers   []string         `json:"subscribers,omitempty"`
	// UpdatedAt is UnixNano of the newest shard mutation.
	UpdatedAt int64 `json:"last_updated"`
}

// DataHash returns the sha256 hex digest of the merged view in canonical
// key order.
func (cs *ContextSnapshot) DataHash() string {
	snap := Snapshot{Data: cs.Data}
	return snap.DataHash()
}

func cloneValuePtr(v *Value) *Value {
	if v == nil {
		return nil
	}
	c := v.Clone()
	return &c
}
