package sharedctx

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/waggleworks/waggle/config"
	"github.com/waggleworks/waggle/errors"
	"github.com/waggleworks/waggle/log"
)

// FileBackend persists each shard as a checksummed JSON file with a chain of
// rotated backups. The compare-and-swap window in Store is guarded by a
// per-shard advisory file lock so writers in other processes serialize with
// us; readers stay lock-free because the live file is only ever replaced by
// atomic rename.
type FileBackend struct {
	dir       string
	retention int

	mu    []sync.Mutex
	locks []*flock.Flock
}

// NewFileBackend creates the context directory if needed and returns a
// backend for the given shard count. backupRetention is the number of
// previous snapshot generations kept per shard; zero disables backups.
func NewFileBackend(dir string, shards, backupRetention int) (*FileBackend, error) {
	if shards < 1 {
		shards = 1
	}
	if backupRetention < 0 {
		backupRetention = 0
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create context directory: %w", err)
	}

	b := &FileBackend{
		dir:       dir,
		retention: backupRetention,
		mu:        make([]sync.Mutex, shards),
		locks:     make([]*flock.Flock, shards),
	}
	for i := range b.locks {
		b.locks[i] = flock.New(filepath.Join(dir, fmt.Sprintf("shard-%d.lock", i)))
	}
	return b, nil
}

func (b *FileBackend) shardPath(shard int) string {
	return filepath.Join(b.dir, fmt.Sprintf("context-%d.json", shard))
}

func (b *FileBackend) backupPath(shard, generation int) string {
	return fmt.Sprintf("%s.bak.%d", b.shardPath(shard), generation)
}

// Load returns the shard's current snapshot. An unreadable or corrupt live
// file falls back to the newest backup generation that still validates; a
// shard with no readable state at all is a critical corruption error.
func (b *FileBackend) Load(shard int) (*Snapshot, error) {
	if shard < 0 || shard >= len(b.locks) {
		return nil, fmt.Errorf("shard %d out of range [0,%d)", shard, len(b.locks))
	}
	snap, _, err := b.readShard(shard)
	return snap, err
}

// readShard loads and validates the shard state. The second return value is
// the raw bytes of the live file when, and only when, the live file itself
// validated; backup recovery and fresh shards return nil raw bytes so the
// caller never rotates a bad generation into the backup chain.
func (b *FileBackend) readShard(shard int) (*Snapshot, []byte, error) {
	path := b.shardPath(shard)

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		snap, derr := decodeSnapshot(raw)
		if derr == nil {
			return snap, raw, nil
		}
		err = derr
	case os.IsNotExist(err):
		if !b.hasBackups(shard) {
			return NewSnapshot(), nil, nil
		}
		err = fmt.Errorf("snapshot missing with backups present")
	}

	tried := 0
	for gen := 1; gen <= b.retention; gen++ {
		braw, berr := os.ReadFile(b.backupPath(shard, gen))
		if os.IsNotExist(berr) {
			continue
		}
		tried++
		if berr != nil {
			continue
		}
		snap, derr := decodeSnapshot(braw)
		if derr != nil {
			continue
		}
		log.WarningLog.Printf("shard %d unreadable (%v), recovered from backup generation %d at version %d",
			shard, err, gen, snap.Version)
		return snap, nil, nil
	}

	return nil, nil, errors.NewCorruptContextStateError(path, tried, err)
}

func (b *FileBackend) hasBackups(shard int) bool {
	for gen := 1; gen <= b.retention; gen++ {
		if _, err := os.Stat(b.backupPath(shard, gen)); err == nil {
			return true
		}
	}
	return false
}

// Store commits snap if the persisted shard version still equals
// expectedVersion. The check and the replace happen under the shard's file
// lock, so no other writer can slip a commit between them. The previous live
// file becomes backup generation 1 before the replace.
func (b *FileBackend) Store(shard int, snap *Snapshot, expectedVersion int64) error {
	if shard < 0 || shard >= len(b.locks) {
		return fmt.Errorf("shard %d out of range [0,%d)", shard, len(b.locks))
	}

	b.mu[shard].Lock()
	defer b.mu[shard].Unlock()

	if err := b.locks[shard].Lock(); err != nil {
		return fmt.Errorf("failed to lock shard %d: %w", shard, err)
	}
	defer func() {
		if err := b.locks[shard].Unlock(); err != nil {
			log.ErrorLog.Printf("failed to unlock shard %d: %v", shard, err)
		}
	}()

	current, liveRaw, err := b.readShard(shard)
	if err != nil {
		return err
	}
	if current.Version != expectedVersion {
		return errors.NewVersionConflictError("", expectedVersion, current.Version)
	}

	encoded, err := encodeSnapshot(snap)
	if err != nil {
		return fmt.Errorf("failed to encode shard %d: %w", shard, err)
	}

	if liveRaw != nil && b.retention > 0 {
		if err := b.rotateBackups(shard, liveRaw); err != nil {
			return fmt.Errorf("failed to rotate backups for shard %d: %w", shard, err)
		}
	}

	if err := config.AtomicWriteFile(b.shardPath(shard), encoded, 0644); err != nil {
		return fmt.Errorf("failed to write shard %d: %w", shard, err)
	}
	return nil
}

// rotateBackups slides existing generations up by one, dropping the oldest,
// and installs the current live bytes as generation 1.
func (b *FileBackend) rotateBackups(shard int, liveRaw []byte) error {
	if err := os.Remove(b.backupPath(shard, b.retention)); err != nil && !os.IsNotExist(err) {
		return err
	}
	for gen := b.retention - 1; gen >= 1; gen-- {
		src := b.backupPath(shard, gen)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, b.backupPath(shard, gen+1)); err != nil {
			return err
		}
	}
	return config.AtomicWriteFile(b.backupPath(shard, 1), liveRaw, 0644)
}

// Close releases backend resources. File locks are only held for the
// duration of a Store call, so there is nothing to tear down.
func (b *FileBackend) Close() error {
	return nil
}
