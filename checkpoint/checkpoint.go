// Package checkpoint persists per-session state snapshots for crash
// recovery. Each snapshot is written as its own sequence-numbered file with
// an embedded integrity hash, so recovery can walk backward through history
// and skip generations that did not survive intact.
package checkpoint

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/waggleworks/waggle/config"
	"github.com/waggleworks/waggle/errors"
	"github.com/waggleworks/waggle/log"
)

// ErrCorrupt marks a checkpoint whose payload no longer hashes to the value
// recorded at save time.
var ErrCorrupt = errors.New("checkpoint payload does not match its hash")

const (
	checkpointExt    = ".ckpt"
	recoveryFileName = "recovery.json"
)

// Checkpoint is one saved snapshot of a session's state. Payload is opaque
// JSON owned by the caller; Hash is the sha256 hex digest of the exact
// payload bytes on disk.
type Checkpoint struct {
	SessionID string          `json:"session_id"`
	Seq       int64           `json:"seq"`
	CreatedAt time.Time       `json:"created_at"`
	Hash      string          `json:"sha256"`
	Payload   json.RawMessage `json:"payload"`
}

// Validate recomputes the payload digest and compares it to the recorded
// hash.
func (c *Checkpoint) Validate() error {
	sum := sha256.Sum256(c.Payload)
	if hex.EncodeToString(sum[:]) != c.Hash {
		return fmt.Errorf("checkpoint %d for session %s: %w", c.Seq, c.SessionID, ErrCorrupt)
	}
	return nil
}

// RecoveryRecord documents the outcome of one recovery pass.
type RecoveryRecord struct {
	SessionID    string    `json:"session_id"`
	RecoveredSeq int64     `json:"recovered_seq"`
	CorruptSeqs  []int64   `json:"corrupt_seqs,omitempty"`
	RecoveredAt  time.Time `json:"recovered_at"`
}

// Store reads and writes checkpoints under a base directory, one
// subdirectory per session.
type Store struct {
	baseDir   string
	retention int
}

// NewStore returns a checkpoint store rooted at baseDir. retention is the
// number of newest checkpoints kept per session; values below 1 disable
// pruning.
func NewStore(baseDir string, retention int) *Store {
	return &Store{baseDir: baseDir, retention: retention}
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.baseDir, sessionID)
}

func (s *Store) checkpointPath(sessionID string, seq int64) string {
	return filepath.Join(s.sessionDir(sessionID), fmt.Sprintf("%d%s", seq, checkpointExt))
}

// Save persists payload as the session's next checkpoint and prunes old
// generations past the retention limit. The payload is compacted before
// hashing so the digest always covers the exact bytes stored.
func (s *Store) Save(sessionID string, payload []byte) (*Checkpoint, error) {
	if !json.Valid(payload) {
		return nil, fmt.Errorf("checkpoint payload for session %s is not valid JSON", sessionID)
	}
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, payload); err != nil {
		return nil, fmt.Errorf("failed to compact checkpoint payload: %w", err)
	}

	dir := s.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	seqs, err := s.List(sessionID)
	if err != nil {
		return nil, err
	}
	var next int64 = 1
	if len(seqs) > 0 {
		next = seqs[0] + 1
	}

	sum := sha256.Sum256(compacted.Bytes())
	ckpt := &Checkpoint{
		SessionID: sessionID,
		Seq:       next,
		CreatedAt: time.Now(),
		Hash:      hex.EncodeToString(sum[:]),
		Payload:   json.RawMessage(compacted.Bytes()),
	}

	data, err := json.Marshal(ckpt)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := config.AtomicWriteFile(s.checkpointPath(sessionID, next), data, 0644); err != nil {
		return nil, fmt.Errorf("failed to write checkpoint: %w", err)
	}

	if err := s.Prune(sessionID); err != nil {
		log.WarningLog.Printf("failed to prune checkpoints for session %s: %v", sessionID, err)
	}
	return ckpt, nil
}

// List returns the session's checkpoint sequence numbers, newest first.
func (s *Store) List(sessionID string) ([]int64, error) {
	entries, err := os.ReadDir(s.sessionDir(sessionID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	var seqs []int64
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, checkpointExt) {
			continue
		}
		seq, err := strconv.ParseInt(strings.TrimSuffix(name, checkpointExt), 10, 64)
		if err != nil {
			continue
		}
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] > seqs[j] })
	return seqs, nil
}

// Load reads and validates one checkpoint.
func (s *Store) Load(sessionID string, seq int64) (*Checkpoint, error) {
	data, err := os.ReadFile(s.checkpointPath(sessionID, seq))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("checkpoint %d for session %s: %w", seq, sessionID, errors.ErrCheckpointNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var ckpt Checkpoint
	if err := json.Unmarshal(data, &ckpt); err != nil {
		return nil, fmt.Errorf("checkpoint %d for session %s failed to decode: %w", seq, sessionID, ErrCorrupt)
	}
	if err := ckpt.Validate(); err != nil {
		return nil, err
	}
	return &ckpt, nil
}

// Latest loads the newest checkpoint, valid or not; the error reports
// which. A session with no checkpoints returns the not-found sentinel.
func (s *Store) Latest(sessionID string) (*Checkpoint, error) {
	seqs, err := s.List(sessionID)
	if err != nil {
		return nil, err
	}
	if len(seqs) == 0 {
		return nil, fmt.Errorf("session %s has no checkpoints: %w", sessionID, errors.ErrCheckpointNotFound)
	}
	return s.Load(sessionID, seqs[0])
}

// LatestValid scans newest-first and returns the first checkpoint that
// passes validation, along with the corrupt sequence numbers it skipped.
// When nothing validates it fails with a no-valid-checkpoint error carrying
// the scan accounting.
func (s *Store) LatestValid(sessionID string) (*Checkpoint, []int64, error) {
	seqs, err := s.List(sessionID)
	if err != nil {
		return nil, nil, err
	}

	var corrupt []int64
	for _, seq := range seqs {
		ckpt, err := s.Load(sessionID, seq)
		if err != nil {
			if errors.Is(err, ErrCorrupt) {
				log.WarningLog.Printf("skipping corrupt checkpoint %d for session %s", seq, sessionID)
				corrupt = append(corrupt, seq)
				continue
			}
			// Pruned between listing and loading.
			if errors.Is(err, errors.ErrCheckpointNotFound) {
				continue
			}
			return nil, nil, err
		}
		return ckpt, corrupt, nil
	}
	return nil, corrupt, errors.NewNoValidCheckpointError(sessionID, len(seqs), len(corrupt))
}

// Prune removes checkpoints older than the retention window.
func (s *Store) Prune(sessionID string) error {
	if s.retention < 1 {
		return nil
	}
	seqs, err := s.List(sessionID)
	if err != nil {
		return err
	}
	for _, seq := range seqs[minInt(s.retention, len(seqs)):] {
		if err := os.Remove(s.checkpointPath(sessionID, seq)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove checkpoint %d: %w", seq, err)
		}
	}
	return nil
}

// Delete removes every checkpoint and the recovery record for a session.
func (s *Store) Delete(sessionID string) error {
	if err := os.RemoveAll(s.sessionDir(sessionID)); err != nil {
		return fmt.Errorf("failed to delete checkpoints for session %s: %w", sessionID, err)
	}
	return nil
}

// SaveRecoveryRecord persists the record next to the session's checkpoints.
func (s *Store) SaveRecoveryRecord(rec *RecoveryRecord) error {
	dir := s.sessionDir(rec.SessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal recovery record: %w", err)
	}
	if err := config.AtomicWriteFile(filepath.Join(dir, recoveryFileName), data, 0644); err != nil {
		return fmt.Errorf("failed to write recovery record: %w", err)
	}
	return nil
}

// LoadRecoveryRecord returns the session's last recovery record, or nil when
// the session has never been recovered.
func (s *Store) LoadRecoveryRecord(sessionID string) (*RecoveryRecord, error) {
	data, err := os.ReadFile(filepath.Join(s.sessionDir(sessionID), recoveryFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read recovery record: %w", err)
	}
	var rec RecoveryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to parse recovery record: %w", err)
	}
	return &rec, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
