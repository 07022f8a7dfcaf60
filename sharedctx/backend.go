package sharedctx

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/waggleworks/waggle/errors"
)

var (
	errSnapshotRoundTrip = errors.New("snapshot failed round-trip validation")
	errChecksumMismatch  = errors.New("snapshot checksum mismatch")
)

// Snapshot is the persisted state of a single shard. Version starts at 0 for
// a shard that has never been written and increments by exactly one on every
// committed mutation.
type Snapshot struct {
	Version     int64            `json:"version"`
	Data        map[string]Value `json:"data"`
	Subscribers []string         `json:"subscribers,omitempty"`
	// UpdatedAt is UnixNano of the last committed mutation.
	UpdatedAt int64 `json:"last_updated"`
}

// NewSnapshot returns an empty shard snapshot at version 0.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Version: 0,
		Data:    make(map[string]Value),
	}
}

// Clone deep-copies the snapshot so callers can build a candidate state
// without mutating the loaded one.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		Version:   s.Version,
		Data:      make(map[string]Value, len(s.Data)),
		UpdatedAt: s.UpdatedAt,
	}
	for k, v := range s.Data {
		out.Data[k] = v.Clone()
	}
	if s.Subscribers != nil {
		out.Subscribers = append([]string(nil), s.Subscribers...)
	}
	return out
}

// DataHash returns the sha256 hex digest of the shard's data in canonical
// key order. Two shards with equal contents hash identically regardless of
// the mutation order that produced them.
func (s *Snapshot) DataHash() string {
	keys := make([]string, 0, len(s.Data))
	for k := range s.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(s.Data[k].Canonical()))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Backend persists shard snapshots with compare-and-swap semantics.
//
// Store must atomically verify that the persisted version still equals
// expectedVersion before committing snap, and return a version conflict
// error otherwise. Load must never observe a partially written snapshot.
type Backend interface {
	// Load returns the current snapshot for the shard. A shard that has
	// never been stored loads as an empty snapshot at version 0.
	Load(shard int) (*Snapshot, error)

	// Store commits snap if and only if the persisted version still equals
	// expectedVersion. The conflict check and the write are a single
	// atomic step with respect to other writers, in-process or not.
	Store(shard int, snap *Snapshot, expectedVersion int64) error

	// Close releases any held resources. The backend is unusable afterward.
	Close() error
}

// snapshotEnvelope wraps a serialized snapshot with an integrity checksum so
// torn or bit-rotted files are detected on load instead of being trusted.
type snapshotEnvelope struct {
	Checksum string          `json:"checksum"`
	Payload  json.RawMessage `json:"payload"`
}

func payloadChecksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// encodeSnapshot serializes snap into a checksummed envelope. The payload is
// decoded back and re-encoded before anything touches disk; a mismatch means
// the snapshot does not survive its own round trip and must not be written.
func encodeSnapshot(snap *Snapshot) ([]byte, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return nil, err
	}

	var check Snapshot
	if err := json.Unmarshal(payload, &check); err != nil {
		return nil, err
	}
	again, err := json.Marshal(&check)
	if err != nil {
		return nil, err
	}
	if string(again) != string(payload) {
		return nil, errSnapshotRoundTrip
	}

	return json.MarshalIndent(snapshotEnvelope{
		Checksum: payloadChecksum(payload),
		Payload:  payload,
	}, "", "  ")
}

// decodeSnapshot parses and verifies a checksummed envelope.
func decodeSnapshot(data []byte) (*Snapshot, error) {
	var env snapshotEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	// MarshalIndent re-indents the embedded payload on write, so compact it
	// back before comparing against the checksum of the compact form.
	var compact bytes.Buffer
	if err := json.Compact(&compact, env.Payload); err != nil {
		return nil, err
	}
	if env.Checksum != payloadChecksum(compact.Bytes()) {
		return nil, errChecksumMismatch
	}
	var snap Snapshot
	if err := json.Unmarshal(env.Payload, &snap); err != nil {
		return nil, err
	}
	if snap.Data == nil {
		snap.Data = make(map[string]Value)
	}
	return &snap, nil
}
