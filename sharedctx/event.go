package sharedctx

// Context event types. The set is closed; merge events are produced by the
// conflict resolver, never by callers directly.
const (
	EventUpdate = "update"
	EventDelete = "delete"
	EventMerge  = "merge"
)

// ContextEvent is the append-only record of one context mutation. Events are
// totally ordered by (Timestamp, EventID) and never mutated after creation.
type ContextEvent struct {
	EventID   string `json:"event_id"`
	SessionID string `json:"session_id"`
	// Timestamp is UnixNano at mutation time.
	Timestamp int64  `json:"timestamp"`
	Type      string `json:"type"`
	Key       string `json:"key"`
	// NewValue is nil for delete events.
	NewValue *Value `json:"new_value,omitempty"`
	// PrevValue is nil when the key did not exist before.
	PrevValue *Value `json:"previous_value,omitempty"`
	// ResultingHash is the hash of the owning shard's data after this event.
	ResultingHash string `json:"resulting_hash,omitempty"`
	// Warning is set when the resolver had to merge mismatched value types.
	Warning string `json:"warning,omitempty"`
}

// Before reports whether e precedes other in the (Timestamp, EventID) total
// order.
func (e ContextEvent) Before(other ContextEvent) bool {
	if e.Timestamp != other.Timestamp {
		return e.Timestamp < other.Timestamp
	}
	return e.EventID < other.EventID
}

// Journal receives every committed mutation. The event log implements it;
// tests substitute an in-memory sink.
type Journal interface {
	Append(event ContextEvent) error
}
