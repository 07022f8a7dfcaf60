package sharedctx

import (
	"fmt"
)

// Resolver deterministically merges two concurrent events on the same key.
// Both orders of the same pair produce the same result, so sessions that
// resolve independently converge without coordination.
//
// Ties on equal timestamps are broken by session id: the lexically greater id
// wins. Timestamps are wall clock; all sessions share one host, so skew is
// bounded by local clock adjustments and the tiebreak keeps the outcome
// deterministic either way.
type Resolver struct{}

// Resolve merges two concurrent events for the same key into a single merge
// event. The result is identical for Resolve(a, b) and Resolve(b, a).
func (Resolver) Resolve(a, b ContextEvent) (ContextEvent, error) {
	if a.Key != b.Key {
		return ContextEvent{}, fmt.Errorf("cannot resolve events for different keys: %q vs %q", a.Key, b.Key)
	}

	// Canonical order: first precedes second by (timestamp, session id,
	// event id). "Later wins" decisions always favor second.
	first, second := a, b
	if eventAfter(a, b) {
		first, second = b, a
	}

	merged, warning := mergeEventValues(first, second)

	resolved := ContextEvent{
		EventID:   mergeEventID(first, second),
		SessionID: second.SessionID,
		Timestamp: second.Timestamp,
		Type:      EventMerge,
		Key:       a.Key,
		NewValue:  merged,
		Warning:   warning,
	}
	return resolved, nil
}

// eventAfter reports whether a should order after b: later timestamp, then
// greater session id, then greater event id.
func eventAfter(a, b ContextEvent) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp > b.Timestamp
	}
	if a.SessionID != b.SessionID {
		return a.SessionID > b.SessionID
	}
	return a.EventID > b.EventID
}

// mergeEventID builds a deterministic id for the merge of two events, so
// algebra over resolved events (chained resolves) is order-independent. The
// store assigns a fresh unique id before journaling.
func mergeEventID(first, second ContextEvent) string {
	return "merge(" + first.EventID + "+" + second.EventID + ")"
}

// mergeEventValues merges the payloads of two canonically-ordered events.
// Deletes (nil NewValue) are resolved by pure last-write-wins.
func mergeEventValues(first, second ContextEvent) (*Value, string) {
	if first.NewValue == nil || second.NewValue == nil {
		v := second.NewValue
		if v != nil {
			c := v.Clone()
			v = &c
		}
		return v, ""
	}

	merged, mismatch := mergeValues(*first.NewValue, *second.NewValue)
	var warning string
	if mismatch {
		warning = fmt.Sprintf("type mismatch merging %s and %s; later write kept",
			first.NewValue.Kind, second.NewValue.Kind)
	}
	return &merged, warning
}

// mergeValues applies the per-kind policy to a canonically-ordered pair.
// second wins scalar conflicts. Returns the merged value and whether a type
// mismatch was encountered anywhere in the merge.
func mergeValues(first, second Value) (Value, bool) {
	if first.Kind != second.Kind {
		// Mismatched types fall back to the scalar rule on the whole values.
		return second.Clone(), true
	}

	switch first.Kind {
	case KindScalar:
		return second.Clone(), false
	case KindList:
		return mergeLists(first, second), false
	case KindMap:
		return mergeMaps(first, second)
	default:
		return second.Clone(), true
	}
}

// mergeLists unions two lists: first's elements keep their order, then
// second's elements not already present, de-duplicated by canonical encoding.
func mergeLists(first, second Value) Value {
	seen := make(map[string]struct{}, len(first.List)+len(second.List))
	items := make([]Value, 0, len(first.List)+len(second.List))

	for _, item := range first.List {
		c := item.Canonical()
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		items = append(items, item.Clone())
	}
	for _, item := range second.List {
		c := item.Canonical()
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		items = append(items, item.Clone())
	}

	return Value{Kind: KindList, List: items}
}

// mergeMaps merges two maps key-wise; entries present in both recurse into
// the applicable rule.
func mergeMaps(first, second Value) (Value, bool) {
	entries := make(map[string]Value, len(first.Map)+len(second.Map))
	mismatch := false

	for k, fv := range first.Map {
		if sv, both := second.Map[k]; both {
			merged, m := mergeValues(fv, sv)
			entries[k] = merged
			mismatch = mismatch || m
			continue
		}
		entries[k] = fv.Clone()
	}
	for k, sv := range second.Map {
		if _, both := first.Map[k]; !both {
			entries[k] = sv.Clone()
		}
	}

	return Value{Kind: KindMap, Map: entries}, mismatch
}
