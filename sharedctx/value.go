package sharedctx

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Value kinds. The set is closed: every stored value is exactly one of these.
const (
	KindScalar = "scalar"
	KindList   = "list"
	KindMap    = "map"
)

// Value is the tagged variant stored under every context key. Exactly one of
// the payload fields is meaningful, selected by Kind.
type Value struct {
	Kind   string
	Scalar string
	List   []Value
	Map    map[string]Value
}

// taggedValue is the wire form: a type tag plus the payload for that type.
type taggedValue struct {
	Type    string           `json:"type"`
	Value   *string          `json:"value,omitempty"`
	Items   []Value          `json:"items,omitempty"`
	Entries map[string]Value `json:"entries,omitempty"`
}

// NewScalar returns a scalar Value.
func NewScalar(s string) Value {
	return Value{Kind: KindScalar, Scalar: s}
}

// NewList returns a list Value holding the given elements.
func NewList(items ...Value) Value {
	return Value{Kind: KindList, List: items}
}

// NewMap returns a map Value holding the given entries.
func NewMap(entries map[string]Value) Value {
	if entries == nil {
		entries = map[string]Value{}
	}
	return Value{Kind: KindMap, Map: entries}
}

// MarshalJSON serializes the value with a type tag.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.Kind {
	case KindScalar:
		s := v.Scalar
		return json.Marshal(taggedValue{Type: KindScalar, Value: &s})
	case KindList:
		items := v.List
		if items == nil {
			items = []Value{}
		}
		return json.Marshal(taggedValue{Type: KindList, Items: items})
	case KindMap:
		entries := v.Map
		if entries == nil {
			entries = map[string]Value{}
		}
		return json.Marshal(taggedValue{Type: KindMap, Entries: entries})
	default:
		return nil, fmt.Errorf("unknown value kind for serialization: %q", v.Kind)
	}
}

// UnmarshalJSON deserializes a type-tagged value.
func (v *Value) UnmarshalJSON(data []byte) error {
	var tagged taggedValue
	if err := json.Unmarshal(data, &tagged); err != nil {
		return err
	}

	switch tagged.Type {
	case KindScalar:
		if tagged.Value == nil {
			*v = NewScalar("")
			return nil
		}
		*v = NewScalar(*tagged.Value)
	case KindList:
		items := tagged.Items
		if items == nil {
			items = []Value{}
		}
		*v = Value{Kind: KindList, List: items}
	case KindMap:
		entries := tagged.Entries
		if entries == nil {
			entries = map[string]Value{}
		}
		*v = Value{Kind: KindMap, Map: entries}
	default:
		return fmt.Errorf("unknown value type tag: %q", tagged.Type)
	}
	return nil
}

// Canonical returns a deterministic encoding of the value, used for
// de-duplication and equality. Map keys are emitted in sorted order.
func (v Value) Canonical() string {
	var sb bytes.Buffer
	v.writeCanonical(&sb)
	return sb.String()
}

func (v Value) writeCanonical(sb *bytes.Buffer) {
	switch v.Kind {
	case KindScalar:
		sb.WriteString("s:")
		b, _ := json.Marshal(v.Scalar)
		sb.Write(b)
	case KindList:
		sb.WriteString("l:[")
		for i, item := range v.List {
			if i > 0 {
				sb.WriteByte(',')
			}
			item.writeCanonical(sb)
		}
		sb.WriteByte(']')
	case KindMap:
		sb.WriteString("m:{")
		keys := make([]string, 0, len(v.Map))
		for k := range v.Map {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			kb, _ := json.Marshal(k)
			sb.Write(kb)
			sb.WriteByte(':')
			v.Map[k].writeCanonical(sb)
		}
		sb.WriteByte('}')
	default:
		sb.WriteString("?:")
		sb.WriteString(v.Kind)
	}
}

// Equal reports whether two values are structurally identical.
func (v Value) Equal(other Value) bool {
	return v.Canonical() == other.Canonical()
}

// Clone returns a deep copy. Stored values are cloned on read and write so
// callers can never alias the store's internal state.
func (v Value) Clone() Value {
	switch v.Kind {
	case KindList:
		items := make([]Value, len(v.List))
		for i, item := range v.List {
			items[i] = item.Clone()
		}
		return Value{Kind: KindList, List: items}
	case KindMap:
		entries := make(map[string]Value, len(v.Map))
		for k, e := range v.Map {
			entries[k] = e.Clone()
		}
		return Value{Kind: KindMap, Map: entries}
	default:
		return v
	}
}

// String renders a compact human-readable form for logs and CLI output.
func (v Value) String() string {
	switch v.Kind {
	case KindScalar:
		return v.Scalar
	case KindList:
		parts := make([]string, len(v.List))
		for i, item := range v.List {
			parts[i] = item.String()
		}
		b, _ := json.Marshal(parts)
		return string(b)
	case KindMap:
		b, _ := json.Marshal(v.Map)
		return string(b)
	default:
		return fmt.Sprintf("<%s>", v.Kind)
	}
}
