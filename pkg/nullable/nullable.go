// Package nullable distinguishes "field absent", "field explicitly null",
// and "field set to a value" on JSON-decoded PATCH-style payloads, which
// the group engine needs for mutable-metadata updates (§3 Group: mutable
// metadata) where "clear the description" and "leave it alone" are
// different requests.
package nullable

import (
	"bytes"
	"encoding/json"
)

// Nullable wraps a value that may be absent, explicitly null, or present.
type Nullable[T any] struct {
	Value  T
	IsSet  bool // the key was present in the JSON object
	IsNull bool // the key was present and its value was JSON null
}

// UnmarshalJSON implements json.Unmarshaler.
func (n *Nullable[T]) UnmarshalJSON(data []byte) error {
	n.IsSet = true

	if bytes.Equal(data, []byte("null")) {
		n.IsNull = true
		return nil
	}

	return json.Unmarshal(data, &n.Value)
}

// MarshalJSON implements json.Marshaler.
func (n Nullable[T]) MarshalJSON() ([]byte, error) {
	if n.IsNull || !n.IsSet {
		return []byte("null"), nil
	}

	return json.Marshal(n.Value)
}

// ShouldUpdate reports whether the caller asked for a change at all: the
// field was present in the request, whether to clear it or to set it.
func (n Nullable[T]) ShouldUpdate() bool {
	return n.IsSet
}
