// ABOUTME: Ordered JSON object type for id-keyed record tables
// ABOUTME: Preserves insertion order across decode, encode and iteration

package store

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Table is a JSON object of records keyed by id. Unlike a Go map it remembers
// the order keys were first inserted (or appeared in the decoded document), so
// iteration and re-encoding are deterministic.
type Table[T any] struct {
	keys []string
	rows map[string]T
}

// NewTable returns an empty table.
func NewTable[T any]() *Table[T] {
	return &Table[T]{rows: make(map[string]T)}
}

// Len returns the number of records.
func (t *Table[T]) Len() int {
	return len(t.keys)
}

// Get returns the record stored under id.
func (t *Table[T]) Get(id string) (T, bool) {
	v, ok := t.rows[id]
	return v, ok
}

// Has reports whether id is present.
func (t *Table[T]) Has(id string) bool {
	_, ok := t.rows[id]
	return ok
}

// Set inserts or replaces the record under id. Replacing keeps the original position.
func (t *Table[T]) Set(id string, v T) {
	if t.rows == nil {
		t.rows = make(map[string]T)
	}
	if _, exists := t.rows[id]; !exists {
		t.keys = append(t.keys, id)
	}
	t.rows[id] = v
}

// Keys returns ids in insertion order.
func (t *Table[T]) Keys() []string {
	out := make([]string, len(t.keys))
	copy(out, t.keys)
	return out
}

// Range calls fn for each record in insertion order until fn returns false.
func (t *Table[T]) Range(fn func(id string, v T) bool) {
	for _, k := range t.keys {
		if !fn(k, t.rows[k]) {
			return
		}
	}
}

// Filter returns the records for which keep returns true, in insertion order.
func (t *Table[T]) Filter(keep func(v T) bool) []T {
	out := make([]T, 0)
	for _, k := range t.keys {
		if v := t.rows[k]; keep(v) {
			out = append(out, v)
		}
	}
	return out
}

// MarshalJSON encodes the table as a JSON object in insertion order.
func (t *Table[T]) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range t.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(t.rows[k])
		if err != nil {
			return nil, fmt.Errorf("encoding %s: %w", k, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes a JSON object, keeping key order. null decodes as empty.
// Duplicate keys keep the first position and the last value.
func (t *Table[T]) UnmarshalJSON(data []byte) error {
	t.keys = nil
	t.rows = make(map[string]T)

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		return nil
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("expected JSON object, got %v", tok)
	}

	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return fmt.Errorf("expected object key, got %v", tok)
		}
		var v T
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("decoding %s: %w", key, err)
		}
		t.Set(key, v)
	}

	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}
