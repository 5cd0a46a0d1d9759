// Copyright (c) 2026 The guppi-daq Authors
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package card

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidKey   = errors.New("card key must be 1-8 characters of A-Z, 0-9, '_' or '-'")
	ErrCardOverflow = errors.New("encoded card exceeds 80 bytes")
	ErrKeyNotFound  = errors.New("key not found")
)

// MaxKeyLen is the width of the key field.
const MaxKeyLen = 8

// Entry is one key/value/comment triple.
type Entry struct {
	Key     string `json:"key"`
	Value   Value  `json:"value"`
	Comment string `json:"comment,omitempty"`
}

// Table is an ordered key/value table with unique keys. New keys are
// appended; updates keep the key's position. The zero Table is empty and
// ready to use.
type Table struct {
	entries []Entry
	index   map[string]int
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{index: make(map[string]int)}
}

// NormalizeKey upper-cases and validates a key.
func NormalizeKey(key string) (string, error) {
	key = strings.ToUpper(strings.TrimSpace(key))
	if len(key) == 0 || len(key) > MaxKeyLen {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for i := 0; i < len(key); i++ {
		c := key[i]
		if (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			continue
		}
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	if key == endKey {
		return "", fmt.Errorf("%w: %q is reserved", ErrInvalidKey, key)
	}
	return key, nil
}

// Update upserts key. When comment is omitted an existing comment is kept;
// when given it replaces the old one. The entry is rejected if its card
// would not fit in 80 bytes.
func (t *Table) Update(key string, v Value, comment ...string) error {
	key, err := NormalizeKey(key)
	if err != nil {
		return err
	}
	if err := v.Validate(); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}

	e := Entry{Key: key, Value: v}
	i, exists := t.index[key]
	if exists {
		e.Comment = t.entries[i].Comment
	}
	if len(comment) > 0 {
		e.Comment = strings.TrimSpace(strings.Join(comment, " "))
		if !printable(e.Comment) {
			return fmt.Errorf("%s: %w: non-printable comment", key, ErrInvalidValue)
		}
	}
	if _, err := formatCard(e); err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}

	if exists {
		t.entries[i] = e
		return nil
	}
	if t.index == nil {
		t.index = make(map[string]int)
	}
	t.index[key] = len(t.entries)
	t.entries = append(t.entries, e)
	return nil
}

func printable(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// MustUpdate is Update for values known to be valid at compile time.
func (t *Table) MustUpdate(key string, v Value, comment ...string) {
	if err := t.Update(key, v, comment...); err != nil {
		panic(err)
	}
}

// Delete removes key. It reports whether the key was present.
func (t *Table) Delete(key string) bool {
	key = strings.ToUpper(strings.TrimSpace(key))
	i, ok := t.index[key]
	if !ok {
		return false
	}
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	delete(t.index, key)
	for j := i; j < len(t.entries); j++ {
		t.index[t.entries[j].Key] = j
	}
	return true
}

// Len returns the number of entries.
func (t *Table) Len() int { return len(t.entries) }

// Get returns the value stored under key.
func (t *Table) Get(key string) (Value, bool) {
	e, ok := t.Entry(key)
	return e.Value, ok
}

// Entry returns the full entry stored under key.
func (t *Table) Entry(key string) (Entry, bool) {
	i, ok := t.index[strings.ToUpper(strings.TrimSpace(key))]
	if !ok {
		return Entry{}, false
	}
	return t.entries[i], true
}

// Int returns an integer entry.
func (t *Table) Int(key string) (int64, bool) {
	v, ok := t.Get(key)
	if !ok {
		return 0, false
	}
	return v.AsInt()
}

// Float returns a numeric entry as float64.
func (t *Table) Float(key string) (float64, bool) {
	v, ok := t.Get(key)
	if !ok {
		return 0, false
	}
	return v.AsFloat()
}

// Bool returns a boolean entry.
func (t *Table) Bool(key string) (bool, bool) {
	v, ok := t.Get(key)
	if !ok {
		return false, false
	}
	return v.AsBool()
}

// Str returns a string entry.
func (t *Table) Str(key string) (string, bool) {
	v, ok := t.Get(key)
	if !ok {
		return "", false
	}
	return v.AsString()
}

// Keys returns the keys in table order.
func (t *Table) Keys() []string {
	keys := make([]string, len(t.entries))
	for i, e := range t.entries {
		keys[i] = e.Key
	}
	return keys
}

// Entries returns a copy of the entries in table order.
func (t *Table) Entries() []Entry {
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Clone returns a deep copy.
func (t *Table) Clone() *Table {
	c := &Table{
		entries: make([]Entry, len(t.entries)),
		index:   make(map[string]int, len(t.entries)),
	}
	copy(c.entries, t.entries)
	for k, v := range t.index {
		c.index[k] = v
	}
	return c
}

// Equal reports whether both tables hold the same entries in the same order.
func (t *Table) Equal(o *Table) bool {
	if t.Len() != o.Len() {
		return false
	}
	for i, e := range t.entries {
		oe := o.entries[i]
		if e.Key != oe.Key || e.Comment != oe.Comment || !e.Value.Equal(oe.Value) {
			return false
		}
	}
	return true
}

// Merge upserts every entry of o into t, keeping o's comments.
func (t *Table) Merge(o *Table) error {
	for _, e := range o.entries {
		if err := t.Update(e.Key, e.Value, e.Comment); err != nil {
			return err
		}
	}
	return nil
}

// MarshalJSON encodes the table as an ordered list of entries.
func (t *Table) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Entries())
}

// UnmarshalJSON decodes an entry list, validating every entry.
func (t *Table) UnmarshalJSON(data []byte) error {
	var entries []Entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	out := NewTable()
	for _, e := range entries {
		if err := out.Update(e.Key, e.Value, e.Comment); err != nil {
			return err
		}
	}
	*t = *out
	return nil
}

// CardsNeeded returns how many cards the table occupies including END.
func (t *Table) CardsNeeded() int {
	return len(t.entries) + 1
}
