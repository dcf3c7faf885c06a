package table

import (
	"drift-vm/internal/value"
)

const maxLoad = 0.75

// Entry is one slot. A nil key with a nil value is empty; a nil key with
// Bool(true) is a tombstone left by Delete so probe chains stay intact.
type Entry struct {
	Key   *value.ObjString
	Value value.Value
}

// Table is an open-addressed, linear-probe map from interned strings to
// values. Keys compare by identity; FindString is the one content-based
// lookup and exists only to serve interning.
type Table struct {
	count   int // live entries plus tombstones
	entries []Entry
}

func New() *Table {
	return &Table{}
}

func growCapacity(capacity int) int {
	if capacity < 8 {
		return 8
	}
	return capacity * 2
}

func findEntry(entries []Entry, key *value.ObjString) *Entry {
	index := int(key.Hash) % len(entries)
	var tombstone *Entry

	for {
		entry := &entries[index]
		if entry.Key == nil {
			if entry.Value.Type == value.VAL_NIL {
				// Empty slot; reuse the first tombstone passed, if any.
				if tombstone != nil {
					return tombstone
				}
				return entry
			}
			if tombstone == nil {
				tombstone = entry
			}
		} else if entry.Key == key {
			return entry
		}

		index = (index + 1) % len(entries)
	}
}

func (t *Table) adjustCapacity(capacity int) {
	entries := make([]Entry, capacity)

	// Rebuild count from scratch; tombstones are not carried over.
	t.count = 0
	for i := range t.entries {
		entry := &t.entries[i]
		if entry.Key == nil {
			continue
		}
		dest := findEntry(entries, entry.Key)
		dest.Key = entry.Key
		dest.Value = entry.Value
		t.count++
	}

	t.entries = entries
}

// Set stores value under key and reports whether the key was new.
func (t *Table) Set(key *value.ObjString, val value.Value) bool {
	if float64(t.count+1) > float64(len(t.entries))*maxLoad {
		t.adjustCapacity(growCapacity(len(t.entries)))
	}

	entry := findEntry(t.entries, key)
	isNewKey := entry.Key == nil
	if isNewKey && entry.Value.Type == value.VAL_NIL {
		// A fresh slot, not a recycled tombstone.
		t.count++
	}

	entry.Key = key
	entry.Value = val
	return isNewKey
}

func (t *Table) Get(key *value.ObjString) (value.Value, bool) {
	if t.count == 0 {
		return value.NewNil(), false
	}

	entry := findEntry(t.entries, key)
	if entry.Key == nil {
		return value.NewNil(), false
	}
	return entry.Value, true
}

// Delete replaces the entry with a tombstone and reports whether the key
// existed. count is unchanged: the tombstone still occupies a slot.
func (t *Table) Delete(key *value.ObjString) bool {
	if t.count == 0 {
		return false
	}

	entry := findEntry(t.entries, key)
	if entry.Key == nil {
		return false
	}

	entry.Key = nil
	entry.Value = value.NewBool(true)
	return true
}

// AddAll copies every live entry of src into t.
func (t *Table) AddAll(src *Table) {
	for i := range src.entries {
		entry := &src.entries[i]
		if entry.Key != nil {
			t.Set(entry.Key, entry.Value)
		}
	}
}

// FindString is the interning lookup: it compares by length, then hash,
// then byte content, and never allocates. Returns nil if absent.
func (t *Table) FindString(chars string, hash uint32) *value.ObjString {
	if t.count == 0 {
		return nil
	}

	index := int(hash) % len(t.entries)
	for {
		entry := &t.entries[index]
		if entry.Key == nil {
			// A truly empty slot ends the probe chain.
			if entry.Value.Type == value.VAL_NIL {
				return nil
			}
		} else if len(entry.Key.Chars) == len(chars) &&
			entry.Key.Hash == hash &&
			entry.Key.Chars == chars {
			return entry.Key
		}

		index = (index + 1) % len(t.entries)
	}
}

// RemoveWhite deletes every entry whose key is unmarked. The GC calls it
// on the intern table before sweeping so no dangling key survives.
func (t *Table) RemoveWhite() {
	for i := range t.entries {
		entry := &t.entries[i]
		if entry.Key != nil && !entry.Key.Marked {
			t.Delete(entry.Key)
		}
	}
}

// Mark invokes the callbacks on every live key and value. The GC uses it
// to treat a table as part of the root set.
func (t *Table) Mark(markObj func(value.Object), markVal func(value.Value)) {
	for i := range t.entries {
		entry := &t.entries[i]
		if entry.Key != nil {
			markObj(entry.Key)
			markVal(entry.Value)
		}
	}
}

// Count reports live entries plus tombstones.
func (t *Table) Count() int { return t.count }

// Free releases the backing storage.
func (t *Table) Free() {
	t.entries = nil
	t.count = 0
}
