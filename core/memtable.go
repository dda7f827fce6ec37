package core

import (
	"container/list"
	"slices"
)

// Entry is one memtable record. An entry is dirty until its state has been
// flushed into a segment; clean entries are the only eviction candidates.
type Entry struct {
	Key     string
	Kind    Kind
	Content string // empty for tombstones
	Dirty   bool

	elem *list.Element // position in the access-order list
}

// Memtable is the in-memory mutable table fronting the segments. It keeps
// two views over the same entries: a by-key map for point lookups and an
// access-ordered list for eviction, the list front being the coldest entry.
// Every mutation keeps both views consistent.
type Memtable struct {
	byKey    map[string]*Entry
	byAccess *list.List
}

func NewMemtable() *Memtable {
	return &Memtable{
		byKey:    make(map[string]*Entry),
		byAccess: list.New(),
	}
}

func (m *Memtable) Len() int { return len(m.byKey) }

// Find returns the entry for key, or nil. Access order is not affected;
// callers decide whether the lookup counts as an access via Touch.
func (m *Memtable) Find(key string) *Entry {
	return m.byKey[key]
}

// Insert adds a new entry as the most recently accessed one.
// The key must not already be present.
func (m *Memtable) Insert(e *Entry) {
	e.elem = m.byAccess.PushBack(e)
	m.byKey[e.Key] = e
}

// Touch marks e as the most recently accessed entry.
func (m *Memtable) Touch(e *Entry) {
	m.byAccess.MoveToBack(e.elem)
}

// Replace overwrites e's state in place with a fresh mutation, marking it
// dirty and most recently accessed. The key stays the same.
func (m *Memtable) Replace(e *Entry, kind Kind, content string) {
	e.Kind = kind
	e.Content = content
	e.Dirty = true
	m.byAccess.MoveToBack(e.elem)
}

// Oldest returns the least recently accessed entry, or nil if empty.
func (m *Memtable) Oldest() *Entry {
	front := m.byAccess.Front()
	if front == nil {
		return nil
	}
	return front.Value.(*Entry)
}

// Remove erases e from both views.
func (m *Memtable) Remove(e *Entry) {
	m.byAccess.Remove(e.elem)
	delete(m.byKey, e.Key)
}

// AscendKeys calls fn for every entry in ascending key order.
func (m *Memtable) AscendKeys(fn func(*Entry)) {
	keys := make([]string, 0, len(m.byKey))
	for k := range m.byKey {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fn(m.byKey[k])
	}
}

// Each calls fn for every entry in unspecified order.
func (m *Memtable) Each(fn func(*Entry)) {
	for _, e := range m.byKey {
		fn(e)
	}
}
