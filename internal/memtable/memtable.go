package memtable

import (
	"bytes"
	"errors"
	"sync"

	"github.com/huandu/skiplist"

	"strata/internal/common"
)

// ErrFrozen is returned when writing to a memtable that has been frozen for
// flushing.
var ErrFrozen = errors.New("memtable: frozen")

// entryOverhead approximates the per-key cost of the sequence number and the
// tombstone flag.
const entryOverhead = 8 + 1

// Memtable is an ordered in-memory map from key to its newest entry.
type Memtable struct {
	mu     sync.RWMutex
	list   *skiplist.SkipList
	size   int64
	frozen bool
}

func New() *Memtable {
	return &Memtable{
		list: skiplist.New(skiplist.Bytes),
	}
}

// Put installs entry unless the key already holds an entry with a higher
// sequence number. The entry's key and value are copied.
func (m *Memtable) Put(entry *common.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frozen {
		return ErrFrozen
	}

	stored := entry.Clone()
	if stored.Type == common.EntryTypeDelete {
		stored.Value = nil
	}

	if elem := m.list.Get(stored.Key); elem != nil {
		prev := elem.Value.(*common.Entry)
		if prev.Seq > stored.Seq {
			return nil
		}
		m.size += int64(len(stored.Value)) - int64(len(prev.Value))
		elem.Value = stored
		return nil
	}

	m.list.Set(stored.Key, stored)
	m.size += int64(len(stored.Key) + len(stored.Value) + entryOverhead)
	return nil
}

// Get returns the current entry for key, including tombstones.
func (m *Memtable) Get(key []byte) (*common.Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	elem := m.list.Get(key)
	if elem == nil {
		return nil, false
	}
	return elem.Value.(*common.Entry), true
}

// Scan returns an ascending iterator over [start, end). A nil bound is
// unbounded. The iterator observes writes made after it was created.
func (m *Memtable) Scan(start, end []byte) common.EntryIterator {
	return &iterator{mt: m, start: start, end: end}
}

// Iterator returns an ascending iterator over every entry.
func (m *Memtable) Iterator() common.EntryIterator {
	return m.Scan(nil, nil)
}

// SizeBytes reports the approximate memory held by keys and values.
func (m *Memtable) SizeBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.size
}

func (m *Memtable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.list.Len()
}

// Freeze rejects all further writes.
func (m *Memtable) Freeze() {
	m.mu.Lock()
	m.frozen = true
	m.mu.Unlock()
}

func (m *Memtable) Frozen() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frozen
}

// iterator walks the skiplist one element per call under the read lock.
// Elements are never removed from the list, so holding one between calls is
// safe.
type iterator struct {
	mt      *Memtable
	start   []byte
	end     []byte
	elem    *skiplist.Element
	started bool
	done    bool
}

func (it *iterator) Next() (*common.Entry, error) {
	if it.done {
		return nil, nil
	}

	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()

	if !it.started {
		it.started = true
		if it.start == nil {
			it.elem = it.mt.list.Front()
		} else {
			it.elem = it.mt.list.Find(it.start)
		}
	} else if it.elem != nil {
		it.elem = it.elem.Next()
	}

	if it.elem == nil {
		it.done = true
		return nil, nil
	}

	entry := it.elem.Value.(*common.Entry)
	if it.end != nil && bytes.Compare(entry.Key, it.end) >= 0 {
		it.done = true
		return nil, nil
	}
	return entry, nil
}

func (it *iterator) Close() error {
	it.done = true
	it.elem = nil
	return nil
}
