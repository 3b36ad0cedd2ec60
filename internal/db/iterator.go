package db

import (
	"bytes"

	"strata/internal/common"
	"strata/internal/merge"
)

// Iterator walks live key/value pairs of a range in ascending key order.
// Deleted keys are skipped. Close releases the tables the iterator reads.
type Iterator struct {
	merged *merge.Iterator
	closed bool
}

var _ common.EntryIterator = (*Iterator)(nil)

// Scan returns an iterator over live keys in [start, end). A nil bound is
// unbounded. The iterator reads lazily: memtable writes made after Scan may
// or may not be observed, while the table set is fixed when Scan is called.
func (d *DB) Scan(start, end []byte) (*Iterator, error) {
	if d.closed.Load() {
		return nil, ErrClosed
	}
	if start != nil && end != nil && bytes.Compare(start, end) >= 0 {
		return &Iterator{merged: merge.NewIterator(nil)}, nil
	}

	mems := d.memtables()
	snap, err := d.manifest.Acquire()
	if err != nil {
		return nil, err
	}
	// Table scans take their own references.
	defer snap.Release()

	sources := make([]common.EntryIterator, 0, len(mems)+len(snap.Tables))
	for _, mt := range mems {
		sources = append(sources, mt.Scan(start, end))
	}
	for _, t := range snap.Tables {
		sources = append(sources, t.Scan(start, end))
	}
	return &Iterator{merged: merge.NewIterator(sources)}, nil
}

// Next returns the next live entry, or nil once the range is exhausted.
func (it *Iterator) Next() (*common.Entry, error) {
	if it.closed {
		return nil, nil
	}
	for {
		entry, err := it.merged.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			it.Close()
			return nil, nil
		}
		if entry.IsTombstone() {
			continue
		}
		return entry.Clone(), nil
	}
}

func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	return it.merged.Close()
}
