package merge

import (
	"bytes"
	"container/heap"
	"errors"

	"strata/internal/common"
)

type item struct {
	entry  *common.Entry
	source int
}

// itemHeap orders by key ascending, then sequence descending, then source
// position ascending (position 0 is the newest source).
type itemHeap []item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].entry.Key, h[j].entry.Key); c != 0 {
		return c < 0
	}
	if h[i].entry.Seq != h[j].entry.Seq {
		return h[i].entry.Seq > h[j].entry.Seq
	}
	return h[i].source < h[j].source
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) {
	*h = append(*h, x.(item))
}

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Iterator merges sorted sources into one ascending stream with exactly one
// entry per key: the one with the highest sequence number. Tombstones are
// emitted like any other entry.
type Iterator struct {
	sources []common.EntryIterator
	heap    itemHeap
	started bool
	closed  bool
	err     error
}

var _ common.EntryIterator = (*Iterator)(nil)

// NewIterator merges sources ordered newest first. Each source must yield
// strictly ascending keys.
func NewIterator(sources []common.EntryIterator) *Iterator {
	return &Iterator{sources: sources}
}

func (it *Iterator) advance(source int) error {
	entry, err := it.sources[source].Next()
	if err != nil {
		return err
	}
	if entry != nil {
		heap.Push(&it.heap, item{entry: entry, source: source})
	}
	return nil
}

func (it *Iterator) Next() (*common.Entry, error) {
	if it.err != nil {
		return nil, it.err
	}
	if it.closed {
		return nil, nil
	}

	if !it.started {
		it.started = true
		it.heap = make(itemHeap, 0, len(it.sources))
		for i := range it.sources {
			if err := it.advance(i); err != nil {
				return nil, it.fail(err)
			}
		}
	}

	if it.heap.Len() == 0 {
		return nil, nil
	}

	top := heap.Pop(&it.heap).(item)
	if err := it.advance(top.source); err != nil {
		return nil, it.fail(err)
	}

	// Drop older versions of the same key.
	for it.heap.Len() > 0 && bytes.Equal(it.heap[0].entry.Key, top.entry.Key) {
		dup := heap.Pop(&it.heap).(item)
		if err := it.advance(dup.source); err != nil {
			return nil, it.fail(err)
		}
	}
	return top.entry, nil
}

func (it *Iterator) fail(err error) error {
	it.err = err
	return err
}

// Close closes every source. Safe to call multiple times.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.heap = nil
	var errs []error
	for _, src := range it.sources {
		if err := src.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
