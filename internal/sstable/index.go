package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"strata/internal/common"
)

// IndexEntry Layout:
//
// ┌──────────────────┐
// │      keyLen      │  uint32
// ├──────────────────┤
// │       key        │  []byte
// ├──────────────────┤
// │   blockOffset    │  uint64
// └──────────────────┘
//
// The index block is a run of these with no count prefix. Its length comes
// from the footer.

// IndexEntry represents a single entry in the index block.
type IndexEntry struct {
	Key         []byte // First key in the data block
	BlockOffset uint64 // File offset where data block starts
}

// Encode writes an index entry to the given writer.
func (e *IndexEntry) Encode(w io.Writer) (int, error) {
	buf := common.AppendLenPrefixed(nil, e.Key)
	buf = binary.LittleEndian.AppendUint64(buf, e.BlockOffset)
	return w.Write(buf)
}

// DecodeIndexEntry reads a single index entry from the reader.
func DecodeIndexEntry(r io.Reader) (*IndexEntry, error) {
	key, err := common.ReadLenPrefixed(r)
	if err != nil {
		return nil, err
	}
	offset, err := common.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	return &IndexEntry{Key: key, BlockOffset: offset}, nil
}

// Index is the sparse index of an SSTable: one entry per data block.
type Index struct {
	Entries []IndexEntry
}

// WriteIndex writes every index entry in order.
func WriteIndex(w io.Writer, idx *Index) (int, error) {
	total := 0
	for i := range idx.Entries {
		n, err := idx.Entries[i].Encode(w)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// ReadIndex decodes index entries until data is exhausted.
func ReadIndex(data []byte) (*Index, error) {
	r := bytes.NewReader(data)
	idx := &Index{}
	for r.Len() > 0 {
		entry, err := DecodeIndexEntry(r)
		if err != nil {
			return nil, fmt.Errorf("%w: index entry %d: %v", common.ErrCorruption, len(idx.Entries), err)
		}
		idx.Entries = append(idx.Entries, *entry)
	}
	return idx, nil
}

// FindBlock returns the position of the block that could hold key: the last
// block whose first key is <= key. found is false when key sorts before
// every block.
func (idx *Index) FindBlock(key []byte) (int, bool) {
	// First block whose first key is > key; the one before it may hold key.
	i := sort.Search(len(idx.Entries), func(i int) bool {
		return bytes.Compare(idx.Entries[i].Key, key) > 0
	})
	if i == 0 {
		return 0, false
	}
	return i - 1, true
}

// FindBlockOffset returns the file offset of the block that could hold key.
func (idx *Index) FindBlockOffset(key []byte) (uint64, bool) {
	i, found := idx.FindBlock(key)
	if !found {
		return 0, false
	}
	return idx.Entries[i].BlockOffset, true
}

func (idx *Index) Len() int {
	return len(idx.Entries)
}
