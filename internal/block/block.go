package block

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"

	"strata/internal/common"
)

// countSize is the entry-count prefix of every data block.
const countSize = 4

// DefaultSize is the target encoded size of a data block in bytes.
const DefaultSize = 4 * 1024

// Block provides key lookups within a parsed data block.
type Block interface {
	// Get returns the entry for key. Returns (entry, true) if found, (nil, false) if not found.
	Get(key []byte) (*common.Entry, bool)

	// SeekGE returns the index of the first entry whose key is >= key, or
	// Len() if there is none.
	SeekGE(key []byte) int

	// Entry returns the i-th entry in key order.
	Entry(i int) *common.Entry

	// Len returns the number of entries in this block.
	Len() int
}

// blockImpl parses and stores all entries from a data block for fast lookups.
type blockImpl struct {
	entries []*common.Entry // sorted by key
}

// NewBlock parses a raw data block: [count u32] followed by count entries.
func NewBlock(data []byte) (Block, error) {
	if len(data) < countSize {
		return nil, fmt.Errorf("%w: block of %d bytes has no entry count", common.ErrCorruption, len(data))
	}
	count := binary.LittleEndian.Uint32(data)
	reader := bytes.NewReader(data[countSize:])

	// Each entry takes at least its fixed header, which bounds count.
	if uint64(count)*17 > uint64(len(data)) {
		return nil, fmt.Errorf("%w: block claims %d entries in %d bytes", common.ErrCorruption, count, len(data))
	}

	entries := make([]*common.Entry, 0, count)
	for i := uint32(0); i < count; i++ {
		entry, err := common.DecodeEntry(reader)
		if err != nil {
			return nil, fmt.Errorf("%w: block entry %d: %v", common.ErrCorruption, i, err)
		}
		if n := len(entries); n > 0 && bytes.Compare(entries[n-1].Key, entry.Key) >= 0 {
			return nil, fmt.Errorf("%w: block keys out of order at entry %d", common.ErrCorruption, i)
		}
		entries = append(entries, entry)
	}
	if reader.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in block", common.ErrCorruption, reader.Len())
	}

	return &blockImpl{entries: entries}, nil
}

// Get performs binary search to find the entry for the given key.
func (b *blockImpl) Get(key []byte) (*common.Entry, bool) {
	i := b.SeekGE(key)
	if i < len(b.entries) && bytes.Equal(b.entries[i].Key, key) {
		return b.entries[i], true
	}
	return nil, false
}

func (b *blockImpl) SeekGE(key []byte) int {
	return sort.Search(len(b.entries), func(i int) bool {
		return bytes.Compare(b.entries[i].Key, key) >= 0
	})
}

func (b *blockImpl) Entry(i int) *common.Entry {
	return b.entries[i]
}

func (b *blockImpl) Len() int {
	return len(b.entries)
}

// Builder accumulates sorted entries into the encoded form of one block.
type Builder struct {
	buf      []byte
	count    uint32
	firstKey []byte
}

func NewBuilder() *Builder {
	b := &Builder{}
	b.Reset()
	return b
}

// Add appends an entry. Callers are responsible for key order.
func (b *Builder) Add(entry *common.Entry) {
	if b.count == 0 {
		b.firstKey = bytes.Clone(entry.Key)
	}
	b.buf = entry.AppendTo(b.buf)
	b.count++
}

// Size is the encoded size of the block built so far.
func (b *Builder) Size() int {
	return len(b.buf)
}

func (b *Builder) Len() int {
	return int(b.count)
}

func (b *Builder) Empty() bool {
	return b.count == 0
}

// FirstKey returns the smallest key added since the last Reset.
func (b *Builder) FirstKey() []byte {
	return b.firstKey
}

// Finish patches the entry count and returns the encoded block. The slice is
// only valid until the next Reset.
func (b *Builder) Finish() []byte {
	binary.LittleEndian.PutUint32(b.buf[:countSize], b.count)
	return b.buf
}

func (b *Builder) Reset() {
	b.buf = append(b.buf[:0], 0, 0, 0, 0)
	b.count = 0
	b.firstKey = nil
}
