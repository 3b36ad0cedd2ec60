package sstable

import (
	"bufio"
	"bytes"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync/atomic"

	"strata/internal/block"
	"strata/internal/block_cache"
	"strata/internal/common"
	"strata/internal/filter"
)

// Option configures how a table is opened.
type Option func(*openOptions)

type openOptions struct {
	falsePositiveRate float64
}

// WithBloomFalsePositiveRate sets the target false positive rate of the
// bloom filter built at open. A rate of zero disables the filter.
func WithBloomFalsePositiveRate(p float64) Option {
	return func(o *openOptions) {
		o.falsePositiveRate = p
	}
}

// Table provides random and range access to an immutable SSTable file.
// Tables are reference counted: the opener holds the first reference and the
// file is closed when the last reference is released.
type Table struct {
	file   *os.File
	path   string
	fileNo common.FileNo
	size   uint64

	footer *Footer
	index  *Index
	// blockEnds[i] is the end offset of data block i.
	blockEnds []uint64
	filter    filter.Filter
	cache     *block_cache.BlockCache

	minSeq uint64
	maxSeq uint64

	refs atomic.Int32
}

// Open validates the table at path and loads its index. Every byte before
// the checksum is read once; data blocks are decoded during that pass to
// build the bloom filter and learn the sequence range. Any structural
// problem is reported as common.ErrCorruption.
func Open(path string, fileNo common.FileNo, cache *block_cache.BlockCache, opts ...Option) (*Table, error) {
	o := openOptions{falsePositiveRate: filter.DefaultFalsePositiveRate}
	for _, opt := range opts {
		opt(&o)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("sstable: open %s: %w", path, err)
	}

	t := &Table{
		file:   f,
		path:   path,
		fileNo: fileNo,
		cache:  cache,
	}
	if err := t.load(o); err != nil {
		f.Close()
		return nil, fmt.Errorf("sstable %s: %w", path, err)
	}
	t.refs.Store(1)
	return t, nil
}

func (t *Table) load(o openOptions) error {
	stat, err := t.file.Stat()
	if err != nil {
		return err
	}
	size := uint64(stat.Size())
	t.size = size
	if size < TrailerSize+minFooterSize {
		return fmt.Errorf("%w: file of %d bytes is too short", common.ErrCorruption, size)
	}

	trailer := make([]byte, TrailerSize)
	if _, err := t.file.ReadAt(trailer, int64(size-TrailerSize)); err != nil {
		return err
	}
	footerLen, err := decodeTrailer(trailer)
	if err != nil {
		return err
	}
	if uint64(footerLen) < minFooterSize || uint64(footerLen) > size-TrailerSize {
		return fmt.Errorf("%w: footer length %d out of bounds", common.ErrCorruption, footerLen)
	}

	footerOffset := size - TrailerSize - uint64(footerLen)
	footerData := make([]byte, footerLen)
	if _, err := t.file.ReadAt(footerData, int64(footerOffset)); err != nil {
		return err
	}
	footer, err := decodeFooter(footerData)
	if err != nil {
		return err
	}
	if footer.IndexOffset > footerOffset || footer.IndexOffset+footer.IndexLength != footerOffset {
		return fmt.Errorf("%w: index [%d,+%d) does not end at footer %d",
			common.ErrCorruption, footer.IndexOffset, footer.IndexLength, footerOffset)
	}
	t.footer = footer

	indexData := make([]byte, footer.IndexLength)
	if _, err := t.file.ReadAt(indexData, int64(footer.IndexOffset)); err != nil {
		return err
	}
	if t.index, err = ReadIndex(indexData); err != nil {
		return err
	}
	if err := t.checkIndex(); err != nil {
		return err
	}

	return t.verify(footerOffset+uint64(footerLen)-4, o)
}

// checkIndex validates block offsets and records where each block ends.
func (t *Table) checkIndex() error {
	entries := t.index.Entries
	if len(entries) == 0 {
		if t.footer.IndexOffset != 0 || t.footer.EntryCount != 0 {
			return fmt.Errorf("%w: empty index with %d entries", common.ErrCorruption, t.footer.EntryCount)
		}
		return nil
	}
	if entries[0].BlockOffset != 0 {
		return fmt.Errorf("%w: first block at offset %d", common.ErrCorruption, entries[0].BlockOffset)
	}

	t.blockEnds = make([]uint64, len(entries))
	for i := range entries {
		end := t.footer.IndexOffset
		if i+1 < len(entries) {
			end = entries[i+1].BlockOffset
			if bytes.Compare(entries[i].Key, entries[i+1].Key) >= 0 {
				return fmt.Errorf("%w: index keys out of order at block %d", common.ErrCorruption, i)
			}
		}
		if end <= entries[i].BlockOffset {
			return fmt.Errorf("%w: block %d has no data", common.ErrCorruption, i)
		}
		t.blockEnds[i] = end
	}
	return nil
}

// verify streams [0, checksumOffset) through crc32, decoding each data block
// on the way.
func (t *Table) verify(checksumOffset uint64, o openOptions) error {
	crc := crc32.NewIEEE()
	r := bufio.NewReaderSize(io.TeeReader(io.NewSectionReader(t.file, 0, int64(checksumOffset)), crc), 64*1024)

	var bloom *filter.BloomFilter
	if o.falsePositiveRate > 0 {
		// Every entry takes at least its fixed header, which bounds the count
		// for a footer we have not yet verified.
		expected := min(t.footer.EntryCount, t.footer.IndexOffset/17)
		bloom = filter.NewBloomFilter(expected, o.falsePositiveRate)
		t.filter = bloom
	} else {
		t.filter = filter.NewNoOpFilter()
	}

	var count uint64
	var lastKey []byte
	for i, ie := range t.index.Entries {
		data := make([]byte, t.blockEnds[i]-ie.BlockOffset)
		if _, err := io.ReadFull(r, data); err != nil {
			return fmt.Errorf("%w: read block %d: %v", common.ErrCorruption, i, err)
		}
		blk, err := block.NewBlock(data)
		if err != nil {
			return fmt.Errorf("block %d: %w", i, err)
		}
		if blk.Len() == 0 || !bytes.Equal(blk.Entry(0).Key, ie.Key) {
			return fmt.Errorf("%w: block %d does not start at its index key", common.ErrCorruption, i)
		}
		for j := 0; j < blk.Len(); j++ {
			e := blk.Entry(j)
			if lastKey != nil && bytes.Compare(e.Key, lastKey) <= 0 {
				return fmt.Errorf("%w: keys out of order in block %d", common.ErrCorruption, i)
			}
			lastKey = e.Key
			if count == 0 {
				t.minSeq = e.Seq
			}
			t.minSeq = min(t.minSeq, e.Seq)
			t.maxSeq = max(t.maxSeq, e.Seq)
			if bloom != nil {
				bloom.Add(e.Key)
			}
			count++
		}
	}

	if _, err := io.Copy(io.Discard, r); err != nil {
		return fmt.Errorf("%w: read index: %v", common.ErrCorruption, err)
	}
	if sum := crc.Sum32(); sum != t.footer.Checksum {
		return fmt.Errorf("%w: checksum %#x, footer says %#x", common.ErrCorruption, sum, t.footer.Checksum)
	}
	if count != t.footer.EntryCount {
		return fmt.Errorf("%w: %d entries, footer says %d", common.ErrCorruption, count, t.footer.EntryCount)
	}
	if count > 0 {
		if !bytes.Equal(t.index.Entries[0].Key, t.footer.MinKey) || !bytes.Equal(lastKey, t.footer.MaxKey) {
			return fmt.Errorf("%w: key range does not match footer", common.ErrCorruption)
		}
	}
	return nil
}

func (t *Table) Path() string {
	return t.path
}

func (t *Table) FileNo() common.FileNo {
	return t.fileNo
}

// Size is the file size in bytes.
func (t *Table) Size() uint64 {
	return t.size
}

// Len returns the total number of entries in the SSTable.
func (t *Table) Len() int {
	return int(t.footer.EntryCount)
}

// KeyRange returns the smallest and largest keys in the table.
func (t *Table) KeyRange() (minKey, maxKey []byte) {
	return t.footer.MinKey, t.footer.MaxKey
}

func (t *Table) MinSeq() uint64 {
	return t.minSeq
}

func (t *Table) MaxSeq() uint64 {
	return t.maxSeq
}

// Index returns the sparse index (first key of each block).
func (t *Table) Index() *Index {
	return t.index
}

// Footer returns the decoded footer.
func (t *Table) Footer() Footer {
	return *t.footer
}

// Ref takes a reference that keeps the file open until Unref.
func (t *Table) Ref() {
	t.refs.Add(1)
}

// Unref releases a reference. The last release closes the file and drops
// cached blocks.
func (t *Table) Unref() error {
	n := t.refs.Add(-1)
	switch {
	case n > 0:
		return nil
	case n < 0:
		panic(fmt.Sprintf("sstable: table %d released too many times", t.fileNo))
	}
	t.cache.EvictFile(t.fileNo)
	return t.file.Close()
}

// Close releases the opener's reference.
func (t *Table) Close() error {
	return t.Unref()
}

// Contains reports whether key falls within the table's key range.
func (t *Table) Contains(key []byte) bool {
	if t.footer.EntryCount == 0 {
		return false
	}
	return bytes.Compare(key, t.footer.MinKey) >= 0 && bytes.Compare(key, t.footer.MaxKey) <= 0
}

// Get returns the entry for key, including tombstones.
func (t *Table) Get(key []byte) (*common.Entry, bool, error) {
	if !t.Contains(key) || !t.filter.MayContain(key) {
		return nil, false, nil
	}
	blockIdx, found := t.index.FindBlock(key)
	if !found {
		return nil, false, nil
	}
	blk, err := t.loadBlock(blockIdx)
	if err != nil {
		return nil, false, err
	}
	entry, ok := blk.Get(key)
	if !ok {
		return nil, false, nil
	}
	return entry, true, nil
}

// loadBlock returns the parsed block, consulting the shared cache first.
func (t *Table) loadBlock(i int) (block.Block, error) {
	blockNo := common.BlockNo(i)
	if blk, ok := t.cache.Get(t.fileNo, blockNo); ok {
		return blk, nil
	}

	offset := t.index.Entries[i].BlockOffset
	data := make([]byte, t.blockEnds[i]-offset)
	if _, err := t.file.ReadAt(data, int64(offset)); err != nil {
		return nil, fmt.Errorf("sstable: read block %d at offset %d from %s: %w", i, offset, t.path, err)
	}
	blk, err := block.NewBlock(data)
	if err != nil {
		return nil, fmt.Errorf("sstable: parse block %d from %s: %w", i, t.path, err)
	}
	t.cache.Put(t.fileNo, blockNo, blk)
	return blk, nil
}

// Scan returns an ascending iterator over [start, end); nil bounds are
// unbounded. Blocks are read lazily. The iterator holds a reference on the
// table until it is exhausted or closed.
func (t *Table) Scan(start, end []byte) common.EntryIterator {
	t.Ref()
	it := &tableIterator{t: t, start: start, end: end}
	if start != nil {
		if i, found := t.index.FindBlock(start); found {
			it.blockIdx = i
		}
	}
	return it
}

// Iterator returns an iterator that sequentially scans all entries.
func (t *Table) Iterator() common.EntryIterator {
	return t.Scan(nil, nil)
}

type tableIterator struct {
	t        *Table
	start    []byte
	end      []byte
	blockIdx int
	blk      block.Block
	pos      int
	closed   bool
}

var _ common.EntryIterator = (*tableIterator)(nil)

func (it *tableIterator) Next() (*common.Entry, error) {
	for !it.closed {
		if it.blk == nil {
			if it.blockIdx >= it.t.index.Len() {
				it.Close()
				return nil, nil
			}
			blk, err := it.t.loadBlock(it.blockIdx)
			if err != nil {
				it.Close()
				return nil, err
			}
			it.blk = blk
			it.pos = 0
			if it.start != nil {
				it.pos = blk.SeekGE(it.start)
			}
		}

		if it.pos >= it.blk.Len() {
			it.blk = nil
			it.blockIdx++
			continue
		}

		entry := it.blk.Entry(it.pos)
		if it.end != nil && bytes.Compare(entry.Key, it.end) >= 0 {
			it.Close()
			return nil, nil
		}
		it.pos++
		return entry, nil
	}
	return nil, nil
}

// Close releases the iterator's table reference. Safe to call multiple times.
func (it *tableIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.blk = nil
	return it.t.Unref()
}
