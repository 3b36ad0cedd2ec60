package sstable

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"hash"
	"hash/crc32"
	"os"

	"strata/internal/block"
	"strata/internal/common"
)

// ErrOutOfOrder is returned by Writer.Add when keys are not strictly
// ascending.
var ErrOutOfOrder = errors.New("sstable: keys out of order")

// WriterOptions tune the layout of a new table.
type WriterOptions struct {
	// BlockSize is the target encoded size of a data block in bytes.
	BlockSize int
}

func DefaultWriterOptions() WriterOptions {
	return WriterOptions{BlockSize: block.DefaultSize}
}

// WriteResult contains metadata from writing an SSTable.
type WriteResult struct {
	Path        string
	Size        uint64
	SmallestKey []byte
	LargestKey  []byte
	EntryCount  uint64
	SmallestSeq uint64
	LargestSeq  uint64
}

// Writer streams sorted entries into a new SSTable file.
type Writer struct {
	path   string
	file   *os.File
	buf    *bufio.Writer
	crc    hash.Hash32
	offset uint64
	opts   WriterOptions

	block   *block.Builder
	index   Index
	lastKey []byte

	result WriteResult
	done   bool
}

// NewWriter creates the file at path. An existing file is truncated.
func NewWriter(path string, opts WriterOptions) (*Writer, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = block.DefaultSize
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sstable: create %s: %w", path, err)
	}
	return &Writer{
		path:   path,
		file:   f,
		buf:    bufio.NewWriterSize(f, 64*1024),
		crc:    crc32.NewIEEE(),
		opts:   opts,
		block:  block.NewBuilder(),
		result: WriteResult{Path: path},
	}, nil
}

// write appends p to the file and folds it into the running checksum.
func (w *Writer) write(p []byte) error {
	if _, err := w.buf.Write(p); err != nil {
		return fmt.Errorf("sstable: write %s: %w", w.path, err)
	}
	w.crc.Write(p)
	w.offset += uint64(len(p))
	return nil
}

// Add appends an entry. Keys must be strictly ascending.
func (w *Writer) Add(entry *common.Entry) error {
	if w.done {
		return fmt.Errorf("sstable: add to finished writer %s", w.path)
	}
	if w.result.EntryCount > 0 && bytes.Compare(entry.Key, w.lastKey) <= 0 {
		return fmt.Errorf("%w: %q after %q", ErrOutOfOrder, entry.Key, w.lastKey)
	}

	if w.block.Empty() {
		w.index.Entries = append(w.index.Entries, IndexEntry{
			Key:         bytes.Clone(entry.Key),
			BlockOffset: w.offset,
		})
	}
	w.block.Add(entry)

	if w.result.EntryCount == 0 {
		w.result.SmallestKey = bytes.Clone(entry.Key)
		w.result.SmallestSeq = entry.Seq
	}
	w.result.SmallestSeq = min(w.result.SmallestSeq, entry.Seq)
	w.result.LargestSeq = max(w.result.LargestSeq, entry.Seq)
	w.result.EntryCount++
	w.lastKey = append(w.lastKey[:0], entry.Key...)

	if w.block.Size() >= w.opts.BlockSize {
		return w.flushBlock()
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if w.block.Empty() {
		return nil
	}
	if err := w.write(w.block.Finish()); err != nil {
		return err
	}
	w.block.Reset()
	return nil
}

// EstimatedSize is the number of bytes the table would occupy if the
// pending block were flushed now, excluding index and footer.
func (w *Writer) EstimatedSize() uint64 {
	if w.block.Empty() {
		return w.offset
	}
	return w.offset + uint64(w.block.Size())
}

func (w *Writer) EntryCount() uint64 {
	return w.result.EntryCount
}

// Finish writes the index, footer and trailer, then fsyncs and closes the
// file. The table is committed once Finish returns without error.
func (w *Writer) Finish() (*WriteResult, error) {
	if w.done {
		return nil, fmt.Errorf("sstable: writer %s already finished", w.path)
	}
	if err := w.finish(); err != nil {
		w.Abort()
		return nil, err
	}
	res := w.result
	return &res, nil
}

func (w *Writer) finish() error {
	if err := w.flushBlock(); err != nil {
		return err
	}

	indexOffset := w.offset
	var indexBuf bytes.Buffer
	if _, err := WriteIndex(&indexBuf, &w.index); err != nil {
		return err
	}
	if err := w.write(indexBuf.Bytes()); err != nil {
		return err
	}

	w.result.LargestKey = bytes.Clone(w.lastKey)
	footer := &Footer{
		IndexOffset: indexOffset,
		IndexLength: uint64(indexBuf.Len()),
		MinKey:      w.result.SmallestKey,
		MaxKey:      w.result.LargestKey,
		EntryCount:  w.result.EntryCount,
	}
	body := footer.encodeBody()
	if err := w.write(body); err != nil {
		return err
	}

	tail := encodeTail(w.crc.Sum32(), len(body)+4)
	if _, err := w.buf.Write(tail); err != nil {
		return fmt.Errorf("sstable: write %s: %w", w.path, err)
	}
	w.offset += uint64(len(tail))

	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("sstable: flush %s: %w", w.path, err)
	}
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sstable: sync %s: %w", w.path, err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("sstable: close %s: %w", w.path, err)
	}
	w.file = nil
	w.done = true
	w.result.Size = w.offset
	return nil
}

// Abort discards the partially written file. Safe to call after Finish
// failed; a no-op after Finish succeeded.
func (w *Writer) Abort() {
	if w.done {
		return
	}
	w.done = true
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	os.Remove(w.path)
}

// WriteTable writes every entry produced by iter into a new table at path.
// Nothing is left on disk if it fails.
func WriteTable(path string, iter common.EntryIterator, opts WriterOptions) (*WriteResult, error) {
	defer iter.Close()

	w, err := NewWriter(path, opts)
	if err != nil {
		return nil, err
	}
	for {
		entry, err := iter.Next()
		if err != nil {
			w.Abort()
			return nil, err
		}
		if entry == nil {
			break
		}
		if err := w.Add(entry); err != nil {
			w.Abort()
			return nil, err
		}
	}
	return w.Finish()
}
