package common

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// FileNo identifies a file (SSTable or WAL segment).
type FileNo uint64

// BlockNo identifies a block within an SSTable.
type BlockNo int

// EntryType enumerates logical operations flowing through WAL, memtable,
// and SSTable components. The numeric value is the on-disk tombstone flag.
type EntryType uint8

const (
	EntryTypePut EntryType = iota
	EntryTypeDelete
)

// Entry captures a single mutation in sequence order.
type Entry struct {
	Type  EntryType
	Seq   uint64
	Key   []byte
	Value []byte
}

// IsTombstone reports whether the entry records a deletion.
func (e *Entry) IsTombstone() bool {
	return e.Type == EntryTypeDelete
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	return &Entry{
		Type:  e.Type,
		Seq:   e.Seq,
		Key:   bytes.Clone(e.Key),
		Value: bytes.Clone(e.Value),
	}
}

// EntryIterator produces a stream of entries. Next returns nil when the stream
// is exhausted. Close releases any resources held by the iterator and is safe
// to call more than once.
type EntryIterator interface {
	Next() (*Entry, error)
	Close() error
}

// entryHeaderSize covers keyLen(4) + flag(1) + valueLen(4) + seq(8).
const entryHeaderSize = 4 + 1 + 4 + 8

// EncodedLen returns the number of bytes Encode writes for e.
func (e *Entry) EncodedLen() int {
	if e.Type == EntryTypeDelete {
		return entryHeaderSize + len(e.Key)
	}
	return entryHeaderSize + len(e.Key) + len(e.Value)
}

// Encode writes an entry to the given writer.
// Format: keyLen(4) + key + flag(1) + valueLen(4) + value + seq(8)
// Tombstones are written with an empty value.
func (e *Entry) Encode(w io.Writer) (int, error) {
	buf := make([]byte, 0, e.EncodedLen())
	buf = e.AppendTo(buf)
	return w.Write(buf)
}

// AppendTo appends the encoded entry to buf and returns the extended slice.
func (e *Entry) AppendTo(buf []byte) []byte {
	value := e.Value
	if e.Type == EntryTypeDelete {
		value = nil
	}
	buf = AppendLenPrefixed(buf, e.Key)
	buf = append(buf, byte(e.Type))
	buf = AppendLenPrefixed(buf, value)
	buf = binary.LittleEndian.AppendUint64(buf, e.Seq)
	return buf
}

// DecodeEntry reads a single entry from the reader.
// Returns io.EOF if the reader is exhausted before the first byte and
// io.ErrUnexpectedEOF if the entry is cut short.
func DecodeEntry(r io.Reader) (*Entry, error) {
	keyLen, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}
	key, err := ReadBytes(r, uint64(keyLen))
	if err != nil {
		return nil, unexpected(err)
	}

	flag, err := ReadUint8(r)
	if err != nil {
		return nil, unexpected(err)
	}
	if flag > uint8(EntryTypeDelete) {
		return nil, fmt.Errorf("%w: unknown entry flag %d", ErrCorruption, flag)
	}

	valueLen, err := ReadUint32(r)
	if err != nil {
		return nil, unexpected(err)
	}
	value, err := ReadBytes(r, uint64(valueLen))
	if err != nil {
		return nil, unexpected(err)
	}

	seq, err := ReadUint64(r)
	if err != nil {
		return nil, unexpected(err)
	}

	return &Entry{
		Type:  EntryType(flag),
		Seq:   seq,
		Key:   key,
		Value: value,
	}, nil
}

func unexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// SliceIterator iterates over an in-memory slice of entries.
type SliceIterator struct {
	entries []*Entry
	index   int
}

var _ EntryIterator = (*SliceIterator)(nil)

// NewSliceIterator returns an iterator over entries in slice order.
func NewSliceIterator(entries []*Entry) *SliceIterator {
	return &SliceIterator{entries: entries}
}

func (it *SliceIterator) Next() (*Entry, error) {
	if it.index >= len(it.entries) {
		return nil, nil
	}
	entry := it.entries[it.index]
	it.index++
	return entry, nil
}

func (it *SliceIterator) Close() error {
	it.index = len(it.entries)
	return nil
}

// Drain reads every remaining entry from iter and closes it.
func Drain(iter EntryIterator) ([]*Entry, error) {
	defer iter.Close()
	var out []*Entry
	for {
		entry, err := iter.Next()
		if err != nil {
			return nil, err
		}
		if entry == nil {
			return out, nil
		}
		out = append(out, entry)
	}
}
