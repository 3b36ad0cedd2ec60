package sstable

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"strata/internal/common"
)

// SSTable File Layout:
//
//                 ┌────────────────┐
//                 │  Data Block 0  │  [count u32] + entries, sorted by key (no duplicates)
//                 ├────────────────┤
//                 │       ...      │
//                 ├────────────────┤
//                 │  Data Block N  │  closed once it reaches the block size target
//  indexOffset -> ├────────────────┤
//                 │  Index Block   │  array of {firstKey, blockOffset} entries
// footerOffset -> ├────────────────┤
//                 │     Footer     │  offsets, key range, entry count, crc32
//                 ├────────────────┤
//                 │    Trailer     │  [footerLen u32][magic u64]
//                 └────────────────┘
//
// The checksum covers every byte before it. The footer and trailer are
// written last and the file is fsynced, so a table without a valid trailer
// was never committed.

const (
	// Magic identifies a committed SSTable.
	Magic uint64 = 0x5354524154415353

	// TrailerSize is the fixed size of the trailer at the end of the file.
	TrailerSize = 4 + 8

	// minFooterSize is a footer with empty min and max keys.
	minFooterSize = 8 + 8 + 4 + 4 + 8 + 4
)

// Footer locates the index and summarizes the table.
type Footer struct {
	IndexOffset uint64
	IndexLength uint64
	MinKey      []byte
	MaxKey      []byte
	EntryCount  uint64
	Checksum    uint32
}

// encodeBody returns every footer field except the checksum.
func (f *Footer) encodeBody() []byte {
	buf := make([]byte, 0, minFooterSize+len(f.MinKey)+len(f.MaxKey))
	buf = binary.LittleEndian.AppendUint64(buf, f.IndexOffset)
	buf = binary.LittleEndian.AppendUint64(buf, f.IndexLength)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.MinKey)))
	buf = append(buf, f.MinKey...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(f.MaxKey)))
	buf = append(buf, f.MaxKey...)
	buf = binary.LittleEndian.AppendUint64(buf, f.EntryCount)
	return buf
}

// encodeTail returns the checksum, the trailer, and nothing else.
func encodeTail(checksum uint32, footerLen int) []byte {
	buf := make([]byte, 0, 4+TrailerSize)
	buf = binary.LittleEndian.AppendUint32(buf, checksum)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(footerLen))
	buf = binary.LittleEndian.AppendUint64(buf, Magic)
	return buf
}

// decodeFooter parses a complete footer including the checksum.
func decodeFooter(data []byte) (*Footer, error) {
	r := bytes.NewReader(data)
	f := &Footer{}
	var err error

	if f.IndexOffset, err = common.ReadUint64(r); err != nil {
		return nil, footerErr(err)
	}
	if f.IndexLength, err = common.ReadUint64(r); err != nil {
		return nil, footerErr(err)
	}
	if f.MinKey, err = readKey(r); err != nil {
		return nil, footerErr(err)
	}
	if f.MaxKey, err = readKey(r); err != nil {
		return nil, footerErr(err)
	}
	if f.EntryCount, err = common.ReadUint64(r); err != nil {
		return nil, footerErr(err)
	}
	if f.Checksum, err = common.ReadUint32(r); err != nil {
		return nil, footerErr(err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in footer", common.ErrCorruption, r.Len())
	}
	return f, nil
}

func readKey(r *bytes.Reader) ([]byte, error) {
	n, err := common.ReadUint32(r)
	if err != nil {
		return nil, err
	}
	if int64(n) > int64(r.Len()) {
		return nil, fmt.Errorf("key length %d exceeds footer", n)
	}
	return common.ReadBytes(r, uint64(n))
}

func footerErr(err error) error {
	return fmt.Errorf("%w: footer: %v", common.ErrCorruption, err)
}

// decodeTrailer returns the footer length stored in the trailer.
func decodeTrailer(data []byte) (uint32, error) {
	if len(data) != TrailerSize {
		return 0, fmt.Errorf("%w: trailer is %d bytes", common.ErrCorruption, len(data))
	}
	if magic := binary.LittleEndian.Uint64(data[4:]); magic != Magic {
		return 0, fmt.Errorf("%w: bad magic %#x", common.ErrCorruption, magic)
	}
	return binary.LittleEndian.Uint32(data[:4]), nil
}
