package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"strata/internal/common"
)

const (
	lengthSize   = 4
	checksumSize = 4
	// minBodySize is an entry with an empty key and value.
	minBodySize = 4 + 1 + 4 + 8
)

// appendRecord encodes entry as [entryLen][body][crc32] onto buf.
func appendRecord(buf []byte, entry *common.Entry) []byte {
	start := len(buf)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(entry.EncodedLen()))
	buf = entry.AppendTo(buf)
	sum := crc32.ChecksumIEEE(buf[start:])
	return binary.LittleEndian.AppendUint32(buf, sum)
}

// decodeRecord parses the record at data[off:]. It returns the entry and the
// offset just past the record, or ok=false if no intact record starts there.
func decodeRecord(data []byte, off int) (entry *common.Entry, next int, ok bool) {
	if len(data)-off < lengthSize {
		return nil, 0, false
	}
	bodyLen := int(binary.LittleEndian.Uint32(data[off:]))
	if bodyLen < minBodySize {
		return nil, 0, false
	}
	end := off + lengthSize + bodyLen + checksumSize
	if end > len(data) || end < off {
		return nil, 0, false
	}

	bodyEnd := end - checksumSize
	want := binary.LittleEndian.Uint32(data[bodyEnd:])
	if crc32.ChecksumIEEE(data[off:bodyEnd]) != want {
		return nil, 0, false
	}

	body := data[off+lengthSize : bodyEnd]
	e, err := decodeBody(body)
	if err != nil {
		return nil, 0, false
	}
	return e, end, true
}

func decodeBody(body []byte) (*common.Entry, error) {
	r := bytes.NewReader(body)
	e, err := common.DecodeEntry(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in record", common.ErrCorruption, r.Len())
	}
	return e, nil
}

// ReadAll replays every intact record of the segment at path in write order.
// validLen is the byte length of the intact prefix. A damaged record at the
// tail ends the replay without error. A damaged record whose declared length
// fits in the file and is followed by an intact record is reported as
// common.ErrCorruption.
func ReadAll(path string) (entries []*common.Entry, validLen int64, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, fmt.Errorf("wal: read %s: %w", path, err)
	}

	off := 0
	for off < len(data) {
		entry, next, ok := decodeRecord(data, off)
		if !ok {
			if intactRecordFollows(data, off) {
				return nil, 0, fmt.Errorf("%w: wal %s: damaged record at offset %d", common.ErrCorruption, path, off)
			}
			break
		}
		entries = append(entries, entry)
		off = next
	}
	return entries, int64(off), nil
}

// intactRecordFollows reports whether the damaged record at off declares an
// end inside data and an intact record starts exactly there. A declared end
// past EOF means the write was torn.
func intactRecordFollows(data []byte, off int) bool {
	if len(data)-off < lengthSize {
		return false
	}
	bodyLen := int(binary.LittleEndian.Uint32(data[off:]))
	if bodyLen < minBodySize {
		return false
	}
	end := off + lengthSize + bodyLen + checksumSize
	if end >= len(data) || end < off {
		return false
	}
	_, _, ok := decodeRecord(data, end)
	return ok
}
