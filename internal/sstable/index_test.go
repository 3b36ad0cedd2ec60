package sstable

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"strata/internal/common"
)

func TestIndexEntryEncodeDecode(t *testing.T) {
	tests := []struct {
		name  string
		entry *IndexEntry
	}{
		{"Basic entry", &IndexEntry{BlockOffset: 1024, Key: []byte("apple")}},
		{"Zero offset", &IndexEntry{BlockOffset: 0, Key: []byte("first-key")}},
		{"Large offset", &IndexEntry{BlockOffset: 0xFFFFFFFFFFFFFFFF, Key: []byte("last-key")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			n, err := tt.entry.Encode(&buf)
			require.NoError(t, err)
			require.Equal(t, 4+len(tt.entry.Key)+8, n)

			decoded, err := DecodeIndexEntry(&buf)
			require.NoError(t, err)
			require.Equal(t, tt.entry.BlockOffset, decoded.BlockOffset)
			require.Equal(t, tt.entry.Key, decoded.Key)
		})
	}
}

func TestIndexFindBlockOffset(t *testing.T) {
	idx := &Index{
		Entries: []IndexEntry{
			{BlockOffset: 0, Key: []byte("apple")},
			{BlockOffset: 1000, Key: []byte("banana")},
			{BlockOffset: 2000, Key: []byte("cherry")},
			{BlockOffset: 3000, Key: []byte("durian")},
			{BlockOffset: 4000, Key: []byte("elderberry")},
		},
	}

	tests := []struct {
		name       string
		key        string
		wantOffset uint64
		wantFound  bool
	}{
		{"Before apple", "aardvark", 0, false},
		{"Exact match apple", "apple", 0, true},
		{"Between apple and banana", "apricot", 0, true},
		{"Exact match banana", "banana", 1000, true},
		{"Between banana and cherry", "blueberry", 1000, true},
		{"Exact match cherry", "cherry", 2000, true},
		{"Between cherry and durian", "cranberry", 2000, true},
		{"Exact match durian", "durian", 3000, true},
		{"Between durian and elderberry", "eggplant", 3000, true},
		{"Exact match elderberry", "elderberry", 4000, true},
		{"After elderberry", "fig", 4000, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			offset, found := idx.FindBlockOffset([]byte(tt.key))
			require.Equal(t, tt.wantFound, found)
			if found {
				require.Equal(t, tt.wantOffset, offset)
			}
		})
	}
}

func TestIndexFindBlockOffset_EmptyIndex(t *testing.T) {
	idx := &Index{}
	offset, found := idx.FindBlockOffset([]byte("any"))
	require.False(t, found)
	require.Equal(t, uint64(0), offset)
}

func TestIndexWriteRead(t *testing.T) {
	original := &Index{
		Entries: []IndexEntry{
			{BlockOffset: 0, Key: []byte("apple")},
			{BlockOffset: 1000, Key: []byte("banana")},
			{BlockOffset: 2000, Key: []byte("cherry")},
		},
	}

	var buf bytes.Buffer
	_, err := WriteIndex(&buf, original)
	require.NoError(t, err)

	decoded, err := ReadIndex(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, original.Entries, decoded.Entries)
}

func TestIndexWriteRead_EmptyIndex(t *testing.T) {
	var buf bytes.Buffer
	_, err := WriteIndex(&buf, &Index{})
	require.NoError(t, err)

	decoded, err := ReadIndex(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, 0, decoded.Len())
}

func TestReadIndexTruncated(t *testing.T) {
	var buf bytes.Buffer
	_, err := WriteIndex(&buf, &Index{Entries: []IndexEntry{{Key: []byte("apple")}}})
	require.NoError(t, err)

	_, err = ReadIndex(buf.Bytes()[:buf.Len()-1])
	require.ErrorIs(t, err, common.ErrCorruption)
}
