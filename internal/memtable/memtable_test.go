package memtable_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"strata/internal/common"
	"strata/internal/memtable"
)

func TestPutAndGet(t *testing.T) {
	mt := memtable.New()

	key := []byte("alpha")
	value := []byte("value")
	require.NoError(t, mt.Put(&common.Entry{Type: common.EntryTypePut, Seq: 1, Key: key, Value: value}))

	// Mutate original slices to ensure the memtable stored clones.
	key[0] = 'A'
	value[0] = 'V'

	entry, ok := mt.Get([]byte("alpha"))
	require.True(t, ok)
	require.Equal(t, uint64(1), entry.Seq)
	require.False(t, entry.IsTombstone())
	require.Equal(t, []byte("value"), entry.Value)

	_, ok = mt.Get([]byte("Alpha"))
	require.False(t, ok)
}

func TestGetMissing(t *testing.T) {
	mt := memtable.New()

	_, ok := mt.Get([]byte("missing"))
	require.False(t, ok)
}

func TestBulkPutGetDelete(t *testing.T) {
	mt := memtable.New()

	const total = 512
	for i := 0; i < total; i++ {
		require.NoError(t, mt.Put(common.PutEntry(fmt.Sprintf("k%04d", i), fmt.Sprintf("v%04d", i), uint64(i+1))))
	}

	for i := 0; i < total; i += 2 {
		require.NoError(t, mt.Put(common.DeleteEntry(fmt.Sprintf("k%04d", i), uint64(total+i+1))))
	}

	require.Equal(t, total, mt.Len())
	for i := 0; i < total; i++ {
		entry, ok := mt.Get([]byte(fmt.Sprintf("k%04d", i)))
		require.True(t, ok)
		if i%2 == 0 {
			require.True(t, entry.IsTombstone())
			require.Equal(t, uint64(total+i+1), entry.Seq)
		} else {
			require.False(t, entry.IsTombstone())
			require.Equal(t, uint64(i+1), entry.Seq)
			require.Equal(t, []byte(fmt.Sprintf("v%04d", i)), entry.Value)
		}
	}
}

func TestOverwriteKeepsHighestSeq(t *testing.T) {
	mt := memtable.New()

	require.NoError(t, mt.Put(common.PutEntry("dup", "v1", 1)))
	require.NoError(t, mt.Put(common.PutEntry("dup", "v2", 2)))

	entry, ok := mt.Get([]byte("dup"))
	require.True(t, ok)
	require.Equal(t, []byte("v2"), entry.Value)

	// A stale write is ignored.
	require.NoError(t, mt.Put(common.PutEntry("dup", "old", 1)))
	entry, _ = mt.Get([]byte("dup"))
	require.Equal(t, []byte("v2"), entry.Value)

	require.NoError(t, mt.Put(common.DeleteEntry("dup", 3)))
	entry, ok = mt.Get([]byte("dup"))
	require.True(t, ok)
	require.True(t, entry.IsTombstone())
	require.Equal(t, uint64(3), entry.Seq)
}

func TestSizeAccounting(t *testing.T) {
	mt := memtable.New()
	require.Zero(t, mt.SizeBytes())

	require.NoError(t, mt.Put(common.PutEntry("key", "value", 1)))
	require.Equal(t, int64(3+5+9), mt.SizeBytes())

	require.NoError(t, mt.Put(common.PutEntry("key", "v", 2)))
	require.Equal(t, int64(3+1+9), mt.SizeBytes())

	require.NoError(t, mt.Put(common.DeleteEntry("key", 3)))
	require.Equal(t, int64(3+9), mt.SizeBytes())

	require.NoError(t, mt.Put(common.DeleteEntry("other", 4)))
	require.Equal(t, int64(3+9+5+9), mt.SizeBytes())
}

func TestFreeze(t *testing.T) {
	mt := memtable.New()
	require.NoError(t, mt.Put(common.PutEntry("a", "1", 1)))
	require.False(t, mt.Frozen())

	mt.Freeze()
	require.True(t, mt.Frozen())
	require.ErrorIs(t, mt.Put(common.PutEntry("b", "2", 2)), memtable.ErrFrozen)

	entry, ok := mt.Get([]byte("a"))
	require.True(t, ok)
	require.Equal(t, []byte("1"), entry.Value)
}

func TestIteratorOrdered(t *testing.T) {
	mt := memtable.New()
	require.NoError(t, mt.Put(common.PutEntry("cherry", "3", 3)))
	require.NoError(t, mt.Put(common.PutEntry("apple", "1", 1)))
	require.NoError(t, mt.Put(common.DeleteEntry("banana", 2)))

	common.RequireMatchesIterator(t, mt.Iterator(), []*common.Entry{
		common.PutEntry("apple", "1", 1),
		common.DeleteEntry("banana", 2),
		common.PutEntry("cherry", "3", 3),
	})
}

func TestScanBounds(t *testing.T) {
	mt := memtable.New()
	for i, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, mt.Put(common.PutEntry(k, k, uint64(i+1))))
	}

	tests := []struct {
		name       string
		start, end []byte
		want       []string
	}{
		{"unbounded", nil, nil, []string{"a", "b", "c", "d", "e"}},
		{"half open", []byte("b"), []byte("d"), []string{"b", "c"}},
		{"start between keys", []byte("bb"), nil, []string{"c", "d", "e"}},
		{"end only", nil, []byte("c"), []string{"a", "b"}},
		{"empty range", []byte("c"), []byte("c"), nil},
		{"past end", []byte("z"), nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, err := common.Drain(mt.Scan(tt.start, tt.end))
			require.NoError(t, err)
			var keys []string
			for _, e := range entries {
				keys = append(keys, string(e.Key))
			}
			require.Equal(t, tt.want, keys)
		})
	}
}

func TestScanSeesLaterWrites(t *testing.T) {
	mt := memtable.New()
	require.NoError(t, mt.Put(common.PutEntry("a", "1", 1)))
	require.NoError(t, mt.Put(common.PutEntry("c", "3", 2)))

	iter := mt.Scan(nil, nil)
	defer iter.Close()

	first, err := iter.Next()
	require.NoError(t, err)
	require.Equal(t, "a", string(first.Key))

	require.NoError(t, mt.Put(common.PutEntry("b", "2", 3)))

	second, err := iter.Next()
	require.NoError(t, err)
	require.Equal(t, "b", string(second.Key))
}

func TestConcurrentReadersAndWriter(t *testing.T) {
	mt := memtable.New()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			_ = mt.Put(common.PutEntry(fmt.Sprintf("k%04d", i), "v", uint64(i+1)))
		}
	}()

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				entries, err := common.Drain(mt.Iterator())
				if err != nil {
					t.Error(err)
					return
				}
				for j := 1; j < len(entries); j++ {
					if string(entries[j-1].Key) >= string(entries[j].Key) {
						t.Errorf("out of order: %q >= %q", entries[j-1].Key, entries[j].Key)
						return
					}
				}
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1000, mt.Len())
}
