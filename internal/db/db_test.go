package db_test

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"strata/internal/common"
	"strata/internal/db"
	"strata/internal/sstable"
	"strata/internal/wal"
)

type kv struct {
	key, value string
}

func scanAll(t *testing.T, d *db.DB, start, end []byte) []kv {
	t.Helper()
	iter, err := d.Scan(start, end)
	require.NoError(t, err)
	defer iter.Close()

	var out []kv
	for {
		entry, err := iter.Next()
		require.NoError(t, err)
		if entry == nil {
			return out
		}
		out = append(out, kv{string(entry.Key), string(entry.Value)})
	}
}

func requireValue(t *testing.T, d *db.DB, key, want string) {
	t.Helper()
	got, err := d.Get([]byte(key))
	require.NoError(t, err, "get %q", key)
	require.Equal(t, want, string(got), "get %q", key)
}

func requireNotFound(t *testing.T, d *db.DB, key string) {
	t.Helper()
	_, err := d.Get([]byte(key))
	require.ErrorIs(t, err, db.ErrNotFound, "get %q", key)
}

// crashCopy snapshots the directory of a running engine, as if the process
// had died at this point.
func crashCopy(t *testing.T, src string) string {
	t.Helper()
	dst := t.TempDir()
	err := filepath.WalkDir(src, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if de.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if de.Name() == "LOCK" {
			return nil
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.Create(target)
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
	require.NoError(t, err)
	return dst
}

func listFiles(t *testing.T, dir, suffix string) []string {
	t.Helper()
	var out []string
	err := filepath.WalkDir(dir, func(path string, de fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !de.IsDir() && strings.HasSuffix(path, suffix) {
			out = append(out, path)
		}
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestScenario(t *testing.T) {
	dir := t.TempDir()
	d, err := db.Open(dir)
	require.NoError(t, err)

	require.NoError(t, d.Set([]byte("a"), []byte("1")))
	require.NoError(t, d.Set([]byte("b"), []byte("2")))
	require.Equal(t, []kv{{"a", "1"}, {"b", "2"}}, scanAll(t, d, []byte("a"), []byte("c")))

	require.NoError(t, d.Delete([]byte("a")))
	requireNotFound(t, d, "a")

	// MemTable shadows SSTable
	require.NoError(t, d.Set([]byte("a"), []byte("1")))
	require.NoError(t, d.Flush())
	require.NoError(t, d.Set([]byte("a"), []byte("2")))
	requireValue(t, d, "a", "2")

	// A full compaction holds the oldest table, so the tombstone is dropped.
	require.NoError(t, d.Delete([]byte("a")))
	require.NoError(t, d.Flush())
	require.NoError(t, d.Compact(context.Background()))
	requireNotFound(t, d, "a")

	snap, err := d.Manifest().Acquire()
	require.NoError(t, err)
	require.Len(t, snap.Tables, 1)
	entries, err := common.Drain(snap.Tables[0].Iterator())
	require.NoError(t, err)
	snap.Release()
	require.Len(t, entries, 1)
	require.Equal(t, "b", string(entries[0].Key))
	require.NoError(t, d.Close())

	// A fresh engine over the compacted table does not resurrect "a".
	d = openTestDB(t, dir)
	requireNotFound(t, d, "a")
	requireValue(t, d, "b", "2")
}

func TestLastWriteWinsAcrossLayers(t *testing.T) {
	d := openTestDB(t, t.TempDir(), db.WithTableCountThreshold(100))

	want := map[string]string{}
	set := func(k, v string) {
		require.NoError(t, d.Set([]byte(k), []byte(v)))
		want[k] = v
	}
	del := func(k string) {
		require.NoError(t, d.Delete([]byte(k)))
		delete(want, k)
	}

	for round := 0; round < 4; round++ {
		for i := 0; i < 20; i++ {
			key := fmt.Sprintf("key%02d", i)
			switch {
			case (i+round)%5 == 0:
				del(key)
			default:
				set(key, fmt.Sprintf("r%d-%d", round, i))
			}
		}
		require.NoError(t, d.Flush())
	}
	// Leave the last round in the memtable.
	set("key03", "latest")
	del("key04")

	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("key%02d", i)
		if v, ok := want[key]; ok {
			requireValue(t, d, key, v)
		} else {
			requireNotFound(t, d, key)
		}
	}

	var expected []kv
	for i := 0; i < 20; i++ {
		key := fmt.Sprintf("key%02d", i)
		if v, ok := want[key]; ok {
			expected = append(expected, kv{key, v})
		}
	}
	require.Equal(t, expected, scanAll(t, d, nil, nil))
	require.Equal(t, 4, d.Stats().Tiers[0].Tables)
}

func TestScanRanges(t *testing.T) {
	d := openTestDB(t, t.TempDir())
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, d.Set([]byte(k), []byte(k+k)))
	}
	require.NoError(t, d.Flush())
	require.NoError(t, d.Delete([]byte("c")))
	require.NoError(t, d.Set([]byte("bb"), []byte("new")))

	tests := []struct {
		name       string
		start, end []byte
		want       []kv
	}{
		{"all", nil, nil, []kv{{"a", "aa"}, {"b", "bb"}, {"bb", "new"}, {"d", "dd"}, {"e", "ee"}}},
		{"half open", []byte("b"), []byte("d"), []kv{{"b", "bb"}, {"bb", "new"}}},
		{"from", []byte("d"), nil, []kv{{"d", "dd"}, {"e", "ee"}}},
		{"until", nil, []byte("b"), []kv{{"a", "aa"}}},
		{"deleted only", []byte("c"), []byte("cz"), nil},
		{"inverted", []byte("e"), []byte("a"), nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, scanAll(t, d, tc.start, tc.end))
		})
	}
}

func TestScanSurvivesCompaction(t *testing.T) {
	d := openTestDB(t, t.TempDir())
	for i := 0; i < 50; i++ {
		require.NoError(t, d.Set([]byte(fmt.Sprintf("k%02d", i)), []byte("v")))
		if i%10 == 9 {
			require.NoError(t, d.Flush())
		}
	}

	iter, err := d.Scan(nil, nil)
	require.NoError(t, err)
	defer iter.Close()

	first, err := iter.Next()
	require.NoError(t, err)
	require.Equal(t, "k00", string(first.Key))

	require.NoError(t, d.Compact(context.Background()))

	count := 1
	for {
		entry, err := iter.Next()
		require.NoError(t, err)
		if entry == nil {
			break
		}
		count++
	}
	require.Equal(t, 50, count)
}

func TestRecoverFromWAL(t *testing.T) {
	dir := t.TempDir()
	d := openTestDB(t, dir, db.WithMemtableFlushThreshold(1<<20))

	for i := 0; i < 10; i++ {
		require.NoError(t, d.Set([]byte(fmt.Sprintf("key%d", i)), []byte(fmt.Sprintf("value%d", i))))
	}
	require.NoError(t, d.Delete([]byte("key3")))

	recovered := openTestDB(t, crashCopy(t, dir))
	for i := 0; i < 10; i++ {
		if i == 3 {
			requireNotFound(t, recovered, "key3")
			continue
		}
		requireValue(t, recovered, fmt.Sprintf("key%d", i), fmt.Sprintf("value%d", i))
	}
	require.Equal(t, uint64(12), recovered.Stats().NextSeq)

	// New writes continue the sequence.
	require.NoError(t, recovered.Set([]byte("key3"), []byte("again")))
	requireValue(t, recovered, "key3", "again")
}

func TestRecoverTornWALTail(t *testing.T) {
	dir := t.TempDir()
	d := openTestDB(t, dir, db.WithMemtableFlushThreshold(1<<20))
	for i := 0; i < 10; i++ {
		require.NoError(t, d.Set([]byte(fmt.Sprintf("key%d", i)), []byte("value")))
	}

	crashed := crashCopy(t, dir)
	segments := listFiles(t, filepath.Join(crashed, "wal"), ".log")
	require.NotEmpty(t, segments)
	last := segments[len(segments)-1]
	info, err := os.Stat(last)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(last, info.Size()-3))

	recovered := openTestDB(t, crashed)
	for i := 0; i < 9; i++ {
		requireValue(t, recovered, fmt.Sprintf("key%d", i), "value")
	}
	requireNotFound(t, recovered, "key9")
	require.Equal(t, uint64(10), recovered.Stats().NextSeq)
}

func TestRecoverAfterFlushAndWrites(t *testing.T) {
	dir := t.TempDir()
	d := openTestDB(t, dir, db.WithMemtableFlushThreshold(1<<20))

	require.NoError(t, d.Set([]byte("flushed"), []byte("1")))
	require.NoError(t, d.Flush())
	require.NoError(t, d.Set([]byte("flushed"), []byte("2")))
	require.NoError(t, d.Set([]byte("logged"), []byte("3")))

	recovered := openTestDB(t, crashCopy(t, dir))
	requireValue(t, recovered, "flushed", "2")
	requireValue(t, recovered, "logged", "3")
	require.Equal(t, uint64(4), recovered.Stats().NextSeq)
}

func TestFlushRetiresWALSegments(t *testing.T) {
	dir := t.TempDir()
	d := openTestDB(t, dir)

	require.NoError(t, d.Set([]byte("a"), []byte("1")))
	require.NoError(t, d.Flush())
	require.NoError(t, d.Set([]byte("b"), []byte("2")))
	require.NoError(t, d.Flush())

	segments := listFiles(t, filepath.Join(dir, "wal"), ".log")
	require.Len(t, segments, 1)

	stats := d.Stats()
	require.Equal(t, uint64(2), stats.Flushes)
	require.Equal(t, stats.WALSegment, stats.LogNumber)
	require.Zero(t, stats.MemtableEntries)
}

func TestReopenAfterClose(t *testing.T) {
	dir := t.TempDir()
	d, err := db.Open(dir)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		require.NoError(t, d.Set([]byte(fmt.Sprintf("key%03d", i)), []byte(fmt.Sprint(i))))
	}
	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	d = openTestDB(t, dir)
	for i := 0; i < 100; i++ {
		requireValue(t, d, fmt.Sprintf("key%03d", i), fmt.Sprint(i))
	}
	require.Equal(t, 1, d.Stats().Tiers[0].Tables)
	require.Equal(t, uint64(101), d.Stats().NextSeq)
}

func TestBatchedSyncMode(t *testing.T) {
	dir := t.TempDir()
	d, err := db.Open(dir, db.WithWALSync(wal.SyncBatched, 2*time.Millisecond))
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		require.NoError(t, d.Set([]byte(fmt.Sprintf("k%d", i)), []byte("v")))
	}
	require.NoError(t, d.Close())

	d = openTestDB(t, dir)
	for i := 0; i < 20; i++ {
		requireValue(t, d, fmt.Sprintf("k%d", i), "v")
	}
}

func TestBackgroundCompaction(t *testing.T) {
	d := openTestDB(t, t.TempDir(), db.WithTableCountThreshold(2), db.WithMaxTiers(3))

	for i := 0; i < 8; i++ {
		require.NoError(t, d.Set([]byte(fmt.Sprintf("k%d", i)), []byte("v")))
		require.NoError(t, d.Flush())
	}

	require.Eventually(t, func() bool {
		s := d.Stats()
		return s.Compactions > 0 && s.Tiers[0].Tables < 2
	}, 5*time.Second, 10*time.Millisecond)

	for i := 0; i < 8; i++ {
		requireValue(t, d, fmt.Sprintf("k%d", i), "v")
	}
}

func TestOrphanTablesRemovedOnOpen(t *testing.T) {
	dir := t.TempDir()
	d, err := db.Open(dir)
	require.NoError(t, err)
	require.NoError(t, d.Set([]byte("live"), []byte("1")))
	require.NoError(t, d.Close())

	// A compaction output written before the crash but never committed.
	pm := common.NewPathManager(dir)
	require.NoError(t, os.MkdirAll(pm.SSTableTierDir(1), 0o755))
	orphan := pm.SSTableFile(1, 999)
	_, err = sstable.WriteTable(orphan, common.NewSliceIterator([]*common.Entry{
		common.PutEntry("ghost", "boo", 1000),
	}), sstable.DefaultWriterOptions())
	require.NoError(t, err)

	d = openTestDB(t, dir)
	requireNotFound(t, d, "ghost")
	requireValue(t, d, "live", "1")
	_, err = os.Stat(orphan)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestCorruptTableFailsOpen(t *testing.T) {
	dir := t.TempDir()
	d, err := db.Open(dir)
	require.NoError(t, err)
	require.NoError(t, d.Set([]byte("a"), []byte("1")))
	require.NoError(t, d.Close())

	tables := listFiles(t, filepath.Join(dir, "sstable"), ".sst")
	require.Len(t, tables, 1)
	data, err := os.ReadFile(tables[0])
	require.NoError(t, err)
	data[5] ^= 0xff
	require.NoError(t, os.WriteFile(tables[0], data, 0o644))

	_, err = db.Open(dir)
	require.ErrorIs(t, err, common.ErrCorruption)

	// The failed open released the directory lock.
	data[5] ^= 0xff
	require.NoError(t, os.WriteFile(tables[0], data, 0o644))
	d = openTestDB(t, dir)
	requireValue(t, d, "a", "1")
}

func TestDirectoryLock(t *testing.T) {
	dir := t.TempDir()
	d := openTestDB(t, dir)

	_, err := db.Open(dir)
	require.ErrorIs(t, err, db.ErrLocked)

	require.NoError(t, d.Close())
	again := openTestDB(t, dir)
	require.NotNil(t, again)
}

func TestInvalidOptions(t *testing.T) {
	tests := []struct {
		name string
		opt  db.Option
	}{
		{"zero flush threshold", db.WithMemtableFlushThreshold(0)},
		{"batched without interval", db.WithWALSync(wal.SyncBatched, 0)},
		{"unknown sync mode", db.WithWALSync(wal.SyncMode(7), time.Millisecond)},
		{"table count threshold", db.WithTableCountThreshold(1)},
		{"no tiers", db.WithMaxTiers(0)},
		{"block size", db.WithBlockSize(0)},
		{"bloom rate", db.WithBloomFalsePositiveRate(1)},
		{"batch size", db.WithMaxBatchSize(0)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := db.Open(t.TempDir(), tc.opt)
			require.ErrorIs(t, err, db.ErrInvalidOptions)
		})
	}
}

func TestEmptyKeyAndClosed(t *testing.T) {
	d, err := db.Open(t.TempDir())
	require.NoError(t, err)

	require.ErrorIs(t, d.Set(nil, []byte("v")), db.ErrEmptyKey)
	require.ErrorIs(t, d.Delete([]byte{}), db.ErrEmptyKey)
	_, err = d.Get(nil)
	require.ErrorIs(t, err, db.ErrEmptyKey)

	require.NoError(t, d.Close())
	require.ErrorIs(t, d.Set([]byte("k"), []byte("v")), db.ErrClosed)
	require.ErrorIs(t, d.Delete([]byte("k")), db.ErrClosed)
	require.ErrorIs(t, d.Flush(), db.ErrClosed)
	_, err = d.Get([]byte("k"))
	require.ErrorIs(t, err, db.ErrClosed)
	_, err = d.Scan(nil, nil)
	require.ErrorIs(t, err, db.ErrClosed)
	require.ErrorIs(t, d.Compact(context.Background()), db.ErrClosed)
}

func TestFlushEmptyMemtable(t *testing.T) {
	d := openTestDB(t, t.TempDir())
	require.NoError(t, d.Flush())
	require.Zero(t, d.Stats().Flushes)
	require.NoError(t, d.Compact(context.Background()))
}
