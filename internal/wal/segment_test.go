package wal_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"strata/internal/common"
	"strata/internal/wal"
)

func openSegment(t *testing.T, path string, opts wal.Options) *wal.Segment {
	t.Helper()
	seg, err := wal.OpenSegment(path, 1, opts)
	require.NoError(t, err)
	t.Cleanup(func() { seg.Close() })
	return seg
}

func TestAppendAndReadAll(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.log")
	seg := openSegment(t, path, wal.DefaultOptions())

	batch := []*common.Entry{
		common.PutEntry("a", "A", 1),
		common.DeleteEntry("b", 2),
	}
	lsn, err := seg.Append(context.Background(), batch)
	require.NoError(t, err)
	require.Equal(t, wal.LSN(seg.Size()), lsn)

	entries, validLen, err := wal.ReadAll(path)
	require.NoError(t, err)
	require.Equal(t, int64(lsn), validLen)
	common.RequireMatchesIterator(t, common.NewSliceIterator(entries), batch)
}

func TestPersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.log")

	seg, err := wal.OpenSegment(path, 1, wal.DefaultOptions())
	require.NoError(t, err)
	batch1 := []*common.Entry{common.PutEntry("k1", "v1", 10)}
	_, err = seg.Append(context.Background(), batch1)
	require.NoError(t, err)
	require.NoError(t, seg.Close())

	seg = openSegment(t, path, wal.DefaultOptions())
	batch2 := []*common.Entry{common.PutEntry("k2", "v2", 11)}
	_, err = seg.Append(context.Background(), batch2)
	require.NoError(t, err)

	entries, _, err := wal.ReadAll(path)
	require.NoError(t, err)
	common.RequireMatchesIterator(t, common.NewSliceIterator(entries), append(batch1, batch2...))
}

func TestBulkAppendBatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.log")
	seg := openSegment(t, path, wal.DefaultOptions())

	const (
		batches  = 4
		perBatch = 128
	)

	expected := make([]*common.Entry, 0, batches*perBatch)
	seq := uint64(1)
	for batch := 0; batch < batches; batch++ {
		current := make([]*common.Entry, 0, perBatch)
		for i := 0; i < perBatch; i++ {
			entry := common.PutEntry(fmt.Sprintf("b%02d-key-%03d", batch, i), fmt.Sprintf("payload-%02d-%03d", batch, i), seq)
			seq++
			current = append(current, entry)
			expected = append(expected, entry)
		}
		_, err := seg.Append(context.Background(), current)
		require.NoError(t, err)
	}

	entries, _, err := wal.ReadAll(path)
	require.NoError(t, err)
	common.RequireMatchesIterator(t, common.NewSliceIterator(entries), expected)
}

func TestAppendContextCancellation(t *testing.T) {
	seg := openSegment(t, filepath.Join(t.TempDir(), "000001.log"), wal.DefaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := seg.Append(ctx, []*common.Entry{common.PutEntry("k", "v", 1)})
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, seg.Size())
}

func TestAppendAfterClose(t *testing.T) {
	seg, err := wal.OpenSegment(filepath.Join(t.TempDir(), "000001.log"), 1, wal.DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, seg.Close())
	require.NoError(t, seg.Close())

	_, err = seg.Append(context.Background(), []*common.Entry{common.PutEntry("k", "v", 1)})
	require.ErrorIs(t, err, wal.ErrClosed)
}

func TestBatchedSyncMode(t *testing.T) {
	path := filepath.Join(t.TempDir(), "000001.log")
	opts := wal.DefaultOptions()
	opts.SyncMode = wal.SyncBatched
	opts.SyncInterval = time.Millisecond
	seg := openSegment(t, path, opts)

	for i := 0; i < 50; i++ {
		_, err := seg.Append(context.Background(), []*common.Entry{common.PutEntry(fmt.Sprintf("k%02d", i), "v", uint64(i+1))})
		require.NoError(t, err)
	}
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, seg.Sync())

	entries, _, err := wal.ReadAll(path)
	require.NoError(t, err)
	require.Len(t, entries, 50)
}

func TestReadAllMissingFile(t *testing.T) {
	_, _, err := wal.ReadAll(filepath.Join(t.TempDir(), "missing.log"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
