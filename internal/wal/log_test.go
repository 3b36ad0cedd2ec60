package wal_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"strata/internal/common"
	"strata/internal/wal"
)

func TestLogRotateAndDelete(t *testing.T) {
	log, err := wal.OpenLog(t.TempDir(), wal.DefaultOptions())
	require.NoError(t, err)
	defer log.Close()

	prev, err := log.NewSegment(1)
	require.NoError(t, err)
	require.Zero(t, prev)
	_, err = log.Append(context.Background(), []*common.Entry{common.PutEntry("a", "1", 1)})
	require.NoError(t, err)

	prev, err = log.NewSegment(2)
	require.NoError(t, err)
	require.Equal(t, common.FileNo(1), prev)
	require.Equal(t, common.FileNo(2), log.Current().FileNo())

	prev, err = log.NewSegment(5)
	require.NoError(t, err)
	require.Equal(t, common.FileNo(2), prev)

	segments, err := log.Segments()
	require.NoError(t, err)
	require.Equal(t, []common.FileNo{1, 2, 5}, segments)

	require.Error(t, log.DeleteSegment(5))
	require.NoError(t, log.DeleteSegmentsBefore(5))

	segments, err = log.Segments()
	require.NoError(t, err)
	require.Equal(t, []common.FileNo{5}, segments)
}

func TestLogRecover(t *testing.T) {
	dir := t.TempDir()
	log, err := wal.OpenLog(dir, wal.DefaultOptions())
	require.NoError(t, err)

	ctx := context.Background()
	_, err = log.NewSegment(1)
	require.NoError(t, err)
	_, err = log.Append(ctx, []*common.Entry{common.PutEntry("flushed", "x", 1)})
	require.NoError(t, err)

	_, err = log.NewSegment(3)
	require.NoError(t, err)
	_, err = log.Append(ctx, []*common.Entry{common.PutEntry("a", "1", 2), common.PutEntry("b", "2", 3)})
	require.NoError(t, err)

	_, err = log.NewSegment(4)
	require.NoError(t, err)
	_, err = log.Append(ctx, []*common.Entry{common.DeleteEntry("a", 4)})
	require.NoError(t, err)
	size := log.Current().Size()
	require.NoError(t, log.Close())

	// Simulate a torn write at the end of the last segment.
	f, err := os.OpenFile(log.SegmentPath(4), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte{9, 0, 0})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	log, err = wal.OpenLog(dir, wal.DefaultOptions())
	require.NoError(t, err)
	defer log.Close()

	rec, err := log.Recover(3)
	require.NoError(t, err)
	require.Equal(t, []common.FileNo{3, 4}, rec.Segments)
	require.Equal(t, uint64(4), rec.MaxSeq)
	common.RequireMatchesIterator(t, common.NewSliceIterator(rec.Entries), []*common.Entry{
		common.PutEntry("a", "1", 2),
		common.PutEntry("b", "2", 3),
		common.DeleteEntry("a", 4),
	})

	info, err := os.Stat(log.SegmentPath(4))
	require.NoError(t, err)
	require.Equal(t, size, info.Size())

	_, err = os.Stat(log.SegmentPath(1))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLogAppendWithoutSegment(t *testing.T) {
	log, err := wal.OpenLog(t.TempDir(), wal.DefaultOptions())
	require.NoError(t, err)
	defer log.Close()

	_, err = log.Append(context.Background(), []*common.Entry{common.PutEntry("a", "1", 1)})
	require.ErrorIs(t, err, wal.ErrClosed)
}
