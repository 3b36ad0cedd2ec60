package wal

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"strata/internal/common"
)

// Log manages the numbered segments of a WAL directory. Exactly one segment
// is open for appends at a time.
type Log struct {
	mu      sync.Mutex
	dir     string
	opts    Options
	current *Segment
	closed  bool
}

// OpenLog prepares dir for WAL segments. No segment is open until
// NewSegment is called.
func OpenLog(dir string, opts Options) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("wal: create dir %s: %w", dir, err)
	}
	opts.Logger = common.NewLogger(opts.Logger)
	return &Log{dir: dir, opts: opts}, nil
}

func (l *Log) SegmentPath(fileNo common.FileNo) string {
	return filepath.Join(l.dir, common.WALFileName(fileNo))
}

// Segments lists the file numbers of every segment on disk in ascending
// order.
func (l *Log) Segments() ([]common.FileNo, error) {
	dirEntries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("wal: list %s: %w", l.dir, err)
	}
	var out []common.FileNo
	for _, de := range dirEntries {
		if de.IsDir() {
			continue
		}
		if n, ok := common.ParseWALFileName(de.Name()); ok {
			out = append(out, n)
		}
	}
	slices.Sort(out)
	return out, nil
}

// Recovery is the result of replaying a WAL directory.
type Recovery struct {
	Entries []*common.Entry
	// Segments holds the replayed segment numbers in replay order.
	Segments []common.FileNo
	MaxSeq   uint64
}

// Recover deletes segments older than logNumber, whose contents already live
// in SSTables, and replays the rest in creation order. A torn tail is
// truncated so later appends never follow garbage.
func (l *Log) Recover(logNumber common.FileNo) (*Recovery, error) {
	start := time.Now()
	segments, err := l.Segments()
	if err != nil {
		return nil, err
	}

	rec := &Recovery{}
	for _, fileNo := range segments {
		path := l.SegmentPath(fileNo)
		if fileNo < logNumber {
			if err := removeFile(path); err != nil {
				return nil, err
			}
			l.opts.Logger.Debug("removed flushed wal segment", zap.Uint64("segment", uint64(fileNo)))
			continue
		}

		entries, validLen, err := ReadAll(path)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("wal: stat %s: %w", path, err)
		}
		if info.Size() > validLen {
			l.opts.Logger.Warn("truncating torn wal tail",
				zap.String("path", path),
				zap.Int64("size", info.Size()),
				zap.Int64("valid", validLen))
			if err := os.Truncate(path, validLen); err != nil {
				return nil, fmt.Errorf("wal: truncate %s: %w", path, err)
			}
		}

		for _, e := range entries {
			rec.MaxSeq = max(rec.MaxSeq, e.Seq)
		}
		rec.Entries = append(rec.Entries, entries...)
		rec.Segments = append(rec.Segments, fileNo)
	}

	common.LogDuration(l.opts.Logger, start, "wal recovered",
		zap.Int("segments", len(rec.Segments)),
		zap.Int("entries", len(rec.Entries)))
	return rec, nil
}

// NewSegment opens segment fileNo for appends and closes the previous one.
// It returns the previous segment number, or 0 if none was open.
func (l *Log) NewSegment(fileNo common.FileNo) (common.FileNo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, ErrClosed
	}

	seg, err := OpenSegment(l.SegmentPath(fileNo), fileNo, l.opts)
	if err != nil {
		return 0, err
	}

	var prev common.FileNo
	if l.current != nil {
		prev = l.current.FileNo()
		if err := l.current.Close(); err != nil {
			seg.Close()
			return 0, err
		}
	}
	l.current = seg
	return prev, nil
}

// Current returns the segment open for appends, or nil.
func (l *Log) Current() *Segment {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Append writes entries to the current segment.
func (l *Log) Append(ctx context.Context, entries []*common.Entry) (LSN, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.current == nil {
		return 0, ErrClosed
	}
	return l.current.Append(ctx, entries)
}

func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.current == nil {
		return ErrClosed
	}
	return l.current.Sync()
}

// DeleteSegment removes a retired segment. The open segment cannot be
// deleted.
func (l *Log) DeleteSegment(fileNo common.FileNo) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.current != nil && l.current.FileNo() == fileNo {
		return fmt.Errorf("wal: segment %d is open", fileNo)
	}
	return removeFile(l.SegmentPath(fileNo))
}

// DeleteSegmentsBefore removes every retired segment numbered below fileNo.
func (l *Log) DeleteSegmentsBefore(fileNo common.FileNo) error {
	segments, err := l.Segments()
	if err != nil {
		return err
	}
	for _, n := range segments {
		if n >= fileNo {
			break
		}
		if err := l.DeleteSegment(n); err != nil {
			return err
		}
	}
	return nil
}

// Close syncs and closes the current segment.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.current == nil {
		return nil
	}
	err := l.current.Close()
	l.current = nil
	return err
}

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("wal: remove %s: %w", path, err)
	}
	return nil
}
