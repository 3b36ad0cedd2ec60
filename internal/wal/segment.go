package wal

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"strata/internal/common"
)

var (
	// ErrClosed is returned by operations on a closed segment or log.
	ErrClosed = errors.New("wal: closed")
	// ErrSyncFailed is returned once fsync has failed SyncRetries+1 times.
	ErrSyncFailed = errors.New("wal: sync failed")
)

// LSN is the byte offset just past the last record appended to a segment.
type LSN int64

// Segment is a single append-only WAL file.
type Segment struct {
	mu      sync.Mutex
	file    *os.File
	path    string
	fileNo  common.FileNo
	offset  int64
	dirty   bool
	syncErr error
	opts    Options

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// OpenSegment opens (or creates) the segment file at path for appending.
func OpenSegment(path string, fileNo common.FileNo, opts Options) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("wal: open segment %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wal: stat segment %s: %w", path, err)
	}
	opts.Logger = common.NewLogger(opts.Logger)

	s := &Segment{
		file:   f,
		path:   path,
		fileNo: fileNo,
		offset: info.Size(),
		opts:   opts,
	}
	if opts.SyncMode == SyncBatched && opts.SyncInterval > 0 {
		s.stop = make(chan struct{})
		s.done = make(chan struct{})
		go s.syncLoop()
	}
	return s, nil
}

func (s *Segment) FileNo() common.FileNo {
	return s.fileNo
}

func (s *Segment) Path() string {
	return s.path
}

// Size returns the number of bytes appended so far.
func (s *Segment) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offset
}

// Append writes entries as one contiguous run of records. In SyncEveryWrite
// mode the records are durable when Append returns.
func (s *Segment) Append(ctx context.Context, entries []*common.Entry) (LSN, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return 0, ErrClosed
	}
	if s.syncErr != nil {
		return 0, s.syncErr
	}
	if len(entries) == 0 {
		return LSN(s.offset), nil
	}

	size := 0
	for _, e := range entries {
		size += lengthSize + e.EncodedLen() + checksumSize
	}
	buf := make([]byte, 0, size)
	for _, e := range entries {
		buf = appendRecord(buf, e)
	}

	n, err := s.file.Write(buf)
	s.offset += int64(n)
	if err != nil {
		return LSN(s.offset), fmt.Errorf("wal: append to %s: %w", s.path, err)
	}
	s.dirty = true

	if s.opts.SyncMode == SyncEveryWrite {
		if err := s.syncLocked(); err != nil {
			return LSN(s.offset), err
		}
	}
	return LSN(s.offset), nil
}

// Sync forces appended records to stable storage.
func (s *Segment) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return ErrClosed
	}
	return s.syncLocked()
}

// syncLocked retries fsync up to SyncRetries extra times. A final failure
// sticks: every later Append reports it.
func (s *Segment) syncLocked() error {
	if s.syncErr != nil {
		return s.syncErr
	}
	if !s.dirty {
		return nil
	}

	var err error
	for attempt := 0; attempt <= s.opts.SyncRetries; attempt++ {
		if err = s.file.Sync(); err == nil {
			s.dirty = false
			return nil
		}
		s.opts.Logger.Warn("wal fsync failed",
			zap.String("path", s.path),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if attempt < s.opts.SyncRetries {
			time.Sleep(s.opts.RetryBackoff)
		}
	}
	s.syncErr = fmt.Errorf("%w: %s: %w", ErrSyncFailed, s.path, err)
	return s.syncErr
}

func (s *Segment) syncLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.opts.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.file != nil {
				_ = s.syncLocked()
			}
			s.mu.Unlock()
		}
	}
}

// Close syncs outstanding records and releases the file handle. Safe to call
// more than once.
func (s *Segment) Close() error {
	if s.stop != nil {
		s.stopOnce.Do(func() { close(s.stop) })
		<-s.done
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	syncErr := s.syncLocked()
	closeErr := s.file.Close()
	s.file = nil
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}
