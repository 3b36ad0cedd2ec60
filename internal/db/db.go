// Package db coordinates the memtables, the WAL, the manifest and background
// flush and compaction into a single key-value engine.
package db

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	"go.uber.org/zap"

	"strata/internal/block_cache"
	"strata/internal/common"
	"strata/internal/compaction"
	"strata/internal/manifest"
	"strata/internal/memtable"
	"strata/internal/wal"
)

var (
	ErrNotFound = errors.New("key not found")
	ErrClosed   = errors.New("db: closed")
	ErrEmptyKey = errors.New("db: key must be non-empty")
	// ErrLocked is returned by Open when another engine holds the directory.
	ErrLocked = errors.New("db: directory is locked by another process")
)

type DB struct {
	// mu guards the memtable pointers, the sequence counter and bgErr.
	// cond is signalled whenever imm is cleared or bgErr is set.
	mu      sync.RWMutex
	cond    *sync.Cond
	nextSeq uint64
	mem     *memtable.Memtable
	imm     *memtable.Memtable
	// immLog is the first segment holding writes newer than imm.
	immLog common.FileNo
	bgErr  error

	log       *wal.Log
	manifest  *manifest.Manifest
	compactor *compaction.Compactor
	cache     *block_cache.BlockCache
	lock      *flock.Flock
	opts      Options
	paths     *common.PathManager
	logger    *zap.Logger

	writeChan  chan *writeRequest
	writersMu  sync.RWMutex
	closed     atomic.Bool
	stopWrites chan struct{}

	flushCh   chan struct{}
	compactCh chan struct{}
	bgCtx     context.Context
	bgCancel  context.CancelFunc
	bgDone    chan struct{}
	wg        sync.WaitGroup
	bgWG      sync.WaitGroup

	flushes     atomic.Uint64
	compactions atomic.Uint64
}

// Open opens or creates the engine rooted at dir. Recovery replays every WAL
// segment the manifest has not retired into the memtable.
func Open(dir string, optFns ...Option) (*DB, error) {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger := common.NewLogger(opts.Logger)
	opts.Logger = logger

	paths := common.NewPathManager(dir)
	if err := os.MkdirAll(paths.SSTableDir(), 0o755); err != nil {
		return nil, fmt.Errorf("db: create %s: %w", dir, err)
	}

	lock := flock.New(paths.LockFile())
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("db: lock %s: %w", paths.LockFile(), err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	}

	d, err := open(paths, lock, opts)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	return d, nil
}

func open(paths *common.PathManager, lock *flock.Flock, opts Options) (*DB, error) {
	logger := opts.Logger
	cache, err := block_cache.New(opts.BlockCacheCapacity)
	if err != nil {
		return nil, fmt.Errorf("db: block cache: %w", err)
	}

	m, err := manifest.Open(paths, manifest.Options{
		NumTiers:               opts.MaxTiers,
		BlockCache:             cache,
		BloomFalsePositiveRate: opts.BloomFalsePositiveRate,
		Logger:                 logger,
	})
	if err != nil {
		return nil, err
	}
	if _, err := m.RemoveOrphans(); err != nil {
		m.Close()
		return nil, err
	}
	if err := m.OpenTables(context.Background()); err != nil {
		m.Close()
		return nil, err
	}

	log, err := wal.OpenLog(paths.WALDir(), opts.walOptions())
	if err != nil {
		m.Close()
		return nil, err
	}
	fail := func(err error) (*DB, error) {
		log.Close()
		m.Close()
		return nil, err
	}

	v := m.Current()
	rec, err := log.Recover(v.LogNumber)
	if err != nil {
		return fail(fmt.Errorf("db: wal recovery: %w", err))
	}
	for _, n := range rec.Segments {
		m.MarkFileNumberUsed(n)
	}

	mem := memtable.New()
	for _, e := range rec.Entries {
		if err := mem.Put(e); err != nil {
			return fail(err)
		}
	}

	lastSeq := max(rec.MaxSeq, v.LastSequence)
	for _, fm := range v.Files() {
		lastSeq = max(lastSeq, fm.LargestSeq)
	}

	if _, err := log.NewSegment(m.NewFileNumber()); err != nil {
		return fail(err)
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	d := &DB{
		nextSeq:  lastSeq,
		mem:      mem,
		log:      log,
		manifest: m,
		compactor: compaction.New(m, compaction.Options{
			TableCountThreshold: opts.TableCountThreshold,
			TotalSizeThreshold:  opts.TotalSizeThreshold,
			MaxTiers:            opts.MaxTiers,
			TargetFileSize:      opts.TargetFileSize,
			BlockSize:           opts.BlockSize,
			Logger:              logger,
		}),
		cache:      cache,
		lock:       lock,
		opts:       opts,
		paths:      paths,
		logger:     logger,
		writeChan:  make(chan *writeRequest, opts.MaxBatchSize),
		stopWrites: make(chan struct{}),
		flushCh:    make(chan struct{}, 1),
		compactCh:  make(chan struct{}, 1),
		bgCtx:      bgCtx,
		bgCancel:   bgCancel,
		bgDone:     make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)

	logger.Info("db opened",
		zap.String("dir", paths.Root()),
		zap.Int("tables", v.NumFiles()),
		zap.Int("recovered_entries", len(rec.Entries)),
		zap.Uint64("last_seq", lastSeq),
		zap.Stringer("wal_sync", opts.WALSyncMode))

	// Start background group commit loop
	d.wg.Add(1)
	go d.groupCommitLoop()

	d.bgWG.Add(2)
	go d.flushLoop()
	go d.compactionLoop()
	d.maybeScheduleCompaction()
	return d, nil
}

func (d *DB) Set(key, value []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}

	entry := &common.Entry{
		Type:  common.EntryTypePut,
		Key:   bytes.Clone(key),
		Value: bytes.Clone(value),
		// Seq assigned by group commit loop
	}
	return d.submit(&writeRequest{entry: entry, resultCh: make(chan error, 1)})
}

func (d *DB) Delete(key []byte) error {
	if len(key) == 0 {
		return ErrEmptyKey
	}

	entry := &common.Entry{
		Type: common.EntryTypeDelete,
		Key:  bytes.Clone(key),
		// Seq assigned by group commit loop
	}
	return d.submit(&writeRequest{entry: entry, resultCh: make(chan error, 1)})
}

// memtables returns the active and frozen memtables, newest first.
func (d *DB) memtables() []*memtable.Memtable {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.imm != nil {
		return []*memtable.Memtable{d.mem, d.imm}
	}
	return []*memtable.Memtable{d.mem}
}

// Get returns the newest value for key, or ErrNotFound if the key is absent
// or deleted.
func (d *DB) Get(key []byte) ([]byte, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	if d.closed.Load() {
		return nil, ErrClosed
	}

	// The memtables must be captured before the table snapshot: a flush
	// installs its table before it clears imm.
	for _, mt := range d.memtables() {
		if entry, ok := mt.Get(key); ok {
			return entryValue(entry)
		}
	}

	snap, err := d.manifest.Acquire()
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	for i, t := range snap.Tables {
		entry, found, err := t.Get(key)
		if err != nil {
			return nil, fmt.Errorf("db: read tier %d table %d: %w", snap.Files[i].Tier, t.FileNo(), err)
		}
		if found {
			return entryValue(entry)
		}
	}
	return nil, ErrNotFound
}

func entryValue(entry *common.Entry) ([]byte, error) {
	if entry.IsTombstone() {
		return nil, ErrNotFound
	}
	return bytes.Clone(entry.Value), nil
}

// Flush freezes the active memtable and waits until it is written to an
// SSTable. It is a no-op when the memtable is empty.
func (d *DB) Flush() error {
	if err := d.submit(&writeRequest{resultCh: make(chan error, 1)}); err != nil {
		return err
	}
	return d.waitForImm()
}

// Compact merges every live table into the last tier. Data still in the
// memtable is not included; call Flush first for that.
func (d *DB) Compact(ctx context.Context) error {
	if d.closed.Load() {
		return ErrClosed
	}
	res, err := d.compactor.CompactAll(ctx)
	if err != nil {
		return err
	}
	if len(res.Inputs) > 0 {
		d.compactions.Add(1)
	}
	return nil
}

// Manifest exposes the live table set for inspection tools.
func (d *DB) Manifest() *manifest.Manifest {
	return d.manifest
}

func (d *DB) Paths() *common.PathManager {
	return d.paths
}

// Close stops accepting writes, flushes the memtable, waits for background
// work and releases the directory lock. Close is safe to call more than once.
func (d *DB) Close() error {
	d.writersMu.Lock()
	if d.closed.Swap(true) {
		d.writersMu.Unlock()
		return nil
	}
	d.writersMu.Unlock()

	close(d.stopWrites)
	d.wg.Wait()

	var errs []error
	if err := d.makeRoomForWrite(true); err != nil {
		errs = append(errs, err)
	} else if err := d.waitForImm(); err != nil {
		errs = append(errs, err)
	}

	d.bgCancel()
	close(d.bgDone)
	d.bgWG.Wait()

	if err := d.log.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.manifest.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.lock.Unlock(); err != nil {
		errs = append(errs, err)
	}
	d.logger.Info("db closed", zap.String("dir", d.paths.Root()))
	return errors.Join(errs...)
}
