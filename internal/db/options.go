package db

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"strata/internal/block"
	"strata/internal/block_cache"
	"strata/internal/filter"
	"strata/internal/wal"
)

// ErrInvalidOptions is wrapped by every configuration error Open reports.
var ErrInvalidOptions = errors.New("db: invalid options")

type Options struct {
	// MemtableFlushThreshold is the memtable size in bytes that triggers a
	// flush to tier 0.
	MemtableFlushThreshold int64

	WALSyncMode     wal.SyncMode
	WALSyncInterval time.Duration
	SyncRetries     int
	SyncRetryDelay  time.Duration

	// TableCountThreshold tables in one tier merge into the next tier.
	TableCountThreshold int
	// TotalSizeThreshold bytes of live tables trigger a full compaction.
	// Zero disables the trigger.
	TotalSizeThreshold uint64
	MaxTiers           int
	TargetFileSize     uint64
	BlockSize          int

	BlockCacheCapacity     int
	BloomFalsePositiveRate float64

	MaxBatchSize int

	Logger *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		MemtableFlushThreshold: 4 << 20,
		WALSyncMode:            wal.SyncEveryWrite,
		WALSyncInterval:        10 * time.Millisecond,
		SyncRetries:            3,
		SyncRetryDelay:         5 * time.Millisecond,
		TableCountThreshold:    4,
		TotalSizeThreshold:     256 << 20,
		MaxTiers:               4,
		TargetFileSize:         8 << 20,
		BlockSize:              block.DefaultSize,
		BlockCacheCapacity:     block_cache.DefaultCapacity,
		BloomFalsePositiveRate: filter.DefaultFalsePositiveRate,
		MaxBatchSize:           64,
	}
}

// Validate reports the first option that cannot be used.
func (o *Options) Validate() error {
	switch {
	case o.MemtableFlushThreshold <= 0:
		return fmt.Errorf("%w: memtable flush threshold must be positive, got %d", ErrInvalidOptions, o.MemtableFlushThreshold)
	case o.WALSyncMode != wal.SyncEveryWrite && o.WALSyncMode != wal.SyncBatched:
		return fmt.Errorf("%w: unknown wal sync mode %d", ErrInvalidOptions, o.WALSyncMode)
	case o.WALSyncMode == wal.SyncBatched && o.WALSyncInterval <= 0:
		return fmt.Errorf("%w: batched sync needs a positive interval, got %s", ErrInvalidOptions, o.WALSyncInterval)
	case o.SyncRetries < 0:
		return fmt.Errorf("%w: sync retries must not be negative, got %d", ErrInvalidOptions, o.SyncRetries)
	case o.TableCountThreshold < 2:
		return fmt.Errorf("%w: table count threshold must be at least 2, got %d", ErrInvalidOptions, o.TableCountThreshold)
	case o.MaxTiers < 1:
		return fmt.Errorf("%w: max tiers must be at least 1, got %d", ErrInvalidOptions, o.MaxTiers)
	case o.BlockSize <= 0:
		return fmt.Errorf("%w: block size must be positive, got %d", ErrInvalidOptions, o.BlockSize)
	case o.BlockCacheCapacity <= 0:
		return fmt.Errorf("%w: block cache capacity must be positive, got %d", ErrInvalidOptions, o.BlockCacheCapacity)
	case o.BloomFalsePositiveRate < 0 || o.BloomFalsePositiveRate >= 1:
		return fmt.Errorf("%w: bloom false positive rate must be in [0, 1), got %g", ErrInvalidOptions, o.BloomFalsePositiveRate)
	case o.MaxBatchSize <= 0:
		return fmt.Errorf("%w: max batch size must be positive, got %d", ErrInvalidOptions, o.MaxBatchSize)
	}
	return nil
}

type Option func(*Options)

func WithMemtableFlushThreshold(n int64) Option {
	return func(o *Options) {
		o.MemtableFlushThreshold = n
	}
}

// WithWALSync selects the WAL sync mode. The interval only applies to
// wal.SyncBatched.
func WithWALSync(mode wal.SyncMode, interval time.Duration) Option {
	return func(o *Options) {
		o.WALSyncMode = mode
		o.WALSyncInterval = interval
	}
}

func WithSyncRetries(n int, delay time.Duration) Option {
	return func(o *Options) {
		o.SyncRetries = n
		o.SyncRetryDelay = delay
	}
}

func WithTableCountThreshold(n int) Option {
	return func(o *Options) {
		o.TableCountThreshold = n
	}
}

func WithTotalSizeThreshold(n uint64) Option {
	return func(o *Options) {
		o.TotalSizeThreshold = n
	}
}

func WithMaxTiers(n int) Option {
	return func(o *Options) {
		o.MaxTiers = n
	}
}

func WithTargetFileSize(n uint64) Option {
	return func(o *Options) {
		o.TargetFileSize = n
	}
}

func WithBlockSize(n int) Option {
	return func(o *Options) {
		o.BlockSize = n
	}
}

func WithBlockCacheCapacity(n int) Option {
	return func(o *Options) {
		o.BlockCacheCapacity = n
	}
}

// WithBloomFalsePositiveRate sets the per-table bloom filter target. Zero
// disables filters.
func WithBloomFalsePositiveRate(p float64) Option {
	return func(o *Options) {
		o.BloomFalsePositiveRate = p
	}
}

func WithMaxBatchSize(n int) Option {
	return func(o *Options) {
		o.MaxBatchSize = n
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(o *Options) {
		o.Logger = l
	}
}

func (o *Options) walOptions() wal.Options {
	return wal.Options{
		SyncMode:     o.WALSyncMode,
		SyncInterval: o.WALSyncInterval,
		SyncRetries:  o.SyncRetries,
		RetryBackoff: o.SyncRetryDelay,
		Logger:       o.Logger,
	}
}
