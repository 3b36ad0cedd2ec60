// Package strata is an embedded, log-structured key-value store.
//
// Writes go to a write-ahead log and an in-memory table, which is flushed to
// immutable sorted tables on disk and merged in the background by
// size-tiered compaction.
package strata

import (
	"strata/internal/db"
	"strata/internal/wal"
)

type (
	DB        = db.DB
	Iterator  = db.Iterator
	Options   = db.Options
	Option    = db.Option
	Stats     = db.Stats
	TierStats = db.TierStats
	SyncMode  = wal.SyncMode
)

const (
	SyncEveryWrite = wal.SyncEveryWrite
	SyncBatched    = wal.SyncBatched
)

var (
	ErrNotFound       = db.ErrNotFound
	ErrClosed         = db.ErrClosed
	ErrEmptyKey       = db.ErrEmptyKey
	ErrLocked         = db.ErrLocked
	ErrInvalidOptions = db.ErrInvalidOptions
)

var (
	WithMemtableFlushThreshold = db.WithMemtableFlushThreshold
	WithWALSync                = db.WithWALSync
	WithSyncRetries            = db.WithSyncRetries
	WithTableCountThreshold    = db.WithTableCountThreshold
	WithTotalSizeThreshold     = db.WithTotalSizeThreshold
	WithMaxTiers               = db.WithMaxTiers
	WithTargetFileSize         = db.WithTargetFileSize
	WithBlockSize              = db.WithBlockSize
	WithBlockCacheCapacity     = db.WithBlockCacheCapacity
	WithBloomFalsePositiveRate = db.WithBloomFalsePositiveRate
	WithMaxBatchSize           = db.WithMaxBatchSize
	WithLogger                 = db.WithLogger
)

// Open opens or creates a store in dir.
func Open(dir string, opts ...Option) (*DB, error) {
	return db.Open(dir, opts...)
}

// DefaultOptions returns the options Open starts from.
func DefaultOptions() Options {
	return db.DefaultOptions()
}
