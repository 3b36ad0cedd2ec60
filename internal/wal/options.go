package wal

import (
	"time"

	"go.uber.org/zap"
)

// SyncMode selects when appended records are forced to stable storage.
type SyncMode int

const (
	// SyncEveryWrite fsyncs before Append returns.
	SyncEveryWrite SyncMode = iota
	// SyncBatched fsyncs from a background ticker every SyncInterval.
	SyncBatched
)

func (m SyncMode) String() string {
	switch m {
	case SyncEveryWrite:
		return "every-write"
	case SyncBatched:
		return "batched"
	default:
		return "unknown"
	}
}

type Options struct {
	SyncMode     SyncMode
	SyncInterval time.Duration
	// SyncRetries is the number of extra fsync attempts after a failure.
	SyncRetries  int
	RetryBackoff time.Duration
	Logger       *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		SyncMode:     SyncEveryWrite,
		SyncInterval: 10 * time.Millisecond,
		SyncRetries:  3,
		RetryBackoff: 5 * time.Millisecond,
		Logger:       zap.NewNop(),
	}
}
