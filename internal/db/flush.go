package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"strata/internal/common"
	"strata/internal/manifest"
	"strata/internal/memtable"
	"strata/internal/sstable"
)

// poison records a fatal error. Every later write and flush returns it.
func (d *DB) poison(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.bgErr == nil {
		d.bgErr = err
	}
	d.cond.Broadcast()
}

// makeRoomForWrite rotates the active memtable when it has reached the flush
// threshold, or whenever it is non-empty if force is set. Rotation waits for
// a previous frozen memtable to finish flushing, starts a new WAL segment and
// hands the full memtable to the flusher.
func (d *DB) makeRoomForWrite(force bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for {
		switch {
		case d.bgErr != nil:
			return d.bgErr
		case force && d.mem.Len() == 0:
			return nil
		case !force && d.mem.SizeBytes() < d.opts.MemtableFlushThreshold:
			return nil
		case d.imm != nil:
			d.cond.Wait()
			continue
		}

		logNo := d.manifest.NewFileNumber()
		if _, err := d.log.NewSegment(logNo); err != nil {
			d.bgErr = fmt.Errorf("db: rotate wal: %w", err)
			d.cond.Broadcast()
			return d.bgErr
		}
		d.mem.Freeze()
		d.imm = d.mem
		d.immLog = logNo
		d.mem = memtable.New()

		select {
		case d.flushCh <- struct{}{}:
		default:
		}
		return nil
	}
}

// waitForImm blocks until no frozen memtable is pending.
func (d *DB) waitForImm() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.imm != nil && d.bgErr == nil {
		d.cond.Wait()
	}
	return d.bgErr
}

func (d *DB) flushLoop() {
	defer d.bgWG.Done()
	for {
		select {
		case <-d.flushCh:
			d.flushImm()
		case <-d.bgDone:
			return
		}
	}
}

// flushImm writes the frozen memtable to tier 0 and retires the WAL
// segments it covered.
func (d *DB) flushImm() {
	d.mu.RLock()
	imm, logNo := d.imm, d.immLog
	d.mu.RUnlock()
	if imm == nil {
		return
	}

	if err := d.writeLevel0Table(imm, logNo); err != nil {
		d.logger.Error("memtable flush failed", zap.Error(err))
		d.poison(err)
		return
	}

	if err := d.log.DeleteSegmentsBefore(logNo); err != nil {
		d.logger.Warn("removing flushed wal segments", zap.Error(err))
	}

	d.flushes.Add(1)
	d.mu.Lock()
	d.imm = nil
	d.cond.Broadcast()
	d.mu.Unlock()
	d.maybeScheduleCompaction()
}

// writeLevel0Table writes mt as a new tier-0 table and commits it together
// with the new log number. An empty memtable only advances the log number.
func (d *DB) writeLevel0Table(mt *memtable.Memtable, logNo common.FileNo) error {
	start := time.Now()
	edit := &manifest.VersionEdit{}
	edit.SetLogNumber(logNo)

	var fm manifest.FileMetadata
	var path string
	if mt.Len() > 0 {
		if err := os.MkdirAll(d.paths.SSTableTierDir(0), 0o755); err != nil {
			return fmt.Errorf("db: create tier dir: %w", err)
		}
		fileNo := d.manifest.NewFileNumber()
		path = d.paths.SSTableFile(0, fileNo)
		res, err := sstable.WriteTable(path, mt.Iterator(), sstable.WriterOptions{BlockSize: d.opts.BlockSize})
		if err != nil {
			return fmt.Errorf("db: write table %d: %w", fileNo, err)
		}
		fm = manifest.NewFileMetadata(0, fileNo, res)
		edit.AddFile(fm)
		edit.SetLastSequence(res.LargestSeq)
	}

	if err := d.manifest.Apply(edit); err != nil {
		if path != "" {
			os.Remove(path)
		}
		return err
	}

	common.LogDuration(d.logger, start, "memtable flushed",
		zap.Uint64("file", uint64(fm.FileNo)),
		zap.Uint64("entries", fm.EntryCount),
		zap.Uint64("bytes", fm.Size),
		zap.Uint64("log_number", uint64(logNo)))
	return nil
}

func (d *DB) maybeScheduleCompaction() {
	select {
	case d.compactCh <- struct{}{}:
	default:
	}
}

func (d *DB) compactionLoop() {
	defer d.bgWG.Done()
	for {
		select {
		case <-d.compactCh:
			runs, err := d.compactor.MaybeCompact(d.bgCtx)
			d.compactions.Add(uint64(runs))
			if err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Error("background compaction failed", zap.Error(err))
			}
		case <-d.bgDone:
			return
		}
	}
}
