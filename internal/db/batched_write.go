package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"strata/internal/common"
)

// writeRequest represents a pending write operation waiting for group commit.
// A request with a nil entry asks the loop to rotate the memtable.
type writeRequest struct {
	entry    *common.Entry
	resultCh chan error
}

func (r *writeRequest) isFlush() bool {
	return r.entry == nil
}

// collectBatch collects a batch of write requests from the channel.
// It blocks waiting for the first request, then greedily collects
// additional requests that are immediately available (up to MaxBatchSize).
// A flush request ends the batch. It returns nil once the loop is told to
// stop.
func (d *DB) collectBatch() []*writeRequest {
	maxBatchSize := d.opts.MaxBatchSize

	var first *writeRequest
	select {
	case first = <-d.writeChan:
	case <-d.stopWrites:
		return nil
	}
	batch := make([]*writeRequest, 0, maxBatchSize)
	batch = append(batch, first)
	if first.isFlush() {
		return batch
	}

	// Collect more requests that are immediately available
	for len(batch) < maxBatchSize {
		select {
		case req := <-d.writeChan:
			batch = append(batch, req)
			if req.isFlush() {
				return batch
			}
		default:
			return batch
		}
	}

	return batch
}

// processBatch makes room in the memtable, assigns sequence numbers, writes
// the batch to the WAL with a single append and applies it to the memtable.
// The loop goroutine is the only writer of the WAL and of d.mem.
func (d *DB) processBatch(batch []*writeRequest) error {
	last := batch[len(batch)-1]
	if last.isFlush() {
		batch = batch[:len(batch)-1]
	}

	if len(batch) > 0 {
		if err := d.makeRoomForWrite(false); err != nil {
			return err
		}

		entries := make([]*common.Entry, 0, len(batch))
		d.mu.Lock()
		for _, req := range batch {
			d.nextSeq++
			req.entry.Seq = d.nextSeq
			entries = append(entries, req.entry)
		}
		d.mu.Unlock()

		if _, err := d.log.Append(context.Background(), entries); err != nil {
			err = fmt.Errorf("db: wal append: %w", err)
			d.poison(err)
			return err
		}

		mem := d.mem
		for _, e := range entries {
			if err := mem.Put(e); err != nil {
				return fmt.Errorf("db: memtable put: %w", err)
			}
		}
	}

	if last.isFlush() {
		return d.makeRoomForWrite(true)
	}
	return nil
}

// groupCommitLoop is the main batching coordinator.
// It runs in a background goroutine, collecting batches of write requests
// and committing them together with a single WAL sync.
func (d *DB) groupCommitLoop() {
	defer d.wg.Done()
	for {
		batch := d.collectBatch()
		if batch == nil {
			return
		}
		err := d.processBatch(batch)
		if err != nil {
			d.logger.Error("group commit failed", zap.Int("batch", len(batch)), zap.Error(err))
		}

		// Notify all writers in batch
		for _, req := range batch {
			req.resultCh <- err
		}
	}
}

// submit hands req to the commit loop and waits for its result.
func (d *DB) submit(req *writeRequest) error {
	d.writersMu.RLock()
	defer d.writersMu.RUnlock()
	if d.closed.Load() {
		return ErrClosed
	}
	d.writeChan <- req
	return <-req.resultCh
}
