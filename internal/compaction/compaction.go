// Package compaction merges SSTables of one tier into the next and retires
// the inputs through a single manifest edit.
package compaction

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"strata/internal/common"
	"strata/internal/manifest"
	"strata/internal/merge"
	"strata/internal/sstable"
)

// Options tune the size-tiered policy and the shape of compaction output.
type Options struct {
	// TableCountThreshold is the number of tables in a tier that triggers
	// merging the tier into the next one.
	TableCountThreshold int
	// TotalSizeThreshold is the live data size in bytes that triggers a
	// full compaction. Zero disables the trigger.
	TotalSizeThreshold uint64
	MaxTiers           int
	// TargetFileSize splits output tables once they reach this many bytes.
	// Zero writes a single output table.
	TargetFileSize uint64
	BlockSize      int
	Logger         *zap.Logger
}

func DefaultOptions() Options {
	return Options{
		TableCountThreshold: 4,
		TotalSizeThreshold:  256 << 20,
		MaxTiers:            4,
		TargetFileSize:      8 << 20,
		BlockSize:           sstable.DefaultWriterOptions().BlockSize,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.TableCountThreshold <= 0 {
		o.TableCountThreshold = d.TableCountThreshold
	}
	if o.MaxTiers <= 0 {
		o.MaxTiers = d.MaxTiers
	}
	if o.BlockSize <= 0 {
		o.BlockSize = d.BlockSize
	}
	return o
}

// Result reports what a finished compaction committed.
type Result struct {
	Inputs            []manifest.FileMetadata
	Outputs           []manifest.FileMetadata
	EntriesWritten    uint64
	TombstonesDropped uint64
}

// Compactor runs compactions against a manifest, one at a time.
type Compactor struct {
	mu     sync.Mutex
	m      *manifest.Manifest
	opts   Options
	logger *zap.Logger
}

func New(m *manifest.Manifest, opts Options) *Compactor {
	opts = opts.withDefaults()
	return &Compactor{
		m:      m,
		opts:   opts,
		logger: common.NewLogger(opts.Logger).Named("compaction"),
	}
}

// MaybeCompact runs picked compactions until no threshold is crossed and
// returns the number of compactions performed.
func (c *Compactor) MaybeCompact(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	runs := 0
	for {
		if err := ctx.Err(); err != nil {
			return runs, err
		}
		task := Pick(c.m.Current(), c.opts)
		if task == nil {
			return runs, nil
		}
		if _, err := c.run(ctx, task); err != nil {
			return runs, err
		}
		runs++
	}
}

// CompactAll merges every live table into the last tier. It is a no-op on
// an empty tree.
func (c *Compactor) CompactAll(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	task := Full(c.m.Current(), c.opts)
	if task == nil {
		return &Result{}, nil
	}
	return c.run(ctx, task)
}

// Run executes task. The task must describe tables that are still live.
func (c *Compactor) Run(ctx context.Context, task *Task) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.run(ctx, task)
}

func (c *Compactor) run(ctx context.Context, task *Task) (*Result, error) {
	start := time.Now()
	v := c.m.Current()
	for _, fm := range task.Inputs {
		if _, ok := v.Lookup(fm.FileNo); !ok {
			return nil, fmt.Errorf("compaction: input table %d is not live", fm.FileNo)
		}
	}

	c.logger.Info("compaction started",
		zap.Int("inputs", len(task.Inputs)),
		zap.Int("output_tier", task.OutputTier),
		zap.Uint64("input_bytes", task.InputSize()),
		zap.Bool("full", task.Full))

	res, err := c.mergeInputs(ctx, task, olderTables(v, task))
	if err != nil {
		return nil, err
	}
	if err := c.commit(ctx, task, res); err != nil {
		c.removeOutputs(res.Outputs)
		return nil, err
	}
	c.deleteInputs(task.Inputs)

	common.LogDuration(c.logger, start, "compaction finished",
		zap.Int("inputs", len(task.Inputs)),
		zap.Int("outputs", len(res.Outputs)),
		zap.Int("output_tier", task.OutputTier),
		zap.Uint64("entries", res.EntriesWritten),
		zap.Uint64("tombstones_dropped", res.TombstonesDropped))
	return res, nil
}

// olderTables lists live tables outside the task that hold data older than
// the inputs. Tables in tiers at or below the highest input tier that are
// not inputs were flushed or compacted later, so they are newer.
func olderTables(v *manifest.Version, task *Task) []manifest.FileMetadata {
	maxTier := task.MaxInputTier()
	var older []manifest.FileMetadata
	for _, fm := range v.Files() {
		if fm.Tier > maxTier && !task.isInput(fm.FileNo) {
			older = append(older, fm)
		}
	}
	return older
}

// canDropTombstone reports whether no older table could hold a value the
// tombstone still has to shadow.
func canDropTombstone(key []byte, older []manifest.FileMetadata) bool {
	for i := range older {
		if older[i].Contains(key) {
			return false
		}
	}
	return true
}

func (c *Compactor) mergeInputs(ctx context.Context, task *Task, older []manifest.FileMetadata) (*Result, error) {
	sources := make([]common.EntryIterator, 0, len(task.Inputs))
	for _, fm := range task.Inputs {
		t, err := c.m.GetTable(fm)
		if err != nil {
			for _, s := range sources {
				s.Close()
			}
			return nil, fmt.Errorf("compaction: open input %d: %w", fm.FileNo, err)
		}
		sources = append(sources, t.Iterator())
		t.Unref()
	}
	iter := merge.NewIterator(sources)
	defer iter.Close()

	res := &Result{Inputs: task.Inputs}
	out := &outputSet{c: c, tier: task.OutputTier}
	for {
		if err := ctx.Err(); err != nil {
			out.abort()
			c.removeOutputs(res.Outputs)
			return nil, err
		}
		entry, err := iter.Next()
		if err != nil {
			out.abort()
			c.removeOutputs(res.Outputs)
			return nil, fmt.Errorf("compaction: merge: %w", err)
		}
		if entry == nil {
			break
		}
		if entry.IsTombstone() && canDropTombstone(entry.Key, older) {
			res.TombstonesDropped++
			continue
		}
		fm, err := out.add(entry)
		if fm != nil {
			res.Outputs = append(res.Outputs, *fm)
		}
		if err != nil {
			out.abort()
			c.removeOutputs(res.Outputs)
			return nil, err
		}
		res.EntriesWritten++
	}

	fm, err := out.finish()
	if err != nil {
		c.removeOutputs(res.Outputs)
		return nil, err
	}
	if fm != nil {
		res.Outputs = append(res.Outputs, *fm)
	}
	return res, nil
}

// commit validates every output and installs them in place of the inputs.
func (c *Compactor) commit(ctx context.Context, task *Task, res *Result) error {
	for _, fm := range res.Outputs {
		t, err := sstable.Open(c.m.TablePath(fm), fm.FileNo, nil)
		if err != nil {
			return fmt.Errorf("compaction: validate output %d: %w", fm.FileNo, err)
		}
		t.Close()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	edit := &manifest.VersionEdit{}
	for _, fm := range res.Outputs {
		edit.AddFile(fm)
	}
	for _, fm := range task.Inputs {
		edit.RemoveFile(fm.Tier, fm.FileNo)
	}
	if err := c.m.Apply(edit); err != nil {
		return fmt.Errorf("compaction: commit: %w", err)
	}
	return nil
}

func (c *Compactor) removeOutputs(outputs []manifest.FileMetadata) {
	for _, fm := range outputs {
		path := c.m.TablePath(fm)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("removing compaction output", zap.String("path", path), zap.Error(err))
		}
	}
}

// deleteInputs unlinks retired tables. Readers that still hold a table keep
// reading through their open handle.
func (c *Compactor) deleteInputs(inputs []manifest.FileMetadata) {
	for _, fm := range inputs {
		path := c.m.TablePath(fm)
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			c.logger.Warn("removing compaction input", zap.String("path", path), zap.Error(err))
		}
	}
}

// outputSet streams merged entries into tables of one tier, starting a new
// table whenever the current one reaches the target size.
type outputSet struct {
	c      *Compactor
	tier   int
	w      *sstable.Writer
	fileNo common.FileNo
}

// add writes entry and returns the metadata of a table it completed, if any.
func (o *outputSet) add(entry *common.Entry) (*manifest.FileMetadata, error) {
	var finished *manifest.FileMetadata
	if o.w != nil && o.c.opts.TargetFileSize > 0 && o.w.EstimatedSize() >= o.c.opts.TargetFileSize {
		fm, err := o.finish()
		if err != nil {
			return nil, err
		}
		finished = fm
	}
	if o.w == nil {
		if err := o.open(); err != nil {
			return finished, err
		}
	}
	if err := o.w.Add(entry); err != nil {
		return finished, fmt.Errorf("compaction: write table %d: %w", o.fileNo, err)
	}
	return finished, nil
}

func (o *outputSet) open() error {
	pm := o.c.m.Paths()
	if err := os.MkdirAll(pm.SSTableTierDir(o.tier), 0o755); err != nil {
		return fmt.Errorf("compaction: create tier dir: %w", err)
	}
	o.fileNo = o.c.m.NewFileNumber()
	w, err := sstable.NewWriter(pm.SSTableFile(o.tier, o.fileNo), sstable.WriterOptions{BlockSize: o.c.opts.BlockSize})
	if err != nil {
		return fmt.Errorf("compaction: create table %d: %w", o.fileNo, err)
	}
	o.w = w
	return nil
}

// finish seals the current table. It returns nil metadata if no table is open.
func (o *outputSet) finish() (*manifest.FileMetadata, error) {
	if o.w == nil {
		return nil, nil
	}
	w := o.w
	o.w = nil
	res, err := w.Finish()
	if err != nil {
		return nil, fmt.Errorf("compaction: finish table %d: %w", o.fileNo, err)
	}
	fm := manifest.NewFileMetadata(o.tier, o.fileNo, res)
	return &fm, nil
}

func (o *outputSet) abort() {
	if o.w != nil {
		o.w.Abort()
		o.w = nil
	}
}
