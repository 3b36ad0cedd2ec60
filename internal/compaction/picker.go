package compaction

import (
	"slices"

	"strata/internal/common"
	"strata/internal/manifest"
)

// Task describes one compaction: the input tables, newest first, and the
// tier that receives the merged output.
type Task struct {
	Inputs     []manifest.FileMetadata
	OutputTier int
	// Full is set when every live table is an input.
	Full bool
}

// MaxInputTier is the highest tier contributing an input.
func (t *Task) MaxInputTier() int {
	tier := 0
	for _, fm := range t.Inputs {
		tier = max(tier, fm.Tier)
	}
	return tier
}

// InputSize is the total size of the input tables in bytes.
func (t *Task) InputSize() uint64 {
	var total uint64
	for _, fm := range t.Inputs {
		total += fm.Size
	}
	return total
}

func (t *Task) isInput(fileNo common.FileNo) bool {
	return slices.ContainsFunc(t.Inputs, func(fm manifest.FileMetadata) bool {
		return fm.FileNo == fileNo
	})
}

// Pick chooses the next compaction for v, or nil if no threshold is crossed.
// The total-size trigger wins over the per-tier count trigger.
func Pick(v *manifest.Version, opts Options) *Task {
	opts = opts.withDefaults()

	if opts.TotalSizeThreshold > 0 && v.TotalSize() >= opts.TotalSizeThreshold {
		if task := Full(v, opts); task != nil && task.reduces(opts) {
			return task
		}
	}

	for tier := 0; tier < v.NumTiers(); tier++ {
		files := v.Tiers[tier]
		if len(files) < opts.TableCountThreshold {
			continue
		}
		inputs := slices.Clone(files)
		slices.Reverse(inputs)
		task := &Task{Inputs: inputs, OutputTier: min(tier+1, opts.MaxTiers-1)}
		if task.reduces(opts) {
			return task
		}
	}
	return nil
}

// reduces reports whether running the task changes the shape of the tree.
// Moving tables to a higher tier always does; rewriting a tier into itself
// only does if it yields fewer tables.
func (t *Task) reduces(opts Options) bool {
	for _, fm := range t.Inputs {
		if fm.Tier != t.OutputTier {
			return true
		}
	}
	outputs := 1
	if opts.TargetFileSize > 0 {
		outputs = int((t.InputSize() + opts.TargetFileSize - 1) / opts.TargetFileSize)
	}
	return outputs < len(t.Inputs)
}

// Full returns a task merging every live table into the last tier, or nil if
// there are no tables.
func Full(v *manifest.Version, opts Options) *Task {
	opts = opts.withDefaults()
	files := v.Files()
	if len(files) == 0 {
		return nil
	}
	return &Task{
		Inputs:     files,
		OutputTier: max(opts.MaxTiers-1, v.NumTiers()-1),
		Full:       true,
	}
}
