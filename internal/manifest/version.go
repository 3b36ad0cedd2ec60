package manifest

import (
	"bytes"
	"cmp"
	"slices"

	"strata/internal/common"
)

// FileMetadata tracks metadata for a single SSTable file.
type FileMetadata struct {
	FileNo      common.FileNo `json:"file_no"`
	Tier        int           `json:"tier"`
	Size        uint64        `json:"size"`
	SmallestKey []byte        `json:"smallest_key"`
	LargestKey  []byte        `json:"largest_key"`
	SmallestSeq uint64        `json:"smallest_seq"`
	LargestSeq  uint64        `json:"largest_seq"`
	EntryCount  uint64        `json:"entry_count"`
}

// Contains reports whether key falls inside the file's key range.
func (fm *FileMetadata) Contains(key []byte) bool {
	return bytes.Compare(key, fm.SmallestKey) >= 0 && bytes.Compare(key, fm.LargestKey) <= 0
}

// Version represents an immutable snapshot of the live table set. A Version
// is never modified after it is installed; edits produce a new one.
type Version struct {
	// LogNumber is the oldest WAL segment whose entries are not yet in an
	// SSTable.
	LogNumber common.FileNo `json:"log_number"`

	// NextFileNumber is the next number to allocate for a WAL segment or an
	// SSTable.
	NextFileNumber common.FileNo `json:"next_file_number"`

	// LastSequence is the highest sequence number persisted in SSTables.
	LastSequence uint64 `json:"last_sequence"`

	// Tiers[0] holds flushed tables; higher tiers hold compaction output.
	// Each tier is kept sorted oldest first: by largest sequence number, then
	// by file number. A compaction output can carry a higher file number than
	// a table flushed while it ran, so the file number alone does not order
	// tables by age.
	Tiers [][]FileMetadata `json:"tiers"`
}

func newVersion(numTiers int) *Version {
	return &Version{
		NextFileNumber: 1,
		Tiers:          make([][]FileMetadata, numTiers),
	}
}

func (v *Version) deepCopy() *Version {
	nv := &Version{
		LogNumber:      v.LogNumber,
		NextFileNumber: v.NextFileNumber,
		LastSequence:   v.LastSequence,
		Tiers:          make([][]FileMetadata, len(v.Tiers)),
	}
	for i := range v.Tiers {
		nv.Tiers[i] = slices.Clone(v.Tiers[i])
	}
	return nv
}

// NumTiers returns the number of tiers, including empty ones.
func (v *Version) NumTiers() int {
	return len(v.Tiers)
}

// Files returns every live file in read order: tier ascending, then newest
// first within a tier, so newer data shadows older data.
func (v *Version) Files() []FileMetadata {
	var out []FileMetadata
	for _, tier := range v.Tiers {
		for i := len(tier) - 1; i >= 0; i-- {
			out = append(out, tier[i])
		}
	}
	return out
}

// NumFiles returns the total number of live files.
func (v *Version) NumFiles() int {
	n := 0
	for _, tier := range v.Tiers {
		n += len(tier)
	}
	return n
}

// TierSize returns the total size in bytes of tier t.
func (v *Version) TierSize(t int) uint64 {
	if t >= len(v.Tiers) {
		return 0
	}
	var total uint64
	for _, fm := range v.Tiers[t] {
		total += fm.Size
	}
	return total
}

// TotalSize returns the size in bytes of every live file.
func (v *Version) TotalSize() uint64 {
	var total uint64
	for t := range v.Tiers {
		total += v.TierSize(t)
	}
	return total
}

// Lookup finds a live file by number.
func (v *Version) Lookup(fileNo common.FileNo) (FileMetadata, bool) {
	for _, tier := range v.Tiers {
		for _, fm := range tier {
			if fm.FileNo == fileNo {
				return fm, true
			}
		}
	}
	return FileMetadata{}, false
}

// compareAge orders a before b when a holds older data.
func compareAge(a, b FileMetadata) int {
	if c := cmp.Compare(a.LargestSeq, b.LargestSeq); c != 0 {
		return c
	}
	return cmp.Compare(a.FileNo, b.FileNo)
}

// apply mutates v, which must be a private copy.
func (v *Version) apply(edit *VersionEdit) {
	for _, d := range edit.Removed {
		if d.Tier >= len(v.Tiers) {
			continue
		}
		v.Tiers[d.Tier] = slices.DeleteFunc(v.Tiers[d.Tier], func(fm FileMetadata) bool {
			return fm.FileNo == d.FileNo
		})
	}

	for _, fm := range edit.Added {
		for fm.Tier >= len(v.Tiers) {
			v.Tiers = append(v.Tiers, nil)
		}
		v.Tiers[fm.Tier] = append(v.Tiers[fm.Tier], fm)
		if fm.FileNo >= v.NextFileNumber {
			v.NextFileNumber = fm.FileNo + 1
		}
		v.LastSequence = max(v.LastSequence, fm.LargestSeq)
	}
	for t := range v.Tiers {
		slices.SortFunc(v.Tiers[t], compareAge)
	}

	if edit.LogNumber != nil {
		v.LogNumber = *edit.LogNumber
	}
	if edit.NextFileNumber != nil && *edit.NextFileNumber > v.NextFileNumber {
		v.NextFileNumber = *edit.NextFileNumber
	}
	if edit.LastSequence != nil {
		v.LastSequence = max(v.LastSequence, *edit.LastSequence)
	}
}
