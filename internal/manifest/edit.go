package manifest

import "strata/internal/common"

// DeletedFile names a file removed from a tier.
type DeletedFile struct {
	Tier   int           `json:"tier"`
	FileNo common.FileNo `json:"file_no"`
}

// VersionEdit describes an atomic change to the live table set. Nil
// counters are left unchanged.
type VersionEdit struct {
	Added          []FileMetadata `json:"added,omitempty"`
	Removed        []DeletedFile  `json:"removed,omitempty"`
	LogNumber      *common.FileNo `json:"log_number,omitempty"`
	NextFileNumber *common.FileNo `json:"next_file_number,omitempty"`
	LastSequence   *uint64        `json:"last_sequence,omitempty"`
}

// AddFile records a new table.
func (e *VersionEdit) AddFile(fm FileMetadata) {
	e.Added = append(e.Added, fm)
}

// RemoveFile records the removal of a table.
func (e *VersionEdit) RemoveFile(tier int, fileNo common.FileNo) {
	e.Removed = append(e.Removed, DeletedFile{Tier: tier, FileNo: fileNo})
}

func (e *VersionEdit) SetLogNumber(n common.FileNo) {
	e.LogNumber = &n
}

func (e *VersionEdit) SetNextFileNumber(n common.FileNo) {
	e.NextFileNumber = &n
}

func (e *VersionEdit) SetLastSequence(seq uint64) {
	e.LastSequence = &seq
}

// snapshotEdit returns a single edit that rebuilds v from an empty version.
func snapshotEdit(v *Version) VersionEdit {
	var e VersionEdit
	for _, tier := range v.Tiers {
		e.Added = append(e.Added, tier...)
	}
	e.SetLogNumber(v.LogNumber)
	e.SetNextFileNumber(v.NextFileNumber)
	e.SetLastSequence(v.LastSequence)
	return e
}
