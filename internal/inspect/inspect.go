// Package inspect renders WAL segments and SSTables for humans.
package inspect

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"strata/internal/common"
	"strata/internal/sstable"
	"strata/internal/wal"
)

// WALReport summarizes one WAL segment.
type WALReport struct {
	Path     string
	Size     int64
	ValidLen int64
	Puts     int
	Deletes  int
	MinSeq   uint64
	MaxSeq   uint64

	entries []*common.Entry
}

func (r *WALReport) Entries() int {
	return r.Puts + r.Deletes
}

func InspectWAL(path string) (*WALReport, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	entries, validLen, err := wal.ReadAll(path)
	if err != nil {
		return nil, err
	}
	r := &WALReport{Path: path, Size: info.Size(), ValidLen: validLen, entries: entries}
	for i, e := range entries {
		if e.IsTombstone() {
			r.Deletes++
		} else {
			r.Puts++
		}
		if i == 0 || e.Seq < r.MinSeq {
			r.MinSeq = e.Seq
		}
		r.MaxSeq = max(r.MaxSeq, e.Seq)
	}
	return r, nil
}

func (r *WALReport) Print(w io.Writer) {
	fmt.Fprintf(w, "Inspecting WAL: %s\n\n", r.Path)
	fmt.Fprintf(w, "Size:          %d bytes\n", r.Size)
	if r.ValidLen < r.Size {
		fmt.Fprintf(w, "Torn tail:     %d bytes after offset %d\n", r.Size-r.ValidLen, r.ValidLen)
	}
	fmt.Fprintf(w, "Total entries: %d (%d puts, %d deletes)\n", r.Entries(), r.Puts, r.Deletes)
	if r.Entries() > 0 {
		fmt.Fprintf(w, "Sequence:      %d..%d\n", r.MinSeq, r.MaxSeq)
	}
}

// SSTableReport summarizes one table without reading its data blocks again.
type SSTableReport struct {
	Path   string
	FileNo common.FileNo
	Size   uint64
	Footer sstable.Footer
	Blocks []sstable.IndexEntry
	MinSeq uint64
	MaxSeq uint64
}

// OpenSSTable opens the table at path, taking the file number from its name.
func OpenSSTable(path string) (*sstable.Table, error) {
	fileNo, ok := common.ParseSSTableFileName(filepath.Base(path))
	if !ok {
		return nil, fmt.Errorf("inspect: cannot parse file number from %s", filepath.Base(path))
	}
	return sstable.Open(path, fileNo, nil)
}

func InspectSSTable(path string) (*SSTableReport, error) {
	t, err := OpenSSTable(path)
	if err != nil {
		return nil, err
	}
	defer t.Close()
	return &SSTableReport{
		Path:   path,
		FileNo: t.FileNo(),
		Size:   t.Size(),
		Footer: t.Footer(),
		Blocks: t.Index().Entries,
		MinSeq: t.MinSeq(),
		MaxSeq: t.MaxSeq(),
	}, nil
}

func (r *SSTableReport) Print(w io.Writer) {
	fmt.Fprintf(w, "Inspecting SSTable: %s\n\n", r.Path)
	fmt.Fprintf(w, "Size:          %d bytes\n", r.Size)
	fmt.Fprintf(w, "Total entries: %d\n", r.Footer.EntryCount)
	fmt.Fprintf(w, "Key range:     %q..%q\n", r.Footer.MinKey, r.Footer.MaxKey)
	fmt.Fprintf(w, "Sequence:      %d..%d\n", r.MinSeq, r.MaxSeq)
	fmt.Fprintf(w, "Index:         offset=%d length=%d\n", r.Footer.IndexOffset, r.Footer.IndexLength)
	fmt.Fprintf(w, "Checksum:      %08x\n", r.Footer.Checksum)
	fmt.Fprintf(w, "Total blocks:  %d\n\n", len(r.Blocks))
	fmt.Fprintln(w, "Index entries (first key of each block):")
	fmt.Fprintln(w)
	for i, entry := range r.Blocks {
		fmt.Fprintf(w, "Block %d: offset=%d key=%q\n", i, entry.BlockOffset, string(entry.Key))
	}
}

// File prints a summary of a .log or .sst file.
func File(w io.Writer, path string) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".log":
		r, err := InspectWAL(path)
		if err != nil {
			return err
		}
		r.Print(w)
	case ".sst":
		r, err := InspectSSTable(path)
		if err != nil {
			return err
		}
		r.Print(w)
	default:
		return fmt.Errorf("unknown file type: %s (expected .log or .sst)", ext)
	}
	return nil
}

// Dump prints every entry iter yields and closes it.
func Dump(w io.Writer, iter common.EntryIterator) (int, error) {
	defer iter.Close()

	fmt.Fprintf(w, "%-6s %-20s %10s  %s\n", "OP", "KEY", "SEQ", "VALUE")
	fmt.Fprintln(w)

	count := 0
	for {
		entry, err := iter.Next()
		if err != nil {
			return count, err
		}
		if entry == nil {
			break
		}
		count++

		// Truncate key if longer than 20 chars
		key := string(entry.Key)
		if len(key) > 20 {
			key = key[:20]
		}
		if entry.IsTombstone() {
			fmt.Fprintf(w, "%-6s %-20s %10d\n", "DEL", key, entry.Seq)
		} else {
			fmt.Fprintf(w, "%-6s %-20s %10d  %s\n", "PUT", key, entry.Seq, string(entry.Value))
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Total entries: %d\n", count)
	return count, nil
}

// DumpFile prints every entry of a .log or .sst file.
func DumpFile(w io.Writer, path string) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".log":
		r, err := InspectWAL(path)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Dumping WAL: %s\n\n", path)
		_, err = Dump(w, common.NewSliceIterator(r.entries))
		return err
	case ".sst":
		t, err := OpenSSTable(path)
		if err != nil {
			return err
		}
		defer t.Close()
		fmt.Fprintf(w, "Dumping SSTable: %s\n\n", path)
		_, err = Dump(w, t.Iterator())
		return err
	default:
		return fmt.Errorf("unknown file type: %s (expected .log or .sst)", ext)
	}
}
