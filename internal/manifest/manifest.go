package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"strata/internal/block_cache"
	"strata/internal/common"
	"strata/internal/sstable"
)

// defaultMaxEdits is the edit history length above which the log is
// collapsed into a single snapshot edit.
const defaultMaxEdits = 64

// Options configure a Manifest.
type Options struct {
	NumTiers               int
	BlockCache             *block_cache.BlockCache
	BloomFalsePositiveRate float64
	// MaxEdits bounds the persisted edit history before it is collapsed.
	MaxEdits int
	Logger   *zap.Logger
}

// Manifest tracks the live table set with snapshot isolation and persists
// every change as an edit in the MANIFEST file.
type Manifest struct {
	mu sync.RWMutex

	// Current version (latest state)
	current *Version

	// edits is the persisted history; replaying it from an empty version
	// yields current.
	edits []VersionEdit

	// nextFile is the in-memory allocation counter. It runs ahead of the
	// persisted NextFileNumber until the next edit is applied.
	nextFile common.FileNo

	// Table cache: shared pool of open SSTable handles
	tables map[common.FileNo]*sstable.Table

	paths  *common.PathManager
	opts   Options
	logger *zap.Logger
}

// manifestFile is the on-disk JSON document.
type manifestFile struct {
	Edits []VersionEdit `json:"edits"`
}

// Open loads the MANIFEST under pm, or starts an empty one if none exists.
// Tables are not opened until OpenTables is called.
func Open(pm *common.PathManager, opts Options) (*Manifest, error) {
	if opts.NumTiers <= 0 {
		opts.NumTiers = 1
	}
	if opts.MaxEdits <= 0 {
		opts.MaxEdits = defaultMaxEdits
	}
	logger := common.NewLogger(opts.Logger)

	m := &Manifest{
		current: newVersion(opts.NumTiers),
		tables:  make(map[common.FileNo]*sstable.Table),
		paths:   pm,
		opts:    opts,
		logger:  logger,
	}

	// A leftover temp file is an interrupted Persist; the old MANIFEST is
	// still authoritative.
	if err := os.Remove(pm.ManifestTmpFile()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("manifest: remove stale temp: %w", err)
	}

	f, err := os.Open(pm.ManifestFile())
	switch {
	case errors.Is(err, fs.ErrNotExist):
		m.nextFile = m.current.NextFileNumber
		return m, nil
	case err != nil:
		return nil, fmt.Errorf("manifest: open: %w", err)
	}
	defer f.Close()

	edits, err := ReadManifest(f)
	if err != nil {
		return nil, fmt.Errorf("%w: manifest %s: %v", common.ErrCorruption, pm.ManifestFile(), err)
	}
	v := newVersion(opts.NumTiers)
	for i := range edits {
		v.apply(&edits[i])
	}
	m.current = v
	m.edits = edits
	m.nextFile = v.NextFileNumber

	logger.Info("manifest loaded",
		zap.Int("edits", len(edits)),
		zap.Int("tables", v.NumFiles()),
		zap.Uint64("log_number", uint64(v.LogNumber)),
		zap.Uint64("last_sequence", v.LastSequence))
	return m, nil
}

// Current returns a snapshot of the current version for reading.
func (m *Manifest) Current() *Version {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// NewFileNumber allocates a number for a new WAL segment or SSTable.
func (m *Manifest) NewFileNumber() common.FileNo {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.nextFile
	m.nextFile++
	return n
}

// MarkFileNumberUsed ensures future allocations are above n.
func (m *Manifest) MarkFileNumberUsed(n common.FileNo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n >= m.nextFile {
		m.nextFile = n + 1
	}
}

// Apply persists edit and installs the resulting version. Tables removed by
// the edit leave the table cache; readers holding references keep them open
// until released. If persisting fails the current version is unchanged.
func (m *Manifest) Apply(edit *VersionEdit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if edit.NextFileNumber == nil || *edit.NextFileNumber < m.nextFile {
		edit.SetNextFileNumber(m.nextFile)
	}

	nv := m.current.deepCopy()
	nv.apply(edit)

	edits := append(m.edits[:len(m.edits):len(m.edits)], *edit)
	if len(edits) > m.opts.MaxEdits {
		edits = []VersionEdit{snapshotEdit(nv)}
	}
	if err := m.persist(edits); err != nil {
		return err
	}

	m.current = nv
	m.edits = edits
	if nv.NextFileNumber > m.nextFile {
		m.nextFile = nv.NextFileNumber
	}

	for _, d := range edit.Removed {
		if t, ok := m.tables[d.FileNo]; ok {
			delete(m.tables, d.FileNo)
			if err := t.Unref(); err != nil {
				m.logger.Warn("closing removed table", zap.Uint64("file", uint64(d.FileNo)), zap.Error(err))
			}
		}
	}
	return nil
}

// Flush rewrites the MANIFEST from the current edit history.
func (m *Manifest) Flush() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persist(m.edits)
}

// WriteManifest serializes an edit history to JSON.
func WriteManifest(w io.Writer, edits []VersionEdit) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(manifestFile{Edits: edits})
}

// ReadManifest deserializes an edit history from JSON.
func ReadManifest(r io.Reader) ([]VersionEdit, error) {
	var mf manifestFile
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&mf); err != nil {
		return nil, err
	}
	return mf.Edits, nil
}

// persist atomically replaces the MANIFEST: write to a temp file, fsync,
// rename, fsync the directory.
func (m *Manifest) persist(edits []VersionEdit) error {
	tmpPath := m.paths.ManifestTmpFile()
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("manifest: create %s: %w", tmpPath, err)
	}

	if err := WriteManifest(f, edits); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("manifest: write: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("manifest: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("manifest: close: %w", err)
	}

	if err := os.Rename(tmpPath, m.paths.ManifestFile()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("manifest: rename: %w", err)
	}
	return syncDir(filepath.Dir(m.paths.ManifestFile()))
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("manifest: open dir: %w", err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("manifest: sync dir: %w", err)
	}
	return nil
}
