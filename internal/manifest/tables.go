package manifest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"strata/internal/common"
	"strata/internal/sstable"
)

// maxParallelOpens bounds concurrent table opens at startup.
const maxParallelOpens = 8

// Paths returns the directory layout the manifest manages.
func (m *Manifest) Paths() *common.PathManager {
	return m.paths
}

// NewFileMetadata describes a freshly written table for a version edit.
func NewFileMetadata(tier int, fileNo common.FileNo, res *sstable.WriteResult) FileMetadata {
	return FileMetadata{
		FileNo:      fileNo,
		Tier:        tier,
		Size:        res.Size,
		SmallestKey: res.SmallestKey,
		LargestKey:  res.LargestKey,
		SmallestSeq: res.SmallestSeq,
		LargestSeq:  res.LargestSeq,
		EntryCount:  res.EntryCount,
	}
}

// TablePath returns the path of a live file.
func (m *Manifest) TablePath(fm FileMetadata) string {
	return m.paths.SSTableFile(fm.Tier, fm.FileNo)
}

// OpenTables opens every live table concurrently and fills the table cache.
// A table that fails validation fails the whole call.
func (m *Manifest) OpenTables(ctx context.Context) error {
	start := time.Now()
	files := m.Current().Files()

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelOpens)
	for _, fm := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			t, err := m.openTable(fm)
			if err != nil {
				return err
			}
			m.mu.Lock()
			m.tables[fm.FileNo] = t
			m.mu.Unlock()
			return nil
		})
	}

	err := g.Wait()
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		for fileNo, t := range m.tables {
			t.Unref()
			delete(m.tables, fileNo)
		}
		return err
	}
	common.LogDuration(m.logger, start, "tables opened", zap.Int("tables", len(files)))
	return nil
}

func (m *Manifest) openTable(fm FileMetadata) (*sstable.Table, error) {
	return sstable.Open(m.TablePath(fm), fm.FileNo, m.opts.BlockCache,
		sstable.WithBloomFalsePositiveRate(m.opts.BloomFalsePositiveRate))
}

// GetTable returns the open table for a live file, opening it if not cached.
// The returned table carries a reference the caller must release with Unref.
func (m *Manifest) GetTable(fm FileMetadata) (*sstable.Table, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getTableLocked(fm)
}

func (m *Manifest) getTableLocked(fm FileMetadata) (*sstable.Table, error) {
	if t, ok := m.tables[fm.FileNo]; ok {
		t.Ref()
		return t, nil
	}
	t, err := m.openTable(fm)
	if err != nil {
		return nil, err
	}
	m.tables[fm.FileNo] = t
	t.Ref()
	return t, nil
}

// Snapshot pins a version together with its open tables.
type Snapshot struct {
	Version *Version
	// Tables are in read order (newest first), parallel to Version.Files().
	Tables []*sstable.Table
	Files  []FileMetadata

	once sync.Once
}

// Acquire pins the current version. Release must be called exactly once.
func (m *Manifest) Acquire() (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.current
	files := v.Files()
	s := &Snapshot{Version: v, Files: files, Tables: make([]*sstable.Table, 0, len(files))}
	for _, fm := range files {
		t, err := m.getTableLocked(fm)
		if err != nil {
			s.Release()
			return nil, err
		}
		s.Tables = append(s.Tables, t)
	}
	return s, nil
}

// Release drops the snapshot's table references.
func (s *Snapshot) Release() {
	s.once.Do(func() {
		for _, t := range s.Tables {
			t.Unref()
		}
		s.Tables = nil
	})
}

// RemoveOrphans deletes SSTable files in the data directory that no live
// version references: leftovers of a flush or compaction that crashed
// before its manifest commit.
func (m *Manifest) RemoveOrphans() ([]string, error) {
	v := m.Current()
	live := make(map[common.FileNo]int, v.NumFiles())
	for _, fm := range v.Files() {
		live[fm.FileNo] = fm.Tier
	}

	tierDirs, err := os.ReadDir(m.paths.SSTableDir())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("manifest: list sstables: %w", err)
	}

	var removed []string
	for _, td := range tierDirs {
		if !td.IsDir() {
			continue
		}
		tier, err := strconv.Atoi(td.Name())
		if err != nil {
			continue
		}
		entries, err := os.ReadDir(m.paths.SSTableTierDir(tier))
		if err != nil {
			return removed, fmt.Errorf("manifest: list tier %d: %w", tier, err)
		}
		for _, de := range entries {
			fileNo, ok := common.ParseSSTableFileName(de.Name())
			if !ok {
				continue
			}
			if liveTier, isLive := live[fileNo]; isLive && liveTier == tier {
				continue
			}
			path := m.paths.SSTableFile(tier, fileNo)
			if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return removed, fmt.Errorf("manifest: remove orphan %s: %w", path, err)
			}
			m.logger.Info("removed orphan sstable", zap.String("path", path))
			removed = append(removed, path)
		}
	}
	return removed, nil
}

// Close releases every cached table.
func (m *Manifest) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for fileNo, t := range m.tables {
		if err := t.Unref(); err != nil {
			errs = append(errs, err)
		}
		delete(m.tables, fileNo)
	}
	return errors.Join(errs...)
}
