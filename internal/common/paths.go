package common

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	walDir        = "wal"
	sstableDir    = "sstable"
	walSuffix     = ".log"
	sstableSuffix = ".sst"
)

// PathManager resolves the on-disk layout of an engine directory:
//
//	LOCK
//	MANIFEST
//	wal/<fileNo>.log
//	sstable/<tier>/<fileNo>.sst
type PathManager struct {
	root string
}

func NewPathManager(root string) *PathManager {
	return &PathManager{root: root}
}

func (pm *PathManager) Root() string {
	return pm.root
}

func (pm *PathManager) LockFile() string {
	return filepath.Join(pm.root, "LOCK")
}

func (pm *PathManager) ManifestFile() string {
	return filepath.Join(pm.root, "MANIFEST")
}

func (pm *PathManager) ManifestTmpFile() string {
	return filepath.Join(pm.root, "MANIFEST.tmp")
}

func (pm *PathManager) WALDir() string {
	return filepath.Join(pm.root, walDir)
}

func (pm *PathManager) WALFile(fileNo FileNo) string {
	return filepath.Join(pm.WALDir(), WALFileName(fileNo))
}

func (pm *PathManager) SSTableDir() string {
	return filepath.Join(pm.root, sstableDir)
}

func (pm *PathManager) SSTableTierDir(tier int) string {
	return filepath.Join(pm.SSTableDir(), strconv.Itoa(tier))
}

func (pm *PathManager) SSTableFile(tier int, fileNo FileNo) string {
	return filepath.Join(pm.SSTableTierDir(tier), SSTableFileName(fileNo))
}

// WALFileName returns the base name of a WAL segment, e.g. "000007.log".
func WALFileName(fileNo FileNo) string {
	return fmt.Sprintf("%06d%s", fileNo, walSuffix)
}

// SSTableFileName returns the base name of an SSTable, e.g. "000007.sst".
func SSTableFileName(fileNo FileNo) string {
	return fmt.Sprintf("%06d%s", fileNo, sstableSuffix)
}

// ParseWALFileName extracts the file number from a name like "000007.log".
func ParseWALFileName(name string) (FileNo, bool) {
	return parseFileName(name, walSuffix)
}

// ParseSSTableFileName extracts the file number from a name like "000007.sst".
func ParseSSTableFileName(name string) (FileNo, bool) {
	return parseFileName(name, sstableSuffix)
}

func parseFileName(name, suffix string) (FileNo, bool) {
	stem, ok := strings.CutSuffix(filepath.Base(name), suffix)
	if !ok || stem == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(stem, 10, 64)
	if err != nil {
		return 0, false
	}
	return FileNo(n), true
}
