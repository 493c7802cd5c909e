// Package fsutil names and locates the files a database directory holds:
// "<id>.data" data files, "<id>.hint" sidecars, and the directory lock
// file. It also wraps the directory-lock primitive (acquire exclusive
// lock on a directory or fail) described as an external collaborator in
// the specification.
package fsutil

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
	"github.com/pkg/errors"

	"github.com/nikosl/bitcask/internal/bitcaskerr"
)

// FileType distinguishes the file kinds living under a database directory.
type FileType int

const (
	// DataFile is a "<id>.data" append-only data file.
	DataFile FileType = iota
	// HintFile is a "<id>.hint" accelerator sidecar.
	HintFile
)

func (t FileType) ext() string {
	switch t {
	case HintFile:
		return ".hint"
	default:
		return ".data"
	}
}

// LockFileName is the name of the exclusive directory lock file.
const LockFileName = "lock"

// MergeDirName is the scratch subdirectory a merge stages its output in.
const MergeDirName = "merge"

// MergeMetaFileName is the name reserved for the merge-meta marker. No
// code in this repository writes or reads a file of this name.
const MergeMetaFileName = "merge.meta"

// Path builds the path of a file of the given type and id under dir.
func Path(dir string, id uint32, t FileType) string {
	return filepath.Join(dir, strconv.FormatUint(uint64(id), 10)+t.ext())
}

// ParseFileID extracts the storage id out of a "<id>.data"/"<id>.hint"
// file name.
func ParseFileID(name string, t FileType) (uint32, error) {
	base := strings.TrimSuffix(filepath.Base(name), t.ext())
	id, err := strconv.ParseUint(base, 10, 32)
	if err != nil {
		return 0, &bitcaskerr.InvalidDatabaseFileName{Name: name}
	}
	return uint32(id), nil
}

// ListFileIDs returns, in ascending order, the ids of every file of the
// given type directly under dir. A missing dir yields an empty slice.
func ListFileIDs(dir string, t FileType) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "reading directory %q", dir)
	}
	ids := make([]uint32, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != t.ext() {
			continue
		}
		id, err := ParseFileID(e.Name(), t)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// DeleteFile removes the data (and, best-effort, the hint) file for id.
func DeleteFile(dir string, id uint32) error {
	if err := os.Remove(Path(dir, id, DataFile)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "deleting data file %d", id)
	}
	_ = os.Remove(Path(dir, id, HintFile))
	return nil
}

// DirLock guards exclusive access to a database directory.
type DirLock struct {
	fl   *flock.Flock
	path string
}

// Acquire tries to take an exclusive lock on dir, failing with
// bitcaskerr.LockDirectoryFailed if another process holds it.
func Acquire(dir string) (*DirLock, error) {
	path := filepath.Join(dir, LockFileName)
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, errors.Wrapf(err, "locking directory %q", dir)
	}
	if !ok {
		return nil, &bitcaskerr.LockDirectoryFailed{Path: dir}
	}
	return &DirLock{fl: fl, path: path}, nil
}

// Release gives up the lock. It is safe to call more than once.
func (l *DirLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	return l.fl.Unlock()
}

// EnsureDir creates dir (and parents) if it does not already exist.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o755)
}
