// Package merge implements online compaction: rewriting every live key
// into a fresh, smaller set of data files and retiring the stale ones,
// without ever blocking readers or writers of the main database.
package merge

import (
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nikosl/bitcask/internal/bitcaskerr"
	"github.com/nikosl/bitcask/internal/database"
	"github.com/nikosl/bitcask/internal/fileid"
	"github.com/nikosl/bitcask/internal/fsutil"
	"github.com/nikosl/bitcask/internal/hint"
	"github.com/nikosl/bitcask/internal/keydir"
	"github.com/nikosl/bitcask/internal/storage"
)

// Result reports what a completed merge changed on disk.
type Result struct {
	MergedKeys     int
	NewFileIDs     []uint32
	RetiredFileIDs []uint32
}

// Manager serializes merges against a single database: bitcask has no
// multi-process access, so an in-process mutex is the entire locking
// story, standing in for the directory-level merge lock the reference
// implementation takes.
type Manager struct {
	mu sync.Mutex
}

// NewManager returns a ready Manager.
func NewManager() *Manager {
	return &Manager{}
}

// RecoverOnOpen discards any incomplete merge scratch directory left
// behind by a crash. This is always safe: a merge never deletes or
// modifies a pre-existing data file until every compacted output file has
// already been renamed into place, so a half-finished merge/ directory
// represents wasted work, never lost data.
func RecoverOnOpen(dir string) error {
	mergeDir := filepath.Join(dir, fsutil.MergeDirName)
	if _, err := os.Stat(mergeDir); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "statting merge directory %q", mergeDir)
	}
	logrus.WithField("dir", mergeDir).Info("discarding incomplete merge scratch directory")
	return os.RemoveAll(mergeDir)
}

// Merge compacts db: every live key (per kd) is rewritten, with its
// original timestamp, into a fresh set of data files, which are then
// atomically committed into db's directory. Keys written or deleted
// concurrently with the merge are left untouched; their (already live)
// locations win.
func (m *Manager) Merge(db *database.Database, kd *keydir.Keydir, gen *fileid.Generator, opts database.Options) (Result, error) {
	if !m.mu.TryLock() {
		return Result{}, &bitcaskerr.MergeInProgress{}
	}
	defer m.mu.Unlock()

	dir := db.Dir()
	mergeDir := filepath.Join(dir, fsutil.MergeDirName)
	if entries, err := os.ReadDir(mergeDir); err == nil && len(entries) > 0 {
		return Result{}, &bitcaskerr.MergeFileDirectoryNotEmpty{Path: mergeDir}
	}
	if err := fsutil.EnsureDir(mergeDir); err != nil {
		return Result{}, err
	}

	if err := db.FlushWritingFile(); err != nil {
		return Result{}, err
	}
	retiring := db.GetFileIDs().StableFileIDs

	mergeWorker := hint.StartWorker()
	mergeDB, err := database.Open(mergeDir, gen, opts, mergeWorker)
	if err != nil {
		mergeWorker.Stop()
		return Result{}, err
	}
	// mergeOutputMinFileID is the id mergeDB handed out for its own first
	// writable file, which is always strictly greater than every
	// pre-existing file id (gen is shared). It is NOT spec.md §3/§6's
	// known_min_file_id (the minimum pre-merge data-file id recorded in
	// merge.meta) — this repo's RecoverOnOpen discards any leftover
	// merge/ directory wholesale instead of reading that marker back, so
	// nothing here needs the true pre-merge minimum. This value is kept
	// only as a sanity floor: every merge-output file id must land at or
	// above it, by construction.
	mergeOutputMinFileID := mergeDB.MaxFileID()
	defer mergeWorker.Stop()

	snapshot := kd.Snapshot()
	keys := make([]string, 0, len(snapshot))
	for key := range snapshot {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	merged := 0
	for _, key := range keys {
		oldEntry := snapshot[key]
		tv, err := db.ReadValue(oldEntry.Location())
		if err != nil {
			logrus.WithFields(logrus.Fields{"error": err}).
				Warn("skipping key during merge, value became unreadable")
			continue
		}
		if storage.IsTombstone(tv.Value) {
			continue
		}

		loc, err := mergeDB.Write([]byte(key), tv.Value, tv.Timestamp)
		if err != nil {
			return Result{}, err
		}
		newEntry := keydir.Entry{FileID: loc.FileID, Offset: loc.Offset, Size: loc.Size, Timestamp: tv.Timestamp}
		if !kd.CompareAndSwap([]byte(key), oldEntry, newEntry) {
			logrus.WithField("key", key).Debug("key changed during merge, keeping live location")
			continue
		}
		merged++
	}

	if err := mergeDB.FlushWritingFile(); err != nil {
		return Result{}, err
	}
	fids := mergeDB.GetFileIDs()
	newFileIDs := append(append([]uint32{}, fids.StableFileIDs...), fids.WritingFileID)
	sort.Slice(newFileIDs, func(i, j int) bool { return newFileIDs[i] < newFileIDs[j] })

	for _, id := range newFileIDs {
		if id < mergeOutputMinFileID {
			return Result{}, &bitcaskerr.InvalidMergeDataFile{FoundID: id, MinID: mergeOutputMinFileID}
		}
	}

	if err := mergeDB.Close(); err != nil {
		return Result{}, err
	}

	if err := commitFiles(mergeDir, dir, newFileIDs); err != nil {
		return Result{}, err
	}
	if err := os.RemoveAll(mergeDir); err != nil {
		logrus.WithError(err).Warn("failed to remove merge scratch directory after commit")
	}

	if err := db.ReloadFiles(newFileIDs); err != nil {
		return Result{}, err
	}
	for _, id := range retiring {
		stillNeeded := false
		for _, n := range newFileIDs {
			if n == id {
				stillNeeded = true
			}
		}
		if stillNeeded {
			continue
		}
		if err := fsutil.DeleteFile(dir, id); err != nil {
			return Result{}, err
		}
		if err := hint.Delete(dir, id); err != nil {
			return Result{}, err
		}
	}

	logrus.WithFields(logrus.Fields{
		"merged_keys": merged, "new_files": len(newFileIDs), "retired_files": len(retiring),
	}).Info("merge committed")

	return Result{MergedKeys: merged, NewFileIDs: newFileIDs, RetiredFileIDs: retiring}, nil
}

func commitFiles(mergeDir, dir string, ids []uint32) error {
	for _, id := range ids {
		src := fsutil.Path(mergeDir, id, fsutil.DataFile)
		dst := fsutil.Path(dir, id, fsutil.DataFile)
		if err := os.Rename(src, dst); err != nil {
			return errors.Wrapf(err, "committing merge output data file %d", id)
		}
		hintSrc := fsutil.Path(mergeDir, id, fsutil.HintFile)
		if _, err := os.Stat(hintSrc); err == nil {
			hintDst := fsutil.Path(dir, id, fsutil.HintFile)
			if err := os.Rename(hintSrc, hintDst); err != nil {
				logrus.WithError(err).WithField("file_id", id).Warn("failed to commit merge hint file, recovery will fall back to data file scan")
			}
		}
	}
	return nil
}
