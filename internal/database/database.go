// Package database owns the on-disk life cycle of a single bitcask
// directory: exactly one writable data file, a set of read-only stable
// files, recovery, and iteration. It has no notion of keys beyond what it
// needs to support recovery; the keydir lives one layer up.
package database

import (
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nikosl/bitcask/internal/bitcaskerr"
	"github.com/nikosl/bitcask/internal/fileid"
	"github.com/nikosl/bitcask/internal/fsutil"
	"github.com/nikosl/bitcask/internal/hint"
	"github.com/nikosl/bitcask/internal/storage"
)

// Options configures a Database.
type Options struct {
	Storage storage.Options
}

// FileIDs reports the current split between the writable file and the
// stable (read-only) set.
type FileIDs struct {
	StableFileIDs []uint32
	WritingFileID uint32
}

// Stats summarizes a Database's on-disk footprint.
type Stats struct {
	NumDataFiles        int
	TotalDataSizeBytes  uint64
	NumPendingHintFiles int
}

type stableFile struct {
	mu sync.Mutex
	st storage.DataStorage
}

// Database is the storage engine underneath a Bitcask: one writable file
// guarded by a mutex, a concurrent map of read-only files each guarded by
// its own mutex, and a background hint-file worker.
type Database struct {
	dir         string
	fileIDGen   *fileid.Generator
	opts        Options
	hintWorker  *hint.Worker
	ownsWorker  bool
	writingMu   sync.Mutex
	writing     storage.DataStorage
	stableMu    sync.RWMutex
	stable      map[uint32]*stableFile
	errMu       sync.Mutex
	errMsg      string
	hasError    bool
}

// Open opens (or creates) a database directory, recovering the writable
// file's cursor from its last successfully decoded row and synchronizing
// gen to the maximum on-disk file id.
func Open(dir string, gen *fileid.Generator, opts Options, worker *hint.Worker) (*Database, error) {
	logrus.WithField("dir", dir).Debug("opening database")

	if err := hint.ClearTempFiles(dir); err != nil {
		return nil, err
	}

	ids, err := fsutil.ListFileIDs(dir, fsutil.DataFile)
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		gen.UpdateMax(ids[len(ids)-1])
	}

	ownsWorker := worker == nil
	if ownsWorker {
		worker = hint.StartWorker()
	}

	writing, stableList, err := prepareLoadStorages(dir, ids, gen, opts)
	if err != nil {
		if ownsWorker {
			worker.Stop()
		}
		return nil, err
	}

	stable := make(map[uint32]*stableFile, len(stableList))
	for _, s := range stableList {
		stable[s.FileID()] = &stableFile{st: s}
	}

	db := &Database{
		dir:        dir,
		fileIDGen:  gen,
		opts:       opts,
		hintWorker: worker,
		ownsWorker: ownsWorker,
		writing:    writing,
		stable:     stable,
	}
	logrus.WithFields(logrus.Fields{"dir": dir, "data_files": len(ids)}).Info("database opened")
	return db, nil
}

func prepareLoadStorages(dir string, ids []uint32, gen *fileid.Generator, opts Options) (storage.DataStorage, []storage.DataStorage, error) {
	storages := make([]storage.DataStorage, 0, len(ids))
	for _, id := range ids {
		s, err := storage.Open(dir, id, opts.Storage)
		if err != nil {
			return nil, nil, err
		}
		storages = append(storages, s)
	}

	if len(storages) == 0 || storages[len(storages)-1].IsReadonly() {
		nextID := gen.Next()
		writing, err := storage.Create(dir, nextID, opts.Storage)
		if err != nil {
			return nil, nil, err
		}
		return writing, storages, nil
	}

	writing := storages[len(storages)-1]
	storages = storages[:len(storages)-1]
	return writing, storages, nil
}

// Dir returns the database directory.
func (db *Database) Dir() string { return db.dir }

// MaxFileID returns the current writable file's id.
func (db *Database) MaxFileID() uint32 {
	db.writingMu.Lock()
	defer db.writingMu.Unlock()
	return db.writing.FileID()
}

// Write appends key/value with timestamp into the writable file, rolling
// over to a new writable file first if the append would overflow.
func (db *Database) Write(key, value []byte, timestamp uint64) (storage.RowLocation, error) {
	db.writingMu.Lock()
	defer db.writingMu.Unlock()

	loc, err := db.writing.WriteRow(key, value, timestamp)
	if _, overflow := err.(*bitcaskerr.StorageOverflow); overflow {
		logrus.WithField("file_id", db.writing.FileID()).Debug("writing file overflow, rolling over")
		if err := db.doFlushWritingFileLocked(); err != nil {
			return storage.RowLocation{}, err
		}
		return db.writing.WriteRow(key, value, timestamp)
	}
	return loc, err
}

// FlushWritingFile forces the active writable file into the stable set,
// even if it is not full, and starts a fresh writable file in its place.
func (db *Database) FlushWritingFile() error {
	db.writingMu.Lock()
	defer db.writingMu.Unlock()
	return db.doFlushWritingFileLocked()
}

func (db *Database) doFlushWritingFileLocked() error {
	if db.writing.FileSize() <= storage.FileHeaderSize {
		logrus.WithField("file_id", db.writing.FileID()).Debug("skipping flush of empty writing file")
		return nil
	}

	nextID := db.fileIDGen.Next()
	next, err := storage.Create(db.dir, nextID, db.opts.Storage)
	if err != nil {
		return err
	}

	old := db.writing
	db.writing = next

	if err := old.TransitToReadonly(); err != nil {
		return err
	}
	oldID := old.FileID()

	db.stableMu.Lock()
	db.stable[oldID] = &stableFile{st: old}
	db.stableMu.Unlock()

	db.hintWorker.Enqueue(hint.Job{
		FileID: oldID,
		Write:  func() error { return hint.Write(db.dir, old) },
	})

	logrus.WithFields(logrus.Fields{"old_file_id": oldID, "new_file_id": nextID}).
		Debug("writing file flushed and rolled over")
	return nil
}

// ReadValue performs a single positioned read of the row at loc.
func (db *Database) ReadValue(loc storage.RowLocation) (storage.TimedValue, error) {
	db.writingMu.Lock()
	if loc.FileID == db.writing.FileID() {
		defer db.writingMu.Unlock()
		return db.writing.ReadValue(loc.Offset, loc.Size)
	}
	db.writingMu.Unlock()

	sf, err := db.getStableFile(loc.FileID)
	if err != nil {
		return storage.TimedValue{}, err
	}
	sf.mu.Lock()
	defer sf.mu.Unlock()
	return sf.st.ReadValue(loc.Offset, loc.Size)
}

func (db *Database) getStableFile(fileID uint32) (*stableFile, error) {
	db.stableMu.RLock()
	defer db.stableMu.RUnlock()
	sf, ok := db.stable[fileID]
	if !ok {
		return nil, &bitcaskerr.TargetFileIDNotFound{FileID: fileID}
	}
	return sf, nil
}

// GetFileIDs returns the current writing/stable file id split.
func (db *Database) GetFileIDs() FileIDs {
	db.writingMu.Lock()
	writingID := db.writing.FileID()
	db.writingMu.Unlock()

	db.stableMu.RLock()
	defer db.stableMu.RUnlock()
	ids := make([]uint32, 0, len(db.stable))
	for id := range db.stable {
		ids = append(ids, id)
	}
	return FileIDs{StableFileIDs: ids, WritingFileID: writingID}
}

// Stats reports data-file count, total size and pending hint jobs.
func (db *Database) Stats() Stats {
	db.writingMu.Lock()
	total := db.writing.FileSize()
	db.writingMu.Unlock()

	db.stableMu.RLock()
	numStable := len(db.stable)
	for _, sf := range db.stable {
		sf.mu.Lock()
		total += sf.st.FileSize()
		sf.mu.Unlock()
	}
	db.stableMu.RUnlock()

	return Stats{
		NumDataFiles:        numStable + 1,
		TotalDataSizeBytes:  total,
		NumPendingHintFiles: db.hintWorker.Len(),
	}
}

// Sync flushes the writable file to durable storage without rolling it.
func (db *Database) Sync() error {
	db.writingMu.Lock()
	defer db.writingMu.Unlock()
	return db.writing.Flush()
}

// Close flushes the writable file and releases every open file handle.
func (db *Database) Close() error {
	db.writingMu.Lock()
	err := db.writing.Flush()
	closeErr := db.writing.Close()
	db.writingMu.Unlock()
	if err == nil {
		err = closeErr
	}

	db.stableMu.RLock()
	for _, sf := range db.stable {
		sf.mu.Lock()
		if cerr := sf.st.Close(); cerr != nil && err == nil {
			err = cerr
		}
		sf.mu.Unlock()
	}
	db.stableMu.RUnlock()

	if db.ownsWorker {
		db.hintWorker.Stop()
	}
	logrus.WithField("dir", db.dir).Info("database closed")
	return err
}

// Drop flushes, deletes every data/hint file on disk and clears the
// stable set. The caller is expected to have already quiesced writers.
func (db *Database) Drop() error {
	db.writingMu.Lock()
	writingID := db.writing.FileID()
	err := db.writing.Flush()
	db.writingMu.Unlock()
	if err != nil {
		return err
	}
	if derr := fsutil.DeleteFile(db.dir, writingID); derr != nil {
		return derr
	}

	db.stableMu.Lock()
	defer db.stableMu.Unlock()
	for id := range db.stable {
		if err := fsutil.DeleteFile(db.dir, id); err != nil {
			return err
		}
	}
	db.stable = make(map[uint32]*stableFile)
	return nil
}

// MarkError sets the sticky error flag. Every public call fails fast with
// DatabaseBroken until the database is reopened.
func (db *Database) MarkError(msg string) {
	db.errMu.Lock()
	defer db.errMu.Unlock()
	db.hasError = true
	db.errMsg = msg
}

// CheckError returns DatabaseBroken if the sticky error flag is set.
func (db *Database) CheckError() error {
	db.errMu.Lock()
	defer db.errMu.Unlock()
	if db.hasError {
		return &bitcaskerr.DatabaseBroken{Msg: db.errMsg}
	}
	return nil
}

// ReloadFiles replaces the stable set with freshly opened read-only
// storages for dataFileIDs, used after a merge commits new files. It does
// not touch the writable file.
func (db *Database) ReloadFiles(dataFileIDs []uint32) error {
	next := make(map[uint32]*stableFile, len(dataFileIDs))
	for _, id := range dataFileIDs {
		s, err := storage.Open(db.dir, id, db.opts.Storage)
		if err != nil {
			return err
		}
		next[id] = &stableFile{st: s}
	}

	db.stableMu.Lock()
	old := db.stable
	db.stable = next
	db.stableMu.Unlock()

	for id, sf := range old {
		sf.mu.Lock()
		if err := sf.st.Close(); err != nil {
			logrus.WithFields(logrus.Fields{"file_id": id, "error": err}).Warn("failed to close stable file during reload")
		}
		sf.mu.Unlock()
	}
	return nil
}

// RecoveryWalk yields every record across every data file in descending
// file-id order, each file preferring its hint file (fast path) and
// falling back to a full data-file scan when no hint file exists. It
// matches the callback shape keydir.RebuildFrom expects, so it can be
// passed directly as the rows argument.
func (db *Database) RecoveryWalk(yield func(storage.RecoveredRow) bool) {
	ids := db.descendingFileIDs()
	for _, id := range ids {
		st, closeFn, err := db.openForScan(id)
		if err != nil {
			logrus.WithFields(logrus.Fields{"file_id": id, "error": err}).
				Warn("skipping unreadable data file during recovery")
			continue
		}

		rows, err := db.recoverRows(id, st)
		if closeFn != nil {
			closeFn()
		}
		if err != nil {
			logrus.WithFields(logrus.Fields{"file_id": id, "error": err}).
				Warn("recovery scan stopped early for data file")
		}
		for _, r := range rows {
			if !yield(r) {
				return
			}
		}
	}
}

func (db *Database) recoverRows(id uint32, st storage.DataStorage) ([]storage.RecoveredRow, error) {
	if hint.Exists(db.dir, id) {
		rows, err := hint.Read(db.dir, id)
		if err == nil {
			return rows, nil
		}
		logrus.WithFields(logrus.Fields{"file_id": id, "error": err}).
			Warn("hint file unreadable, falling back to data file scan")
	}

	var rows []storage.RecoveredRow
	it := storage.NewIterator(st, st.FileSize())
	for {
		row, err := it.Next()
		if err != nil {
			return reverseRows(rows), err
		}
		if row == nil {
			return reverseRows(rows), nil
		}
		rows = append(rows, storage.RecoveredRow{
			FileID:      id,
			Timestamp:   row.Timestamp,
			Offset:      row.Position.Offset,
			Size:        row.Position.Size,
			Key:         row.Key,
			IsTombstone: storage.IsTombstone(row.Value),
		})
	}
}

// reverseRows flips a forward (ascending-offset) scan into the
// descending-offset order RebuildFrom's "first observation wins" logic
// requires within a single file: a later write of the same key must be
// seen before an earlier one.
func reverseRows(rows []storage.RecoveredRow) []storage.RecoveredRow {
	for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
		rows[i], rows[j] = rows[j], rows[i]
	}
	return rows
}

func (db *Database) descendingFileIDs() []uint32 {
	fids := db.GetFileIDs()
	ids := append(fids.StableFileIDs, fids.WritingFileID)
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	return ids
}

// openForScan returns a DataStorage usable for a read-only recovery scan
// of fileID, reusing the already-open writing/stable handle when
// possible so recovery never opens a second handle on the same file.
func (db *Database) openForScan(fileID uint32) (storage.DataStorage, func(), error) {
	db.writingMu.Lock()
	if fileID == db.writing.FileID() {
		st := db.writing
		db.writingMu.Unlock()
		return st, nil, nil
	}
	db.writingMu.Unlock()

	sf, err := db.getStableFile(fileID)
	if err != nil {
		return nil, nil, err
	}
	sf.mu.Lock()
	return sf.st, sf.mu.Unlock, nil
}

// Iter yields every record across every data file in ascending storage-id
// order, with no deduplication of overwritten or tombstoned keys: the raw
// append log rather than the live key set. No code in this repository
// calls it.
func (db *Database) Iter(yield func(storage.RecoveredRow) bool) {
	fids := db.GetFileIDs()
	ids := append(append([]uint32{}, fids.StableFileIDs...), fids.WritingFileID)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		st, closeFn, err := db.openForScan(id)
		if err != nil {
			logrus.WithFields(logrus.Fields{"file_id": id, "error": err}).
				Warn("skipping unreadable data file during iteration")
			continue
		}
		it := storage.NewIterator(st, st.FileSize())
		for {
			row, err := it.Next()
			if err != nil {
				logrus.WithFields(logrus.Fields{"file_id": id, "error": err}).
					Warn("iteration stopped early for data file")
				break
			}
			if row == nil {
				break
			}
			cont := yield(storage.RecoveredRow{
				FileID:      id,
				Timestamp:   row.Timestamp,
				Offset:      row.Position.Offset,
				Size:        row.Position.Size,
				Key:         row.Key,
				IsTombstone: storage.IsTombstone(row.Value),
			})
			if !cont {
				if closeFn != nil {
					closeFn()
				}
				return
			}
		}
		if closeFn != nil {
			closeFn()
		}
	}
}

// PurgeBelow deletes every data file (and hint) whose id is strictly less
// than keep, skipping the current writable file.
func (db *Database) PurgeBelow(keep uint32) error {
	db.writingMu.Lock()
	writingID := db.writing.FileID()
	db.writingMu.Unlock()

	db.stableMu.RLock()
	toDelete := make([]uint32, 0)
	for id := range db.stable {
		if id < keep && id != writingID {
			toDelete = append(toDelete, id)
		}
	}
	db.stableMu.RUnlock()

	for _, id := range toDelete {
		if err := fsutil.DeleteFile(db.dir, id); err != nil {
			return err
		}
		if err := hint.Delete(db.dir, id); err != nil {
			return err
		}
	}
	return nil
}
