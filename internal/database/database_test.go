package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikosl/bitcask/internal/fileid"
	"github.com/nikosl/bitcask/internal/hint"
	"github.com/nikosl/bitcask/internal/storage"
)

func openTestDB(t *testing.T, dir string, gen *fileid.Generator) *Database {
	t.Helper()
	opts := Options{Storage: storage.Options{MaxFileSize: 1 << 20, Backend: storage.FileBackend}}
	db, err := Open(dir, gen, opts, nil)
	require.NoError(t, err)
	return db
}

func TestWriteAndReadValue(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, fileid.New())
	defer db.Close()

	loc, err := db.Write([]byte("k"), []byte("v"), 1)
	require.NoError(t, err)

	tv, err := db.ReadValue(loc)
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), tv.Value)
}

func TestWriteRollsOverOnOverflow(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Storage: storage.Options{
		MaxFileSize: storage.FileHeaderSize + storage.RowSize(1, 1),
		Backend:     storage.FileBackend,
	}}
	db, err := Open(dir, fileid.New(), opts, nil)
	require.NoError(t, err)
	defer db.Close()

	firstFileID := db.MaxFileID()
	_, err = db.Write([]byte("a"), []byte("b"), 1)
	require.NoError(t, err)
	_, err = db.Write([]byte("c"), []byte("d"), 2)
	require.NoError(t, err)

	assert.NotEqual(t, firstFileID, db.MaxFileID())
	fids := db.GetFileIDs()
	assert.Contains(t, fids.StableFileIDs, firstFileID)
}

func TestReadValueFromStableFile(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Storage: storage.Options{
		MaxFileSize: storage.FileHeaderSize + storage.RowSize(1, 1),
		Backend:     storage.FileBackend,
	}}
	db, err := Open(dir, fileid.New(), opts, nil)
	require.NoError(t, err)
	defer db.Close()

	loc1, err := db.Write([]byte("a"), []byte("b"), 1)
	require.NoError(t, err)
	_, err = db.Write([]byte("c"), []byte("d"), 2) // forces rollover, stabilizing loc1's file
	require.NoError(t, err)

	tv, err := db.ReadValue(loc1)
	require.NoError(t, err)
	assert.Equal(t, []byte("b"), tv.Value)
}

func TestFileIDsNeverReusedAfterReopen(t *testing.T) {
	dir := t.TempDir()
	gen := fileid.New()
	db := openTestDB(t, dir, gen)
	_, err := db.Write([]byte("k"), []byte("v"), 1)
	require.NoError(t, err)
	firstID := db.MaxFileID()
	require.NoError(t, db.Close())

	gen2 := fileid.New()
	db2 := openTestDB(t, dir, gen2)
	defer db2.Close()
	require.NoError(t, db2.FlushWritingFile())
	secondID := db2.MaxFileID()
	assert.Greater(t, secondID, firstID)
}

func TestRecoveryWalkUsesHintFileWhenPresent(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Storage: storage.Options{
		MaxFileSize: storage.FileHeaderSize + 2*storage.RowSize(1, 1),
		Backend:     storage.FileBackend,
	}}
	worker := hint.StartWorker()
	db, err := Open(dir, fileid.New(), opts, worker)
	require.NoError(t, err)
	_, err = db.Write([]byte("a"), []byte("1"), 1)
	require.NoError(t, err)
	_, err = db.Write([]byte("a"), []byte("2"), 2)
	require.NoError(t, err)
	require.NoError(t, db.FlushWritingFile())
	worker.Stop()
	require.NoError(t, db.Close())

	var seen []storage.RecoveredRow
	db2, err := Open(dir, fileid.New(), opts, nil)
	require.NoError(t, err)
	defer db2.Close()
	db2.RecoveryWalk(func(r storage.RecoveredRow) bool {
		seen = append(seen, r)
		return true
	})
	// The writing file is empty and the hint file for file 1 holds one
	// record per key, where a data-file scan would yield both rows of "a".
	require.Len(t, seen, 1)
	assert.Equal(t, []byte("a"), seen[0].Key)
	assert.Equal(t, uint64(2), seen[0].Timestamp)
}

func TestRecoveryWalkPrefersLatestWriteWithoutHintFile(t *testing.T) {
	dir := t.TempDir()
	opts := Options{Storage: storage.Options{MaxFileSize: 1 << 20, Backend: storage.FileBackend}}
	db, err := Open(dir, fileid.New(), opts, nil)
	require.NoError(t, err)
	_, err = db.Write([]byte("k"), []byte("old"), 1)
	require.NoError(t, err)
	_, err = db.Write([]byte("k"), []byte("new"), 2)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	// No hint file was ever generated (no rollover happened), so
	// RecoveryWalk must fall back to scanning the data file directly; the
	// first row it yields for "k" must still be the most recent write.
	db2, err := Open(dir, fileid.New(), opts, nil)
	require.NoError(t, err)
	defer db2.Close()

	var first *storage.RecoveredRow
	db2.RecoveryWalk(func(r storage.RecoveredRow) bool {
		if first == nil {
			row := r
			first = &row
		}
		return true
	})
	require.NotNil(t, first)
	assert.Equal(t, []byte("k"), first.Key)
	assert.Equal(t, uint64(2), first.Timestamp)
}

func TestStatsReportsFileCount(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, fileid.New())
	defer db.Close()
	_, err := db.Write([]byte("k"), []byte("v"), 1)
	require.NoError(t, err)

	stats := db.Stats()
	assert.Equal(t, 1, stats.NumDataFiles)
	assert.Greater(t, stats.TotalDataSizeBytes, uint64(0))
}

func TestDrop(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, fileid.New())
	_, err := db.Write([]byte("k"), []byte("v"), 1)
	require.NoError(t, err)
	require.NoError(t, db.Drop())

	fids := db.GetFileIDs()
	assert.Empty(t, fids.StableFileIDs)
}

func TestMarkAndCheckError(t *testing.T) {
	dir := t.TempDir()
	db := openTestDB(t, dir, fileid.New())
	defer db.Close()

	require.NoError(t, db.CheckError())
	db.MarkError("disk full")
	err := db.CheckError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}
