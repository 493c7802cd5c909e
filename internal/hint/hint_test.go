package hint

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikosl/bitcask/internal/storage"
)

func writeTestData(t *testing.T, dir string, id uint32) storage.DataStorage {
	t.Helper()
	st, err := storage.Create(dir, id, storage.Options{MaxFileSize: 1 << 20, Backend: storage.FileBackend})
	require.NoError(t, err)
	_, err = st.WriteRow([]byte("a"), []byte("1"), 1)
	require.NoError(t, err)
	_, err = st.WriteRow([]byte("b"), []byte("2"), 2)
	require.NoError(t, err)
	_, err = st.WriteRow([]byte("a"), []byte("3"), 3)
	require.NoError(t, err)
	_, err = st.WriteRow([]byte("b"), []byte(storage.TombstoneValue), 4)
	require.NoError(t, err)
	require.NoError(t, st.Flush())
	return st
}

func TestWriteAndReadHintFile(t *testing.T) {
	dir := t.TempDir()
	st := writeTestData(t, dir, 1)
	defer st.Close()

	require.NoError(t, Write(dir, st))
	require.True(t, Exists(dir, 1))

	rows, err := Read(dir, 1)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byKey := make(map[string]storage.RecoveredRow, len(rows))
	for _, r := range rows {
		byKey[string(r.Key)] = r
	}
	assert.Equal(t, uint64(3), byKey["a"].Timestamp)
	assert.False(t, byKey["a"].IsTombstone)
	assert.True(t, byKey["b"].IsTombstone)
}

func TestWriteIsAtomic(t *testing.T) {
	dir := t.TempDir()
	st := writeTestData(t, dir, 1)
	defer st.Close()

	require.NoError(t, Write(dir, st))

	_, err := os.Stat(filepath.Join(dir, "1.hint.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestClearTempFilesRemovesStaleTemp(t *testing.T) {
	dir := t.TempDir()
	tmpPath := filepath.Join(dir, "1.hint.tmp")
	require.NoError(t, os.WriteFile(tmpPath, []byte("partial"), 0o644))

	require.NoError(t, ClearTempFiles(dir))

	_, err := os.Stat(tmpPath)
	assert.True(t, os.IsNotExist(err))
}

func TestDeleteHintFile(t *testing.T) {
	dir := t.TempDir()
	st := writeTestData(t, dir, 1)
	defer st.Close()

	require.NoError(t, Write(dir, st))
	require.NoError(t, Delete(dir, 1))
	assert.False(t, Exists(dir, 1))
}
