package bitcask

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikosl/bitcask/internal/bitcaskerr"
)

// corruptLastByteOfOnlyDataFile flips the final byte of the single data
// file under dir, landing inside the value of whatever row was written
// last and so tripping its CRC without disturbing any size field.
func corruptLastByteOfOnlyDataFile(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), ".data") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		f, err := os.OpenFile(path, os.O_RDWR, 0o644)
		require.NoError(t, err)
		info, err := f.Stat()
		require.NoError(t, err)
		buf := make([]byte, 1)
		_, err = f.ReadAt(buf, info.Size()-1)
		require.NoError(t, err)
		buf[0] ^= 0xFF
		_, err = f.WriteAt(buf, info.Size()-1)
		require.NoError(t, err)
		require.NoError(t, f.Close())
		return
	}
	t.Fatal("no data file found to corrupt")
}

func open(t *testing.T, dir string, opts ...Option) *Bitcask {
	t.Helper()
	bc, err := Open(dir, opts...)
	require.NoError(t, err)
	return bc
}

// S1 basic.
func TestScenarioBasicPutGet(t *testing.T) {
	bc := open(t, t.TempDir())
	defer bc.Close()

	require.NoError(t, bc.Put([]byte("k1"), []byte("value1")))
	require.NoError(t, bc.Put([]byte("k2"), []byte("value2")))
	require.NoError(t, bc.Put([]byte("k3"), []byte("value3")))
	require.NoError(t, bc.Put([]byte("k1"), []byte("value4")))

	assertGet(t, bc, "k1", "value4")
	assertGet(t, bc, "k2", "value2")
	assertGet(t, bc, "k3", "value3")
}

// S2 delete.
func TestScenarioDelete(t *testing.T) {
	bc := open(t, t.TempDir())
	defer bc.Close()

	require.NoError(t, bc.Put([]byte("k1"), []byte("value1")))
	require.NoError(t, bc.Put([]byte("k2"), []byte("value2")))
	require.NoError(t, bc.Put([]byte("k3"), []byte("value3")))
	require.NoError(t, bc.Delete([]byte("k1")))
	require.NoError(t, bc.Delete([]byte("k2")))
	require.NoError(t, bc.Delete([]byte("k3")))

	for _, k := range []string{"k1", "k2", "k3"} {
		_, err := bc.Get([]byte(k))
		assert.ErrorIs(t, err, ErrKeyNotFound)
	}
}

// S3 rollover.
func TestScenarioRollover(t *testing.T) {
	dir := t.TempDir()
	bc := open(t, dir, WithMaxDataFileSize(100))
	defer bc.Close()

	values := map[string]string{
		"k1": strings.Repeat("a", 50),
		"k2": strings.Repeat("b", 50),
		"k3": strings.Repeat("c", 50),
		"k4": strings.Repeat("d", 50),
	}
	for _, k := range []string{"k1", "k2", "k3", "k4"} {
		require.NoError(t, bc.Put([]byte(k), []byte(values[k])))
	}

	stats, err := bc.Stats()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.NumDataFiles, 3)

	for k, v := range values {
		assertGet(t, bc, k, v)
	}
}

// S4 reopen.
func TestScenarioReopenSurvivesRandomOps(t *testing.T) {
	dir := t.TempDir()
	bc := open(t, dir)

	rng := rand.New(rand.NewSource(1))
	want := make(map[string]string)
	for i := 0; i < 5000; i++ {
		key := fmt.Sprintf("key-%d", rng.Intn(500))
		if rng.Intn(5) == 0 {
			require.NoError(t, bc.Delete([]byte(key)))
			delete(want, key)
			continue
		}
		value := fmt.Sprintf("value-%d", rng.Int())
		require.NoError(t, bc.Put([]byte(key), []byte(value)))
		want[key] = value
	}
	require.NoError(t, bc.Close())

	reopened := open(t, dir)
	defer reopened.Close()
	for key, value := range want {
		assertGet(t, reopened, key, value)
	}
}

// S5 double-open.
func TestScenarioDoubleOpenFails(t *testing.T) {
	dir := t.TempDir()
	bc := open(t, dir)
	defer bc.Close()

	_, err := Open(dir)
	require.Error(t, err)
}

// S6 merge of dup+tombstone.
func TestScenarioMergeOfDuplicatesAndTombstone(t *testing.T) {
	dir := t.TempDir()
	bc := open(t, dir)
	defer bc.Close()

	require.NoError(t, bc.Put([]byte("a"), []byte("1")))
	require.NoError(t, bc.Put([]byte("a"), []byte("2")))
	require.NoError(t, bc.Put([]byte("b"), []byte("1")))
	require.NoError(t, bc.Delete([]byte("b")))

	statsBefore, err := bc.Stats()
	require.NoError(t, err)

	require.NoError(t, bc.Merge())

	assertGet(t, bc, "a", "2")
	_, err = bc.Get([]byte("b"))
	assert.ErrorIs(t, err, ErrKeyNotFound)

	statsAfter, err := bc.Stats()
	require.NoError(t, err)
	assert.Less(t, statsAfter.TotalDataSizeBytes, statsBefore.TotalDataSizeBytes)
}

func TestReadYourWrites(t *testing.T) {
	bc := open(t, t.TempDir())
	defer bc.Close()
	require.NoError(t, bc.Put([]byte("k"), []byte("v1")))
	assertGet(t, bc, "k", "v1")
	require.NoError(t, bc.Put([]byte("k"), []byte("v2")))
	assertGet(t, bc, "k", "v2")
}

func TestCrcCorruptionSurfacesToCaller(t *testing.T) {
	// Corrupting a row still indexed by a live keydir entry (no reopen in
	// between) must surface CrcCheckFailed straight from Get, per the
	// propagation policy for foreground reads. Corruption discovered
	// during recovery's own sequential scan is handled separately: it
	// truncates that file's scan at the first bad row instead.
	dir := t.TempDir()
	bc := open(t, dir)
	defer bc.Close()

	require.NoError(t, bc.Put([]byte("k"), []byte("a reasonably long value to corrupt")))
	corruptLastByteOfOnlyDataFile(t, dir)

	_, err := bc.Get([]byte("k"))
	var crcErr *bitcaskerr.CrcCheckFailed
	require.ErrorAs(t, err, &crcErr)
}

func TestInvalidOptionsRejected(t *testing.T) {
	_, err := Open(t.TempDir(), WithMaxDataFileSize(0))
	require.Error(t, err)
}

func TestEachOpenGetsAFreshInstanceID(t *testing.T) {
	dir := t.TempDir()
	bc := open(t, dir)
	first := bc.InstanceID()
	assert.NotEmpty(t, first)
	require.NoError(t, bc.Close())

	reopened := open(t, dir)
	defer reopened.Close()
	assert.NotEqual(t, first, reopened.InstanceID())
}

func assertGet(t *testing.T, bc *Bitcask, key, want string) {
	t.Helper()
	got, err := bc.Get([]byte(key))
	require.NoError(t, err)
	assert.Equal(t, want, string(got))
}
