package keydir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikosl/bitcask/internal/storage"
)

func TestPutGetDelete(t *testing.T) {
	kd := New()
	kd.Put([]byte("k"), Entry{FileID: 1, Offset: 10, Size: 20, Timestamp: 5})

	e, ok := kd.Get([]byte("k"))
	require.True(t, ok)
	assert.Equal(t, uint32(1), e.FileID)

	kd.Delete([]byte("k"))
	_, ok = kd.Get([]byte("k"))
	assert.False(t, ok)
}

func TestCheckedPutDoesNotOverwrite(t *testing.T) {
	kd := New()
	kd.Put([]byte("k"), Entry{FileID: 1})
	kd.CheckedPut([]byte("k"), Entry{FileID: 2})

	e, _ := kd.Get([]byte("k"))
	assert.Equal(t, uint32(1), e.FileID)
}

func TestCompareAndSwap(t *testing.T) {
	kd := New()
	old := Entry{FileID: 1, Offset: 0, Size: 10, Timestamp: 1}
	kd.Put([]byte("k"), old)

	ok := kd.CompareAndSwap([]byte("k"), old, Entry{FileID: 2, Offset: 0, Size: 10, Timestamp: 1})
	assert.True(t, ok)
	e, _ := kd.Get([]byte("k"))
	assert.Equal(t, uint32(2), e.FileID)

	// A stale compare-and-swap (the entry changed underneath it) must fail.
	ok = kd.CompareAndSwap([]byte("k"), old, Entry{FileID: 3})
	assert.False(t, ok)
	e, _ = kd.Get([]byte("k"))
	assert.Equal(t, uint32(2), e.FileID)
}

func TestRebuildFromPrefersFirstObservedDescending(t *testing.T) {
	rows := []storage.RecoveredRow{
		{FileID: 3, Offset: 0, Size: 5, Timestamp: 30, Key: []byte("a")},
		{FileID: 2, Offset: 0, Size: 5, Timestamp: 20, Key: []byte("a")},
		{FileID: 1, Offset: 0, Size: 5, Timestamp: 10, Key: []byte("a")},
	}
	kd := RebuildFrom(func(yield func(storage.RecoveredRow) bool) {
		for _, r := range rows {
			if !yield(r) {
				return
			}
		}
	})
	e, ok := kd.Get([]byte("a"))
	require.True(t, ok)
	assert.Equal(t, uint32(3), e.FileID)
}

func TestRebuildFromTombstoneSuppressesOlderInsert(t *testing.T) {
	rows := []storage.RecoveredRow{
		{FileID: 2, Key: []byte("a"), IsTombstone: true},
		{FileID: 1, Key: []byte("a")},
	}
	kd := RebuildFrom(func(yield func(storage.RecoveredRow) bool) {
		for _, r := range rows {
			if !yield(r) {
				return
			}
		}
	})
	assert.False(t, kd.ContainsKey([]byte("a")))
}

func TestForEachStopsEarly(t *testing.T) {
	kd := New()
	kd.Put([]byte("a"), Entry{})
	kd.Put([]byte("b"), Entry{})
	kd.Put([]byte("c"), Entry{})

	seen := 0
	kd.ForEach(func(key []byte, e Entry) bool {
		seen++
		return false
	})
	assert.Equal(t, 1, seen)
}
