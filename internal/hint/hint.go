// Package hint implements the accelerator sidecar files that let keydir
// rebuild skip a full data-file scan: one compact record per live key,
// written asynchronously once a data file becomes read-only.
package hint

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nikosl/bitcask/internal/bitcaskerr"
	"github.com/nikosl/bitcask/internal/fsutil"
	"github.com/nikosl/bitcask/internal/storage"
)

// ClearTempFiles removes any "*.hint.tmp" leftovers from a hint writer
// that crashed mid-write, so a half-written hint never masquerades as a
// complete one on the next open.
func ClearTempFiles(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrapf(err, "listing directory %q", dir)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".hint.tmp") {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			logrus.WithError(err).WithField("file", e.Name()).Warn("failed to remove stale temp hint file")
		}
	}
	return nil
}

// RecordHeaderSize is the fixed prefix of one hint record: timestamp(8) +
// key_size(8) + row_size(8) + row_offset(8) + is_tombstone(1).
const RecordHeaderSize = 8 + 8 + 8 + 8 + 1

type recordEntry struct {
	offset    uint64
	size      uint64
	timestamp uint64
	tombstone bool
}

// Write scans a fully stable data storage once and emits one hint record
// per most-recent occurrence of each key, to a temp file renamed into
// place atomically so that presence of the final name means the writer
// finished successfully.
func Write(dir string, st storage.DataStorage) error {
	fileID := st.FileID()
	it := storage.NewIterator(st, st.FileSize())
	latest := make(map[string]recordEntry)
	keys := make([]string, 0)
	for {
		row, err := it.Next()
		if err != nil {
			logrus.WithFields(logrus.Fields{"file_id": fileID, "error": err}).
				Warn("hint writer stopped scan at corrupted row")
			break
		}
		if row == nil {
			break
		}
		key := string(row.Key)
		if _, seen := latest[key]; !seen {
			keys = append(keys, key)
		}
		latest[key] = recordEntry{
			offset:    row.Position.Offset,
			size:      row.Position.Size,
			timestamp: row.Timestamp,
			tombstone: storage.IsTombstone(row.Value),
		}
	}

	sort.Slice(keys, func(i, j int) bool { return latest[keys[i]].offset < latest[keys[j]].offset })

	finalPath := fsutil.Path(dir, fileID, fsutil.HintFile)
	tmpPath := finalPath + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "creating temp hint file for data file %d", fileID)
	}
	for _, key := range keys {
		e := latest[key]
		if _, err := f.Write(encodeRecord(e, []byte(key))); err != nil {
			f.Close()
			os.Remove(tmpPath)
			return errors.Wrapf(err, "writing hint record for data file %d", fileID)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return errors.Wrapf(err, "syncing hint file for data file %d", fileID)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "closing hint file for data file %d", fileID)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return errors.Wrapf(err, "committing hint file for data file %d", fileID)
	}
	return nil
}

func encodeRecord(e recordEntry, key []byte) []byte {
	buf := make([]byte, RecordHeaderSize+len(key))
	binary.BigEndian.PutUint64(buf[0:8], e.timestamp)
	binary.BigEndian.PutUint64(buf[8:16], uint64(len(key)))
	binary.BigEndian.PutUint64(buf[16:24], e.size)
	binary.BigEndian.PutUint64(buf[24:32], e.offset)
	if e.tombstone {
		buf[32] = 1
	}
	copy(buf[RecordHeaderSize:], key)
	return buf
}

// Exists reports whether a hint file is present for fileID.
func Exists(dir string, fileID uint32) bool {
	_, err := os.Stat(fsutil.Path(dir, fileID, fsutil.HintFile))
	return err == nil
}

// Read streams the RecoveredRows a hint file records for keydir rebuild.
func Read(dir string, fileID uint32) ([]storage.RecoveredRow, error) {
	path := fsutil.Path(dir, fileID, fsutil.HintFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading hint file %d", fileID)
	}
	var rows []storage.RecoveredRow
	offset := 0
	for offset < len(data) {
		if offset+RecordHeaderSize > len(data) {
			return nil, &bitcaskerr.DataFileCorrupted{FileID: fileID, Hint: "truncated hint record header"}
		}
		header := data[offset : offset+RecordHeaderSize]
		timestamp := binary.BigEndian.Uint64(header[0:8])
		ksz := binary.BigEndian.Uint64(header[8:16])
		rowSize := binary.BigEndian.Uint64(header[16:24])
		rowOffset := binary.BigEndian.Uint64(header[24:32])
		tombstone := header[32] != 0
		offset += RecordHeaderSize
		if uint64(offset)+ksz > uint64(len(data)) {
			return nil, &bitcaskerr.DataFileCorrupted{FileID: fileID, Hint: "truncated hint record key"}
		}
		key := make([]byte, ksz)
		copy(key, data[offset:uint64(offset)+ksz])
		offset += int(ksz)

		rows = append(rows, storage.RecoveredRow{
			FileID:      fileID,
			Timestamp:   timestamp,
			Offset:      rowOffset,
			Size:        rowSize,
			Key:         key,
			IsTombstone: tombstone,
		})
	}
	return rows, nil
}

// Delete removes the hint file for fileID, if any.
func Delete(dir string, fileID uint32) error {
	err := os.Remove(fsutil.Path(dir, fileID, fsutil.HintFile))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "deleting hint file %d", fileID)
	}
	return nil
}
