// Package storage implements the on-disk row codec and the pluggable
// data-file backends (buffered file and memory-mapped) that back a
// single Bitcask data file.
package storage

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/nikosl/bitcask/internal/bitcaskerr"
)

// RowHeaderSize is the fixed prefix of every on-disk row: crc(4) +
// timestamp(8) + key_size(8) + value_size(8).
const RowHeaderSize = 4 + 8 + 8 + 8

// FileMagic identifies a bitcask data file.
var FileMagic = [4]byte{'B', 'C', 'S', 'K'}

// CodecVersion is the current row/header format version.
const CodecVersion = 1

// FileHeaderSize is the fixed size of the header every data file begins
// with: a 4-byte magic, a 1-byte codec version and 3 reserved bytes.
const FileHeaderSize = 8

// TombstoneValue is the reserved byte sequence written as a row's value
// to mark its key deleted. Values are not checked against it: a Put whose
// value equals this sequence is stored and recovered as a delete.
const TombstoneValue = "bitcask_tombstone"

// IsTombstone reports whether value is the tombstone sentinel.
func IsTombstone(value []byte) bool {
	return string(value) == TombstoneValue
}

// Row is one decoded on-disk record.
type Row struct {
	Timestamp uint64
	Key       []byte
	Value     []byte
}

// EncodeRow serializes a row into a freshly allocated buffer sized
// exactly RowHeaderSize+len(key)+len(value).
func EncodeRow(timestamp uint64, key, value []byte) []byte {
	buf := make([]byte, RowHeaderSize+len(key)+len(value))
	binary.BigEndian.PutUint64(buf[4:12], timestamp)
	binary.BigEndian.PutUint64(buf[12:20], uint64(len(key)))
	binary.BigEndian.PutUint64(buf[20:28], uint64(len(value)))
	copy(buf[RowHeaderSize:], key)
	copy(buf[RowHeaderSize+len(key):], value)
	crc := crc32.ChecksumIEEE(buf[4:])
	binary.BigEndian.PutUint32(buf[0:4], crc)
	return buf
}

// DecodeRow parses a complete row (header plus body) previously produced
// by EncodeRow, validating its CRC. fileID and offset are only used to
// annotate a CrcCheckFailed error.
func DecodeRow(buf []byte, fileID uint32, offset uint64) (Row, error) {
	if len(buf) < RowHeaderSize {
		return Row{}, &bitcaskerr.DataFileCorrupted{FileID: fileID, Hint: "row shorter than header"}
	}
	expected := binary.BigEndian.Uint32(buf[0:4])
	actual := crc32.ChecksumIEEE(buf[4:])
	if expected != actual {
		return Row{}, &bitcaskerr.CrcCheckFailed{
			FileID:   fileID,
			Offset:   offset,
			Expected: expected,
			Actual:   actual,
		}
	}
	timestamp := binary.BigEndian.Uint64(buf[4:12])
	ksz := binary.BigEndian.Uint64(buf[12:20])
	vsz := binary.BigEndian.Uint64(buf[20:28])
	if uint64(len(buf)) != RowHeaderSize+ksz+vsz {
		return Row{}, &bitcaskerr.DataFileCorrupted{FileID: fileID, Hint: "row size does not match header sizes"}
	}
	key := make([]byte, ksz)
	copy(key, buf[RowHeaderSize:RowHeaderSize+ksz])
	value := make([]byte, vsz)
	copy(value, buf[RowHeaderSize+ksz:])
	return Row{Timestamp: timestamp, Key: key, Value: value}, nil
}

// RowSize returns the on-disk size of a row with the given key/value
// lengths.
func RowSize(keyLen, valueLen int) uint64 {
	return uint64(RowHeaderSize + keyLen + valueLen)
}

// EncodeFileHeader returns the fixed FileHeaderSize-byte header every
// data file begins with.
func EncodeFileHeader() []byte {
	buf := make([]byte, FileHeaderSize)
	copy(buf[0:4], FileMagic[:])
	buf[4] = CodecVersion
	return buf
}

// DecodeFileHeader validates a file header and returns its codec version.
func DecodeFileHeader(buf []byte, fileID uint32) (uint8, error) {
	if len(buf) < FileHeaderSize {
		return 0, &bitcaskerr.DataFileCorrupted{FileID: fileID, Hint: "file shorter than header"}
	}
	if buf[0] != FileMagic[0] || buf[1] != FileMagic[1] || buf[2] != FileMagic[2] || buf[3] != FileMagic[3] {
		return 0, &bitcaskerr.DataFileCorrupted{FileID: fileID, Hint: "bad magic number"}
	}
	return buf[4], nil
}
