package storage

import (
	"github.com/nikosl/bitcask/internal/bitcaskerr"
)

// Backend selects the pluggable strategy a DataStorage uses to hold its
// bytes: a plain buffered file, or a memory-mapped file with explicit
// grow-and-sync. The contract below is identical for both.
type Backend int

const (
	// FileBackend is a plain buffered *os.File.
	FileBackend Backend = iota
	// MmapBackend is a memory-mapped file, grown and synced explicitly.
	MmapBackend
)

// Options configures a DataStorage instance.
type Options struct {
	MaxFileSize  uint64
	InitCapacity uint64
	Backend      Backend
}

// RowLocation identifies a record on disk.
type RowLocation struct {
	FileID uint32
	Offset uint64
	Size   uint64
}

// TimedValue pairs a value with the timestamp it was written with.
type TimedValue struct {
	Value     []byte
	Timestamp uint64
}

// RowToRead is a row observed during sequential iteration, together with
// the location it was read from.
type RowToRead struct {
	Position  RowLocation
	Timestamp uint64
	Key       []byte
	Value     []byte
}

// RecoveredRow is the shape the recovery path (§4.5/§4.6) consumes,
// whether it came from a hint file or a data-file scan.
type RecoveredRow struct {
	FileID      uint32
	Timestamp   uint64
	Offset      uint64
	Size        uint64
	Key         []byte
	IsTombstone bool
}

// DataStorage is the uniform operations interface a data file backend
// implements, whatever bytes strategy backs it (§9: "tagged variant...
// with a uniform operations interface").
type DataStorage interface {
	FileID() uint32
	IsReadonly() bool
	FileSize() uint64

	// WriteRow appends one row or returns StorageOverflow without
	// writing any bytes when doing so would exceed MaxFileSize.
	WriteRow(key, value []byte, timestamp uint64) (RowLocation, error)

	// ReadValue performs a single positioned read of size bytes at
	// offset and decodes it.
	ReadValue(offset, size uint64) (TimedValue, error)

	// ReadRaw returns the length raw bytes starting at offset, used by
	// the shared sequential-scan iterator.
	ReadRaw(offset, length uint64) ([]byte, error)

	// Flush forces all buffered writes to durable storage.
	Flush() error

	// TransitToReadonly flushes, marks the backing file permissions
	// read-only and flips the storage into read-only mode in place.
	TransitToReadonly() error

	// Close releases any OS resources held by the storage.
	Close() error
}

// Create allocates a brand new writable data file with the given id.
func Create(dir string, id uint32, opts Options) (DataStorage, error) {
	switch opts.Backend {
	case MmapBackend:
		return createMmapStorage(dir, id, opts)
	default:
		return createFileStorage(dir, id, opts)
	}
}

// Open reopens an existing data file, recomputing its write cursor from
// the last successfully decoded row rather than trusting the file length
// (§9 Open Question: a writable file's tail may be torn by a crash).
func Open(dir string, id uint32, opts Options) (DataStorage, error) {
	switch opts.Backend {
	case MmapBackend:
		return openMmapStorage(dir, id, opts)
	default:
		return openFileStorage(dir, id, opts)
	}
}

// Iterator sequentially scans every row of a DataStorage, starting at the
// first byte following the file header.
type Iterator struct {
	storage DataStorage
	offset  uint64
	end     uint64
	fileID  uint32
	stopped bool
}

// NewIterator returns an iterator over storage, scanning from just after
// the file header to writeEnd (exclusive).
func NewIterator(storage DataStorage, writeEnd uint64) *Iterator {
	return &Iterator{
		storage: storage,
		offset:  FileHeaderSize,
		end:     writeEnd,
		fileID:  storage.FileID(),
	}
}

// Next returns the next row and its location, or (nil, nil) at EOF. On a
// decode error it stops the scan (tolerating a torn tail) and returns the
// error exactly once; subsequent calls return (nil, nil).
func (it *Iterator) Next() (*RowToRead, error) {
	if it.stopped || it.offset >= it.end {
		return nil, nil
	}
	if it.offset+RowHeaderSize > it.end {
		it.stopped = true
		return nil, nil
	}
	header, err := it.storage.ReadRaw(it.offset, RowHeaderSize)
	if err != nil {
		it.stopped = true
		return nil, err
	}
	ksz, vsz, ok := peekSizes(header)
	if !ok {
		it.stopped = true
		return nil, &bitcaskerr.DataFileCorrupted{FileID: it.fileID, Hint: "unreadable row header"}
	}
	total := RowHeaderSize + ksz + vsz
	if it.offset+total > it.end {
		// torn tail: a partial row at the end of the file. Stop the
		// scan here and keep everything already read.
		it.stopped = true
		return nil, nil
	}
	raw, err := it.storage.ReadRaw(it.offset, total)
	if err != nil {
		it.stopped = true
		return nil, err
	}
	row, err := DecodeRow(raw, it.fileID, it.offset)
	if err != nil {
		it.stopped = true
		return nil, err
	}
	loc := RowLocation{FileID: it.fileID, Offset: it.offset, Size: total}
	it.offset += total
	return &RowToRead{Position: loc, Timestamp: row.Timestamp, Key: row.Key, Value: row.Value}, nil
}

func peekSizes(header []byte) (ksz, vsz uint64, ok bool) {
	if len(header) != RowHeaderSize {
		return 0, 0, false
	}
	ksz = beUint64(header[12:20])
	vsz = beUint64(header[20:28])
	return ksz, vsz, true
}

func beUint64(b []byte) uint64 {
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7])
}
