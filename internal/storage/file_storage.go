package storage

import (
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nikosl/bitcask/internal/bitcaskerr"
	"github.com/nikosl/bitcask/internal/fsutil"
)

// fileStorage is the plain buffered-file DataStorage backend: a single
// *os.File, written at explicit offsets and read with positioned reads.
type fileStorage struct {
	dir         string
	id          uint32
	f           *os.File
	writeOffset uint64
	maxSize     uint64
	readonly    bool
}

func createFileStorage(dir string, id uint32, opts Options) (DataStorage, error) {
	path := fsutil.Path(dir, id, fsutil.DataFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "creating data file %q", path)
	}
	if _, err := f.WriteAt(EncodeFileHeader(), 0); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "writing header for data file %d", id)
	}
	return &fileStorage{
		dir:         dir,
		id:          id,
		f:           f,
		writeOffset: FileHeaderSize,
		maxSize:     opts.MaxFileSize,
	}, nil
}

func openFileStorage(dir string, id uint32, opts Options) (DataStorage, error) {
	path := fsutil.Path(dir, id, fsutil.DataFile)
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "statting data file %d", id)
	}
	readonly := info.Mode().Perm()&0o200 == 0
	flag := os.O_RDWR
	if readonly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening data file %q", path)
	}

	header := make([]byte, FileHeaderSize)
	if _, err := f.ReadAt(header, 0); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "reading header for data file %d", id)
	}
	if _, err := DecodeFileHeader(header, id); err != nil {
		f.Close()
		return nil, err
	}

	s := &fileStorage{dir: dir, id: id, f: f, maxSize: opts.MaxFileSize, readonly: readonly}

	if readonly {
		s.writeOffset = uint64(info.Size())
		return s, nil
	}

	validOffset, err := recoverWriteOffset(s, uint64(info.Size()), id)
	if err != nil {
		f.Close()
		return nil, err
	}
	if validOffset != uint64(info.Size()) {
		logrus.WithFields(logrus.Fields{"file_id": id, "valid_offset": validOffset, "file_size": info.Size()}).
			Warn("truncating torn tail of writable data file on reopen")
		if err := f.Truncate(int64(validOffset)); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "truncating torn tail of data file %d", id)
		}
	}
	s.writeOffset = validOffset
	return s, nil
}

// recoverWriteOffset scans storage from the header to fileSize, returning
// the offset just past the last successfully decoded row. This is used
// instead of trusting the file length directly, since the tail may be
// torn by a crash mid-append.
func recoverWriteOffset(s DataStorage, fileSize uint64, id uint32) (uint64, error) {
	if fileSize <= FileHeaderSize {
		return FileHeaderSize, nil
	}
	it := NewIterator(s, fileSize)
	for {
		row, err := it.Next()
		if err != nil {
			logrus.WithFields(logrus.Fields{"file_id": id, "error": err}).
				Warn("stopped scan at corrupted row while recovering write offset")
			break
		}
		if row == nil {
			break
		}
	}
	return it.offset, nil
}

func (s *fileStorage) FileID() uint32   { return s.id }
func (s *fileStorage) IsReadonly() bool { return s.readonly }
func (s *fileStorage) FileSize() uint64 { return s.writeOffset }

func (s *fileStorage) WriteRow(key, value []byte, timestamp uint64) (RowLocation, error) {
	if s.readonly {
		return RowLocation{}, &bitcaskerr.PermissionDenied{Path: s.dir}
	}
	size := RowSize(len(key), len(value))
	if s.maxSize > 0 && s.writeOffset+size > s.maxSize {
		return RowLocation{}, &bitcaskerr.StorageOverflow{FileID: s.id}
	}
	buf := EncodeRow(timestamp, key, value)
	offset := s.writeOffset
	if _, err := s.f.WriteAt(buf, int64(offset)); err != nil {
		return RowLocation{}, errors.Wrapf(err, "writing row to data file %d", s.id)
	}
	s.writeOffset += size
	return RowLocation{FileID: s.id, Offset: offset, Size: size}, nil
}

func (s *fileStorage) ReadValue(offset, size uint64) (TimedValue, error) {
	raw, err := s.ReadRaw(offset, size)
	if err != nil {
		return TimedValue{}, err
	}
	row, err := DecodeRow(raw, s.id, offset)
	if err != nil {
		return TimedValue{}, err
	}
	return TimedValue{Value: row.Value, Timestamp: row.Timestamp}, nil
}

func (s *fileStorage) ReadRaw(offset, length uint64) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := s.f.ReadAt(buf, int64(offset)); err != nil {
		return nil, errors.Wrapf(err, "reading data file %d at offset %d", s.id, offset)
	}
	return buf, nil
}

func (s *fileStorage) Flush() error {
	if err := s.f.Sync(); err != nil {
		return errors.Wrapf(err, "flushing data file %d", s.id)
	}
	return nil
}

func (s *fileStorage) TransitToReadonly() error {
	if err := s.Flush(); err != nil {
		return err
	}
	path := fsutil.Path(s.dir, s.id, fsutil.DataFile)
	if err := os.Chmod(path, 0o444); err != nil {
		return errors.Wrapf(err, "marking data file %d read-only", s.id)
	}
	s.readonly = true
	return nil
}

func (s *fileStorage) Close() error {
	return s.f.Close()
}
