package storage

import (
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/nikosl/bitcask/internal/bitcaskerr"
	"github.com/nikosl/bitcask/internal/fsutil"
)

// growthFactor is the multiplier applied to a memory-mapped storage's
// capacity whenever a write would not fit in the currently mapped region.
const growthFactor = 2

// mmapStorage is the memory-mapped DataStorage backend: the file is
// pre-sized and mapped up front, grown (unmap, truncate, remap) only when
// a write would not fit, and synced explicitly.
type mmapStorage struct {
	dir         string
	id          uint32
	f           *os.File
	m           mmap.MMap
	writeOffset uint64
	capacity    uint64
	maxSize     uint64
	readonly    bool
}

func createMmapStorage(dir string, id uint32, opts Options) (DataStorage, error) {
	path := fsutil.Path(dir, id, fsutil.DataFile)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "creating data file %q", path)
	}
	capacity := opts.InitCapacity
	if capacity < FileHeaderSize {
		capacity = FileHeaderSize
	}
	if err := f.Truncate(int64(capacity)); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "pre-sizing data file %d", id)
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "mapping data file %d", id)
	}
	copy(m[:FileHeaderSize], EncodeFileHeader())
	return &mmapStorage{
		dir:         dir,
		id:          id,
		f:           f,
		m:           m,
		writeOffset: FileHeaderSize,
		capacity:    capacity,
		maxSize:     opts.MaxFileSize,
	}, nil
}

func openMmapStorage(dir string, id uint32, opts Options) (DataStorage, error) {
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

	prot := mmap.RDWR
	if readonly {
		prot = mmap.RDONLY
	}
	m, err := mmap.Map(f, prot, 0)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "mapping data file %d", id)
	}
	if _, err := DecodeFileHeader(m[:FileHeaderSize], id); err != nil {
		f.Close()
		return nil, err
	}

	s := &mmapStorage{
		dir:      dir,
		id:       id,
		f:        f,
		m:        m,
		capacity: uint64(len(m)),
		maxSize:  opts.MaxFileSize,
		readonly: readonly,
	}

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
			Warn("truncating torn tail of mmap-backed data file on reopen")
		if err := s.growTo(validOffset); err != nil {
			f.Close()
			return nil, err
		}
		if opts.InitCapacity > validOffset {
			if err := s.growTo(opts.InitCapacity); err != nil {
				f.Close()
				return nil, err
			}
		}
	}
	s.writeOffset = validOffset
	return s, nil
}

// growTo resizes the backing file and remaps it so the mapped region is
// at least newCap bytes, or exactly newCap when shrinking.
func (s *mmapStorage) growTo(newCap uint64) error {
	if newCap < FileHeaderSize {
		newCap = FileHeaderSize
	}
	if err := s.m.Unmap(); err != nil {
		return errors.Wrapf(err, "unmapping data file %d before resize", s.id)
	}
	if err := s.f.Truncate(int64(newCap)); err != nil {
		return errors.Wrapf(err, "resizing data file %d", s.id)
	}
	m, err := mmap.Map(s.f, mmap.RDWR, 0)
	if err != nil {
		return errors.Wrapf(err, "remapping data file %d", s.id)
	}
	s.m = m
	s.capacity = newCap
	return nil
}

func (s *mmapStorage) FileID() uint32   { return s.id }
func (s *mmapStorage) IsReadonly() bool { return s.readonly }
func (s *mmapStorage) FileSize() uint64 { return s.writeOffset }

func (s *mmapStorage) WriteRow(key, value []byte, timestamp uint64) (RowLocation, error) {
	if s.readonly {
		return RowLocation{}, &bitcaskerr.PermissionDenied{Path: s.dir}
	}
	size := RowSize(len(key), len(value))
	if s.maxSize > 0 && s.writeOffset+size > s.maxSize {
		return RowLocation{}, &bitcaskerr.StorageOverflow{FileID: s.id}
	}
	if s.writeOffset+size > s.capacity {
		newCap := s.capacity * growthFactor
		if newCap < s.writeOffset+size {
			newCap = s.writeOffset + size
		}
		if err := s.growTo(newCap); err != nil {
			return RowLocation{}, err
		}
	}
	buf := EncodeRow(timestamp, key, value)
	offset := s.writeOffset
	copy(s.m[offset:offset+size], buf)
	s.writeOffset += size
	return RowLocation{FileID: s.id, Offset: offset, Size: size}, nil
}

func (s *mmapStorage) ReadValue(offset, size uint64) (TimedValue, error) {
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

func (s *mmapStorage) ReadRaw(offset, length uint64) ([]byte, error) {
	if offset+length > uint64(len(s.m)) {
		return nil, errors.Errorf("read past end of mapped data file %d", s.id)
	}
	buf := make([]byte, length)
	copy(buf, s.m[offset:offset+length])
	return buf, nil
}

func (s *mmapStorage) Flush() error {
	if err := s.m.Flush(); err != nil {
		return errors.Wrapf(err, "flushing data file %d", s.id)
	}
	return nil
}

func (s *mmapStorage) TransitToReadonly() error {
	if err := s.Flush(); err != nil {
		return err
	}
	if err := s.growTo(s.writeOffset); err != nil {
		return err
	}
	path := fsutil.Path(s.dir, s.id, fsutil.DataFile)
	if err := os.Chmod(path, 0o444); err != nil {
		return errors.Wrapf(err, "marking data file %d read-only", s.id)
	}
	s.readonly = true
	return nil
}

func (s *mmapStorage) Close() error {
	if err := s.m.Unmap(); err != nil {
		return errors.Wrapf(err, "unmapping data file %d", s.id)
	}
	return s.f.Close()
}
