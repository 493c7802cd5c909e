package bitcask

import (
	"time"

	"github.com/nikosl/bitcask/internal/bitcaskerr"
	"github.com/nikosl/bitcask/internal/storage"
)

// StorageType selects the byte-storage strategy a data file uses.
type StorageType int

const (
	// FileStorageType is a plain buffered file.
	FileStorageType StorageType = iota
	// MmapStorageType is a memory-mapped file.
	MmapStorageType
)

const (
	defaultMaxDataFileSize      = 1 << 30 // 1 GiB
	defaultInitDataFileCapacity = 1 << 16 // 64 KiB
	defaultMaxKeySize           = 1 << 16 // 64 KiB
	defaultMaxValueSize         = 1 << 26 // 64 MiB
)

// Options holds every tunable recognized at open time.
type Options struct {
	MaxDataFileSize      uint64
	InitDataFileCapacity uint64
	MaxKeySize           uint64
	MaxValueSize         uint64
	SyncInterval         time.Duration
	StorageType          StorageType
}

// Option mutates Options; used with Open via the functional-options
// pattern.
type Option func(*Options)

// defaultOptions returns the baseline every Open starts from before
// Option values are applied.
func defaultOptions() Options {
	return Options{
		MaxDataFileSize:      defaultMaxDataFileSize,
		InitDataFileCapacity: defaultInitDataFileCapacity,
		MaxKeySize:           defaultMaxKeySize,
		MaxValueSize:         defaultMaxValueSize,
		SyncInterval:         0,
		StorageType:          FileStorageType,
	}
}

// WithMaxDataFileSize sets the rollover threshold for the active file.
func WithMaxDataFileSize(n uint64) Option {
	return func(o *Options) { o.MaxDataFileSize = n }
}

// WithInitDataFileCapacity sets the pre-sized allocation a newly created
// data file starts with (only meaningful for the mmap storage type).
func WithInitDataFileCapacity(n uint64) Option {
	return func(o *Options) { o.InitDataFileCapacity = n }
}

// WithMaxKeySize rejects any put whose key exceeds n bytes.
func WithMaxKeySize(n uint64) Option {
	return func(o *Options) { o.MaxKeySize = n }
}

// WithMaxValueSize rejects any put whose value exceeds n bytes.
func WithMaxValueSize(n uint64) Option {
	return func(o *Options) { o.MaxValueSize = n }
}

// WithSyncInterval enables a background goroutine that calls Sync every
// interval. Zero (the default) disables the background flusher entirely.
func WithSyncInterval(interval time.Duration) Option {
	return func(o *Options) { o.SyncInterval = interval }
}

// WithStorageType selects the byte-storage backend new data files use.
func WithStorageType(t StorageType) Option {
	return func(o *Options) { o.StorageType = t }
}

// validate rejects a zero value for every positive-integer option,
// resolving spec's "dead signed/unsigned check" open question by simply
// treating 0 as invalid across the board.
func (o Options) validate() error {
	checks := []struct {
		name  string
		value uint64
	}{
		{"max_data_file_size", o.MaxDataFileSize},
		{"init_data_file_capacity", o.InitDataFileCapacity},
		{"max_key_size", o.MaxKeySize},
		{"max_value_size", o.MaxValueSize},
	}
	for _, c := range checks {
		if c.value == 0 {
			return &bitcaskerr.InvalidParameter{Name: c.name, Reason: "must be greater than 0"}
		}
	}
	if o.SyncInterval < 0 {
		return &bitcaskerr.InvalidParameter{Name: "sync_interval", Reason: "must not be negative"}
	}
	return nil
}

func (o Options) storageBackend() storage.Backend {
	if o.StorageType == MmapStorageType {
		return storage.MmapBackend
	}
	return storage.FileBackend
}

func (o Options) storageOptions() storage.Options {
	return storage.Options{
		MaxFileSize:  o.MaxDataFileSize,
		InitCapacity: o.InitDataFileCapacity,
		Backend:      o.storageBackend(),
	}
}
