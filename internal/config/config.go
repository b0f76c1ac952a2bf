// Package config implements ConfigFile, the persistent queue-parameters
// file: format marker, version, the ByteBufferLock cell, and the
// visibilityTimeout/retentionPeriod/nextMessageId triple every queue
// operation reads or mutates under that lock.
package config

import (
	"fmt"
	"time"

	"github.com/sharedmq/sharedmq/internal/lock"
	"github.com/sharedmq/sharedmq/internal/mmap"
	"github.com/sharedmq/sharedmq/internal/qerrors"
)

// Marker is the little-endian magic at offset 0 of config.dat.
const Marker = uint32(0x4D514346)

// FormatVersion is the only version this build knows how to read.
const FormatVersion = uint32(1)

const (
	offMarker            = 0
	offFormatVersion     = 4
	offLockCell          = 8
	offVisibilityTimeout = 16
	offRetentionPeriod   = 24
	offNextMessageID     = 32
	// RecordSize is the fixed on-disk layout: magic + version + lock +
	// visibilityTimeout + retentionPeriod + nextMessageId =
	// 4+4+8+8+8+8 = 40 bytes. The field list is
	// authoritative; see DESIGN.md for the 36-vs-40 note.
	RecordSize = 40
)

// Params are the queue parameters fixed at creation time. They cannot
// change once written: reopening a queue directory with different Params
// is an error.
type Params struct {
	VisibilityTimeout time.Duration
	RetentionPeriod   time.Duration
}

const (
	// MaxVisibilityTimeout is the upper bound enforced on Params.VisibilityTimeout.
	MaxVisibilityTimeout = 12 * time.Hour
	// MinRetentionPeriod is the lower bound enforced on Params.RetentionPeriod.
	MinRetentionPeriod = 15 * time.Second
	// MaxRetentionPeriod is the upper bound enforced on Params.RetentionPeriod.
	MaxRetentionPeriod = 14 * 24 * time.Hour
)

// Validate checks p against the numeric bounds from the external interface.
func (p Params) Validate() error {
	if p.VisibilityTimeout < 0 || p.VisibilityTimeout > MaxVisibilityTimeout {
		return fmt.Errorf("%w: visibilityTimeout %s out of range [0,%s]",
			qerrors.ErrParameter, p.VisibilityTimeout, MaxVisibilityTimeout)
	}
	if p.RetentionPeriod < MinRetentionPeriod || p.RetentionPeriod > MaxRetentionPeriod {
		return fmt.Errorf("%w: retentionPeriod %s out of range [%s,%s]",
			qerrors.ErrParameter, p.RetentionPeriod, MinRetentionPeriod, MaxRetentionPeriod)
	}
	return nil
}

// ConfigFile is the persistent queue-parameters file. Its lock cell backs
// the ByteBufferLock every other operation in the queue package acquires
// before touching any other file.
type ConfigFile struct {
	file *mmap.MappedFile
	Lock *lock.ByteBufferLock
}

// Create opens path, creating it if absent. If the file already exists and
// is well-formed, its stored Params must match p exactly, or Create fails
// with [qerrors.ErrExistsWithDifferentParameters].
func Create(path string, p Params) (*ConfigFile, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}

	file, err := mmap.Open(path, RecordSize)
	if err != nil {
		return nil, err
	}

	marker, err := file.GetU32(offMarker)
	if err != nil {
		file.Close()
		return nil, err
	}

	cf := &ConfigFile{file: file, Lock: lock.New(file, offLockCell)}

	if marker == 0 {
		if err := cf.initialize(p); err != nil {
			file.Close()
			return nil, err
		}
		return cf, nil
	}

	if err := cf.validateHeader(); err != nil {
		file.Close()
		return nil, err
	}

	existing, err := cf.readParams()
	if err != nil {
		file.Close()
		return nil, err
	}
	if existing != p {
		file.Close()
		return nil, fmt.Errorf("%w: config.dat at %s has params %+v, requested %+v",
			qerrors.ErrExistsWithDifferentParameters, path, existing, p)
	}

	return cf, nil
}

func (cf *ConfigFile) initialize(p Params) error {
	if err := cf.file.PutU32(offMarker, Marker); err != nil {
		return err
	}
	if err := cf.file.PutU32(offFormatVersion, FormatVersion); err != nil {
		return err
	}
	if err := cf.file.PutU64(offLockCell, lock.Unlocked); err != nil {
		return err
	}
	if err := cf.file.PutU64(offVisibilityTimeout, uint64(p.VisibilityTimeout.Milliseconds())); err != nil {
		return err
	}
	if err := cf.file.PutU64(offRetentionPeriod, uint64(p.RetentionPeriod.Milliseconds())); err != nil {
		return err
	}
	if err := cf.file.PutU64(offNextMessageID, 0); err != nil {
		return err
	}
	return cf.file.Sync()
}

func (cf *ConfigFile) validateHeader() error {
	marker, err := cf.file.GetU32(offMarker)
	if err != nil {
		return err
	}
	if marker != Marker {
		return fmt.Errorf("%w: config.dat: bad marker %#x", qerrors.ErrFormat, marker)
	}

	version, err := cf.file.GetU32(offFormatVersion)
	if err != nil {
		return err
	}
	if version != FormatVersion {
		return fmt.Errorf("%w: config.dat: format version %d, want %d", qerrors.ErrFormat, version, FormatVersion)
	}

	return nil
}

func (cf *ConfigFile) readParams() (Params, error) {
	vis, err := cf.file.GetU64(offVisibilityTimeout)
	if err != nil {
		return Params{}, err
	}
	ret, err := cf.file.GetU64(offRetentionPeriod)
	if err != nil {
		return Params{}, err
	}
	return Params{
		VisibilityTimeout: time.Duration(vis) * time.Millisecond,
		RetentionPeriod:   time.Duration(ret) * time.Millisecond,
	}, nil
}

// Params returns the queue's fixed parameters.
func (cf *ConfigFile) Params() (Params, error) {
	return cf.readParams()
}

// NextMessageID must be called while cf.Lock is held: it reads, increments,
// and returns the monotonic message-id counter.
func (cf *ConfigFile) NextMessageID() (uint64, error) {
	id, err := cf.file.GetU64(offNextMessageID)
	if err != nil {
		return 0, err
	}
	if err := cf.file.PutU64(offNextMessageID, id+1); err != nil {
		return 0, err
	}
	return id, nil
}

// Close closes the underlying mapped file.
func (cf *ConfigFile) Close() error {
	return cf.file.Close()
}
