// Package mmap provides a growable memory-mapped byte region backed by a
// single on-disk file, with typed random-access helpers and a generic
// [StorageAdapter] contract for (de)serializing fixed-size records into and
// out of the region.
//
// A [MappedFile] never shrinks: [MappedFile.EnsureCapacity] grows the
// backing file and remaps it, but capacity only ever increases for the
// lifetime of the handle.
package mmap

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/sharedmq/sharedmq/internal/qerrors"
)

// MaxSize is the largest a MappedFile may grow to. Offsets into the mapping
// are carried as signed 32-bit values in several on-disk formats (segment
// handles, journal offsets), so 2 GiB-1 is the hard ceiling.
const MaxSize = 1<<31 - 1

// growthUnit is the minimum increment EnsureCapacity grows the file by, so
// that a sequence of small Add() calls doesn't truncate/remap on every call.
const growthUnit = 64 * 1024

// MappedFile is a growable memory-mapped region over a single file.
//
// Capacity() is the currently mapped size; it is always equal to the
// on-disk file length. Typed accessors are little-endian and perform no
// synchronization of their own - callers ([journal.ProtectedFile],
// [lock.ByteBufferLock]) are responsible for serializing access across
// threads and processes that map the same file.
type MappedFile struct {
	file *os.File
	data []byte
	path string
}

// Open opens or creates the file at path and maps it into memory. If the
// file is new or shorter than initialSize, it is grown to initialSize
// before mapping (a zero-length mapping is not valid).
func Open(path string, initialSize int64) (*MappedFile, error) {
	if initialSize < 0 || initialSize > MaxSize {
		return nil, fmt.Errorf("%w: initial size %d out of range", qerrors.ErrParameter, initialSize)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", qerrors.ErrIO, path, err)
	}

	mf := &MappedFile{file: f, path: path}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", qerrors.ErrIO, path, err)
	}

	size := info.Size()
	if size < initialSize {
		size = initialSize
	}
	if size == 0 {
		size = growthUnit
	}

	if err := mf.remap(size); err != nil {
		f.Close()
		return nil, err
	}

	return mf, nil
}

// remap truncates the backing file to size and (re)establishes the mapping.
func (mf *MappedFile) remap(size int64) error {
	if mf.data != nil {
		if err := unix.Munmap(mf.data); err != nil {
			return fmt.Errorf("%w: munmap %s: %v", qerrors.ErrIO, mf.path, err)
		}
		mf.data = nil
	}

	if err := mf.file.Truncate(size); err != nil {
		return fmt.Errorf("%w: truncate %s to %d: %v", qerrors.ErrIO, mf.path, size, err)
	}

	data, err := unix.Mmap(int(mf.file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("%w: mmap %s (%d bytes): %v", qerrors.ErrIO, mf.path, size, err)
	}

	mf.data = data
	return nil
}

// Capacity returns the currently mapped size in bytes.
func (mf *MappedFile) Capacity() int64 {
	return int64(len(mf.data))
}

// EnsureCapacity grows the mapping (and backing file) so Capacity() >= n.
// It is a no-op if the mapping is already large enough. Shrinking is never
// performed.
func (mf *MappedFile) EnsureCapacity(n int64) error {
	if n <= mf.Capacity() {
		return nil
	}
	if n > MaxSize {
		return fmt.Errorf("%w: requested capacity %d exceeds %d", qerrors.ErrIO, n, MaxSize)
	}

	newSize := mf.Capacity()
	if newSize == 0 {
		newSize = growthUnit
	}
	for newSize < n {
		step := newSize
		if step < growthUnit {
			step = growthUnit
		}
		newSize += step
		if newSize > MaxSize {
			newSize = MaxSize
		}
	}

	return mf.remap(newSize)
}

func (mf *MappedFile) checkBounds(offset int64, length int) error {
	if offset < 0 || length < 0 || offset+int64(length) > mf.Capacity() {
		return fmt.Errorf("%w: offset %d length %d out of bounds (capacity %d)",
			qerrors.ErrIO, offset, length, mf.Capacity())
	}
	return nil
}

// ReadBytes copies len(dst) bytes starting at offset into dst.
func (mf *MappedFile) ReadBytes(offset int64, dst []byte) error {
	if err := mf.checkBounds(offset, len(dst)); err != nil {
		return err
	}
	copy(dst, mf.data[offset:offset+int64(len(dst))])
	return nil
}

// WriteBytes copies src into the mapping starting at offset, growing the
// mapping first if necessary.
func (mf *MappedFile) WriteBytes(offset int64, src []byte) error {
	if err := mf.EnsureCapacity(offset + int64(len(src))); err != nil {
		return err
	}
	copy(mf.data[offset:offset+int64(len(src))], src)
	return nil
}

// GetU32 reads a little-endian uint32 at offset.
func (mf *MappedFile) GetU32(offset int64) (uint32, error) {
	if err := mf.checkBounds(offset, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(mf.data[offset : offset+4]), nil
}

// PutU32 writes v as a little-endian uint32 at offset.
func (mf *MappedFile) PutU32(offset int64, v uint32) error {
	if err := mf.EnsureCapacity(offset + 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(mf.data[offset:offset+4], v)
	return nil
}

// GetU64 reads a little-endian uint64 at offset.
func (mf *MappedFile) GetU64(offset int64) (uint64, error) {
	if err := mf.checkBounds(offset, 8); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(mf.data[offset : offset+8]), nil
}

// PutU64 writes v as a little-endian uint64 at offset.
func (mf *MappedFile) PutU64(offset int64, v uint64) error {
	if err := mf.EnsureCapacity(offset + 8); err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(mf.data[offset:offset+8], v)
	return nil
}

// atomicU64 returns a pointer to the uint64 stored at offset in the mapping,
// for use with the sync/atomic package. offset must be 8-byte aligned for
// the atomicity guarantee to hold on all supported architectures.
func (mf *MappedFile) atomicU64(offset int64) *uint64 {
	return (*uint64)(unsafe.Pointer(&mf.data[offset]))
}

// CompareAndSwapU64 atomically compares the uint64 at offset to old and, if
// equal, swaps in new. It reports whether the swap happened. This is the
// primitive [lock.ByteBufferLock] builds its CAS protocol on top of.
func (mf *MappedFile) CompareAndSwapU64(offset int64, old, new uint64) (bool, error) {
	if err := mf.checkBounds(offset, 8); err != nil {
		return false, err
	}
	return atomic.CompareAndSwapUint64(mf.atomicU64(offset), old, new), nil
}

// LoadU64Atomic atomically reads the uint64 at offset with acquire
// semantics, unlike the plain [MappedFile.GetU64].
func (mf *MappedFile) LoadU64Atomic(offset int64) (uint64, error) {
	if err := mf.checkBounds(offset, 8); err != nil {
		return 0, err
	}
	return atomic.LoadUint64(mf.atomicU64(offset)), nil
}

// Sync flushes the mapping to disk via msync. The queue's commit protocol
// does not require this (see DESIGN.md on durability non-goals); its only
// caller is config.Create, which flushes a newly initialized config.dat.
func (mf *MappedFile) Sync() error {
	if err := unix.Msync(mf.data, unix.MS_SYNC); err != nil {
		return fmt.Errorf("%w: msync %s: %v", qerrors.ErrIO, mf.path, err)
	}
	return nil
}

// Close unmaps the region and closes the underlying file descriptor.
func (mf *MappedFile) Close() error {
	var err error
	if mf.data != nil {
		err = unix.Munmap(mf.data)
		mf.data = nil
	}
	if cerr := mf.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("%w: close %s: %v", qerrors.ErrIO, mf.path, err)
	}
	return nil
}
