// Package arraylist implements MappedArrayList, a growable file-backed
// array of fixed-size records over a [mmap.Store] (almost always a
// [journal.ProtectedFile], so every mutation participates in rollback).
package arraylist

import (
	"fmt"

	"github.com/sharedmq/sharedmq/internal/mmap"
	"github.com/sharedmq/sharedmq/internal/qerrors"
)

// Marker is the little-endian magic at offset 0 of every MappedArrayList
// header.
const Marker = uint32(0x4D4D414C)

const (
	offMarker     = 0
	offCount      = 4
	offRecordSize = 8
	headerSize    = 12
)

// MappedArrayList is a growable array of fixed-size T records persisted in
// a [mmap.Store]. Mutations go through the store's journaled write path, so
// Add/Set/RemoveLast/Clear are all crash-atomic when the store is a
// [journal.ProtectedFile].
type MappedArrayList[T any] struct {
	store   mmap.Store
	adapter mmap.StorageAdapter[T]
}

// Open opens an existing MappedArrayList, or initializes a new one if the
// store is freshly created (marker == 0). The stored record size must
// match adapter.Size(), or Open fails with [qerrors.ErrFormat].
func Open[T any](store mmap.Store, adapter mmap.StorageAdapter[T]) (*MappedArrayList[T], error) {
	marker, err := store.GetU32(offMarker)
	if err != nil {
		return nil, err
	}

	if marker == 0 {
		if err := store.PutU32(offMarker, Marker); err != nil {
			return nil, err
		}
		if err := store.PutU32(offCount, 0); err != nil {
			return nil, err
		}
		if err := store.PutU32(offRecordSize, uint32(adapter.Size())); err != nil {
			return nil, err
		}
		return &MappedArrayList[T]{store: store, adapter: adapter}, nil
	}

	if marker != Marker {
		return nil, fmt.Errorf("%w: array list: bad marker %#x", qerrors.ErrFormat, marker)
	}

	recordSize, err := store.GetU32(offRecordSize)
	if err != nil {
		return nil, err
	}
	if int(recordSize) != adapter.Size() {
		return nil, fmt.Errorf("%w: array list: stored record size %d does not match adapter size %d",
			qerrors.ErrFormat, recordSize, adapter.Size())
	}

	return &MappedArrayList[T]{store: store, adapter: adapter}, nil
}

// Size returns the number of records currently in the list.
func (l *MappedArrayList[T]) Size() (int, error) {
	n, err := l.store.GetU32(offCount)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (l *MappedArrayList[T]) offset(i int) int64 {
	return headerSize + int64(i)*int64(l.adapter.Size())
}

func (l *MappedArrayList[T]) checkIndex(i, size int) error {
	if i < 0 || i >= size {
		return fmt.Errorf("%w: array list index %d out of range [0,%d)", qerrors.ErrInvariant, i, size)
	}
	return nil
}

// Get returns the record at index i.
func (l *MappedArrayList[T]) Get(i int) (T, error) {
	var zero T
	size, err := l.Size()
	if err != nil {
		return zero, err
	}
	if err := l.checkIndex(i, size); err != nil {
		return zero, err
	}
	return mmap.Get(l.store, l.adapter, l.offset(i))
}

// Set overwrites the record at index i.
func (l *MappedArrayList[T]) Set(i int, v T) error {
	size, err := l.Size()
	if err != nil {
		return err
	}
	if err := l.checkIndex(i, size); err != nil {
		return err
	}
	return mmap.Put(l.store, l.adapter, l.offset(i), v)
}

// Add appends v and returns its index.
func (l *MappedArrayList[T]) Add(v T) (int, error) {
	size, err := l.Size()
	if err != nil {
		return 0, err
	}

	if err := mmap.Put(l.store, l.adapter, l.offset(size), v); err != nil {
		return 0, err
	}
	if err := l.store.PutU32(offCount, uint32(size+1)); err != nil {
		return 0, err
	}
	return size, nil
}

// RemoveLast shrinks the list by one and returns the record that was
// removed. The record's bytes are left in place on disk; only the count
// changes.
func (l *MappedArrayList[T]) RemoveLast() (T, error) {
	var zero T
	size, err := l.Size()
	if err != nil {
		return zero, err
	}
	if size == 0 {
		return zero, fmt.Errorf("%w: array list: RemoveLast on empty list", qerrors.ErrInvariant)
	}

	v, err := mmap.Get(l.store, l.adapter, l.offset(size-1))
	if err != nil {
		return zero, err
	}
	if err := l.store.PutU32(offCount, uint32(size-1)); err != nil {
		return zero, err
	}
	return v, nil
}

// Clear empties the list; the count is reset to 0 and nothing is read back.
func (l *MappedArrayList[T]) Clear() error {
	return l.store.PutU32(offCount, 0)
}
