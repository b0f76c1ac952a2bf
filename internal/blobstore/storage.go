// Package blobstore implements ByteArrayStorage, a segmented, compacting
// store for variable-length blobs keyed by a stable (segment, recordNumber,
// recordId) [Handle]. It is the content.dat file backing message bodies.
package blobstore

import (
	"fmt"

	"github.com/sharedmq/sharedmq/internal/mmap"
	"github.com/sharedmq/sharedmq/internal/qerrors"
)

// Marker is the little-endian magic at offset 0 of content.dat.
const Marker = uint32(0x4D424153)

// SegmentSize is the fixed size of every segment, 2 MiB.
const SegmentSize = 2 * 1024 * 1024

const (
	offMarker          = 0
	offSegmentSize     = 4
	offSegmentCount    = 8
	offLastUsedSegment = 12
	offNextRecordID    = 16
	headerSize         = 24
)

// Handle addresses a single blob. RecordID disambiguates a recordNumber
// that was freed and reused by a later Add: a Get or Delete against a
// stale Handle whose RecordID no longer matches the live record returns
// "not found" rather than someone else's bytes.
type Handle struct {
	Segment      uint32
	RecordNumber uint32
	RecordID     uint64
}

// ByteArrayStorage is a linearly addressed file divided into fixed-size
// segments, each independently allocating and compacting variable-length
// blobs. Segments are appended as needed and never removed.
type ByteArrayStorage struct {
	store mmap.Store
}

// Open opens or initializes a ByteArrayStorage over store.
func Open(store mmap.Store) (*ByteArrayStorage, error) {
	marker, err := store.GetU32(offMarker)
	if err != nil {
		return nil, err
	}

	s := &ByteArrayStorage{store: store}

	if marker == 0 {
		if err := store.PutU32(offMarker, Marker); err != nil {
			return nil, err
		}
		if err := store.PutU32(offSegmentSize, SegmentSize); err != nil {
			return nil, err
		}
		if err := store.PutU32(offSegmentCount, 0); err != nil {
			return nil, err
		}
		if err := store.PutU32(offLastUsedSegment, 0); err != nil {
			return nil, err
		}
		if err := store.PutU64(offNextRecordID, 0); err != nil {
			return nil, err
		}
		return s, nil
	}

	if marker != Marker {
		return nil, fmt.Errorf("%w: byte array storage: bad marker %#x", qerrors.ErrFormat, marker)
	}

	segSize, err := store.GetU32(offSegmentSize)
	if err != nil {
		return nil, err
	}
	if segSize != SegmentSize {
		return nil, fmt.Errorf("%w: byte array storage: segment size %d does not match %d",
			qerrors.ErrFormat, segSize, SegmentSize)
	}

	return s, nil
}

func (s *ByteArrayStorage) segmentCount() (uint32, error) { return s.store.GetU32(offSegmentCount) }

func (s *ByteArrayStorage) lastUsedSegment() (uint32, error) {
	return s.store.GetU32(offLastUsedSegment)
}

func (s *ByteArrayStorage) nextRecordID() (uint64, error) {
	id, err := s.store.GetU64(offNextRecordID)
	if err != nil {
		return 0, err
	}
	if err := s.store.PutU64(offNextRecordID, id+1); err != nil {
		return 0, err
	}
	return id, nil
}

func segmentBase(index uint32) int64 {
	return headerSize + int64(index)*SegmentSize
}

func (s *ByteArrayStorage) segmentAt(index uint32) (*segment, error) {
	seg := &segment{store: s.store, base: segmentBase(index)}

	marker, err := s.store.GetU32(seg.base + segOffMarker)
	if err != nil {
		return nil, err
	}
	if marker == 0 {
		if err := seg.initEmpty(); err != nil {
			return nil, err
		}
		return seg, nil
	}
	if marker != segmentMarker {
		return nil, fmt.Errorf("%w: byte array storage: segment %d bad marker %#x", qerrors.ErrFormat, index, marker)
	}
	return seg, nil
}

// createSegment appends a brand new segment at the end of the file and
// bumps segmentCount.
func (s *ByteArrayStorage) createSegment() (uint32, *segment, error) {
	count, err := s.segmentCount()
	if err != nil {
		return 0, nil, err
	}

	seg := &segment{store: s.store, base: segmentBase(count)}
	if err := seg.initEmpty(); err != nil {
		return 0, nil, err
	}

	if err := s.store.PutU32(offSegmentCount, count+1); err != nil {
		return 0, nil, err
	}

	return count, seg, nil
}

// Add stores data in the first segment (starting from lastUsedSegment, with
// wraparound) that can accommodate it, compacting that segment first if
// necessary, or in a freshly created segment if none can.
func (s *ByteArrayStorage) Add(data []byte) (Handle, error) {
	var zero Handle

	recordID, err := s.nextRecordID()
	if err != nil {
		return zero, err
	}

	count, err := s.segmentCount()
	if err != nil {
		return zero, err
	}
	start, err := s.lastUsedSegment()
	if err != nil {
		return zero, err
	}

	for i := uint32(0); i < count; i++ {
		idx := (start + i) % count

		seg, err := s.segmentAt(idx)
		if err != nil {
			return zero, err
		}

		ok, err := seg.canAllocate(len(data))
		if err != nil {
			return zero, err
		}
		if !ok {
			if err := seg.compact(); err != nil {
				return zero, err
			}
			ok, err = seg.canAllocate(len(data))
			if err != nil {
				return zero, err
			}
		}
		if !ok {
			continue
		}

		recordNumber, err := seg.addArray(recordID, data)
		if err != nil {
			return zero, err
		}
		if err := s.store.PutU32(offLastUsedSegment, idx); err != nil {
			return zero, err
		}

		return Handle{Segment: idx, RecordNumber: recordNumber, RecordID: recordID}, nil
	}

	idx, seg, err := s.createSegment()
	if err != nil {
		return zero, err
	}
	recordNumber, err := seg.addArray(recordID, data)
	if err != nil {
		return zero, err
	}
	if err := s.store.PutU32(offLastUsedSegment, idx); err != nil {
		return zero, err
	}

	return Handle{Segment: idx, RecordNumber: recordNumber, RecordID: recordID}, nil
}

// Get returns the bytes stored at h, or found == false if h is stale (the
// slot is free or was reused by a different record).
func (s *ByteArrayStorage) Get(h Handle) ([]byte, bool, error) {
	count, err := s.segmentCount()
	if err != nil {
		return nil, false, err
	}
	if h.Segment >= count {
		return nil, false, nil
	}

	seg, err := s.segmentAt(h.Segment)
	if err != nil {
		return nil, false, err
	}

	return seg.get(h.RecordNumber, h.RecordID)
}

// Delete frees the slot at h if it still matches RecordID. Deleting a stale
// or already-deleted handle is a silent no-op (reports found == false).
func (s *ByteArrayStorage) Delete(h Handle) (bool, error) {
	count, err := s.segmentCount()
	if err != nil {
		return false, err
	}
	if h.Segment >= count {
		return false, nil
	}

	seg, err := s.segmentAt(h.Segment)
	if err != nil {
		return false, err
	}

	return seg.delete(h.RecordNumber, h.RecordID)
}
