package blobstore

import (
	"fmt"
	"math"

	"github.com/sharedmq/sharedmq/internal/mmap"
	"github.com/sharedmq/sharedmq/internal/qerrors"
)

// segmentMarker is the little-endian magic at the start of every segment.
const segmentMarker = uint32(0x5345474D)

// noRecord is the lastNonFreeRecord sentinel meaning "segment has no live
// records".
const noRecord = uint32(math.MaxUint32)

const (
	segOffMarker           = 0
	segOffIndexRecordCount = 4
	segOffFreeRecordCount  = 8
	segOffLastNonFree      = 12
	segOffUnallocated      = 16
	segOffAllocated        = 20
	segOffReleased         = 24
	segHeaderSize          = 28
)

// indexSlotSize is 17 bytes of index record (recordId:8, dataOffset:4,
// dataLength:4, free:1) plus a 4-byte cell reused as backing storage for
// the free-record min-heap.
const indexSlotSize = 21

const (
	slotOffRecordID   = 0
	slotOffDataOffset = 8
	slotOffDataLength = 12
	slotOffFree       = 16
	slotOffHeapCell   = 17
)

// segment is a single fixed-size (SegmentSize) region of a
// ByteArrayStorage, addressed by base within the parent store.
type segment struct {
	store mmap.Store
	base  int64
}

func (s *segment) at(localOffset int64) int64 { return s.base + localOffset }

func (s *segment) initEmpty() error {
	if err := s.store.PutU32(s.at(segOffMarker), segmentMarker); err != nil {
		return err
	}
	if err := s.store.PutU32(s.at(segOffIndexRecordCount), 0); err != nil {
		return err
	}
	if err := s.store.PutU32(s.at(segOffFreeRecordCount), 0); err != nil {
		return err
	}
	if err := s.store.PutU32(s.at(segOffLastNonFree), noRecord); err != nil {
		return err
	}
	if err := s.store.PutU32(s.at(segOffUnallocated), uint32(SegmentSize-segHeaderSize)); err != nil {
		return err
	}
	if err := s.store.PutU32(s.at(segOffAllocated), 0); err != nil {
		return err
	}
	return s.store.PutU32(s.at(segOffReleased), 0)
}

func (s *segment) indexRecordCount() (uint32, error) { return s.store.GetU32(s.at(segOffIndexRecordCount)) }
func (s *segment) freeRecordCount() (uint32, error)  { return s.store.GetU32(s.at(segOffFreeRecordCount)) }
func (s *segment) lastNonFreeRecord() (uint32, error) { return s.store.GetU32(s.at(segOffLastNonFree)) }
func (s *segment) unallocatedSpace() (uint32, error) { return s.store.GetU32(s.at(segOffUnallocated)) }
func (s *segment) allocatedSpace() (uint32, error)   { return s.store.GetU32(s.at(segOffAllocated)) }

func (s *segment) indexBase() int64 { return s.at(segHeaderSize) }

func (s *segment) slotOffset(recordNumber uint32) int64 {
	return s.indexBase() + int64(recordNumber)*indexSlotSize
}

type slotRecord struct {
	recordID   uint64
	dataOffset uint32
	dataLength uint32
	free       bool
}

func (s *segment) readSlot(recordNumber uint32) (slotRecord, error) {
	off := s.slotOffset(recordNumber)

	recordID, err := s.store.GetU64(off + slotOffRecordID)
	if err != nil {
		return slotRecord{}, err
	}
	dataOffset, err := s.store.GetU32(off + slotOffDataOffset)
	if err != nil {
		return slotRecord{}, err
	}
	dataLength, err := s.store.GetU32(off + slotOffDataLength)
	if err != nil {
		return slotRecord{}, err
	}
	var freeByte [1]byte
	if err := s.store.ReadBytes(off+slotOffFree, freeByte[:]); err != nil {
		return slotRecord{}, err
	}

	return slotRecord{recordID: recordID, dataOffset: dataOffset, dataLength: dataLength, free: freeByte[0] != 0}, nil
}

func (s *segment) writeSlot(recordNumber uint32, rec slotRecord) error {
	off := s.slotOffset(recordNumber)

	if err := s.store.PutU64(off+slotOffRecordID, rec.recordID); err != nil {
		return err
	}
	if err := s.store.PutU32(off+slotOffDataOffset, rec.dataOffset); err != nil {
		return err
	}
	if err := s.store.PutU32(off+slotOffDataLength, rec.dataLength); err != nil {
		return err
	}

	freeByte := [1]byte{0}
	if rec.free {
		freeByte[0] = 1
	}
	return s.store.WriteBytes(off+slotOffFree, freeByte[:])
}

func (s *segment) heapCell(slot uint32) (uint32, error) {
	return s.store.GetU32(s.slotOffset(slot) + slotOffHeapCell)
}

func (s *segment) setHeapCell(slot uint32, value uint32) error {
	return s.store.PutU32(s.slotOffset(slot)+slotOffHeapCell, value)
}

// heapPush inserts recordNumber into the free-record min-heap, which is
// backed by the first freeRecordCount heap cells (cell i belongs to index
// slot i, regardless of that slot's own record - the cells are just
// reused storage for the heap's backing array).
func (s *segment) heapPush(recordNumber uint32) error {
	n, err := s.freeRecordCount()
	if err != nil {
		return err
	}

	if err := s.setHeapCell(n, recordNumber); err != nil {
		return err
	}

	i := n
	for i > 0 {
		p := (i - 1) / 2
		vi, err := s.heapCell(i)
		if err != nil {
			return err
		}
		vp, err := s.heapCell(p)
		if err != nil {
			return err
		}
		if vp <= vi {
			break
		}
		if err := s.setHeapCell(i, vp); err != nil {
			return err
		}
		if err := s.setHeapCell(p, vi); err != nil {
			return err
		}
		i = p
	}

	return s.store.PutU32(s.at(segOffFreeRecordCount), n+1)
}

// heapPop removes and returns the smallest free record number.
func (s *segment) heapPop() (uint32, error) {
	n, err := s.freeRecordCount()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: byte array storage: heapPop on empty free-record heap", qerrors.ErrInvariant)
	}

	min, err := s.heapCell(0)
	if err != nil {
		return 0, err
	}

	last, err := s.heapCell(n - 1)
	if err != nil {
		return 0, err
	}
	if err := s.store.PutU32(s.at(segOffFreeRecordCount), n-1); err != nil {
		return 0, err
	}
	if n == 1 {
		return min, nil
	}
	if err := s.setHeapCell(0, last); err != nil {
		return 0, err
	}

	size := n - 1
	i := uint32(0)
	for {
		smallest := i
		l, r := 2*i+1, 2*i+2

		vSmallest, err := s.heapCell(smallest)
		if err != nil {
			return 0, err
		}
		if l < size {
			vl, err := s.heapCell(l)
			if err != nil {
				return 0, err
			}
			if vl < vSmallest {
				smallest, vSmallest = l, vl
			}
		}
		if r < size {
			vr, err := s.heapCell(r)
			if err != nil {
				return 0, err
			}
			if vr < vSmallest {
				smallest, vSmallest = r, vr
			}
		}
		if smallest == i {
			break
		}

		vi, err := s.heapCell(i)
		if err != nil {
			return 0, err
		}
		if err := s.setHeapCell(i, vSmallest); err != nil {
			return 0, err
		}
		if err := s.setHeapCell(smallest, vi); err != nil {
			return 0, err
		}
		i = smallest
	}

	return min, nil
}

// canAllocate reports whether dataLen bytes of payload (plus a fresh index
// slot if there's no free slot to reuse) fit in the segment's unallocated
// middle region, without compacting.
func (s *segment) canAllocate(dataLen int) (bool, error) {
	unallocated, err := s.unallocatedSpace()
	if err != nil {
		return false, err
	}
	freeCount, err := s.freeRecordCount()
	if err != nil {
		return false, err
	}

	needed := uint32(dataLen)
	if freeCount == 0 {
		needed += indexSlotSize
	}

	return unallocated >= needed, nil
}

// addArray allocates a slot and payload space for data, assuming
// canAllocate(len(data)) was just confirmed true (by the caller, possibly
// after a compact()).
func (s *segment) addArray(recordID uint64, data []byte) (uint32, error) {
	freeCount, err := s.freeRecordCount()
	if err != nil {
		return 0, err
	}

	var recordNumber uint32
	var unallocatedDelta uint32

	if freeCount > 0 {
		recordNumber, err = s.heapPop()
		if err != nil {
			return 0, err
		}
	} else {
		recordNumber, err = s.indexRecordCount()
		if err != nil {
			return 0, err
		}
		if err := s.store.PutU32(s.at(segOffIndexRecordCount), recordNumber+1); err != nil {
			return 0, err
		}
		unallocatedDelta += indexSlotSize
	}

	allocated, err := s.allocatedSpace()
	if err != nil {
		return 0, err
	}

	dataOffset := uint32(SegmentSize) - allocated - uint32(len(data))
	if err := s.store.WriteBytes(s.at(int64(dataOffset)), data); err != nil {
		return 0, err
	}

	if err := s.writeSlot(recordNumber, slotRecord{
		recordID: recordID, dataOffset: dataOffset, dataLength: uint32(len(data)), free: false,
	}); err != nil {
		return 0, err
	}

	newAllocated := allocated + uint32(len(data))
	if err := s.store.PutU32(s.at(segOffAllocated), newAllocated); err != nil {
		return 0, err
	}

	unallocated, err := s.unallocatedSpace()
	if err != nil {
		return 0, err
	}
	if err := s.store.PutU32(s.at(segOffUnallocated), unallocated-unallocatedDelta-uint32(len(data))); err != nil {
		return 0, err
	}

	last, err := s.lastNonFreeRecord()
	if err != nil {
		return 0, err
	}
	if last == noRecord || recordNumber > last {
		if err := s.store.PutU32(s.at(segOffLastNonFree), recordNumber); err != nil {
			return 0, err
		}
	}

	return recordNumber, nil
}

func (s *segment) get(recordNumber uint32, recordID uint64) ([]byte, bool, error) {
	count, err := s.indexRecordCount()
	if err != nil {
		return nil, false, err
	}
	if recordNumber >= count {
		return nil, false, nil
	}

	rec, err := s.readSlot(recordNumber)
	if err != nil {
		return nil, false, err
	}
	if rec.free || rec.recordID != recordID {
		return nil, false, nil
	}

	data := make([]byte, rec.dataLength)
	if err := s.store.ReadBytes(s.at(int64(rec.dataOffset)), data); err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (s *segment) delete(recordNumber uint32, recordID uint64) (bool, error) {
	count, err := s.indexRecordCount()
	if err != nil {
		return false, err
	}
	if recordNumber >= count {
		return false, nil
	}

	rec, err := s.readSlot(recordNumber)
	if err != nil {
		return false, err
	}
	if rec.free || rec.recordID != recordID {
		return false, nil
	}

	rec.free = true
	if err := s.writeSlot(recordNumber, rec); err != nil {
		return false, err
	}
	if err := s.heapPush(recordNumber); err != nil {
		return false, err
	}

	released, err := s.store.GetU32(s.at(segOffReleased))
	if err != nil {
		return false, err
	}
	if err := s.store.PutU32(s.at(segOffReleased), released+rec.dataLength); err != nil {
		return false, err
	}

	last, err := s.lastNonFreeRecord()
	if err != nil {
		return false, err
	}
	if last != noRecord && recordNumber == last {
		newLast := noRecord
		for i := int64(recordNumber) - 1; i >= 0; i-- {
			slot, err := s.readSlot(uint32(i))
			if err != nil {
				return false, err
			}
			if !slot.free {
				newLast = uint32(i)
				break
			}
		}
		if err := s.store.PutU32(s.at(segOffLastNonFree), newLast); err != nil {
			return false, err
		}
	}

	return true, nil
}

// compact truncates the index to its live tail, rebuilds the free-record
// heap over the remaining free slots, and repacks every live payload into a
// contiguous tail buffer in slot order. It only runs when addArray couldn't
// satisfy a request directly.
func (s *segment) compact() error {
	last, err := s.lastNonFreeRecord()
	if err != nil {
		return err
	}

	newCount := uint32(0)
	if last != noRecord {
		newCount = last + 1
	}

	type live struct {
		recordNumber uint32
		rec          slotRecord
		data         []byte
	}

	var lives []live
	var frees []uint32

	for i := uint32(0); i < newCount; i++ {
		rec, err := s.readSlot(i)
		if err != nil {
			return err
		}
		if rec.free {
			frees = append(frees, i)
			continue
		}
		data := make([]byte, rec.dataLength)
		if err := s.store.ReadBytes(s.at(int64(rec.dataOffset)), data); err != nil {
			return err
		}
		lives = append(lives, live{recordNumber: i, rec: rec, data: data})
	}

	if err := s.store.PutU32(s.at(segOffIndexRecordCount), newCount); err != nil {
		return err
	}
	if err := s.store.PutU32(s.at(segOffFreeRecordCount), 0); err != nil {
		return err
	}
	for _, f := range frees {
		if err := s.heapPush(f); err != nil {
			return err
		}
	}

	var allocated uint32
	for _, lv := range lives {
		newOffset := uint32(SegmentSize) - allocated - uint32(len(lv.data))
		if err := s.store.WriteBytes(s.at(int64(newOffset)), lv.data); err != nil {
			return err
		}
		lv.rec.dataOffset = newOffset
		if err := s.writeSlot(lv.recordNumber, lv.rec); err != nil {
			return err
		}
		allocated += uint32(len(lv.data))
	}

	if err := s.store.PutU32(s.at(segOffAllocated), allocated); err != nil {
		return err
	}
	if err := s.store.PutU32(s.at(segOffReleased), 0); err != nil {
		return err
	}

	unallocated := uint32(SegmentSize) - segHeaderSize - newCount*indexSlotSize - allocated
	return s.store.PutU32(s.at(segOffUnallocated), unallocated)
}
