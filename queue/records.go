package queue

import (
	"encoding/binary"

	"github.com/sharedmq/sharedmq/internal/blobstore"
)

// header is one entry in headers.dat. A header whose Occupied is false is
// a null slot; its index lives in free-headers.dat's stack.
//
// Encoded layout (57 bytes): occupied:u8, messageId:u64, sentTime:u64,
// delay:u64, receivedTimePresent:u8, receivedTime:u64, heapIndex:u32,
// handle.Segment:u32, handle.RecordNumber:u32, handle.RecordID:u64,
// then 3 bytes of padding to round out the record.
type header struct {
	Occupied            bool
	MessageID           uint64
	SentTime            uint64 // millis since epoch
	Delay               uint64 // millis
	ReceivedTimePresent bool
	ReceivedTime        uint64 // millis since epoch
	HeapIndex           uint32
	Handle              blobstore.Handle
}

// visibleSince implements the spec's derived field: receivedTime +
// visibilityTimeout if received, else sentTime + delay.
func (h header) visibleSince(visibilityTimeout uint64) uint64 {
	if h.ReceivedTimePresent {
		return h.ReceivedTime + visibilityTimeout
	}
	return h.SentTime + h.Delay
}

const headerRecordSize = 57

type headerAdapter struct{}

func (headerAdapter) Size() int { return headerRecordSize }

func (headerAdapter) Encode(h header, buf []byte) {
	for i := range buf {
		buf[i] = 0
	}

	if h.Occupied {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint64(buf[1:9], h.MessageID)
	binary.LittleEndian.PutUint64(buf[9:17], h.SentTime)
	binary.LittleEndian.PutUint64(buf[17:25], h.Delay)
	if h.ReceivedTimePresent {
		buf[25] = 1
	}
	binary.LittleEndian.PutUint64(buf[26:34], h.ReceivedTime)
	binary.LittleEndian.PutUint32(buf[34:38], h.HeapIndex)
	binary.LittleEndian.PutUint32(buf[38:42], h.Handle.Segment)
	binary.LittleEndian.PutUint32(buf[42:46], h.Handle.RecordNumber)
	binary.LittleEndian.PutUint64(buf[46:54], h.Handle.RecordID)
	// buf[54:57] reserved padding, left zeroed.
}

func (headerAdapter) Decode(buf []byte) header {
	return header{
		Occupied:            buf[0] != 0,
		MessageID:           binary.LittleEndian.Uint64(buf[1:9]),
		SentTime:            binary.LittleEndian.Uint64(buf[9:17]),
		Delay:                binary.LittleEndian.Uint64(buf[17:25]),
		ReceivedTimePresent: buf[25] != 0,
		ReceivedTime:        binary.LittleEndian.Uint64(buf[26:34]),
		HeapIndex:           binary.LittleEndian.Uint32(buf[34:38]),
		Handle: blobstore.Handle{
			Segment:      binary.LittleEndian.Uint32(buf[38:42]),
			RecordNumber: binary.LittleEndian.Uint32(buf[42:46]),
			RecordID:     binary.LittleEndian.Uint64(buf[46:54]),
		},
	}
}

// heapEntry is one entry in priority-queue.dat: a (slot, visibleSince)
// pair, 12 bytes encoded.
type heapEntry struct {
	Slot         uint32
	VisibleSince uint64
}

type heapEntryAdapter struct{}

func (heapEntryAdapter) Size() int { return 12 }

func (heapEntryAdapter) Encode(v heapEntry, buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], v.Slot)
	binary.LittleEndian.PutUint64(buf[4:12], v.VisibleSince)
}

func (heapEntryAdapter) Decode(buf []byte) heapEntry {
	return heapEntry{
		Slot:         binary.LittleEndian.Uint32(buf[0:4]),
		VisibleSince: binary.LittleEndian.Uint64(buf[4:12]),
	}
}

// u32Adapter serializes a bare uint32, used for free-headers.dat's free
// slot stack.
type u32Adapter struct{}

func (u32Adapter) Size() int { return 4 }

func (u32Adapter) Encode(v uint32, buf []byte) { binary.LittleEndian.PutUint32(buf, v) }

func (u32Adapter) Decode(buf []byte) uint32 { return binary.LittleEndian.Uint32(buf) }
