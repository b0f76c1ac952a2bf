package queue

import (
	"fmt"
	"time"

	"github.com/sharedmq/sharedmq/internal/qerrors"
)

// Push enqueues body, visible after delay elapses. delay must be in
// [0, MaxDelay] and body must encode to at most MaxBodySize bytes.
func (q *Queue) Push(delay time.Duration, body []byte) error {
	if delay < 0 || delay > MaxDelay {
		return fmt.Errorf("%w: push delay %s out of range [0,%s]", qerrors.ErrParameter, delay, MaxDelay)
	}
	if len(body) > MaxBodySize {
		return fmt.Errorf("%w: push body %d bytes exceeds %d", qerrors.ErrParameter, len(body), MaxBodySize)
	}

	now := nowMillis()

	if err := q.cleanupQueue(); err != nil {
		return err
	}

	return q.withLock(func() error {
		return q.pushLocked(now, uint64(delay.Milliseconds()), body)
	})
}

func (q *Queue) pushLocked(now, delayMillis uint64, body []byte) error {
	messageID, err := q.cfg.NextMessageID()
	if err != nil {
		return err
	}

	slot, err := q.allocateSlot()
	if err != nil {
		return err
	}

	handle, err := q.content.Add(body)
	if err != nil {
		return err
	}

	h := header{
		Occupied:  true,
		MessageID: messageID,
		SentTime:  now,
		Delay:     delayMillis,
		Handle:    handle,
	}

	visibleSince := h.visibleSince(0) // not received yet: sentTime + delay

	idx, err := q.heap.Add(heapEntry{Slot: slot, VisibleSince: visibleSince})
	if err != nil {
		return err
	}
	h.HeapIndex = uint32(idx)

	return q.headers.Set(int(slot), h)
}

// allocateSlot pops a slot off the free stack (LIFO), or appends a new null
// header if the free stack is empty.
func (q *Queue) allocateSlot() (uint32, error) {
	freeCount, err := q.freeHeaders.Size()
	if err != nil {
		return 0, err
	}

	if freeCount > 0 {
		return q.freeHeaders.RemoveLast()
	}

	idx, err := q.headers.Add(header{})
	if err != nil {
		return 0, err
	}
	return uint32(idx), nil
}
