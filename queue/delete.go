package queue

import (
	"fmt"

	"github.com/sharedmq/sharedmq/internal/qerrors"
)

// Delete removes msg from the queue. Deleting a message that was already
// deleted, expired, or belongs to a slot since reused by a newer message is
// a no-op: msg identity is always checked against the live header before
// anything is mutated, and the call reports that outcome by returning an
// error wrapping [qerrors.ErrNotApplicable] rather than mutating anything.
// Most callers should check for it with errors.Is and otherwise treat it as
// success.
func (q *Queue) Delete(msg *Message) error {
	if msg == nil {
		return fmt.Errorf("%w: delete: nil message", qerrors.ErrParameter)
	}
	if msg.queueDir != q.dir {
		return fmt.Errorf("%w: delete: message belongs to queue directory %s, not %s",
			qerrors.ErrParameter, msg.queueDir, q.dir)
	}

	if err := q.cleanupQueue(); err != nil {
		return err
	}

	return q.withLock(func() error {
		size, err := q.headers.Size()
		if err != nil {
			return err
		}
		if int(msg.slot) >= size {
			// already gone: the whole slot table has shrunk past it, impossible in practice but harmless
			return fmt.Errorf("%w: delete: slot %d no longer exists", qerrors.ErrNotApplicable, msg.slot)
		}

		h, err := q.headers.Get(int(msg.slot))
		if err != nil {
			return err
		}
		if !h.Occupied || h.MessageID != msg.messageID {
			// already deleted, or the slot was reused by a newer message
			return fmt.Errorf("%w: delete: message %d already deleted or superseded", qerrors.ErrNotApplicable, msg.messageID)
		}

		return q.deleteHeader(msg.slot, h)
	})
}

// deleteHeader removes h's body and heap entry, then returns its slot to
// the free stack. Must run under the config lock.
func (q *Queue) deleteHeader(slot uint32, h header) error {
	if _, err := q.content.Delete(h.Handle); err != nil {
		return err
	}
	if _, err := q.heap.RemoveAt(int(h.HeapIndex)); err != nil {
		return err
	}
	if err := q.headers.Set(int(slot), header{}); err != nil {
		return err
	}
	_, err := q.freeHeaders.Add(slot)
	return err
}
