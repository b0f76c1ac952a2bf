package queue

import (
	"fmt"
	"time"

	"github.com/sharedmq/sharedmq/internal/qerrors"
)

// Message is a delivered queue entry, passed back to Delete as Pull
// returned it. Delete rejects a Message from a different queue directory
// with ErrParameter, and for a message that is already gone (deleted or
// expired) it changes nothing and returns an error wrapping
// ErrNotApplicable.
type Message struct {
	queueDir  string
	slot      uint32
	messageID uint64

	// Body is the payload as stored by Push.
	Body []byte
}

// Pull waits up to timeout for a visible message, polling in small
// increments so the config lock is never held across a sleep. It returns
// (nil, nil) if no message became visible before timeout elapsed.
func (q *Queue) Pull(timeout time.Duration) (*Message, error) {
	if timeout < 0 || timeout > MaxPullTimeout {
		return nil, fmt.Errorf("%w: pull timeout %s out of range [0,%s]", qerrors.ErrParameter, timeout, MaxPullTimeout)
	}

	start := time.Now()
	deadline := start.Add(timeout)

	for {
		msg, err := q.pollMessage()
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}

		wait, err := q.waitBudget(remaining)
		if err != nil {
			return nil, err
		}
		if wait <= 0 {
			return nil, nil
		}
		if wait > pollInterval {
			wait = pollInterval
		}

		time.Sleep(wait)
	}
}

// waitBudget returns min(remaining, timeUntilNextVisible), where
// timeUntilNextVisible is derived from the heap's current minimum, or
// remaining itself if the heap is empty.
func (q *Queue) waitBudget(remaining time.Duration) (time.Duration, error) {
	var budget time.Duration

	err := q.withLock(func() error {
		size, err := q.heap.Size()
		if err != nil {
			return err
		}
		if size == 0 {
			budget = remaining
			return nil
		}

		top, err := q.heap.Peek()
		if err != nil {
			return err
		}

		now := nowMillis()
		if top.VisibleSince <= now {
			budget = 0
			return nil
		}

		untilVisible := time.Duration(top.VisibleSince-now+1) * time.Millisecond
		if untilVisible < remaining {
			budget = untilVisible
		} else {
			budget = remaining
		}
		return nil
	})

	return budget, err
}

// pollMessage runs cleanup, then tries once, under the lock, to pull the
// next visible message.
func (q *Queue) pollMessage() (*Message, error) {
	if err := q.cleanupQueue(); err != nil {
		return nil, err
	}

	now := nowMillis()

	var msg *Message

	err := q.withLock(func() error {
		size, err := q.heap.Size()
		if err != nil {
			return err
		}
		if size == 0 {
			return nil
		}

		top, err := q.heap.Peek()
		if err != nil {
			return err
		}
		if top.VisibleSince > now {
			return nil
		}

		h, err := q.headers.Get(int(top.Slot))
		if err != nil {
			return err
		}

		visibilityTimeout, err := q.visibilityTimeoutMillis()
		if err != nil {
			return err
		}

		h.ReceivedTimePresent = true
		h.ReceivedTime = now

		if _, err := q.heap.RemoveAt(int(h.HeapIndex)); err != nil {
			return err
		}

		newIndex, err := q.heap.Add(heapEntry{Slot: top.Slot, VisibleSince: now + visibilityTimeout})
		if err != nil {
			return err
		}
		h.HeapIndex = uint32(newIndex)

		if err := q.headers.Set(int(top.Slot), h); err != nil {
			return err
		}

		body, found, err := q.content.Get(h.Handle)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("%w: pull: live slot %d has no matching content record", qerrors.ErrInvariant, top.Slot)
		}

		msg = &Message{queueDir: q.dir, slot: top.Slot, messageID: h.MessageID, Body: body}
		return nil
	})

	return msg, err
}

func (q *Queue) visibilityTimeoutMillis() (uint64, error) {
	p, err := q.cfg.Params()
	if err != nil {
		return 0, err
	}
	return uint64(p.VisibilityTimeout.Milliseconds()), nil
}
