// Package lock implements ByteBufferLock, a process-shared mutex backed by
// a single 8-byte cell inside a memory-mapped region. It is the sole
// steady-state synchronization primitive between processes that map the
// same queue directory: every public queue operation holds it for the
// duration of its mutation.
package lock

import (
	"fmt"
	"time"

	"github.com/sharedmq/sharedmq/internal/mmap"
	"github.com/sharedmq/sharedmq/internal/qerrors"
)

// Unlocked is the sentinel cell value meaning no holder.
const Unlocked = uint64(0)

// DefaultMaxLockDuration is the age past which a holder's timestamp is
// treated as abandoned (crashed while holding the lock) and reclaimed.
const DefaultMaxLockDuration = 5 * time.Minute

// retryDelay is how long to sleep between failed acquisition attempts that
// found a live, non-stale holder.
const retryDelay = 1 * time.Millisecond

// ByteBufferLock is a CAS-based mutex over an 8-byte cell at a fixed offset
// in a [mmap.MappedFile]. The cell holds either Unlocked or the wall-clock
// acquisition time (milliseconds since epoch) of the current holder.
//
// It is safe for concurrent use by multiple goroutines and multiple
// processes that map the same underlying file.
type ByteBufferLock struct {
	file            *mmap.MappedFile
	offset          int64
	maxLockDuration time.Duration
}

// New returns a ByteBufferLock over the 8-byte cell at offset within file.
// The caller is responsible for ensuring offset is within the file's
// capacity and not used for anything else.
func New(file *mmap.MappedFile, offset int64) *ByteBufferLock {
	return &ByteBufferLock{file: file, offset: offset, maxLockDuration: DefaultMaxLockDuration}
}

// Guard is the token returned by a successful Lock; call Release to give up
// the lock.
type Guard struct {
	lock      *ByteBufferLock
	acquiredAt uint64
}

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

// Lock blocks until the cell is acquired, reclaiming a stale or
// future-dated holder along the way, and returns a Guard. The returned
// Guard establishes release-acquire ordering for every write the caller
// makes to the mapped region while holding the lock.
func (l *ByteBufferLock) Lock() (*Guard, error) {
	for {
		now := nowMillis()

		ok, err := l.file.CompareAndSwapU64(l.offset, Unlocked, now)
		if err != nil {
			return nil, fmt.Errorf("%w: lock cas: %v", qerrors.ErrIO, err)
		}
		if ok {
			return &Guard{lock: l, acquiredAt: now}, nil
		}

		current, err := l.file.LoadU64Atomic(l.offset)
		if err != nil {
			return nil, fmt.Errorf("%w: lock read: %v", qerrors.ErrIO, err)
		}

		switch {
		case current == Unlocked:
			// Raced with another acquirer between our failed CAS and this
			// read; just retry.
		case current > now:
			// The holder's clock is ahead of ours. Pull it back to now
			// instead of clobbering a live holder with Unlocked.
			if _, err := l.file.CompareAndSwapU64(l.offset, current, now); err != nil {
				return nil, fmt.Errorf("%w: lock cas: %v", qerrors.ErrIO, err)
			}
		case current+uint64(l.maxLockDuration/time.Millisecond) < now:
			// Stale-owner recovery: the holder is older than
			// maxLockDuration, assume it crashed while holding the lock.
			if _, err := l.file.CompareAndSwapU64(l.offset, current, Unlocked); err != nil {
				return nil, fmt.Errorf("%w: lock cas: %v", qerrors.ErrIO, err)
			}
		default:
			time.Sleep(retryDelay)
		}
	}
}

// Release hands back the lock. If another process forcibly reclaimed it
// (stale-owner recovery) before Release ran, this is a no-op - the lock is
// already theirs.
func (g *Guard) Release() error {
	// Full fence before publishing the release, matching the acquire-side
	// fence implied by the CAS.
	_, err := g.lock.file.CompareAndSwapU64(g.lock.offset, g.acquiredAt, Unlocked)
	if err != nil {
		return fmt.Errorf("%w: unlock cas: %v", qerrors.ErrIO, err)
	}
	return nil
}
