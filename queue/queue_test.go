package queue

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/sharedmq/sharedmq/internal/config"
	"github.com/sharedmq/sharedmq/internal/qerrors"
)

func openQueue(t *testing.T, p config.Params) *Queue {
	t.Helper()
	q, err := Open(t.TempDir(), p)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

var defaultParams = config.Params{VisibilityTimeout: 50 * time.Millisecond, RetentionPeriod: 15 * time.Second}

func TestPushPullDelete_Basic(t *testing.T) {
	q := openQueue(t, defaultParams)

	body := []byte("hello, queue")
	if err := q.Push(0, body); err != nil {
		t.Fatalf("Push: %v", err)
	}

	msg, err := q.Pull(time.Second)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if msg == nil {
		t.Fatalf("Pull returned nil, want a message")
	}
	if !bytes.Equal(msg.Body, body) {
		t.Fatalf("Pull body = %q, want %q", msg.Body, body)
	}

	if err := q.Delete(msg); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	size, err := q.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 0 {
		t.Fatalf("Size() after delete = %d, want 0", size)
	}
}

func TestPull_EmptyQueue_ReturnsNilAfterTimeout(t *testing.T) {
	q := openQueue(t, defaultParams)

	start := time.Now()
	msg, err := q.Pull(100 * time.Millisecond)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if msg != nil {
		t.Fatalf("Pull on empty queue = %+v, want nil", msg)
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Fatalf("Pull returned after %s, want it to have waited close to the 100ms timeout", elapsed)
	}
}

func TestPush_DelayedMessage_NotVisibleBeforeDelayElapses(t *testing.T) {
	q := openQueue(t, defaultParams)

	delay := 120 * time.Millisecond
	start := time.Now()
	if err := q.Push(delay, []byte("delayed")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	msg, err := q.Pull(2 * time.Second)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if msg == nil {
		t.Fatalf("Pull after delay elapsed = nil, want the delayed message")
	}

	elapsed := time.Since(start)
	if elapsed < delay-10*time.Millisecond {
		t.Fatalf("Pull returned after %s, want it to have waited at least ~%s", elapsed, delay)
	}
}

func TestPull_RedeliversAfterVisibilityTimeoutElapses(t *testing.T) {
	params := config.Params{VisibilityTimeout: 60 * time.Millisecond, RetentionPeriod: 15 * time.Second}
	q := openQueue(t, params)

	if err := q.Push(0, []byte("redeliver me")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	first, err := q.Pull(time.Second)
	if err != nil {
		t.Fatalf("first Pull: %v", err)
	}
	if first == nil {
		t.Fatalf("first Pull = nil, want a message")
	}

	time.Sleep(90 * time.Millisecond)

	second, err := q.Pull(time.Second)
	if err != nil {
		t.Fatalf("second Pull: %v", err)
	}
	if second == nil {
		t.Fatalf("second Pull = nil, want the message redelivered after its visibility timeout")
	}
	if second.messageID != first.messageID {
		t.Fatalf("redelivered messageID = %d, want %d (same message)", second.messageID, first.messageID)
	}

	if err := q.Delete(second); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	size, err := q.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 0 {
		t.Fatalf("Size() after final delete = %d, want 0", size)
	}
}

func TestDelete_AlreadyDeletedMessage_IsNoOp(t *testing.T) {
	q := openQueue(t, defaultParams)

	if err := q.Push(0, []byte("once")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	msg, err := q.Pull(time.Second)
	if err != nil || msg == nil {
		t.Fatalf("Pull: msg=%v err=%v", msg, err)
	}

	if err := q.Delete(msg); err != nil {
		t.Fatalf("first Delete: %v", err)
	}
	if err := q.Delete(msg); !errors.Is(err, qerrors.ErrNotApplicable) {
		t.Fatalf("second Delete on an already-deleted message: err=%v, want qerrors.ErrNotApplicable", err)
	}
}

func TestDelete_WrongQueueDirectory_Errors(t *testing.T) {
	q1 := openQueue(t, defaultParams)
	q2 := openQueue(t, defaultParams)

	if err := q1.Push(0, []byte("mine")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	msg, err := q1.Pull(time.Second)
	if err != nil || msg == nil {
		t.Fatalf("Pull: msg=%v err=%v", msg, err)
	}

	if err := q2.Delete(msg); err == nil {
		t.Fatalf("Delete across queue directories: want error, got nil")
	}
}

// TestAllocateSlot_ReusesFreedSlotsInLIFOOrder exercises the free-headers
// stack directly: the invariant is that the most recently freed slot is the
// next one handed out, not the oldest.
func TestAllocateSlot_ReusesFreedSlotsInLIFOOrder(t *testing.T) {
	q := openQueue(t, defaultParams)

	var slots []uint32
	for i := 0; i < 3; i++ {
		slot, err := q.allocateSlot()
		if err != nil {
			t.Fatalf("allocateSlot: %v", err)
		}
		slots = append(slots, slot)
	}
	if slots[0] != 0 || slots[1] != 1 || slots[2] != 2 {
		t.Fatalf("initial slots = %v, want [0 1 2]", slots)
	}

	for _, s := range slots {
		if _, err := q.freeHeaders.Add(s); err != nil {
			t.Fatalf("freeHeaders.Add(%d): %v", s, err)
		}
	}

	for i := len(slots) - 1; i >= 0; i-- {
		got, err := q.allocateSlot()
		if err != nil {
			t.Fatalf("allocateSlot (reuse): %v", err)
		}
		if got != slots[i] {
			t.Fatalf("reuse order: got slot %d, want %d (LIFO)", got, slots[i])
		}
	}
}

// TestMessageID_MonotonicAcrossSlotReuse pushes, drains, and pushes again,
// checking that message IDs keep counting up even though the underlying
// header slots are being recycled.
func TestMessageID_MonotonicAcrossSlotReuse(t *testing.T) {
	q := openQueue(t, defaultParams)

	var ids []uint64
	for i := 0; i < 3; i++ {
		if err := q.Push(0, []byte{byte(i)}); err != nil {
			t.Fatalf("Push #%d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		msg, err := q.Pull(time.Second)
		if err != nil || msg == nil {
			t.Fatalf("Pull #%d: msg=%v err=%v", i, msg, err)
		}
		ids = append(ids, msg.messageID)
		if err := q.Delete(msg); err != nil {
			t.Fatalf("Delete #%d: %v", i, err)
		}
	}

	for i := 0; i < 3; i++ {
		if err := q.Push(0, []byte{byte(10 + i)}); err != nil {
			t.Fatalf("Push (second batch) #%d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		msg, err := q.Pull(time.Second)
		if err != nil || msg == nil {
			t.Fatalf("Pull (second batch) #%d: msg=%v err=%v", i, msg, err)
		}
		ids = append(ids, msg.messageID)
		if err := q.Delete(msg); err != nil {
			t.Fatalf("Delete (second batch) #%d: %v", i, err)
		}
	}

	for i := 1; i < len(ids); i++ {
		if ids[i] <= ids[i-1] {
			t.Fatalf("messageID sequence not strictly increasing: %v", ids)
		}
	}
}

// TestCleanup_RemovesMessagesPastRetention manipulates a header's SentTime
// directly (bypassing the real clock, since RetentionPeriod's minimum is 15s
// and we won't wait that long in a test) to verify cleanupQueue reaps it.
func TestCleanup_RemovesMessagesPastRetention(t *testing.T) {
	params := config.Params{VisibilityTimeout: time.Second, RetentionPeriod: 15 * time.Second}
	q := openQueue(t, params)

	if err := q.Push(0, []byte("will expire")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	guard, err := q.cfg.Lock.Lock()
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := q.journal.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	h, err := q.headers.Get(0)
	if err != nil {
		t.Fatalf("headers.Get: %v", err)
	}
	h.SentTime = nowMillis() - uint64((20*time.Second).Milliseconds())
	if err := q.headers.Set(0, h); err != nil {
		t.Fatalf("headers.Set: %v", err)
	}
	if err := q.journal.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := guard.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	size, err := q.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 0 {
		t.Fatalf("Size() after retention expiry = %d, want 0", size)
	}

	stat, err := q.Stat()
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if stat.FreeSlots != 1 {
		t.Fatalf("Stat().FreeSlots = %d, want 1 (expired slot returned to the free stack)", stat.FreeSlots)
	}
}

// TestOpen_RollsBackUncommittedMutationFromPriorSession simulates a crash:
// a mutation is journaled and applied to the mapped files but never
// committed, and the process "dies" without releasing cleanly. The next
// Open of the same directory must roll it back before anything else runs.
func TestOpen_RollsBackUncommittedMutationFromPriorSession(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "q")
	params := config.Params{VisibilityTimeout: time.Second, RetentionPeriod: 15 * time.Second}

	q, err := Open(dir, params)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := q.Push(0, []byte("pre-crash")); err != nil {
		t.Fatalf("Push: %v", err)
	}

	orig, err := q.headers.Get(0)
	if err != nil {
		t.Fatalf("headers.Get: %v", err)
	}

	guard, err := q.cfg.Lock.Lock()
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}
	if err := q.journal.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	corrupted := orig
	corrupted.MessageID = 999999
	if err := q.headers.Set(0, corrupted); err != nil {
		t.Fatalf("headers.Set: %v", err)
	}
	// Deliberately no Commit(): this leaves the journal dirty, simulating a
	// crash between the journaled write and the commit that would clear it.
	if err := guard.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	q2, err := Open(dir, params)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer q2.Close()

	got, err := q2.headers.Get(0)
	if err != nil {
		t.Fatalf("headers.Get after reopen: %v", err)
	}
	if got.MessageID != orig.MessageID {
		t.Fatalf("header.MessageID after reopen = %d, want %d (rollback must restore the pre-crash value)",
			got.MessageID, orig.MessageID)
	}

	stat, err := q2.Stat()
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if stat.JournalSize != 0 {
		t.Fatalf("JournalSize after reopen-rollback = %d, want 0", stat.JournalSize)
	}
}

func TestPush_RejectsOutOfRangeDelay(t *testing.T) {
	q := openQueue(t, defaultParams)
	if err := q.Push(-time.Second, []byte("x")); err == nil {
		t.Fatalf("Push with negative delay: want error, got nil")
	}
	if err := q.Push(MaxDelay+time.Second, []byte("x")); err == nil {
		t.Fatalf("Push with delay exceeding MaxDelay: want error, got nil")
	}
}

func TestPush_RejectsOversizedBody(t *testing.T) {
	q := openQueue(t, defaultParams)
	if err := q.Push(0, make([]byte, MaxBodySize+1)); err == nil {
		t.Fatalf("Push with oversized body: want error, got nil")
	}
}
