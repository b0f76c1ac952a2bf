package pqueue

import (
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/sharedmq/sharedmq/internal/arraylist"
	"github.com/sharedmq/sharedmq/internal/mmap"
)

type u32Adapter struct{}

func (u32Adapter) Size() int { return 4 }
func (u32Adapter) Encode(v uint32, buf []byte) {
	binary.LittleEndian.PutUint32(buf, v)
}
func (u32Adapter) Decode(buf []byte) uint32 {
	return binary.LittleEndian.Uint32(buf)
}

func lessU32(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func newHeap(t *testing.T) (*MappedHeap[uint32], map[uint32]int) {
	t.Helper()
	mf, err := mmap.Open(filepath.Join(t.TempDir(), "heap.dat"), 4096)
	if err != nil {
		t.Fatalf("mmap.Open: %v", err)
	}
	t.Cleanup(func() { mf.Close() })

	list, err := arraylist.Open[uint32](mf, u32Adapter{})
	if err != nil {
		t.Fatalf("arraylist.Open: %v", err)
	}

	positions := make(map[uint32]int)
	relocate := func(v uint32, idx int) { positions[v] = idx }

	return New(list, lessU32, relocate), positions
}

// assertHeapInvariant walks the whole array checking
// heap[parent(i)] <= heap[i] for every i, and cross-checks every relocation
// the heap has reported against the element's actual physical index.
func assertHeapInvariant(t *testing.T, h *MappedHeap[uint32], positions map[uint32]int) {
	t.Helper()
	size, err := h.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}

	values := make([]uint32, size)
	for i := 0; i < size; i++ {
		v, err := h.get(i)
		if err != nil {
			t.Fatalf("get(%d): %v", i, err)
		}
		values[i] = v
		if i > 0 {
			p := parent(i)
			if values[p] > v {
				t.Fatalf("heap invariant violated: parent[%d]=%d > child[%d]=%d", p, values[p], i, v)
			}
		}
	}

	for i, v := range values {
		if got := positions[v]; got != i {
			t.Fatalf("relocate table for value %d says index %d, actual index is %d", v, got, i)
		}
	}
}

func TestAdd_MaintainsHeapInvariant(t *testing.T) {
	h, positions := newHeap(t)

	for _, v := range []uint32{50, 30, 70, 10, 90, 20, 5, 100, 1} {
		if _, err := h.Add(v); err != nil {
			t.Fatalf("Add(%d): %v", v, err)
		}
		assertHeapInvariant(t, h, positions)
	}
}

func TestPeek_ReturnsMinimum(t *testing.T) {
	h, _ := newHeap(t)
	for _, v := range []uint32{50, 30, 70, 10, 90} {
		if _, err := h.Add(v); err != nil {
			t.Fatalf("Add(%d): %v", v, err)
		}
	}

	min, err := h.Peek()
	if err != nil {
		t.Fatalf("Peek: %v", err)
	}
	if min != 10 {
		t.Fatalf("Peek() = %d, want 10", min)
	}
}

func TestPoll_ReturnsInAscendingOrder(t *testing.T) {
	h, positions := newHeap(t)
	input := []uint32{50, 30, 70, 10, 90, 20, 5, 100, 1, 42}
	for _, v := range input {
		if _, err := h.Add(v); err != nil {
			t.Fatalf("Add(%d): %v", v, err)
		}
	}

	var got []uint32
	for {
		size, err := h.Size()
		if err != nil {
			t.Fatalf("Size: %v", err)
		}
		if size == 0 {
			break
		}
		v, err := h.Poll()
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		got = append(got, v)
		assertHeapInvariant(t, h, positions)
	}

	want := append([]uint32(nil), input...)
	// insertion sort for the expected order
	for i := 1; i < len(want); i++ {
		for j := i; j > 0 && want[j-1] > want[j]; j-- {
			want[j-1], want[j] = want[j], want[j-1]
		}
	}

	if len(got) != len(want) {
		t.Fatalf("Poll sequence length = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Poll sequence[%d] = %d, want %d (full: got=%v want=%v)", i, got[i], want[i], got, want)
		}
	}
}

func TestRemoveAt_ArbitraryIndex_PreservesInvariant(t *testing.T) {
	h, positions := newHeap(t)
	for _, v := range []uint32{50, 30, 70, 10, 90, 20, 5, 100, 1, 42} {
		if _, err := h.Add(v); err != nil {
			t.Fatalf("Add(%d): %v", v, err)
		}
	}

	target := positions[90]
	removed, err := h.RemoveAt(target)
	if err != nil {
		t.Fatalf("RemoveAt(%d): %v", target, err)
	}
	if removed != 90 {
		t.Fatalf("RemoveAt(%d) = %d, want 90", target, removed)
	}

	assertHeapInvariant(t, h, positions)

	size, err := h.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 9 {
		t.Fatalf("Size() after RemoveAt = %d, want 9", size)
	}
}

func TestRemoveAt_LastElement_NoMoveNeeded(t *testing.T) {
	h, positions := newHeap(t)
	for _, v := range []uint32{1, 2, 3} {
		if _, err := h.Add(v); err != nil {
			t.Fatalf("Add(%d): %v", v, err)
		}
	}

	size, err := h.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}

	removed, err := h.RemoveAt(size - 1)
	if err != nil {
		t.Fatalf("RemoveAt: %v", err)
	}
	_ = removed
	assertHeapInvariant(t, h, positions)
}

func TestRemoveAt_OutOfRange_Errors(t *testing.T) {
	h, _ := newHeap(t)
	if _, err := h.Add(1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := h.RemoveAt(5); err == nil {
		t.Fatalf("RemoveAt(5) with size 1: want error, got nil")
	}
}

func TestPeek_OnEmptyHeap_Errors(t *testing.T) {
	h, _ := newHeap(t)
	if _, err := h.Peek(); err == nil {
		t.Fatalf("Peek on empty heap: want error, got nil")
	}
}
