package arraylist

import (
	"encoding/binary"
	"path/filepath"
	"testing"

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

func openList(t *testing.T) *MappedArrayList[uint32] {
	t.Helper()
	mf, err := mmap.Open(filepath.Join(t.TempDir(), "list.dat"), 4096)
	if err != nil {
		t.Fatalf("mmap.Open: %v", err)
	}
	t.Cleanup(func() { mf.Close() })

	l, err := Open[uint32](mf, u32Adapter{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return l
}

func TestAdd_GetRoundTrip(t *testing.T) {
	l := openList(t)

	for i, v := range []uint32{10, 20, 30} {
		idx, err := l.Add(v)
		if err != nil {
			t.Fatalf("Add(%d): %v", v, err)
		}
		if idx != i {
			t.Fatalf("Add(%d) index = %d, want %d", v, idx, i)
		}
	}

	size, err := l.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 3 {
		t.Fatalf("Size() = %d, want 3", size)
	}

	for i, want := range []uint32{10, 20, 30} {
		got, err := l.Get(i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if got != want {
			t.Fatalf("Get(%d) = %d, want %d", i, got, want)
		}
	}
}

func TestSet_OverwritesInPlace(t *testing.T) {
	l := openList(t)
	if _, err := l.Add(1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := l.Add(2); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if err := l.Set(0, 99); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := l.Get(0)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != 99 {
		t.Fatalf("Get(0) after Set = %d, want 99", got)
	}

	size, err := l.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 2 {
		t.Fatalf("Size() after Set = %d, want unchanged 2", size)
	}
}

func TestRemoveLast_ShrinksAndReturnsRemoved(t *testing.T) {
	l := openList(t)
	if _, err := l.Add(1); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := l.Add(2); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := l.Add(3); err != nil {
		t.Fatalf("Add: %v", err)
	}

	v, err := l.RemoveLast()
	if err != nil {
		t.Fatalf("RemoveLast: %v", err)
	}
	if v != 3 {
		t.Fatalf("RemoveLast() = %d, want 3", v)
	}

	size, err := l.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 2 {
		t.Fatalf("Size() after RemoveLast = %d, want 2", size)
	}
}

func TestRemoveLast_OnEmptyList_Errors(t *testing.T) {
	l := openList(t)
	if _, err := l.RemoveLast(); err == nil {
		t.Fatalf("RemoveLast on empty list: want error, got nil")
	}
}

func TestGet_OutOfRange_Errors(t *testing.T) {
	l := openList(t)
	if _, err := l.Add(1); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, err := l.Get(1); err == nil {
		t.Fatalf("Get(1) with size 1: want error, got nil")
	}
	if _, err := l.Get(-1); err == nil {
		t.Fatalf("Get(-1): want error, got nil")
	}
}

func TestClear_ResetsCountToZero(t *testing.T) {
	l := openList(t)
	for _, v := range []uint32{1, 2, 3} {
		if _, err := l.Add(v); err != nil {
			t.Fatalf("Add(%d): %v", v, err)
		}
	}

	if err := l.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}

	size, err := l.Size()
	if err != nil {
		t.Fatalf("Size: %v", err)
	}
	if size != 0 {
		t.Fatalf("Size() after Clear = %d, want 0", size)
	}

	// Adding again after Clear should reuse index 0.
	idx, err := l.Add(42)
	if err != nil {
		t.Fatalf("Add after Clear: %v", err)
	}
	if idx != 0 {
		t.Fatalf("Add index after Clear = %d, want 0", idx)
	}
}

func TestOpen_RejectsMismatchedRecordSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "list.dat")
	mf, err := mmap.Open(path, 4096)
	if err != nil {
		t.Fatalf("mmap.Open: %v", err)
	}

	if _, err := Open[uint32](mf, u32Adapter{}); err != nil {
		t.Fatalf("initial Open: %v", err)
	}
	if err := mf.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	mf2, err := mmap.Open(path, 0)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer mf2.Close()

	// Reopening with an adapter claiming a different record size must fail
	// rather than silently misinterpret the on-disk layout.
	if _, err := Open[uint32](mf2, sizeOverride{8}); err == nil {
		t.Fatalf("Open with mismatched record size: want error, got nil")
	}
}

// sizeOverride reports a fixed Size() unrelated to its Encode/Decode, used
// only to force a record-size mismatch against data written by u32Adapter.
type sizeOverride struct {
	size int
}

func (s sizeOverride) Size() int                { return s.size }
func (sizeOverride) Encode(v uint32, buf []byte) { binary.LittleEndian.PutUint32(buf, v) }
func (sizeOverride) Decode(buf []byte) uint32    { return binary.LittleEndian.Uint32(buf) }
