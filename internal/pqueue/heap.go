// Package pqueue implements MappedHeap, a file-backed binary min-heap over
// a [arraylist.MappedArrayList], used by the queue to order messages by
// next visibility time.
package pqueue

import (
	"fmt"

	"github.com/sharedmq/sharedmq/internal/arraylist"
	"github.com/sharedmq/sharedmq/internal/qerrors"
)

// Comparator orders two heap elements; it must return <0, 0, or >0 the way
// [sort] comparators do. The heap is a min-heap: the element comparing
// least sits at the root.
type Comparator[T any] func(a, b T) int

// Relocate is invoked each time the heap writes an element to an index, so a
// caller can keep an external back-reference (the queue's
// headers[slot].heapIndex) in sync with the heap's physical layout. An
// element that moves several levels is reported once per level; the last
// call for it carries its current index.
type Relocate[T any] func(value T, newIndex int)

// MappedHeap is a binary min-heap persisted in a MappedArrayList. Every
// write that places an element at an index invokes the registered Relocate
// callback for that element (so one mutation may report the same element
// more than once), and relocations can themselves be journaled by whatever
// write the callback performs.
type MappedHeap[T any] struct {
	list     *arraylist.MappedArrayList[T]
	less     Comparator[T]
	relocate Relocate[T]
}

// New wraps list as a min-heap ordered by less. relocate is invoked for
// every element whose index changes; it may be nil if the caller doesn't
// need back-references.
func New[T any](list *arraylist.MappedArrayList[T], less Comparator[T], relocate Relocate[T]) *MappedHeap[T] {
	if relocate == nil {
		relocate = func(T, int) {}
	}
	return &MappedHeap[T]{list: list, less: less, relocate: relocate}
}

// Size returns the number of elements in the heap.
func (h *MappedHeap[T]) Size() (int, error) {
	return h.list.Size()
}

// Peek returns the minimum element without removing it.
func (h *MappedHeap[T]) Peek() (T, error) {
	var zero T
	size, err := h.Size()
	if err != nil {
		return zero, err
	}
	if size == 0 {
		return zero, fmt.Errorf("%w: heap: Peek on empty heap", qerrors.ErrInvariant)
	}
	return h.list.Get(0)
}

func parent(i int) int { return (i - 1) / 2 }
func left(i int) int   { return 2*i + 1 }
func right(i int) int  { return 2*i + 2 }

func (h *MappedHeap[T]) get(i int) (T, error) { return h.list.Get(i) }

func (h *MappedHeap[T]) set(i int, v T) error {
	if err := h.list.Set(i, v); err != nil {
		return err
	}
	h.relocate(v, i)
	return nil
}

// Add inserts v and returns the index it settles at after sifting up.
func (h *MappedHeap[T]) Add(v T) (int, error) {
	idx, err := h.list.Add(v)
	if err != nil {
		return 0, err
	}
	// Add() already placed v physically at idx; fire its initial relocation
	// so callers always learn the index an element was inserted at, then
	// let siftUp move it further if needed.
	h.relocate(v, idx)
	return h.siftUp(idx)
}

// Poll removes and returns the minimum element.
func (h *MappedHeap[T]) Poll() (T, error) {
	var zero T
	min, err := h.Peek()
	if err != nil {
		return zero, err
	}
	if _, err := h.RemoveAt(0); err != nil {
		return zero, err
	}
	return min, nil
}

// RemoveAt removes the element at index i, returning it. The last element
// is moved into i's place (after being logically removed from the tail),
// then sifted down and up as needed - at most one of the two actually moves
// it, per the heap invariant.
func (h *MappedHeap[T]) RemoveAt(i int) (T, error) {
	var zero T
	size, err := h.Size()
	if err != nil {
		return zero, err
	}
	if i < 0 || i >= size {
		return zero, fmt.Errorf("%w: heap: RemoveAt index %d out of range [0,%d)", qerrors.ErrInvariant, i, size)
	}

	removed, err := h.get(i)
	if err != nil {
		return zero, err
	}

	last, err := h.list.RemoveLast()
	if err != nil {
		return zero, err
	}

	if i == size-1 {
		// Removed element was the tail itself; nothing to move.
		return removed, nil
	}

	if err := h.set(i, last); err != nil {
		return zero, err
	}

	if _, err := h.siftDown(i); err != nil {
		return zero, err
	}
	if _, err := h.siftUp(i); err != nil {
		return zero, err
	}

	return removed, nil
}

func (h *MappedHeap[T]) siftUp(i int) (int, error) {
	for i > 0 {
		p := parent(i)

		vi, err := h.get(i)
		if err != nil {
			return 0, err
		}
		vp, err := h.get(p)
		if err != nil {
			return 0, err
		}

		if h.less(vp, vi) <= 0 {
			break
		}

		if err := h.set(i, vp); err != nil {
			return 0, err
		}
		if err := h.set(p, vi); err != nil {
			return 0, err
		}

		i = p
	}
	return i, nil
}

func (h *MappedHeap[T]) siftDown(i int) (int, error) {
	size, err := h.Size()
	if err != nil {
		return 0, err
	}

	for {
		smallest := i
		l, r := left(i), right(i)

		vSmallest, err := h.get(smallest)
		if err != nil {
			return 0, err
		}

		if l < size {
			vl, err := h.get(l)
			if err != nil {
				return 0, err
			}
			if h.less(vl, vSmallest) < 0 {
				smallest = l
				vSmallest = vl
			}
		}
		if r < size {
			vr, err := h.get(r)
			if err != nil {
				return 0, err
			}
			if h.less(vr, vSmallest) < 0 {
				smallest = r
				vSmallest = vr
			}
		}

		if smallest == i {
			return i, nil
		}

		vi, err := h.get(i)
		if err != nil {
			return 0, err
		}

		if err := h.set(i, vSmallest); err != nil {
			return 0, err
		}
		if err := h.set(smallest, vi); err != nil {
			return 0, err
		}

		i = smallest
	}
}
