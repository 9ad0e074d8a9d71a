// Package prioq implements an array-backed binary min-heap ordered by a
// caller-supplied comparer.
//
// Unlike container/heap, every stored element is tracked by a Handle that
// follows it through sift operations, so an arbitrary element can be removed
// or re-keyed in O(log n) without scanning the array.
package prioq

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned for a nil comparer or a negative capacity.
	ErrInvalidArgument = errors.New("prioq: invalid argument")
	// ErrEmpty is returned by Peek and Dequeue on an empty queue.
	ErrEmpty = errors.New("prioq: queue is empty")
)

// Handle identifies one stored element. It stays valid until the element
// leaves the queue.
type Handle[T any] struct {
	value T
	index int // slot in Queue.items, -1 once removed
}

// Value returns the element the handle refers to.
func (h *Handle[T]) Value() T { return h.value }

// Queued reports whether the element is still stored in a queue.
func (h *Handle[T]) Queued() bool { return h != nil && h.index >= 0 }

// Queue is a binary min-heap. It is not safe for concurrent use.
type Queue[T any] struct {
	items []*Handle[T]
	cmp   func(a, b T) int
}

// New creates an empty queue ordered by cmp.
func New[T any](cmp func(a, b T) int) (*Queue[T], error) {
	return NewWithCapacity(0, cmp)
}

// NewWithCapacity creates an empty queue with room for capacity elements.
func NewWithCapacity[T any](capacity int, cmp func(a, b T) int) (*Queue[T], error) {
	if cmp == nil {
		return nil, fmt.Errorf("%w: comparer is nil", ErrInvalidArgument)
	}
	if capacity < 0 {
		return nil, fmt.Errorf("%w: negative capacity %d", ErrInvalidArgument, capacity)
	}
	return &Queue[T]{items: make([]*Handle[T], 0, capacity), cmp: cmp}, nil
}

// Len returns the number of stored elements.
func (q *Queue[T]) Len() int { return len(q.items) }

// Enqueue inserts v and returns its handle.
func (q *Queue[T]) Enqueue(v T) *Handle[T] {
	h := &Handle[T]{value: v, index: len(q.items)}
	q.items = append(q.items, h)
	q.up(h.index)
	return h
}

// Peek returns the minimum element without removing it.
func (q *Queue[T]) Peek() (T, error) {
	if len(q.items) == 0 {
		var zero T
		return zero, ErrEmpty
	}
	return q.items[0].value, nil
}

// PeekHandle returns the handle of the minimum element, or nil when empty.
func (q *Queue[T]) PeekHandle() *Handle[T] {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// Dequeue removes and returns the minimum element.
func (q *Queue[T]) Dequeue() (T, error) {
	if len(q.items) == 0 {
		var zero T
		return zero, ErrEmpty
	}
	h := q.items[0]
	q.removeAt(0)
	return h.value, nil
}

// Contains reports whether an element comparer-equal to v is stored.
func (q *Queue[T]) Contains(v T) bool {
	return q.find(v) >= 0
}

// Remove removes one stored element comparer-equal to v. It reports whether
// an element was removed.
func (q *Queue[T]) Remove(v T) bool {
	i := q.find(v)
	if i < 0 {
		return false
	}
	q.removeAt(i)
	return true
}

// RemoveHandle removes the element identified by h. It reports false when h
// does not belong to this queue or was already removed.
func (q *Queue[T]) RemoveHandle(h *Handle[T]) bool {
	if !q.owns(h) {
		return false
	}
	q.removeAt(h.index)
	return true
}

// Fix restores heap order after the ordering key of h's element changed.
func (q *Queue[T]) Fix(h *Handle[T]) {
	if !q.owns(h) {
		return
	}
	if !q.down(h.index) {
		q.up(h.index)
	}
}

// Drain removes every element and returns them in heap-array order.
func (q *Queue[T]) Drain() []T {
	out := make([]T, len(q.items))
	for i, h := range q.items {
		out[i] = h.value
		h.index = -1
	}
	clear(q.items)
	q.items = q.items[:0]
	return out
}

// Each calls fn for every stored element in heap-array order. fn must not
// mutate the queue.
func (q *Queue[T]) Each(fn func(T)) {
	for _, h := range q.items {
		fn(h.value)
	}
}

func (q *Queue[T]) owns(h *Handle[T]) bool {
	return h != nil && h.index >= 0 && h.index < len(q.items) && q.items[h.index] == h
}

func (q *Queue[T]) find(v T) int {
	for i, h := range q.items {
		if q.cmp(h.value, v) == 0 {
			return i
		}
	}
	return -1
}

// removeAt moves the last element into slot i and sifts it whichever way
// restores order.
func (q *Queue[T]) removeAt(i int) {
	last := len(q.items) - 1
	removed := q.items[i]
	if i != last {
		q.swap(i, last)
	}
	q.items[last] = nil
	q.items = q.items[:last]
	removed.index = -1
	if i < last {
		if !q.down(i) {
			q.up(i)
		}
	}
}

func (q *Queue[T]) less(i, j int) bool {
	return q.cmp(q.items[i].value, q.items[j].value) < 0
}

func (q *Queue[T]) swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *Queue[T]) up(j int) {
	for j > 0 {
		parent := (j - 1) / 2
		if !q.less(j, parent) {
			break
		}
		q.swap(parent, j)
		j = parent
	}
}

// down reports whether the element at i moved.
func (q *Queue[T]) down(i int) bool {
	start := i
	n := len(q.items)
	for {
		left := 2*i + 1
		if left >= n {
			break
		}
		child := left
		if right := left + 1; right < n && q.less(right, left) {
			child = right
		}
		if !q.less(child, i) {
			break
		}
		q.swap(i, child)
		i = child
	}
	return i > start
}
