package queue

import (
	"sync"

	"github.com/Perf-Org-5KRepos/data-broker/backend"
	"golang.org/x/exp/slices"
)

// Queue is a bounded FIFO safe for concurrent producers and consumers. A
// full queue rejects new entries instead of blocking.
type Queue[T any] struct {
	lock     sync.Mutex
	items    []T
	capacity int
}

func New[T any](capacity int) *Queue[T] {
	return &Queue[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
	}
}

func (q *Queue[T]) Push(item T) error {
	q.lock.Lock()
	defer q.lock.Unlock()

	if len(q.items) >= q.capacity {
		return backend.ErrResourceExhausted
	}
	q.items = append(q.items, item)
	return nil
}

// PushFront places item at the head, used to requeue work that must keep
// its place ahead of newer submissions.
func (q *Queue[T]) PushFront(item T) error {
	q.lock.Lock()
	defer q.lock.Unlock()

	if len(q.items) >= q.capacity {
		return backend.ErrResourceExhausted
	}
	q.items = slices.Insert(q.items, 0, item)
	return nil
}

func (q *Queue[T]) Pop() (T, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()

	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	item := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return item, true
}

// RemoveFunc removes and returns the first entry matching match.
func (q *Queue[T]) RemoveFunc(match func(T) bool) (T, bool) {
	q.lock.Lock()
	defer q.lock.Unlock()

	return q.removeFuncLocked(match)
}

func (q *Queue[T]) removeFuncLocked(match func(T) bool) (T, bool) {
	var zero T
	idx := slices.IndexFunc(q.items, match)
	if idx < 0 {
		return zero, false
	}
	item := q.items[idx]
	q.items = slices.Delete(q.items, idx, idx+1)
	return item, true
}

// Drain empties the queue and returns its contents in order.
func (q *Queue[T]) Drain() []T {
	q.lock.Lock()
	defer q.lock.Unlock()

	out := q.items
	q.items = make([]T, 0, q.capacity)
	return out
}

func (q *Queue[T]) Len() int {
	q.lock.Lock()
	defer q.lock.Unlock()
	return len(q.items)
}

func (q *Queue[T]) Cap() int {
	return q.capacity
}
