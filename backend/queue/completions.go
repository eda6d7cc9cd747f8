package queue

import (
	"context"

	"github.com/Perf-Org-5KRepos/data-broker/backend"
)

// CompletionQueue holds finished requests until they are retrieved. Waiters
// are woken on every push.
type CompletionQueue struct {
	q      *Queue[*backend.Completion]
	notify chan struct{}
}

func NewCompletionQueue(capacity int) *CompletionQueue {
	return &CompletionQueue{
		q:      New[*backend.Completion](capacity),
		notify: make(chan struct{}),
	}
}

func (c *CompletionQueue) Push(comp *backend.Completion) error {
	c.q.lock.Lock()
	defer c.q.lock.Unlock()

	if len(c.q.items) >= c.q.capacity {
		return backend.ErrResourceExhausted
	}
	c.q.items = append(c.q.items, comp)

	close(c.notify)
	c.notify = make(chan struct{})
	return nil
}

func (c *CompletionQueue) Pop() (*backend.Completion, bool) {
	return c.q.Pop()
}

// PopFunc removes the oldest completion accepted by match.
func (c *CompletionQueue) PopFunc(match func(*backend.Completion) bool) (*backend.Completion, bool) {
	return c.q.RemoveFunc(match)
}

// Take removes the completion for h, leaving every other entry in place.
func (c *CompletionQueue) Take(h backend.Handle) (*backend.Completion, bool) {
	return c.q.RemoveFunc(func(comp *backend.Completion) bool {
		return comp.Handle == h
	})
}

// Wait blocks until the completion for h is available and removes it.
func (c *CompletionQueue) Wait(ctx context.Context, h backend.Handle) (*backend.Completion, error) {
	for {
		c.q.lock.Lock()
		comp, ok := c.q.removeFuncLocked(func(comp *backend.Completion) bool {
			return comp.Handle == h
		})
		notify := c.notify
		c.q.lock.Unlock()

		if ok {
			return comp, nil
		}

		select {
		case <-notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *CompletionQueue) Len() int {
	return c.q.Len()
}

func (c *CompletionQueue) Drain() []*backend.Completion {
	return c.q.Drain()
}
