// Package stub implements the backend protocol without a transport. Posted
// requests stay queued until they are canceled, which makes it the reference
// for how queueing, cancellation and retrieval interact.
package stub

import (
	"context"
	"sync"

	"github.com/Perf-Org-5KRepos/data-broker/backend"
	"github.com/Perf-Org-5KRepos/data-broker/backend/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

type Options struct {
	Logger *zap.Logger
	Config backend.Config
}

type queuedRequest struct {
	handle backend.Handle
	req    *backend.Request
}

type Backend struct {
	logger *zap.Logger

	lock        sync.Mutex
	closed      bool
	slots       *semaphore.Weighted
	requests    *queue.Queue[*queuedRequest]
	completions *queue.CompletionQueue
	sendBuf     []byte

	// cancelWaiters holds the cancel requests a Cancel call is waiting on.
	// TestAny never hands those out.
	cancelWaiters map[backend.Handle]struct{}
}

var _ backend.Backend = (*Backend)(nil)

// Initialize allocates the queues and send buffer. Nothing is returned
// unless every piece was set up.
func Initialize(opts Options) (*Backend, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		logger.Error("failed to allocate stub backend", zap.Error(err))
		return nil, backend.ErrResourceExhausted
	}

	return &Backend{
		logger:      logger,
		slots:       semaphore.NewWeighted(int64(cfg.WorkQueueDepth)),
		requests:    queue.New[*queuedRequest](cfg.WorkQueueDepth),
		completions: queue.NewCompletionQueue(cfg.WorkQueueDepth),
		sendBuf:     make([]byte, 0, cfg.BufferSize),

		cancelWaiters: make(map[backend.Handle]struct{}),
	}, nil
}

func (b *Backend) Post(req *backend.Request, trigger bool) (backend.Handle, error) {
	return b.post(req, trigger, false)
}

// post queues req. A cancel posted with waited set is reserved for the
// Cancel call that issued it.
func (b *Backend) post(req *backend.Request, trigger, waited bool) (backend.Handle, error) {
	if b == nil || req == nil {
		return backend.NilHandle, backend.ErrInvalidArgument
	}
	if !req.Opcode.Valid() {
		return backend.NilHandle, backend.ErrUnsupportedOp
	}
	if len(req.Key) == 0 {
		return backend.NilHandle, backend.ErrInvalidArgument
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	if b.closed {
		return backend.NilHandle, backend.ErrClosed
	}
	if !b.slots.TryAcquire(1) {
		return backend.NilHandle, backend.ErrResourceExhausted
	}

	h := backend.NewHandle()
	if req.Opcode == backend.OpCancel {
		if waited {
			b.cancelWaiters[h] = struct{}{}
		}
		b.cancelLocked(h, req)
		return h, nil
	}

	err := b.requests.Push(&queuedRequest{handle: h, req: req})
	if err != nil {
		b.slots.Release(1)
		return backend.NilHandle, err
	}

	b.logger.Debug("queued request",
		zap.Stringer("handle", h),
		zap.Stringer("opcode", req.Opcode),
		zap.Bool("trigger", trigger))

	return h, nil
}

// cancelLocked handles a cancellation request in line: a queued target is
// completed as canceled and the cancel request itself completes at once.
func (b *Backend) cancelLocked(h backend.Handle, req *backend.Request) {
	status := backend.StatusNotFound

	target, err := backend.ParseHandle(string(req.Key))
	if err == nil {
		queued, found := b.requests.RemoveFunc(func(q *queuedRequest) bool {
			return q.handle == target
		})
		if found {
			b.complete(&backend.Completion{
				Handle: target,
				Opcode: queued.req.Opcode,
				Status: backend.StatusCanceled,
				User:   queued.req.User,
			})
			status = backend.StatusOK
		}
	}

	b.complete(&backend.Completion{
		Handle: h,
		Opcode: backend.OpCancel,
		Status: status,
		Err:    err,
		User:   req.User,
	})
}

func (b *Backend) complete(c *backend.Completion) {
	if err := b.completions.Push(c); err != nil {
		b.logger.Error("dropping completion, completion queue full",
			zap.Stringer("handle", c.Handle), zap.Error(err))
	}
}

// Cancel posts a cancellation for h and waits until it has completed.
func (b *Backend) Cancel(ctx context.Context, h backend.Handle) error {
	if b == nil {
		return backend.ErrInvalidArgument
	}

	ch, err := b.post(backend.NewCancelRequest(h), true, true)
	if err != nil {
		return err
	}

	c, err := b.completions.Wait(ctx, ch)

	b.lock.Lock()
	delete(b.cancelWaiters, ch)
	if err != nil {
		if late, ok := b.completions.Take(ch); ok {
			c, err = late, nil
		}
	}
	b.lock.Unlock()

	if err != nil {
		return err
	}
	b.slots.Release(1)

	switch c.Status {
	case backend.StatusOK:
		return nil
	case backend.StatusNotFound:
		return backend.ErrNotFound
	}
	return c.Err
}

func (b *Backend) Test(h backend.Handle) (*backend.Completion, error) {
	if b == nil {
		return nil, backend.ErrInvalidArgument
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	if b.closed {
		return nil, backend.ErrClosed
	}
	c, ok := b.completions.Take(h)
	if !ok {
		return nil, backend.ErrNotFound
	}
	b.slots.Release(1)
	return c, nil
}

func (b *Backend) TestAny() (*backend.Completion, error) {
	if b == nil {
		return nil, backend.ErrInvalidArgument
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	if b.closed {
		return nil, backend.ErrClosed
	}
	c, ok := b.completions.PopFunc(func(c *backend.Completion) bool {
		_, reserved := b.cancelWaiters[c.Handle]
		return !reserved
	})
	if !ok {
		return nil, backend.ErrNotFound
	}
	b.slots.Release(1)
	return c, nil
}

// Pending returns the number of requests still queued.
func (b *Backend) Pending() int {
	if b == nil {
		return 0
	}
	return b.requests.Len()
}

func (b *Backend) Exit() error {
	if b == nil {
		return backend.ErrInvalidArgument
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	if b.closed {
		return backend.ErrClosed
	}
	b.closed = true

	dropped := len(b.requests.Drain())
	unclaimed := len(b.completions.Drain())
	b.sendBuf = nil

	b.logger.Debug("stub backend released",
		zap.Int("droppedRequests", dropped),
		zap.Int("unclaimedCompletions", unclaimed))
	return nil
}
