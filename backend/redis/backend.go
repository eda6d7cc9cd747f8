// Package redis implements the backend protocol against a sharded store
// speaking RESP, routing each request by hash slot to the node that owns it.
package redis

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Perf-Org-5KRepos/data-broker/backend"
	"github.com/Perf-Org-5KRepos/data-broker/backend/queue"
	"github.com/Perf-Org-5KRepos/data-broker/common/clusterinfo"
	"github.com/Perf-Org-5KRepos/data-broker/common/hashslot"
	"github.com/Perf-Org-5KRepos/data-broker/common/resp"
	"github.com/Perf-Org-5KRepos/data-broker/pkg/metrics"
	"github.com/Perf-Org-5KRepos/data-broker/transport"
	"github.com/Perf-Org-5KRepos/data-broker/transport/sock"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/semaphore"
)

type Options struct {
	Logger *zap.Logger
	Config backend.Config
	// Transport carries commands to the store. When nil a sock transport is
	// created and closed with the backend.
	Transport transport.Transport
	Metrics   *metrics.BackendMetrics
}

type requestState int

const (
	stateQueued requestState = iota
	stateInflight
	stateParked
	stateDone
)

type pending struct {
	handle   backend.Handle
	req      *backend.Request
	slot     int
	state    requestState
	endpoint string
	tag      uint64
	// retried is set once the request has been parked for a refresh.
	retried  bool
	parkSeq  uint64
	canceled bool
	span     trace.Span
	posted   time.Time
}

type Backend struct {
	logger        *zap.Logger
	cfg           backend.Config
	seed          string
	transport     transport.Transport
	ownsTransport bool
	metrics       *metrics.BackendMetrics
	tracer        trace.Tracer

	ctx       context.Context
	ctxCancel context.CancelFunc
	watcher   *topologyWatcher

	topology      atomicTopology
	replicaReads  atomic.Bool
	replicaCursor atomic.Uint64

	lock        sync.Mutex
	closed      bool
	slots       *semaphore.Weighted
	requests    *queue.Queue[*pending]
	completions *queue.CompletionQueue
	byHandle    map[backend.Handle]*pending
	inflight    map[uint64]*pending
	parked      []*pending
	parkSeq     uint64
	nextTag     uint64

	// cancelWaiters holds the cancel requests a Cancel call is waiting on.
	// TestAny never hands those out.
	cancelWaiters map[backend.Handle]struct{}

	refreshLock    sync.Mutex
	refreshWanted  bool
	refreshRunning bool
	refreshWg      sync.WaitGroup
}

var _ backend.Backend = (*Backend)(nil)

// Initialize sets up the queues and transport and loads the initial
// topology. Discovery may block on the network until ctx ends. On any
// failure everything allocated so far is released.
func Initialize(ctx context.Context, opts Options) (*Backend, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		logger.Error("failed to allocate redis backend", zap.Error(err))
		return nil, backend.ErrResourceExhausted
	}

	seed, err := normalizeSeed(cfg.SeedAddress)
	if err != nil {
		return nil, err
	}

	metricsOut := opts.Metrics
	if metricsOut == nil {
		metricsOut = metrics.GetBackendMetrics()
	}

	b := &Backend{
		logger:      logger,
		cfg:         cfg,
		seed:        seed,
		transport:   opts.Transport,
		metrics:     metricsOut,
		tracer:      otel.Tracer("com.databroker.backend"),
		slots:       semaphore.NewWeighted(int64(cfg.WorkQueueDepth)),
		requests:    queue.New[*pending](cfg.WorkQueueDepth),
		completions: queue.NewCompletionQueue(cfg.WorkQueueDepth),
		byHandle:    make(map[backend.Handle]*pending),
		inflight:    make(map[uint64]*pending),

		cancelWaiters: make(map[backend.Handle]struct{}),
	}
	b.replicaReads.Store(cfg.ReplicaReads)

	if b.transport == nil {
		// Every cluster connection is opened in read-only mode so replica
		// reads can be switched on without reconnecting.
		var initCommands [][][]byte
		if cfg.Clustered {
			initCommands = append(initCommands, readOnlyCmd)
		}
		b.transport = sock.NewTransport(sock.Options{
			Logger:       logger.Named("transport"),
			BufferSize:   cfg.BufferSize,
			ReplyDepth:   cfg.WorkQueueDepth,
			DialTimeout:  cfg.DiscoveryTimeout,
			InitCommands: initCommands,
		})
		b.ownsTransport = true
	}

	b.ctx, b.ctxCancel = context.WithCancel(context.Background())

	ci, err := b.discover(ctx)
	if err != nil {
		b.ctxCancel()
		if b.ownsTransport {
			_ = b.transport.Close()
		}
		logger.Error("initial topology discovery failed",
			zap.String("seed", seed),
			zap.Error(err))
		return nil, err
	}

	b.lock.Lock()
	b.publishLocked(ci)
	b.lock.Unlock()

	if cfg.Clustered && cfg.RefreshInterval > 0 {
		b.watcher = newTopologyWatcher(&topologyWatcherOptions{
			Interval: cfg.RefreshInterval,
			Refresh:  b.refresh,
			Logger:   logger,
		})
	}

	return b, nil
}

// normalizeSeed accepts a bare host:port as shorthand for a sock endpoint.
func normalizeSeed(addr string) (string, error) {
	if addr == "" {
		return "", errors.Wrap(backend.ErrInvalidArgument, "seed address is empty")
	}
	if !strings.Contains(addr, "://") {
		addr = clusterinfo.Scheme + "://" + addr
	}
	if len(addr) > clusterinfo.MaxURLLength {
		return "", errors.Wrapf(backend.ErrInvalidArgument, "seed address longer than %d bytes", clusterinfo.MaxURLLength)
	}
	return addr, nil
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

	p := &pending{
		handle: h,
		req:    req,
		slot:   hashslot.Slot(req.Key),
		state:  stateQueued,
		posted: time.Now(),
	}
	if err := b.requests.Push(p); err != nil {
		b.slots.Release(1)
		return backend.NilHandle, err
	}
	b.byHandle[h] = p

	_, p.span = b.tracer.Start(context.Background(), "dbbe."+req.Opcode.String(),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "redis"),
			attribute.String("dbbe.handle", h.String()),
			attribute.Int("dbbe.slot", p.slot),
		))

	opAttr := metric.WithAttributes(attribute.String("opcode", req.Opcode.String()))
	b.metrics.RequestsPosted.Add(context.Background(), 1, opAttr)
	b.metrics.RequestsOutstanding.Add(context.Background(), 1)

	if trigger {
		b.flushLocked()
	}
	return h, nil
}

// cancelLocked serves a cancellation request without a round trip. Queued
// and parked targets complete as canceled right away; an in-flight target
// is marked so its reply completes it as canceled.
func (b *Backend) cancelLocked(h backend.Handle, req *backend.Request) {
	status := backend.StatusNotFound

	target, err := backend.ParseHandle(string(req.Key))
	if err == nil {
		if p := b.byHandle[target]; p != nil {
			switch p.state {
			case stateQueued:
				b.requests.RemoveFunc(func(q *pending) bool { return q == p })
				b.completeLocked(p, backend.StatusCanceled, 0, nil, nil)
			case stateParked:
				b.parked = slices.DeleteFunc(b.parked, func(q *pending) bool { return q == p })
				b.completeLocked(p, backend.StatusCanceled, 0, nil, nil)
			case stateInflight:
				p.canceled = true
			}
			status = backend.StatusOK
		}
	}

	b.pushCompletionLocked(&backend.Completion{
		Handle: h,
		Opcode: backend.OpCancel,
		Status: status,
		Err:    err,
		User:   req.User,
	})
}

// flushLocked dispatches every queued request and flushes the transport.
func (b *Backend) flushLocked() {
	dispatched := 0
	for {
		p, ok := b.requests.Pop()
		if !ok {
			break
		}
		if b.dispatchLocked(p) {
			dispatched++
		}
	}

	if dispatched > 0 {
		if err := b.transport.Flush(); err != nil {
			b.logger.Warn("transport flush failed", zap.Error(err))
		}
	}
}

func (b *Backend) dispatchLocked(p *pending) bool {
	si := b.topology.Load().route(p.slot)
	endpoint, ok := b.selectEndpoint(si, p.req.Opcode)
	if !ok {
		b.retryLocked(p, errors.Wrapf(backend.ErrNotFound, "no node serves slot %d", p.slot))
		return false
	}

	args, err := encodeCommand(p.req)
	if err != nil {
		b.completeLocked(p, backend.StatusError, 0, nil, err)
		return false
	}

	tag := b.nextTag
	b.nextTag++
	if err := b.transport.Send(endpoint, tag, args); err != nil {
		b.completeLocked(p, backend.StatusError, 0, nil,
			errors.Wrapf(err, "failed to send to %s", endpoint))
		return false
	}

	p.state = stateInflight
	p.endpoint = endpoint
	p.tag = tag
	b.inflight[tag] = p
	p.span.SetAttributes(attribute.String("server.address", endpoint))
	return true
}

// selectEndpoint picks the master, or for reads with replica reads enabled
// the next replica in round-robin order.
func (b *Backend) selectEndpoint(si *clusterinfo.ServerInfo, op backend.Opcode) (string, bool) {
	master, ok := si.GetMaster()
	if !ok {
		return "", false
	}
	if !b.replicaReads.Load() || op.IsWrite() {
		return master, true
	}

	replicas := slices.DeleteFunc(si.Addresses(), func(addr string) bool {
		return addr == master
	})
	if len(replicas) == 0 {
		return master, true
	}
	next := b.replicaCursor.Add(1)
	return replicas[next%uint64(len(replicas))], true
}

// SetReplicaReads switches reads between masters and replicas. Requests
// already sent are unaffected.
func (b *Backend) SetReplicaReads(enabled bool) {
	if b == nil {
		return
	}
	if b.replicaReads.Swap(enabled) != enabled {
		b.logger.Info("replica reads changed", zap.Bool("enabled", enabled))
	}
}

func (b *Backend) ReplicaReads() bool {
	return b != nil && b.replicaReads.Load()
}

// retryLocked parks p until the next topology refresh lands. A request gets
// one retry; the second routing failure is terminal.
func (b *Backend) retryLocked(p *pending, cause error) {
	if p.retried {
		b.completeLocked(p, backend.StatusFailed, 0, nil,
			errors.Wrap(cause, "request unroutable after topology refresh"))
		return
	}

	p.retried = true
	p.state = stateParked
	b.parkSeq++
	p.parkSeq = b.parkSeq
	b.parked = append(b.parked, p)

	b.logger.Debug("parked request for topology refresh",
		zap.Stringer("handle", p.handle),
		zap.Int("slot", p.slot),
		zap.Error(cause))
	b.requestRefresh()
}

// progressLocked dispatches queued work and converts every reply already
// received into a completion. It never waits for the network.
func (b *Backend) progressLocked() {
	if b.closed {
		return
	}

	b.flushLocked()

	replies := b.transport.Replies()
	for {
		select {
		case r := <-replies:
			b.handleReplyLocked(r)
		default:
			return
		}
	}
}

func (b *Backend) handleReplyLocked(r *transport.Reply) {
	p := b.inflight[r.Tag]
	if p == nil {
		b.logger.Debug("dropping reply for unknown tag",
			zap.Uint64("tag", r.Tag),
			zap.String("endpoint", r.Endpoint))
		return
	}

	if p.canceled {
		b.completeLocked(p, backend.StatusCanceled, 0, nil, nil)
		return
	}

	if r.Err != nil {
		if b.cfg.Clustered {
			b.requestRefresh()
		}
		b.completeLocked(p, backend.StatusError, 0, nil, r.Err)
		return
	}

	v := r.Value
	if v.IsError() {
		msg := string(v.Str)
		if isRedirect(msg) {
			b.metrics.Redirects.Add(context.Background(), 1)
			delete(b.inflight, p.tag)
			b.retryLocked(p, errors.Errorf("%s redirected request: %s", r.Endpoint, msg))
			return
		}
		b.completeLocked(p, backend.StatusError, 0, nil, errors.Errorf("%s: %s", r.Endpoint, msg))
		return
	}

	b.completeReplyLocked(p, v)
}

func isRedirect(msg string) bool {
	return strings.HasPrefix(msg, "MOVED ") || strings.HasPrefix(msg, "ASK ")
}

func (b *Backend) completeReplyLocked(p *pending, v resp.Value) {
	switch p.req.Opcode {
	case backend.OpPut:
		if v.Kind == resp.KindStatus {
			b.completeLocked(p, backend.StatusOK, 0, nil, nil)
			return
		}
	case backend.OpGet:
		if v.IsNil() {
			b.completeLocked(p, backend.StatusNotFound, 0, nil, nil)
			return
		}
		if v.Kind == resp.KindString {
			rc := backend.Scatter(p.req.Dest, v.Str)
			b.completeLocked(p, backend.StatusOK, rc, v.Str, nil)
			return
		}
	case backend.OpRemove, backend.OpExists:
		if n, ok := v.AsInt(); ok {
			status := backend.StatusOK
			if n == 0 {
				status = backend.StatusNotFound
			}
			b.completeLocked(p, status, n, nil, nil)
			return
		}
	}

	b.completeLocked(p, backend.StatusError, 0, nil,
		errors.Wrapf(backend.ErrMalformedReply, "unexpected %s reply to %s", v.Kind, p.req.Opcode))
}

// completeLocked moves p to the completion queue. It must only be called
// for requests that are no longer queued.
func (b *Backend) completeLocked(p *pending, status backend.Status, rc int64, value []byte, err error) {
	if p.state == stateInflight {
		delete(b.inflight, p.tag)
	}
	p.state = stateDone
	delete(b.byHandle, p.handle)

	span := p.span
	span.SetAttributes(attribute.String("dbbe.status", status.String()))
	if err != nil {
		span.RecordError(err)
	}
	if status == backend.StatusError || status == backend.StatusFailed {
		span.SetStatus(codes.Error, status.String())
	}
	span.End()

	ctx := context.Background()
	b.metrics.RequestsCompleted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("opcode", p.req.Opcode.String()),
		attribute.String("status", status.String())))
	b.metrics.RequestsOutstanding.Add(ctx, -1)
	b.metrics.RequestLatency.Record(ctx, time.Since(p.posted).Seconds())
	if status == backend.StatusCanceled {
		b.metrics.RequestsCanceled.Add(ctx, 1)
	}

	b.pushCompletionLocked(&backend.Completion{
		Handle: p.handle,
		Opcode: p.req.Opcode,
		Status: status,
		Rc:     rc,
		Value:  value,
		Err:    err,
		User:   p.req.User,
	})
}

func (b *Backend) pushCompletionLocked(c *backend.Completion) {
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
	b.progressLocked()

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
	b.progressLocked()

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

// Outstanding returns the number of requests posted but not yet completed.
func (b *Backend) Outstanding() int {
	if b == nil {
		return 0
	}
	b.lock.Lock()
	defer b.lock.Unlock()
	return len(b.byHandle)
}

// Exit drops all outstanding work, stops the refresh machinery and closes
// a transport the backend created itself.
func (b *Backend) Exit() error {
	if b == nil {
		return backend.ErrInvalidArgument
	}

	b.lock.Lock()
	if b.closed {
		b.lock.Unlock()
		return backend.ErrClosed
	}
	b.closed = true

	dropped := len(b.byHandle)
	for _, p := range b.byHandle {
		p.span.SetStatus(codes.Error, "backend closed")
		p.span.End()
	}
	b.metrics.RequestsOutstanding.Add(context.Background(), -int64(dropped))
	b.requests.Drain()
	b.byHandle = make(map[backend.Handle]*pending)
	b.inflight = make(map[uint64]*pending)
	b.parked = nil
	unclaimed := len(b.completions.Drain())
	b.lock.Unlock()

	b.ctxCancel()
	if b.watcher != nil {
		b.watcher.Close()
	}
	b.refreshWg.Wait()

	if b.ownsTransport {
		if err := b.transport.Close(); err != nil {
			b.logger.Warn("failed to close transport", zap.Error(err))
		}
	}

	if cur := b.topology.Load(); cur != nil {
		b.topology.Store(nil)
		_ = cur.Cluster.Destroy()
	}

	b.logger.Debug("redis backend released",
		zap.Int("droppedRequests", dropped),
		zap.Int("unclaimedCompletions", unclaimed))
	return nil
}
