// Package sock implements the transport over plain TCP with RESP framing,
// keeping one pipelined connection per endpoint.
package sock

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/Perf-Org-5KRepos/data-broker/common/clusterinfo"
	"github.com/Perf-Org-5KRepos/data-broker/common/resp"
	"github.com/Perf-Org-5KRepos/data-broker/transport"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Options struct {
	Logger *zap.Logger
	// BufferSize sizes the pooled send buffers and the read buffer.
	BufferSize int
	// ReplyDepth is the capacity of the replies channel.
	ReplyDepth     int
	DialTimeout    time.Duration
	DialRetries    uint64
	RedialInterval time.Duration
	// InitCommands are written ahead of any other traffic on every new
	// connection. Their replies are discarded.
	InitCommands [][][]byte
}

type Transport struct {
	logger  *zap.Logger
	opts    Options
	bufs    *bufPool
	replies chan *transport.Reply
	closeCh chan struct{}

	lock   sync.Mutex
	conns  map[string]*conn
	closed bool
}

var _ transport.Transport = (*Transport)(nil)

func NewTransport(opts Options) *Transport {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64 * 1024
	}
	if opts.ReplyDepth <= 0 {
		opts.ReplyDepth = 1024
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.DialRetries == 0 {
		opts.DialRetries = 2
	}
	if opts.RedialInterval <= 0 {
		opts.RedialInterval = 50 * time.Millisecond
	}

	return &Transport{
		logger:  opts.Logger,
		opts:    opts,
		bufs:    newBufPool(opts.BufferSize),
		replies: make(chan *transport.Reply, opts.ReplyDepth),
		closeCh: make(chan struct{}),
		conns:   make(map[string]*conn),
	}
}

func (t *Transport) getConn(endpoint string) (*conn, error) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.closed {
		return nil, transport.ErrClosed
	}

	c := t.conns[endpoint]
	if c == nil {
		c = newConn(t, endpoint, clusterinfo.SplitEndpoint(endpoint))
		t.conns[endpoint] = c
		go c.run()
	}
	return c, nil
}

func (t *Transport) forget(c *conn) {
	t.lock.Lock()
	if t.conns[c.endpoint] == c {
		delete(t.conns, c.endpoint)
	}
	t.lock.Unlock()
}

func (t *Transport) deliver(r *transport.Reply) {
	select {
	case t.replies <- r:
	case <-t.closeCh:
	}
}

func (t *Transport) Send(endpoint string, tag uint64, args [][]byte) error {
	// a connection that died between lookup and enqueue is replaced once
	for attempt := 0; attempt < 2; attempt++ {
		c, err := t.getConn(endpoint)
		if err != nil {
			return err
		}

		err = c.enqueue(tag, args)
		if !errors.Is(err, transport.ErrConnectionLost) {
			return err
		}
	}
	return transport.ErrConnectionLost
}

func (t *Transport) Flush() error {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return transport.ErrClosed
	}
	conns := make([]*conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.lock.Unlock()

	for _, c := range conns {
		c.kick()
	}
	return nil
}

func (t *Transport) Replies() <-chan *transport.Reply {
	return t.replies
}

func (t *Transport) Query(ctx context.Context, endpoint string, args ...[]byte) (resp.Value, error) {
	t.lock.Lock()
	closed := t.closed
	t.lock.Unlock()
	if closed {
		return resp.Value{}, transport.ErrClosed
	}

	dialer := net.Dialer{Timeout: t.opts.DialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", clusterinfo.SplitEndpoint(endpoint))
	if err != nil {
		return resp.Value{}, errors.Wrapf(err, "failed to dial %s", endpoint)
	}
	defer netConn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = netConn.SetDeadline(deadline)
	}

	if _, err := netConn.Write(resp.AppendCommand(nil, args...)); err != nil {
		return resp.Value{}, errors.Wrapf(err, "failed to write query to %s", endpoint)
	}

	v, err := resp.NewReader(netConn).ReadValue()
	if err != nil {
		return resp.Value{}, errors.Wrapf(err, "failed to read query reply from %s", endpoint)
	}
	return v, nil
}

func (t *Transport) Close() error {
	t.lock.Lock()
	if t.closed {
		t.lock.Unlock()
		return transport.ErrClosed
	}
	t.closed = true
	conns := t.conns
	t.conns = make(map[string]*conn)
	t.lock.Unlock()

	close(t.closeCh)
	for _, c := range conns {
		c.fail(transport.ErrClosed)
	}
	return nil
}
