package sock

import (
	"bufio"
	"context"
	"math"
	"net"
	"sync"

	"github.com/Perf-Org-5KRepos/data-broker/common/resp"
	"github.com/Perf-Org-5KRepos/data-broker/transport"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// initTag marks the replies to InitCommands, which are not delivered.
const initTag = math.MaxUint64

// conn pipelines commands to one endpoint. Commands are buffered by enqueue
// and written by the run loop when kicked; replies are matched to tags in
// the order the commands were enqueued.
type conn struct {
	t        *Transport
	logger   *zap.Logger
	endpoint string
	address  string

	ctx    context.Context
	cancel context.CancelFunc
	kickCh chan struct{}

	lock    sync.Mutex
	outBuf  []byte
	tags    []uint64
	dead    bool
	netConn net.Conn
}

func newConn(t *Transport, endpoint, address string) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		t:        t,
		logger:   t.logger.With(zap.String("endpoint", endpoint)),
		endpoint: endpoint,
		address:  address,
		ctx:      ctx,
		cancel:   cancel,
		kickCh:   make(chan struct{}, 1),
		outBuf:   t.bufs.Get(),
	}
	for _, args := range t.opts.InitCommands {
		c.outBuf = resp.AppendCommand(c.outBuf, args...)
		c.tags = append(c.tags, initTag)
	}
	return c
}

func (c *conn) enqueue(tag uint64, args [][]byte) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.dead {
		return transport.ErrConnectionLost
	}
	c.outBuf = resp.AppendCommand(c.outBuf, args...)
	c.tags = append(c.tags, tag)
	return nil
}

func (c *conn) kick() {
	select {
	case c.kickCh <- struct{}{}:
	default:
	}
}

func (c *conn) dial() (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.t.opts.DialTimeout}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.t.opts.RedialInterval
	b.MaxElapsedTime = 0

	var netConn net.Conn
	err := backoff.Retry(func() error {
		var err error
		netConn, err = dialer.DialContext(c.ctx, "tcp", c.address)
		if err != nil {
			c.logger.Debug("dial attempt failed", zap.Error(err))
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, c.t.opts.DialRetries), c.ctx))
	if err != nil {
		return nil, err
	}
	return netConn, nil
}

func (c *conn) run() {
	netConn, err := c.dial()
	if err != nil {
		c.fail(errors.Wrap(err, "dial failed"))
		return
	}

	c.lock.Lock()
	if c.dead {
		c.lock.Unlock()
		_ = netConn.Close()
		return
	}
	c.netConn = netConn
	c.lock.Unlock()

	c.logger.Debug("connected", zap.String("address", c.address))

	go c.readLoop(netConn)

	for {
		select {
		case <-c.kickCh:
			if err := c.writePending(netConn); err != nil {
				c.fail(errors.Wrap(err, "write failed"))
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *conn) writePending(netConn net.Conn) error {
	c.lock.Lock()
	batch := c.outBuf
	if len(batch) == 0 {
		c.lock.Unlock()
		return nil
	}
	c.outBuf = c.t.bufs.Get()
	c.lock.Unlock()

	_, err := netConn.Write(batch)
	c.t.bufs.Put(batch)
	return err
}

func (c *conn) readLoop(netConn net.Conn) {
	rd := resp.NewReader(bufio.NewReaderSize(netConn, c.t.opts.BufferSize))
	for {
		v, err := rd.ReadValue()
		if err != nil {
			c.fail(errors.Wrap(err, "read failed"))
			return
		}

		c.lock.Lock()
		if len(c.tags) == 0 {
			c.lock.Unlock()
			c.fail(errors.Wrap(resp.ErrProtocol, "reply without a pending command"))
			return
		}
		tag := c.tags[0]
		c.tags = c.tags[1:]
		c.lock.Unlock()

		if tag == initTag {
			if v.IsError() {
				c.logger.Warn("connection init command failed", zap.String("reply", string(v.Str)))
			}
			continue
		}

		c.t.deliver(&transport.Reply{
			Tag:      tag,
			Endpoint: c.endpoint,
			Value:    v,
		})
	}
}

// fail tears the connection down and answers every pending command with an
// error. Later sends to the endpoint open a fresh connection.
func (c *conn) fail(cause error) {
	c.lock.Lock()
	if c.dead {
		c.lock.Unlock()
		return
	}
	c.dead = true
	tags := c.tags
	c.tags = nil
	netConn := c.netConn
	c.lock.Unlock()

	c.cancel()
	if netConn != nil {
		_ = netConn.Close()
	}
	c.t.forget(c)

	if !errors.Is(cause, transport.ErrClosed) {
		c.logger.Warn("connection failed",
			zap.Int("pendingCommands", len(tags)),
			zap.Error(cause))
	}

	for _, tag := range tags {
		if tag == initTag {
			continue
		}
		c.t.deliver(&transport.Reply{
			Tag:      tag,
			Endpoint: c.endpoint,
			Err:      errors.Wrapf(transport.ErrConnectionLost, "%s: %v", c.endpoint, cause),
		})
	}
}
