package redis

import (
	"context"
	"sync"

	"github.com/Perf-Org-5KRepos/data-broker/common/resp"
	"github.com/Perf-Org-5KRepos/data-broker/testutils"
	"github.com/Perf-Org-5KRepos/data-broker/transport"
	"github.com/pkg/errors"
)

type sentCommand struct {
	endpoint string
	tag      uint64
	args     [][]byte
}

// fakeTransport executes commands against in-memory stores when flushed and
// delivers the replies synchronously. Endpoints without a store behave like
// unreachable nodes.
type fakeTransport struct {
	lock    sync.Mutex
	stores  map[string]*testutils.FakeStore
	queued  []sentCommand
	held    []sentCommand
	hold    bool
	sent    map[string]int
	sendLog []sentCommand
	queries int
	closed  bool
	replies chan *transport.Reply

	// queryGate, when set, holds every Query until it is closed.
	queryGate chan struct{}
}

var _ transport.Transport = (*fakeTransport)(nil)

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		stores:  make(map[string]*testutils.FakeStore),
		sent:    make(map[string]int),
		replies: make(chan *transport.Reply, 1024),
	}
}

func (f *fakeTransport) AddStore(endpoint string) *testutils.FakeStore {
	store := testutils.NewFakeStore()
	f.lock.Lock()
	f.stores[endpoint] = store
	f.lock.Unlock()
	return store
}

// Hold keeps flushed commands in flight until Release.
func (f *fakeTransport) Hold() {
	f.lock.Lock()
	f.hold = true
	f.lock.Unlock()
}

func (f *fakeTransport) Release() {
	f.lock.Lock()
	held := f.held
	f.held = nil
	f.hold = false
	f.lock.Unlock()

	for _, cmd := range held {
		f.execute(cmd)
	}
}

func (f *fakeTransport) Sent(endpoint string) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.sent[endpoint]
}

// SentKeys returns the key of every command sent, in send order.
func (f *fakeTransport) SentKeys() []string {
	f.lock.Lock()
	defer f.lock.Unlock()

	keys := make([]string, 0, len(f.sendLog))
	for _, cmd := range f.sendLog {
		if len(cmd.args) > 1 {
			keys = append(keys, string(cmd.args[1]))
		}
	}
	return keys
}

// GateQueries blocks discovery queries until the returned func is called.
func (f *fakeTransport) GateQueries() func() {
	gate := make(chan struct{})
	f.lock.Lock()
	f.queryGate = gate
	f.lock.Unlock()

	return func() {
		f.lock.Lock()
		f.queryGate = nil
		f.lock.Unlock()
		close(gate)
	}
}

func (f *fakeTransport) Queries() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.queries
}

func (f *fakeTransport) Send(endpoint string, tag uint64, args [][]byte) error {
	f.lock.Lock()
	defer f.lock.Unlock()

	if f.closed {
		return transport.ErrClosed
	}
	cmd := sentCommand{endpoint: endpoint, tag: tag, args: args}
	f.queued = append(f.queued, cmd)
	f.sendLog = append(f.sendLog, cmd)
	f.sent[endpoint]++
	return nil
}

func (f *fakeTransport) Flush() error {
	f.lock.Lock()
	if f.closed {
		f.lock.Unlock()
		return transport.ErrClosed
	}
	queued := f.queued
	f.queued = nil
	if f.hold {
		f.held = append(f.held, queued...)
		f.lock.Unlock()
		return nil
	}
	f.lock.Unlock()

	for _, cmd := range queued {
		f.execute(cmd)
	}
	return nil
}

func (f *fakeTransport) execute(cmd sentCommand) {
	f.lock.Lock()
	store := f.stores[cmd.endpoint]
	f.lock.Unlock()

	if store == nil {
		f.replies <- &transport.Reply{
			Tag:      cmd.tag,
			Endpoint: cmd.endpoint,
			Err:      errors.Wrapf(transport.ErrConnectionLost, "%s unreachable", cmd.endpoint),
		}
		return
	}
	f.replies <- &transport.Reply{
		Tag:      cmd.tag,
		Endpoint: cmd.endpoint,
		Value:    store.Execute(cmd.args),
	}
}

func (f *fakeTransport) Replies() <-chan *transport.Reply {
	return f.replies
}

func (f *fakeTransport) Query(ctx context.Context, endpoint string, args ...[]byte) (resp.Value, error) {
	f.lock.Lock()
	gate := f.queryGate
	f.lock.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return resp.Value{}, ctx.Err()
		}
	}

	f.lock.Lock()
	store := f.stores[endpoint]
	f.queries++
	f.lock.Unlock()

	if err := ctx.Err(); err != nil {
		return resp.Value{}, err
	}
	if store == nil {
		return resp.Value{}, errors.Wrapf(transport.ErrConnectionLost, "%s unreachable", endpoint)
	}
	return store.Execute(args), nil
}

func (f *fakeTransport) Close() error {
	f.lock.Lock()
	defer f.lock.Unlock()
	if f.closed {
		return transport.ErrClosed
	}
	f.closed = true
	return nil
}
