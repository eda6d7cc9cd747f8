package redis

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/Perf-Org-5KRepos/data-broker/backend"
	"github.com/Perf-Org-5KRepos/data-broker/common/resp"
	"github.com/Perf-Org-5KRepos/data-broker/pkg/metrics"
	"github.com/Perf-Org-5KRepos/data-broker/testutils"
	"github.com/Perf-Org-5KRepos/data-broker/transport"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
)

var (
	endpointA       = "sock://127.0.0.1:6300"
	endpointB       = "sock://127.0.0.1:6301"
	endpointReplica = "sock://127.0.0.2:6300"

	hostA       = testutils.HostPort{Host: "127.0.0.1", Port: 6300}
	hostB       = testutils.HostPort{Host: "127.0.0.1", Port: 6301}
	hostReplica = testutils.HostPort{Host: "127.0.0.2", Port: 6300}
)

// "bar" hashes to slot 5061 and "foo" to slot 12182.
const (
	lowKey  = "bar"
	highKey = "foo"
)

func singleNodeLayout() resp.Value {
	return resp.ArrayValue(testutils.SlotsEntryFor(0, 16383, hostA))
}

func splitLayout() resp.Value {
	return resp.ArrayValue(
		testutils.SlotsEntryFor(0, 8191, hostA, hostReplica),
		testutils.SlotsEntryFor(8192, 16383, hostB),
	)
}

func newTestBackend(t *testing.T, ft *fakeTransport, configure func(cfg *backend.Config)) *Backend {
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	cfg := backend.DefaultConfig()
	cfg.SeedAddress = endpointA
	cfg.RefreshInterval = 0
	if configure != nil {
		configure(&cfg)
	}

	be, err := Initialize(context.Background(), Options{
		Logger:    logger,
		Config:    cfg,
		Transport: ft,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = be.Exit() })
	return be
}

func waitCompletion(t *testing.T, be *Backend, h backend.Handle) *backend.Completion {
	var comp *backend.Completion
	require.Eventually(t, func() bool {
		c, err := be.Test(h)
		if err != nil {
			return false
		}
		comp = c
		return true
	}, 2*time.Second, time.Millisecond)
	return comp
}

func execute(t *testing.T, be *Backend, req *backend.Request) *backend.Completion {
	h, err := be.Post(req, true)
	require.NoError(t, err)
	return waitCompletion(t, be, h)
}

func TestInitializeFailures(t *testing.T) {
	ft := newFakeTransport()

	cfg := backend.DefaultConfig()
	cfg.WorkQueueDepth = 0
	be, err := Initialize(context.Background(), Options{Config: cfg, Transport: ft})
	require.ErrorIs(t, err, backend.ErrResourceExhausted)
	require.Nil(t, be)

	cfg = backend.DefaultConfig()
	cfg.SeedAddress = ""
	be, err = Initialize(context.Background(), Options{Config: cfg, Transport: ft})
	require.ErrorIs(t, err, backend.ErrInvalidArgument)
	require.Nil(t, be)

	// nothing answers at the seed
	cfg = backend.DefaultConfig()
	cfg.SeedAddress = endpointA
	be, err = Initialize(context.Background(), Options{Config: cfg, Transport: ft})
	require.ErrorIs(t, err, transport.ErrConnectionLost)
	require.Nil(t, be)

	// the seed answers but is not clustered
	ft.AddStore(endpointA)
	be, err = Initialize(context.Background(), Options{Config: cfg, Transport: ft})
	require.Error(t, err)
	require.Nil(t, be)
}

func TestPutGet(t *testing.T) {
	ft := newFakeTransport()
	storeA := ft.AddStore(endpointA)
	storeA.SetSlots(singleNodeLayout())

	be := newTestBackend(t, ft, nil)

	comp := execute(t, be, &backend.Request{
		Opcode: backend.OpPut,
		Key:    []byte(highKey),
		Value:  []byte("hello"),
		User:   "put-ctx",
	})
	require.Equal(t, backend.StatusOK, comp.Status)
	require.Equal(t, backend.OpPut, comp.Opcode)
	require.Equal(t, "put-ctx", comp.User)

	stored, ok := storeA.Get(highKey)
	require.True(t, ok)
	require.Equal(t, []byte("hello"), stored)

	dest := [][]byte{make([]byte, 2), make([]byte, 2), make([]byte, 2)}
	comp = execute(t, be, &backend.Request{
		Opcode: backend.OpGet,
		Key:    []byte(highKey),
		Dest:   dest,
	})
	require.Equal(t, backend.StatusOK, comp.Status)
	require.Equal(t, int64(5), comp.Rc)
	require.Equal(t, []byte("hello"), comp.Value)
	require.Equal(t, []byte("he"), dest[0])
	require.Equal(t, []byte("ll"), dest[1])
	require.Equal(t, byte('o'), dest[2][0])

	require.Zero(t, be.Outstanding())
}

func TestExistsRemoveAndMissingKeys(t *testing.T) {
	ft := newFakeTransport()
	ft.AddStore(endpointA).SetSlots(singleNodeLayout())

	be := newTestBackend(t, ft, nil)

	comp := execute(t, be, &backend.Request{Opcode: backend.OpGet, Key: []byte(lowKey)})
	require.Equal(t, backend.StatusNotFound, comp.Status)

	comp = execute(t, be, &backend.Request{Opcode: backend.OpPut, Key: []byte(lowKey), Value: []byte("v")})
	require.Equal(t, backend.StatusOK, comp.Status)

	comp = execute(t, be, &backend.Request{Opcode: backend.OpExists, Key: []byte(lowKey)})
	require.Equal(t, backend.StatusOK, comp.Status)
	require.Equal(t, int64(1), comp.Rc)

	comp = execute(t, be, &backend.Request{Opcode: backend.OpRemove, Key: []byte(lowKey)})
	require.Equal(t, backend.StatusOK, comp.Status)
	require.Equal(t, int64(1), comp.Rc)

	comp = execute(t, be, &backend.Request{Opcode: backend.OpExists, Key: []byte(lowKey)})
	require.Equal(t, backend.StatusNotFound, comp.Status)
	require.Zero(t, comp.Rc)

	comp = execute(t, be, &backend.Request{Opcode: backend.OpRemove, Key: []byte(lowKey)})
	require.Equal(t, backend.StatusNotFound, comp.Status)
}

func TestRoutesBySlot(t *testing.T) {
	ft := newFakeTransport()
	storeA := ft.AddStore(endpointA)
	storeA.SetSlots(splitLayout())
	storeB := ft.AddStore(endpointB)

	be := newTestBackend(t, ft, nil)
	require.Equal(t, 2, be.Topology().Size())

	for _, key := range []string{lowKey, highKey} {
		comp := execute(t, be, &backend.Request{Opcode: backend.OpPut, Key: []byte(key), Value: []byte(key)})
		require.Equal(t, backend.StatusOK, comp.Status)
	}

	_, ok := storeA.Get(lowKey)
	require.True(t, ok)
	_, ok = storeA.Get(highKey)
	require.False(t, ok)
	_, ok = storeB.Get(highKey)
	require.True(t, ok)
	require.Equal(t, 1, ft.Sent(endpointA))
	require.Equal(t, 1, ft.Sent(endpointB))
}

func TestPostWithoutTriggerWaitsForProgress(t *testing.T) {
	ft := newFakeTransport()
	ft.AddStore(endpointA).SetSlots(singleNodeLayout())

	be := newTestBackend(t, ft, nil)

	h, err := be.Post(&backend.Request{Opcode: backend.OpPut, Key: []byte(lowKey)}, false)
	require.NoError(t, err)
	require.Zero(t, ft.Sent(endpointA))

	comp, err := be.TestAny()
	require.NoError(t, err)
	require.Equal(t, h, comp.Handle)
	require.Equal(t, 1, ft.Sent(endpointA))

	_, err = be.TestAny()
	require.ErrorIs(t, err, backend.ErrNotFound)
}

func TestRedirectRefreshesAndRetries(t *testing.T) {
	ft := newFakeTransport()
	storeA := ft.AddStore(endpointA)
	storeA.SetSlots(singleNodeLayout())
	storeB := ft.AddStore(endpointB)

	be := newTestBackend(t, ft, nil)
	require.Equal(t, 1, be.Topology().Size())

	// the slot moved to B behind our back
	storeA.SetSlots(splitLayout())
	storeA.SetRedirect(func(cmd string, key string) string {
		if key == highKey {
			return "MOVED 12182 127.0.0.1:6301"
		}
		return ""
	})

	comp := execute(t, be, &backend.Request{Opcode: backend.OpPut, Key: []byte(highKey), Value: []byte("moved")})
	require.Equal(t, backend.StatusOK, comp.Status)

	stored, ok := storeB.Get(highKey)
	require.True(t, ok)
	require.Equal(t, []byte("moved"), stored)
	require.Equal(t, 1, ft.Sent(endpointA))
	require.Equal(t, 1, ft.Sent(endpointB))
	require.Equal(t, 2, be.Topology().Size())
}

func TestRepeatedRedirectFails(t *testing.T) {
	ft := newFakeTransport()
	storeA := ft.AddStore(endpointA)
	storeA.SetSlots(singleNodeLayout())
	storeA.SetRedirect(func(cmd string, key string) string {
		return "ASK 12182 127.0.0.1:6301"
	})

	be := newTestBackend(t, ft, nil)

	comp := execute(t, be, &backend.Request{Opcode: backend.OpGet, Key: []byte(highKey)})
	require.Equal(t, backend.StatusFailed, comp.Status)
	require.Error(t, comp.Err)
	require.Equal(t, 2, ft.Sent(endpointA))
}

func TestUnknownSlotParksUntilRefresh(t *testing.T) {
	ft := newFakeTransport()
	storeA := ft.AddStore(endpointA)
	storeA.SetSlots(resp.ArrayValue(testutils.SlotsEntryFor(0, 8191, hostA)))
	storeB := ft.AddStore(endpointB)

	be := newTestBackend(t, ft, nil)

	storeA.SetSlots(splitLayout())

	comp := execute(t, be, &backend.Request{Opcode: backend.OpPut, Key: []byte(highKey), Value: []byte("x")})
	require.Equal(t, backend.StatusOK, comp.Status)

	_, ok := storeB.Get(highKey)
	require.True(t, ok)
}

func TestReleasedRequestsKeepTheirPlace(t *testing.T) {
	ft := newFakeTransport()
	storeA := ft.AddStore(endpointA)
	storeA.SetSlots(resp.ArrayValue(testutils.SlotsEntryFor(0, 8191, hostA)))
	ft.AddStore(endpointB)

	be := newTestBackend(t, ft, nil)
	release := ft.GateQueries()

	parked, err := be.Post(&backend.Request{Opcode: backend.OpPut, Key: []byte(highKey), Value: []byte("x")}, true)
	require.NoError(t, err)
	newer, err := be.Post(&backend.Request{Opcode: backend.OpPut, Key: []byte(lowKey), Value: []byte("y")}, false)
	require.NoError(t, err)
	require.Empty(t, ft.SentKeys())

	storeA.SetSlots(splitLayout())
	release()

	// the refresh publishes and dispatches under the same lock
	require.Eventually(t, func() bool {
		return be.Topology().Size() == 2
	}, 2*time.Second, time.Millisecond)

	require.Equal(t, backend.StatusOK, waitCompletion(t, be, parked).Status)
	require.Equal(t, backend.StatusOK, waitCompletion(t, be, newer).Status)
	require.Equal(t, []string{highKey, lowKey}, ft.SentKeys())
}

func TestUnroutableSlotFails(t *testing.T) {
	ft := newFakeTransport()
	ft.AddStore(endpointA).SetSlots(resp.ArrayValue(testutils.SlotsEntryFor(0, 8191, hostA)))

	be := newTestBackend(t, ft, nil)

	comp := execute(t, be, &backend.Request{Opcode: backend.OpGet, Key: []byte(highKey)})
	require.Equal(t, backend.StatusFailed, comp.Status)
	require.ErrorIs(t, comp.Err, backend.ErrNotFound)
	require.Zero(t, ft.Sent(endpointA))
}

func TestErrorReplies(t *testing.T) {
	ft := newFakeTransport()
	storeA := ft.AddStore(endpointA)
	storeA.SetSlots(splitLayout())
	storeA.SetRedirect(func(cmd string, key string) string {
		return "ERR out of memory"
	})

	be := newTestBackend(t, ft, nil)

	comp := execute(t, be, &backend.Request{Opcode: backend.OpPut, Key: []byte(lowKey)})
	require.Equal(t, backend.StatusError, comp.Status)
	require.ErrorContains(t, comp.Err, "out of memory")

	// B was never registered, so it is unreachable
	comp = execute(t, be, &backend.Request{Opcode: backend.OpPut, Key: []byte(highKey)})
	require.Equal(t, backend.StatusError, comp.Status)
	require.ErrorIs(t, comp.Err, transport.ErrConnectionLost)
}

func TestCancelQueuedRequest(t *testing.T) {
	ft := newFakeTransport()
	ft.AddStore(endpointA).SetSlots(singleNodeLayout())

	be := newTestBackend(t, ft, nil)

	h, err := be.Post(&backend.Request{Opcode: backend.OpPut, Key: []byte(lowKey)}, false)
	require.NoError(t, err)

	require.NoError(t, be.Cancel(context.Background(), h))

	comp, err := be.Test(h)
	require.NoError(t, err)
	require.Equal(t, backend.StatusCanceled, comp.Status)
	require.Zero(t, ft.Sent(endpointA))

	require.ErrorIs(t, be.Cancel(context.Background(), h), backend.ErrNotFound)
}

func TestCancelInflightRequest(t *testing.T) {
	ft := newFakeTransport()
	ft.AddStore(endpointA).SetSlots(singleNodeLayout())

	be := newTestBackend(t, ft, nil)
	ft.Hold()

	h, err := be.Post(&backend.Request{Opcode: backend.OpGet, Key: []byte(lowKey)}, true)
	require.NoError(t, err)
	require.Equal(t, 1, ft.Sent(endpointA))

	require.NoError(t, be.Cancel(context.Background(), h))

	_, err = be.Test(h)
	require.ErrorIs(t, err, backend.ErrNotFound)

	ft.Release()
	comp := waitCompletion(t, be, h)
	require.Equal(t, backend.StatusCanceled, comp.Status)
}

func TestCancelWithConcurrentDrainer(t *testing.T) {
	const count = 100

	ft := newFakeTransport()
	ft.AddStore(endpointA).SetSlots(singleNodeLayout())

	be := newTestBackend(t, ft, nil)
	ft.Hold()

	handles := make([]backend.Handle, 0, count)
	for i := 0; i < count; i++ {
		h, err := be.Post(&backend.Request{Opcode: backend.OpPut, Key: []byte(lowKey), Value: []byte("v")}, true)
		require.NoError(t, err)
		handles = append(handles, h)
	}

	drainedCh := make(chan *backend.Completion, 2*count)
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		for {
			select {
			case <-stopCh:
				return
			default:
			}
			if c, err := be.TestAny(); err == nil {
				drainedCh <- c
			}
		}
	}()

	for _, h := range handles {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := be.Cancel(ctx, h)
		cancel()
		require.NoError(t, err)
	}
	ft.Release()

	for i := 0; i < count; i++ {
		select {
		case c := <-drainedCh:
			require.Equal(t, backend.OpPut, c.Opcode)
			require.Equal(t, backend.StatusCanceled, c.Status)
		case <-time.After(5 * time.Second):
			require.FailNow(t, "timed out draining canceled requests", "got %d of %d", i, count)
		}
	}

	close(stopCh)
	<-doneCh
	require.Empty(t, drainedCh)
	require.Zero(t, be.Outstanding())
}

func TestCanceledRequestsAreCounted(t *testing.T) {
	ft := newFakeTransport()
	ft.AddStore(endpointA).SetSlots(singleNodeLayout())

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	cfg := backend.DefaultConfig()
	cfg.SeedAddress = endpointA
	cfg.RefreshInterval = 0
	be, err := Initialize(context.Background(), Options{
		Config:    cfg,
		Transport: ft,
		Metrics:   metrics.NewBackendMetrics(provider.Meter("test")),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = be.Exit() })

	h, err := be.Post(&backend.Request{Opcode: backend.OpPut, Key: []byte(lowKey)}, false)
	require.NoError(t, err)
	require.NoError(t, be.Cancel(context.Background(), h))

	comp := execute(t, be, &backend.Request{Opcode: backend.OpPut, Key: []byte(lowKey), Value: []byte("v")})
	require.Equal(t, backend.StatusOK, comp.Status)

	require.Equal(t, int64(1), counterValue(t, reader, "dbbe_requests_canceled_total"))
}

func counterValue(t *testing.T, reader sdkmetric.Reader, name string) int64 {
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	require.FailNow(t, "metric not recorded", name)
	return 0
}

func TestCancelUnknownHandle(t *testing.T) {
	ft := newFakeTransport()
	ft.AddStore(endpointA).SetSlots(singleNodeLayout())

	be := newTestBackend(t, ft, nil)

	require.ErrorIs(t, be.Cancel(context.Background(), backend.NewHandle()), backend.ErrNotFound)
}

func TestBackpressure(t *testing.T) {
	ft := newFakeTransport()
	ft.AddStore(endpointA).SetSlots(singleNodeLayout())

	be := newTestBackend(t, ft, func(cfg *backend.Config) {
		cfg.WorkQueueDepth = 2
	})

	req := &backend.Request{Opcode: backend.OpExists, Key: []byte(lowKey)}
	_, err := be.Post(req, false)
	require.NoError(t, err)
	_, err = be.Post(req, false)
	require.NoError(t, err)

	_, err = be.Post(req, false)
	require.ErrorIs(t, err, backend.ErrResourceExhausted)

	// completions hold their slot until they are retrieved
	_, err = be.TestAny()
	require.NoError(t, err)

	_, err = be.Post(req, false)
	require.NoError(t, err)
	_, err = be.Post(req, false)
	require.ErrorIs(t, err, backend.ErrResourceExhausted)
}

func TestReplicaReads(t *testing.T) {
	ft := newFakeTransport()
	storeA := ft.AddStore(endpointA)
	storeA.SetSlots(resp.ArrayValue(testutils.SlotsEntryFor(0, 16383, hostA, hostReplica)))
	storeReplica := ft.AddStore(endpointReplica)
	storeReplica.Execute(resp.Args("SET", lowKey, "from-replica"))

	be := newTestBackend(t, ft, func(cfg *backend.Config) {
		cfg.ReplicaReads = true
	})

	comp := execute(t, be, &backend.Request{Opcode: backend.OpPut, Key: []byte(lowKey), Value: []byte("from-master")})
	require.Equal(t, backend.StatusOK, comp.Status)
	require.Equal(t, 1, ft.Sent(endpointA))

	comp = execute(t, be, &backend.Request{Opcode: backend.OpGet, Key: []byte(lowKey)})
	require.Equal(t, backend.StatusOK, comp.Status)
	require.Equal(t, []byte("from-replica"), comp.Value)
	require.Equal(t, 1, ft.Sent(endpointReplica))
	require.Equal(t, 1, ft.Sent(endpointA))
}

func TestSetReplicaReads(t *testing.T) {
	ft := newFakeTransport()
	storeA := ft.AddStore(endpointA)
	storeA.SetSlots(resp.ArrayValue(testutils.SlotsEntryFor(0, 16383, hostA, hostReplica)))
	storeA.Execute(resp.Args("SET", lowKey, "from-master"))
	storeReplica := ft.AddStore(endpointReplica)
	storeReplica.Execute(resp.Args("SET", lowKey, "from-replica"))

	be := newTestBackend(t, ft, nil)

	get := func() []byte {
		comp := execute(t, be, &backend.Request{Opcode: backend.OpGet, Key: []byte(lowKey)})
		require.Equal(t, backend.StatusOK, comp.Status)
		return comp.Value
	}

	require.Equal(t, []byte("from-master"), get())

	be.SetReplicaReads(true)
	require.Equal(t, []byte("from-replica"), get())
	require.Equal(t, 1, ft.Sent(endpointReplica))

	be.SetReplicaReads(false)
	require.Equal(t, []byte("from-master"), get())
	require.Equal(t, 2, ft.Sent(endpointA))
	require.Equal(t, 1, ft.Sent(endpointReplica))
}

func TestClusterConnectionsAreReadOnly(t *testing.T) {
	store := testutils.NewFakeStore()
	addr := testutils.StartRESPServer(t, store.Execute)

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	store.SetSlots(resp.ArrayValue(testutils.SlotsEntryFor(0, 16383, testutils.HostPort{Host: host, Port: port})))

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	cfg := backend.DefaultConfig()
	cfg.SeedAddress = addr
	cfg.RefreshInterval = 0
	cfg.WorkQueueDepth = 16
	be, err := Initialize(context.Background(), Options{
		Logger: logger,
		Config: cfg,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = be.Exit() })

	comp := execute(t, be, &backend.Request{Opcode: backend.OpPut, Key: []byte(lowKey), Value: []byte("v")})
	require.Equal(t, backend.StatusOK, comp.Status)

	// replica reads are off, yet the connection is ready for them
	require.Equal(t, 1, store.ReadOnlyCount())
}

func TestTopologyMaintenance(t *testing.T) {
	ft := newFakeTransport()
	ft.AddStore(endpointA).SetSlots(splitLayout())

	be := newTestBackend(t, ft, nil)

	require.ErrorIs(t, be.PromoteEndpoint(""), backend.ErrInvalidArgument)
	require.ErrorIs(t, be.PromoteEndpoint("sock://10.0.0.1:1"), backend.ErrNotFound)
	require.NoError(t, be.PromoteEndpoint(endpointReplica))

	master, ok := be.Topology().GetServer(0).GetMaster()
	require.True(t, ok)
	require.Equal(t, endpointReplica, master)

	require.ErrorIs(t, be.RemoveNode(""), backend.ErrInvalidArgument)
	require.ErrorIs(t, be.RemoveNode("sock://10.0.0.1:1"), backend.ErrNotFound)
	require.NoError(t, be.RemoveNode(endpointB))
	require.Equal(t, 1, be.Topology().Size())

	// snapshots belong to the caller
	snapshot := be.Topology()
	require.NoError(t, snapshot.Destroy())
	require.Equal(t, 1, be.Topology().Size())
}

func TestStandalone(t *testing.T) {
	ft := newFakeTransport()
	storeA := ft.AddStore(endpointA)

	be := newTestBackend(t, ft, func(cfg *backend.Config) {
		cfg.Clustered = false
		cfg.SeedAddress = "127.0.0.1:6300"
	})
	require.Zero(t, ft.Queries())
	require.Equal(t, 1, be.Topology().Size())

	for _, key := range []string{lowKey, highKey} {
		comp := execute(t, be, &backend.Request{Opcode: backend.OpPut, Key: []byte(key), Value: []byte("v")})
		require.Equal(t, backend.StatusOK, comp.Status)
		_, ok := storeA.Get(key)
		require.True(t, ok)
	}
}

func TestBackgroundRefresh(t *testing.T) {
	ft := newFakeTransport()
	storeA := ft.AddStore(endpointA)
	storeA.SetSlots(singleNodeLayout())

	be := newTestBackend(t, ft, func(cfg *backend.Config) {
		cfg.RefreshInterval = 10 * time.Millisecond
	})
	require.Equal(t, 1, be.Topology().Size())

	storeA.SetSlots(splitLayout())
	require.Eventually(t, func() bool {
		return be.Topology().Size() == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestExit(t *testing.T) {
	ft := newFakeTransport()
	ft.AddStore(endpointA).SetSlots(singleNodeLayout())

	be := newTestBackend(t, ft, nil)

	_, err := be.Post(&backend.Request{Opcode: backend.OpPut, Key: []byte(lowKey)}, false)
	require.NoError(t, err)

	require.NoError(t, be.Exit())
	require.ErrorIs(t, be.Exit(), backend.ErrClosed)

	_, err = be.Post(&backend.Request{Opcode: backend.OpPut, Key: []byte(lowKey)}, true)
	require.ErrorIs(t, err, backend.ErrClosed)
	require.Nil(t, be.Topology())
	require.ErrorIs(t, be.RemoveNode(endpointA), backend.ErrClosed)
	require.Zero(t, be.Outstanding())

	_, err = be.Test(backend.NewHandle())
	require.ErrorIs(t, err, backend.ErrClosed)
	_, err = be.TestAny()
	require.ErrorIs(t, err, backend.ErrClosed)

	// the transport was supplied by the caller and stays open
	require.NoError(t, ft.Close())

	var nilBackend *Backend
	require.ErrorIs(t, nilBackend.Exit(), backend.ErrInvalidArgument)
	_, err = nilBackend.TestAny()
	require.True(t, errors.Is(err, backend.ErrInvalidArgument))
}
