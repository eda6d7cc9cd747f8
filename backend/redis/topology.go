package redis

import (
	"context"
	"sync/atomic"

	"github.com/Perf-Org-5KRepos/data-broker/backend"
	"github.com/Perf-Org-5KRepos/data-broker/common/clusterinfo"
	"github.com/Perf-Org-5KRepos/data-broker/common/resp"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// topology is one immutable published snapshot. Changes are made on a clone
// and swapped in whole.
type topology struct {
	Revision uint64
	Cluster  *clusterinfo.ClusterInfo
	Slots    *clusterinfo.SlotMap
}

func newTopology(revision uint64, ci *clusterinfo.ClusterInfo) *topology {
	return &topology{
		Revision: revision,
		Cluster:  ci,
		Slots:    clusterinfo.BuildSlotMap(ci),
	}
}

// route returns the node owning slot, or nil when the snapshot has no owner.
func (t *topology) route(slot int) *clusterinfo.ServerInfo {
	if t == nil {
		return nil
	}
	return t.Cluster.GetServer(t.Slots.Owner(slot))
}

type atomicTopology struct {
	Value atomic.Pointer[topology]
}

func (t *atomicTopology) Load() *topology {
	return t.Value.Load()
}

func (t *atomicTopology) Store(new *topology) {
	t.Value.Store(new)
}

var clusterSlotsCmd = resp.Args("CLUSTER", "SLOTS")

// discover builds a fresh cluster description. Standalone deployments get a
// single node for the seed; clustered ones ask the known masters and then the
// seed until one answers with a valid topology.
func (b *Backend) discover(ctx context.Context) (*clusterinfo.ClusterInfo, error) {
	if !b.cfg.Clustered {
		return clusterinfo.CreateSingleCluster(b.seed)
	}

	var lastErr error
	for _, endpoint := range b.discoveryCandidates() {
		queryCtx, cancel := context.WithTimeout(ctx, b.cfg.DiscoveryTimeout)
		reply, err := b.transport.Query(queryCtx, endpoint, clusterSlotsCmd...)
		cancel()
		if err != nil {
			b.logger.Debug("discovery query failed",
				zap.String("endpoint", endpoint),
				zap.Error(err))
			lastErr = err
			continue
		}
		if reply.IsError() {
			lastErr = errors.Errorf("%s answered discovery with %q", endpoint, reply.Str)
			continue
		}

		ci, err := clusterinfo.CreateCluster(reply)
		if err != nil {
			b.logger.Warn("discarding malformed discovery reply",
				zap.String("endpoint", endpoint),
				zap.Error(err))
			lastErr = err
			continue
		}
		return ci, nil
	}

	if lastErr == nil {
		lastErr = backend.ErrNotFound
	}
	return nil, errors.Wrap(lastErr, "topology discovery failed")
}

func (b *Backend) discoveryCandidates() []string {
	var candidates []string
	if cur := b.topology.Load(); cur != nil {
		for _, si := range cur.Cluster.Nodes() {
			if master, ok := si.GetMaster(); ok && !slices.Contains(candidates, master) {
				candidates = append(candidates, master)
			}
		}
	}
	if !slices.Contains(candidates, b.seed) {
		candidates = append(candidates, b.seed)
	}
	return candidates
}

// publishLocked swaps in ci as the current topology. Replaced snapshots are
// left to the collector since concurrent readers may still hold them.
func (b *Backend) publishLocked(ci *clusterinfo.ClusterInfo) {
	var revision uint64
	if cur := b.topology.Load(); cur != nil {
		revision = cur.Revision + 1
	}

	next := newTopology(revision, ci)
	b.topology.Store(next)

	b.metrics.TopologyNodes.Record(context.Background(), int64(ci.Size()))
	b.logger.Info("published topology",
		zap.Uint64("revision", revision),
		zap.Int("nodes", ci.Size()),
		zap.Int("coveredSlots", next.Slots.Coverage()))
}

// Topology returns a copy of the current cluster description that the
// caller owns.
func (b *Backend) Topology() *clusterinfo.ClusterInfo {
	if b == nil {
		return nil
	}
	cur := b.topology.Load()
	if cur == nil {
		return nil
	}
	return cur.Cluster.Clone()
}

// RemoveNode evicts the node serving addr from the routing map. Requests for
// its slots park and trigger a refresh until a new owner is known.
func (b *Backend) RemoveNode(addr string) error {
	if b == nil || addr == "" {
		return backend.ErrInvalidArgument
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	if b.closed {
		return backend.ErrClosed
	}

	next := b.topology.Load().Cluster.Clone()
	si := next.GetServerByAddr(addr)
	if si == nil {
		return backend.ErrNotFound
	}
	if err := next.RemoveEntryPtr(si); err != nil {
		return err
	}

	b.logger.Info("evicting node", zap.String("address", addr))
	b.publishLocked(next)
	return nil
}

// PromoteEndpoint makes addr the master of the node listing it, as after a
// failover observed out of band.
func (b *Backend) PromoteEndpoint(addr string) error {
	if b == nil || addr == "" {
		return backend.ErrInvalidArgument
	}

	b.lock.Lock()
	defer b.lock.Unlock()

	if b.closed {
		return backend.ErrClosed
	}

	next := b.topology.Load().Cluster.Clone()
	si := next.GetServerByAddr(addr)
	if si == nil {
		return backend.ErrNotFound
	}
	if err := si.UpdateMaster(slices.Index(si.Addresses(), addr)); err != nil {
		return err
	}

	b.logger.Info("promoted endpoint to master", zap.String("address", addr))
	b.publishLocked(next)
	return nil
}

// requestRefresh asks for a topology refresh without waiting for it. A
// request arriving while a refresh runs causes one more round, so every
// caller sees a discovery that started after its request.
func (b *Backend) requestRefresh() {
	b.refreshLock.Lock()
	b.refreshWanted = true
	if b.refreshRunning {
		b.refreshLock.Unlock()
		return
	}
	b.refreshRunning = true
	b.refreshWg.Add(1)
	b.refreshLock.Unlock()

	go b.refreshLoop()
}

func (b *Backend) refreshLoop() {
	defer b.refreshWg.Done()

	for {
		b.refreshLock.Lock()
		if !b.refreshWanted || b.ctx.Err() != nil {
			b.refreshRunning = false
			b.refreshLock.Unlock()
			return
		}
		b.refreshWanted = false
		b.refreshLock.Unlock()

		if err := b.refresh(b.ctx); err != nil {
			b.logger.Warn("topology refresh failed", zap.Error(err))
		}
	}
}

// refresh rediscovers the topology and publishes it, then releases the
// requests that were parked before discovery started: retried against the
// new map, or failed if discovery did not succeed. Requests parked while
// discovery ran wait for the next round.
func (b *Backend) refresh(ctx context.Context) error {
	b.lock.Lock()
	cutoff := b.parkSeq
	b.lock.Unlock()

	ci, err := b.discover(ctx)
	b.metrics.TopologyRefreshes.Add(context.Background(), 1)

	b.lock.Lock()
	defer b.lock.Unlock()

	if b.closed {
		if ci != nil {
			_ = ci.Destroy()
		}
		return backend.ErrClosed
	}

	if err == nil {
		b.publishLocked(ci)
	}

	var released []*pending
	b.parked = slices.DeleteFunc(b.parked, func(p *pending) bool {
		if p.parkSeq <= cutoff {
			released = append(released, p)
			return true
		}
		return false
	})

	// Released requests go back ahead of newer submissions, keeping their
	// original order.
	for i := len(released) - 1; i >= 0; i-- {
		p := released[i]
		if err != nil {
			b.completeLocked(p, backend.StatusFailed, 0, nil, err)
			continue
		}
		p.state = stateQueued
		if pushErr := b.requests.PushFront(p); pushErr != nil {
			b.completeLocked(p, backend.StatusFailed, 0, nil, pushErr)
		}
	}
	if len(released) > 0 {
		b.flushLocked()
	}

	return err
}
