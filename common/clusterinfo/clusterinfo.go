package clusterinfo

import (
	"strconv"
	"strings"

	"github.com/Perf-Org-5KRepos/data-broker/common/resp"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// ClusterInfo owns the nodes of one topology snapshot. Positions beyond the
// recorded size, and holes in general, read as absent nodes.
type ClusterInfo struct {
	nodes     [MaxClusterSize]*ServerInfo
	size      int
	destroyed bool
}

// CreateCluster builds a topology from a full discovery reply. Any invalid
// entry, or two entries claiming the same slot, rejects the whole reply.
func CreateCluster(reply resp.Value) (*ClusterInfo, error) {
	if reply.Kind != resp.KindArray {
		return nil, errors.Wrapf(ErrMalformedReply, "discovery reply is %s, not array", reply.Kind)
	}
	if reply.Len() == 0 || reply.Len() > MaxClusterSize {
		return nil, errors.Wrapf(ErrMalformedReply, "discovery reply lists %d nodes", reply.Len())
	}

	scratch := &ClusterInfo{}
	for i, entry := range reply.Elems {
		si, err := CreateServerInfo(entry)
		if err != nil {
			_ = scratch.Destroy()
			return nil, errors.Wrapf(err, "node %d", i)
		}
		scratch.nodes[i] = si
		scratch.size++
	}

	if err := scratch.checkOverlap(); err != nil {
		_ = scratch.Destroy()
		return nil, err
	}

	return scratch, nil
}

func (ci *ClusterInfo) checkOverlap() error {
	ordered := ci.Nodes()
	slices.SortFunc(ordered, func(a, b *ServerInfo) int {
		return a.firstSlot - b.firstSlot
	})
	for i := 1; i < len(ordered); i++ {
		if ordered[i].firstSlot <= ordered[i-1].lastSlot {
			return errors.Wrapf(ErrMalformedReply, "slot ranges %d-%d and %d-%d overlap",
				ordered[i-1].firstSlot, ordered[i-1].lastSlot,
				ordered[i].firstSlot, ordered[i].lastSlot)
		}
	}
	return nil
}

// CreateSingleCluster wraps a single standalone endpoint.
func CreateSingleCluster(addr string) (*ClusterInfo, error) {
	si, err := CreateSingleServerInfo(addr)
	if err != nil {
		return nil, err
	}

	ci := &ClusterInfo{size: 1}
	ci.nodes[0] = si
	return ci, nil
}

func (ci *ClusterInfo) Size() int {
	if ci == nil {
		return 0
	}
	return ci.size
}

// GetServer returns the node at index, or nil if there is none.
func (ci *ClusterInfo) GetServer(index int) *ServerInfo {
	if ci == nil || index < 0 || index >= MaxClusterSize {
		return nil
	}
	return ci.nodes[index]
}

// GetServerByAddr returns the first node listing addr among its endpoints.
func (ci *ClusterInfo) GetServerByAddr(addr string) *ServerInfo {
	if ci == nil || addr == "" {
		return nil
	}
	for _, si := range ci.nodes {
		if si != nil && si.hasAddress(addr) {
			return si
		}
	}
	return nil
}

// Lookup returns the node owning slot, or nil.
func (ci *ClusterInfo) Lookup(slot int) *ServerInfo {
	if ci == nil || slot < 0 || slot >= SlotCount {
		return nil
	}
	for _, si := range ci.nodes {
		if si.Covers(slot) {
			return si
		}
	}
	return nil
}

// Nodes returns the populated nodes in position order.
func (ci *ClusterInfo) Nodes() []*ServerInfo {
	if ci == nil {
		return nil
	}
	out := make([]*ServerInfo, 0, ci.size)
	for _, si := range ci.nodes {
		if si != nil {
			out = append(out, si)
		}
	}
	return out
}

// IndexOf returns the position of node, or -1.
func (ci *ClusterInfo) IndexOf(node *ServerInfo) int {
	if ci == nil || node == nil {
		return -1
	}
	for i, si := range ci.nodes {
		if si == node {
			return i
		}
	}
	return -1
}

// RemoveEntryPtr destroys the given node and closes the gap it leaves.
func (ci *ClusterInfo) RemoveEntryPtr(node *ServerInfo) error {
	if ci == nil || node == nil {
		return ErrInvalidArgument
	}
	idx := ci.IndexOf(node)
	if idx < 0 {
		return ErrNotFound
	}
	return ci.removeAt(idx)
}

// RemoveEntryIdx destroys the node at index. Removing a hole is an error.
func (ci *ClusterInfo) RemoveEntryIdx(index int) error {
	if ci == nil || index < 0 || index >= MaxClusterSize {
		return ErrInvalidArgument
	}
	if ci.nodes[index] == nil {
		return ErrInvalidArgument
	}
	return ci.removeAt(index)
}

func (ci *ClusterInfo) removeAt(index int) error {
	if err := ci.nodes[index].Destroy(); err != nil {
		return err
	}
	copy(ci.nodes[index:], ci.nodes[index+1:])
	ci.nodes[MaxClusterSize-1] = nil
	if ci.size > 0 {
		ci.size--
	}
	return nil
}

// Clone deep copies the topology so it can be changed without disturbing
// readers of the original.
func (ci *ClusterInfo) Clone() *ClusterInfo {
	if ci == nil {
		return nil
	}
	c := &ClusterInfo{size: ci.size}
	for i, si := range ci.nodes {
		if si != nil {
			c.nodes[i] = si.clone()
		}
	}
	return c
}

// Destroy destroys every owned node. A cluster may only be destroyed once.
func (ci *ClusterInfo) Destroy() error {
	if ci == nil || ci.destroyed {
		return ErrInvalidArgument
	}
	for i, si := range ci.nodes {
		if si != nil {
			_ = si.Destroy()
			ci.nodes[i] = nil
		}
	}
	ci.size = 0
	ci.destroyed = true
	return nil
}

func (ci *ClusterInfo) String() string {
	if ci == nil {
		return "<nil>"
	}
	var sb strings.Builder
	for i, si := range ci.nodes {
		if si == nil {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("node ")
		sb.WriteString(strconv.Itoa(i))
		sb.WriteString(": ")
		sb.WriteString(si.String())
	}
	return sb.String()
}
