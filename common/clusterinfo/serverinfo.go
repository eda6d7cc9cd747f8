package clusterinfo

import (
	"net"
	"strconv"
	"strings"

	"github.com/Perf-Org-5KRepos/data-broker/common/resp"
	"github.com/pkg/errors"
)

// ServerInfo describes one cluster node: the inclusive slot range it owns
// and the endpoints serving it. The master is an index into the node's own
// endpoint list, never a separate copy.
//
// Every method tolerates a nil receiver and reports a neutral value.
type ServerInfo struct {
	firstSlot int
	lastSlot  int
	addrs     [MaxReplicas + 1]string
	count     int
	master    int
	hasMaster bool
	destroyed bool
}

// CreateServerInfo parses one entry of a discovery reply of the form
// [start, end, [host, port, ...], [host, port, ...]...]. The first endpoint
// becomes the master. Nothing is returned unless the whole entry is valid.
func CreateServerInfo(reply resp.Value) (*ServerInfo, error) {
	if reply.Kind != resp.KindArray {
		return nil, errors.Wrapf(ErrMalformedReply, "node entry is %s, not array", reply.Kind)
	}
	if reply.Len() < 3 {
		return nil, errors.Wrapf(ErrMalformedReply, "node entry has %d elements, need at least 3", reply.Len())
	}

	start, ok := reply.Index(0).AsInt()
	if !ok {
		return nil, errors.Wrap(ErrMalformedReply, "start slot is not an integer")
	}
	end, ok := reply.Index(1).AsInt()
	if !ok {
		return nil, errors.Wrap(ErrMalformedReply, "end slot is not an integer")
	}
	if start < 0 || end >= SlotCount || start > end {
		return nil, errors.Wrapf(ErrMalformedReply, "invalid slot range [%d, %d]", start, end)
	}

	endpoints := reply.Elems[2:]
	if len(endpoints) > MaxReplicas+1 {
		return nil, errors.Wrapf(ErrMalformedReply, "node lists %d endpoints, limit is %d", len(endpoints), MaxReplicas+1)
	}

	si := &ServerInfo{
		firstSlot: int(start),
		lastSlot:  int(end),
	}
	for i, ep := range endpoints {
		addr, err := parseEndpoint(ep)
		if err != nil {
			return nil, errors.Wrapf(err, "endpoint %d", i)
		}
		si.addrs[i] = addr
	}
	si.count = len(endpoints)
	si.master = 0
	si.hasMaster = true

	return si, nil
}

func parseEndpoint(ep resp.Value) (string, error) {
	if ep.Kind != resp.KindArray {
		return "", errors.Wrapf(ErrMalformedReply, "endpoint is %s, not array", ep.Kind)
	}
	host, ok := ep.Index(0).AsString()
	if !ok {
		return "", errors.Wrap(ErrMalformedReply, "endpoint host is not a string")
	}
	if host == "" {
		return "", errors.Wrap(ErrMalformedReply, "endpoint host is empty")
	}
	port, ok := ep.Index(1).AsInt()
	if !ok {
		return "", errors.Wrap(ErrMalformedReply, "endpoint port is not an integer")
	}
	if port <= 0 || port > 65535 {
		return "", errors.Wrapf(ErrMalformedReply, "endpoint port %d out of range", port)
	}

	addr := FormatEndpoint(host, int(port))
	if len(addr) > MaxURLLength {
		return "", errors.Wrapf(ErrMalformedReply, "endpoint exceeds %d bytes", MaxURLLength)
	}
	return addr, nil
}

// FormatEndpoint renders host and port in the sock://host:port form.
func FormatEndpoint(host string, port int) string {
	return Scheme + "://" + net.JoinHostPort(host, strconv.Itoa(port))
}

// SplitEndpoint strips the scheme from an endpoint and returns host:port.
// Addresses without a scheme are returned unchanged.
func SplitEndpoint(addr string) string {
	if _, rest, ok := strings.Cut(addr, "://"); ok {
		return rest
	}
	return addr
}

// CreateSingleServerInfo builds a node spanning the whole keyspace from one
// address, which is kept verbatim.
func CreateSingleServerInfo(addr string) (*ServerInfo, error) {
	if addr == "" {
		return nil, ErrInvalidArgument
	}
	if len(addr) > MaxURLLength {
		return nil, errors.Wrapf(ErrInvalidArgument, "address exceeds %d bytes", MaxURLLength)
	}

	si := &ServerInfo{
		firstSlot: 0,
		lastSlot:  SlotCount - 1,
		count:     1,
		hasMaster: true,
	}
	si.addrs[0] = addr
	return si, nil
}

func (si *ServerInfo) Size() int {
	if si == nil {
		return 0
	}
	return si.count
}

func (si *ServerInfo) FirstSlot() int {
	if si == nil {
		return InvalidSlot
	}
	return si.firstSlot
}

func (si *ServerInfo) LastSlot() int {
	if si == nil {
		return InvalidSlot
	}
	return si.lastSlot
}

// Covers reports whether slot falls in the node's range.
func (si *ServerInfo) Covers(slot int) bool {
	if si == nil || si.count == 0 {
		return false
	}
	return slot >= si.firstSlot && slot <= si.lastSlot
}

// GetReplica returns the endpoint stored at index. An index beyond the
// replica capacity and an unpopulated position both report false.
func (si *ServerInfo) GetReplica(index int) (string, bool) {
	addr, err := si.Replica(index)
	return addr, err == nil
}

// Replica is GetReplica with the two failure cases told apart:
// ErrInvalidArgument when index is outside the replica capacity and
// ErrNotFound when the position is simply empty.
func (si *ServerInfo) Replica(index int) (string, error) {
	if si == nil {
		return "", ErrNotFound
	}
	if index < 0 || index >= MaxReplicas {
		return "", ErrInvalidArgument
	}
	if si.addrs[index] == "" {
		return "", ErrNotFound
	}
	return si.addrs[index], nil
}

func (si *ServerInfo) GetMaster() (string, bool) {
	if si == nil || !si.hasMaster {
		return "", false
	}
	addr := si.addrs[si.master]
	if addr == "" {
		return "", false
	}
	return addr, true
}

// MasterIndex returns the position of the master endpoint or -1.
func (si *ServerInfo) MasterIndex() int {
	if si == nil || !si.hasMaster {
		return -1
	}
	return si.master
}

// UpdateMaster moves the master designation to the endpoint at index.
func (si *ServerInfo) UpdateMaster(index int) error {
	if si == nil || index < 0 || index >= si.count {
		return ErrInvalidArgument
	}
	si.master = index
	si.hasMaster = true
	return nil
}

// Addresses returns a copy of the populated endpoints in order.
func (si *ServerInfo) Addresses() []string {
	if si == nil {
		return nil
	}
	out := make([]string, 0, si.count)
	for i := 0; i < si.count; i++ {
		if si.addrs[i] != "" {
			out = append(out, si.addrs[i])
		}
	}
	return out
}

func (si *ServerInfo) hasAddress(addr string) bool {
	for i := 0; i < si.count; i++ {
		if si.addrs[i] == addr {
			return true
		}
	}
	return false
}

// Destroy releases the node's endpoints. A node may only be destroyed once.
func (si *ServerInfo) Destroy() error {
	if si == nil || si.destroyed {
		return ErrInvalidArgument
	}
	for i := range si.addrs {
		si.addrs[i] = ""
	}
	si.count = 0
	si.hasMaster = false
	si.firstSlot = InvalidSlot
	si.lastSlot = InvalidSlot
	si.destroyed = true
	return nil
}

func (si *ServerInfo) clone() *ServerInfo {
	c := *si
	return &c
}

func (si *ServerInfo) String() string {
	if si == nil {
		return "<nil>"
	}
	master, _ := si.GetMaster()
	return "[" + strconv.Itoa(si.firstSlot) + "-" + strconv.Itoa(si.lastSlot) + "] master=" + master +
		" endpoints=" + strings.Join(si.Addresses(), ",")
}
