package testutils

import (
	"strconv"

	"github.com/Perf-Org-5KRepos/data-broker/common/resp"
)

const (
	NodeSlotSpan = 1000
	BasePort     = 6300
	NodeID       = "DEADBEEF"
)

// EndpointHost returns the host used for the server-th endpoint of a node:
// 127.0.0.1 with its last digit advanced by server.
func EndpointHost(server int) string {
	base := []byte("127.0.0.1")
	base[len(base)-1] += byte(server)
	return string(base)
}

// EndpointAddr is the materialized endpoint for ClusterSlotsEntry output.
func EndpointAddr(idx, server int) string {
	return "sock://" + EndpointHost(server) + ":" + strconv.Itoa(BasePort+idx)
}

// ClusterSlotsEntry builds the discovery entry for node idx with the given
// number of endpoints. The node owns slots [idx*1000, idx*1000+999].
func ClusterSlotsEntry(idx, servers int) resp.Value {
	elems := []resp.Value{
		resp.IntValue(int64(idx * NodeSlotSpan)),
		resp.IntValue(int64(idx*NodeSlotSpan + NodeSlotSpan - 1)),
	}
	for n := 0; n < servers; n++ {
		elems = append(elems, resp.ArrayValue(
			resp.BulkValue(EndpointHost(n)),
			resp.IntValue(int64(BasePort+idx)),
			resp.BulkValue(NodeID),
		))
	}
	return resp.ArrayValue(elems...)
}

// ClusterSlotsReply builds a full discovery reply, one node per entry of
// serverCounts.
func ClusterSlotsReply(serverCounts ...int) resp.Value {
	entries := make([]resp.Value, len(serverCounts))
	for i, n := range serverCounts {
		entries[i] = ClusterSlotsEntry(i, n)
	}
	return resp.ArrayValue(entries...)
}

// SlotsEntryFor builds an entry with explicit bounds and host:port pairs.
func SlotsEntryFor(first, last int, hostPorts ...HostPort) resp.Value {
	elems := []resp.Value{resp.IntValue(int64(first)), resp.IntValue(int64(last))}
	for _, hp := range hostPorts {
		elems = append(elems, resp.ArrayValue(resp.BulkValue(hp.Host), resp.IntValue(int64(hp.Port))))
	}
	return resp.ArrayValue(elems...)
}

type HostPort struct {
	Host string
	Port int
}
