package clusterinfo

import "github.com/Perf-Org-5KRepos/data-broker/common/hashslot"

const (
	// SlotCount is the size of the hash slot keyspace.
	SlotCount = hashslot.SlotCount

	// InvalidSlot is returned by slot accessors on an absent node.
	InvalidSlot = -1

	// MaxReplicas bounds the replicas a node may carry. A node stores at most
	// MaxReplicas+1 endpoints including its master.
	MaxReplicas = 8

	// MaxClusterSize bounds the number of nodes in a cluster.
	MaxClusterSize = 1024

	// MaxURLLength bounds a materialized endpoint string.
	MaxURLLength = 1024

	// Scheme prefixes every endpoint built from a discovery reply.
	Scheme = "sock"
)
