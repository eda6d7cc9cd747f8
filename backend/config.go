package backend

import (
	"time"

	"github.com/pkg/errors"
)

type Config struct {
	// WorkQueueDepth bounds queued, in-flight and unretrieved requests.
	WorkQueueDepth int
	// BufferSize is the initial size of each transport send buffer.
	BufferSize int
	// SeedAddress is contacted for the initial topology.
	SeedAddress string
	// Clustered selects discovery; otherwise SeedAddress serves every slot.
	Clustered bool
	// ReplicaReads routes gets and exists to replicas.
	ReplicaReads bool
	// RefreshInterval is the period of background topology refreshes. Zero
	// disables them.
	RefreshInterval time.Duration
	// DiscoveryTimeout bounds a single discovery round trip.
	DiscoveryTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		WorkQueueDepth:   1024,
		BufferSize:       64 * 1024,
		SeedAddress:      "sock://localhost:6379",
		Clustered:        true,
		RefreshInterval:  30 * time.Second,
		DiscoveryTimeout: 5 * time.Second,
	}
}

func (c Config) Validate() error {
	if c.WorkQueueDepth <= 0 {
		return errors.Wrap(ErrInvalidArgument, "work queue depth must be positive")
	}
	if c.BufferSize <= 0 {
		return errors.Wrap(ErrInvalidArgument, "buffer size must be positive")
	}
	if c.RefreshInterval < 0 {
		return errors.Wrap(ErrInvalidArgument, "refresh interval cannot be negative")
	}
	if c.DiscoveryTimeout < 0 {
		return errors.Wrap(ErrInvalidArgument, "discovery timeout cannot be negative")
	}
	return nil
}
