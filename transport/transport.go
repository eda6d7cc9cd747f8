// Package transport defines the boundary between the request runtime and
// the code that moves bytes to the store.
package transport

import (
	"context"
	"errors"

	"github.com/Perf-Org-5KRepos/data-broker/common/resp"
)

var (
	ErrClosed         = errors.New("transport closed")
	ErrConnectionLost = errors.New("connection lost")
)

// Reply carries the answer to one command sent with Send. Err is set when
// the command will never be answered, for example because the connection
// dropped.
type Reply struct {
	Tag      uint64
	Endpoint string
	Value    resp.Value
	Err      error
}

// Transport moves commands to endpoints. Send and Flush must not block on
// the network; replies arrive on the Replies channel in no particular
// order across endpoints but in send order per endpoint.
type Transport interface {
	// Send buffers a command for endpoint. It is written on the next Flush.
	Send(endpoint string, tag uint64, args [][]byte) error
	Flush() error
	Replies() <-chan *Reply
	// Query performs a synchronous round trip outside the pipeline. It is
	// only used for discovery.
	Query(ctx context.Context, endpoint string, args ...[]byte) (resp.Value, error)
	Close() error
}
