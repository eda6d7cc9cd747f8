package backend

import (
	"context"
	"strings"
)

// Backend is the non-blocking request protocol every implementation honors.
// Post, Test and TestAny never wait on the network. Cancel blocks until the
// cancellation itself has completed or ctx ends.
type Backend interface {
	Post(req *Request, trigger bool) (Handle, error)
	Cancel(ctx context.Context, h Handle) error
	Test(h Handle) (*Completion, error)
	TestAny() (*Completion, error)
	Exit() error
}

// Kind selects a backend implementation.
type Kind int

const (
	KindStub Kind = iota
	KindRedis
)

func (k Kind) String() string {
	switch k {
	case KindStub:
		return "stub"
	case KindRedis:
		return "redis"
	}
	return "unknown"
}

func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "stub":
		return KindStub, nil
	case "redis":
		return KindRedis, nil
	}
	return 0, ErrUnsupportedOp
}
