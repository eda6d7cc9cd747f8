package backend

import (
	"errors"

	"github.com/Perf-Org-5KRepos/data-broker/common/clusterinfo"
)

var (
	ErrInvalidArgument   = clusterinfo.ErrInvalidArgument
	ErrNotFound          = clusterinfo.ErrNotFound
	ErrMalformedReply    = clusterinfo.ErrMalformedReply
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrUnsupportedOp     = errors.New("unsupported operation")
	ErrClosed            = errors.New("backend closed")
)
