// Package backends selects a backend implementation by kind.
package backends

import (
	"context"

	"github.com/Perf-Org-5KRepos/data-broker/backend"
	"github.com/Perf-Org-5KRepos/data-broker/backend/redis"
	"github.com/Perf-Org-5KRepos/data-broker/backend/stub"
	"github.com/Perf-Org-5KRepos/data-broker/pkg/metrics"
	"github.com/Perf-Org-5KRepos/data-broker/transport"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type Options struct {
	Logger    *zap.Logger
	Config    backend.Config
	Transport transport.Transport
	Metrics   *metrics.BackendMetrics
}

// Initialize creates the backend of the given kind. ctx bounds only the
// setup, for example the initial topology discovery.
func Initialize(ctx context.Context, kind backend.Kind, opts Options) (backend.Backend, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	switch kind {
	case backend.KindStub:
		be, err := stub.Initialize(stub.Options{
			Logger: logger.Named("stub"),
			Config: opts.Config,
		})
		if err != nil {
			return nil, err
		}
		return be, nil
	case backend.KindRedis:
		be, err := redis.Initialize(ctx, redis.Options{
			Logger:    logger.Named("redis"),
			Config:    opts.Config,
			Transport: opts.Transport,
			Metrics:   opts.Metrics,
		})
		if err != nil {
			return nil, err
		}
		return be, nil
	}

	return nil, errors.Wrapf(backend.ErrUnsupportedOp, "unknown backend kind %d", int(kind))
}
