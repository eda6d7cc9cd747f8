package redis

import (
	"context"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

type topologyWatcherOptions struct {
	Interval time.Duration
	Refresh  func(ctx context.Context) error
	Logger   *zap.Logger
}

// topologyWatcher refreshes the topology periodically, retrying failures
// with exponential backoff until the next refresh succeeds.
type topologyWatcher struct {
	interval  time.Duration
	refresh   func(ctx context.Context) error
	logger    *zap.Logger
	ctx       context.Context
	ctxCancel func()
	closeCh   chan struct{}
}

func newTopologyWatcher(opts *topologyWatcherOptions) *topologyWatcher {
	ctx, ctxCancel := context.WithCancel(context.Background())

	w := &topologyWatcher{
		interval:  opts.Interval,
		refresh:   opts.Refresh,
		logger:    opts.Logger,
		ctx:       ctx,
		ctxCancel: ctxCancel,
		closeCh:   make(chan struct{}),
	}
	w.init()
	return w
}

func (w *topologyWatcher) init() {
	go w.procThread()
}

func (w *topologyWatcher) procThread() {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	b.Reset()

	wait := w.interval

MainLoop:
	for {
		select {
		case <-time.After(wait):
		case <-w.ctx.Done():
			break MainLoop
		}

		err := w.refresh(w.ctx)
		if err != nil {
			if w.ctx.Err() != nil {
				break MainLoop
			}

			wait = b.NextBackOff()
			w.logger.Warn("periodic topology refresh failed",
				zap.Duration("retryIn", wait),
				zap.Error(err))
			continue
		}

		// back to the regular cadence once a refresh lands
		b.Reset()
		wait = w.interval
	}

	close(w.closeCh)
}

func (w *topologyWatcher) Close() {
	// shut down our context
	w.ctxCancel()

	// wait for the shutdown to complete
	<-w.closeCh
}
