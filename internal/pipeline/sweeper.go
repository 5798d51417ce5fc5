package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Start launches the background sweep of expired rate-limit windows and
// cache entries. Calling Start on a running pipeline is a no-op.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	o.stopped = make(chan struct{})

	go o.sweepLoop(ctx, o.stopped)
}

// Stop cancels the sweep task and waits for it to exit.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel, stopped := o.cancel, o.stopped
	o.cancel, o.stopped = nil, nil
	o.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
}

func (o *Orchestrator) sweepLoop(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.Sweep(o.now())
		}
	}
}

// Sweep reclaims expired state once and returns how many limiter and cache
// entries were removed.
func (o *Orchestrator) Sweep(now time.Time) (windows, entries int) {
	windows = o.limiter.Sweep(now)
	if o.cache != nil {
		entries = o.cache.Sweep(now)
	}
	if windows > 0 || entries > 0 {
		o.logger.Debug("sweep completed",
			zap.Int("rate_limit_entries", windows),
			zap.Int("cache_entries", entries),
		)
	}
	return windows, entries
}
