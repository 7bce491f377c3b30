package app

import (
	"context"
	"time"
)

// defaultHealthInterval is how often the counter store is probed.
const defaultHealthInterval = time.Second

// runHealthLoop probes the store until ctx is canceled. The result feeds the
// readiness endpoint and the store health gauge.
func (app *Application) runHealthLoop(ctx context.Context, interval time.Duration) {
	if app == nil || app.Store == nil {
		return
	}
	if interval <= 0 {
		interval = defaultHealthInterval
	}
	app.probeStore(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			app.probeStore(ctx)
		}
	}
}

func (app *Application) probeStore(ctx context.Context) {
	healthy := app.Store.Healthy(ctx)
	was := app.storeHealthy.Swap(healthy)
	app.metrics.SetStoreHealthy(healthy)
	if was != healthy {
		if healthy {
			app.logger.Info("counter store healthy", nil)
		} else {
			app.logger.Warn("counter store unhealthy", nil)
		}
	}
}
