package app

import (
	"context"
	"time"

	"go.uber.org/zap"

	"driftline.io/driftline/internal/pkg/logger"
)

// Start launches background services: the review-TTL sweeper.
func (a *Application) Start(context.Context) error {
	interval := a.Config.Repair.SweepInterval
	return a.Pools.SubmitDetached("general", func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				swept, err := a.Gateway.SweepExpired(ctx)
				if err != nil {
					logger.Error("Review TTL sweep failed", zap.Error(err))
					continue
				}
				if swept > 0 {
					logger.Info("Expired unreviewed proposals", zap.Int("count", swept))
				}
			}
		}
	})
}

// Shutdown gracefully shuts down all application components.
func (a *Application) Shutdown() {
	if a.Pools != nil {
		a.Pools.Shutdown()
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			logger.Warn("Store close returned error", zap.Error(err))
		}
	}
}
