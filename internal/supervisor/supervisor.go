// Package supervisor restarts long-running workers that exit unexpectedly,
// with a restart budget that refills after a period of stable uptime.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Config bounds the restart policy.
type Config struct {
	// MaxRestarts is the number of consecutive short-lived restarts
	// tolerated before the supervisor gives up.
	MaxRestarts int
	// RestartDelay is the pause between a worker exit and its restart.
	RestartDelay time.Duration
	// StableUptime is how long a worker must run before its restart
	// counter resets.
	StableUptime time.Duration
}

// DefaultConfig returns the production restart policy.
func DefaultConfig() Config {
	return Config{
		MaxRestarts:  5,
		RestartDelay: 2 * time.Second,
		StableUptime: 1 * time.Minute,
	}
}

// Supervise runs the worker until ctx is cancelled or the restart budget is
// exhausted. A worker return of nil with a live context still counts as a
// failure; workers are expected to run forever.
func Supervise(ctx context.Context, cfg Config, name string, logger *logrus.Logger, run func(ctx context.Context) error) error {
	restarts := 0

	for {
		started := time.Now()
		err := run(ctx)
		if ctx.Err() != nil {
			logger.WithField("worker", name).Info("worker stopped")
			return nil
		}

		uptime := time.Since(started)
		if uptime >= cfg.StableUptime {
			restarts = 0
		}
		restarts++
		if restarts > cfg.MaxRestarts {
			return fmt.Errorf("worker %s failed %d times in a row: %w", name, restarts-1, err)
		}

		logger.WithError(err).WithFields(logrus.Fields{
			"worker":  name,
			"uptime":  uptime,
			"restart": restarts,
		}).Warn("worker exited, restarting")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.RestartDelay):
		}
	}
}
