package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/spullara/k7/internal/store"
)

const (
	// DefaultRetention keeps tombstones and status history for 30 days.
	DefaultRetention     = 30 * 24 * time.Hour
	DefaultSweepInterval = time.Hour
)

// Janitor periodically purges deleted-sandbox tombstones and status history
// older than the retention window, keeping the store bounded.
type Janitor struct {
	sandboxes *store.SandboxStore
	retention time.Duration
	interval  time.Duration
}

func NewJanitor(sandboxes *store.SandboxStore, retention, interval time.Duration) *Janitor {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Janitor{
		sandboxes: sandboxes,
		retention: retention,
		interval:  interval,
	}
}

// Start runs the sweep loop until ctx ends.
func (j *Janitor) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := j.Sweep(ctx); err != nil {
					slog.Default().With("component", "janitor").Error("retention sweep failed", "error", err)
				}
			}
		}
	}()
}

// Sweep purges everything older than the retention window once.
func (j *Janitor) Sweep(ctx context.Context) (*store.PurgeResult, error) {
	cutoff := time.Now().UTC().Add(-j.retention)
	res, err := j.sandboxes.PurgeHistoricalData(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	if res.DeletedSandboxes > 0 || res.DeletedStatusHistory > 0 {
		slog.Default().With("component", "janitor").Info("purged historical data",
			"sandboxes", res.DeletedSandboxes, "status_history", res.DeletedStatusHistory)
	}
	return res, nil
}
