// Package reaper sweeps reports that have been sitting in pending or running
// past the processing deadline and forces them to failed, so a crashed worker
// can never strand a report in a non-terminal status forever.
package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/docval/docval/internal/cache"
	"github.com/docval/docval/pkg/models"
	"github.com/google/uuid"
)

const (
	staleErrMsg = "processing timed out"
	statusTTL   = 30 * time.Minute
)

// Store is the slice of the data layer the reaper needs.
type Store interface {
	FailStaleReports(ctx context.Context, cutoff time.Time, errMsg string) ([]uuid.UUID, error)
}

type Config struct {
	Interval      time.Duration
	ReportTimeout time.Duration
}

// Reaper periodically fails reports older than the processing deadline.
type Reaper struct {
	store Store
	cache cache.Cache
	cfg   Config
}

func New(s Store, c cache.Cache, cfg Config) *Reaper {
	return &Reaper{store: s, cache: c, cfg: cfg}
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	slog.Info("reaper starting", "interval", r.cfg.Interval, "report_timeout", r.cfg.ReportTimeout)

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("reaper stopped")
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Sweep fails every report created before now minus the processing deadline
// that is still pending or running.
func (r *Reaper) Sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.cfg.ReportTimeout)

	ids, err := r.store.FailStaleReports(ctx, cutoff, staleErrMsg)
	if err != nil {
		slog.Error("stale report sweep failed", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}

	for _, id := range ids {
		_ = r.cache.SetReportStatus(ctx, id, models.ReportStatusFailed, statusTTL)
	}
	slog.Warn("failed stale reports", "count", len(ids), "cutoff", cutoff)
}
