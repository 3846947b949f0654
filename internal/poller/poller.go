// Package poller implements the client-side wait loop for a submitted report:
// bounded attempts at a fixed interval, with a distinct outcome when the
// report is still being processed at the end.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/docval/docval/internal/store"
	"github.com/docval/docval/pkg/models"
	"github.com/google/uuid"
)

// ErrStillProcessing means the attempt budget ran out while the report was
// still pending or running. The report may yet finish; callers can resume
// polling later with the same report ID.
var ErrStillProcessing = errors.New("report still processing")

// Getter is the read side of the report store.
type Getter interface {
	GetReport(ctx context.Context, id uuid.UUID) (*models.Report, error)
}

type Config struct {
	Interval    time.Duration
	MaxAttempts int
}

// Poller waits for reports to reach a terminal status.
type Poller struct {
	store Getter
	cfg   Config
}

func New(s Getter, cfg Config) *Poller {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	return &Poller{store: s, cfg: cfg}
}

// Wait polls the report until it is succeeded or failed, the attempt budget
// is exhausted, or the wait is aborted. Each attempt sleeps one interval
// before reading, so the first read lands one interval after submission —
// a report is never terminal the instant it was accepted. A single transient
// read failure is tolerated and retried; two in a row abort the wait. An
// unknown report ID aborts immediately with store.ErrNotFound.
//
// On ErrStillProcessing the last observed report is returned alongside the
// error.
func (p *Poller) Wait(ctx context.Context, id uuid.UUID) (*models.Report, error) {
	var (
		last        *models.Report
		consecutive int
	)

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return last, ctx.Err()
		case <-time.After(p.cfg.Interval):
		}

		report, err := p.store.GetReport(ctx, id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, err
		case err != nil:
			consecutive++
			if consecutive >= 2 {
				return last, fmt.Errorf("polling report %s: %w", id, err)
			}
			slog.Warn("transient poll failure, retrying", "report_id", id, "attempt", attempt, "error", err)
		default:
			consecutive = 0
			last = report
			if report.Terminal() {
				return report, nil
			}
		}
	}

	return last, ErrStillProcessing
}
