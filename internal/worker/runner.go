// Package worker consumes valuation tasks from the queue and drives each
// report through running to its terminal status.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docval/docval/internal/cache"
	"github.com/docval/docval/internal/queue"
	"github.com/docval/docval/internal/store"
	"github.com/docval/docval/pkg/models"
	"github.com/google/uuid"
)

const (
	statusTTL      = 30 * time.Minute
	dequeueBackoff = time.Second
)

// Processor runs the valuation for one task and returns the result ref.
type Processor interface {
	Process(ctx context.Context, task queue.Task) (string, error)
}

// Dequeuer is the consuming side of the work queue.
type Dequeuer interface {
	Dequeue(ctx context.Context, timeout time.Duration) (queue.Task, bool, error)
}

// Store is the slice of the data layer the runner needs.
type Store interface {
	MarkReportRunning(ctx context.Context, id uuid.UUID) error
	CompleteReport(ctx context.Context, id uuid.UUID, resultRef string) error
	FailReport(ctx context.Context, id uuid.UUID, errMsg string) error
}

// Runner pulls tasks off the queue with a fixed-size pool of consumers.
type Runner struct {
	queue          Dequeuer
	store          Store
	cache          cache.Cache
	processor      Processor
	concurrency    int
	dequeueTimeout time.Duration
}

func NewRunner(q Dequeuer, s Store, c cache.Cache, p Processor, concurrency int, dequeueTimeout time.Duration) *Runner {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Runner{
		queue:          q,
		store:          s,
		cache:          c,
		processor:      p,
		concurrency:    concurrency,
		dequeueTimeout: dequeueTimeout,
	}
}

// Run blocks consuming tasks until ctx is cancelled, then waits for in-flight
// tasks to finish.
func (r *Runner) Run(ctx context.Context) {
	slog.Info("worker starting", "concurrency", r.concurrency)

	var wg sync.WaitGroup
	for i := 0; i < r.concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			r.consume(ctx, id)
		}(i)
	}
	wg.Wait()
	slog.Info("worker stopped")
}

func (r *Runner) consume(ctx context.Context, consumerID int) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		task, found, err := r.queue.Dequeue(ctx, r.dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("dequeue failed", "consumer", consumerID, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(dequeueBackoff):
			}
			continue
		}
		if !found {
			continue
		}

		r.handle(ctx, task)
	}
}

func (r *Runner) handle(ctx context.Context, task queue.Task) {
	// Redelivered tasks whose report already finished are dropped here on the
	// cheap; the status-guarded store writes are the real protection.
	if cached, ok, _ := r.cache.GetReportStatus(ctx, task.ReportID); ok && models.TerminalStatus(cached) {
		slog.Info("skipping finished report", "report_id", task.ReportID, "status", cached)
		return
	}

	if err := r.store.MarkReportRunning(ctx, task.ReportID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			slog.Warn("task references unknown report", "report_id", task.ReportID)
			return
		}
		slog.Error("could not mark report running", "report_id", task.ReportID, "error", err)
		return
	}
	_ = r.cache.SetReportStatus(ctx, task.ReportID, models.ReportStatusRunning, statusTTL)

	slog.Info("processing report", "report_id", task.ReportID, "owner_id", task.OwnerID)
	start := time.Now()

	resultRef, err := r.process(ctx, task)
	if err != nil {
		slog.Error("report failed", "report_id", task.ReportID, "error", err, "duration", time.Since(start))
		if failErr := r.store.FailReport(ctx, task.ReportID, err.Error()); failErr != nil {
			slog.Error("could not fail report", "report_id", task.ReportID, "error", failErr)
		}
		_ = r.cache.SetReportStatus(ctx, task.ReportID, models.ReportStatusFailed, statusTTL)
		return
	}

	if err := r.store.CompleteReport(ctx, task.ReportID, resultRef); err != nil {
		slog.Error("could not complete report", "report_id", task.ReportID, "error", err)
		return
	}
	_ = r.cache.SetReportStatus(ctx, task.ReportID, models.ReportStatusSucceeded, statusTTL)
	slog.Info("report succeeded", "report_id", task.ReportID, "result_ref", resultRef, "duration", time.Since(start))
}

// process isolates processor panics so one bad document cannot take the
// consumer down.
func (r *Runner) process(ctx context.Context, task queue.Task) (ref string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("processing panic: %v", rec)
		}
	}()
	return r.processor.Process(ctx, task)
}
