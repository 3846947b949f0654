// Package dispatch admits report submissions against the quota ledger and
// hands admitted work to the valuation queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/docval/docval/internal/cache"
	"github.com/docval/docval/internal/queue"
	"github.com/docval/docval/pkg/models"
	"github.com/google/uuid"
)

// ErrDispatchFailed means the quota was debited and the report row created,
// but the task could not be handed to the worker queue. The report is forced
// to failed so it is never left silently pending.
var ErrDispatchFailed = errors.New("failed to enqueue report for processing")

const statusTTL = 30 * time.Minute

// Store is the slice of the data layer the dispatcher needs.
type Store interface {
	CreateReport(ctx context.Context, report *models.Report) error
	FailReport(ctx context.Context, id uuid.UUID, errMsg string) error
}

// Admitter gates new work against the owner's monthly budget.
type Admitter interface {
	TryAdmit(ctx context.Context, ownerID uuid.UUID, units int) error
}

// Enqueuer is the worker-adapter boundary consumed at submission time.
type Enqueuer interface {
	Enqueue(ctx context.Context, task queue.Task) error
}

// Dispatcher sequences admission, persistence, and enqueue for one submission.
type Dispatcher struct {
	store Store
	quota Admitter
	queue Enqueuer
	cache cache.Cache
}

func NewDispatcher(s Store, q Admitter, e Enqueuer, c cache.Cache) *Dispatcher {
	return &Dispatcher{store: s, quota: q, queue: e, cache: c}
}

// Submit admits one report for ownerID and dispatches it. Exactly one quota
// unit is debited and one report row created per successful call; a denied
// call creates nothing. The debit is not refunded when the enqueue fails —
// the report is failed with dispatch_failed instead.
func (d *Dispatcher) Submit(ctx context.Context, ownerID uuid.UUID, inputRef string) (*models.Report, error) {
	if err := d.quota.TryAdmit(ctx, ownerID, 1); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	report := &models.Report{
		ID:        uuid.New(),
		OwnerID:   ownerID,
		InputRef:  inputRef,
		Status:    models.ReportStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := d.store.CreateReport(ctx, report); err != nil {
		return nil, fmt.Errorf("creating report: %w", err)
	}

	_ = d.cache.SetReportStatus(ctx, report.ID, models.ReportStatusPending, statusTTL)

	task := queue.Task{ReportID: report.ID, OwnerID: ownerID, InputRef: inputRef}
	if err := d.queue.Enqueue(ctx, task); err != nil {
		slog.Error("enqueue failed, failing report", "report_id", report.ID, "error", err)
		if failErr := d.store.FailReport(ctx, report.ID, "dispatch_failed"); failErr != nil {
			slog.Error("could not fail undispatched report", "report_id", report.ID, "error", failErr)
		}
		_ = d.cache.SetReportStatus(ctx, report.ID, models.ReportStatusFailed, statusTTL)
		return nil, fmt.Errorf("%w: %v", ErrDispatchFailed, err)
	}

	return report, nil
}
