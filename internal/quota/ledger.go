// Package quota enforces the per-owner monthly report budget.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/docval/docval/internal/store"
	"github.com/docval/docval/pkg/models"
	"github.com/google/uuid"
)

// ErrQuotaExceeded is the normal negative result of an admission attempt.
// It is not a fault: the dispatcher maps it to a 429 at the API boundary.
var ErrQuotaExceeded = errors.New("monthly report quota exceeded")

// Store is the slice of the data layer the ledger needs.
type Store interface {
	AdmitUsage(ctx context.Context, ownerID uuid.UUID, windowStart time.Time, units, limit int) (*models.QuotaUsage, bool, error)
	GetUsage(ctx context.Context, ownerID uuid.UUID) (*models.QuotaUsage, error)
}

// LimitFunc returns the configured monthly limit. Indirection keeps the
// value reloadable without touching the ledger.
type LimitFunc func() int

// Usage is an owner's consumption view for the current window.
type Usage struct {
	Used        int       `json:"used"`
	Limit       int       `json:"limit"`
	WindowStart time.Time `json:"window_start"`
	ResetsAt    time.Time `json:"resets_at"`
}

// Ledger admits units of work against calendar-month windows.
//
// Every owner gets the full monthly limit for the month containing their
// first admission, regardless of which day that falls on; the next rollover
// boundary is the first instant of the next month, the same for everyone.
type Ledger struct {
	store Store
	limit LimitFunc
}

func NewLedger(s Store, limit LimitFunc) *Ledger {
	return &Ledger{store: s, limit: limit}
}

// TryAdmit debits units from ownerID's current window. Returns nil when
// admitted and ErrQuotaExceeded when the window is exhausted. The rollover,
// check, and increment happen atomically in the store, so concurrent
// admissions for the same owner never overshoot the limit.
func (l *Ledger) TryAdmit(ctx context.Context, ownerID uuid.UUID, units int) error {
	if units <= 0 {
		return fmt.Errorf("units must be positive, got %d", units)
	}

	window := MonthStart(time.Now().UTC())
	_, admitted, err := l.store.AdmitUsage(ctx, ownerID, window, units, l.limit())
	if err != nil {
		return fmt.Errorf("admit usage: %w", err)
	}
	if !admitted {
		return ErrQuotaExceeded
	}
	return nil
}

// Usage returns the owner's consumption for the current window. An entry
// whose stored window predates the current month reads as zero used — the
// reset itself is only persisted by the next admission.
func (l *Ledger) Usage(ctx context.Context, ownerID uuid.UUID) (*Usage, error) {
	now := time.Now().UTC()
	window := MonthStart(now)

	u := &Usage{
		Limit:       l.limit(),
		WindowStart: window,
		ResetsAt:    NextMonthStart(now),
	}

	stored, err := l.store.GetUsage(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return u, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	if stored.WindowStart.Before(window) {
		return u, nil
	}

	u.Used = stored.Used
	return u, nil
}

// MonthStart returns the first instant of the UTC calendar month containing t.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// NextMonthStart returns the first instant of the UTC calendar month after t.
func NextMonthStart(t time.Time) time.Time {
	return MonthStart(t).AddDate(0, 1, 0)
}

// RetryAfter returns how long from t until the quota window resets.
func RetryAfter(t time.Time) time.Duration {
	return NextMonthStart(t).Sub(t.UTC())
}
