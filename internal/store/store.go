package store

import (
	"context"
	"errors"
	"time"

	"github.com/docval/docval/pkg/models"
	"github.com/google/uuid"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	// Reports. CreateReport persists a new report in pending. The three
	// mutators below are guarded on the current status: once a report is
	// succeeded or failed, every later write is a no-op, so a duplicate
	// completion signal can never overwrite the first terminal commit.
	CreateReport(ctx context.Context, report *models.Report) error
	GetReport(ctx context.Context, id uuid.UUID) (*models.Report, error)
	ListReports(ctx context.Context, filter ReportFilter) ([]*models.Report, int, error)
	MarkReportRunning(ctx context.Context, id uuid.UUID) error
	CompleteReport(ctx context.Context, id uuid.UUID, resultRef string) error
	FailReport(ctx context.Context, id uuid.UUID, errMsg string) error
	FailStaleReports(ctx context.Context, cutoff time.Time, errMsg string) ([]uuid.UUID, error)

	// Quota. AdmitUsage rolls the owner's window over if windowStart is newer
	// than the stored one, checks used+units against limit, and increments —
	// all in one atomic statement. Returns the resulting usage and whether
	// the admission was granted.
	AdmitUsage(ctx context.Context, ownerID uuid.UUID, windowStart time.Time, units, limit int) (*models.QuotaUsage, bool, error)
	GetUsage(ctx context.Context, ownerID uuid.UUID) (*models.QuotaUsage, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, ownerID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error
}

type ReportFilter struct {
	OwnerID uuid.UUID
	Status  string
	Page    int
	Limit   int
}
