package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/docval/docval/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Error messages stored on a report row are capped at this length.
const maxErrorMessageLen = 250

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Reports ---

func (s *PostgresStore) CreateReport(ctx context.Context, report *models.Report) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO reports (id, owner_id, input_ref, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		report.ID, report.OwnerID, report.InputRef, report.Status, report.CreatedAt, report.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create report: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetReport(ctx context.Context, id uuid.UUID) (*models.Report, error) {
	var r models.Report
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, input_ref, status, result_ref, error_message, started_at, completed_at, created_at, updated_at
		 FROM reports WHERE id = $1`, id,
	).Scan(&r.ID, &r.OwnerID, &r.InputRef, &r.Status, &r.ResultRef, &r.ErrorMessage,
		&r.StartedAt, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get report: %w", err)
	}
	return &r, nil
}

func (s *PostgresStore) ListReports(ctx context.Context, filter ReportFilter) ([]*models.Report, int, error) {
	conditions := []string{"owner_id = $1"}
	args := []any{filter.OwnerID}
	argIdx := 2

	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, filter.Status)
		argIdx++
	}

	where := strings.Join(conditions, " AND ")

	var total int
	countQuery := "SELECT COUNT(*) FROM reports WHERE " + where
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count reports: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	dataQuery := fmt.Sprintf(
		`SELECT id, owner_id, input_ref, status, result_ref, error_message, started_at, completed_at, created_at, updated_at
		 FROM reports WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		where, argIdx, argIdx+1)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, dataQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var reports []*models.Report
	for rows.Next() {
		var r models.Report
		if err := rows.Scan(&r.ID, &r.OwnerID, &r.InputRef, &r.Status, &r.ResultRef, &r.ErrorMessage,
			&r.StartedAt, &r.CompletedAt, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan report: %w", err)
		}
		reports = append(reports, &r)
	}
	return reports, total, rows.Err()
}

// MarkReportRunning transitions pending -> running. The transition is
// advisory: if the report is already running or terminal the call is a no-op.
func (s *PostgresStore) MarkReportRunning(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET status = $2, started_at = $3, updated_at = $3
		 WHERE id = $1 AND status = $4`,
		id, models.ReportStatusRunning, now, models.ReportStatusPending)
	if err != nil {
		return fmt.Errorf("mark report running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.checkReportExists(ctx, id)
	}
	return nil
}

// CompleteReport commits the succeeded terminal state. The status guard in
// the WHERE clause makes the commit exactly-once: a report already terminal
// is left untouched and the call returns nil.
func (s *PostgresStore) CompleteReport(ctx context.Context, id uuid.UUID, resultRef string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET status = $2, result_ref = $3, completed_at = $4, updated_at = $4
		 WHERE id = $1 AND status IN ($5, $6)`,
		id, models.ReportStatusSucceeded, resultRef, now,
		models.ReportStatusPending, models.ReportStatusRunning)
	if err != nil {
		return fmt.Errorf("complete report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.checkReportExists(ctx, id)
	}
	return nil
}

// FailReport commits the failed terminal state under the same guard as
// CompleteReport. The error message is truncated to fit the column budget.
func (s *PostgresStore) FailReport(ctx context.Context, id uuid.UUID, errMsg string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE reports SET status = $2, error_message = $3, completed_at = $4, updated_at = $4
		 WHERE id = $1 AND status IN ($5, $6)`,
		id, models.ReportStatusFailed, truncate(errMsg, maxErrorMessageLen), now,
		models.ReportStatusPending, models.ReportStatusRunning)
	if err != nil {
		return fmt.Errorf("fail report: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.checkReportExists(ctx, id)
	}
	return nil
}

// FailStaleReports forces every non-terminal report created before cutoff to
// failed and returns the affected ids.
func (s *PostgresStore) FailStaleReports(ctx context.Context, cutoff time.Time, errMsg string) ([]uuid.UUID, error) {
	now := time.Now().UTC()
	rows, err := s.pool.Query(ctx,
		`UPDATE reports SET status = $1, error_message = $2, completed_at = $3, updated_at = $3
		 WHERE status IN ($4, $5) AND created_at < $6
		 RETURNING id`,
		models.ReportStatusFailed, truncate(errMsg, maxErrorMessageLen), now,
		models.ReportStatusPending, models.ReportStatusRunning, cutoff)
	if err != nil {
		return nil, fmt.Errorf("fail stale reports: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stale report id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) checkReportExists(ctx context.Context, id uuid.UUID) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM reports WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check report exists: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

// --- Quota ---

// AdmitUsage performs the rollover-check-increment sequence in one statement.
// The CASE resets used when the stored window predates windowStart; the WHERE
// rejects the update when the post-rollover count would exceed limit. Row-level
// locking on the conflict path serializes concurrent admissions per owner, so
// with one unit of quota left exactly one of N concurrent calls is granted.
func (s *PostgresStore) AdmitUsage(ctx context.Context, ownerID uuid.UUID, windowStart time.Time, units, limit int) (*models.QuotaUsage, bool, error) {
	if units <= 0 {
		return nil, false, fmt.Errorf("admit usage: units must be positive, got %d", units)
	}
	if units > limit {
		return nil, false, nil
	}

	var u models.QuotaUsage
	err := s.pool.QueryRow(ctx,
		`INSERT INTO quota_usage (owner_id, window_start, used, created_at, updated_at)
		 VALUES ($1, $2, $3, NOW(), NOW())
		 ON CONFLICT (owner_id) DO UPDATE SET
		   used = CASE WHEN quota_usage.window_start < EXCLUDED.window_start
		               THEN EXCLUDED.used
		               ELSE quota_usage.used + EXCLUDED.used END,
		   window_start = GREATEST(quota_usage.window_start, EXCLUDED.window_start),
		   updated_at = NOW()
		 WHERE (CASE WHEN quota_usage.window_start < EXCLUDED.window_start
		             THEN 0
		             ELSE quota_usage.used END) + EXCLUDED.used <= $4
		 RETURNING owner_id, window_start, used, created_at, updated_at`,
		ownerID, windowStart, units, limit,
	).Scan(&u.OwnerID, &u.WindowStart, &u.Used, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// Conditional update declined: quota exhausted for this window.
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("admit usage: %w", err)
	}
	return &u, true, nil
}

func (s *PostgresStore) GetUsage(ctx context.Context, ownerID uuid.UUID) (*models.QuotaUsage, error) {
	var u models.QuotaUsage
	err := s.pool.QueryRow(ctx,
		`SELECT owner_id, window_start, used, created_at, updated_at
		 FROM quota_usage WHERE owner_id = $1`, ownerID,
	).Scan(&u.OwnerID, &u.WindowStart, &u.Used, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get usage: %w", err)
	}
	return &u, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.OwnerID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, owner_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.OwnerID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, ownerID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE owner_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.OwnerID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL`, id, ownerID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
