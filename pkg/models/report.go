// Package models contains shared data models used across the DocVal codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ReportStatusPending   = "pending"
	ReportStatusRunning   = "running"
	ReportStatusSucceeded = "succeeded"
	ReportStatusFailed    = "failed"
)

// Report tracks one submitted document through the async valuation pipeline.
// The API returns a report id on POST /api/v1/reports; the client polls
// GET /api/v1/reports/{report_id} until status is succeeded or failed.
type Report struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	OwnerID      uuid.UUID  `db:"owner_id"      json:"owner_id"`
	InputRef     string     `db:"input_ref"     json:"input_ref"`
	Status       string     `db:"status"        json:"status"`
	ResultRef    *string    `db:"result_ref"    json:"result_ref,omitempty"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	StartedAt    *time.Time `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at"  json:"completed_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"    json:"updated_at"`
}

// Terminal reports whether the status is one no transition may leave.
func (r *Report) Terminal() bool {
	return TerminalStatus(r.Status)
}

// TerminalStatus reports whether status is succeeded or failed.
func TerminalStatus(status string) bool {
	return status == ReportStatusSucceeded || status == ReportStatusFailed
}
