// Package handler contains the HTTP handlers for the DocVal API.
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	mw "github.com/docval/docval/internal/api/middleware"
	"github.com/docval/docval/internal/api/response"
	"github.com/docval/docval/internal/dispatch"
	"github.com/docval/docval/internal/quota"
	"github.com/docval/docval/internal/storage"
	"github.com/docval/docval/internal/store"
	"github.com/docval/docval/pkg/models"
)

// Uploads above this size are rejected before the document is read.
const maxUploadBytes = 20 << 20 // 20 MiB

// Submitter admits and dispatches one uploaded document.
type Submitter interface {
	Submit(ctx context.Context, ownerID uuid.UUID, inputRef string) (*models.Report, error)
}

// ReportReader is the read side of the report store.
type ReportReader interface {
	GetReport(ctx context.Context, id uuid.UUID) (*models.Report, error)
	ListReports(ctx context.Context, filter store.ReportFilter) ([]*models.Report, int, error)
}

// NewSubmitReportHandler returns the handler for POST /api/v1/reports.
// The document arrives as multipart field "document"; the response is 202
// with the pending report.
func NewSubmitReportHandler(st storage.Store, svc Submitter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"Request must be multipart/form-data with a document field", nil)
			return
		}

		file, header, err := r.FormFile("document")
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"document file is required", nil)
			return
		}
		defer file.Close()

		name := fmt.Sprintf("uploads/%s/%s%s", ownerID, uuid.New(), filepath.Ext(header.Filename))
		ref, err := st.Save(r.Context(), name, file)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to store document", nil)
			return
		}

		report, err := svc.Submit(r.Context(), ownerID, ref)
		if err != nil {
			switch {
			case errors.Is(err, quota.ErrQuotaExceeded):
				retryAfter := int(quota.RetryAfter(time.Now()).Seconds())
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				response.Error(w, http.StatusTooManyRequests, "QUOTA_EXCEEDED",
					"Monthly report quota exceeded", map[string]any{
						"retry_after_seconds": retryAfter,
					})
			case errors.Is(err, dispatch.ErrDispatchFailed):
				response.Error(w, http.StatusBadGateway, "DISPATCH_FAILED",
					"Report could not be queued for processing", nil)
			default:
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.Accepted(w, report)
	}
}

// NewGetReportHandler returns the handler for GET /api/v1/reports/{reportID}.
func NewGetReportHandler(svc ReportReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, ok := ownedReport(w, r, svc)
		if !ok {
			return
		}
		response.JSON(w, report)
	}
}

// NewListReportsHandler returns the handler for GET /api/v1/reports.
func NewListReportsHandler(svc ReportReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}

		status := r.URL.Query().Get("status")
		if status != "" && !validStatus(status) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"status must be one of pending, running, succeeded, failed", nil)
			return
		}

		page := queryInt(r, "page", 1)
		if page < 1 {
			page = 1
		}
		limit := queryInt(r, "limit", 20)
		if limit < 1 {
			limit = 20
		}
		if limit > 100 {
			limit = 100
		}

		reports, total, err := svc.ListReports(r.Context(), store.ReportFilter{
			OwnerID: ownerID,
			Status:  status,
			Page:    page,
			Limit:   limit,
		})
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to list reports", nil)
			return
		}

		response.Collection(w, reports, response.PaginationMeta{
			Page:    page,
			Limit:   limit,
			Total:   total,
			HasNext: page*limit < total,
		})
	}
}

// NewReportResultHandler returns the handler for
// GET /api/v1/reports/{reportID}/result, streaming the rendered valuation.
func NewReportResultHandler(svc ReportReader, st storage.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		report, ok := ownedReport(w, r, svc)
		if !ok {
			return
		}

		if report.Status == models.ReportStatusFailed {
			msg := "Report processing failed"
			if report.ErrorMessage != nil {
				msg = *report.ErrorMessage
			}
			response.Error(w, http.StatusConflict, "REPORT_FAILED", msg, nil)
			return
		}
		if report.ResultRef == nil {
			response.Error(w, http.StatusConflict, "REPORT_NOT_READY",
				"Report is still processing", nil)
			return
		}

		rc, err := st.Open(r.Context(), *report.ResultRef)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "RESULT_NOT_FOUND",
					"Report result is no longer available", nil)
				return
			}
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to read report result", nil)
			return
		}
		defer rc.Close()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		io.Copy(w, rc)
	}
}

// ownedReport resolves {reportID} for the authenticated owner. Reports owned
// by someone else read as not found so IDs cannot be probed.
func ownedReport(w http.ResponseWriter, r *http.Request, svc ReportReader) (*models.Report, bool) {
	ownerID, ok := mw.GetOwnerID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
		return nil, false
	}

	id, err := uuid.Parse(chi.URLParam(r, "reportID"))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
			"reportID must be a valid UUID", nil)
		return nil, false
	}

	report, err := svc.GetReport(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			response.Error(w, http.StatusNotFound, "REPORT_NOT_FOUND", "Report not found", nil)
			return nil, false
		}
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"Failed to load report", nil)
		return nil, false
	}
	if report.OwnerID != ownerID {
		response.Error(w, http.StatusNotFound, "REPORT_NOT_FOUND", "Report not found", nil)
		return nil, false
	}
	return report, true
}

func validStatus(s string) bool {
	switch s {
	case models.ReportStatusPending, models.ReportStatusRunning,
		models.ReportStatusSucceeded, models.ReportStatusFailed:
		return true
	}
	return false
}

func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
