package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	mw "github.com/docval/docval/internal/api/middleware"
	"github.com/docval/docval/internal/api/response"
	"github.com/docval/docval/internal/quota"
)

// UsageProvider reports an owner's quota consumption.
type UsageProvider interface {
	Usage(ctx context.Context, ownerID uuid.UUID) (*quota.Usage, error)
}

// NewUsageHandler returns the handler for GET /api/v1/usage.
func NewUsageHandler(svc UsageProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ownerID, ok := mw.GetOwnerID(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
			return
		}

		usage, err := svc.Usage(r.Context(), ownerID)
		if err != nil {
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"Failed to load usage", nil)
			return
		}

		response.JSON(w, usage)
	}
}
