package cache

import (
	"fmt"

	"github.com/google/uuid"
)

func ReportStatusKey(reportID uuid.UUID) string {
	return fmt.Sprintf("report:%s", reportID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}
