package models

import (
	"time"

	"github.com/google/uuid"
)

// QuotaUsage is one owner's consumption counter for the current calendar
// month. Created lazily on the owner's first admission; reset when an
// admission arrives in a later month than window_start.
type QuotaUsage struct {
	OwnerID     uuid.UUID `db:"owner_id"     json:"owner_id"`
	WindowStart time.Time `db:"window_start" json:"window_start"`
	Used        int       `db:"used"         json:"used"`
	CreatedAt   time.Time `db:"created_at"   json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"   json:"updated_at"`
}
