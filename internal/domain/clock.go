package domain

import (
	"time"

	"github.com/google/uuid"
)

// ClockRecord is one row of an entity's version ledger. Records are totally
// ordered by Tick; at most one record per entity has TickEnd == nil (the
// current version), and the start of tick v+1 equals the end of tick v.
type ClockRecord struct {
	ID         uuid.UUID  `json:"id"`
	EntityID   uuid.UUID  `json:"entity_id"`
	Tick       int64      `json:"tick"`
	TickStart  time.Time  `json:"tick_start"`
	TickEnd    *time.Time `json:"tick_end,omitempty"`
	ActivityID *uuid.UUID `json:"activity_id,omitempty"`
}

// IsOpen reports whether this record is the entity's current version.
func (c ClockRecord) IsOpen() bool {
	return c.TickEnd == nil
}
