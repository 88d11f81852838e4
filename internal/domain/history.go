package domain

import (
	"time"

	"github.com/google/uuid"
)

// HistoryRow is one immutable record of a tracked unit's value. Rows for a
// given entity and attribute are append-only and ordered by Vclock; the
// newest row has TickEnd == nil. For composite groups Value is an object
// keyed by member name, so every row is self-contained.
type HistoryRow struct {
	ID        uuid.UUID  `json:"id"`
	EntityID  uuid.UUID  `json:"entity_id"`
	Attribute string     `json:"attribute"`
	Value     any        `json:"value"`
	Vclock    int64      `json:"vclock"`
	TickStart time.Time  `json:"tick_start"`
	TickEnd   *time.Time `json:"tick_end,omitempty"`
}

// IsOpen reports whether this row holds the attribute's current value.
func (h HistoryRow) IsOpen() bool {
	return h.TickEnd == nil
}
