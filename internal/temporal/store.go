package temporal

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/chronicle/internal/domain"
)

// Store is the narrow transactional surface the session flushes through. The
// relational implementation lives in internal/repository; tests substitute an
// in-memory fake.
type Store interface {
	// WithTx runs fn inside one atomic transaction. Every write the
	// flush coordinator performs for a batch happens through the same
	// StoreTx, so ledger and history can never be half-updated.
	WithTx(ctx context.Context, fn func(StoreTx) error) error
}

// StoreTx executes ledger, history and entity statements inside the caller's
// open transaction.
type StoreTx interface {
	// InsertEntity persists a newly created entity row.
	InsertEntity(ctx context.Context, entity domain.Entity) error

	// UpdateEntity persists the current attribute map and vclock of an
	// existing entity.
	UpdateEntity(ctx context.Context, entity domain.Entity) error

	// AdvanceClock closes the entity's open clock record at the given
	// time and inserts the next tick. For tick 1 there is nothing to
	// close. Returns *domain.OutOfOrderError when at precedes the open
	// record's start.
	AdvanceClock(ctx context.Context, entityID uuid.UUID, tick int64, at time.Time, activityID *uuid.UUID) error

	// CloseHistory caps the open history row of one tracked unit, if any.
	CloseHistory(ctx context.Context, entityType string, entityID uuid.UUID, attribute string, at time.Time) error

	// InsertHistory appends a new open history row for one tracked unit.
	InsertHistory(ctx context.Context, entityType string, row domain.HistoryRow) error
}
