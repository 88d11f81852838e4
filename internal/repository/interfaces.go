package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/rpattn/chronicle/internal/domain"
)

// EntityRepository defines the read surface for current entity state.
type EntityRepository interface {
	GetByID(ctx context.Context, id uuid.UUID) (domain.Entity, error)
	GetByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.Entity, error)
	ListByType(ctx context.Context, entityType string, limit, offset int) ([]domain.Entity, error)
	Count(ctx context.Context, entityType string) (int64, error)
}

// ClockRepository defines the read surface for the version ledger. Records
// are returned ordered by tick ascending; this path has no side effects.
type ClockRepository interface {
	ListByEntity(ctx context.Context, entityID uuid.UUID) ([]domain.ClockRecord, error)
	FirstTick(ctx context.Context, entityID uuid.UUID) (domain.ClockRecord, error)
	LatestTick(ctx context.Context, entityID uuid.UUID) (domain.ClockRecord, error)
}

// HistoryRepository defines the read surface for attribute history. Rows are
// returned ordered by vclock ascending; this path has no side effects.
type HistoryRepository interface {
	ListByEntityAttribute(ctx context.Context, entityType string, entityID uuid.UUID, attribute string) ([]domain.HistoryRow, error)
}
