package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/chronicle/internal/domain"
)

// entityRepository implements EntityRepository over Postgres.
type entityRepository struct {
	pool *pgxpool.Pool
}

// NewEntityRepository creates a new entity repository.
func NewEntityRepository(pool *pgxpool.Pool) EntityRepository {
	return &entityRepository{pool: pool}
}

func (r *entityRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Entity, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, entity_type, attributes, vclock, created_at, updated_at
		FROM entities WHERE id = $1`, id)
	entity, err := scanEntity(row)
	if err != nil {
		return domain.Entity{}, fmt.Errorf("failed to get entity: %w", err)
	}
	return entity, nil
}

func (r *entityRepository) GetByIDs(ctx context.Context, ids []uuid.UUID) ([]domain.Entity, error) {
	if len(ids) == 0 {
		return []domain.Entity{}, nil
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, entity_type, attributes, vclock, created_at, updated_at
		FROM entities WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get entities by IDs: %w", err)
	}
	defer rows.Close()
	return collectEntities(rows)
}

func (r *entityRepository) ListByType(ctx context.Context, entityType string, limit, offset int) ([]domain.Entity, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, entity_type, attributes, vclock, created_at, updated_at
		FROM entities WHERE entity_type = $1
		ORDER BY created_at, id
		LIMIT $2 OFFSET $3`, entityType, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list entities by type: %w", err)
	}
	defer rows.Close()
	return collectEntities(rows)
}

func (r *entityRepository) Count(ctx context.Context, entityType string) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM entities WHERE entity_type = $1`, entityType).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count entities: %w", err)
	}
	return count, nil
}

func collectEntities(rows pgx.Rows) ([]domain.Entity, error) {
	entities := make([]domain.Entity, 0)
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		entities = append(entities, entity)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entities, nil
}

func scanEntity(row pgx.Row) (domain.Entity, error) {
	var (
		id                   uuid.UUID
		entityType           string
		attributesJSON       json.RawMessage
		vclock               int64
		createdAt, updatedAt time.Time
	)
	if err := row.Scan(&id, &entityType, &attributesJSON, &vclock, &createdAt, &updatedAt); err != nil {
		return domain.Entity{}, err
	}
	attributes, err := domain.FromJSONBAttributes(attributesJSON)
	if err != nil {
		return domain.Entity{}, fmt.Errorf("failed to decode attributes for entity %s: %w", id, err)
	}
	return domain.Entity{
		ID:         id,
		EntityType: entityType,
		Attributes: attributes,
		Vclock:     vclock,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}, nil
}
