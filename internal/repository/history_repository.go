package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/chronicle/internal/domain"
)

// historyRepository implements HistoryRepository over the per-attribute
// history tables described by the mapping.
type historyRepository struct {
	pool    *pgxpool.Pool
	mapping *domain.HistoryTableMapping
}

// NewHistoryRepository creates a new history read repository.
func NewHistoryRepository(pool *pgxpool.Pool, mapping *domain.HistoryTableMapping) HistoryRepository {
	return &historyRepository{pool: pool, mapping: mapping}
}

func (r *historyRepository) ListByEntityAttribute(ctx context.Context, entityType string, entityID uuid.UUID, attribute string) ([]domain.HistoryRow, error) {
	table, err := r.mapping.TableFor(entityType, attribute)
	if err != nil {
		return nil, err
	}
	sql := fmt.Sprintf(`
		SELECT id, entity_id, value, vclock, tick_start, tick_end
		FROM %s WHERE entity_id = $1
		ORDER BY vclock ASC`, pgx.Identifier{table}.Sanitize())

	rows, err := r.pool.Query(ctx, sql, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list history for %s.%s: %w", entityType, attribute, err)
	}
	defer rows.Close()

	history := make([]domain.HistoryRow, 0)
	for rows.Next() {
		var row domain.HistoryRow
		var valueJSON json.RawMessage
		if err := rows.Scan(&row.ID, &row.EntityID, &valueJSON, &row.Vclock, &row.TickStart, &row.TickEnd); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(valueJSON, &row.Value); err != nil {
			return nil, fmt.Errorf("failed to decode history value for %s: %w", row.ID, err)
		}
		row.Attribute = attribute
		history = append(history, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return history, nil
}
