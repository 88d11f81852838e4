package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/chronicle/internal/domain"
)

// clockRepository implements ClockRepository over Postgres.
type clockRepository struct {
	pool *pgxpool.Pool
}

// NewClockRepository creates a new clock ledger read repository.
func NewClockRepository(pool *pgxpool.Pool) ClockRepository {
	return &clockRepository{pool: pool}
}

func (r *clockRepository) ListByEntity(ctx context.Context, entityID uuid.UUID) ([]domain.ClockRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, entity_id, tick, tick_start, tick_end, activity_id
		FROM entity_clock WHERE entity_id = $1
		ORDER BY tick ASC`, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to list clock records: %w", err)
	}
	defer rows.Close()

	records := make([]domain.ClockRecord, 0)
	for rows.Next() {
		record, err := scanClockRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// FirstTick returns the record for tick 1, i.e. when the entity was created.
func (r *clockRepository) FirstTick(ctx context.Context, entityID uuid.UUID) (domain.ClockRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, entity_id, tick, tick_start, tick_end, activity_id
		FROM entity_clock WHERE entity_id = $1 AND tick = 1`, entityID)
	record, err := scanClockRecord(row)
	if err != nil {
		return domain.ClockRecord{}, fmt.Errorf("failed to get first tick: %w", err)
	}
	return record, nil
}

// LatestTick returns the open record, i.e. the entity's current version.
func (r *clockRepository) LatestTick(ctx context.Context, entityID uuid.UUID) (domain.ClockRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, entity_id, tick, tick_start, tick_end, activity_id
		FROM entity_clock WHERE entity_id = $1 AND tick_end IS NULL`, entityID)
	record, err := scanClockRecord(row)
	if err != nil {
		return domain.ClockRecord{}, fmt.Errorf("failed to get latest tick: %w", err)
	}
	return record, nil
}

func scanClockRecord(row pgx.Row) (domain.ClockRecord, error) {
	var record domain.ClockRecord
	err := row.Scan(&record.ID, &record.EntityID, &record.Tick, &record.TickStart, &record.TickEnd, &record.ActivityID)
	if err != nil {
		return domain.ClockRecord{}, err
	}
	return record, nil
}
