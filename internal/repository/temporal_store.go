package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rpattn/chronicle/internal/domain"
	"github.com/rpattn/chronicle/internal/temporal"
)

// TemporalStore implements temporal.Store on Postgres. All statements of one
// flush run inside a single serializable transaction; isolation conflicts
// surface as *domain.ConcurrentModificationError and are never retried here.
type TemporalStore struct {
	pool    *pgxpool.Pool
	mapping *domain.HistoryTableMapping
}

// NewTemporalStore creates the store with an explicit attribute-to-table
// mapping built at schema-setup time.
func NewTemporalStore(pool *pgxpool.Pool, mapping *domain.HistoryTableMapping) *TemporalStore {
	return &TemporalStore{pool: pool, mapping: mapping}
}

// WithTx runs fn inside one serializable transaction.
func (s *TemporalStore) WithTx(ctx context.Context, fn func(temporal.StoreTx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin flush transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&storeTx{tx: tx, mapping: s.mapping}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		if isWriteConflict(err) {
			return &domain.ConcurrentModificationError{Err: err}
		}
		return fmt.Errorf("commit flush transaction: %w", err)
	}
	return nil
}

type storeTx struct {
	tx      pgx.Tx
	mapping *domain.HistoryTableMapping
}

func (t *storeTx) InsertEntity(ctx context.Context, entity domain.Entity) error {
	attributesJSON, err := entity.GetAttributesAsJSONB()
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	_, err = t.tx.Exec(ctx, `
		INSERT INTO entities (id, entity_type, attributes, vclock, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)`,
		entity.ID, entity.EntityType, attributesJSON, entity.Vclock, entity.CreatedAt)
	if err != nil {
		return t.wrapConflict(entity.ID, err)
	}
	return nil
}

func (t *storeTx) UpdateEntity(ctx context.Context, entity domain.Entity) error {
	attributesJSON, err := entity.GetAttributesAsJSONB()
	if err != nil {
		return fmt.Errorf("marshal attributes: %w", err)
	}
	tag, err := t.tx.Exec(ctx, `
		UPDATE entities SET attributes = $2, vclock = $3, updated_at = $4
		WHERE id = $1`,
		entity.ID, attributesJSON, entity.Vclock, entity.UpdatedAt)
	if err != nil {
		return t.wrapConflict(entity.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("entity %s not found", entity.ID)
	}
	return nil
}

func (t *storeTx) AdvanceClock(ctx context.Context, entityID uuid.UUID, tick int64, at time.Time, activityID *uuid.UUID) error {
	if tick > 1 {
		var openID uuid.UUID
		var openTick int64
		var openStart time.Time
		err := t.tx.QueryRow(ctx, `
			SELECT id, tick, tick_start FROM entity_clock
			WHERE entity_id = $1 AND tick_end IS NULL
			FOR UPDATE`, entityID).Scan(&openID, &openTick, &openStart)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("entity %s has no open clock record", entityID)
			}
			return t.wrapConflict(entityID, err)
		}
		if at.Before(openStart) {
			return &domain.OutOfOrderError{EntityID: entityID, At: at, OpenStart: openStart}
		}
		if openTick+1 != tick {
			return &domain.ConcurrentModificationError{
				EntityID: entityID,
				Err:      fmt.Errorf("expected open tick %d, found %d", tick-1, openTick),
			}
		}
		if _, err := t.tx.Exec(ctx, `
			UPDATE entity_clock SET tick_end = $2 WHERE id = $1`, openID, at); err != nil {
			return t.wrapConflict(entityID, err)
		}
	}

	_, err := t.tx.Exec(ctx, `
		INSERT INTO entity_clock (id, entity_id, tick, tick_start, activity_id)
		VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), entityID, tick, at, activityID)
	if err != nil {
		return t.wrapConflict(entityID, err)
	}
	return nil
}

func (t *storeTx) CloseHistory(ctx context.Context, entityType string, entityID uuid.UUID, attribute string, at time.Time) error {
	table, err := t.mapping.TableFor(entityType, attribute)
	if err != nil {
		return err
	}
	sql := fmt.Sprintf(`UPDATE %s SET tick_end = $2 WHERE entity_id = $1 AND tick_end IS NULL`,
		pgx.Identifier{table}.Sanitize())
	if _, err := t.tx.Exec(ctx, sql, entityID, at); err != nil {
		return t.wrapConflict(entityID, err)
	}
	return nil
}

func (t *storeTx) InsertHistory(ctx context.Context, entityType string, row domain.HistoryRow) error {
	table, err := t.mapping.TableFor(entityType, row.Attribute)
	if err != nil {
		return err
	}
	valueJSON, err := json.Marshal(row.Value)
	if err != nil {
		return fmt.Errorf("marshal history value: %w", err)
	}
	sql := fmt.Sprintf(`
		INSERT INTO %s (id, entity_id, value, vclock, tick_start)
		VALUES ($1, $2, $3, $4, $5)`, pgx.Identifier{table}.Sanitize())
	if _, err := t.tx.Exec(ctx, sql, row.ID, row.EntityID, valueJSON, row.Vclock, row.TickStart); err != nil {
		return t.wrapConflict(row.EntityID, err)
	}
	return nil
}

func (t *storeTx) wrapConflict(entityID uuid.UUID, err error) error {
	if isWriteConflict(err) {
		return &domain.ConcurrentModificationError{EntityID: entityID, Err: err}
	}
	return err
}

// isWriteConflict recognizes the store-level signals of two transactions
// racing on the same entity: serialization failures, deadlocks, and
// uniqueness violations on the (entity, vclock) constraints.
func isWriteConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "23505", "23P01":
		return true
	}
	return false
}
