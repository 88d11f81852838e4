package entityloader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/graph-gophers/dataloader"

	"github.com/rpattn/chronicle/internal/domain"
	"github.com/rpattn/chronicle/internal/repository"
)

// ErrNotFound marks a batch key that resolved to no entity.
var ErrNotFound = errors.New("entity not found")

// EntityLoader batches the entity lookups of one request into a single
// GetByIDs call. Keys resolve independently: a malformed or missing key fails
// only its own result, never the rest of the batch.
type EntityLoader struct {
	Loader *dataloader.Loader
}

func NewEntityLoader(repo repository.EntityRepository) *EntityLoader {
	return &EntityLoader{
		Loader: dataloader.NewBatchedLoader(batchLoad(repo), dataloader.WithWait(5*time.Millisecond)),
	}
}

func batchLoad(repo repository.EntityRepository) dataloader.BatchFunc {
	return func(ctx context.Context, keys dataloader.Keys) []*dataloader.Result {
		results := make([]*dataloader.Result, len(keys))

		ids := make([]uuid.UUID, len(keys))
		fetch := make([]uuid.UUID, 0, len(keys))
		for i, key := range keys {
			id, err := uuid.Parse(key.String())
			if err != nil {
				results[i] = &dataloader.Result{Error: fmt.Errorf("invalid entity id %q: %w", key.String(), err)}
				continue
			}
			ids[i] = id
			fetch = append(fetch, id)
		}

		entities, err := repo.GetByIDs(ctx, fetch)
		if err != nil {
			for i := range results {
				if results[i] == nil {
					results[i] = &dataloader.Result{Error: err}
				}
			}
			return results
		}

		byID := make(map[uuid.UUID]domain.Entity, len(entities))
		for _, entity := range entities {
			byID[entity.ID] = entity
		}
		for i := range keys {
			if results[i] != nil {
				continue
			}
			if entity, ok := byID[ids[i]]; ok {
				results[i] = &dataloader.Result{Data: entity}
			} else {
				results[i] = &dataloader.Result{Error: fmt.Errorf("%w: %s", ErrNotFound, ids[i])}
			}
		}
		return results
	}
}
