package temporal

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/chronicle/internal/domain"
)

// Session buffers attribute mutations for a set of tracked entities and
// persists them atomically at flush time: one vclock bump per entity per
// flush, one history row per changed tracked unit, all inside one store
// transaction.
//
// A session is bound to one logical transaction context and must not be
// shared across goroutines.
type Session struct {
	registry *domain.PolicyRegistry
	store    Store
	now      func() time.Time
	newID    func() uuid.UUID

	scopeDepth int
	activityID *uuid.UUID

	entities     map[uuid.UUID]*trackedEntity
	beforeCommit []func(context.Context) error
}

type trackedEntity struct {
	entity   *domain.Entity
	policy   domain.TemporalPolicy
	baseline map[string]any
	pending  map[string]any
	isNew    bool
	unscoped map[string]struct{}
}

// Option customizes a session.
type Option func(*Session)

// WithNow overrides the clock source, mainly for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides entity/row ID generation, mainly for tests.
func WithIDGenerator(newID func() uuid.UUID) Option {
	return func(s *Session) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// NewSession creates a session over the given policy registry and store.
func NewSession(registry *domain.PolicyRegistry, store Store, opts ...Option) *Session {
	session := &Session{
		registry: registry,
		store:    store,
		now:      time.Now,
		newID:    uuid.New,
		entities: make(map[uuid.UUID]*trackedEntity),
	}
	for _, opt := range opts {
		opt(session)
	}
	return session
}

// Create registers a new entity with the given initial attributes. Policy
// defaults are materialized for keys the caller did not supply, so defaulted
// attributes are recorded at version 1 like explicitly assigned ones. Nothing
// is persisted until Flush.
func (s *Session) Create(entityType string, attributes map[string]any) (*domain.Entity, error) {
	policy, ok := s.registry.Lookup(entityType)
	if !ok {
		return nil, fmt.Errorf("no temporal policy registered for entity type %s", entityType)
	}

	assigned := domain.CloneAttributes(attributes)
	for key, value := range policy.Defaults {
		if _, ok := assigned[key]; !ok {
			assigned[key] = value
		}
	}

	entity := &domain.Entity{
		ID:         s.newID(),
		EntityType: entityType,
		Attributes: domain.CloneAttributes(assigned),
		Vclock:     1,
	}
	s.entities[entity.ID] = &trackedEntity{
		entity:   entity,
		policy:   policy,
		baseline: map[string]any{},
		pending:  assigned,
		isNew:    true,
		unscoped: map[string]struct{}{},
	}
	return entity, nil
}

// Attach begins tracking an entity loaded from the store. The entity's
// current attributes become the detector's comparison baseline.
func (s *Session) Attach(entity domain.Entity) (*domain.Entity, error) {
	policy, ok := s.registry.Lookup(entity.EntityType)
	if !ok {
		return nil, fmt.Errorf("no temporal policy registered for entity type %s", entity.EntityType)
	}
	if _, ok := s.entities[entity.ID]; ok {
		return nil, fmt.Errorf("entity %s is already tracked by this session", entity.ID)
	}

	tracked := &trackedEntity{
		entity:   &entity,
		policy:   policy,
		baseline: domain.CloneAttributes(entity.Attributes),
		pending:  map[string]any{},
		unscoped: map[string]struct{}{},
	}
	tracked.entity.Attributes = domain.CloneAttributes(entity.Attributes)
	s.entities[entity.ID] = tracked
	return tracked.entity, nil
}

// Set assigns an attribute value, recording it in the pending buffer. The
// assignment is always accepted in memory; a tracked attribute mutated with
// no active scope under a scope-requiring policy is flagged and rejected at
// flush time. A later scope-covered assignment of the same attribute
// supersedes the flag, so an unscoped mutation can be repaired before flush.
func (s *Session) Set(entity *domain.Entity, attribute string, value any) error {
	tracked, ok := s.entities[entity.ID]
	if !ok {
		return fmt.Errorf("entity %s is not tracked by this session", entity.ID)
	}

	tracked.pending[attribute] = value
	tracked.entity.Attributes[attribute] = value

	if tracked.policy.ScopeRequired && tracked.policy.IsTracked(attribute) && !tracked.isNew {
		if s.scopeDepth == 0 {
			tracked.unscoped[attribute] = struct{}{}
		} else {
			delete(tracked.unscoped, attribute)
		}
	}
	return nil
}

// EnterScope opens (or nests into) a recording scope. Mutations made while
// any scope is active are bracketed into a single version bump at flush.
func (s *Session) EnterScope() {
	s.scopeDepth++
}

// EnterScopeWithActivity opens a scope and correlates the flush's clock
// records with an activity identifier.
func (s *Session) EnterScopeWithActivity(activityID uuid.UUID) {
	if s.scopeDepth == 0 {
		s.activityID = &activityID
	}
	s.scopeDepth++
}

// ExitScope leaves the innermost scope. Only the outermost exit ends the
// recording unit; persistence is still deferred to Flush. An unmatched exit
// is a programming error and fails immediately.
func (s *Session) ExitScope() error {
	if s.scopeDepth == 0 {
		return &domain.ScopeMisuseError{Op: "exit without matching enter"}
	}
	s.scopeDepth--
	return nil
}

// ScopeDepth returns the current nesting depth.
func (s *Session) ScopeDepth() int {
	return s.scopeDepth
}

// OnBeforeCommit registers a callback to run inside the flush transaction
// before any ledger or history statement.
func (s *Session) OnBeforeCommit(fn func(context.Context) error) {
	if fn != nil {
		s.beforeCommit = append(s.beforeCommit, fn)
	}
}

// Flush validates and persists all pending changes in one atomic
// transaction: per entity, detector then history writer then clock advance,
// entities visited in ID order so history ordering is reproducible. On any
// error nothing is persisted and in-memory state is left untouched, so the
// caller may repair and flush again or abandon the session.
func (s *Session) Flush(ctx context.Context) error {
	dirty := s.collectDirty()

	for _, tracked := range dirty {
		if len(tracked.unscoped) == 0 {
			continue
		}
		attrs := make([]string, 0, len(tracked.unscoped))
		for attr := range tracked.unscoped {
			attrs = append(attrs, attr)
		}
		sort.Strings(attrs)
		return &domain.UnscopedMutationError{
			EntityID:   tracked.entity.ID,
			EntityType: tracked.entity.EntityType,
			Attributes: attrs,
		}
	}

	if len(dirty) == 0 && len(s.beforeCommit) == 0 {
		return nil
	}

	at := s.now().UTC()
	type flushResult struct {
		tracked *trackedEntity
		vclock  int64
	}
	results := make([]flushResult, 0, len(dirty))

	err := s.store.WithTx(ctx, func(tx StoreTx) error {
		for _, fn := range s.beforeCommit {
			if err := fn(ctx); err != nil {
				return fmt.Errorf("before-commit hook: %w", err)
			}
		}

		for _, tracked := range dirty {
			vclock, err := s.flushEntity(ctx, tx, tracked, at)
			if err != nil {
				return err
			}
			results = append(results, flushResult{tracked: tracked, vclock: vclock})
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, result := range results {
		tracked := result.tracked
		tracked.entity.Vclock = result.vclock
		tracked.entity.UpdatedAt = at
		if tracked.isNew {
			tracked.entity.CreatedAt = at
			tracked.isNew = false
		}
		for key, value := range tracked.pending {
			tracked.baseline[key] = value
		}
		tracked.pending = map[string]any{}
		tracked.unscoped = map[string]struct{}{}
	}
	s.activityID = nil
	return nil
}

// flushEntity runs detector, history writer and clock ledger for one entity
// and returns the vclock the entity holds once the transaction commits.
func (s *Session) flushEntity(ctx context.Context, tx StoreTx, tracked *trackedEntity, at time.Time) (int64, error) {
	entity := tracked.entity
	changes, err := domain.Diff(tracked.policy, entity.ID, tracked.baseline, tracked.pending, tracked.isNew)
	if err != nil {
		return 0, err
	}

	if tracked.isNew {
		record := *entity
		record.Attributes = currentAttributes(tracked)
		record.Vclock = 1
		record.CreatedAt = at
		record.UpdatedAt = at
		if err := tx.InsertEntity(ctx, record); err != nil {
			return 0, fmt.Errorf("insert entity %s: %w", entity.ID, err)
		}
		if err := s.writeHistory(ctx, tx, tracked, changes, 1, at, false); err != nil {
			return 0, err
		}
		if err := tx.AdvanceClock(ctx, entity.ID, 1, at, s.activityID); err != nil {
			return 0, fmt.Errorf("initial clock tick for entity %s: %w", entity.ID, err)
		}
		return 1, nil
	}

	if len(changes) == 0 {
		// Untracked attributes may still have moved; persist them
		// without a version bump.
		if len(tracked.pending) > 0 {
			record := *entity
			record.Attributes = currentAttributes(tracked)
			record.UpdatedAt = at
			if err := tx.UpdateEntity(ctx, record); err != nil {
				return 0, fmt.Errorf("update entity %s: %w", entity.ID, err)
			}
		}
		return entity.Vclock, nil
	}

	vclock := entity.Vclock + 1
	if err := s.writeHistory(ctx, tx, tracked, changes, vclock, at, true); err != nil {
		return 0, err
	}
	if err := tx.AdvanceClock(ctx, entity.ID, vclock, at, s.activityID); err != nil {
		return 0, fmt.Errorf("clock advance for entity %s: %w", entity.ID, err)
	}

	record := *entity
	record.Attributes = currentAttributes(tracked)
	record.Vclock = vclock
	record.UpdatedAt = at
	if err := tx.UpdateEntity(ctx, record); err != nil {
		return 0, fmt.Errorf("update entity %s: %w", entity.ID, err)
	}
	return vclock, nil
}

// writeHistory caps previous open rows and appends new ones. All rows of one
// batch share the same vclock and timestamp so they reconstruct as one
// logical version.
func (s *Session) writeHistory(ctx context.Context, tx StoreTx, tracked *trackedEntity, changes []domain.Change, vclock int64, at time.Time, capPrevious bool) error {
	entity := tracked.entity
	for _, change := range changes {
		if capPrevious {
			if err := tx.CloseHistory(ctx, entity.EntityType, entity.ID, change.Attribute, at); err != nil {
				return fmt.Errorf("close history %s.%s: %w", entity.EntityType, change.Attribute, err)
			}
		}
		row := domain.HistoryRow{
			ID:        s.newID(),
			EntityID:  entity.ID,
			Attribute: change.Attribute,
			Value:     change.New,
			Vclock:    vclock,
			TickStart: at,
		}
		if err := tx.InsertHistory(ctx, entity.EntityType, row); err != nil {
			return fmt.Errorf("insert history %s.%s: %w", entity.EntityType, change.Attribute, err)
		}
	}
	return nil
}

// collectDirty returns tracked entities with pending work, ordered by entity
// ID for deterministic flushes.
func (s *Session) collectDirty() []*trackedEntity {
	dirty := make([]*trackedEntity, 0, len(s.entities))
	for _, tracked := range s.entities {
		if tracked.isNew || len(tracked.pending) > 0 {
			dirty = append(dirty, tracked)
		}
	}
	sort.Slice(dirty, func(i, j int) bool {
		return dirty[i].entity.ID.String() < dirty[j].entity.ID.String()
	})
	return dirty
}

func currentAttributes(tracked *trackedEntity) map[string]any {
	attributes := domain.CloneAttributes(tracked.baseline)
	for key, value := range tracked.pending {
		attributes[key] = value
	}
	return attributes
}
