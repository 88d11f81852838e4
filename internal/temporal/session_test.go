package temporal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/rpattn/chronicle/internal/domain"
)

// memoryStore is an in-memory Store with real transaction semantics: writes
// are staged on copies and adopted only when the transaction function
// succeeds, mirroring the rollback behavior of the relational store.
type memoryStore struct {
	entities map[uuid.UUID]domain.Entity
	clocks   map[uuid.UUID][]domain.ClockRecord
	history  map[string][]domain.HistoryRow

	// failOn aborts the named operation with failErr, for rollback tests.
	failOn  string
	failErr error

	// ops records the order of write operations across all transactions.
	ops []string
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		entities: map[uuid.UUID]domain.Entity{},
		clocks:   map[uuid.UUID][]domain.ClockRecord{},
		history:  map[string][]domain.HistoryRow{},
	}
}

func historyKey(entityType, attribute string) string {
	return entityType + "." + attribute
}

func (s *memoryStore) WithTx(ctx context.Context, fn func(StoreTx) error) error {
	tx := &memoryTx{
		store:    s,
		entities: map[uuid.UUID]domain.Entity{},
		clocks:   map[uuid.UUID][]domain.ClockRecord{},
		history:  map[string][]domain.HistoryRow{},
	}
	for id, entity := range s.entities {
		tx.entities[id] = entity
	}
	for id, records := range s.clocks {
		tx.clocks[id] = append([]domain.ClockRecord(nil), records...)
	}
	for key, rows := range s.history {
		tx.history[key] = append([]domain.HistoryRow(nil), rows...)
	}

	if err := fn(tx); err != nil {
		return err
	}

	s.entities = tx.entities
	s.clocks = tx.clocks
	s.history = tx.history
	s.ops = append(s.ops, tx.ops...)
	return nil
}

type memoryTx struct {
	store    *memoryStore
	entities map[uuid.UUID]domain.Entity
	clocks   map[uuid.UUID][]domain.ClockRecord
	history  map[string][]domain.HistoryRow
	ops      []string
}

func (tx *memoryTx) fail(op string) error {
	if tx.store.failOn == op {
		if tx.store.failErr != nil {
			return tx.store.failErr
		}
		return fmt.Errorf("injected %s failure", op)
	}
	return nil
}

func (tx *memoryTx) InsertEntity(_ context.Context, entity domain.Entity) error {
	if err := tx.fail("InsertEntity"); err != nil {
		return err
	}
	tx.entities[entity.ID] = entity
	tx.ops = append(tx.ops, "InsertEntity "+entity.ID.String())
	return nil
}

func (tx *memoryTx) UpdateEntity(_ context.Context, entity domain.Entity) error {
	if err := tx.fail("UpdateEntity"); err != nil {
		return err
	}
	if _, ok := tx.entities[entity.ID]; !ok {
		return fmt.Errorf("entity %s not found", entity.ID)
	}
	tx.entities[entity.ID] = entity
	tx.ops = append(tx.ops, "UpdateEntity "+entity.ID.String())
	return nil
}

func (tx *memoryTx) AdvanceClock(_ context.Context, entityID uuid.UUID, tick int64, at time.Time, activityID *uuid.UUID) error {
	if err := tx.fail("AdvanceClock"); err != nil {
		return err
	}
	records := tx.clocks[entityID]
	if tick > 1 {
		openIdx := -1
		for i := range records {
			if records[i].IsOpen() {
				openIdx = i
			}
		}
		if openIdx < 0 {
			return fmt.Errorf("no open clock record for entity %s", entityID)
		}
		open := records[openIdx]
		if at.Before(open.TickStart) {
			return &domain.OutOfOrderError{EntityID: entityID, At: at, OpenStart: open.TickStart}
		}
		if open.Tick+1 != tick {
			return &domain.ConcurrentModificationError{
				EntityID: entityID,
				Err:      fmt.Errorf("tick %d does not follow open tick %d", tick, open.Tick),
			}
		}
		end := at
		records[openIdx].TickEnd = &end
	}
	records = append(records, domain.ClockRecord{
		ID:         uuid.New(),
		EntityID:   entityID,
		Tick:       tick,
		TickStart:  at,
		ActivityID: activityID,
	})
	tx.clocks[entityID] = records
	tx.ops = append(tx.ops, fmt.Sprintf("AdvanceClock %s %d", entityID, tick))
	return nil
}

func (tx *memoryTx) CloseHistory(_ context.Context, entityType string, entityID uuid.UUID, attribute string, at time.Time) error {
	if err := tx.fail("CloseHistory"); err != nil {
		return err
	}
	key := historyKey(entityType, attribute)
	rows := tx.history[key]
	for i := range rows {
		if rows[i].EntityID == entityID && rows[i].IsOpen() {
			end := at
			rows[i].TickEnd = &end
		}
	}
	tx.history[key] = rows
	return nil
}

func (tx *memoryTx) InsertHistory(_ context.Context, entityType string, row domain.HistoryRow) error {
	if err := tx.fail("InsertHistory"); err != nil {
		return err
	}
	key := historyKey(entityType, row.Attribute)
	tx.history[key] = append(tx.history[key], row)
	tx.ops = append(tx.ops, fmt.Sprintf("InsertHistory %s %s %d", row.EntityID, row.Attribute, row.Vclock))
	return nil
}

func (s *memoryStore) rowsFor(entityType string, entityID uuid.UUID, attribute string) []domain.HistoryRow {
	var rows []domain.HistoryRow
	for _, row := range s.history[historyKey(entityType, attribute)] {
		if row.EntityID == entityID {
			rows = append(rows, row)
		}
	}
	return rows
}

func testRegistry(t *testing.T) *domain.PolicyRegistry {
	t.Helper()
	registry, err := domain.NewPolicyRegistry(domain.TemporalPolicy{
		EntityType: "equipment",
		Tracked:    []string{"description", "status"},
		Composites: []domain.CompositeGroup{
			{Name: "nameplate", Members: []string{"manufacturer", "model"}},
		},
		Defaults:      map[string]any{"status": "active"},
		ScopeRequired: true,
	})
	if err != nil {
		t.Fatalf("building registry: %v", err)
	}
	return registry
}

// fixedClock returns a clock that advances one second per call.
func fixedClock() func() time.Time {
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	return func() time.Time {
		t := base.Add(time.Duration(calls) * time.Second)
		calls++
		return t
	}
}

func TestCreateFlushInitializesVersionOne(t *testing.T) {
	store := newMemoryStore()
	session := NewSession(testRegistry(t), store, WithNow(fixedClock()))

	entity, err := session.Create("equipment", map[string]any{
		"description":  "pump skid",
		"manufacturer": "Acme",
		"model":        "MK1",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := session.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	stored, ok := store.entities[entity.ID]
	if !ok {
		t.Fatal("entity not persisted")
	}
	if stored.Vclock != 1 {
		t.Errorf("expected vclock 1, got %d", stored.Vclock)
	}
	if stored.Attributes["status"] != "active" {
		t.Errorf("default not materialized: %v", stored.Attributes)
	}

	clocks := store.clocks[entity.ID]
	if len(clocks) != 1 || clocks[0].Tick != 1 || !clocks[0].IsOpen() {
		t.Fatalf("expected one open tick-1 clock record, got %+v", clocks)
	}

	// Provided attributes, the default, and the composite each get one
	// open row at vclock 1.
	for _, attr := range []string{"description", "status", "nameplate"} {
		rows := store.rowsFor("equipment", entity.ID, attr)
		if len(rows) != 1 {
			t.Fatalf("%s: expected 1 history row, got %d", attr, len(rows))
		}
		if rows[0].Vclock != 1 || !rows[0].IsOpen() {
			t.Errorf("%s: expected open vclock-1 row, got %+v", attr, rows[0])
		}
	}
	if rows := store.rowsFor("equipment", entity.ID, "location"); len(rows) != 0 {
		t.Errorf("untracked attribute has history: %+v", rows)
	}
}

func TestCreateOmittedAttributeHasNoHistory(t *testing.T) {
	store := newMemoryStore()
	session := NewSession(testRegistry(t), store, WithNow(fixedClock()))

	entity, err := session.Create("equipment", map[string]any{"status": "idle"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := session.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if rows := store.rowsFor("equipment", entity.ID, "description"); len(rows) != 0 {
		t.Errorf("never-assigned attribute has history: %+v", rows)
	}
	rows := store.rowsFor("equipment", entity.ID, "status")
	if len(rows) != 1 || rows[0].Value != "idle" {
		t.Errorf("explicit value should win over default: %+v", rows)
	}
}

func TestScopedUpdateBumpsOnceAndCapsPrevious(t *testing.T) {
	store := newMemoryStore()
	session := NewSession(testRegistry(t), store, WithNow(fixedClock()))
	ctx := context.Background()

	entity, err := session.Create("equipment", map[string]any{"description": "first"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := session.Flush(ctx); err != nil {
		t.Fatalf("first flush: %v", err)
	}

	session.EnterScope()
	if err := session.Set(entity, "description", "second"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := session.Set(entity, "status", "retired"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := session.ExitScope(); err != nil {
		t.Fatalf("exit scope: %v", err)
	}
	if err := session.Flush(ctx); err != nil {
		t.Fatalf("second flush: %v", err)
	}

	if got := store.entities[entity.ID].Vclock; got != 2 {
		t.Errorf("expected vclock 2, got %d", got)
	}
	if entity.Vclock != 2 {
		t.Errorf("in-memory vclock not advanced: %d", entity.Vclock)
	}

	rows := store.rowsFor("equipment", entity.ID, "description")
	if len(rows) != 2 {
		t.Fatalf("expected 2 description rows, got %+v", rows)
	}
	if rows[0].IsOpen() {
		t.Errorf("previous row not capped: %+v", rows[0])
	}
	if rows[1].Vclock != 2 || !rows[1].IsOpen() || rows[1].Value != "second" {
		t.Errorf("unexpected current row: %+v", rows[1])
	}
	if !rows[0].TickEnd.Equal(rows[1].TickStart) {
		t.Errorf("cap time %v does not meet new start %v", rows[0].TickEnd, rows[1].TickStart)
	}

	clocks := store.clocks[entity.ID]
	if len(clocks) != 2 {
		t.Fatalf("expected 2 clock records, got %+v", clocks)
	}
	if clocks[0].IsOpen() || !clocks[1].IsOpen() || clocks[1].Tick != 2 {
		t.Errorf("ledger shape wrong: %+v", clocks)
	}
}

func TestNestedScopesCollapseToOneBump(t *testing.T) {
	store := newMemoryStore()
	session := NewSession(testRegistry(t), store, WithNow(fixedClock()))
	ctx := context.Background()

	entity, _ := session.Create("equipment", map[string]any{"description": "a"})
	if err := session.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	session.EnterScope()
	session.Set(entity, "description", "b")
	session.EnterScope()
	session.Set(entity, "status", "maintenance")
	if err := session.ExitScope(); err != nil {
		t.Fatalf("inner exit: %v", err)
	}
	if session.ScopeDepth() != 1 {
		t.Fatalf("expected depth 1 after inner exit, got %d", session.ScopeDepth())
	}
	if err := session.ExitScope(); err != nil {
		t.Fatalf("outer exit: %v", err)
	}
	if err := session.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if got := store.entities[entity.ID].Vclock; got != 2 {
		t.Errorf("nested scopes must yield a single bump, got vclock %d", got)
	}
	descRows := store.rowsFor("equipment", entity.ID, "description")
	statusRows := store.rowsFor("equipment", entity.ID, "status")
	if descRows[len(descRows)-1].Vclock != 2 || statusRows[len(statusRows)-1].Vclock != 2 {
		t.Errorf("rows from nested scopes should share one vclock")
	}
}

func TestUnmatchedExitFailsImmediately(t *testing.T) {
	session := NewSession(testRegistry(t), newMemoryStore())
	err := session.ExitScope()
	var misuse *domain.ScopeMisuseError
	if !errors.As(err, &misuse) {
		t.Fatalf("expected ScopeMisuseError, got %v", err)
	}
}

func TestUnscopedMutationRejectedAtFlush(t *testing.T) {
	store := newMemoryStore()
	session := NewSession(testRegistry(t), store, WithNow(fixedClock()))
	ctx := context.Background()

	entity, _ := session.Create("equipment", map[string]any{"description": "a"})
	if err := session.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := session.Set(entity, "description", "b"); err != nil {
		t.Fatalf("set must be accepted in memory: %v", err)
	}
	err := session.Flush(ctx)
	var unscoped *domain.UnscopedMutationError
	if !errors.As(err, &unscoped) {
		t.Fatalf("expected UnscopedMutationError, got %v", err)
	}
	if len(unscoped.Attributes) != 1 || unscoped.Attributes[0] != "description" {
		t.Errorf("unexpected offending attributes: %v", unscoped.Attributes)
	}

	// Nothing persisted, vclock unchanged.
	if got := store.entities[entity.ID].Vclock; got != 1 {
		t.Errorf("vclock moved on rejected flush: %d", got)
	}
	if rows := store.rowsFor("equipment", entity.ID, "description"); len(rows) != 1 {
		t.Errorf("history written on rejected flush: %+v", rows)
	}

	// The pending change survives; wrapping it in a scope repairs the
	// flush.
	session.EnterScope()
	session.Set(entity, "description", "b")
	if err := session.ExitScope(); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if err := session.Flush(ctx); err != nil {
		t.Fatalf("repaired flush: %v", err)
	}
	if got := store.entities[entity.ID].Vclock; got != 2 {
		t.Errorf("repaired flush should bump to 2, got %d", got)
	}
}

func TestScopedReassignmentSupersedesUnscopedFlag(t *testing.T) {
	store := newMemoryStore()
	session := NewSession(testRegistry(t), store, WithNow(fixedClock()))
	ctx := context.Background()

	entity, _ := session.Create("equipment", map[string]any{"description": "a"})
	if err := session.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	// Depth-0 mutation, then a different value assigned under a scope
	// before any flush. The scoped assignment must clear the flag.
	session.Set(entity, "description", "b")
	session.EnterScope()
	session.Set(entity, "description", "c")
	if err := session.ExitScope(); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if err := session.Flush(ctx); err != nil {
		t.Fatalf("scope-covered reassignment should flush cleanly: %v", err)
	}
	rows := store.rowsFor("equipment", entity.ID, "description")
	last := rows[len(rows)-1]
	if last.Vclock != 2 || last.Value != "c" {
		t.Errorf("expected open vclock-2 row with scoped value, got %+v", last)
	}

	// Only the reassigned attribute is cleared; an attribute still flagged
	// keeps failing the flush.
	session.Set(entity, "status", "retired")
	session.EnterScope()
	session.Set(entity, "description", "d")
	if err := session.ExitScope(); err != nil {
		t.Fatalf("exit: %v", err)
	}
	err := session.Flush(ctx)
	var unscoped *domain.UnscopedMutationError
	if !errors.As(err, &unscoped) {
		t.Fatalf("expected UnscopedMutationError for status, got %v", err)
	}
	if len(unscoped.Attributes) != 1 || unscoped.Attributes[0] != "status" {
		t.Errorf("unexpected offending attributes: %v", unscoped.Attributes)
	}
}

func TestUntrackedMutationNeedsNoScope(t *testing.T) {
	store := newMemoryStore()
	session := NewSession(testRegistry(t), store, WithNow(fixedClock()))
	ctx := context.Background()

	entity, _ := session.Create("equipment", map[string]any{"description": "a"})
	if err := session.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if err := session.Set(entity, "location", "warehouse 7"); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := session.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	stored := store.entities[entity.ID]
	if stored.Vclock != 1 {
		t.Errorf("untracked change must not bump vclock, got %d", stored.Vclock)
	}
	if stored.Attributes["location"] != "warehouse 7" {
		t.Errorf("untracked change not persisted: %v", stored.Attributes)
	}
	if len(store.clocks[entity.ID]) != 1 {
		t.Errorf("untracked change grew the ledger: %+v", store.clocks[entity.ID])
	}
}

func TestNoOpAssignmentDoesNotBump(t *testing.T) {
	store := newMemoryStore()
	session := NewSession(testRegistry(t), store, WithNow(fixedClock()))
	ctx := context.Background()

	entity, _ := session.Create("equipment", map[string]any{"description": "same"})
	if err := session.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	session.EnterScope()
	session.Set(entity, "description", "same")
	if err := session.ExitScope(); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if err := session.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if got := store.entities[entity.ID].Vclock; got != 1 {
		t.Errorf("no-op assignment bumped vclock to %d", got)
	}
	if rows := store.rowsFor("equipment", entity.ID, "description"); len(rows) != 1 {
		t.Errorf("no-op assignment wrote history: %+v", rows)
	}
}

func TestCompositeMemberChangeWritesFullGroup(t *testing.T) {
	store := newMemoryStore()
	session := NewSession(testRegistry(t), store, WithNow(fixedClock()))
	ctx := context.Background()

	entity, _ := session.Create("equipment", map[string]any{
		"manufacturer": "Acme", "model": "MK1",
	})
	if err := session.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	session.EnterScope()
	session.Set(entity, "model", "MK2")
	if err := session.ExitScope(); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if err := session.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	rows := store.rowsFor("equipment", entity.ID, "nameplate")
	if len(rows) != 2 {
		t.Fatalf("expected 2 nameplate rows, got %+v", rows)
	}
	value, ok := rows[1].Value.(map[string]any)
	if !ok {
		t.Fatalf("composite value is %T", rows[1].Value)
	}
	if value["manufacturer"] != "Acme" || value["model"] != "MK2" {
		t.Errorf("composite row not self-contained: %v", value)
	}
}

func TestFlushVisitsEntitiesInIDOrder(t *testing.T) {
	store := newMemoryStore()
	ids := []uuid.UUID{
		uuid.MustParse("cccccccc-0000-0000-0000-000000000000"),
		uuid.MustParse("aaaaaaaa-0000-0000-0000-000000000000"),
		uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000000"),
	}
	next := 0
	session := NewSession(testRegistry(t), store,
		WithNow(fixedClock()),
		WithIDGenerator(func() uuid.UUID {
			// Entity IDs come from the fixed list; history row IDs
			// after it are random.
			if next < len(ids) {
				id := ids[next]
				next++
				return id
			}
			return uuid.New()
		}),
	)

	for range ids {
		if _, err := session.Create("equipment", map[string]any{"description": "x"}); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	if err := session.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	var inserted []string
	for _, op := range store.ops {
		if strings.HasPrefix(op, "InsertEntity ") {
			inserted = append(inserted, strings.TrimPrefix(op, "InsertEntity "))
		}
	}
	expected := []string{
		"aaaaaaaa-0000-0000-0000-000000000000",
		"bbbbbbbb-0000-0000-0000-000000000000",
		"cccccccc-0000-0000-0000-000000000000",
	}
	if len(inserted) != len(expected) {
		t.Fatalf("expected %d inserts, got %v", len(expected), inserted)
	}
	for i := range expected {
		if inserted[i] != expected[i] {
			t.Fatalf("flush order not deterministic: %v", inserted)
		}
	}
}

func TestFlushErrorLeavesMemoryAndStoreUntouched(t *testing.T) {
	store := newMemoryStore()
	session := NewSession(testRegistry(t), store, WithNow(fixedClock()))
	ctx := context.Background()

	entity, _ := session.Create("equipment", map[string]any{"description": "a"})
	if err := session.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	store.failOn = "InsertHistory"
	session.EnterScope()
	session.Set(entity, "description", "b")
	if err := session.ExitScope(); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if err := session.Flush(ctx); err == nil {
		t.Fatal("expected flush to fail")
	}

	if entity.Vclock != 1 {
		t.Errorf("in-memory vclock moved on failed flush: %d", entity.Vclock)
	}
	if got := store.entities[entity.ID].Vclock; got != 1 {
		t.Errorf("store vclock moved on failed flush: %d", got)
	}
	if rows := store.rowsFor("equipment", entity.ID, "description"); len(rows) != 1 || !rows[0].IsOpen() {
		t.Errorf("store history changed on failed flush: %+v", rows)
	}

	// Pending changes survive the failure; a retry flushes them.
	store.failOn = ""
	if err := session.Flush(ctx); err != nil {
		t.Fatalf("retry flush: %v", err)
	}
	if got := store.entities[entity.ID].Vclock; got != 2 {
		t.Errorf("retry did not flush pending change, vclock %d", got)
	}
}

func TestOutOfOrderAdvanceAborts(t *testing.T) {
	store := newMemoryStore()
	// A clock that runs backwards after the first flush.
	times := []time.Time{
		time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 1, 11, 0, 0, 0, time.UTC),
	}
	call := 0
	session := NewSession(testRegistry(t), store, WithNow(func() time.Time {
		t := times[call%len(times)]
		call++
		return t
	}))
	ctx := context.Background()

	entity, _ := session.Create("equipment", map[string]any{"description": "a"})
	if err := session.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	session.EnterScope()
	session.Set(entity, "description", "b")
	if err := session.ExitScope(); err != nil {
		t.Fatalf("exit: %v", err)
	}
	err := session.Flush(ctx)
	var outOfOrder *domain.OutOfOrderError
	if !errors.As(err, &outOfOrder) {
		t.Fatalf("expected OutOfOrderError, got %v", err)
	}
	if got := store.entities[entity.ID].Vclock; got != 1 {
		t.Errorf("out-of-order flush persisted a bump: %d", got)
	}
}

func TestActivityCorrelationOnClockRecord(t *testing.T) {
	store := newMemoryStore()
	session := NewSession(testRegistry(t), store, WithNow(fixedClock()))
	ctx := context.Background()

	entity, _ := session.Create("equipment", map[string]any{"description": "a"})
	if err := session.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	activityID := uuid.New()
	session.EnterScopeWithActivity(activityID)
	session.Set(entity, "description", "b")
	if err := session.ExitScope(); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if err := session.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	clocks := store.clocks[entity.ID]
	last := clocks[len(clocks)-1]
	if last.ActivityID == nil || *last.ActivityID != activityID {
		t.Errorf("activity not recorded on tick %d: %+v", last.Tick, last)
	}
	if clocks[0].ActivityID != nil {
		t.Errorf("creation tick unexpectedly correlated: %+v", clocks[0])
	}

	// Correlation does not leak into later flushes.
	session.EnterScope()
	session.Set(entity, "description", "c")
	if err := session.ExitScope(); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if err := session.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	clocks = store.clocks[entity.ID]
	if last := clocks[len(clocks)-1]; last.ActivityID != nil {
		t.Errorf("activity leaked into tick %d", last.Tick)
	}
}

func TestBeforeCommitHookRunsInsideTransaction(t *testing.T) {
	store := newMemoryStore()
	session := NewSession(testRegistry(t), store, WithNow(fixedClock()))
	ctx := context.Background()

	entity, _ := session.Create("equipment", map[string]any{"description": "a"})
	if err := session.Flush(ctx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	hookErr := errors.New("audit write failed")
	session.OnBeforeCommit(func(context.Context) error { return hookErr })
	session.EnterScope()
	session.Set(entity, "description", "b")
	if err := session.ExitScope(); err != nil {
		t.Fatalf("exit: %v", err)
	}

	err := session.Flush(ctx)
	if !errors.Is(err, hookErr) {
		t.Fatalf("expected hook error, got %v", err)
	}
	if got := store.entities[entity.ID].Vclock; got != 1 {
		t.Errorf("hook failure must abort the whole flush, vclock %d", got)
	}
}

func TestAttachRejectsDuplicateAndUnknownType(t *testing.T) {
	session := NewSession(testRegistry(t), newMemoryStore())

	entity := domain.Entity{
		ID:         uuid.New(),
		EntityType: "equipment",
		Attributes: map[string]any{"description": "a"},
		Vclock:     3,
	}
	if _, err := session.Attach(entity); err != nil {
		t.Fatalf("attach: %v", err)
	}
	if _, err := session.Attach(entity); err == nil {
		t.Error("expected duplicate attach to fail")
	}
	if _, err := session.Attach(domain.Entity{ID: uuid.New(), EntityType: "vessel"}); err == nil {
		t.Error("expected attach of unknown type to fail")
	}
}

func TestAttachedEntityContinuesItsClock(t *testing.T) {
	store := newMemoryStore()
	clock := fixedClock()

	// First session creates the entity.
	first := NewSession(testRegistry(t), store, WithNow(clock))
	created, _ := first.Create("equipment", map[string]any{"description": "a"})
	if err := first.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	// A later session loads and mutates it.
	second := NewSession(testRegistry(t), store, WithNow(clock))
	entity, err := second.Attach(store.entities[created.ID])
	if err != nil {
		t.Fatalf("attach: %v", err)
	}
	second.EnterScope()
	second.Set(entity, "description", "b")
	if err := second.ExitScope(); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if err := second.Flush(context.Background()); err != nil {
		t.Fatalf("flush: %v", err)
	}

	if got := store.entities[created.ID].Vclock; got != 2 {
		t.Errorf("expected vclock 2 across sessions, got %d", got)
	}
	clocks := store.clocks[created.ID]
	if len(clocks) != 2 || clocks[1].Tick != 2 {
		t.Errorf("ledger did not continue: %+v", clocks)
	}
}

func TestEmptyFlushIsNoOp(t *testing.T) {
	store := newMemoryStore()
	session := NewSession(testRegistry(t), store)
	if err := session.Flush(context.Background()); err != nil {
		t.Fatalf("empty flush: %v", err)
	}
	if len(store.ops) != 0 {
		t.Errorf("empty flush touched the store: %v", store.ops)
	}
}
