package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// OutOfOrderError reports a clock advance whose timestamp does not follow the
// entity's current open interval. The flush that triggered it is aborted.
type OutOfOrderError struct {
	EntityID  uuid.UUID
	At        time.Time
	OpenStart time.Time
}

func (e *OutOfOrderError) Error() string {
	return fmt.Sprintf("clock advance for entity %s at %s precedes open tick started %s",
		e.EntityID, e.At.Format(time.RFC3339Nano), e.OpenStart.Format(time.RFC3339Nano))
}

// UnscopedMutationError reports tracked attributes mutated outside a
// recording scope on an entity whose policy mandates one. Raised at flush
// time; nothing is persisted.
type UnscopedMutationError struct {
	EntityID   uuid.UUID
	EntityType string
	Attributes []string
}

func (e *UnscopedMutationError) Error() string {
	return fmt.Sprintf("%s entity %s mutated outside a recording scope (attributes: %s)",
		e.EntityType, e.EntityID, strings.Join(e.Attributes, ", "))
}

// ScopeMisuseError reports an ExitScope with no matching EnterScope. This is
// a programming error and is raised immediately.
type ScopeMisuseError struct {
	Op string
}

func (e *ScopeMisuseError) Error() string {
	return fmt.Sprintf("recording scope misuse: %s", e.Op)
}

// ConcurrentModificationError wraps a store-detected write conflict. The
// transaction is aborted; retrying with a fresh snapshot is the caller's
// decision.
type ConcurrentModificationError struct {
	EntityID uuid.UUID
	Err      error
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("concurrent modification of entity %s: %v", e.EntityID, e.Err)
}

func (e *ConcurrentModificationError) Unwrap() error {
	return e.Err
}

// CompositeIntegrityError reports a composite group observed with only some
// member values resolvable. Partial composite history would break the
// atomic-group invariant, so the flush is aborted.
type CompositeIntegrityError struct {
	EntityID uuid.UUID
	Group    string
	Missing  []string
}

func (e *CompositeIntegrityError) Error() string {
	return fmt.Sprintf("composite %s on entity %s is missing member values: %s",
		e.Group, e.EntityID, strings.Join(e.Missing, ", "))
}
