package domain

import (
	"bytes"
	"encoding/json"
	"reflect"
	"sort"

	"github.com/google/uuid"
)

// Change is one tracked unit whose value differs from the baseline snapshot.
// For composite groups, Fields lists the members and Old/New are full member
// maps, including members that did not change.
type Change struct {
	Attribute string
	Fields    []string
	Old       any
	New       any
}

// IsComposite reports whether the change covers a composite group.
func (c Change) IsComposite() bool {
	return len(c.Fields) > 0
}

// Diff computes the set of tracked units whose pending value differs from the
// last flushed baseline. It is pure: no I/O, no mutation of its inputs.
//
// pending holds only attributes that were explicitly assigned; an attribute
// absent from pending was never touched. For new entities (isNew) every
// assigned attribute is reported, even when it equals a type default, and
// baseline is ignored. No-op assignments on existing entities are suppressed.
func Diff(policy TemporalPolicy, entityID uuid.UUID, baseline, pending map[string]any, isNew bool) ([]Change, error) {
	changes := make([]Change, 0, len(pending))

	for _, attr := range policy.Tracked {
		newValue, assigned := pending[attr]
		if !assigned {
			continue
		}
		if isNew {
			changes = append(changes, Change{Attribute: attr, New: newValue})
			continue
		}
		oldValue := baseline[attr]
		if valuesEqual(oldValue, newValue) {
			continue
		}
		changes = append(changes, Change{Attribute: attr, Old: oldValue, New: newValue})
	}

	for _, group := range policy.Composites {
		change, changed, err := diffComposite(group, entityID, baseline, pending, isNew)
		if err != nil {
			return nil, err
		}
		if changed {
			changes = append(changes, change)
		}
	}

	sort.Slice(changes, func(i, j int) bool {
		return changes[i].Attribute < changes[j].Attribute
	})
	return changes, nil
}

func diffComposite(group CompositeGroup, entityID uuid.UUID, baseline, pending map[string]any, isNew bool) (Change, bool, error) {
	assignedAny := false
	for _, member := range group.Members {
		if _, ok := pending[member]; ok {
			assignedAny = true
			break
		}
	}
	if !assignedAny {
		return Change{}, false, nil
	}

	// Resolve the merged view of every member so the history row is
	// self-contained. A member with no value anywhere makes the group
	// unrecordable.
	merged := make(map[string]any, len(group.Members))
	var missing []string
	for _, member := range group.Members {
		if value, ok := pending[member]; ok {
			merged[member] = value
			continue
		}
		if isNew {
			missing = append(missing, member)
			continue
		}
		value, ok := baseline[member]
		if !ok {
			missing = append(missing, member)
			continue
		}
		merged[member] = value
	}
	if len(missing) > 0 {
		return Change{}, false, &CompositeIntegrityError{EntityID: entityID, Group: group.Name, Missing: missing}
	}

	fields := append([]string(nil), group.Members...)
	if isNew {
		return Change{Attribute: group.Name, Fields: fields, New: merged}, true, nil
	}

	old := make(map[string]any, len(group.Members))
	differs := false
	for _, member := range group.Members {
		old[member] = baseline[member]
		if !valuesEqual(old[member], merged[member]) {
			differs = true
		}
	}
	if !differs {
		return Change{}, false, nil
	}
	return Change{Attribute: group.Name, Fields: fields, Old: old, New: merged}, true, nil
}

// valuesEqual compares two attribute values by their canonical JSON encoding,
// so that values decoded from JSONB and values assigned in memory compare
// consistently. Marshal failures fall back to deep equality.
func valuesEqual(a, b any) bool {
	aJSON, errA := json.Marshal(a)
	bJSON, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(a, b)
	}
	return bytes.Equal(aJSON, bJSON)
}
