package domain

import (
	"fmt"
	"sort"
)

// CompositeGroup is a set of attributes recorded together as one atomic unit.
// A history row for the group always carries every member value.
type CompositeGroup struct {
	Name    string
	Members []string
}

// TemporalPolicy describes which attributes of an entity type are tracked and
// how mutations must be scoped. It is the result of model declaration; the
// core only ever consumes the descriptor.
type TemporalPolicy struct {
	EntityType    string
	Tracked       []string
	Composites    []CompositeGroup
	Defaults      map[string]any
	ScopeRequired bool
}

// TrackedNames returns the names of all tracked units (scalar attributes and
// composite groups) in deterministic order.
func (p TemporalPolicy) TrackedNames() []string {
	names := make([]string, 0, len(p.Tracked)+len(p.Composites))
	names = append(names, p.Tracked...)
	for _, group := range p.Composites {
		names = append(names, group.Name)
	}
	sort.Strings(names)
	return names
}

// GroupFor returns the composite group containing the given field, if any.
func (p TemporalPolicy) GroupFor(field string) (CompositeGroup, bool) {
	for _, group := range p.Composites {
		for _, member := range group.Members {
			if member == field {
				return group, true
			}
		}
	}
	return CompositeGroup{}, false
}

// IsTracked reports whether the field is covered by this policy, either as a
// scalar attribute or as a member of a composite group.
func (p TemporalPolicy) IsTracked(field string) bool {
	for _, name := range p.Tracked {
		if name == field {
			return true
		}
	}
	_, ok := p.GroupFor(field)
	return ok
}

// Validate checks the policy for declaration mistakes: empty groups, fields
// tracked both individually and in a group, duplicate names.
func (p TemporalPolicy) Validate() error {
	if p.EntityType == "" {
		return fmt.Errorf("temporal policy missing entity type")
	}
	seen := map[string]string{}
	for _, name := range p.Tracked {
		if prev, ok := seen[name]; ok {
			return fmt.Errorf("policy for %s: %q tracked twice (%s)", p.EntityType, name, prev)
		}
		seen[name] = "scalar"
	}
	for _, group := range p.Composites {
		if group.Name == "" {
			return fmt.Errorf("policy for %s: composite group missing name", p.EntityType)
		}
		if len(group.Members) < 2 {
			return fmt.Errorf("policy for %s: composite %q needs at least two members", p.EntityType, group.Name)
		}
		if prev, ok := seen[group.Name]; ok {
			return fmt.Errorf("policy for %s: %q tracked twice (%s)", p.EntityType, group.Name, prev)
		}
		seen[group.Name] = "composite"
		for _, member := range group.Members {
			if prev, ok := seen[member]; ok {
				return fmt.Errorf("policy for %s: %q tracked twice (%s)", p.EntityType, member, prev)
			}
			seen[member] = "composite member of " + group.Name
		}
	}
	return nil
}

// PolicyRegistry holds the temporal policies known to a deployment. It is
// built once at setup and passed to the session factory; nothing is looked up
// from ambient state.
type PolicyRegistry struct {
	policies map[string]TemporalPolicy
}

// NewPolicyRegistry builds a registry from the given policies.
func NewPolicyRegistry(policies ...TemporalPolicy) (*PolicyRegistry, error) {
	registry := &PolicyRegistry{policies: make(map[string]TemporalPolicy, len(policies))}
	for _, policy := range policies {
		if err := policy.Validate(); err != nil {
			return nil, err
		}
		if _, ok := registry.policies[policy.EntityType]; ok {
			return nil, fmt.Errorf("duplicate temporal policy for %s", policy.EntityType)
		}
		registry.policies[policy.EntityType] = policy
	}
	return registry, nil
}

// Lookup returns the policy for an entity type.
func (r *PolicyRegistry) Lookup(entityType string) (TemporalPolicy, bool) {
	policy, ok := r.policies[entityType]
	return policy, ok
}

// EntityTypes lists registered entity types in sorted order.
func (r *PolicyRegistry) EntityTypes() []string {
	types := make([]string, 0, len(r.policies))
	for entityType := range r.policies {
		types = append(types, entityType)
	}
	sort.Strings(types)
	return types
}

// HistoryTableName derives the storage table for one tracked unit of an
// entity type. The mapping owned by the store is normally built from this.
func HistoryTableName(entityType, attribute string) string {
	return fmt.Sprintf("%s_history_%s", entityType, attribute)
}

// HistoryTableMapping maps (entity type, tracked unit) to the history table
// that stores its rows. Constructed once at schema-setup time.
type HistoryTableMapping struct {
	tables map[string]map[string]string
}

// NewHistoryTableMapping derives the default mapping for every tracked unit
// in the registry.
func NewHistoryTableMapping(registry *PolicyRegistry) *HistoryTableMapping {
	mapping := &HistoryTableMapping{tables: map[string]map[string]string{}}
	for _, entityType := range registry.EntityTypes() {
		policy, _ := registry.Lookup(entityType)
		byAttr := map[string]string{}
		for _, name := range policy.TrackedNames() {
			byAttr[name] = HistoryTableName(entityType, name)
		}
		mapping.tables[entityType] = byAttr
	}
	return mapping
}

// TableFor resolves the history table for a tracked unit.
func (m *HistoryTableMapping) TableFor(entityType, attribute string) (string, error) {
	byAttr, ok := m.tables[entityType]
	if !ok {
		return "", fmt.Errorf("no history tables registered for entity type %s", entityType)
	}
	table, ok := byAttr[attribute]
	if !ok {
		return "", fmt.Errorf("no history table for %s.%s", entityType, attribute)
	}
	return table, nil
}

// Tables returns every mapped table name in sorted order, used by schema
// checks and exports.
func (m *HistoryTableMapping) Tables() []string {
	names := make([]string, 0)
	for _, byAttr := range m.tables {
		for _, table := range byAttr {
			names = append(names, table)
		}
	}
	sort.Strings(names)
	return names
}
