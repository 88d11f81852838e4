package domain

import (
	"strings"
	"testing"
)

func TestPolicyValidateRejectsOverlap(t *testing.T) {
	policy := TemporalPolicy{
		EntityType: "equipment",
		Tracked:    []string{"manufacturer"},
		Composites: []CompositeGroup{
			{Name: "nameplate", Members: []string{"manufacturer", "model"}},
		},
	}
	err := policy.Validate()
	if err == nil {
		t.Fatal("expected validation error for attribute tracked twice")
	}
	if !strings.Contains(err.Error(), "manufacturer") {
		t.Errorf("error should name the offending attribute: %v", err)
	}
}

func TestPolicyValidateRejectsSingleMemberGroup(t *testing.T) {
	policy := TemporalPolicy{
		EntityType: "equipment",
		Composites: []CompositeGroup{
			{Name: "nameplate", Members: []string{"manufacturer"}},
		},
	}
	if err := policy.Validate(); err == nil {
		t.Fatal("expected validation error for single-member group")
	}
}

func TestNewPolicyRegistryRejectsDuplicateType(t *testing.T) {
	policy := TemporalPolicy{EntityType: "equipment", Tracked: []string{"status"}}
	_, err := NewPolicyRegistry(policy, policy)
	if err == nil {
		t.Fatal("expected duplicate entity type to be rejected")
	}
}

func TestTrackedNamesIncludesGroups(t *testing.T) {
	policy := testPolicy()
	names := policy.TrackedNames()
	expected := []string{"description", "nameplate", "status"}
	if len(names) != len(expected) {
		t.Fatalf("expected %v, got %v", expected, names)
	}
	for i := range expected {
		if names[i] != expected[i] {
			t.Fatalf("expected %v, got %v", expected, names)
		}
	}
}

func TestIsTrackedCoversGroupMembers(t *testing.T) {
	policy := testPolicy()
	for _, field := range []string{"description", "status", "manufacturer", "model"} {
		if !policy.IsTracked(field) {
			t.Errorf("%s should be tracked", field)
		}
	}
	if policy.IsTracked("location") {
		t.Errorf("location should not be tracked")
	}
}

func TestHistoryTableMapping(t *testing.T) {
	registry, err := NewPolicyRegistry(testPolicy())
	if err != nil {
		t.Fatalf("building registry: %v", err)
	}
	mapping := NewHistoryTableMapping(registry)

	table, err := mapping.TableFor("equipment", "nameplate")
	if err != nil {
		t.Fatalf("resolving table: %v", err)
	}
	if table != "equipment_history_nameplate" {
		t.Errorf("unexpected table name %q", table)
	}

	if _, err := mapping.TableFor("equipment", "location"); err == nil {
		t.Error("expected error for untracked attribute")
	}
	if _, err := mapping.TableFor("vessel", "status"); err == nil {
		t.Error("expected error for unknown entity type")
	}

	tables := mapping.Tables()
	if len(tables) != 3 {
		t.Errorf("expected 3 tables, got %v", tables)
	}
}
