package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Entity represents the current state of a versioned record. Attributes hold
// the full attribute map as last flushed plus any committed changes; Vclock
// is the strictly increasing per-entity version, starting at 1 on creation.
type Entity struct {
	ID         uuid.UUID      `json:"id"`
	EntityType string         `json:"entity_type"`
	Attributes map[string]any `json:"attributes"`
	Vclock     int64          `json:"vclock"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// GetAttributesAsJSONB marshals the attribute map for JSONB storage.
func (e *Entity) GetAttributesAsJSONB() (json.RawMessage, error) {
	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	return json.Marshal(e.Attributes)
}

// FromJSONBAttributes decodes an attribute map from JSONB data.
func FromJSONBAttributes(attributesJSON json.RawMessage) (map[string]any, error) {
	var attributes map[string]any
	err := json.Unmarshal(attributesJSON, &attributes)
	return attributes, err
}

// CloneAttributes makes a shallow copy of an attribute map. Values are
// JSON-decoded scalars, slices and maps; callers must not mutate nested
// values in place.
func CloneAttributes(attributes map[string]any) map[string]any {
	cloned := make(map[string]any, len(attributes))
	for key, value := range attributes {
		cloned[key] = value
	}
	return cloned
}
