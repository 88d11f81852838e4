package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/rpattn/chronicle/internal/domain"
	"github.com/rpattn/chronicle/internal/repository"
	"github.com/rpattn/chronicle/internal/temporal"
)

// MutationHandler exposes the write path: create an entity, or apply a batch
// of attribute assignments as one recording scope. Every request runs a fresh
// session; one request is one flush.
type MutationHandler struct {
	registry   *domain.PolicyRegistry
	store      temporal.Store
	entityRepo repository.EntityRepository
}

func NewMutationHandler(registry *domain.PolicyRegistry, store temporal.Store, entityRepo repository.EntityRepository) http.Handler {
	return &MutationHandler{registry: registry, store: store, entityRepo: entityRepo}
}

type createPayload struct {
	EntityType string         `json:"entityType"`
	Attributes map[string]any `json:"attributes"`
}

type updatePayload struct {
	EntityID   string         `json:"entityId"`
	Attributes map[string]any `json:"attributes"`
	ActivityID *string        `json:"activityId,omitempty"`
}

func (h *MutationHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch {
	case strings.HasSuffix(r.URL.Path, "/update"):
		h.handleUpdate(w, r)
	default:
		h.handleCreate(w, r)
	}
}

func (h *MutationHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var payload createPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	entityType := strings.TrimSpace(payload.EntityType)
	if entityType == "" {
		http.Error(w, "entityType is required", http.StatusBadRequest)
		return
	}

	session := temporal.NewSession(h.registry, h.store)
	entity, err := session.Create(entityType, payload.Attributes)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := session.Flush(r.Context()); err != nil {
		writeFlushError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entity)
}

func (h *MutationHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var payload updatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid payload: %v", err), http.StatusBadRequest)
		return
	}
	entityID, err := uuid.Parse(strings.TrimSpace(payload.EntityID))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid entityId: %v", err), http.StatusBadRequest)
		return
	}
	if len(payload.Attributes) == 0 {
		http.Error(w, "attributes are required", http.StatusBadRequest)
		return
	}

	current, err := h.entityRepo.GetByID(r.Context(), entityID)
	if err != nil {
		http.Error(w, fmt.Sprintf("entity not found: %v", err), http.StatusNotFound)
		return
	}

	session := temporal.NewSession(h.registry, h.store)
	entity, err := session.Attach(current)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if payload.ActivityID != nil {
		activityID, err := uuid.Parse(strings.TrimSpace(*payload.ActivityID))
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid activityId: %v", err), http.StatusBadRequest)
			return
		}
		session.EnterScopeWithActivity(activityID)
	} else {
		session.EnterScope()
	}
	for attribute, value := range payload.Attributes {
		if err := session.Set(entity, attribute, value); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}
	if err := session.ExitScope(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if err := session.Flush(r.Context()); err != nil {
		writeFlushError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

func writeFlushError(w http.ResponseWriter, err error) {
	var (
		unscoped   *domain.UnscopedMutationError
		composite  *domain.CompositeIntegrityError
		outOfOrder *domain.OutOfOrderError
		conflict   *domain.ConcurrentModificationError
	)
	switch {
	case errors.As(err, &unscoped), errors.As(err, &composite):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &outOfOrder), errors.As(err, &conflict):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
