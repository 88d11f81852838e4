package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/graph-gophers/dataloader"

	"github.com/rpattn/chronicle/internal/domain"
	"github.com/rpattn/chronicle/internal/entityloader"
	"github.com/rpattn/chronicle/internal/middleware"
	"github.com/rpattn/chronicle/internal/repository"
)

// Handler serves the read-only query surface: current entities, attribute
// history ordered by vclock, and clock records ordered by tick.
type Handler struct {
	registry    *domain.PolicyRegistry
	entityRepo  repository.EntityRepository
	clockRepo   repository.ClockRepository
	historyRepo repository.HistoryRepository
}

func NewHTTPHandler(
	registry *domain.PolicyRegistry,
	entityRepo repository.EntityRepository,
	clockRepo repository.ClockRepository,
	historyRepo repository.HistoryRepository,
) http.Handler {
	return &Handler{
		registry:    registry,
		entityRepo:  entityRepo,
		clockRepo:   clockRepo,
		historyRepo: historyRepo,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch {
	case strings.HasSuffix(r.URL.Path, "/history"):
		h.handleHistory(w, r)
	case strings.HasSuffix(r.URL.Path, "/clock"):
		h.handleClock(w, r)
	case strings.HasSuffix(r.URL.Path, "/entities"):
		h.handleEntities(w, r)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	entityID, err := uuid.Parse(strings.TrimSpace(query.Get("entityId")))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid entityId: %v", err), http.StatusBadRequest)
		return
	}
	attribute := strings.TrimSpace(query.Get("attribute"))
	if attribute == "" {
		http.Error(w, "attribute is required", http.StatusBadRequest)
		return
	}

	entity, err := h.entityRepo.GetByID(r.Context(), entityID)
	if err != nil {
		http.Error(w, fmt.Sprintf("entity not found: %v", err), http.StatusNotFound)
		return
	}
	policy, ok := h.registry.Lookup(entity.EntityType)
	if !ok || !containsName(policy.TrackedNames(), attribute) {
		http.Error(w, fmt.Sprintf("%s is not tracked for %s", attribute, entity.EntityType), http.StatusBadRequest)
		return
	}

	rows, err := h.historyRepo.ListByEntityAttribute(r.Context(), entity.EntityType, entityID, attribute)
	if err != nil {
		http.Error(w, fmt.Sprintf("list history: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (h *Handler) handleClock(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	entityID, err := uuid.Parse(strings.TrimSpace(query.Get("entityId")))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid entityId: %v", err), http.StatusBadRequest)
		return
	}

	switch strings.TrimSpace(query.Get("tick")) {
	case "first":
		record, err := h.clockRepo.FirstTick(r.Context(), entityID)
		if err != nil {
			http.Error(w, fmt.Sprintf("first tick: %v", err), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, record)
	case "latest":
		record, err := h.clockRepo.LatestTick(r.Context(), entityID)
		if err != nil {
			http.Error(w, fmt.Sprintf("latest tick: %v", err), http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, record)
	case "":
		records, err := h.clockRepo.ListByEntity(r.Context(), entityID)
		if err != nil {
			http.Error(w, fmt.Sprintf("list clock records: %v", err), http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, records)
	default:
		http.Error(w, "tick must be first or latest", http.StatusBadRequest)
	}
}

func (h *Handler) handleEntities(w http.ResponseWriter, r *http.Request) {
	raw := strings.TrimSpace(r.URL.Query().Get("ids"))
	if raw == "" {
		http.Error(w, "ids is required", http.StatusBadRequest)
		return
	}
	parts := strings.Split(raw, ",")
	ids := make([]uuid.UUID, 0, len(parts))
	for _, part := range parts {
		id, err := uuid.Parse(strings.TrimSpace(part))
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid entity id %q: %v", part, err), http.StatusBadRequest)
			return
		}
		ids = append(ids, id)
	}

	// Prefer the request-scoped batched loader when present.
	if loader := middleware.EntityLoaderFromContext(r.Context()); loader != nil {
		entities := make([]domain.Entity, 0, len(ids))
		thunks := make([]dataloader.Thunk, len(ids))
		for i, id := range ids {
			thunks[i] = loader.Load(r.Context(), dataloader.StringKey(id.String()))
		}
		for _, thunk := range thunks {
			value, err := thunk()
			if err != nil {
				// Unknown ids are omitted, matching the unbatched path.
				if errors.Is(err, entityloader.ErrNotFound) {
					continue
				}
				http.Error(w, fmt.Sprintf("load entity: %v", err), http.StatusInternalServerError)
				return
			}
			if entity, ok := value.(domain.Entity); ok {
				entities = append(entities, entity)
			}
		}
		writeJSON(w, http.StatusOK, entities)
		return
	}

	entities, err := h.entityRepo.GetByIDs(r.Context(), ids)
	if err != nil {
		http.Error(w, fmt.Sprintf("get entities: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, entities)
}

func containsName(names []string, name string) bool {
	for _, candidate := range names {
		if candidate == name {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
