package export

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type Handler struct {
	service *Service
}

func NewHTTPHandler(service *Service) http.Handler {
	return &Handler{service: service}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	switch {
	case strings.HasSuffix(r.URL.Path, "/history.csv"):
		h.handleHistoryCSV(w, r)
	case strings.HasSuffix(r.URL.Path, "/history.xlsx"):
		h.handleHistoryWorkbook(w, r)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

func (h *Handler) handleHistoryCSV(w http.ResponseWriter, r *http.Request) {
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

	// Render fully before writing the response; a failed load must still
	// produce an error status, not a truncated 200.
	var buf bytes.Buffer
	if err := h.service.WriteHistoryCSV(r.Context(), &buf, entityID, attribute); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=\"history-%s-%s.csv\"", entityID, attribute))
	_, _ = buf.WriteTo(w)
}

func (h *Handler) handleHistoryWorkbook(w http.ResponseWriter, r *http.Request) {
	entityID, err := uuid.Parse(strings.TrimSpace(r.URL.Query().Get("entityId")))
	if err != nil {
		http.Error(w, fmt.Sprintf("invalid entityId: %v", err), http.StatusBadRequest)
		return
	}

	file, err := h.service.BuildHistoryWorkbook(r.Context(), entityID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=\"history-%s.xlsx\"", entityID))
	if _, err := file.WriteTo(w); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
