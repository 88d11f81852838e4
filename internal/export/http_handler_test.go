package export

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestCSVEndpointServesHistory(t *testing.T) {
	service, entityID := exportFixture(t)
	handler := NewHTTPHandler(service)

	req := httptest.NewRequest(http.MethodGet,
		"/exports/history.csv?entityId="+entityID.String()+"&attribute=description", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	if ct := recorder.Header().Get("Content-Type"); ct != "text/csv" {
		t.Errorf("unexpected content type %q", ct)
	}
	if !strings.Contains(recorder.Body.String(), ",second") {
		t.Errorf("body missing history rows: %q", recorder.Body.String())
	}
}

func TestCSVEndpointUnknownEntityIsError(t *testing.T) {
	service, _ := exportFixture(t)
	handler := NewHTTPHandler(service)

	req := httptest.NewRequest(http.MethodGet,
		"/exports/history.csv?entityId="+uuid.New().String()+"&attribute=description", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, req)

	if recorder.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", recorder.Code)
	}
	if ct := recorder.Header().Get("Content-Type"); ct == "text/csv" {
		t.Errorf("failed export must not be served as csv")
	}
	if strings.Contains(recorder.Header().Get("Content-Disposition"), "attachment") {
		t.Errorf("failed export must not carry a download disposition")
	}
}
