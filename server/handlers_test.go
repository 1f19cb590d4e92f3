package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"slideSummarize/processors"
	"slideSummarize/storage"
)

func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()
	policy, err := processors.PolicyForStrategy("text")
	if err != nil {
		t.Fatal(err)
	}
	pipeline, err := processors.NewPipeline(processors.PipelineOptions{
		Policy:           policy,
		OCR:              &processors.MockOCR{Text: "Agenda for today three topics"},
		Summarizer:       &processors.MockSummarizer{},
		Store:            storage.NewMemoryStateStore(),
		DataDir:          t.TempDir(),
		SummarizeTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	mux := http.NewServeMux()
	NewSlideHandlers(pipeline).Register(mux)
	return mux
}

func TestHistorySearchWithoutArchiveIs503(t *testing.T) {
	mux := newTestMux(t)
	req := httptest.NewRequest(http.MethodPost, "/history-search", strings.NewReader(`{"query": "consensus"}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusServiceUnavailable, rec.Body.String())
	}
}

func TestHistorySearchEmptyQueryIs400(t *testing.T) {
	mux := newTestMux(t)
	req := httptest.NewRequest(http.MethodPost, "/history-search", strings.NewReader(`{"query": "  "}`))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestProcessSlideInvalidImageIs400(t *testing.T) {
	mux := newTestMux(t)
	req := httptest.NewRequest(http.MethodPost, "/process-slide", strings.NewReader("not an image"))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusBadRequest, rec.Body.String())
	}
}

func TestProcessSlideWrongMethodIs405(t *testing.T) {
	mux := newTestMux(t)
	req := httptest.NewRequest(http.MethodGet, "/process-slide", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestHealthHandler(t *testing.T) {
	mux := newTestMux(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestHistoryEmpty(t *testing.T) {
	mux := newTestMux(t)
	req := httptest.NewRequest(http.MethodGet, "/history", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"count":0`) {
		t.Fatalf("body = %s, want count 0", rec.Body.String())
	}
}
