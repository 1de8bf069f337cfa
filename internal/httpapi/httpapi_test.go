package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/telebridge/telebridge/internal/history"
)

func newTestHandler(t *testing.T, active ActiveFunc) (*Handler, *history.Store) {
	t.Helper()
	store, err := history.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return New(store, active, nil), store
}

func TestHealthz(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("status = %d, body = %q", rec.Code, rec.Body.String())
	}
}

func TestRuns(t *testing.T) {
	h, store := newTestHandler(t, nil)
	run := history.Run{
		ID:        "run-1",
		Engine:    "codex",
		ChatID:    42,
		Ok:        true,
		AnswerLen: 10,
		Duration:  3 * time.Second,
		StartedAt: time.Now().UTC(),
	}
	if err := store.Record(run); err != nil {
		t.Fatalf("record: %v", err)
	}

	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/runs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var out []map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0]["id"] != "run-1" || out[0]["duration_ms"] != float64(3000) {
		t.Fatalf("out = %+v", out)
	}
}

func TestActive(t *testing.T) {
	started := time.Now().UTC()
	h, _ := newTestHandler(t, func() []ActiveRun {
		return []ActiveRun{{Engine: "claude", ChatID: 1, MessageID: 9, StartedAt: started}}
	})
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/active", nil))
	var out []ActiveRun
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out) != 1 || out[0].Engine != "claude" || out[0].MessageID != 9 {
		t.Fatalf("out = %+v", out)
	}
}

func TestActiveEmptyWithoutSource(t *testing.T) {
	h, _ := newTestHandler(t, nil)
	rec := httptest.NewRecorder()
	h.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/active", nil))
	if body := rec.Body.String(); body != "[]\n" {
		t.Fatalf("body = %q", body)
	}
}
