// Package httpapi serves the local debug/status endpoint. It only
// reads: run history from SQLite and the live task list from the
// orchestrator.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/telebridge/telebridge/internal/history"
)

// ActiveRun is one currently running task.
type ActiveRun struct {
	Engine    string    `json:"engine"`
	ChatID    int64     `json:"chat_id"`
	MessageID int       `json:"message_id"`
	Resume    string    `json:"resume,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// ActiveFunc supplies the live task list.
type ActiveFunc func() []ActiveRun

// Handler provides the status HTTP API.
type Handler struct {
	history *history.Store
	active  ActiveFunc
	log     *slog.Logger
	router  chi.Router
}

func New(store *history.Store, active ActiveFunc, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{history: store, active: active, log: log}
	h.router = h.buildRouter()
	return h
}

// Router returns the HTTP router.
func (h *Handler) Router() chi.Router {
	return h.router
}

func (h *Handler) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Get("/api/runs", h.handleRuns)
	r.Get("/api/active", h.handleActive)
	return r
}

type runResponse struct {
	ID         string    `json:"id"`
	Engine     string    `json:"engine"`
	ChatID     int64     `json:"chat_id"`
	ThreadID   int       `json:"thread_id,omitempty"`
	Ok         bool      `json:"ok"`
	Error      string    `json:"error,omitempty"`
	AnswerLen  int       `json:"answer_len"`
	Resume     string    `json:"resume,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	StartedAt  time.Time `json:"started_at"`
}

func (h *Handler) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := h.history.Recent(50)
	if err != nil {
		h.log.Error("list runs", "err", err)
		writeError(w, http.StatusInternalServerError, "history unavailable")
		return
	}
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, runResponse{
			ID:         run.ID,
			Engine:     run.Engine,
			ChatID:     run.ChatID,
			ThreadID:   run.ThreadID,
			Ok:         run.Ok,
			Error:      run.Error,
			AnswerLen:  run.AnswerLen,
			Resume:     run.Resume,
			DurationMS: run.Duration.Milliseconds(),
			StartedAt:  run.StartedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleActive(w http.ResponseWriter, r *http.Request) {
	runs := []ActiveRun{}
	if h.active != nil {
		runs = h.active()
	}
	writeJSON(w, http.StatusOK, runs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
