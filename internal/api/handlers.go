package api

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbase-stream/internal/health"
	"github.com/shehryarbajwa/browserbase-stream/internal/pool"
	"github.com/shehryarbajwa/browserbase-stream/internal/session"
	"github.com/shehryarbajwa/browserbase-stream/pkg/models"
)

type Workers interface {
	Workers() []pool.WorkerInfo
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	sessions *session.Manager
	workers  Workers
	health   *health.Checker
	log      *zap.Logger
}

func NewHandler(sessions *session.Manager, workers Workers, checker *health.Checker, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{
		sessions: sessions,
		workers:  workers,
		health:   checker,
		log:      log,
	}
}

// Health handles GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.health.Report()

	code := http.StatusOK
	if report.Status == models.Unhealthy {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, report)
}

// ListSessions handles GET /v1/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.sessions.List()
	infos := make([]models.SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	h.writeJSON(w, http.StatusOK, infos)
}

// GetSession handles GET /v1/sessions/{id}
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s, ok := h.sessions.Get(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, session.ErrNotFound.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, s.Info())
}

// DeleteSession handles DELETE /v1/sessions/{id}. The client is told why
// its connection is closing.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	s, ok := h.sessions.Get(id)
	if !ok {
		h.writeError(w, http.StatusNotFound, session.ErrNotFound.Error())
		return
	}
	_ = s.Send(models.Error("Session terminated by server"))
	h.sessions.Remove(id, "deleted")

	w.WriteHeader(http.StatusNoContent)
}

// ListWorkers handles GET /v1/workers
func (h *Handler) ListWorkers(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.workers.Workers())
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Debug("failed to write response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, code int, msg string) {
	h.writeJSON(w, code, map[string]string{"error": msg})
}
