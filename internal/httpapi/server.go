package httpapi

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/doctrine-ai/doctrine/internal/config"
	"github.com/doctrine-ai/doctrine/internal/health"
	"github.com/doctrine-ai/doctrine/internal/server"
)

// Server exposes the query pipeline over HTTP: the query endpoints,
// streaming transports, settings, cache administration and health.
type Server struct {
	svc    *server.Service
	cfg    *config.Manager
	health *health.Manager
	log    *zap.Logger
}

// NewServer wires the HTTP layer.
func NewServer(svc *server.Service, cfg *config.Manager, hm *health.Manager, logger *zap.Logger) *Server {
	return &Server{svc: svc, cfg: cfg, health: hm, log: logger}
}

// RegisterRoutes mounts all endpoints on the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /query", s.handleQuery)
	mux.HandleFunc("GET /query/stream", s.handleSSE)
	mux.HandleFunc("GET /query/ws", s.handleWS)

	mux.HandleFunc("DELETE /conversations/{id}", s.handleConversationClear)

	mux.HandleFunc("GET /settings", s.handleSettingsGet)
	mux.HandleFunc("PUT /settings", s.handleSettingsPut)
	mux.HandleFunc("POST /settings/reset", s.handleSettingsReset)

	mux.HandleFunc("GET /cache/stats", s.handleCacheStats)
	mux.HandleFunc("POST /cache/invalidate", s.handleCacheInvalidate)
	mux.HandleFunc("POST /cache/clear", s.handleCacheClear)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /readyz", s.handleReadyz)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// statusForErrorKind maps the pipeline error kinds onto HTTP statuses.
func statusForErrorKind(kind string) int {
	switch kind {
	case server.ErrKindBusy:
		return http.StatusTooManyRequests
	case server.ErrKindTimeout, server.ErrKindRetrieval:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	rep := s.health.Report()
	code := http.StatusOK
	if rep.Status == health.StatusUnhealthy || rep.Status == health.StatusUnknown {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.health.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}
