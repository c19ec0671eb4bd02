package httpapi

import (
	"encoding/json"
	"net/http"
)

// handleSettingsGet renders the live configuration as YAML.
// GET /settings
func (s *Server) handleSettingsGet(w http.ResponseWriter, r *http.Request) {
	out, err := s.cfg.Export()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "render settings failed")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(out)
}

// handleSettingsPut applies dotted-path overrides onto the live
// configuration. Invalid updates are rejected whole.
// PUT /settings  {"retrieval.final_k": 5, "rerank.preset": "deep"}
func (s *Server) handleSettingsPut(w http.ResponseWriter, r *http.Request) {
	var settings map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	if err := s.cfg.Update(settings); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"applied": len(settings)})
}

// handleSettingsReset restores the startup configuration.
// POST /settings/reset
func (s *Server) handleSettingsReset(w http.ResponseWriter, r *http.Request) {
	s.cfg.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// handleCacheStats reports result cache hit counters and entry counts.
// GET /cache/stats
func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.svc.ResultCache().Stats(r.Context()))
}

// handleCacheInvalidate drops the cached entries for one query.
// POST /cache/invalidate  {"query": "..."}
func (s *Server) handleCacheInvalidate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Query string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Query == "" {
		writeError(w, http.StatusBadRequest, "query required")
		return
	}
	s.svc.ResultCache().Invalidate(r.Context(), body.Query)
	writeJSON(w, http.StatusOK, map[string]string{"invalidated": body.Query})
}

// handleCacheClear empties every result cache layer.
// POST /cache/clear
func (s *Server) handleCacheClear(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ResultCache().ClearAll(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, "clear failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}
