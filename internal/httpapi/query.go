package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/doctrine-ai/doctrine/internal/models"
	"github.com/doctrine-ai/doctrine/internal/server"
)

// queryBody is the POST /query request payload.
type queryBody struct {
	Question       string `json:"question"`
	Mode           string `json:"mode,omitempty"`
	UseContext     bool   `json:"use_context,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}

// handleQuery answers one question synchronously.
// POST /query
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var body queryBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return
	}
	req, status, err := s.buildRequest(body)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}

	ans := s.svc.Query(r.Context(), req)
	if ans.Error {
		writeJSON(w, statusForErrorKind(ans.Metadata.ErrorKind), ans)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

// buildRequest validates and normalizes one incoming query.
func (s *Server) buildRequest(body queryBody) (server.QueryRequest, int, error) {
	question, err := sanitizeQuestion(body.Question)
	if err != nil {
		if errors.Is(err, errOversize) {
			return server.QueryRequest{}, http.StatusRequestEntityTooLarge, err
		}
		return server.QueryRequest{}, http.StatusBadRequest, err
	}
	if looksLikeInjection(question) {
		s.log.Warn("possible prompt injection in question",
			zap.String("question", question))
	}

	mode := models.QueryMode(body.Mode)
	switch mode {
	case "", models.ModeAdaptive, models.ModeSimple:
	default:
		return server.QueryRequest{}, http.StatusBadRequest, errors.New("unknown mode")
	}

	return server.QueryRequest{
		Question:       question,
		Mode:           mode,
		UseContext:     body.UseContext,
		ConversationID: body.ConversationID,
	}, 0, nil
}

// handleConversationClear drops one conversation's history.
// DELETE /conversations/{id}
func (s *Server) handleConversationClear(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "conversation id required")
		return
	}
	s.svc.Memory().Clear(id)
	writeJSON(w, http.StatusOK, map[string]string{"cleared": id})
}
