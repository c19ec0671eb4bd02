package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/doctrine-ai/doctrine/internal/server"
	"github.com/doctrine-ai/doctrine/internal/streaming"
)

// streamParams carries the query-string form of a streamed question.
// A reconnect supplies request_id plus Last-Event-ID and omits the
// pipeline restart: the replay ring covers the gap.
type streamParams struct {
	req       server.QueryRequest
	requestID string
	lastSeq   uint64
	reconnect bool
}

func (s *Server) parseStreamParams(r *http.Request) (streamParams, int, error) {
	q := r.URL.Query()

	var lastSeq uint64
	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			lastSeq = n
		}
	}
	if v := q.Get("last_event_id"); v != "" && lastSeq == 0 {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			lastSeq = n
		}
	}

	p := streamParams{requestID: q.Get("request_id"), lastSeq: lastSeq}
	if p.requestID != "" && lastSeq > 0 {
		p.reconnect = true
		return p, 0, nil
	}
	if p.requestID == "" {
		p.requestID = uuid.NewString()
	}

	req, status, err := s.buildRequest(queryBody{
		Question:       q.Get("question"),
		Mode:           q.Get("mode"),
		UseContext:     q.Get("use_context") == "true",
		ConversationID: q.Get("conversation_id"),
	})
	if err != nil {
		return streamParams{}, status, err
	}
	p.req = req
	return p, 0, nil
}

// handleSSE streams one answer as Server-Sent Events.
// GET /query/stream?question=...&mode=...&conversation_id=...
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	p, status, err := s.parseStreamParams(r)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	mgr := s.svc.Streams()
	ch := mgr.Subscribe(p.requestID, 256)
	defer mgr.Unsubscribe(p.requestID, ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	fmt.Fprintf(w, ": request %s\n\n", p.requestID)
	flusher.Flush()

	done := s.startOrReplay(r, p, func(ev streaming.Event) bool {
		writeSSE(w, ev)
		flusher.Flush()
		return terminal(ev)
	})
	if done {
		return
	}

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()
	for {
		select {
		case <-r.Context().Done():
			s.log.Debug("stream client disconnected", zap.String("request_id", p.requestID))
			return
		case ev := <-ch:
			writeSSE(w, ev)
			flusher.Flush()
			if terminal(ev) {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

// startOrReplay either launches the pipeline for a fresh request or
// replays the recorded backlog for a reconnect. It returns true when the
// replayed backlog already reached a terminal event.
func (s *Server) startOrReplay(r *http.Request, p streamParams, emit func(streaming.Event) bool) bool {
	if !p.reconnect {
		go s.svc.StreamQuery(r.Context(), p.requestID, p.req)
		return false
	}
	for _, ev := range s.svc.Streams().ReplaySince(p.requestID, p.lastSeq) {
		if emit(ev) {
			return true
		}
	}
	return false
}

func writeSSE(w http.ResponseWriter, ev streaming.Event) {
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, ev.Marshal())
}

func terminal(ev streaming.Event) bool {
	return ev.Type == streaming.EventDone || ev.Type == streaming.EventError
}
