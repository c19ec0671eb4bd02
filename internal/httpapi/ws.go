package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/doctrine-ai/doctrine/internal/streaming"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origin policy is enforced by the fronting proxy
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleWS streams one answer over a websocket; same parameters as the
// SSE endpoint.
// GET /query/ws?question=...
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	p, status, err := s.parseStreamParams(r)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	mgr := s.svc.Streams()
	ch := mgr.Subscribe(p.requestID, 256)
	defer mgr.Unsubscribe(p.requestID, ch)

	done := s.startOrReplay(r, p, func(ev streaming.Event) bool {
		if err := conn.WriteJSON(ev); err != nil {
			return true
		}
		return terminal(ev)
	})
	if done {
		return
	}

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})
	// drain client frames so pongs are processed
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(20 * time.Second)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			s.log.Debug("websocket client disconnected", zap.String("request_id", p.requestID))
			return
		case ev := <-ch:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
			if terminal(ev) {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}
