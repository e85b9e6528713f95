package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"rtchat/protocol"
)

type wsTransport struct {
	ws *websocket.Conn
}

func (t wsTransport) WriteFrame(frame []byte, deadline time.Time) error {
	t.ws.SetWriteDeadline(deadline)
	return t.ws.WriteMessage(websocket.TextMessage, frame)
}

func (t wsTransport) Ping(deadline time.Time) error {
	return t.ws.WriteControl(websocket.PingMessage, nil, deadline)
}

func (t wsTransport) Close() error {
	t.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return t.ws.Close()
}

func (t wsTransport) RemoteAddr() string {
	return t.ws.RemoteAddr().String()
}

// handleWebSocket upgrades the request and serves JSON events over it.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.stopping.Load() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	ws.SetReadLimit(wsReadLimit(s.config.MaxContentLength))
	ws.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		return nil
	})

	c := newConn("websocket", protocol.JSONCodec{}, wsTransport{ws}, s.config, s.logger)
	s.serve(c, func() ([]byte, error) {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return nil, err
		}
		ws.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		return data, nil
	})
}

// wsReadLimit sizes the frame limit so that any content up to maxContent
// bytes fits even when every byte is JSON-escaped as \u00XX.
func wsReadLimit(maxContent int) int64 {
	const envelopeOverhead = 1024
	return int64(6*maxContent + envelopeOverhead)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}
