package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/advisorvoice/internal/protocol"
	"github.com/ent0n29/advisorvoice/internal/session"
)

const (
	wsReadLimit    = 2 << 20
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
	wsQueueSize    = 256
)

// handleSessionWS upgrades the connection and bridges it to the voice
// runtime. The runtime owns the turn; this side only parses, queues and
// writes. All writes happen on the writer goroutine.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	if s.deps.Runner == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "voice runtime not configured")
		return
	}
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	if sess.Status != session.StatusActive {
		respondError(w, http.StatusGone, "session_ended", "session has ended")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.observeSessions("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan any, wsQueueSize)
	outbound := make(chan any, wsQueueSize)

	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := s.deps.Runner.RunConnection(ctx, sess, inbound, outbound); err != nil {
			logger.Warn("voice connection ended with error", "session_id", sess.ID, "error", err)
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, cancel, conn, outbound)
	}()

	s.readLoop(ctx, conn, sess.ID, inbound, outbound)

	cancel()
	close(inbound)
	<-runDone
	<-writerDone
	s.observeSessions("ws_disconnected")
}

func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sessionID string, inbound, outbound chan<- any) {
	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			s.rejectMessage(outbound, sessionID, err)
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.WSMessages.WithLabelValues("inbound", string(t)).Inc()
		}
		select {
		case <-ctx.Done():
			return
		case inbound <- parsed:
		}
	}
}

func (s *Server) rejectMessage(outbound chan<- any, sessionID string, err error) {
	errEvent := protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      "invalid_client_message",
		Source:    "gateway",
		Detail:    err.Error(),
	}
	select {
	case outbound <- errEvent:
		s.metrics.ObserveOutboundMessage(string(protocol.TypeErrorEvent), "queued")
	default:
		s.metrics.ObserveOutboundMessage(string(protocol.TypeErrorEvent), "drop_full")
	}
}

func (s *Server) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, outbound <-chan any) {
	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				s.metrics.WSWriteErrors.WithLabelValues("ping").Inc()
				cancel()
				return
			}
		case msg, ok := <-outbound:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				s.metrics.WSWriteErrors.WithLabelValues("write_json").Inc()
				cancel()
				return
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.WSMessages.WithLabelValues("outbound", string(t)).Inc()
			}
		}
	}
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientKey:
		return m.Type, true
	case protocol.ClientText:
		return m.Type, true
	case protocol.ClientAudioChunk:
		return m.Type, true
	case protocol.Signals:
		return m.Type, true
	case protocol.ChatEntry:
		return m.Type, true
	case protocol.ReplyText:
		return m.Type, true
	case protocol.AssistantAudioChunk:
		return m.Type, true
	case protocol.AssistantClip:
		return m.Type, true
	case protocol.AssistantAudioFlush:
		return m.Type, true
	case protocol.Notify:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
