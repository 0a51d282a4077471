package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ngbaranov/ChatAi/internal/conversation"
	"github.com/ngbaranov/ChatAi/internal/protocol"
	"github.com/ngbaranov/ChatAi/internal/session"
)

const (
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
)

func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	if s.deps.Turns == nil || s.deps.Log == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "chat is not configured")
		return
	}

	s.chats.Add(1)
	defer s.chats.Done()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess := s.deps.Sessions.Create(userID, cancel)
	s.deps.Metrics.ObserveSessionEvent("ws_connected")
	s.setActiveGauge()
	logger := s.logger.With("user_id", userID, "connection_id", sess.ID)

	outbound := make(chan any, 64)
	inbound := make(chan protocol.ClientChat, 16)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					s.deps.Metrics.ObserveWSWriteError("write_json")
					cancel()
					return
				}
				s.deps.Metrics.ObserveWSMessage("outbound")
			}
		}
	}()

	// Closing the socket unblocks ReadMessage when the connection expires.
	go func() {
		<-ctx.Done()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "session ended"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}()

	send := func(msg any) bool {
		select {
		case <-ctx.Done():
			return false
		case outbound <- msg:
			return true
		}
	}

	if err := s.replayLog(ctx, userID, send); err != nil {
		logger.Warn("history replay failed", "error", err)
		send(protocol.NewErrorEvent("history_unavailable", err.Error(), true))
	}

	turnsDone := make(chan struct{})
	go func() {
		defer close(turnsDone)
		for chat := range inbound {
			s.runTurn(ctx, sess.ID, userID, chat, send)
		}
	}()

	conn.SetReadLimit(8 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		_ = s.deps.Sessions.Touch(sess.ID)
		s.deps.Metrics.ObserveWSMessage("inbound")

		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			send(protocol.NewErrorEvent("invalid_client_message", err.Error(), false))
			continue
		}
		switch m := parsed.(type) {
		case protocol.ClientPing:
			send(protocol.NewSystemEvent("pong", ""))
		case protocol.ClientChat:
			select {
			case <-ctx.Done():
				break readLoop
			case inbound <- m:
			}
		}
	}

	cancel()
	close(inbound)
	<-turnsDone
	<-writerDone

	ended, _ := s.deps.Sessions.End(sess.ID)
	s.setActiveGauge()
	event := "ws_disconnected"
	if ended != nil && ended.Status == session.StatusExpired {
		event = "ws_expired"
	}
	s.deps.Metrics.ObserveSessionEvent(event)

	s.flushOnDisconnect(r.Context(), userID, logger)
}

func (s *Server) replayLog(ctx context.Context, userID string, send func(any) bool) error {
	msgs, err := s.deps.Log.Messages(ctx, userID)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		if !send(protocol.ChatMessage{Role: string(m.Role), Content: m.Content}) {
			return ctx.Err()
		}
	}
	return nil
}

func (s *Server) runTurn(ctx context.Context, connID, userID string, chat protocol.ClientChat, send func(any) bool) {
	if ctx.Err() != nil {
		return
	}
	send(protocol.ChatMessage{Role: string(conversation.RoleUser), Content: chat.Message})

	text := conversation.ComposeUserMessage(chat.Message, chat.Files)
	reply, err := s.deps.Turns.HandleTurn(ctx, userID, text)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		code := "turn_failed"
		if errors.Is(err, conversation.ErrProvider) {
			code = "provider_error"
		}
		send(protocol.NewErrorEvent(code, err.Error(), conversation.IsRetryable(err)))
		return
	}
	_ = s.deps.Sessions.RecordTurn(connID)
	send(protocol.ChatMessage{Role: string(conversation.RoleAssistant), Content: reply})
}

// flushOnDisconnect persists the conversation once the socket is gone. The
// request context is already done, so the flush gets its own deadline.
func (s *Server) flushOnDisconnect(parent context.Context, userID string, logger *slog.Logger) {
	if s.deps.Flusher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), s.disconnectFlushTimeout())
	defer cancel()

	res, err := s.deps.Flusher.Flush(ctx, userID)
	if err != nil {
		logger.Warn("disconnect flush failed", "error", err)
		return
	}
	logger.Info("disconnect flush", "outcome", res.Outcome, "messages", res.MessageCount, "session_id", res.SessionID)
}

func (s *Server) disconnectFlushTimeout() time.Duration {
	if s.cfg.DisconnectFlushTimeout > 0 {
		return s.cfg.DisconnectFlushTimeout
	}
	return 15 * time.Second
}

func (s *Server) setActiveGauge() {
	s.deps.Metrics.SetActiveConnections(s.activeConnections())
}
