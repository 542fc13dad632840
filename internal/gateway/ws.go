// ABOUTME: WebSocket session: mailbox and room subscriptions plus inbound chat events
// ABOUTME: One read pump dispatches events in order; one write pump owns all writes

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/chaterr"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/identity"
	"github.com/2389/coven-chat/internal/realtime"
)

const (
	writeWait    = 10 * time.Second
	maxFrameSize = 64 * 1024
	closeTimeout = 5 * time.Second
)

// Client to server event names.
const (
	eventJoinRoom    = "joinRoom"
	eventLeaveRoom   = "leaveRoom"
	eventSendMessage = "sendMessage"
	eventMarkRead    = "markRead"
	eventTypingStart = "typingStart"
	eventTypingStop  = "typingStop"
)

var (
	errBadFrame     = errors.New("malformed event")
	errUnknownEvent = errors.New("unknown event")
	errRateLimited  = errors.New("too many events")
)

// inboundFrame is one client to server event.
type inboundFrame struct {
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	RequestID string          `json:"requestId,omitempty"`
}

type roomRequest struct {
	ConversationID string `json:"conversationId"`
}

type wsSendRequest struct {
	ReceiverID     string `json:"receiverId"`
	Content        string `json:"content"`
	Type           string `json:"type,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

type wsMarkReadRequest struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId,omitempty"`
}

// typingRequest names the conversation directly or through the other participant.
type typingRequest struct {
	ConversationID string `json:"conversationId,omitempty"`
	ReceiverID     string `json:"receiverId,omitempty"`
}

// ErrorPayload is the data of an error event.
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// session is one live WebSocket connection for an authenticated user.
type session struct {
	id      string
	userID  string
	gw      *Gateway
	conn    *websocket.Conn
	send    chan *realtime.Event
	limiter *rate.Limiter
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	rooms  map[string]context.CancelFunc // conversationID -> unsubscribe
	typing map[string]bool

	closeOnce sync.Once
}

// handleWebSocket handles GET /ws. The connection lives until either side closes it.
func (g *Gateway) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := auth.UserFromContext(r.Context())
	if id == nil {
		g.sendJSONError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "missing identity")
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		g.logger.Debug("websocket upgrade failed", "user_id", id.UserID, "error", err)
		return
	}

	s := g.newSession(id.UserID, conn)
	s.run()
}

func (g *Gateway) newSession(userID string, conn *websocket.Conn) *session {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()
	cfg := g.config.WebSocket
	return &session{
		id:      id,
		userID:  userID,
		gw:      g,
		conn:    conn,
		send:    make(chan *realtime.Event, cfg.SendBuffer),
		limiter: rate.NewLimiter(rate.Limit(cfg.EventsPerSecond), cfg.Burst),
		logger:  g.logger.With("session_id", id, "user_id", userID),
		ctx:     ctx,
		cancel:  cancel,
		rooms:   make(map[string]context.CancelFunc),
		typing:  make(map[string]bool),
	}
}

// run registers the session, marks the user reachable and pumps frames until disconnect.
func (s *session) run() {
	first := s.gw.sessions.add(s)
	s.logger.Info("websocket session opened", "first", first)

	s.subscribe(identity.MailboxTopic(s.userID))
	if first {
		s.gw.presence.SetOnline(s.ctx, s.userID, true)
	}
	if n, err := s.gw.conversation.MarkDelivered(s.ctx, s.userID); err != nil {
		s.logger.Warn("failed to mark pending messages delivered", "error", err)
	} else if n > 0 {
		s.logger.Debug("marked pending messages delivered", "count", n)
	}

	go s.writePump()
	s.readPump()
	s.close()
}

// subscribe forwards events on topic to the session until the returned cancel
// is called or the session closes.
func (s *session) subscribe(topic string) context.CancelFunc {
	ctx, cancel := context.WithCancel(s.ctx)
	ch, _ := s.gw.broadcaster.Subscribe(ctx, topic)
	go func() {
		for ev := range ch {
			s.enqueue(ev)
		}
	}()
	return cancel
}

// enqueue queues ev for the write pump, dropping it when the session is full.
func (s *session) enqueue(ev *realtime.Event) {
	select {
	case s.send <- ev:
	case <-s.ctx.Done():
	default:
		s.logger.Warn("dropped event for slow session", "event", ev.Type, "event_id", ev.ID)
	}
}

func (s *session) readPump() {
	pongWait := s.gw.config.WebSocket.PongWait
	s.conn.SetReadLimit(maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.sendError("", errBadFrame)
			continue
		}
		if !s.limiter.Allow() {
			s.sendError(frame.RequestID, errRateLimited)
			continue
		}
		if err := s.dispatch(frame); err != nil {
			s.sendError(frame.RequestID, err)
		}
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.gw.config.WebSocket.PingInterval)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			_ = s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(writeWait))
			return
		case ev := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteJSON(ev); err != nil {
				s.logger.Debug("websocket write failed", "error", err)
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.Debug("websocket ping failed", "error", err)
				return
			}
		}
	}
}

// close tears the session down once: subscriptions end, stale typing flags
// are cleared, and the user goes offline when this was their last session.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close()

		s.mu.Lock()
		typing := make([]string, 0, len(s.typing))
		for convID := range s.typing {
			typing = append(typing, convID)
		}
		s.typing = map[string]bool{}
		s.rooms = map[string]context.CancelFunc{}
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()

		for _, convID := range typing {
			s.gw.presence.SetTyping(ctx, convID, s.userID, false)
		}
		if s.gw.sessions.remove(s) {
			s.gw.presence.SetOnline(ctx, s.userID, false)
		}
		s.logger.Info("websocket session closed")
	})
}

func (s *session) dispatch(frame inboundFrame) error {
	switch frame.Event {
	case eventJoinRoom:
		return s.joinRoom(frame.Data)
	case eventLeaveRoom:
		return s.leaveRoom(frame.Data)
	case eventSendMessage:
		return s.sendMessage(frame.Data)
	case eventMarkRead:
		return s.markRead(frame.Data)
	case eventTypingStart:
		return s.setTyping(frame.Data, true)
	case eventTypingStop:
		return s.setTyping(frame.Data, false)
	default:
		return fmt.Errorf("%w: %q", errUnknownEvent, frame.Event)
	}
}

func decodeData(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errBadFrame, err)
	}
	return nil
}

func (s *session) joinRoom(raw json.RawMessage) error {
	var req roomRequest
	if err := decodeData(raw, &req); err != nil {
		return err
	}
	if _, err := s.gw.conversation.Get(s.ctx, req.ConversationID, s.userID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, joined := s.rooms[req.ConversationID]; joined {
		return nil
	}
	s.rooms[req.ConversationID] = s.subscribe(identity.RoomTopic(req.ConversationID))
	return nil
}

func (s *session) leaveRoom(raw json.RawMessage) error {
	var req roomRequest
	if err := decodeData(raw, &req); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cancel, ok := s.rooms[req.ConversationID]; ok {
		cancel()
		delete(s.rooms, req.ConversationID)
	}
	return nil
}

func (s *session) sendMessage(raw json.RawMessage) error {
	var req wsSendRequest
	if err := decodeData(raw, &req); err != nil {
		return err
	}
	_, err := s.gw.conversation.Send(s.ctx, conversation.SendRequest{
		SenderID:       s.userID,
		ReceiverID:     req.ReceiverID,
		Content:        req.Content,
		Type:           req.Type,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return err
	}

	// Sending ends composing.
	s.mu.Lock()
	convID := identity.ConversationID(s.userID, req.ReceiverID)
	wasTyping := s.typing[convID]
	delete(s.typing, convID)
	s.mu.Unlock()
	if wasTyping {
		s.gw.presence.SetTyping(s.ctx, convID, s.userID, false)
	}
	return nil
}

func (s *session) markRead(raw json.RawMessage) error {
	var req wsMarkReadRequest
	if err := decodeData(raw, &req); err != nil {
		return err
	}
	_, err := s.gw.conversation.MarkRead(s.ctx, req.ConversationID, s.userID, req.MessageID)
	return err
}

func (s *session) setTyping(raw json.RawMessage, typing bool) error {
	var req typingRequest
	if err := decodeData(raw, &req); err != nil {
		return err
	}
	convID := req.ConversationID
	if convID == "" && req.ReceiverID != "" {
		convID = identity.ConversationID(s.userID, req.ReceiverID)
	}
	if _, err := s.gw.conversation.Get(s.ctx, convID, s.userID); err != nil {
		return err
	}

	s.mu.Lock()
	if typing {
		s.typing[convID] = true
	} else {
		delete(s.typing, convID)
	}
	s.mu.Unlock()

	s.gw.presence.SetTyping(s.ctx, convID, s.userID, typing)
	return nil
}

// sendError queues an error event describing err.
func (s *session) sendError(requestID string, err error) {
	payload := ErrorPayload{RequestID: requestID, Message: err.Error()}
	switch {
	case errors.Is(err, errBadFrame):
		payload.Code = "BAD_REQUEST"
	case errors.Is(err, errUnknownEvent):
		payload.Code = "UNKNOWN_EVENT"
	case errors.Is(err, errRateLimited):
		payload.Code = "RATE_LIMITED"
	default:
		payload.Code = string(chaterr.KindOf(err))
		var ce *chaterr.Error
		if errors.As(err, &ce) {
			payload.Message = ce.Message
		}
	}

	ev, buildErr := realtime.NewEvent(realtime.EventError, "", payload)
	if buildErr != nil {
		s.logger.Error("failed to build error event", "error", buildErr)
		return
	}
	s.enqueue(ev)
}
