// ABOUTME: Tests for WebSocket sessions over a real httptest server
// ABOUTME: Covers mailbox delivery, rooms, typing cleanup, presence, errors and rate limiting

package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/presence"
	"github.com/2389/coven-chat/internal/realtime"
)

// wsEnv is a gateway served over a real listener.
type wsEnv struct {
	gw     *Gateway
	server *httptest.Server
}

func newWSEnv(t *testing.T, mutate ...func(*config.Config)) *wsEnv {
	t.Helper()
	gw := newTestGateway(t, mutate...)
	server := httptest.NewServer(gw.Handler())
	t.Cleanup(server.Close)
	return &wsEnv{gw: gw, server: server}
}

// connect dials /ws as userID and waits until the session is subscribed,
// which the user's own online notification signals for a first session.
func (e *wsEnv) connect(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	conn := e.dial(t, userID)
	readUntil(t, conn, realtime.EventUserOnline)
	return conn
}

func (e *wsEnv) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws?token=" + tokenFor(t, e.gw, userID)
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, event string, data any, requestID string) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(inboundFrame{Event: event, Data: raw, RequestID: requestID}))
}

func readEvent(t *testing.T, conn *websocket.Conn) realtime.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev realtime.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

// readUntil skips events until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want realtime.EventType) realtime.Event {
	t.Helper()
	for {
		ev := readEvent(t, conn)
		if ev.Type == want {
			return ev
		}
	}
}

func payload[T any](t *testing.T, ev realtime.Event) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(ev.Payload, &v))
	return v
}

func TestWebSocket_ReceivesMailboxEvents(t *testing.T) {
	env := newWSEnv(t)
	alice := env.connect(t, "alice")

	sent := sendMessage(t, env.gw, "bob", "alice", "ping")

	ev := readUntil(t, alice, realtime.EventNewMessage)
	msg := payload[conversation.MessageEvent](t, ev)
	assert.Equal(t, sent.Message.ID, msg.Message.ID)
	assert.Equal(t, "ping", msg.Message.Content)
	assert.Equal(t, sent.Conversation.ID, ev.ConversationID)

	history := doRequest(t, env.gw, http.MethodGet, "/api/conversations/"+sent.Conversation.ID+"/messages", "bob", nil)
	messages := decode[conversation.MessagePage](t, history).Messages
	require.Len(t, messages, 1)
	assert.Equal(t, "delivered", messages[0].Status)
}

func TestWebSocket_SendMessage(t *testing.T) {
	env := newWSEnv(t)
	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")

	writeFrame(t, alice, eventSendMessage, wsSendRequest{ReceiverID: "bob", Content: "over the socket"}, "r1")

	ack := readUntil(t, alice, realtime.EventMessageSent)
	assert.Equal(t, "over the socket", payload[conversation.MessageEvent](t, ack).Message.Content)

	got := readUntil(t, bob, realtime.EventNewMessage)
	assert.Equal(t, "alice", payload[conversation.MessageEvent](t, got).Message.SenderID)
}

func TestWebSocket_RoomsAndTyping(t *testing.T) {
	env := newWSEnv(t)
	convID := sendMessage(t, env.gw, "alice", "bob", "hi").Conversation.ID

	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")

	// Frames from one session are handled in order, so a session's own
	// typing event proves its room subscription is live.
	writeFrame(t, bob, eventJoinRoom, roomRequest{ConversationID: convID}, "")
	writeFrame(t, bob, eventTypingStop, typingRequest{ConversationID: convID}, "")
	readUntil(t, bob, realtime.EventUserTyping)

	writeFrame(t, alice, eventJoinRoom, roomRequest{ConversationID: convID}, "")
	writeFrame(t, alice, eventTypingStart, typingRequest{ReceiverID: "bob"}, "")
	readUntil(t, alice, realtime.EventUserTyping)

	ev := readUntil(t, bob, realtime.EventUserTyping)
	typing := payload[presence.TypingPayload](t, ev)
	assert.Equal(t, "alice", typing.UserID)
	assert.True(t, typing.IsTyping)

	snap := env.gw.presence.Snapshot(t.Context(), "alice", convID)
	assert.True(t, snap.Typing)

	// Disconnecting mid-typing clears the flag for the room.
	require.NoError(t, alice.Close())
	ev = readUntil(t, bob, realtime.EventUserTyping)
	typing = payload[presence.TypingPayload](t, ev)
	assert.Equal(t, "alice", typing.UserID)
	assert.False(t, typing.IsTyping)
}

func TestWebSocket_MarkReadPublishesReceipt(t *testing.T) {
	env := newWSEnv(t)
	sent := sendMessage(t, env.gw, "alice", "bob", "read me")
	convID := sent.Conversation.ID

	alice := env.connect(t, "alice")
	bob := env.connect(t, "bob")
	writeFrame(t, alice, eventJoinRoom, roomRequest{ConversationID: convID}, "")
	writeFrame(t, alice, eventTypingStart, typingRequest{ConversationID: convID}, "")
	readUntil(t, alice, realtime.EventUserTyping)

	writeFrame(t, bob, eventMarkRead, wsMarkReadRequest{ConversationID: convID}, "")

	ev := readUntil(t, alice, realtime.EventMessageRead)
	receipt := payload[conversation.ReadEvent](t, ev)
	assert.Equal(t, "bob", receipt.ReaderID)
	assert.Equal(t, []string{sent.Message.ID}, receipt.MessageIDs)
}

func TestWebSocket_ErrorFrames(t *testing.T) {
	env := newWSEnv(t)
	convID := sendMessage(t, env.gw, "alice", "bob", "private").Conversation.ID
	carol := env.connect(t, "carol")

	tests := []struct {
		name     string
		send     func()
		wantCode string
		wantReq  string
	}{
		{
			name:     "unknown event",
			send:     func() { writeFrame(t, carol, "dance", map[string]string{}, "r1") },
			wantCode: "UNKNOWN_EVENT",
			wantReq:  "r1",
		},
		{
			name:     "malformed frame",
			send:     func() { require.NoError(t, carol.WriteMessage(websocket.TextMessage, []byte("{nope"))) },
			wantCode: "BAD_REQUEST",
		},
		{
			name:     "join foreign room",
			send:     func() { writeFrame(t, carol, eventJoinRoom, roomRequest{ConversationID: convID}, "r2") },
			wantCode: "ACCESS_DENIED",
			wantReq:  "r2",
		},
		{
			name:     "empty message",
			send:     func() { writeFrame(t, carol, eventSendMessage, wsSendRequest{ReceiverID: "bob", Content: ""}, "r3") },
			wantCode: "INVALID_CONTENT",
			wantReq:  "r3",
		},
		{
			name:     "typing in unknown conversation",
			send:     func() { writeFrame(t, carol, eventTypingStart, typingRequest{ConversationID: "nobody_here"}, "r4") },
			wantCode: "NOT_FOUND",
			wantReq:  "r4",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.send()
			ev := readUntil(t, carol, realtime.EventError)
			got := payload[ErrorPayload](t, ev)
			assert.Equal(t, tt.wantCode, got.Code)
			assert.Equal(t, tt.wantReq, got.RequestID)
		})
	}
}

func TestWebSocket_RateLimited(t *testing.T) {
	env := newWSEnv(t, func(cfg *config.Config) {
		cfg.WebSocket.EventsPerSecond = 0.001
		cfg.WebSocket.Burst = 1
	})
	alice := env.connect(t, "alice")

	writeFrame(t, alice, eventLeaveRoom, roomRequest{ConversationID: "x"}, "first")
	writeFrame(t, alice, eventLeaveRoom, roomRequest{ConversationID: "x"}, "second")

	ev := readUntil(t, alice, realtime.EventError)
	got := payload[ErrorPayload](t, ev)
	assert.Equal(t, "RATE_LIMITED", got.Code)
	assert.Equal(t, "second", got.RequestID)
}

func TestWebSocket_PresenceFollowsSessions(t *testing.T) {
	env := newWSEnv(t)
	sendMessage(t, env.gw, "alice", "bob", "hi")

	first := env.connect(t, "alice")
	second := env.dial(t, "alice")
	require.Eventually(t, func() bool { return env.gw.sessions.count("alice") == 2 }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, env.gw.presence.IsOnline(t.Context(), "alice"))

	list := doRequest(t, env.gw, http.MethodGet, "/api/conversations", "bob", nil)
	page := decode[conversation.SummaryPage](t, list)
	require.Len(t, page.Conversations, 1)
	assert.True(t, page.Conversations[0].Presence.Online)

	// Closing one of two sessions keeps the user online.
	require.NoError(t, second.Close())
	require.Eventually(t, func() bool { return env.gw.sessions.count("alice") == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, env.gw.presence.IsOnline(t.Context(), "alice"))

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool {
		return !env.gw.presence.IsOnline(t.Context(), "alice")
	}, 5*time.Second, 10*time.Millisecond)
}

func TestWebSocket_ConnectMarksPendingDelivered(t *testing.T) {
	env := newWSEnv(t)
	sent := sendMessage(t, env.gw, "bob", "alice", "while you were away")
	assert.Equal(t, "sent", sent.Message.Status)

	env.connect(t, "alice")

	require.Eventually(t, func() bool {
		rec := doRequest(t, env.gw, http.MethodGet, "/api/conversations/"+sent.Conversation.ID+"/messages", "bob", nil)
		msgs := decode[conversation.MessagePage](t, rec).Messages
		return len(msgs) == 1 && msgs[0].Status == "delivered"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestShutdownClosesSessions(t *testing.T) {
	cfg := testConfig(t)
	gw, err := New(cfg, testLogger())
	require.NoError(t, err)
	_, err = gw.Conversation().RegisterUser(t.Context(), testUsers[0])
	require.NoError(t, err)

	server := httptest.NewServer(gw.Handler())
	defer server.Close()
	env := &wsEnv{gw: gw, server: server}
	conn := env.connect(t, "alice")

	require.NoError(t, gw.Shutdown(t.Context()))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	assert.Equal(t, 0, gw.sessions.count("alice"))
}
