// ABOUTME: HTTP API handlers for conversations, messages, receipts and user search
// ABOUTME: Every /api route requires a bearer token; errors are JSON {error, code}

package gateway

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/2389/coven-chat/internal/auth"
	"github.com/2389/coven-chat/internal/chaterr"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/store"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 64 * 1024

// CreateConversationRequest is the JSON request body for POST /api/conversations.
type CreateConversationRequest struct {
	ParticipantID string `json:"participantId"`
}

// SendMessageRequest is the JSON request body for POST /api/messages.
type SendMessageRequest struct {
	ReceiverID     string `json:"receiverId"`
	Content        string `json:"content"`
	Type           string `json:"type,omitempty"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// SendMessageResponse is the JSON response for POST /api/messages.
type SendMessageResponse struct {
	Message      conversation.MessageView      `json:"message"`
	Conversation conversation.ConversationView `json:"conversation"`
	Replayed     bool                          `json:"replayed"`
}

// MarkReadRequest is the JSON request body for POST /api/conversations/{id}/read.
// An empty MessageID marks every unread message.
type MarkReadRequest struct {
	MessageID string `json:"messageId,omitempty"`
}

// SettingsRequest is the JSON request body for PATCH /api/conversations/{id}/settings.
type SettingsRequest struct {
	Muted    *bool `json:"muted,omitempty"`
	Blocked  *bool `json:"blocked,omitempty"`
	Archived *bool `json:"archived,omitempty"`
}

// SettingsResponse echoes the caller's flags after an update.
type SettingsResponse struct {
	ConversationID string `json:"conversationId"`
	UnreadCount    int    `json:"unreadCount"`
	Muted          bool   `json:"muted"`
	Blocked        bool   `json:"blocked"`
	Archived       bool   `json:"archived"`
}

// Handler returns the HTTP handler serving the API, the WebSocket endpoint and health.
func (g *Gateway) Handler() http.Handler {
	authed := auth.HTTPAuthMiddleware(g.store, g.verifier, g.logger)

	api := http.NewServeMux()
	api.HandleFunc("GET /api/me", g.handleMe)
	api.HandleFunc("GET /api/users/search", g.handleSearchUsers)
	api.HandleFunc("GET /api/conversations", g.handleListConversations)
	api.HandleFunc("POST /api/conversations", g.handleCreateConversation)
	api.HandleFunc("GET /api/conversations/{id}", g.handleGetConversation)
	api.HandleFunc("GET /api/conversations/{id}/messages", g.handleGetMessages)
	api.HandleFunc("POST /api/conversations/{id}/read", g.handleMarkRead)
	api.HandleFunc("POST /api/conversations/{id}/archive", g.handleArchive)
	api.HandleFunc("PATCH /api/conversations/{id}/settings", g.handleUpdateSettings)
	api.HandleFunc("POST /api/messages", g.handleSendMessage)
	api.HandleFunc("DELETE /api/messages/{id}", g.handleDeleteMessage)
	api.HandleFunc("GET /api/unread", g.handleUnreadCount)
	api.HandleFunc("GET /ws", g.handleWebSocket)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.Handle("/api/", authed(api))
	mux.Handle("/ws", authed(api))
	return mux
}

func (g *Gateway) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// writeJSON writes v with the given status.
func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Error("failed to encode response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, code, message string) {
	g.writeJSON(w, status, map[string]string{"error": message, "code": code})
}

// writeServiceError maps a service error onto its HTTP status and code.
func (g *Gateway) writeServiceError(w http.ResponseWriter, err error) {
	kind := chaterr.KindOf(err)
	status := chaterr.HTTPStatus(kind)
	msg := err.Error()
	var ce *chaterr.Error
	if errors.As(err, &ce) {
		msg = ce.Message
	}
	if status >= http.StatusInternalServerError {
		g.logger.Error("request failed", "kind", kind, "error", err)
	}
	g.sendJSONError(w, status, string(kind), msg)
}

// decodeBody decodes a bounded JSON request body into v, writing a 400 on failure.
func (g *Gateway) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return false
	}
	return true
}

// queryInt reads an integer query parameter, returning 0 when absent or malformed.
func queryInt(r *http.Request, name string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return n
}

// caller returns the authenticated user id. The middleware guarantees one.
func caller(r *http.Request) string {
	if id := auth.UserFromContext(r.Context()); id != nil {
		return id.UserID
	}
	return ""
}

// handleMe handles GET /api/me.
func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	user, err := g.conversation.GetUser(r.Context(), caller(r))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, user)
}

// handleSearchUsers handles GET /api/users/search?q=&limit=.
func (g *Gateway) handleSearchUsers(w http.ResponseWriter, r *http.Request) {
	users, err := g.conversation.Search(r.Context(), r.URL.Query().Get("q"), caller(r), queryInt(r, "limit"))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

// handleListConversations handles GET /api/conversations?page=&limit=.
func (g *Gateway) handleListConversations(w http.ResponseWriter, r *http.Request) {
	page, err := g.conversation.ListConversations(r.Context(), caller(r), queryInt(r, "page"), queryInt(r, "limit"))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, page)
}

// handleCreateConversation handles POST /api/conversations. It returns the
// existing conversation when the pair already has one.
func (g *Gateway) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req CreateConversationRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	conv, err := g.conversation.FindOrCreate(r.Context(), caller(r), req.ParticipantID)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, conversation.ConversationViewOf(conv))
}

// handleGetConversation handles GET /api/conversations/{id}.
func (g *Gateway) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := g.conversation.Get(r.Context(), r.PathValue("id"), caller(r))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, conversation.ConversationViewOf(conv))
}

// handleGetMessages handles GET /api/conversations/{id}/messages?page=&limit=.
func (g *Gateway) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	page, err := g.conversation.GetMessages(r.Context(), r.PathValue("id"), caller(r), queryInt(r, "page"), queryInt(r, "limit"))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, page)
}

// handleSendMessage handles POST /api/messages. A replayed idempotent send
// answers 200 with the original message instead of 201.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if !g.decodeBody(w, r, &req) {
		return
	}

	result, err := g.conversation.Send(r.Context(), conversation.SendRequest{
		SenderID:       caller(r),
		ReceiverID:     req.ReceiverID,
		Content:        req.Content,
		Type:           req.Type,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		g.writeServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	g.writeJSON(w, status, SendMessageResponse{
		Message:      conversation.MessageViewOf(result.Message),
		Conversation: conversation.ConversationViewOf(result.Conversation),
		Replayed:     result.Replayed,
	})
}

// handleMarkRead handles POST /api/conversations/{id}/read. The body is optional.
func (g *Gateway) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req MarkReadRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		g.sendJSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	n, err := g.conversation.MarkRead(r.Context(), r.PathValue("id"), caller(r), req.MessageID)
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]int{"updatedCount": n})
}

// handleDeleteMessage handles DELETE /api/messages/{id}. The message is
// hidden for the caller only.
func (g *Gateway) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	if err := g.conversation.DeleteMessage(r.Context(), r.PathValue("id"), caller(r)); err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleArchive handles POST /api/conversations/{id}/archive.
func (g *Gateway) handleArchive(w http.ResponseWriter, r *http.Request) {
	if err := g.conversation.Archive(r.Context(), r.PathValue("id"), caller(r)); err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleUpdateSettings handles PATCH /api/conversations/{id}/settings.
func (g *Gateway) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if !g.decodeBody(w, r, &req) {
		return
	}
	convID := r.PathValue("id")
	state, err := g.conversation.UpdateSettings(r.Context(), convID, caller(r), store.ParticipantPatch{
		Muted:    req.Muted,
		Blocked:  req.Blocked,
		Archived: req.Archived,
	})
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, SettingsResponse{
		ConversationID: convID,
		UnreadCount:    state.UnreadCount,
		Muted:          state.Muted,
		Blocked:        state.Blocked,
		Archived:       state.Archived,
	})
}

// handleUnreadCount handles GET /api/unread.
func (g *Gateway) handleUnreadCount(w http.ResponseWriter, r *http.Request) {
	n, err := g.conversation.UnreadCount(r.Context(), caller(r))
	if err != nil {
		g.writeServiceError(w, err)
		return
	}
	g.writeJSON(w, http.StatusOK, map[string]int{"count": n})
}
