// ABOUTME: Tests for the HTTP authentication middleware
// ABOUTME: Covers header and query tokens, unknown users and directory failures

package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-chat/internal/store"
)

type mockUsers struct {
	users map[string]*store.User
	err   error
}

func (m *mockUsers) GetUser(_ context.Context, id string) (*store.User, error) {
	if m.err != nil {
		return nil, m.err
	}
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return u, nil
}

func serveWithAuth(t *testing.T, users UserLookup, req *http.Request) (*httptest.ResponseRecorder, *Identity) {
	t.Helper()
	var got *Identity
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = UserFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	rec := httptest.NewRecorder()
	HTTPAuthMiddleware(users, newTestVerifier(t), nil)(handler).ServeHTTP(rec, req)
	return rec, got
}

func TestHTTPAuthMiddleware(t *testing.T) {
	v := newTestVerifier(t)
	alice, err := v.Generate("alice", time.Hour)
	require.NoError(t, err)
	ghost, err := v.Generate("ghost", time.Hour)
	require.NoError(t, err)
	expired, err := v.Generate("alice", -time.Minute)
	require.NoError(t, err)

	users := &mockUsers{users: map[string]*store.User{
		"alice": {ID: "alice", Name: "Alice", Role: "designer"},
	}}

	tests := []struct {
		name       string
		header     string
		query      string
		wantStatus int
		wantUser   string
	}{
		{name: "bearer header", header: "Bearer " + alice, wantStatus: http.StatusOK, wantUser: "alice"},
		{name: "query token", query: "?token=" + alice, wantStatus: http.StatusOK, wantUser: "alice"},
		{name: "missing", wantStatus: http.StatusUnauthorized},
		{name: "basic scheme", header: "Basic abc", wantStatus: http.StatusUnauthorized},
		{name: "empty bearer", header: "Bearer ", wantStatus: http.StatusUnauthorized},
		{name: "invalid", header: "Bearer nope", wantStatus: http.StatusUnauthorized},
		{name: "expired", header: "Bearer " + expired, wantStatus: http.StatusUnauthorized},
		{name: "unknown user", header: "Bearer " + ghost, wantStatus: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/unread"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec, got := serveWithAuth(t, users, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantUser == "" {
				assert.Nil(t, got)
				assert.Contains(t, rec.Body.String(), `"code":"UNAUTHENTICATED"`)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.wantUser, got.UserID)
			assert.Equal(t, "Alice", got.Name)
			assert.Equal(t, "designer", got.Role)
		})
	}
}

func TestHTTPAuthMiddleware_DirectoryUnavailable(t *testing.T) {
	token, err := newTestVerifier(t).Generate("alice", time.Hour)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/unread", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec, got := serveWithAuth(t, &mockUsers{err: errors.New("db down")}, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Nil(t, got)
}

func TestUserFromContext(t *testing.T) {
	assert.Nil(t, UserFromContext(context.Background()))

	ctx := WithUser(context.Background(), &Identity{UserID: "bob"})
	require.NotNil(t, UserFromContext(ctx))
	assert.Equal(t, "bob", UserFromContext(ctx).UserID)
}
