package chatsync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ── Fake API server ──────────────────────────────────────

type recordedRequest struct {
	Method string
	Path   string
	Query  map[string]string
	Header http.Header
	Body   map[string]any
}

// apiServer is an httptest server with per-route handlers that records
// every request it sees.
type apiServer struct {
	*httptest.Server
	mux *http.ServeMux

	mu       sync.Mutex
	requests []recordedRequest
}

func newAPIServer(t *testing.T) *apiServer {
	t.Helper()
	s := &apiServer{mux: http.NewServeMux()}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Query: map[string]string{}, Header: r.Header.Clone()}
		for k := range r.URL.Query() {
			rec.Query[k] = r.URL.Query().Get(k)
		}
		if b, _ := io.ReadAll(r.Body); len(b) > 0 {
			json.Unmarshal(b, &rec.Body)
		}
		s.mu.Lock()
		s.requests = append(s.requests, rec)
		s.mu.Unlock()
		s.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *apiServer) handle(pattern string, h http.HandlerFunc) { s.mux.HandleFunc(pattern, h) }

func (s *apiServer) Requests() []recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordedRequest(nil), s.requests...)
}

func (s *apiServer) count(path string) int {
	n := 0
	for _, r := range s.Requests() {
		if r.Path == path {
			n++
		}
	}
	return n
}

func writeData(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "data": data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": map[string]string{"code": code, "message": message}})
}

// ── Tests ────────────────────────────────────────────────

func TestAPIClientConversations(t *testing.T) {
	srv := newAPIServer(t)
	srv.handle("GET /api/im/conversations", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, []map[string]any{
			{"id": "c1", "type": "direct", "isActive": true},
			{"id": "c2", "type": "group", "title": "Team"},
		})
	})
	srv.handle("POST /api/im/conversations/direct", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]any{"id": "c9", "type": "direct"})
	})
	api := NewAPIClient(srv.URL, &countingCreds{token: "tok"}, nil, nil)
	ctx := context.Background()

	convs, err := api.Conversations.List(ctx)
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, ConversationGroup, convs[1].Type)
	assert.Equal(t, "Team", convs[1].Title)

	conv, err := api.Conversations.CreateDirect(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "c9", conv.ID)

	reqs := srv.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "Bearer tok", reqs[0].Header.Get("Authorization"))
	assert.Equal(t, map[string]any{"userId": "u2"}, reqs[1].Body)
}

func TestAPIClientMessages(t *testing.T) {
	srv := newAPIServer(t)
	srv.handle("GET /api/im/conversations/{id}/messages", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]any{
			"messages": []map[string]any{
				{"id": "m2", "conversationId": "c1", "senderId": "u1", "type": "text", "content": "two", "createdAt": "2026-01-01T00:00:20Z"},
				{"id": "m1", "conversationId": "c1", "senderId": "u1", "type": "text", "content": "one", "createdAt": "2026-01-01T00:00:10Z"},
			},
			"hasMore": true,
		})
	})
	srv.handle("POST /api/im/messages", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]any{"id": "m3", "conversationId": "c1", "senderId": "me", "type": "text", "content": "hi", "createdAt": "2026-01-01T00:00:30Z"})
	})
	srv.handle("PATCH /api/im/messages/{id}", func(w http.ResponseWriter, r *http.Request) { writeData(w, nil) })
	srv.handle("DELETE /api/im/messages/{id}", func(w http.ResponseWriter, r *http.Request) { writeData(w, nil) })

	api := NewAPIClient(srv.URL, &countingCreds{token: "tok"}, nil, nil)
	ctx := context.Background()

	t.Run("history", func(t *testing.T) {
		page, err := api.Messages.History(ctx, "c1", PageOptions{BeforeMessageID: "m5"})
		require.NoError(t, err)
		assert.Equal(t, []string{"m2", "m1"}, ids(page.Messages))
		assert.True(t, page.HasMore)

		last := srv.Requests()[len(srv.Requests())-1]
		assert.Equal(t, "50", last.Query["limit"])
		assert.Equal(t, "m5", last.Query["beforeMessageId"])
	})

	t.Run("latest page omits cursor", func(t *testing.T) {
		_, err := api.Messages.History(ctx, "c1", PageOptions{Limit: 20})
		require.NoError(t, err)

		last := srv.Requests()[len(srv.Requests())-1]
		assert.Equal(t, "20", last.Query["limit"])
		assert.NotContains(t, last.Query, "beforeMessageId")
	})

	t.Run("send carries a fresh idempotency key", func(t *testing.T) {
		m, err := api.Messages.Send(ctx, "c1", TextContent{Text: "hi"}, SendOptions{ReplyToMessageID: "m1"})
		require.NoError(t, err)
		assert.Equal(t, "m3", m.ID)
		_, err = api.Messages.Send(ctx, "c1", TextContent{Text: "hi"}, SendOptions{})
		require.NoError(t, err)

		var sends []recordedRequest
		for _, r := range srv.Requests() {
			if r.Path == "/api/im/messages" {
				sends = append(sends, r)
			}
		}
		require.Len(t, sends, 2)
		assert.Equal(t, map[string]any{"conversationId": "c1", "content": "hi", "type": "text", "replyToMessageId": "m1"}, sends[0].Body)
		k1, k2 := sends[0].Header.Get("Idempotency-Key"), sends[1].Header.Get("Idempotency-Key")
		assert.NotEmpty(t, k1)
		assert.NotEqual(t, k1, k2)
	})

	t.Run("edit and delete", func(t *testing.T) {
		require.NoError(t, api.Messages.Edit(ctx, "m1", "fixed"))
		require.NoError(t, api.Messages.Delete(ctx, "m1"))

		reqs := srv.Requests()
		edit, del := reqs[len(reqs)-2], reqs[len(reqs)-1]
		assert.Equal(t, http.MethodPatch, edit.Method)
		assert.Equal(t, map[string]any{"content": "fixed"}, edit.Body)
		assert.Equal(t, http.MethodDelete, del.Method)
		assert.Equal(t, "/api/im/messages/m1", del.Path)
	})
}

func TestAPIClientErrors(t *testing.T) {
	t.Run("no credential skips the network", func(t *testing.T) {
		srv := newAPIServer(t)
		api := NewAPIClient(srv.URL, &countingCreds{}, nil, nil)

		_, err := api.Conversations.List(context.Background())
		assert.ErrorIs(t, err, ErrNoCredential)
		assert.Empty(t, srv.Requests())
	})

	t.Run("401 invalidates the credential", func(t *testing.T) {
		srv := newAPIServer(t)
		srv.handle("/", func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusUnauthorized, "TOKEN_EXPIRED", "token expired")
		})
		creds := &countingCreds{token: "tok"}
		api := NewAPIClient(srv.URL, creds, nil, nil)

		_, err := api.Conversations.List(context.Background())
		assert.ErrorIs(t, err, ErrUnauthorized)
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, "TOKEN_EXPIRED", apiErr.Code)
		assert.Equal(t, 1, creds.Invalidations())
	})

	t.Run("ok false on 200", func(t *testing.T) {
		srv := newAPIServer(t)
		srv.handle("/", func(w http.ResponseWriter, r *http.Request) {
			writeError(w, http.StatusOK, "NOT_MEMBER", "not a member")
		})
		creds := &countingCreds{token: "tok"}
		api := NewAPIClient(srv.URL, creds, nil, nil)

		err := api.Messages.Delete(context.Background(), "m1")
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, "NOT_MEMBER: not a member", apiErr.Error())
		assert.Zero(t, creds.Invalidations())
	})

	t.Run("bare status without body", func(t *testing.T) {
		srv := newAPIServer(t)
		srv.handle("/", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})
		api := NewAPIClient(srv.URL, &countingCreds{token: "tok"}, nil, nil)

		_, err := api.Conversations.List(context.Background())
		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, http.StatusBadGateway, apiErr.Status)
		assert.Equal(t, "Bad Gateway", apiErr.Message)
	})
}

func TestAPIClientMetrics(t *testing.T) {
	srv := newAPIServer(t)
	srv.handle("GET /api/im/conversations", func(w http.ResponseWriter, r *http.Request) { writeData(w, []any{}) })
	reg := prometheus.NewRegistry()
	api := NewAPIClient(srv.URL, &countingCreds{token: "tok"}, nil, NewMetrics(reg))

	_, err := api.Conversations.List(context.Background())
	require.NoError(t, err)

	n, err := testutil.GatherAndCount(reg, "chatsync_http_request_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSyncSince(t *testing.T) {
	srv := newAPIServer(t)
	srv.handle("GET /api/im/sync", func(w http.ResponseWriter, r *http.Request) {
		writeData(w, map[string]any{
			"events": []map[string]any{{"seq": 8, "type": "message.delete", "data": map[string]string{"id": "m1"}}},
			"cursor": 8,
		})
	})
	// Since authenticates with the token it is handed, not the provider's.
	api := NewAPIClient(srv.URL, nil, nil, nil)

	res, err := api.Sync.Since(context.Background(), "session-token", 7, 100)
	require.NoError(t, err)
	assert.Equal(t, int64(8), res.Cursor)
	require.Len(t, res.Events, 1)
	assert.Equal(t, "message.delete", res.Events[0].Type)

	req := srv.Requests()[0]
	assert.Equal(t, "7", req.Query["since"])
	assert.Equal(t, "Bearer session-token", req.Header.Get("Authorization"))
}
