package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mcpkit/internal/domain"
)

const initializeBody = `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2025-06-18","capabilities":{},"clientInfo":{"name":"raw","version":"0.0.1"}}}`

func post(t *testing.T, url, sessionID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if sessionID != "" {
		req.Header.Set(domain.SessionIDHeader, sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestSessionMiddleware_StreamableClient(t *testing.T) {
	h := newHarness(t, Options{})
	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()
	ctx := context.Background()

	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "0.1.0"}, nil)
	cs, err := client.Connect(ctx, &mcp.StreamableClientTransport{Endpoint: srv.URL + domain.DefaultHTTPPath, MaxRetries: -1}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, cs.ID())
	assert.Equal(t, 1, h.sessions.Count())

	sess, ok := h.sessions.Lookup(cs.ID())
	require.True(t, ok)
	assert.Eventually(t, func() bool {
		return sess.State() == domain.SessionActive
	}, time.Second, 10*time.Millisecond)

	for _, want := range []string{"1", "2"} {
		res, err := cs.CallTool(ctx, &mcp.CallToolParams{Name: "visit"})
		require.NoError(t, err)
		require.False(t, res.IsError)
		assert.Equal(t, want, res.Content[0].(*mcp.TextContent).Text)
	}

	require.NoError(t, cs.Close())
	assert.Equal(t, 0, h.sessions.Count())
}

func TestSessionMiddleware_InitializedNotificationActivates(t *testing.T) {
	h := newHarness(t, Options{})
	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()
	url := srv.URL + domain.DefaultHTTPPath

	resp := post(t, url, "", initializeBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := resp.Header.Get(domain.SessionIDHeader)
	require.NotEmpty(t, id)
	sess, ok := h.sessions.Lookup(id)
	require.True(t, ok)
	assert.Equal(t, domain.SessionInitializing, sess.State())

	resp = post(t, url, id, `{"jsonrpc":"2.0","method":"notifications/initialized"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, domain.SessionActive, sess.State())
}

func TestSessionMiddleware_RejectsUnknownAndMissingIDs(t *testing.T) {
	h := newHarness(t, Options{})
	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()
	url := srv.URL + domain.DefaultHTTPPath
	call := `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"visit","arguments":{}}}`

	resp := post(t, url, "", call)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = post(t, url, "no-such-session", call)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, url, nil)
	require.NoError(t, err)
	del, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = del.Body.Close()
	assert.Equal(t, http.StatusBadRequest, del.StatusCode)
	assert.Equal(t, 0, h.sessions.Count())
}

func TestSessionMiddleware_MissingCredential(t *testing.T) {
	h := newHarness(t, Options{})
	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()
	url := srv.URL + domain.DefaultHTTPPath

	resp := post(t, url, "", initializeBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := resp.Header.Get(domain.SessionIDHeader)
	require.NotEmpty(t, id)
	_, ok := h.sessions.Lookup(id)
	require.True(t, ok)

	resp = post(t, url, id, `{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"release","arguments":{"projectId":"p1"}}}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, id, resp.Header.Get(domain.SessionIDHeader))
	challenge := resp.Header.Get("WWW-Authenticate")
	assert.Contains(t, challenge, `resource_metadata="`+DiscoveryURL(resourceURL)+`"`)
	assert.Contains(t, challenge, `error="invalid_request"`)

	// Public capabilities need no credential.
	resp = post(t, url, id, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"visit","arguments":{}}}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSessionMiddleware_RateLimit(t *testing.T) {
	h := newHarness(t, Options{RateLimit: 1, RateBurst: 1})
	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()
	url := srv.URL + domain.DefaultHTTPPath

	resp := post(t, url, "", initializeBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id := resp.Header.Get(domain.SessionIDHeader)

	resp = post(t, url, id, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))
}

func TestProtectedResourceMetadata(t *testing.T) {
	h := newHarness(t, Options{AuthorizationServers: []string{"https://login.example.com"}})
	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + domain.ProtectedResourcePath)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var doc struct {
		Resource             string   `json:"resource"`
		AuthorizationServers []string `json:"authorization_servers"`
		ScopesSupported      []string `json:"scopes_supported"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))
	assert.Equal(t, resourceURL, doc.Resource)
	assert.Equal(t, []string{"https://login.example.com"}, doc.AuthorizationServers)
	assert.Equal(t, []string{"release"}, doc.ScopesSupported)
}

func TestPeekRequests(t *testing.T) {
	single := peekRequests([]byte(initializeBody))
	require.Len(t, single, 1)
	assert.Equal(t, methodInitialize, single[0].Method)

	batch := peekRequests([]byte(`[` + initializeBody + `,{"jsonrpc":"2.0","method":"notifications/initialized"}]`))
	require.Len(t, batch, 2)
	assert.Equal(t, "notifications/initialized", batch[1].Method)

	assert.Empty(t, peekRequests([]byte("not json")))
}

func TestLimiterSet_Prune(t *testing.T) {
	live := map[string]bool{"keep": true}
	set := newLimiterSet(10, 0, func(id string) bool { return live[id] })
	assert.Equal(t, 10, set.burst)

	assert.True(t, set.allow("keep"))
	for i := 0; i < pruneThreshold; i++ {
		set.allow(fmt.Sprintf("gone-%d", i))
	}
	assert.LessOrEqual(t, set.size(), pruneThreshold)
	set.mu.Lock()
	_, kept := set.byID["keep"]
	set.mu.Unlock()
	assert.True(t, kept)

	set.forget("keep")
	assert.NotContains(t, set.byID, "keep")

	unlimited := newLimiterSet(0, 0, nil)
	for i := 0; i < 5; i++ {
		assert.True(t, unlimited.allow("s"))
	}
	assert.Equal(t, 0, unlimited.size())
}

func TestRejectSession_StatusFromErrorCode(t *testing.T) {
	h := newHarness(t, Options{})
	cases := []struct {
		err  error
		want int
	}{
		{domain.ErrNeedsInit, http.StatusBadRequest},
		{domain.ErrSessionNotFound, http.StatusNotFound},
		{domain.Wrap(domain.CodeUnavailable, "load session sid", errors.New("disk gone")), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		h.server.rejectSession(rec, zap.NewNop(), "sid", tc.err)
		assert.Equal(t, tc.want, rec.Code, tc.err.Error())
	}
}
