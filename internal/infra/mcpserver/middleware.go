package mcpserver

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/jsonrpc"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mcpkit/internal/domain"
	"mcpkit/internal/infra/authgate"
	"mcpkit/internal/infra/telemetry"
)

const (
	maxBodyBytes      = 4 << 20
	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
)

// SessionMiddleware applies the session runtime to streamable HTTP. It
// creates a session for an initialize request without a session id, resumes
// or recreates known ids, and answers unknown ids with 404 and missing ids
// with 400. A notifications/initialized message activates the session.
// DELETE closes the session. Calls to secured capabilities that
// carry no credential are answered with 401 before reaching the handler.
func (s *Server) SessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, meta := telemetry.EnsureRequestMeta(r.Context(), r.Header.Get(telemetry.RequestIDHeader))
		r = r.WithContext(ctx)
		logger := s.logger.With(telemetry.RequestFields(meta)...)
		if s.sessions == nil {
			next.ServeHTTP(w, r)
			return
		}
		id := r.Header.Get(domain.SessionIDHeader)

		switch r.Method {
		case http.MethodDelete:
			if id == "" {
				http.Error(w, "Mcp-Session-Id header is required", http.StatusBadRequest)
				return
			}
			if err := s.sessions.Close(ctx, id); err != nil {
				logger.Warn("close session failed", telemetry.SessionIDField(id), zap.Error(err))
				http.Error(w, "close session failed", http.StatusInternalServerError)
				return
			}
			s.limiters.forget(id)
			w.WriteHeader(http.StatusNoContent)
			return
		case http.MethodGet:
			if id != "" {
				if _, err := s.sessions.Resolve(ctx, id, domain.IntentCall); err != nil {
					s.rejectSession(w, logger, id, err)
					return
				}
			}
			next.ServeHTTP(w, r)
			return
		case http.MethodPost:
		default:
			next.ServeHTTP(w, r)
			return
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "read request body failed", http.StatusBadRequest)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		requests := peekRequests(body)

		intent := domain.IntentCall
		handshakeDone := false
		for _, req := range requests {
			switch req.Method {
			case methodInitialize:
				intent = domain.IntentInitialize
			case methodInitialized:
				handshakeDone = true
			}
		}
		sess, err := s.sessions.Resolve(ctx, id, intent)
		if err != nil {
			s.rejectSession(w, logger, id, err)
			return
		}
		if sess.Binding() == nil {
			_ = s.sessions.Bind(sess.ID, s.mcp)
		}
		if id == "" {
			r.Header.Set(domain.SessionIDHeader, sess.ID)
		}

		if !s.limiters.allow(sess.ID) {
			logger.Info("session rate limited", telemetry.EventField(telemetry.EventRateLimited), telemetry.SessionIDField(sess.ID))
			w.Header().Set("Retry-After", "1")
			http.Error(w, domain.ErrRateLimited.Error(), http.StatusTooManyRequests)
			return
		}

		if challenge := s.preflight(requests, r.Header.Get(domain.AuthorizationHeader)); challenge != nil {
			logger.Debug("missing credential",
				telemetry.EventField(telemetry.EventAuthChallenge),
				telemetry.SessionIDField(sess.ID),
			)
			w.Header().Set("WWW-Authenticate", challenge.WWWAuthenticate())
			w.Header().Set(domain.SessionIDHeader, sess.ID)
			http.Error(w, challenge.Error(), http.StatusUnauthorized)
			return
		}
		// The stateless protocol handler never reports the completed
		// handshake, so the session is activated here.
		if handshakeDone {
			if err := s.sessions.Activate(sess.ID); err != nil {
				logger.Debug("activate session failed", telemetry.SessionIDField(sess.ID), zap.Error(err))
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rejectSession(w http.ResponseWriter, logger *zap.Logger, id string, err error) {
	code, _ := domain.CodeFrom(err)
	status := httpStatus(code)
	if status >= http.StatusInternalServerError {
		logger.Warn("resolve session failed", telemetry.SessionIDField(id), telemetry.ErrorCodeField(code), zap.Error(err))
	}
	logger.Debug("session rejected",
		telemetry.EventField(telemetry.EventSessionRejected),
		telemetry.SessionIDField(id),
		zap.Int("status", status),
	)
	http.Error(w, err.Error(), status)
}

func httpStatus(code domain.ErrorCode) int {
	switch code {
	case domain.CodeInvalidArgument:
		return http.StatusBadRequest
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeUnauthenticated:
		return http.StatusUnauthorized
	case domain.CodePermissionDenied:
		return http.StatusForbidden
	case domain.CodeRateLimited:
		return http.StatusTooManyRequests
	case domain.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// peekRequests decodes the JSON-RPC requests of a single or batched body.
// Undecodable bodies yield nothing and are left to the protocol handler.
func peekRequests(body []byte) []*jsonrpc.Request {
	var raws []json.RawMessage
	if err := json.Unmarshal(body, &raws); err != nil {
		raws = []json.RawMessage{body}
	}
	var requests []*jsonrpc.Request
	for _, raw := range raws {
		msg, err := jsonrpc.DecodeMessage(raw)
		if err != nil {
			continue
		}
		if req, ok := msg.(*jsonrpc.Request); ok {
			requests = append(requests, req)
		}
	}
	return requests
}

// preflight returns the challenge for the first request that targets a
// secured capability without any credential.
func (s *Server) preflight(requests []*jsonrpc.Request, credential string) *domain.AuthChallenge {
	if authgate.BearerToken(credential) != "" {
		return nil
	}
	for _, req := range requests {
		var params struct {
			Name string `json:"name"`
			URI  string `json:"uri"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				continue
			}
		}
		var (
			kind domain.CapabilityKind
			name string
		)
		switch req.Method {
		case "tools/call":
			kind, name = domain.CapabilityTool, params.Name
		case "prompts/get":
			kind, name = domain.CapabilityPrompt, params.Name
		case "resources/read":
			kind, name = domain.CapabilityResource, params.URI
		default:
			continue
		}
		entry, ok := s.table.Lookup(kind, name)
		if !ok {
			continue
		}
		if challenge := s.gate.MissingCredentialChallenge(entry); challenge != nil {
			return challenge
		}
	}
	return nil
}

// limiterSet holds one token bucket per session. Buckets of sessions that
// are no longer live are dropped once the set grows past pruneThreshold.
type limiterSet struct {
	limit rate.Limit
	burst int
	live  func(id string) bool

	mu   sync.Mutex
	byID map[string]*rate.Limiter
}

const pruneThreshold = 1024

func newLimiterSet(limit rate.Limit, burst int, live func(id string) bool) *limiterSet {
	if burst <= 0 {
		burst = max(int(limit), 1)
	}
	return &limiterSet{limit: limit, burst: burst, live: live, byID: make(map[string]*rate.Limiter)}
}

func (l *limiterSet) allow(id string) bool {
	if l == nil || l.limit <= 0 {
		return true
	}
	l.mu.Lock()
	limiter, ok := l.byID[id]
	if !ok {
		if len(l.byID) >= pruneThreshold {
			l.pruneLocked()
		}
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.byID[id] = limiter
	}
	l.mu.Unlock()
	return limiter.Allow()
}

func (l *limiterSet) forget(id string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.byID, id)
	l.mu.Unlock()
}

func (l *limiterSet) pruneLocked() {
	if l.live == nil {
		return
	}
	for id := range l.byID {
		if !l.live(id) {
			delete(l.byID, id)
		}
	}
}

func (l *limiterSet) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byID)
}
