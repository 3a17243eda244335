// Package httpapi is REM's HTTP surface (spec §6): an OpenAI-compatible
// chat-completions endpoint with SSE streaming, message/session CRUD
// backed by internal/storage and internal/session, a static model
// catalog, a minimal /mcp tool-discovery/invocation surface over
// internal/toolregistry, and auth/health endpoints. Built on net/http's
// Go 1.22+ method+path routing — no third-party router, matching
// SPEC_FULL.md's call that nothing in the pack binds a router to this
// surface.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/percolation-labs/rem/internal/agentfactory"
	"github.com/percolation-labs/rem/internal/cliutil"
)

// Server wires REM's HTTP handlers to one App.
type Server struct {
	app *cliutil.App
	mux *http.ServeMux
}

// New builds a Server with every route registered.
func New(app *cliutil.App) *Server {
	s := &Server{app: app, mux: http.NewServeMux()}
	s.routes()
	return s
}

// ServeHTTP lets Server itself be passed to http.ListenAndServe.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	withRequestLog(s.mux).ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("POST /api/v1/chat/completions", s.handleChatCompletions)
	s.mux.HandleFunc("GET /api/v1/messages", s.handleListMessages)
	s.mux.HandleFunc("POST /api/v1/messages/feedback", s.handleMessageFeedback)
	s.mux.HandleFunc("GET /api/v1/sessions", s.handleListSessions)
	s.mux.HandleFunc("POST /api/v1/sessions", s.handleCreateSession)
	s.mux.HandleFunc("PUT /api/v1/sessions/{id}", s.handleUpdateSession)
	s.mux.HandleFunc("GET /api/v1/models", s.handleModels)

	s.mux.HandleFunc("GET /mcp/tools", s.handleMCPTools)
	s.mux.HandleFunc("POST /mcp/tools/{name}", s.handleMCPInvoke)

	s.mux.HandleFunc("GET /auth/{provider}/login", s.handleAuthLogin)
	s.mux.HandleFunc("GET /auth/{provider}/callback", s.handleAuthCallback)
	s.mux.HandleFunc("GET /auth/me", s.handleAuthMe)
	s.mux.HandleFunc("POST /auth/logout", s.handleAuthLogout)
}

// withRequestLog logs method, path, status, and duration for every
// request, the way a production HTTP surface's access log would.
func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("http request",
			"method", r.Method, "path", r.URL.Path,
			"status", rec.status, "duration_ms", time.Since(start).Milliseconds())
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// requestContext carries the identifiers spec §6 maps from headers onto
// every request: X-User-Id, X-Tenant-Id (defaults to "default"),
// X-Session-Id, X-Model-Name, X-Agent-Schema.
type requestContext struct {
	UserID     string
	TenantID   string
	SessionID  string
	ModelName  string
	AgentSchema string
}

func (rc requestContext) caller() agentfactory.CallerContext {
	return agentfactory.CallerContext{TenantID: rc.TenantID, UserID: rc.UserID, SessionID: rc.SessionID}
}

func contextFromHeaders(r *http.Request) requestContext {
	rc := requestContext{
		UserID:      r.Header.Get("X-User-Id"),
		TenantID:    r.Header.Get("X-Tenant-Id"),
		SessionID:   r.Header.Get("X-Session-Id"),
		ModelName:   r.Header.Get("X-Model-Name"),
		AgentSchema: r.Header.Get("X-Agent-Schema"),
	}
	if rc.TenantID == "" {
		rc.TenantID = "default"
	}
	return rc
}
