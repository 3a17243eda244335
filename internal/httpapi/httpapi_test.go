package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/percolation-labs/rem/internal/cliutil"
	"github.com/percolation-labs/rem/internal/config"
	"github.com/percolation-labs/rem/internal/filestore"
	"github.com/percolation-labs/rem/internal/storage/storagetest"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := config.Default()
	files, err := filestore.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	app, err := cliutil.Bootstrap(context.Background(), cfg, "default",
		cliutil.WithStore(storagetest.New()), cliutil.WithFileStore(files))
	if err != nil {
		t.Fatal(err)
	}
	return New(app)
}

func TestHealthReportsOK(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field = %q", body["status"])
	}
}

func TestModelsListsConfiguredDefaults(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/models", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"data"`) {
		t.Fatalf("expected a data array, got: %s", rec.Body.String())
	}
}

func TestMCPToolsListsRegisteredTools(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/mcp/tools", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	for _, name := range []string{"query", "ask", "create_resource"} {
		if !strings.Contains(rec.Body.String(), name) {
			t.Errorf("expected tool listing to mention %q, got: %s", name, rec.Body.String())
		}
	}
}

func TestMCPInvokeUnknownToolIsNotFound(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp/tools/bogus", strings.NewReader(`{}`)))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
	}
}

func TestChatCompletionsRejectsEmptyMessages(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions", strings.NewReader(`{"messages":[]}`))
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
	}
}

func TestChatCompletionsRejectsMalformedJSON(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/chat/completions", strings.NewReader(`{not json`))
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
	}
}

func TestListMessagesRequiresSessionID(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/messages", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
	}
}

func TestAuthMeRequiresIdentityHeader(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/me", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
	}
}

func TestAuthMeReturnsIdentityFromHeaders(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("X-User-Id", "u-1")
	req.Header.Set("X-Tenant-Id", "acme")
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "u-1") || !strings.Contains(rec.Body.String(), "acme") {
		t.Fatalf("expected identity echoed back, got: %s", rec.Body.String())
	}
}

func TestAuthLoginFailsClosedWhenOAuthNotConfigured(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auth/github/login", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, body: %s", rec.Code, rec.Body.String())
	}
}
