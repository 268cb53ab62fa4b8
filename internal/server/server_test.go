package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/exoml/relay/internal/config"
	"github.com/exoml/relay/internal/gate"
	"github.com/exoml/relay/internal/ledger"
	"github.com/exoml/relay/internal/router"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type fakeTracker struct {
	recorded [][3]string
	blocked  map[string]bool
}

func (f *fakeTracker) Record(clientIP, path, userAgent string) {
	f.recorded = append(f.recorded, [3]string{clientIP, path, userAgent})
}

func (f *fakeTracker) IsBlocked(ip string) bool { return f.blocked[ip] }

type testServer struct {
	srv     *Server
	store   *config.Store
	ledger  *ledger.Ledger
	tracker *fakeTracker
	handler http.Handler
}

func newTestServer(t *testing.T, users map[string]*config.UserAccount, providers map[string][]*config.ProviderEntry) *testServer {
	t.Helper()
	dir := t.TempDir()
	store := config.NewStore(filepath.Join(dir, "providers.json"), filepath.Join(dir, "users.json"))
	if len(users) > 0 {
		errSeed := store.MutateUsers(func(doc *config.UsersDoc) error {
			for key, acct := range users {
				doc.Users[key] = acct
			}
			return nil
		})
		if errSeed != nil {
			t.Fatalf("seed users: %v", errSeed)
		}
	}
	if len(providers) > 0 {
		errSeed := store.MutateProviders(func(doc *config.ProvidersDoc) error {
			ep := &config.EndpointConfig{Models: map[string][]*config.ProviderEntry{}}
			for model, entries := range providers {
				ep.Models[model] = entries
			}
			doc.Endpoints["/v1/chat/completions"] = ep
			return nil
		})
		if errSeed != nil {
			t.Fatalf("seed providers: %v", errSeed)
		}
	}

	cfg := &config.Config{
		AdminAPIKey:    "admin-secret",
		AdminJWTSecret: "jwt-signing-secret",
	}
	cfg.DataDir = dir

	tracker := &fakeTracker{blocked: map[string]bool{}}
	l := ledger.New(store)
	ts := &testServer{
		srv:     New(cfg, store, gate.New(store, cfg), l, router.NewDispatcher(store), tracker, nil),
		store:   store,
		ledger:  l,
		tracker: tracker,
	}
	ts.handler = ts.srv.Handler()
	return ts
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if errDecode := json.Unmarshal(rec.Body.Bytes(), &body); errDecode != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), errDecode)
	}
	return body
}

func TestPreflightAnswersInline(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	req := httptest.NewRequest(http.MethodOptions, "/v1/chat/completions", nil)
	req.Header.Set("Access-Control-Request-Headers", "Authorization, X-Custom")
	rec := ts.do(req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("unexpected allow-origin %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET, POST, OPTIONS" {
		t.Fatalf("unexpected allow-methods %q", got)
	}
	if got := rec.Header().Get("Access-Control-Max-Age"); got != "86400" {
		t.Fatalf("unexpected max-age %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "Authorization, X-Custom" {
		t.Fatalf("requested headers not echoed, got %q", got)
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestModelsListing(t *testing.T) {
	ts := newTestServer(t, nil, map[string][]*config.ProviderEntry{
		"gpt-4o": {{ProviderName: "openai", BaseURL: "https://u.example", APIKey: "k", Model: "gpt-4o", Priority: 1, Owner: "openai"}},
	})

	rec := ts.do(httptest.NewRequest(http.MethodGet, "/v1/models", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["object"] != "list" {
		t.Fatalf("unexpected object %v", body["object"])
	}
	data, _ := body["data"].([]any)
	if len(data) != 1 {
		t.Fatalf("expected one model, got %v", body["data"])
	}
}

func TestUsagePerKeyAndAggregate(t *testing.T) {
	ts := newTestServer(t, map[string]*config.UserAccount{
		"sk-a": {Username: "alice", Plan: "500k", Enabled: true, TotalTokens: 1234},
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	req.Header.Set("Authorization", "Bearer sk-a")
	body := decodeBody(t, ts.do(req))
	if body["object"] != "usage" || body["username"] != "alice" {
		t.Fatalf("unexpected per-key usage %v", body)
	}

	// Unknown key falls back to the anonymous aggregate.
	req = httptest.NewRequest(http.MethodGet, "/v1/usage", nil)
	req.Header.Set("Authorization", "Bearer sk-nope")
	body = decodeBody(t, ts.do(req))
	if body["total_tokens_processed"] != float64(1234) {
		t.Fatalf("unexpected aggregate %v", body)
	}
}

func TestRequestsFeedAbuseTracker(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("CF-Connecting-IP", "203.0.113.9")
	req.Header.Set("User-Agent", "curl/8.0")
	ts.do(req)

	if len(ts.tracker.recorded) != 1 {
		t.Fatalf("expected one recorded request, got %d", len(ts.tracker.recorded))
	}
	got := ts.tracker.recorded[0]
	if got[0] != "203.0.113.9" || got[1] != "/v1/models" || got[2] != "curl/8.0" {
		t.Fatalf("unexpected recorded tuple %v", got)
	}
}

func TestBlockedIPRejected(t *testing.T) {
	ts := newTestServer(t, nil, nil)
	ts.tracker.blocked["203.0.113.9"] = true

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("CF-Connecting-IP", "203.0.113.9")
	rec := ts.do(req)

	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	inner, _ := body["error"].(map[string]any)
	if inner["code"] != "ip_temporarily_blocked" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestClientIPHeaderPrecedence(t *testing.T) {
	ts := newTestServer(t, nil, nil)

	cases := []struct {
		name    string
		headers map[string]string
		want    string
	}{
		{"cloudflare wins", map[string]string{"CF-Connecting-IP": "1.1.1.1", "X-Forwarded-For": "2.2.2.2"}, "1.1.1.1"},
		{"forwarded first hop", map[string]string{"X-Forwarded-For": "2.2.2.2, 10.0.0.1"}, "2.2.2.2"},
		{"real ip fallback", map[string]string{"X-Real-IP": "3.3.3.3"}, "3.3.3.3"},
	}
	for _, tc := range cases {
		ts.tracker.recorded = nil
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		for k, v := range tc.headers {
			req.Header.Set(k, v)
		}
		ts.do(req)
		if len(ts.tracker.recorded) != 1 || ts.tracker.recorded[0][0] != tc.want {
			t.Fatalf("%s: expected IP %s, got %v", tc.name, tc.want, ts.tracker.recorded)
		}
	}
}
