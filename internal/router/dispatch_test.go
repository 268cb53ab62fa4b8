package router

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/exoml/relay/internal/config"
)

func newDispatchStore(t *testing.T, providers map[string][]*config.ProviderEntry) *config.Store {
	t.Helper()
	dir := t.TempDir()
	store := config.NewStore(filepath.Join(dir, "providers.json"), filepath.Join(dir, "users.json"))
	errSeed := store.MutateProviders(func(doc *config.ProvidersDoc) error {
		doc.Endpoints = map[string]*config.EndpointConfig{
			"/v1/chat/completions": {Models: providers},
		}
		return nil
	})
	if errSeed != nil {
		t.Fatalf("seed providers: %v", errSeed)
	}
	return store
}

func chatRequest(model string) Request {
	body := map[string]any{"model": model, "messages": []any{map[string]any{"role": "user", "content": "hi"}}}
	raw, _ := json.Marshal(body)
	return Request{
		Endpoint:    "/v1/chat/completions",
		Model:       model,
		Body:        raw,
		BodyJSON:    body,
		ContentType: "application/json",
	}
}

func TestDispatch_FailoverToSecondProvider(t *testing.T) {
	t.Parallel()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	}))
	defer bad.Close()

	var goodModel string
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var parsed map[string]any
		_ = json.Unmarshal(body, &parsed)
		goodModel, _ = parsed["model"].(string)
		if r.Header.Get("Authorization") != "Bearer key-good" {
			t.Errorf("missing upstream credential, got %q", r.Header.Get("Authorization"))
		}
		_, _ = w.Write([]byte(`{"choices":[],"usage":{"total_tokens":42}}`))
	}))
	defer good.Close()

	store := newDispatchStore(t, map[string][]*config.ProviderEntry{
		"gpt-4o": {
			{ProviderName: "bad", BaseURL: bad.URL, APIKey: "key-bad", Model: "gpt-4o", Priority: 1},
			{ProviderName: "good", BaseURL: good.URL, APIKey: "key-good", Model: "gpt-4o-upstream", Priority: 2},
		},
	})

	d := NewDispatcher(store)
	rec := httptest.NewRecorder()
	result, errDispatch := d.Dispatch(context.Background(), rec, chatRequest("gpt-4o"))
	if errDispatch != nil {
		t.Fatalf("dispatch: %v", errDispatch)
	}
	if result.Provider.ProviderName != "good" {
		t.Fatalf("expected failover to good, got %s", result.Provider.ProviderName)
	}
	if result.RawTokens != 42 || !result.ExplicitTokens {
		t.Fatalf("expected explicit 42 tokens, got %d", result.RawTokens)
	}
	if goodModel != "gpt-4o-upstream" {
		t.Fatalf("expected provider-native model name upstream, got %q", goodModel)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected relayed 200, got %d", rec.Code)
	}

	// The failing provider's counter was incremented, the good one reset.
	got := store.Providers().Lookup("/v1/chat/completions", "gpt-4o")
	for _, p := range got {
		switch p.ProviderName {
		case "bad":
			if p.ConsecutiveFailures != 1 {
				t.Fatalf("expected failure count 1 for bad, got %d", p.ConsecutiveFailures)
			}
		case "good":
			if p.ConsecutiveFailures != 0 {
				t.Fatalf("expected failure count 0 for good, got %d", p.ConsecutiveFailures)
			}
		}
	}
}

func TestDispatch_AllProvidersFail(t *testing.T) {
	t.Parallel()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"quota exhausted"}}`))
	}))
	defer bad.Close()

	store := newDispatchStore(t, map[string][]*config.ProviderEntry{
		"gpt-4o": {
			{ProviderName: "only", BaseURL: bad.URL, APIKey: "k", Model: "gpt-4o", Priority: 1},
		},
	})

	d := NewDispatcher(store)
	rec := httptest.NewRecorder()
	_, errDispatch := d.Dispatch(context.Background(), rec, chatRequest("gpt-4o"))

	failure, ok := errDispatch.(*AllFailedError)
	if !ok {
		t.Fatalf("expected AllFailedError, got %v", errDispatch)
	}
	payload := failure.Payload()
	if payload["error"] != "All upstream providers failed" {
		t.Fatalf("unexpected payload: %v", payload)
	}
	lastBody, okBody := payload["last_provider_error_body"].(map[string]any)
	if !okBody {
		t.Fatalf("expected parsed last error body, got %T", payload["last_provider_error_body"])
	}
	if inner, _ := lastBody["error"].(map[string]any); inner == nil || inner["message"] != "quota exhausted" {
		t.Fatalf("expected upstream error preserved, got %v", lastBody)
	}
	if rec.Body.Len() != 0 {
		t.Fatal("nothing must be written to the client before the caller handles the error")
	}
}

func TestDispatch_UnknownModel(t *testing.T) {
	t.Parallel()
	store := newDispatchStore(t, map[string][]*config.ProviderEntry{})
	d := NewDispatcher(store)
	rec := httptest.NewRecorder()

	_, errDispatch := d.Dispatch(context.Background(), rec, chatRequest("missing"))
	if _, ok := errDispatch.(*AllFailedError); !ok {
		t.Fatalf("expected AllFailedError for unknown model, got %v", errDispatch)
	}
}

func TestDispatch_StreamingPassthrough(t *testing.T) {
	t.Parallel()
	events := []string{
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo!"}}]}`,
		`data: [DONE]`,
	}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, event := range events {
			_, _ = io.WriteString(w, event+"\n\n")
			flusher.Flush()
		}
	}))
	defer upstream.Close()

	store := newDispatchStore(t, map[string][]*config.ProviderEntry{
		"gpt-4o": {
			{ProviderName: "sse", BaseURL: upstream.URL, APIKey: "k", Model: "gpt-4o", Priority: 1},
		},
	})

	d := NewDispatcher(store)
	rec := httptest.NewRecorder()
	result, errDispatch := d.Dispatch(context.Background(), rec, chatRequest("gpt-4o"))
	if errDispatch != nil {
		t.Fatalf("dispatch: %v", errDispatch)
	}
	if !result.Streamed {
		t.Fatal("expected a streamed result")
	}
	if got := rec.Header().Get("Content-Type"); !strings.Contains(got, "text/event-stream") {
		t.Fatalf("expected event-stream content type, got %q", got)
	}
	body := rec.Body.String()
	for _, event := range events {
		if !strings.Contains(body, event) {
			t.Fatalf("event %q missing from relayed body", event)
		}
	}
	// Streams carry no usage object, so billing falls back to estimation.
	if result.ExplicitTokens {
		t.Fatal("streamed responses must bill by estimation")
	}
	if result.RawTokens <= 0 {
		t.Fatalf("expected a positive estimate, got %d", result.RawTokens)
	}
}
