package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/exoml/relay/internal/config"
	log "github.com/sirupsen/logrus"
)

// Request carries one proxied call through the failover loop.
type Request struct {
	Endpoint    string         // Gateway path, also appended to the provider base URL.
	Model       string         // Model id the client asked for.
	Body        []byte         // Raw request body.
	BodyJSON    map[string]any // Parsed body; nil for multipart uploads.
	ContentType string         // Client Content-Type, forwarded upstream.
}

// Result describes the provider response that was relayed to the client.
type Result struct {
	Provider       *config.ProviderEntry
	StatusCode     int
	Streamed       bool
	RawTokens      int64
	ExplicitTokens bool
}

// AllFailedError reports that every provider in the failover order failed.
// The last upstream error body is preserved for the client response.
type AllFailedError struct {
	LastError     string
	LastErrorBody []byte
}

// Error implements the error interface.
func (e *AllFailedError) Error() string {
	if e.LastError == "" {
		return "router: all upstream providers failed"
	}
	return "router: all upstream providers failed: " + e.LastError
}

// Payload shapes the client-facing error response. The last provider error
// body is embedded as JSON when it parses, as a string otherwise.
func (e *AllFailedError) Payload() map[string]any {
	payload := map[string]any{
		"error":   "All upstream providers failed",
		"details": "Unknown error",
	}
	if e.LastError != "" {
		payload["details"] = e.LastError
	}
	if len(e.LastErrorBody) > 0 {
		var parsed any
		if errUnmarshal := json.Unmarshal(e.LastErrorBody, &parsed); errUnmarshal == nil {
			payload["last_provider_error_body"] = parsed
		} else {
			payload["last_provider_error_body"] = string(e.LastErrorBody)
		}
	}
	return payload
}

// Dispatcher relays requests across a model's providers in priority order.
type Dispatcher struct {
	store      *config.Store
	httpClient *http.Client
	rng        *rand.Rand
}

// NewDispatcher creates a dispatcher over the provider snapshot store.
func NewDispatcher(store *config.Store) *Dispatcher {
	return &Dispatcher{
		store: store,
		// Generous timeout: completions can stream for minutes.
		httpClient: &http.Client{Timeout: 10 * time.Minute},
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Dispatch tries each provider for the model until one succeeds, relaying
// that response to w. Failures increment the provider's failure counter;
// success resets it. When every provider fails, the returned error is an
// *AllFailedError and nothing has been written to w.
func (d *Dispatcher) Dispatch(ctx context.Context, w http.ResponseWriter, req Request) (*Result, error) {
	providers := d.store.Providers().Lookup(req.Endpoint, req.Model)
	if len(providers) == 0 {
		return nil, &AllFailedError{LastError: fmt.Sprintf("model %s has no providers", req.Model)}
	}

	ordered := Order(providers, d.rng)
	inputEstimate := EstimateInputTokens(req.Endpoint, req.BodyJSON)

	var lastError string
	var lastErrorBody []byte

	for _, provider := range ordered {
		if provider.BaseURL == "" || provider.APIKey == "" {
			log.Warnf("router: skipping %s: missing base url or credential", provider.ProviderName)
			lastError = fmt.Sprintf("configuration error for provider %s", provider.ProviderName)
			continue
		}

		resp, errCall := d.callProvider(ctx, provider, req)
		if errCall != nil {
			log.Warnf("router: %s failed: %v", provider.ProviderName, errCall)
			lastError = fmt.Sprintf("network error contacting provider %s: %v", provider.ProviderName, errCall)
			d.store.RecordProviderFailure(req.Endpoint, req.Model, provider)
			continue
		}

		if resp.StatusCode >= http.StatusBadRequest {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			_ = resp.Body.Close()
			log.Warnf("router: %s returned status %d", provider.ProviderName, resp.StatusCode)
			lastError = fmt.Sprintf("provider %s failed with status %d", provider.ProviderName, resp.StatusCode)
			lastErrorBody = body
			d.store.RecordProviderFailure(req.Endpoint, req.Model, provider)
			continue
		}

		d.store.ResetProviderFailure(req.Endpoint, req.Model, provider)
		log.Infof("router: %s succeeded with status %d for %s", provider.ProviderName, resp.StatusCode, req.Model)

		result := d.relay(w, resp, provider, req, inputEstimate)
		_ = resp.Body.Close()
		return result, nil
	}

	return nil, &AllFailedError{LastError: lastError, LastErrorBody: lastErrorBody}
}

// callProvider sends the request to one upstream, rewriting the model field
// when the body is JSON.
func (d *Dispatcher) callProvider(ctx context.Context, provider *config.ProviderEntry, req Request) (*http.Response, error) {
	body := req.Body
	if req.BodyJSON != nil {
		rewritten := make(map[string]any, len(req.BodyJSON))
		for k, v := range req.BodyJSON {
			rewritten[k] = v
		}
		rewritten["model"] = provider.Model
		encoded, errMarshal := json.Marshal(rewritten)
		if errMarshal != nil {
			return nil, fmt.Errorf("encode body: %w", errMarshal)
		}
		body = encoded
	}

	target := strings.TrimRight(provider.BaseURL, "/") + req.Endpoint
	httpReq, errReq := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if errReq != nil {
		return nil, fmt.Errorf("build request: %w", errReq)
	}
	httpReq.Header.Set("User-Agent", "curl/7.68.0")
	httpReq.Header.Set("Accept", "*/*")
	if req.ContentType != "" {
		httpReq.Header.Set("Content-Type", req.ContentType)
	}
	// Some OpenAI-compatible gateways reject foreign Authorization headers.
	if !strings.Contains(provider.BaseURL, "/api/openai") {
		httpReq.Header.Set("Authorization", "Bearer "+provider.APIKey)
	}

	return d.httpClient.Do(httpReq)
}

// relay copies the upstream response to the client and counts its tokens.
func (d *Dispatcher) relay(w http.ResponseWriter, resp *http.Response, provider *config.ProviderEntry, req Request, inputEstimate int64) *Result {
	contentType := strings.ToLower(resp.Header.Get("Content-Type"))
	streaming := strings.Contains(contentType, "text/event-stream")

	result := &Result{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Streamed:   streaming,
	}

	var responseBody []byte
	if streaming {
		copyHeaders(w.Header(), resp.Header, true)
		w.WriteHeader(resp.StatusCode)
		captured, _ := streamSSE(w, resp.Body)
		responseBody = captured
	} else {
		body, errRead := io.ReadAll(resp.Body)
		if errRead != nil {
			log.WithError(errRead).Warnf("router: reading body from %s", provider.ProviderName)
		}
		responseBody = body
		copyHeaders(w.Header(), resp.Header, false)
		w.Header().Set("Content-Length", strconv.Itoa(len(responseBody)))
		w.WriteHeader(resp.StatusCode)
		if _, errWrite := w.Write(responseBody); errWrite != nil {
			log.Debug("router: client disconnected during response write")
		}
	}

	result.RawTokens, result.ExplicitTokens = CountTokens(req.Endpoint, responseBody, req.BodyJSON, inputEstimate)
	return result
}

// copyHeaders forwards upstream headers minus hop-by-hop and CORS fields the
// gateway controls itself. Streaming responses also drop length and encoding
// headers since the body is re-chunked.
func copyHeaders(dst http.Header, src http.Header, streaming bool) {
	skip := map[string]struct{}{
		"Transfer-Encoding":           {},
		"Connection":                  {},
		"Access-Control-Allow-Origin": {},
	}
	if streaming {
		skip["Content-Encoding"] = struct{}{}
		skip["Content-Length"] = struct{}{}
	}
	for key, values := range src {
		if _, drop := skip[http.CanonicalHeaderKey(key)]; drop {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}
