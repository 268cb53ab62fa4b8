package cloudflare

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// defaultBaseURL is the production Cloudflare API endpoint.
const defaultBaseURL = "https://api.cloudflare.com/client/v4"

// AutoBlockNotePrefix tags access rules created by the gateway so startup
// cleanup can find and remove them.
const AutoBlockNotePrefix = "ExoML-Auto-Block-"

// Client errors that callers branch on.
var (
	// ErrDuplicateRule indicates the IP already has a blocking rule.
	ErrDuplicateRule = errors.New("cloudflare: duplicate rule")
	// ErrRateLimited indicates the API rejected the call with a 429.
	ErrRateLimited = errors.New("cloudflare: rate limited")
)

// Rule is one IP access rule as returned by the API.
type Rule struct {
	ID            string `json:"id"`
	Notes         string `json:"notes"`
	Mode          string `json:"mode"`
	Configuration struct {
		Target string `json:"target"`
		Value  string `json:"value"`
	} `json:"configuration"`
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Errors  []apiError      `json:"errors"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Client talks to the Cloudflare IP Access Rules API for one zone.
type Client struct {
	zoneID     string
	authEmail  string
	authKey    string
	baseURL    string
	httpClient *http.Client
}

// New creates a client for the given zone credentials.
func New(zoneID, authEmail, authKey string) *Client {
	return &Client{
		zoneID:     zoneID,
		authEmail:  authEmail,
		authKey:    authKey,
		baseURL:    defaultBaseURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// SetBaseURL overrides the API endpoint, used by tests.
func (c *Client) SetBaseURL(base string) { c.baseURL = strings.TrimRight(base, "/") }

func (c *Client) rulesURL() string {
	return fmt.Sprintf("%s/zones/%s/firewall/access_rules/rules", c.baseURL, c.zoneID)
}

func (c *Client) do(req *http.Request) (*http.Response, []byte, error) {
	req.Header.Set("X-Auth-Email", c.authEmail)
	req.Header.Set("X-Auth-Key", c.authKey)
	req.Header.Set("Content-Type", "application/json")

	resp, errDo := c.httpClient.Do(req)
	if errDo != nil {
		return nil, nil, fmt.Errorf("cloudflare: request: %w", errDo)
	}
	defer func() { _ = resp.Body.Close() }()
	body, errRead := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if errRead != nil {
		return resp, nil, fmt.Errorf("cloudflare: read response: %w", errRead)
	}
	return resp, body, nil
}

// FindBlockRule looks up an existing block rule for the IP. The second return
// reports whether one exists.
func (c *Client) FindBlockRule(ctx context.Context, ip string) (string, bool, error) {
	query := url.Values{}
	query.Set("configuration.target", "ip")
	query.Set("configuration.value", ip)
	query.Set("mode", "block")

	req, errReq := http.NewRequestWithContext(ctx, http.MethodGet, c.rulesURL()+"?"+query.Encode(), nil)
	if errReq != nil {
		return "", false, fmt.Errorf("cloudflare: build request: %w", errReq)
	}
	resp, body, errDo := c.do(req)
	if errDo != nil {
		return "", false, errDo
	}
	if resp.StatusCode != http.StatusOK {
		return "", false, fmt.Errorf("cloudflare: list rules: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var envelope apiEnvelope
	if errUnmarshal := json.Unmarshal(body, &envelope); errUnmarshal != nil {
		return "", false, fmt.Errorf("cloudflare: decode list: %w", errUnmarshal)
	}
	if !envelope.Success {
		return "", false, fmt.Errorf("cloudflare: list rules failed: %v", envelope.Errors)
	}
	var rules []Rule
	if len(envelope.Result) > 0 {
		if errUnmarshal := json.Unmarshal(envelope.Result, &rules); errUnmarshal != nil {
			return "", false, fmt.Errorf("cloudflare: decode rules: %w", errUnmarshal)
		}
	}
	if len(rules) == 0 {
		return "", false, nil
	}
	return rules[0].ID, true, nil
}

// CreateBlockRule creates a block rule for the IP tagged with an auto-block
// note. Returns ErrDuplicateRule or ErrRateLimited for the matching API
// responses.
func (c *Client) CreateBlockRule(ctx context.Context, ip string) (string, error) {
	payload := map[string]any{
		"mode": "block",
		"configuration": map[string]string{
			"target": "ip",
			"value":  ip,
		},
		"notes": fmt.Sprintf("%s%d", AutoBlockNotePrefix, time.Now().Unix()),
	}
	raw, errMarshal := json.Marshal(payload)
	if errMarshal != nil {
		return "", fmt.Errorf("cloudflare: encode rule: %w", errMarshal)
	}

	req, errReq := http.NewRequestWithContext(ctx, http.MethodPost, c.rulesURL(), bytes.NewReader(raw))
	if errReq != nil {
		return "", fmt.Errorf("cloudflare: build request: %w", errReq)
	}
	resp, body, errDo := c.do(req)
	if errDo != nil {
		return "", errDo
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		var envelope apiEnvelope
		if errUnmarshal := json.Unmarshal(body, &envelope); errUnmarshal != nil {
			return "", fmt.Errorf("cloudflare: decode create: %w", errUnmarshal)
		}
		if !envelope.Success {
			return "", fmt.Errorf("cloudflare: create rule failed: %v", envelope.Errors)
		}
		var rule Rule
		if errUnmarshal := json.Unmarshal(envelope.Result, &rule); errUnmarshal != nil {
			return "", fmt.Errorf("cloudflare: decode rule: %w", errUnmarshal)
		}
		return rule.ID, nil
	case http.StatusBadRequest:
		var envelope apiEnvelope
		if errUnmarshal := json.Unmarshal(body, &envelope); errUnmarshal == nil {
			for _, apiErr := range envelope.Errors {
				if apiErr.Code == 10009 || strings.Contains(strings.ToLower(apiErr.Message), "duplicate") {
					return "", ErrDuplicateRule
				}
			}
		}
		return "", fmt.Errorf("cloudflare: create rule: status 400: %s", strings.TrimSpace(string(body)))
	case http.StatusTooManyRequests:
		return "", ErrRateLimited
	default:
		return "", fmt.Errorf("cloudflare: create rule: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// DeleteRule removes an access rule by id.
func (c *Client) DeleteRule(ctx context.Context, ruleID string) error {
	req, errReq := http.NewRequestWithContext(ctx, http.MethodDelete, c.rulesURL()+"/"+ruleID, nil)
	if errReq != nil {
		return fmt.Errorf("cloudflare: build request: %w", errReq)
	}
	resp, body, errDo := c.do(req)
	if errDo != nil {
		return errDo
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("cloudflare: delete rule %s: status %d: %s", ruleID, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var envelope apiEnvelope
	if errUnmarshal := json.Unmarshal(body, &envelope); errUnmarshal != nil {
		return fmt.Errorf("cloudflare: decode delete: %w", errUnmarshal)
	}
	if !envelope.Success {
		return fmt.Errorf("cloudflare: delete rule %s failed: %v", ruleID, envelope.Errors)
	}
	return nil
}

// ClearAutoBlockRules deletes every rule carrying the auto-block note prefix
// and returns how many were removed. Used at startup, when in-process unblock
// timers from the previous run are gone.
func (c *Client) ClearAutoBlockRules(ctx context.Context) (int, error) {
	req, errReq := http.NewRequestWithContext(ctx, http.MethodGet, c.rulesURL(), nil)
	if errReq != nil {
		return 0, fmt.Errorf("cloudflare: build request: %w", errReq)
	}
	resp, body, errDo := c.do(req)
	if errDo != nil {
		return 0, errDo
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("cloudflare: list rules: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	var envelope apiEnvelope
	if errUnmarshal := json.Unmarshal(body, &envelope); errUnmarshal != nil {
		return 0, fmt.Errorf("cloudflare: decode list: %w", errUnmarshal)
	}
	if !envelope.Success {
		return 0, fmt.Errorf("cloudflare: list rules failed: %v", envelope.Errors)
	}
	var rules []Rule
	if len(envelope.Result) > 0 {
		if errUnmarshal := json.Unmarshal(envelope.Result, &rules); errUnmarshal != nil {
			return 0, fmt.Errorf("cloudflare: decode rules: %w", errUnmarshal)
		}
	}

	deleted := 0
	for _, rule := range rules {
		if !strings.HasPrefix(rule.Notes, AutoBlockNotePrefix) {
			continue
		}
		if errDelete := c.DeleteRule(ctx, rule.ID); errDelete != nil {
			log.WithError(errDelete).Warnf("cloudflare: startup cleanup could not delete rule for %s", rule.Configuration.Value)
			continue
		}
		deleted++
	}
	return deleted, nil
}
