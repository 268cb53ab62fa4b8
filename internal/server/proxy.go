package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/exoml/relay/internal/gate"
	"github.com/exoml/relay/internal/ledger"
	"github.com/exoml/relay/internal/router"
	"github.com/exoml/relay/internal/usage"
	"github.com/exoml/relay/internal/util"
)

// maxRequestBody caps inbound payloads; image prompts and audio uploads fit
// comfortably below this.
const maxRequestBody = 64 << 20

// handleProxy serves every relayed POST endpoint: parse, gate, reserve,
// dispatch with failover, then settle the reservation against what the
// provider actually charged.
func (s *Server) handleProxy(c *gin.Context) {
	endpoint := c.Request.URL.Path
	start := s.now()

	if s.store.Providers().Endpoints[endpoint] == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("Configuration missing for endpoint: %s", endpoint)})
		return
	}

	body, errRead := io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBody))
	if errRead != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("Internal server error reading request: %v", errRead)})
		return
	}
	if len(body) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Request body is missing or empty."})
		return
	}

	req := router.Request{
		Endpoint:    endpoint,
		Body:        body,
		ContentType: c.ContentType(),
	}

	// Multipart uploads carry no JSON body; the endpoint's configured model
	// decides provider selection instead.
	if endpoint == "/v1/audio/transcriptions" {
		model, ok := s.firstConfiguredModel(endpoint)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("No models configured for endpoint %s", endpoint)})
			return
		}
		req.Model = model
	} else {
		var bodyJSON map[string]any
		if errUnmarshal := json.Unmarshal(body, &bodyJSON); errUnmarshal != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid JSON in request body."})
			return
		}
		model, _ := bodyJSON["model"].(string)
		if model == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Missing 'model' field in request body."})
			return
		}
		// Multi-choice sampling is not supported downstream.
		if endpoint == "/v1/chat/completions" {
			delete(bodyJSON, "n")
		}
		if endpoint == "/v1/responses" {
			if input, _ := bodyJSON["input"].(string); input == "" {
				c.JSON(http.StatusBadRequest, gin.H{"error": "Missing 'input' field in request body for /v1/responses endpoint."})
				return
			}
		}
		req.Model = model
		req.BodyJSON = bodyJSON
	}

	if s.rejectIfBlocked(c, req.Model) {
		return
	}

	auth, denial := s.gate.Authenticate(c.GetHeader("Authorization"), clientIP(c), req.Model)
	if denial != nil {
		c.JSON(denial.Status, denial.Body)
		return
	}
	if d := s.gate.CheckAlpha(req.Model, auth); d != nil {
		c.JSON(d.Status, d.Body)
		return
	}

	if !auth.AuthDisabled {
		if errPreauth := s.ledger.Preauthorize(auth.APIKey); errPreauth != nil {
			log.Infof("pre-authorization failed for key %s: %v", util.HideAPIKey(auth.APIKey), errPreauth)
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{
					"message": fmt.Sprintf("Insufficient tokens for request pre-authorization. A temporary reserve of %d tokens is required.", ledger.PreauthTokens),
					"type":    "tokens",
					"code":    "insufficient_tokens_preauth",
				},
			})
			return
		}
	}

	result, errDispatch := s.dispatcher.Dispatch(c.Request.Context(), c.Writer, req)
	if errDispatch != nil {
		if !auth.AuthDisabled {
			s.ledger.Refund(auth.APIKey)
		}
		var allFailed *router.AllFailedError
		if errors.As(errDispatch, &allFailed) {
			proxyRequests.WithLabelValues(endpoint, "failed").Inc()
			s.recordRequest(c, auth, req, nil, allFailed, 0, start)
			c.JSON(http.StatusBadRequest, allFailed.Payload())
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": errDispatch.Error()})
		return
	}

	var adjusted int64
	if !auth.AuthDisabled {
		adjusted = s.settle(auth, req.Model, result)
	}
	proxyRequests.WithLabelValues(endpoint, strconv.Itoa(result.StatusCode)).Inc()
	tokensSettled.Add(float64(adjusted))
	s.recordRequest(c, auth, req, result, nil, adjusted, start)
}

// settle charges the relayed tokens and returns the adjusted amount.
// Opensource-tier traffic bills the internal metering account and releases
// the caller's reservation untouched.
func (s *Server) settle(auth *gate.Result, model string, result *router.Result) int64 {
	settleKey := auth.APIKey
	if auth.MeteredOpensource {
		settleKey = s.gate.MeteringKey()
		s.ledger.Refund(auth.APIKey)
		log.Infof("opensource model %s: redirecting %d raw tokens to the metering account", model, result.RawTokens)
	}
	adjusted, errSettle := s.ledger.Settle(settleKey, result.RawTokens, result.Provider.EffectiveMultiplier())
	if errSettle != nil {
		log.Warnf("settlement failed for key %s: %v", util.HideAPIKey(settleKey), errSettle)
		return 0
	}
	return adjusted
}

// recordRequest writes the request-log row off the hot path.
func (s *Server) recordRequest(c *gin.Context, auth *gate.Result, req router.Request, result *router.Result, allFailed *router.AllFailedError, adjusted int64, start time.Time) {
	if s.recorder == nil {
		return
	}
	entry := usage.Entry{
		APIKey:      auth.APIKey,
		ClientIP:    clientIP(c),
		Endpoint:    req.Endpoint,
		Model:       req.Model,
		RequestedAt: start,
		Duration:    s.now().Sub(start),
	}
	if auth.User != nil {
		entry.Username = auth.User.Username
	}
	if result != nil {
		entry.Provider = result.Provider.ProviderName
		entry.StatusCode = result.StatusCode
		entry.Streamed = result.Streamed
		entry.RawTokens = result.RawTokens
		entry.AdjustedTokens = adjusted
		entry.Multiplier = result.Provider.EffectiveMultiplier()
	}
	if allFailed != nil {
		entry.Failed = true
		entry.StatusCode = http.StatusBadRequest
		entry.ErrorBody = allFailed.LastErrorBody
	}
	go s.recorder.Record(c.Request.Context(), entry)
}

func (s *Server) firstConfiguredModel(endpoint string) (string, bool) {
	ep := s.store.Providers().Endpoints[endpoint]
	if ep == nil || len(ep.Models) == 0 {
		return "", false
	}
	names := make([]string, 0, len(ep.Models))
	for name := range ep.Models {
		names = append(names, name)
	}
	sort.Strings(names)
	return names[0], true
}
