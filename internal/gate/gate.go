// Package gate performs per-request authentication and entitlement checks
// against the live account snapshot.
package gate

import (
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/exoml/relay/internal/config"
	"github.com/exoml/relay/internal/ledger"
	"github.com/exoml/relay/internal/util"
)

// Defaults applied when the settings file leaves the gate fields empty.
const (
	DefaultPromoKey  = "sk-hackathon-2025"
	DefaultAlphaUser = "1314958804890157109"
)

var defaultOpensourceModels = []string{
	"llama-3.3-nemotron-super-49b",
	"devstral-small-2505",
	"deepseek-v3-0324-selfhost",
	"kimi-k2-selfhost",
}

var defaultPremiumModels = []string{
	"runway",
	"gpt-image-1",
	"imagen-3",
	"imagen-3-5",
	"grok-3-beta",
	"o3",
	"gemini-2.5-pro-exp-03-25t",
}

// Denial is a rejected request with the HTTP status and body to return.
type Denial struct {
	Status int
	Body   map[string]any
}

func deny(status int, body map[string]any) *Denial {
	return &Denial{Status: status, Body: body}
}

// Result is the outcome of a successful authentication.
type Result struct {
	APIKey string
	User   *config.UserAccount
	// AuthDisabled is set when no accounts exist and checks are skipped.
	AuthDisabled bool
	// PromoKey marks the shared promotional key.
	PromoKey bool
	// MeteredOpensource marks opensource-tier traffic whose usage is
	// redirected to the internal metering account.
	MeteredOpensource bool
}

// Gate validates API keys and enforces plan entitlements.
type Gate struct {
	store *config.Store
	rpm   *ledger.RPMTracker
	promo *ledger.PromoLimiter

	promoKey    string
	meteringKey string
	alphaUser   string

	opensourceModels map[string]struct{}
	premiumModels    []string

	now func() time.Time
}

// New builds a gate over the account store using the configured key policy.
func New(store *config.Store, cfg *config.Config) *Gate {
	g := &Gate{
		store:            store,
		rpm:              ledger.NewRPMTracker(),
		promo:            ledger.NewPromoLimiter(),
		promoKey:         DefaultPromoKey,
		meteringKey:      config.DefaultMeteringKey,
		alphaUser:        DefaultAlphaUser,
		opensourceModels: make(map[string]struct{}),
		now:              time.Now,
	}
	opensource := defaultOpensourceModels
	g.premiumModels = defaultPremiumModels
	if cfg != nil {
		if strings.TrimSpace(cfg.PromoKey) != "" {
			g.promoKey = cfg.PromoKey
		}
		if strings.TrimSpace(cfg.InternalMeteringKey) != "" {
			g.meteringKey = cfg.InternalMeteringKey
		}
		if strings.TrimSpace(cfg.AlphaUser) != "" {
			g.alphaUser = cfg.AlphaUser
		}
		if len(cfg.OpensourceModels) > 0 {
			opensource = cfg.OpensourceModels
		}
		if len(cfg.PremiumModels) > 0 {
			g.premiumModels = cfg.PremiumModels
		}
	}
	for _, m := range opensource {
		g.opensourceModels[m] = struct{}{}
	}
	return g
}

// MeteringKey returns the internal account that absorbs opensource usage.
func (g *Gate) MeteringKey() string { return g.meteringKey }

// IsOpensourceModel reports whether the model belongs to the opensource tier.
func (g *Gate) IsOpensourceModel(model string) bool {
	_, ok := g.opensourceModels[model]
	return ok
}

// IsPremiumModel reports whether the model requires a premium plan.
func (g *Gate) IsPremiumModel(model string) bool {
	if strings.Contains(strings.ToLower(model), "midjourney") {
		return true
	}
	for _, m := range g.premiumModels {
		if model == m {
			return true
		}
	}
	return false
}

// Authenticate validates the Authorization header and the account's
// entitlement to the requested model. A nil Denial means the request may
// proceed with the returned Result.
func (g *Gate) Authenticate(authHeader, clientIP, model string) (*Result, *Denial) {
	users := g.store.Users()
	if !users.AuthEnabled() {
		return &Result{AuthDisabled: true}, nil
	}

	if !strings.HasPrefix(authHeader, "Bearer ") {
		return nil, deny(401, map[string]any{
			"error": "Authorization header with Bearer token is required.",
		})
	}
	apiKey := strings.TrimPrefix(authHeader, "Bearer ")

	if apiKey == g.meteringKey {
		log.Warnf("blocked direct use of internal metering key from %s", clientIP)
		return nil, deny(403, map[string]any{
			"error": map[string]any{
				"message": "This API key is reserved for internal usage tracking and cannot be used directly.",
				"type":    "forbidden",
				"code":    "sk_test_direct_usage_blocked",
			},
		})
	}

	isPromo := apiKey == g.promoKey
	if isPromo && !g.promo.Allow(clientIP) {
		return nil, deny(429, map[string]any{
			"error": map[string]any{
				"message": fmt.Sprintf("Rate limit exceeded for promotional key. One request per %d seconds per IP.", int(ledger.PromoCooldown/time.Second)),
				"type":    "rate_limit_error",
				"code":    "hackathon_key_rate_limit",
			},
		})
	}

	user := users.Users[apiKey]
	if user == nil || !user.Enabled {
		return nil, deny(403, map[string]any{"error": "Invalid or disabled API key."})
	}

	res := &Result{APIKey: apiKey, User: user, PromoKey: isPromo}

	if g.IsOpensourceModel(model) && user.Opensource {
		if !g.rpm.Allow(apiKey, user.OpensourceRPM) {
			return nil, deny(429, map[string]any{
				"error": map[string]any{
					"message": fmt.Sprintf("Rate limit exceeded for opensource models. Your limit is %d requests per minute.", user.OpensourceRPM),
					"type":    "rate_limit_error",
					"code":    "opensource_rpm_limit_exceeded",
				},
			})
		}
		res.MeteredOpensource = true
	}

	if denial := g.checkExpiry(apiKey, user); denial != nil {
		return nil, denial
	}
	if denial := g.checkPremium(model, user, isPromo); denial != nil {
		return nil, denial
	}
	if denial := g.checkQuota(user); denial != nil {
		return nil, denial
	}
	return res, nil
}

// CheckAlpha gates private-alpha models behind the single permitted identity.
func (g *Gate) CheckAlpha(model string, res *Result) *Denial {
	providers := g.store.Providers().Lookup("/v1/chat/completions", model)
	alpha := false
	for _, p := range providers {
		if p.Alpha {
			alpha = true
			break
		}
	}
	if !alpha {
		return nil
	}
	if res.AuthDisabled || res.User == nil || res.User.Username != g.alphaUser {
		return deny(403, map[string]any{
			"error": map[string]any{
				"message": fmt.Sprintf("You do not have access to the model '%s'. This is a private alpha model.", model),
				"type":    "permission_denied",
				"code":    "alpha_model_access_denied",
			},
		})
	}
	return nil
}

func (g *Gate) checkExpiry(apiKey string, user *config.UserAccount) *Denial {
	if user.ExpiresAt == "" {
		return nil
	}
	expires, errParse := time.Parse(time.RFC3339, user.ExpiresAt)
	if errParse != nil {
		log.Warnf("unparseable expires_at for key %s: %v", util.HideAPIKey(apiKey), errParse)
		return nil
	}
	if g.now().After(expires) {
		log.Infof("expired key %s rejected", util.HideAPIKey(apiKey))
		return deny(403, map[string]any{"error": "API key has expired."})
	}
	return nil
}

func (g *Gate) checkPremium(model string, user *config.UserAccount, isPromo bool) *Denial {
	if !g.IsPremiumModel(model) {
		return nil
	}
	if isPromo {
		return deny(403, map[string]any{
			"error": map[string]any{
				"message": fmt.Sprintf("The promotional key does not grant access to premium model '%s'.", model),
				"type":    "forbidden",
				"code":    "hackathon_premium_denied",
			},
		})
	}
	switch user.Plan {
	case "100m", "unlimited":
		return nil
	case ledger.PlanPay2go:
		if user.Upgraded() {
			return nil
		}
	}
	return deny(403, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf("Your plan does not include access to premium model '%s'.", model),
			"type":    "forbidden",
			"code":    "premium_model_access_denied",
		},
	})
}

func (g *Gate) checkQuota(user *config.UserAccount) *Denial {
	if user.Plan == ledger.PlanPay2go {
		if user.Balance() <= 0 {
			return deny(429, map[string]any{
				"error": map[string]any{
					"message": "Insufficient tokens. Please top up your pay2go balance.",
					"type":    "rate_limit_error",
					"code":    "insufficient_tokens",
				},
			})
		}
		return nil
	}
	limit, limited := ledger.ParseDailyLimit(user.Plan)
	if !limited {
		return nil
	}
	used := user.DailyTokensUsed
	if ledger.IsNewDay(user.LastUsageTimestamp, g.now()) {
		used = 0
	}
	if used >= limit {
		return deny(429, map[string]any{
			"error": map[string]any{
				"message": fmt.Sprintf("Daily token limit of %d exceeded for your plan.", limit),
				"type":    "rate_limit_error",
				"code":    "daily_limit_exceeded",
			},
		})
	}
	return nil
}
