package config

import "time"

// ProviderEntry describes one upstream credential for a model.
type ProviderEntry struct {
	ProviderName        string  `json:"provider_name"`        // Display name.
	BaseURL             string  `json:"base_url"`             // Upstream base URL.
	APIKey              string  `json:"api_key"`              // Upstream credential.
	Model               string  `json:"model"`                // Provider-native model name.
	Priority            int     `json:"priority"`             // Lower tried first.
	Owner               string  `json:"owner"`                // Listed as owned_by in /v1/models.
	TokenMultiplier     float64 `json:"token_multiplier"`     // Billing multiplier, >= 0.
	ConsecutiveFailures int     `json:"consecutive_failures"` // Reset to 0 on success.
	Alpha               bool    `json:"alpha"`                // Hidden private-alpha marker.
}

// EffectivePriority returns the priority with the legacy default for unset entries.
func (p *ProviderEntry) EffectivePriority() int {
	if p.Priority == 0 {
		return 99
	}
	return p.Priority
}

// EffectiveMultiplier returns the token multiplier, defaulting invalid values to 1.0.
func (p *ProviderEntry) EffectiveMultiplier() float64 {
	if p.TokenMultiplier <= 0 {
		return 1.0
	}
	return p.TokenMultiplier
}

// SameCredential reports whether two entries refer to the same upstream credential.
func (p *ProviderEntry) SameCredential(other *ProviderEntry) bool {
	return other != nil && p.BaseURL == other.BaseURL && p.APIKey == other.APIKey
}

// EndpointConfig maps model ids to their ordered provider lists for one endpoint path.
type EndpointConfig struct {
	Models map[string][]*ProviderEntry `json:"models"`
}

// ProvidersDoc is the persisted provider topology document.
type ProvidersDoc struct {
	Endpoints map[string]*EndpointConfig `json:"endpoints"`
}

// Lookup returns the provider list for an endpoint/model pair.
func (d *ProvidersDoc) Lookup(endpoint, model string) []*ProviderEntry {
	if d == nil || d.Endpoints == nil {
		return nil
	}
	ep := d.Endpoints[endpoint]
	if ep == nil || ep.Models == nil {
		return nil
	}
	return ep.Models[model]
}

// UserAccount is one persisted account keyed by its API key.
type UserAccount struct {
	Username             string `json:"username"`
	UserID               string `json:"user_id,omitempty"`
	Plan                 string `json:"plan"`
	Enabled              bool   `json:"enabled"`
	TotalTokens          int64  `json:"total_tokens"`
	DailyTokensUsed      int64  `json:"daily_tokens_used"`
	LastUsageTimestamp   *int64 `json:"last_usage_timestamp"` // Epoch seconds; nil before first use.
	LastUpdatedTimestamp int64  `json:"last_updated_timestamp,omitempty"`
	PreauthReserved      int64  `json:"preauth_reserved,omitempty"`

	// Pay2go-only fields; removed when the plan changes away from pay2go.
	AvailableTokens *int64 `json:"available_tokens,omitempty"`
	Pay2goUpgraded  *bool  `json:"pay2go_upgraded,omitempty"`

	Opensource    bool   `json:"opensource,omitempty"`
	OpensourceRPM int    `json:"opensource_rpm,omitempty"`
	ExpiresAt     string `json:"expires_at,omitempty"` // ISO-8601 with Z suffix.
}

// Balance returns the pay2go available-token balance, zero when unset.
func (u *UserAccount) Balance() int64 {
	if u.AvailableTokens == nil {
		return 0
	}
	return *u.AvailableTokens
}

// SetBalance updates the pay2go available-token balance.
func (u *UserAccount) SetBalance(v int64) {
	u.AvailableTokens = &v
}

// Upgraded reports whether a pay2go account has premium access.
func (u *UserAccount) Upgraded() bool {
	return u.Pay2goUpgraded != nil && *u.Pay2goUpgraded
}

// UsersDoc is the persisted user account document.
type UsersDoc struct {
	Users map[string]*UserAccount `json:"users"`
}

// AuthEnabled reports whether any accounts exist; with none, authentication is disabled.
func (d *UsersDoc) AuthEnabled() bool {
	return d != nil && len(d.Users) > 0
}

// ModelInfo is one derived entry of the public /v1/models listing.
type ModelInfo struct {
	ID              string  `json:"id"`
	Object          string  `json:"object"`
	Created         int64   `json:"created"`
	OwnedBy         string  `json:"owned_by"`
	TokenMultiplier float64 `json:"token_multiplier"`
	Endpoint        string  `json:"endpoint"`
}

// BuildModelList derives the public model listing from a provider document.
// Alpha models and models without providers are omitted; the first provider of
// a model supplies owner and multiplier metadata.
func BuildModelList(doc *ProvidersDoc) []ModelInfo {
	if doc == nil || doc.Endpoints == nil {
		return nil
	}
	now := time.Now().Unix()
	seen := map[string]struct{}{}
	var out []ModelInfo
	for endpointPath, endpoint := range doc.Endpoints {
		if endpoint == nil {
			continue
		}
		for modelID, providers := range endpoint.Models {
			if len(providers) == 0 {
				continue
			}
			alpha := false
			for _, p := range providers {
				if p != nil && p.Alpha {
					alpha = true
					break
				}
			}
			if alpha {
				continue
			}
			if _, ok := seen[modelID]; ok {
				continue
			}
			seen[modelID] = struct{}{}
			first := providers[0]
			owner := "unknown"
			multiplier := 1.0
			if first != nil {
				if first.Owner != "" {
					owner = first.Owner
				}
				multiplier = first.EffectiveMultiplier()
			}
			out = append(out, ModelInfo{
				ID:              modelID,
				Object:          "model",
				Created:         now,
				OwnedBy:         owner,
				TokenMultiplier: multiplier,
				Endpoint:        endpointPath,
			})
		}
	}
	return out
}
