package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/exoml/relay/internal/logging"
	"gopkg.in/yaml.v3"
)

// Default relay settings applied when the settings file omits a value.
const (
	DefaultListen           = ":24458"
	DefaultProvidersFile    = "providers.json"
	DefaultUsersFile        = "users.json"
	DefaultMitigatedIPsFile = "mitigated_ips.json"
	DefaultRequestLogDSN    = "file:requestlog.db"
	DefaultMeteringKey      = "sk-test"
)

// CloudflareConfig holds credentials for the IP access-rule integration.
type CloudflareConfig struct {
	ZoneID    string `yaml:"zone-id"`    // Cloudflare zone identifier.
	AuthEmail string `yaml:"auth-email"` // Account email for X-Auth-Email.
	AuthKey   string `yaml:"auth-key"`   // Global API key for X-Auth-Key.
}

// Enabled reports whether the integration has usable credentials.
func (c CloudflareConfig) Enabled() bool {
	return strings.TrimSpace(c.ZoneID) != "" && strings.TrimSpace(c.AuthKey) != ""
}

// AbuseConfig overrides the abuse monitor thresholds.
type AbuseConfig struct {
	AttackThreshold int `yaml:"attack-threshold"` // Global RPS that marks an attack.
	PerIPThreshold  int `yaml:"per-ip-threshold"` // Single-IP RPS that triggers blocking.
}

// Config is the relay settings document loaded from YAML.
type Config struct {
	Listen  string `yaml:"listen"`   // Listen address, e.g. ":24458".
	DataDir string `yaml:"data-dir"` // Base directory for relative file paths.

	ProvidersFile    string `yaml:"providers-file"`     // Provider topology snapshot.
	UsersFile        string `yaml:"users-file"`         // User account snapshot.
	MitigatedIPsFile string `yaml:"mitigated-ips-file"` // Persisted mitigated-IP set.

	RequestLogDSN           string `yaml:"request-log-dsn"`            // sqlite path or postgres DSN.
	RequestLogRetentionDays int    `yaml:"request-log-retention-days"` // 0 disables pruning.

	AdminAPIKey    string `yaml:"admin-api-key"`    // Fixed admin bearer token.
	AdminJWTSecret string `yaml:"admin-jwt-secret"` // Secret for minted admin session tokens.

	PromoKey            string `yaml:"promo-key"`             // Promotional key with per-IP cooldown.
	InternalMeteringKey string `yaml:"internal-metering-key"` // Accounting redirection target for opensource usage.
	AlphaUser           string `yaml:"alpha-user"`            // Sole identity allowed on alpha models.

	OpensourceModels []string `yaml:"opensource-models"` // Opensource-tier model allow-list.
	PremiumModels    []string `yaml:"premium-models"`    // Premium model allow-list.

	WebhookURL     string   `yaml:"webhook-url"`     // Incident notification webhook.
	WhitelistedIPs []string `yaml:"whitelisted-ips"` // IPs exempt from tracking and blocking.

	Cloudflare CloudflareConfig `yaml:"cloudflare"`
	Abuse      AbuseConfig      `yaml:"abuse"`
	Logging    logging.Options  `yaml:"logging"`
}

// LoadConfig reads the settings file and applies defaults. A missing file
// yields the default configuration rather than an error.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	data, errRead := os.ReadFile(path)
	if errRead == nil {
		if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
		}
	} else if !os.IsNotExist(errRead) {
		return nil, fmt.Errorf("config: read %s: %w", path, errRead)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if strings.TrimSpace(c.ProvidersFile) == "" {
		c.ProvidersFile = DefaultProvidersFile
	}
	if strings.TrimSpace(c.UsersFile) == "" {
		c.UsersFile = DefaultUsersFile
	}
	if strings.TrimSpace(c.MitigatedIPsFile) == "" {
		c.MitigatedIPsFile = DefaultMitigatedIPsFile
	}
	if strings.TrimSpace(c.RequestLogDSN) == "" {
		c.RequestLogDSN = DefaultRequestLogDSN
	}
	if strings.TrimSpace(c.InternalMeteringKey) == "" {
		c.InternalMeteringKey = DefaultMeteringKey
	}
}

// ResolvePath joins a relative path onto the configured data directory.
func (c *Config) ResolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) || strings.TrimSpace(c.DataDir) == "" {
		return path
	}
	return filepath.Join(c.DataDir, path)
}

// ProvidersPath returns the resolved provider snapshot path.
func (c *Config) ProvidersPath() string { return c.ResolvePath(c.ProvidersFile) }

// UsersPath returns the resolved user snapshot path.
func (c *Config) UsersPath() string { return c.ResolvePath(c.UsersFile) }

// MitigatedIPsPath returns the resolved mitigated-IP snapshot path.
func (c *Config) MitigatedIPsPath() string { return c.ResolvePath(c.MitigatedIPsFile) }
