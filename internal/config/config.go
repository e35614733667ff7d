// Package config loads and validates the gateway configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath   = "wristclaw.toml"
	DefaultHTTPAddr     = ":8070"
	DefaultDMPolicy     = "open"
	DefaultGroupPolicy  = "mention"
	DefaultGroupHistory = 20
)

// DM and group policy enum values.
const (
	DMPolicyOpen      = "open"
	DMPolicyAllowlist = "allowlist"
	DMPolicyDisabled  = "disabled"

	GroupPolicyMention  = "mention"
	GroupPolicyOpen     = "open"
	GroupPolicyDisabled = "disabled"
)

type Config struct {
	Log      LogConfig       `toml:"log"`
	Server   ServerConfig    `toml:"server"`
	Accounts []AccountConfig `toml:"accounts" validate:"min=1,dive"`
}

type LogConfig struct {
	Level  string `toml:"level"  env:"WRISTCLAW_LOG_LEVEL"`
	Format string `toml:"format" env:"WRISTCLAW_LOG_FORMAT"`
}

// ServerConfig configures the local status HTTP listener.
type ServerConfig struct {
	Addr string `toml:"addr" env:"WRISTCLAW_HTTP_ADDR"`
}

// AccountConfig is one set of Server credentials plus the access policies the
// monitor enforces for that account.
type AccountConfig struct {
	ID        string `toml:"id"         validate:"required"`
	ServerURL string `toml:"server_url" validate:"required"`
	APIKey    string `toml:"api_key"    validate:"required"`
	OwnerID   string `toml:"owner_id"`

	DMPolicy    string   `toml:"dm_policy"    validate:"omitempty,oneof=open allowlist disabled"`
	DMAllowlist []string `toml:"dm_allowlist"`

	GroupPolicy    string   `toml:"group_policy" validate:"omitempty,oneof=mention open disabled"`
	GroupAllowlist []string `toml:"group_allowlist"`

	MentionNames      []string `toml:"mention_names"`
	GroupHistoryLimit int      `toml:"group_history_limit" validate:"omitempty,min=1"`
	SecretaryAgentID  string   `toml:"secretary_agent_id"`
}

// IsOwner reports whether senderID matches the configured owner.
func (a AccountConfig) IsOwner(senderID string) bool {
	owner := strings.TrimSpace(a.OwnerID)
	return owner != "" && senderID == owner
}

// Load reads the TOML file at path, applies defaults and environment
// overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{
		Log:    LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{Addr: DefaultHTTPAddr},
	}
	if path == "" {
		path = DefaultConfigPath
	}
	if _, err := os.Stat(path); err != nil {
		return Config{}, fmt.Errorf("config file %s: %w", path, err)
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("apply env overrides: %w", err)
	}
	applyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultHTTPAddr
	}
	for i := range cfg.Accounts {
		account := &cfg.Accounts[i]
		account.ServerURL = strings.TrimRight(strings.TrimSpace(account.ServerURL), "/")
		if account.DMPolicy == "" {
			account.DMPolicy = DefaultDMPolicy
		}
		if account.GroupPolicy == "" {
			account.GroupPolicy = DefaultGroupPolicy
		}
		if account.GroupHistoryLimit == 0 {
			account.GroupHistoryLimit = DefaultGroupHistory
		}
		for j, name := range account.MentionNames {
			account.MentionNames[j] = strings.ToLower(strings.TrimSpace(name))
		}
	}
}

// Validate checks structural constraints plus server URL parseability.
func Validate(cfg Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := map[string]bool{}
	for _, account := range cfg.Accounts {
		if seen[account.ID] {
			return fmt.Errorf("invalid config: duplicate account id %q", account.ID)
		}
		seen[account.ID] = true
		parsed, err := url.Parse(account.ServerURL)
		if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return fmt.Errorf("invalid config: account %s: server_url %q is not an http(s) URL", account.ID, account.ServerURL)
		}
	}
	return nil
}
