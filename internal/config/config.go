// Package config handles postpull configuration loading and validation.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// knownWeakSecrets is a blocklist of secrets that must never be used in production.
var knownWeakSecrets = map[string]bool{
	"changeme": true,
	"secret":   true,
	"hunter2":  true,
}

// GenerateRandomSecret returns a cryptographically random 64-character hex
// string suitable for use as a webhook or scheduler shared secret.
func GenerateRandomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Config is the top-level postpull configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Storage   StorageConfig   `json:"storage"`
	Runner    RunnerConfig    `json:"runner"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Guards    GuardsConfig    `json:"guards,omitempty"`
	Notify    NotifyConfig    `json:"notify,omitempty"`
	Logging   LoggingConfig   `json:"logging,omitempty"`
	RateLimit RateLimitConfig `json:"rate_limit,omitempty"`
}

// ServerConfig defines the service's listener settings.
type ServerConfig struct {
	Addr           string   `json:"addr"`       // e.g. ":8080"
	PublicURL      string   `json:"public_url"` // externally reachable base URL for webhook registration
	TLSCert        string   `json:"tls_cert,omitempty"`
	TLSKey         string   `json:"tls_key,omitempty"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"` // CORS origins; default ["*"]
	MaxBodyBytes   int64    `json:"max_body_bytes,omitempty"`  // max request body size; default 1MB
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Driver string `json:"driver"` // "sqlite" (default) or "postgres"
	DSN    string `json:"dsn"`    // e.g. "postpull.db" or ":memory:"
}

// RunnerConfig defines the external runner (Apify-compatible actor API).
type RunnerConfig struct {
	BaseURL       string            `json:"base_url,omitempty"` // default https://api.apify.com
	Token         string            `json:"token"`
	WebhookSecret string            `json:"webhook_secret"`          // shared secret on the completion callback
	Actors        map[string]string `json:"actors"`                  // source → actor id
	Templates     map[string]string `json:"templates,omitempty"`     // source → input template; {target} and {count} substituted
	FetchRetries  int               `json:"fetch_retries,omitempty"` // bounded retries when fetching run results; default 3
	HTTPTimeout   Duration          `json:"http_timeout,omitempty"`  // per-request timeout; default 60s
}

// SchedulerConfig defines schedule processing.
type SchedulerConfig struct {
	TickSecret       string   `json:"tick_secret"`                  // shared secret on the trigger endpoint
	TickInterval     Duration `json:"tick_interval,omitempty"`      // internal ticker; 0 disables
	DefaultItemCount int      `json:"default_item_count,omitempty"` // items requested per scheduled run; default 100
	RunHourUTC       int      `json:"run_hour_utc,omitempty"`       // normalized time-of-day for next_run_at; default 6
}

// GuardsConfig tunes the pre-submission abuse guard.
type GuardsConfig struct {
	FailureWindow Duration `json:"failure_window,omitempty"` // trailing window; default 1h
	MaxFailures   int      `json:"max_failures,omitempty"`   // block at/above this count; default 3
}

// NotifyConfig defines completion notification delivery.
type NotifyConfig struct {
	SendGridKey string `json:"sendgrid_key,omitempty"` // empty disables email, falls back to log-only
	FromAddress string `json:"from_address,omitempty"`
	FromName    string `json:"from_name,omitempty"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `json:"level,omitempty"`
	Format string `json:"format,omitempty"` // "json" or "text"
}

// RateLimitConfig defines API rate limiting settings.
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"` // default 10
	Burst             int     `json:"burst,omitempty"`               // default 20
}

// Duration is a JSON-friendly time.Duration.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		dur, err := time.ParseDuration(val)
		if err != nil {
			return err
		}
		d.Duration = dur
	case float64:
		d.Duration = time.Duration(val) * time.Second
	default:
		return fmt.Errorf("invalid duration: %v", v)
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Load reads and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.PublicURL == "" {
		return fmt.Errorf("server.public_url is required (the runner posts completions here)")
	}
	if c.Runner.Token == "" {
		return fmt.Errorf("runner.token is required")
	}
	if c.Runner.WebhookSecret == "" {
		return fmt.Errorf("runner.webhook_secret is required")
	}
	if len(c.Runner.WebhookSecret) < 16 {
		return fmt.Errorf("runner.webhook_secret must be at least 16 characters")
	}
	if knownWeakSecrets[c.Runner.WebhookSecret] {
		return fmt.Errorf("runner.webhook_secret is a well-known weak secret, generate a new one")
	}
	if c.Scheduler.TickSecret == "" {
		return fmt.Errorf("scheduler.tick_secret is required")
	}
	if knownWeakSecrets[c.Scheduler.TickSecret] {
		return fmt.Errorf("scheduler.tick_secret is a well-known weak secret, generate a new one")
	}
	if c.Scheduler.TickSecret == c.Runner.WebhookSecret {
		return fmt.Errorf("scheduler.tick_secret must differ from runner.webhook_secret")
	}
	if len(c.Runner.Actors) == 0 {
		return fmt.Errorf("runner.actors must map at least one source to an actor id")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = "postpull.db"
	}
	if c.Runner.BaseURL == "" {
		c.Runner.BaseURL = "https://api.apify.com"
	}
	if c.Runner.FetchRetries == 0 {
		c.Runner.FetchRetries = 3
	}
	if c.Runner.HTTPTimeout.Duration == 0 {
		c.Runner.HTTPTimeout.Duration = 60 * time.Second
	}
	if c.Scheduler.DefaultItemCount == 0 {
		c.Scheduler.DefaultItemCount = 100
	}
	if c.Scheduler.RunHourUTC == 0 {
		c.Scheduler.RunHourUTC = 6
	}
	if c.Guards.FailureWindow.Duration == 0 {
		c.Guards.FailureWindow.Duration = time.Hour
	}
	if c.Guards.MaxFailures == 0 {
		c.Guards.MaxFailures = 3
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 1024 * 1024 // 1MB
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"*"}
	}
}
