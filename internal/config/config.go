// Package config handles YAML configuration loading with environment
// variable expansion. Every setting also maps to a flat environment key, so
// container deployments can skip the file entirely.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"go.yaml.in/yaml/v3"

	guard "github.com/eugener/aiguard/internal"
)

// Config is the top-level proxy configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Vault     VaultConfig     `yaml:"vault"`
	Identity  IdentityConfig  `yaml:"identity"`
	Admin     AdminConfig     `yaml:"admin"`
	Forwarder ForwarderConfig `yaml:"forwarder"`
	Providers ProviderKeys    `yaml:"providers"`
	Usage     UsageConfig     `yaml:"usage"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestSize  int64         `yaml:"max_request_size"`
}

// LogConfig controls slog output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or text
}

// DatabaseConfig holds MongoDB settings.
type DatabaseConfig struct {
	URI  string `yaml:"uri"`
	Name string `yaml:"name"`
}

// RedisConfig holds the optional shared rate-limit backend. An empty URL
// selects the in-process limiter.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// VaultConfig holds the credential vault master key.
type VaultConfig struct {
	EncryptionKey string `yaml:"encryption_key"`
}

// IdentityConfig configures the external identity verifier. An empty
// ProjectID disables the identity path; the proxy then serves PAT-only.
type IdentityConfig struct {
	ProjectID   string `yaml:"project_id"`
	ClientEmail string `yaml:"client_email"`
	PrivateKey  string `yaml:"private_key"`
}

// AdminConfig holds the admin override secret.
type AdminConfig struct {
	SecretKey string `yaml:"secret_key"`
}

// ForwarderConfig tunes upstream forwarding.
type ForwarderConfig struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
}

// ProviderKeys are the process-default upstream credentials, the last tier
// of credential resolution.
type ProviderKeys struct {
	OpenAIKey    string `yaml:"openai_api_key"`
	AnthropicKey string `yaml:"anthropic_api_key"`
	GeminiKey    string `yaml:"gemini_api_key"`
}

// SystemCredentials maps the configured keys by provider, skipping blanks.
func (p ProviderKeys) SystemCredentials() map[guard.Provider]string {
	out := make(map[guard.Provider]string, 3)
	if p.OpenAIKey != "" {
		out[guard.ProviderOpenAI] = p.OpenAIKey
	}
	if p.AnthropicKey != "" {
		out[guard.ProviderAnthropic] = p.AnthropicKey
	}
	if p.GeminiKey != "" {
		out[guard.ProviderGemini] = p.GeminiKey
	}
	return out
}

// UsageConfig controls counter resets.
type UsageConfig struct {
	ResetTimezone string `yaml:"reset_timezone"` // IANA name, default UTC
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	MetricsEnabled bool    `yaml:"metrics_enabled"`
	TracingEnabled bool    `yaml:"tracing_enabled"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint"`
	SampleRate     float64 `yaml:"sample_rate"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            3000,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxRequestSize:  10 << 20,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Database: DatabaseConfig{
			URI:  "mongodb://localhost:27017",
			Name: "aiguard",
		},
		Forwarder: ForwarderConfig{
			RequestTimeout: 30 * time.Second,
			MaxRetries:     3,
			RetryDelay:     time.Second,
		},
		Usage: UsageConfig{
			ResetTimezone: "UTC",
		},
		Telemetry: TelemetryConfig{
			MetricsEnabled: true,
			SampleRate:     0.1,
		},
	}
}

// Load reads a YAML config file (optional), expands ${VAR} references, and
// applies flat environment overrides on top. path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(expandEnv(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv overlays the recognized flat environment keys.
func (c *Config) applyEnv() {
	if v, ok := lookupInt("PORT"); ok {
		c.Server.Port = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v, ok := lookupDuration("REQUEST_TIMEOUT"); ok {
		c.Forwarder.RequestTimeout = v
	}
	if v, ok := lookupInt("MAX_RETRIES"); ok {
		c.Forwarder.MaxRetries = v
	}
	if v, ok := lookupDuration("RETRY_DELAY"); ok {
		c.Forwarder.RetryDelay = v
	}
	if v, ok := lookupInt("MAX_REQUEST_SIZE"); ok {
		c.Server.MaxRequestSize = int64(v)
	}
	if v := os.Getenv("MONGODB_URI"); v != "" {
		c.Database.URI = v
	}
	if v := os.Getenv("MONGODB_DB_NAME"); v != "" {
		c.Database.Name = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.Redis.URL = v
	}
	if v := os.Getenv("ENCRYPTION_KEY"); v != "" {
		c.Vault.EncryptionKey = v
	}
	if v := os.Getenv("FIREBASE_PROJECT_ID"); v != "" {
		c.Identity.ProjectID = v
	}
	if v := os.Getenv("FIREBASE_CLIENT_EMAIL"); v != "" {
		c.Identity.ClientEmail = v
	}
	if v := os.Getenv("FIREBASE_PRIVATE_KEY"); v != "" {
		c.Identity.PrivateKey = v
	}
	if v := os.Getenv("ADMIN_SECRET_KEY"); v != "" {
		c.Admin.SecretKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Providers.OpenAIKey = v
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		c.Providers.AnthropicKey = v
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Providers.GeminiKey = v
	}
	if v := os.Getenv("USAGE_RESET_TZ"); v != "" {
		c.Usage.ResetTimezone = v
	}
}

// Validate checks settings that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Vault.EncryptionKey == "" {
		return fmt.Errorf("encryption key is required (ENCRYPTION_KEY)")
	}
	if c.Database.URI == "" {
		return fmt.Errorf("database URI is required (MONGODB_URI)")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if _, err := time.LoadLocation(c.Usage.ResetTimezone); err != nil {
		return fmt.Errorf("invalid reset timezone %q: %w", c.Usage.ResetTimezone, err)
	}
	return nil
}

// lookupDuration parses an env value as a Go duration, falling back to a
// bare integer interpreted as milliseconds.
func lookupDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d, true
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, true
	}
	return 0, false
}

func lookupInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
