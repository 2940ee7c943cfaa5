package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Settings is the process configuration. Values come from an optional YAML
// file and are overridden by environment variables, so containerized
// deployments can run file-free.
type Settings struct {
	Port       int    `yaml:"port"`
	AdminToken string `yaml:"admin_token"`

	WebhookSecret string `yaml:"webhook_secret"`

	GitHubAPIURL   string `yaml:"github_api_url"`
	AppID          int64  `yaml:"app_id"`
	PrivateKey     string `yaml:"private_key"`      // inline PEM
	PrivateKeyFile string `yaml:"private_key_file"` // or a path
	Token          string `yaml:"token"`            // static token mode, used in tests

	RedisURL       string `yaml:"redis_url"`
	RedisNamespace string `yaml:"redis_namespace"`

	LockTTLSeconds   int `yaml:"lock_ttl_seconds"`
	HeartbeatSeconds int `yaml:"heartbeat_seconds"`
	WorkerCount      int `yaml:"worker_count"`
	SweepSeconds     int `yaml:"sweep_seconds"`

	MaxRetries           int `yaml:"max_retries"`
	MaxItemWindowSeconds int `yaml:"max_item_window_seconds"`

	RateLimitMinRemaining   int     `yaml:"rate_limit_min_remaining"`
	RateLimitCooldownSecs   int     `yaml:"rate_limit_cooldown_seconds"`
	RateLimitJitterSecs     int     `yaml:"rate_limit_jitter_seconds"`
	MaxBackoffSeconds       int     `yaml:"max_backoff_seconds"`
	GitHubRequestsPerSecond float64 `yaml:"github_requests_per_second"`

	ServiceVersion string `yaml:"service_version"`
}

func defaults() Settings {
	return Settings{
		Port:                    8080,
		GitHubAPIURL:            "https://api.github.com",
		RedisURL:                "redis://localhost:6379/0",
		RedisNamespace:          "automerge",
		LockTTLSeconds:          60,
		HeartbeatSeconds:        15,
		WorkerCount:             4,
		SweepSeconds:            2,
		MaxRetries:              5,
		MaxItemWindowSeconds:    1800,
		RateLimitMinRemaining:   50,
		RateLimitCooldownSecs:   60,
		RateLimitJitterSecs:     15,
		MaxBackoffSeconds:       120,
		GitHubRequestsPerSecond: 10,
		ServiceVersion:          "dev",
	}
}

// Load reads the YAML file at path (skipped when path is empty or absent),
// applies environment overrides and validates the result.
func Load(path string) (*Settings, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Settings) applyEnv() {
	envInt(&c.Port, "PORT")
	envStr(&c.AdminToken, "ADMIN_TOKEN")
	envStr(&c.WebhookSecret, "WEBHOOK_SECRET")
	envStr(&c.GitHubAPIURL, "GITHUB_API_URL")
	envInt64(&c.AppID, "APP_ID")
	envStr(&c.PrivateKey, "APP_PRIVATE_KEY")
	envStr(&c.PrivateKeyFile, "APP_PRIVATE_KEY_FILE")
	envStr(&c.Token, "GITHUB_TOKEN")
	envStr(&c.RedisURL, "REDIS_URL")
	envStr(&c.RedisNamespace, "REDIS_NAMESPACE")
	envInt(&c.LockTTLSeconds, "REDIS_LOCK_TTL_SECONDS")
	envInt(&c.HeartbeatSeconds, "REDIS_HEARTBEAT_SECONDS")
	envInt(&c.WorkerCount, "WORKER_COUNT")
	envInt(&c.SweepSeconds, "SWEEP_SECONDS")
	envInt(&c.MaxRetries, "MAX_RETRIES")
	envInt(&c.MaxItemWindowSeconds, "MAX_ITEM_WINDOW_SECONDS")
	envInt(&c.RateLimitMinRemaining, "RATE_LIMIT_MIN_REMAINING")
	envInt(&c.RateLimitCooldownSecs, "RATE_LIMIT_COOLDOWN_SECONDS")
	envInt(&c.RateLimitJitterSecs, "RATE_LIMIT_JITTER_SECONDS")
	envInt(&c.MaxBackoffSeconds, "MAX_BACKOFF_SECONDS")
	envFloat(&c.GitHubRequestsPerSecond, "GITHUB_REQUESTS_PER_SECOND")
	envStr(&c.ServiceVersion, "SERVICE_VERSION")
}

func (c *Settings) validate() error {
	if c.WebhookSecret == "" {
		return fmt.Errorf("config: WEBHOOK_SECRET is required")
	}
	if c.Token == "" {
		if c.AppID == 0 {
			return fmt.Errorf("config: APP_ID is required when no static token is set")
		}
		if c.PrivateKey == "" && c.PrivateKeyFile == "" {
			return fmt.Errorf("config: APP_PRIVATE_KEY or APP_PRIVATE_KEY_FILE is required")
		}
	}
	if c.HeartbeatSeconds*2 >= c.LockTTLSeconds {
		return fmt.Errorf("config: heartbeat (%ds) must be well under the lock TTL (%ds)",
			c.HeartbeatSeconds, c.LockTTLSeconds)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("config: WORKER_COUNT must be at least 1")
	}
	return nil
}

// PrivateKeyPEM resolves the App signing key from the inline value or file.
func (c *Settings) PrivateKeyPEM() ([]byte, error) {
	if c.PrivateKey != "" {
		return []byte(c.PrivateKey), nil
	}
	if c.PrivateKeyFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.PrivateKeyFile)
	if err != nil {
		return nil, fmt.Errorf("read private key %s: %w", c.PrivateKeyFile, err)
	}
	return data, nil
}

func envStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			*dst = n
		}
	}
}

func envInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			*dst = f
		}
	}
}
