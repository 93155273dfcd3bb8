// Package config loads service configuration from a TOML file with
// environment-variable overrides for the values that differ per deployment.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Fortnox  FortnoxConfig  `toml:"fortnox"`
	BigQuery BigQueryConfig `toml:"bigquery"`
	GCS      GCSConfig      `toml:"gcs"`
	Sync     SyncConfig     `toml:"sync"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port        string `toml:"port"`
	BearerToken string `toml:"bearer_token"` // empty disables API auth
}

// FortnoxConfig holds OAuth credentials and endpoints for the Fortnox API.
type FortnoxConfig struct {
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	TokenURL     string `toml:"token_url"`
	AuthURL      string `toml:"auth_url"`
	APIBaseURL   string `toml:"api_base_url"`
	RedirectURI  string `toml:"redirect_uri"`
	Scopes       string `toml:"scopes"`
}

// BigQueryConfig identifies the dataset holding summaries, tokens and jobs.
type BigQueryConfig struct {
	ProjectID string `toml:"project_id"`
	DatasetID string `toml:"dataset_id"`
}

// GCSConfig holds the bucket for archiving uploaded SIE files. An empty
// bucket disables archiving.
type GCSConfig struct {
	Bucket string `toml:"bucket"`
}

// SyncConfig tunes the Fortnox sync engine.
type SyncConfig struct {
	ThrottleMS int `toml:"throttle_ms"`
	MaxRetries int `toml:"max_retries"`
}

// Default returns the built-in configuration. Every field can be overridden
// by the TOML file and the environment.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port: "8080",
		},
		Fortnox: FortnoxConfig{
			TokenURL:   "https://apps.fortnox.se/oauth-v1/token",
			AuthURL:    "https://apps.fortnox.se/oauth-v1/auth",
			APIBaseURL: "https://api.fortnox.se/3",
			Scopes:     "bookkeeping companyinformation",
		},
		BigQuery: BigQueryConfig{
			DatasetID: "budget",
		},
		Sync: SyncConfig{
			ThrottleMS: 700,
			MaxRetries: 6,
		},
	}
}

// Load reads the TOML file at path (skipped when path is empty or missing)
// and then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return cfg, fmt.Errorf("config: decoding %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("config: stat %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.BearerToken, "API_BEARER_TOKEN")
	setString(&c.Fortnox.ClientID, "FORTNOX_CLIENT_ID")
	setString(&c.Fortnox.ClientSecret, "FORTNOX_CLIENT_SECRET")
	setString(&c.Fortnox.TokenURL, "FORTNOX_TOKEN_URL")
	setString(&c.Fortnox.AuthURL, "FORTNOX_AUTH_URL")
	setString(&c.Fortnox.APIBaseURL, "FORTNOX_API_BASE_URL")
	setString(&c.Fortnox.RedirectURI, "FORTNOX_REDIRECT_URI")
	setString(&c.BigQuery.ProjectID, "BQ_PROJECT_ID")
	setString(&c.BigQuery.DatasetID, "BQ_DATASET_ID")
	setString(&c.GCS.Bucket, "GCS_BUCKET")
	setInt(&c.Sync.ThrottleMS, "SYNC_THROTTLE_MS")
	setInt(&c.Sync.MaxRetries, "SYNC_MAX_RETRIES")
}

func (c *Config) validate() error {
	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("config: sync.max_retries must be at least 1, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.ThrottleMS < 0 {
		return fmt.Errorf("config: sync.throttle_ms must not be negative, got %d", c.Sync.ThrottleMS)
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}
