package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// SyncConfig controls the reconciliation engine and the background sweep.
type SyncConfig struct {
	// SweepCron is a cron-style schedule string (e.g. "*/30 * * * *")
	// for the periodic sweep over all active feeds. Empty disables the sweep.
	SweepCron string `yaml:"sweep_cron" json:"sweep_cron"`

	// Concurrency bounds how many feeds a sweep syncs at once.
	Concurrency int `yaml:"concurrency" json:"concurrency"`

	// FetchTimeoutSeconds bounds every ICS fetch, provider call and token refresh.
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds" json:"fetch_timeout_seconds"`

	// MaxRedirects is the number of HTTP redirects an ICS fetch may follow.
	MaxRedirects int `yaml:"max_redirects" json:"max_redirects"`

	// DefaultWindowPastMonths / DefaultWindowFutureMonths define the
	// near-term window used by "default" mode syncs.
	DefaultWindowPastMonths   int `yaml:"default_window_past_months" json:"default_window_past_months"`
	DefaultWindowFutureMonths int `yaml:"default_window_future_months" json:"default_window_future_months"`

	// HorizonMonths bounds recurrence expansion into the future for
	// "historical" mode.
	HorizonMonths int `yaml:"horizon_months" json:"horizon_months"`

	// MaxOccurrencesPerEvent caps RRULE expansion for a single VEVENT.
	MaxOccurrencesPerEvent int `yaml:"max_occurrences_per_event" json:"max_occurrences_per_event"`

	// MaxRetries is how often the sweep retries a transient failure.
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	UserAgent string `yaml:"user_agent" json:"user_agent"`
}

// GoogleOAuthConfig holds the OAuth client registration for Google Calendar.
type GoogleOAuthConfig struct {
	ClientID     string `yaml:"client_id" json:"client_id"`
	ClientSecret string `yaml:"client_secret" json:"-"`
	AuthURL      string `yaml:"auth_url" json:"auth_url"`
	TokenURL     string `yaml:"token_url" json:"token_url"`
	RedirectURL  string `yaml:"redirect_url" json:"redirect_url"`

	// RefreshMarginSeconds: tokens expiring within this margin are refreshed.
	RefreshMarginSeconds int `yaml:"refresh_margin_seconds" json:"refresh_margin_seconds"`

	// APIEndpoint overrides the Calendar API base URL (tests, proxies).
	APIEndpoint string `yaml:"api_endpoint,omitempty" json:"api_endpoint,omitempty"`
}

// OAuthConfig groups provider registrations.
type OAuthConfig struct {
	Google GoogleOAuthConfig `yaml:"google" json:"google"`
}

// LockConfig selects how the at-most-one-sync-per-feed guard is held.
type LockConfig struct {
	// Backend is "memory" (single process) or "postgres" (advisory locks).
	Backend     string `yaml:"backend" json:"backend"`
	PostgresURL string `yaml:"postgres_url,omitempty" json:"-"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone used for floating ICS times and
	// sync windows (e.g. "Europe/Berlin").
	Timezone string `yaml:"timezone" json:"timezone"`

	// DatabasePath is the SQLite database file.
	DatabasePath string `yaml:"database_path" json:"database_path"`

	// CacheDir holds the ETag / Last-Modified cache of ICS feeds.
	CacheDir string `yaml:"cache_dir" json:"cache_dir"`

	LogLevel string `yaml:"log_level" json:"log_level"`

	Sync  SyncConfig  `yaml:"sync" json:"sync"`
	OAuth OAuthConfig `yaml:"oauth" json:"oauth"`
	Lock  LockConfig  `yaml:"lock" json:"lock"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all endpoints
	// except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values with sensible defaults so that
// partially-filled configs (e.g., older versions) still behave correctly.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8080"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.DatabasePath == "" {
		c.DatabasePath = "/var/lib/studiosync/studiosync.db"
	}
	if c.CacheDir == "" {
		c.CacheDir = "/var/lib/studiosync/ics-cache"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	s := &c.Sync
	if s.SweepCron == "" {
		s.SweepCron = "*/30 * * * *"
	}
	if s.Concurrency <= 0 {
		s.Concurrency = 4
	}
	if s.FetchTimeoutSeconds <= 0 {
		s.FetchTimeoutSeconds = 30
	}
	if s.MaxRedirects <= 0 {
		s.MaxRedirects = 5
	}
	if s.DefaultWindowPastMonths <= 0 {
		s.DefaultWindowPastMonths = 3
	}
	if s.DefaultWindowFutureMonths <= 0 {
		s.DefaultWindowFutureMonths = 3
	}
	if s.HorizonMonths <= 0 {
		s.HorizonMonths = 24
	}
	if s.MaxOccurrencesPerEvent <= 0 {
		s.MaxOccurrencesPerEvent = 5000
	}
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
	if s.UserAgent == "" {
		s.UserAgent = "studiosync/1.0"
	}

	g := &c.OAuth.Google
	if g.AuthURL == "" {
		g.AuthURL = "https://accounts.google.com/o/oauth2/auth"
	}
	if g.TokenURL == "" {
		g.TokenURL = "https://oauth2.googleapis.com/token"
	}
	if g.RefreshMarginSeconds <= 0 {
		g.RefreshMarginSeconds = 300
	}

	switch c.Lock.Backend {
	case "memory", "postgres":
		// ok
	default:
		c.Lock.Backend = "memory"
	}
}

// FetchTimeout returns the per-request timeout as a duration.
func (s SyncConfig) FetchTimeout() time.Duration {
	return time.Duration(s.FetchTimeoutSeconds) * time.Second
}

// RefreshMargin returns the token refresh safety margin as a duration.
func (g GoogleOAuthConfig) RefreshMargin() time.Duration {
	return time.Duration(g.RefreshMarginSeconds) * time.Second
}

// Location resolves Timezone, falling back to UTC for unknown names.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Load loads configuration from the given YAML path.
//
// Behavior:
//   - If the file does not exist:
//   - create parent directory if needed
//   - write a default config with 0600 perms
//   - return the default config
//   - If the file exists:
//   - read YAML and unmarshal into Config
//   - normalize defaults
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				// Even if save fails, return cfg with error so caller can decide.
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes the given configuration to the specified path atomically
// (temp file + rename) with 0600 permissions.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".studiosync-config-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return err
	}

	return os.Rename(tmpName, path)
}
