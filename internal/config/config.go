package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values. main loads .env first,
// so these may also come from a dotenv file.
const (
	EnvAPIBaseURL  = "TRIPSYNC_API_BASE_URL"
	EnvAccessToken = "TRIPSYNC_ACCESS_TOKEN"
	EnvJWTSecret   = "TRIPSYNC_JWT_SECRET"
	EnvLogLevel    = "TRIPSYNC_LOG_LEVEL"
)

// Duration is a time.Duration that reads and writes as "15s" in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// IdentityConfig selects who the client acts as.
type IdentityConfig struct {
	// ActorFile persists the anonymous local actor between runs.
	ActorFile string `yaml:"actor_file"`
	// DisplayName is used when a new actor is created.
	DisplayName string `yaml:"display_name"`
	// AccessToken, when set, makes the client act as a signed-in user.
	// Prefer TRIPSYNC_ACCESS_TOKEN over writing tokens to disk.
	AccessToken string `yaml:"access_token,omitempty"`
}

// PollConfig holds the background refresh interval per resource.
type PollConfig struct {
	Groups  Duration `yaml:"groups"`
	Summary Duration `yaml:"summary"`
	Members Duration `yaml:"members"`
	Self    Duration `yaml:"self"`
}

// CacheConfig controls when cached data counts as fresh.
type CacheConfig struct {
	StaleWindow       Duration `yaml:"stale_window"`
	GroupsStaleWindow Duration `yaml:"groups_stale_window"`
}

// RateLimitConfig bounds outgoing backend requests.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// BasicAuthConfig protects the companion API. PasswordHash is a bcrypt hash.
type BasicAuthConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
}

// BackendConfig configures the reference backend command.
type BackendConfig struct {
	Listen    string `yaml:"listen"`
	JWTSecret string `yaml:"jwt_secret,omitempty"`
	// PublicURL prefixes invite links.
	PublicURL string `yaml:"public_url"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the companion API listen address.
	Listen string `yaml:"listen"`

	// APIBaseURL is the trip-planning backend, e.g. "http://127.0.0.1:8000".
	APIBaseURL string `yaml:"api_base_url"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// RequestTimeout bounds a single backend round trip.
	RequestTimeout Duration `yaml:"request_timeout"`

	Identity  IdentityConfig  `yaml:"identity"`
	Poll      PollConfig      `yaml:"poll"`
	Cache     CacheConfig     `yaml:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`

	// ICSCacheDir stores downloaded calendar feeds for import.
	ICSCacheDir string `yaml:"ics_cache_dir"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// companion endpoints except /health.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty"`

	// CORSOrigins lists browser origins allowed to call the companion API.
	CORSOrigins []string `yaml:"cors_origins"`

	Backend BackendConfig `yaml:"backend"`
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	c := &Config{}
	c.Normalize()
	return c
}

// Normalize fills in missing/zero values so partially written configs
// still behave.
func (c *Config) Normalize() {
	if c.Listen == "" {
		c.Listen = "127.0.0.1:8090"
	}
	if c.APIBaseURL == "" {
		c.APIBaseURL = "http://127.0.0.1:8000"
	}
	c.APIBaseURL = strings.TrimRight(c.APIBaseURL, "/")
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = Duration(15 * time.Second)
	}

	if c.Identity.ActorFile == "" {
		c.Identity.ActorFile = "./var/actor.json"
	}
	if strings.TrimSpace(c.Identity.DisplayName) == "" {
		c.Identity.DisplayName = "Traveler"
	}

	if c.Poll.Groups <= 0 {
		c.Poll.Groups = Duration(12 * time.Second)
	}
	if c.Poll.Summary <= 0 {
		c.Poll.Summary = Duration(8 * time.Second)
	}
	if c.Poll.Members <= 0 {
		c.Poll.Members = Duration(10 * time.Second)
	}
	if c.Poll.Self <= 0 {
		c.Poll.Self = Duration(10 * time.Second)
	}

	if c.Cache.StaleWindow <= 0 {
		c.Cache.StaleWindow = Duration(15 * time.Second)
	}
	if c.Cache.GroupsStaleWindow <= 0 {
		c.Cache.GroupsStaleWindow = Duration(15 * time.Second)
	}

	if c.RateLimit.RequestsPerSecond <= 0 {
		c.RateLimit.RequestsPerSecond = 10
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = 20
	}

	if len(c.CORSOrigins) == 0 {
		c.CORSOrigins = []string{"http://localhost:3000"}
	}

	if c.ICSCacheDir == "" {
		c.ICSCacheDir = "./var/ics-cache"
	}

	if c.Backend.Listen == "" {
		c.Backend.Listen = "127.0.0.1:8000"
	}
	if c.Backend.PublicURL == "" {
		c.Backend.PublicURL = "http://" + c.Backend.Listen
	}
}

// ApplyEnv overrides file values with environment variables, if set.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvAPIBaseURL)); v != "" {
		c.APIBaseURL = strings.TrimRight(v, "/")
	}
	if v := strings.TrimSpace(os.Getenv(EnvAccessToken)); v != "" {
		c.Identity.AccessToken = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvJWTSecret)); v != "" {
		c.Backend.JWTSecret = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.LogLevel = v
	}
}

// Load loads configuration from the given YAML path.
//
// A missing file is created with defaults (0600) and the defaults are
// returned. An existing file is decoded and normalized.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			cfg := DefaultConfig()
			if err := Save(path, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.Normalize()

	return &cfg, nil
}

// Save writes cfg to path atomically (temp file + rename) with 0600 perms,
// creating the parent directory (0700) if needed.
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

	tmp, err := os.CreateTemp(dir, ".tripsync-config-*.tmp")
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

// Save is a convenience wrapper around the package-level Save.
func (c *Config) Save(path string) error {
	return Save(path, c)
}
