package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"fleetinspect/pkg/log"
)

// FileName is the workspace config file.
const FileName = "fleetinspect.yml"

// Config models fleetinspect.yml.
type Config struct {
	Remote Remote      `yaml:"remote"`
	Cache  Cache       `yaml:"cache"`
	Policy Policy      `yaml:"policy"`
	Flow   Flow        `yaml:"flow"`
	Sync   Sync        `yaml:"sync"`
	Server Server      `yaml:"server"`
	Log    log.Options `yaml:"log"`
}

// Remote describes the JSON-RPC endpoint of the fleet backend.
type Remote struct {
	URL       string        `yaml:"url"`
	Database  string        `yaml:"database"`
	Login     string        `yaml:"login"`
	Password  string        `yaml:"password"`
	SessionID string        `yaml:"session_id"`
	Timeout   time.Duration `yaml:"timeout"`
}

type Cache struct {
	DefaultTTL      time.Duration `yaml:"default_ttl"`
	FreshnessWindow time.Duration `yaml:"freshness_window"`
	MaxBytes        int64         `yaml:"max_bytes"`
	// TTL overrides the default lifetime per key or key prefix (e.g. "template_").
	TTL map[string]time.Duration `yaml:"ttl"`
}

// Policy mirrors the company inspection settings; settings sync overwrites it.
type Policy struct {
	RequirePhotoForBad   bool `yaml:"require_photo_for_bad" json:"require_photo_for_bad"`
	AllowPhotoForRegular bool `yaml:"allow_photo_for_regular" json:"allow_photo_for_regular"`
	MaxPhotosPerItem     int  `yaml:"max_photos_per_item" json:"max_photos_per_item"`
	EnableGPS            bool `yaml:"enable_gps" json:"enable_gps"`
	RequireSignature     bool `yaml:"require_signature" json:"require_signature"`
	AutoAdvance          bool `yaml:"auto_advance" json:"auto_advance"`
	RequireOdometer      bool `yaml:"require_odometer" json:"require_odometer"`
}

type Flow struct {
	ResetDelay time.Duration `yaml:"reset_delay"`
	Mobile     bool          `yaml:"mobile"`
}

type Sync struct {
	Interval     time.Duration `yaml:"interval"`
	DrainOnWrite bool          `yaml:"drain_on_write"`
}

type Server struct {
	Addr      string `yaml:"addr"`
	BasePath  string `yaml:"base_path"`
	JWTSecret string `yaml:"jwt_secret"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fi init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to Default when the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Remote.URL != "" && !strings.HasPrefix(c.Remote.URL, "http://") && !strings.HasPrefix(c.Remote.URL, "https://") {
		return fmt.Errorf("config.remote.url must be an http(s) URL")
	}
	if c.Remote.Timeout <= 0 {
		return fmt.Errorf("config.remote.timeout must be positive")
	}
	if c.Cache.DefaultTTL <= 0 {
		return fmt.Errorf("config.cache.default_ttl must be positive")
	}
	if c.Cache.FreshnessWindow <= 0 {
		return fmt.Errorf("config.cache.freshness_window must be positive")
	}
	if c.Cache.MaxBytes < 0 {
		return fmt.Errorf("config.cache.max_bytes must not be negative")
	}
	for key, ttl := range c.Cache.TTL {
		if key == "" {
			return fmt.Errorf("config.cache.ttl has empty key")
		}
		if ttl <= 0 {
			return fmt.Errorf("config.cache.ttl.%s must be positive", key)
		}
	}
	if c.Policy.MaxPhotosPerItem < 1 {
		return fmt.Errorf("config.policy.max_photos_per_item must be at least 1")
	}
	if c.Flow.ResetDelay < 0 {
		return fmt.Errorf("config.flow.reset_delay must not be negative")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("config.sync.interval must be positive")
	}
	if errs := c.Log.Validate(); len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// RequireRemote reports whether commands that reach the backend can run.
func (c *Config) RequireRemote() error {
	if c.Remote.URL == "" {
		return fmt.Errorf("config.remote.url is required; set it in %s or FLEETINSPECT_REMOTE_URL", FileName)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML pointed at remoteURL.
func GenerateDefault(remoteURL string) string {
	return fmt.Sprintf(defaultTemplate, remoteURL)
}

// Default returns the default Config.
func Default() *Config {
	cfg := Config{Log: *log.NewOptions()}
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(""))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing keys keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// TTLFor resolves the configured lifetime for key: exact match first, then the
// longest matching prefix, then fallback.
func (c Cache) TTLFor(key string, fallback time.Duration) time.Duration {
	if ttl, ok := c.TTL[key]; ok {
		return ttl
	}
	best := ""
	for prefix := range c.TTL {
		if strings.HasSuffix(prefix, "_") && strings.HasPrefix(key, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best != "" {
		return c.TTL[best]
	}
	return fallback
}

const defaultTemplate = `remote:
  url: "%s"
  database: ""
  login: ""
  password: ""
  timeout: 30s

cache:
  default_ttl: 24h
  freshness_window: 24h
  max_bytes: 52428800
  ttl:
    pending_changes: 168h
    rejected_changes: 168h
    inspection_data: 48h
    photo_: 72h
    vehicles: 12h
    recent_vehicles: 12h
    template_: 168h
    app_settings: 8760h

policy:
  require_photo_for_bad: true
  allow_photo_for_regular: true
  max_photos_per_item: 3
  enable_gps: false
  require_signature: true
  auto_advance: true
  require_odometer: true

flow:
  reset_delay: 3s
  mobile: false

sync:
  interval: 30s
  drain_on_write: true

server:
  addr: "127.0.0.1:8765"
  base_path: /v1
  jwt_secret: ""

log:
  level: info
  format: console
`
