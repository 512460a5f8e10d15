// Package config loads playbooks.yaml, applies defaults and PLAYBOOKS_*
// environment overrides, and validates the result.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the conventional config file name.
const FileName = "playbooks.yaml"

const (
	DefaultHost           = "127.0.0.1"
	DefaultPort           = 8765
	DefaultMaxBodyBytes   = int64(1 << 20)
	DefaultReadTimeout    = 15 * time.Second
	DefaultWriteTimeout   = 15 * time.Second
	DefaultIdleTimeout    = 60 * time.Second
	DefaultTenantHeader   = "X-Customer-ID"
	DefaultStoreTimeout   = 10 * time.Second
	DefaultBucket         = "PLAYBOOK_EXECUTIONS"
	DefaultCatalogPattern = "**/*.{yaml,yml}"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverFile   = "file"
	DriverSQLite = "sqlite"
	DriverNATS   = "nats"
	DriverHTTP   = "http"
)

const defaultConfigYAML = `# playbook engine configuration
server:
  enabled: true
  host: 127.0.0.1
  port: 8765
  tenant_header: X-Customer-ID

# driver is one of memory, file, sqlite, nats or http.
store:
  driver: file
  path: ./data/executions

# recommendations:
#   base_url: http://localhost:9000
#   timeout: 10s

catalog:
  # extra_dir: ./playbooks
  pattern: "**/*.{yaml,yml}"

log:
  level: info
  format: text

metrics:
  enabled: true
`

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Enabled      *bool         `yaml:"enabled,omitempty"`
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	MaxBodyBytes int64         `yaml:"max_body_bytes,omitempty"`
	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty"`
	IdleTimeout  time.Duration `yaml:"idle_timeout,omitempty"`
	TenantHeader string        `yaml:"tenant_header"`
}

// StoreConfig selects and configures the execution store.
type StoreConfig struct {
	Driver  string        `yaml:"driver"`
	Path    string        `yaml:"path,omitempty"`
	NATSURL string        `yaml:"nats_url,omitempty"`
	Bucket  string        `yaml:"bucket,omitempty"`
	BaseURL string        `yaml:"base_url,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// RecommendationsConfig points at the recommendation service. An empty
// BaseURL disables recommendations.
type RecommendationsConfig struct {
	BaseURL string        `yaml:"base_url,omitempty"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// CatalogConfig adds definitions from disk to the built-in catalog.
type CatalogConfig struct {
	ExtraDir string `yaml:"extra_dir,omitempty"`
	Pattern  string `yaml:"pattern,omitempty"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Dir receives playbooks.log and audit.log. Empty means stderr and no
	// audit log.
	Dir string `yaml:"dir,omitempty"`
}

type MetricsConfig struct {
	Enabled *bool `yaml:"enabled,omitempty"`
}

// Config is the decoded playbooks.yaml.
type Config struct {
	Server          ServerConfig          `yaml:"server"`
	Store           StoreConfig           `yaml:"store"`
	Recommendations RecommendationsConfig `yaml:"recommendations"`
	Catalog         CatalogConfig         `yaml:"catalog"`
	Log             LogConfig             `yaml:"log"`
	Metrics         MetricsConfig         `yaml:"metrics"`

	// Path is where the config was read from; relative paths resolve
	// against its directory.
	Path string `yaml:"-"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads path, falling back to defaults when the file does not exist,
// then applies environment overrides and validates.
func Load(path string) (*Config, error) {
	cfg := &Config{Path: path}
	if strings.TrimSpace(path) != "" {
		if err := cfg.read(path); err != nil {
			return nil, err
		}
	}
	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	cfg.normalize(cfg.baseDir())
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) read(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	defer f.Close()
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// WriteDefault creates path with the commented default config unless a file
// already exists there.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: ensure dir: %w", err)
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}

func (c *Config) baseDir() string {
	if strings.TrimSpace(c.Path) == "" {
		return ""
	}
	return filepath.Dir(c.Path)
}

// ServerEnabled reports whether serve should bind the API.
func (c *Config) ServerEnabled() bool {
	return c.Server.Enabled == nil || *c.Server.Enabled
}

func (c *Config) MetricsEnabled() bool {
	return c.Metrics.Enabled == nil || *c.Metrics.Enabled
}

// Address returns the API bind address in host:port form.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}

func (c *Config) applyDefaults() {
	s := &c.Server
	if s.Host == "" {
		s.Host = DefaultHost
	}
	if s.Port == 0 {
		s.Port = DefaultPort
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = DefaultReadTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = DefaultWriteTimeout
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = DefaultIdleTimeout
	}
	if s.TenantHeader == "" {
		s.TenantHeader = DefaultTenantHeader
	}
	if c.Store.Driver == "" {
		c.Store.Driver = DriverMemory
	}
	if c.Store.Bucket == "" {
		c.Store.Bucket = DefaultBucket
	}
	if c.Store.Timeout <= 0 {
		c.Store.Timeout = DefaultStoreTimeout
	}
	if c.Recommendations.Timeout <= 0 {
		c.Recommendations.Timeout = DefaultStoreTimeout
	}
	if c.Catalog.Pattern == "" {
		c.Catalog.Pattern = DefaultCatalogPattern
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

func (c *Config) applyEnvOverrides() {
	if value, ok := env("SERVER_ENABLED"); ok {
		if enabled, err := strconv.ParseBool(value); err == nil {
			c.Server.Enabled = &enabled
		}
	}
	if value, ok := env("HOST"); ok {
		c.Server.Host = value
	}
	if value, ok := env("PORT"); ok {
		if port, err := strconv.Atoi(value); err == nil && isValidPort(port) {
			c.Server.Port = port
		}
	}
	if value, ok := env("TENANT_HEADER"); ok {
		c.Server.TenantHeader = value
	}
	if value, ok := env("STORE_DRIVER"); ok {
		c.Store.Driver = value
	}
	if value, ok := env("STORE_PATH"); ok {
		c.Store.Path = value
	}
	if value, ok := env("NATS_URL"); ok {
		c.Store.NATSURL = value
	}
	if value, ok := env("STORE_BASE_URL"); ok {
		c.Store.BaseURL = value
	}
	if value, ok := env("RECOMMENDATIONS_URL"); ok {
		c.Recommendations.BaseURL = value
	}
	if value, ok := env("CATALOG_DIR"); ok {
		c.Catalog.ExtraDir = value
	}
	if value, ok := env("LOG_LEVEL"); ok {
		c.Log.Level = value
	}
	if value, ok := env("LOG_FORMAT"); ok {
		c.Log.Format = value
	}
	if value, ok := env("LOG_DIR"); ok {
		c.Log.Dir = value
	}
}

func env(name string) (string, bool) {
	value := strings.TrimSpace(os.Getenv("PLAYBOOKS_" + name))
	return value, value != ""
}

func (c *Config) normalize(base string) {
	c.Server.Host = strings.TrimSpace(c.Server.Host)
	c.Server.TenantHeader = strings.TrimSpace(c.Server.TenantHeader)
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	c.Store.Path = resolvePath(base, c.Store.Path)
	c.Store.BaseURL = strings.TrimRight(strings.TrimSpace(c.Store.BaseURL), "/")
	c.Recommendations.BaseURL = strings.TrimRight(strings.TrimSpace(c.Recommendations.BaseURL), "/")
	c.Catalog.ExtraDir = resolvePath(base, c.Catalog.ExtraDir)
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Log.Dir = resolvePath(base, c.Log.Dir)
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	if !isValidPort(c.Server.Port) {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Server.TenantHeader == "" {
		return fmt.Errorf("server.tenant_header is required")
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverFile, DriverSQLite:
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the %s driver", c.Store.Driver)
		}
	case DriverNATS:
		if strings.TrimSpace(c.Store.NATSURL) == "" {
			return fmt.Errorf("store.nats_url is required for the nats driver")
		}
	case DriverHTTP:
		if c.Store.BaseURL == "" {
			return fmt.Errorf("store.base_url is required for the http driver")
		}
	default:
		return fmt.Errorf("store.driver must be one of memory, file, sqlite, nats, http")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json")
	}
	return nil
}

func isValidPort(port int) bool {
	return port > 0 && port <= 65535
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) || base == "" {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}
