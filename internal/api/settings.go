package api

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/playbooks/internal/config"
)

// Settings captures runtime configuration for the HTTP server.
type Settings struct {
	Enabled      bool
	Host         string
	Port         int
	MaxBodyBytes int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	TenantHeader string
}

// SettingsFromConfig builds Settings from the loaded playbooks.yaml.
func SettingsFromConfig(cfg *config.Config) Settings {
	if cfg == nil {
		cfg = config.Default()
	}
	settings := Settings{
		Enabled:      cfg.ServerEnabled(),
		Host:         cfg.Server.Host,
		Port:         cfg.Server.Port,
		MaxBodyBytes: cfg.Server.MaxBodyBytes,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
		TenantHeader: cfg.Server.TenantHeader,
	}
	settings.normalize()
	return settings
}

func (s *Settings) normalize() {
	s.Host = strings.TrimSpace(s.Host)
	if s.Host == "" {
		s.Host = config.DefaultHost
	}
	if s.Port < 0 || s.Port > 65535 {
		s.Port = config.DefaultPort
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = config.DefaultMaxBodyBytes
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = config.DefaultReadTimeout
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = config.DefaultWriteTimeout
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = config.DefaultIdleTimeout
	}
	s.TenantHeader = strings.TrimSpace(s.TenantHeader)
	if s.TenantHeader == "" {
		s.TenantHeader = config.DefaultTenantHeader
	}
}

// Address returns the TCP bind address in host:port form. Port 0 binds an
// ephemeral port.
func (s Settings) Address() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// URL returns the HTTP base URL for the server.
func (s Settings) URL() string {
	return "http://" + s.Address()
}
