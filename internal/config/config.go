// Package config owns the TOML configuration surface for every busctl
// binary: load, default overlay, and validation.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
)

// BusConfig is the registry and call behavior shared by callers and
// servers.
type BusConfig struct {
	Identity        string `toml:"identity"`
	RegistryBackend string `toml:"registry_backend"`
	RegistryPath    string `toml:"registry_path"`
	RegistryTTLMS   int64  `toml:"registry_ttl_ms"`

	UseProxy          bool   `toml:"use_proxy"`
	ProxyFrontendAddr string `toml:"proxy_frontend_addr"`

	AckEnabled       bool  `toml:"ack_enabled"`
	MaxAttempts      int   `toml:"max_attempts"`
	AttemptTimeoutMS int64 `toml:"attempt_timeout_ms"`
}

type ServerConfig struct {
	BusConfig

	ListenAddr        string   `toml:"listen_addr"`
	AdvertiseAddr     string   `toml:"advertise_addr"`
	Topics            []string `toml:"topics"`
	RefreshIntervalMS int64    `toml:"refresh_interval_ms"`
	ProxyBackendAddr  string   `toml:"proxy_backend_addr"`
}

type CallerConfig struct {
	BusConfig

	Policy string `toml:"policy"`
}

type ProxyConfig struct {
	Identity      string `toml:"identity"`
	FrontendAddr  string `toml:"frontend_addr"`
	BackendAddr   string `toml:"backend_addr"`
	AdvertiseAddr string `toml:"advertise_addr"`

	AdminListenAddr string   `toml:"admin_listen_addr"`
	CorsOrigins     []string `toml:"cors_origins"`

	RegistryBackend   string `toml:"registry_backend"`
	RegistryPath      string `toml:"registry_path"`
	RegistryTTLMS     int64  `toml:"registry_ttl_ms"`
	RefreshIntervalMS int64  `toml:"refresh_interval_ms"`
}

func LoadServerConfig(path string) (ServerConfig, error) {
	var cfg ServerConfig
	if err := loadToml(path, &cfg); err != nil {
		return ServerConfig{}, err
	}
	cfg.BusConfig = cfg.BusConfig.withDefaults("servectl")
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":9600"
	}
	if cfg.RefreshIntervalMS <= 0 {
		cfg.RefreshIntervalMS = cfg.RegistryTTLMS / 3
	}
	if err := ValidateServerConfig(cfg); err != nil {
		return ServerConfig{}, err
	}
	return cfg, nil
}

func LoadCallerConfig(path string) (CallerConfig, error) {
	var cfg CallerConfig
	if err := loadToml(path, &cfg); err != nil {
		return CallerConfig{}, err
	}
	cfg.BusConfig = cfg.BusConfig.withDefaults("callctl")
	if cfg.Policy == "" {
		cfg.Policy = "any-one"
	}
	if err := ValidateCallerConfig(cfg); err != nil {
		return CallerConfig{}, err
	}
	return cfg, nil
}

func LoadProxyConfig(path string) (ProxyConfig, error) {
	var cfg ProxyConfig
	if err := loadToml(path, &cfg); err != nil {
		return ProxyConfig{}, err
	}
	if cfg.Identity == "" {
		cfg.Identity = "busctl.proxy"
	}
	if cfg.FrontendAddr == "" {
		cfg.FrontendAddr = ":9501"
	}
	if cfg.BackendAddr == "" {
		cfg.BackendAddr = ":9502"
	}
	if cfg.RegistryBackend == "" {
		cfg.RegistryBackend = BackendMemory
	}
	if cfg.RegistryTTLMS <= 0 {
		cfg.RegistryTTLMS = 30_000
	}
	if cfg.RefreshIntervalMS <= 0 {
		cfg.RefreshIntervalMS = cfg.RegistryTTLMS / 3
	}
	if err := ValidateProxyConfig(cfg); err != nil {
		return ProxyConfig{}, err
	}
	return cfg, nil
}

func (c BusConfig) withDefaults(fallbackIdentity string) BusConfig {
	if c.Identity == "" {
		c.Identity = fallbackIdentity
	}
	if c.RegistryBackend == "" {
		c.RegistryBackend = BackendMemory
	}
	if c.RegistryTTLMS <= 0 {
		c.RegistryTTLMS = 30_000
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.AttemptTimeoutMS <= 0 {
		c.AttemptTimeoutMS = 5_000
	}
	return c
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func validateBus(c BusConfig) error {
	if strings.TrimSpace(c.Identity) == "" {
		return fmt.Errorf("config missing identity")
	}
	switch c.RegistryBackend {
	case BackendMemory:
	case BackendBolt:
		if strings.TrimSpace(c.RegistryPath) == "" {
			return fmt.Errorf("bolt backend requires registry_path")
		}
	default:
		return fmt.Errorf("unknown registry backend: %s", c.RegistryBackend)
	}
	return nil
}

func ValidateServerConfig(cfg ServerConfig) error {
	if err := validateBus(cfg.BusConfig); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.ListenAddr) == "" {
		return fmt.Errorf("server config missing listen_addr")
	}
	if len(cfg.Topics) == 0 {
		return fmt.Errorf("server config missing topics")
	}
	for i, topic := range cfg.Topics {
		if strings.TrimSpace(topic) == "" {
			return fmt.Errorf("topics[%d] is empty", i)
		}
	}
	if cfg.UseProxy && strings.TrimSpace(cfg.ProxyBackendAddr) == "" {
		return fmt.Errorf("use_proxy requires proxy_backend_addr")
	}
	return nil
}

func ValidateCallerConfig(cfg CallerConfig) error {
	if err := validateBus(cfg.BusConfig); err != nil {
		return err
	}
	switch cfg.Policy {
	case "any-one", "all", "sticky", "sticky-to-previous":
	default:
		return fmt.Errorf("unknown policy: %s", cfg.Policy)
	}
	// callers dial the proxy frontend; servers only ever see the backend
	if cfg.UseProxy && strings.TrimSpace(cfg.ProxyFrontendAddr) == "" {
		return fmt.Errorf("use_proxy requires proxy_frontend_addr")
	}
	return nil
}

func ValidateProxyConfig(cfg ProxyConfig) error {
	if strings.TrimSpace(cfg.Identity) == "" {
		return fmt.Errorf("proxy config missing identity")
	}
	if strings.TrimSpace(cfg.FrontendAddr) == "" {
		return fmt.Errorf("proxy config missing frontend_addr")
	}
	if strings.TrimSpace(cfg.BackendAddr) == "" {
		return fmt.Errorf("proxy config missing backend_addr")
	}
	if cfg.FrontendAddr == cfg.BackendAddr {
		return fmt.Errorf("frontend_addr and backend_addr must differ")
	}
	if cfg.RegistryBackend == BackendBolt && strings.TrimSpace(cfg.RegistryPath) == "" {
		return fmt.Errorf("bolt backend requires registry_path")
	}
	return nil
}
