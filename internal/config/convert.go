package config

import (
	"fmt"
	"time"

	"github.com/danmuck/busctl/internal/matchmaker"
	"github.com/danmuck/busctl/internal/proxy"
	"github.com/danmuck/busctl/internal/registry"
	"github.com/danmuck/busctl/internal/reliability"
	"github.com/danmuck/busctl/internal/server"
)

// OpenStore builds the registry backend a config names.
func OpenStore(backend, path string) (registry.Store, error) {
	switch backend {
	case BackendMemory:
		return registry.NewMemoryStore(), nil
	case BackendBolt:
		return registry.OpenBoltStore(path)
	default:
		return nil, fmt.Errorf("unknown registry backend: %s", backend)
	}
}

// ResolvePolicy maps a config policy name to the matchmaker policy.
func ResolvePolicy(name string) matchmaker.Policy {
	switch name {
	case "all":
		return matchmaker.PolicyAll
	case "sticky", "sticky-to-previous":
		return matchmaker.PolicySticky
	default:
		return matchmaker.PolicyAnyOne
	}
}

// CallerRuntime maps a caller file config to reliability settings.
func CallerRuntime(cfg CallerConfig) reliability.Config {
	rc := reliability.DefaultConfig()
	rc.MaxAttempts = cfg.MaxAttempts
	rc.AttemptTimeout = time.Duration(cfg.AttemptTimeoutMS) * time.Millisecond
	rc.AckEnabled = cfg.AckEnabled
	rc.UseProxy = cfg.UseProxy
	rc.ProxyFrontendAddr = cfg.ProxyFrontendAddr
	return rc
}

// ServerRuntime maps a server file config to responder settings.
func ServerRuntime(cfg ServerConfig) server.Config {
	sc := server.DefaultConfig(cfg.Identity)
	sc.ListenAddr = cfg.ListenAddr
	sc.AdvertiseAddr = cfg.AdvertiseAddr
	sc.Topics = append([]string(nil), cfg.Topics...)
	sc.RegistryTTL = time.Duration(cfg.RegistryTTLMS) * time.Millisecond
	sc.RefreshInterval = time.Duration(cfg.RefreshIntervalMS) * time.Millisecond
	sc.UseProxy = cfg.UseProxy
	sc.ProxyBackendAddr = cfg.ProxyBackendAddr
	return sc
}

// ProxyRuntime maps a proxy file config to relay settings.
func ProxyRuntime(cfg ProxyConfig) proxy.Config {
	pc := proxy.DefaultConfig()
	pc.Identity = cfg.Identity
	pc.FrontendAddr = cfg.FrontendAddr
	pc.BackendAddr = cfg.BackendAddr
	pc.AdvertiseAddr = cfg.AdvertiseAddr
	pc.AdminListenAddr = cfg.AdminListenAddr
	pc.RegistryTTL = time.Duration(cfg.RegistryTTLMS) * time.Millisecond
	pc.RefreshInterval = time.Duration(cfg.RefreshIntervalMS) * time.Millisecond
	return pc
}
