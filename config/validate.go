package config

import (
	"fmt"
	"net"
	"strings"

	"escrowchain/core/genesis"
)

var storageBackends = map[string]struct{}{
	"leveldb": {},
	"bolt":    {},
	"bbolt":   {},
	"memory":  {},
}

// Validate checks the configuration for values the node cannot run with.
func (cfg *Config) Validate() error {
	if _, ok := storageBackends[strings.ToLower(strings.TrimSpace(cfg.StorageBackend))]; !ok {
		return fmt.Errorf("StorageBackend: unsupported backend %q", cfg.StorageBackend)
	}
	if cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("RateLimit.Burst must not be negative")
	}
	if cfg.RateLimit.RequestsPerMinute > 0 && cfg.RateLimit.Burst == 0 {
		return fmt.Errorf("RateLimit.Burst must be positive when a rate is set")
	}
	for i, proxy := range cfg.RPCTrustedProxies {
		trimmed := strings.TrimSpace(proxy)
		if _, _, err := net.ParseCIDR(trimmed); err == nil {
			continue
		}
		if net.ParseIP(trimmed) == nil {
			return fmt.Errorf("RPCTrustedProxies[%d]: %q is not an IP or CIDR range", i, proxy)
		}
	}
	if cfg.Log.MaxSizeMB < 0 || cfg.Log.MaxBackups < 0 || cfg.Log.MaxAgeDays < 0 {
		return fmt.Errorf("Log: rotation limits must not be negative")
	}
	seen := make(map[string]struct{}, len(cfg.Genesis))
	for i, entry := range cfg.Genesis {
		if _, err := genesis.ParseAllocation(entry.Address, entry.Balance); err != nil {
			return fmt.Errorf("Genesis[%d]: %w", i, err)
		}
		key := strings.TrimSpace(entry.Address)
		if _, dup := seen[key]; dup {
			return fmt.Errorf("Genesis[%d]: duplicate address %s", i, key)
		}
		seen[key] = struct{}{}
	}
	return nil
}
