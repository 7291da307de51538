package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"escrowchain/crypto"
)

func testAddress(fill byte) string {
	return crypto.MustNewAddress(crypto.EscrowPrefix, bytes.Repeat([]byte{fill}, 20)).String()
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RPCAddress != DefaultRPCAddress || cfg.StorageBackend != DefaultStorageBackend || cfg.NetworkName != DefaultNetworkName {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not persisted: %v", err)
	}
	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.DataDir != cfg.DataDir || reloaded.RateLimit != cfg.RateLimit {
		t.Fatalf("reloaded config differs: %+v vs %+v", reloaded, cfg)
	}
}

func TestLoadParsesSections(t *testing.T) {
	buyer := testAddress(0x01)
	path := writeConfig(t, `RPCAddress = "127.0.0.1:9000"
DataDir = "/var/lib/escrow"
StorageBackend = "bolt"
NetworkName = "testnet"
RPCAuthToken = "file-token"
RPCTrustedProxies = ["10.0.0.1", "192.168.0.0/16"]

[RateLimit]
RequestsPerMinute = 120
Burst = 10

[Log]
Level = "debug"
File = "/var/log/escrowd.log"
MaxSizeMB = 50

[Telemetry]
Endpoint = "collector:4318"
Traces = true

[[Genesis]]
Address = "`+buyer+`"
Balance = "5000"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RPCAddress != "127.0.0.1:9000" || cfg.StorageBackend != "bolt" || cfg.NetworkName != "testnet" {
		t.Fatalf("unexpected top-level values: %+v", cfg)
	}
	if len(cfg.RPCTrustedProxies) != 2 || cfg.RPCTrustedProxies[0] != "10.0.0.1" {
		t.Fatalf("unexpected RPC trusted proxies: %v", cfg.RPCTrustedProxies)
	}
	if cfg.RateLimit.RequestsPerMinute != 120 || cfg.RateLimit.Burst != 10 {
		t.Fatalf("unexpected rate limit: %+v", cfg.RateLimit)
	}
	if cfg.Log.Level != "debug" || cfg.Log.MaxSizeMB != 50 {
		t.Fatalf("unexpected log section: %+v", cfg.Log)
	}
	if !cfg.Telemetry.Traces || cfg.Telemetry.Metrics {
		t.Fatalf("unexpected telemetry: %+v", cfg.Telemetry)
	}
	allocs, err := cfg.Allocations()
	if err != nil {
		t.Fatalf("allocations: %v", err)
	}
	if len(allocs) != 1 || allocs[0].Balance.Int64() != 5000 {
		t.Fatalf("unexpected allocations: %+v", allocs)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("ESCROW_ENV", "staging")
	t.Setenv("ESCROW_RPC_TOKEN", "env-token")
	path := writeConfig(t, `RPCAuthToken = "file-token"`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Environment != "staging" || cfg.RPCAuthToken != "env-token" {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `ListenAddress = ":6001"`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "ListenAddress") {
		t.Fatalf("expected unknown key error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.applyDefaults()
		return cfg
	}
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"backend", func(c *Config) { c.StorageBackend = "postgres" }},
		{"burst", func(c *Config) { c.RateLimit.Burst = -1 }},
		{"trusted proxy", func(c *Config) { c.RPCTrustedProxies = []string{"proxy.internal"} }},
		{"log limits", func(c *Config) { c.Log.MaxAgeDays = -3 }},
		{"genesis address", func(c *Config) { c.Genesis = []GenesisAccount{{Address: "nope", Balance: "1"}} }},
		{"genesis balance", func(c *Config) { c.Genesis = []GenesisAccount{{Address: testAddress(0x02), Balance: "0"}} }},
		{"genesis duplicate", func(c *Config) {
			c.Genesis = []GenesisAccount{{Address: testAddress(0x02), Balance: "1"}, {Address: testAddress(0x02), Balance: "2"}}
		}},
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
	disabled := valid()
	disabled.RateLimit.RequestsPerMinute = -1
	if err := disabled.Validate(); err != nil {
		t.Fatalf("negative rate should disable limiting: %v", err)
	}
}

func TestAllocationsMergesGenesisFile(t *testing.T) {
	dir := t.TempDir()
	genesisPath := filepath.Join(dir, "genesis.json")
	contents := `{"alloc":{"` + testAddress(0x09) + `":"70"}}`
	if err := os.WriteFile(genesisPath, []byte(contents), 0o600); err != nil {
		t.Fatalf("write genesis: %v", err)
	}
	cfg := &Config{
		GenesisFile: genesisPath,
		Genesis:     []GenesisAccount{{Address: testAddress(0x03), Balance: "30"}},
	}
	allocs, err := cfg.Allocations()
	if err != nil {
		t.Fatalf("allocations: %v", err)
	}
	if len(allocs) != 2 || allocs[0].Address[0] != 0x03 || allocs[1].Balance.Int64() != 70 {
		t.Fatalf("unexpected allocations: %+v", allocs)
	}
}
