package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"escrowchain/core/genesis"
)

const (
	DefaultRPCAddress     = ":8080"
	DefaultDataDir        = "./escrow-data"
	DefaultNetworkName    = "escrow-local"
	DefaultStorageBackend = "leveldb"
)

type Config struct {
	RPCAddress           string           `toml:"RPCAddress"`
	DataDir              string           `toml:"DataDir"`
	StorageBackend       string           `toml:"StorageBackend"`
	GenesisFile          string           `toml:"GenesisFile"`
	NetworkName          string           `toml:"NetworkName"`
	Environment          string           `toml:"Environment"`
	RPCAuthToken         string           `toml:"RPCAuthToken"`
	RPCTrustedProxies    []string         `toml:"RPCTrustedProxies"`
	RPCReadHeaderTimeout int              `toml:"RPCReadHeaderTimeout"`
	RPCWriteTimeout      int              `toml:"RPCWriteTimeout"`
	RateLimit            RateLimit        `toml:"RateLimit"`
	Log                  Log              `toml:"Log"`
	Telemetry            Telemetry        `toml:"Telemetry"`
	Genesis              []GenesisAccount `toml:"Genesis"`
}

// Load loads the configuration from the given path. A missing file is created
// with defaults. Environment overrides are applied after decoding and the
// result is validated.
func Load(path string) (*Config, error) {
	var cfg *Config
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg, err = createDefault(path)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = &Config{}
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("decode config %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("config file %s: unknown key %q", path, undecoded[0].String())
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func (cfg *Config) applyDefaults() {
	if strings.TrimSpace(cfg.RPCAddress) == "" {
		cfg.RPCAddress = DefaultRPCAddress
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = DefaultDataDir
	}
	if strings.TrimSpace(cfg.StorageBackend) == "" {
		cfg.StorageBackend = DefaultStorageBackend
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = DefaultNetworkName
	}
	if cfg.RPCReadHeaderTimeout <= 0 {
		cfg.RPCReadHeaderTimeout = 5
	}
	if cfg.RPCWriteTimeout <= 0 {
		cfg.RPCWriteTimeout = 15
	}
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = 600
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 60
	}
}

func (cfg *Config) applyEnv() {
	if env := strings.TrimSpace(os.Getenv("ESCROW_ENV")); env != "" {
		cfg.Environment = env
	}
	if token := strings.TrimSpace(os.Getenv("ESCROW_RPC_TOKEN")); token != "" {
		cfg.RPCAuthToken = token
	}
}

// Allocations merges the inline [[Genesis]] entries with the optional
// GenesisFile, sorted by address.
func (cfg *Config) Allocations() ([]genesis.Allocation, error) {
	allocs := make([]genesis.Allocation, 0, len(cfg.Genesis))
	for i, entry := range cfg.Genesis {
		alloc, err := genesis.ParseAllocation(entry.Address, entry.Balance)
		if err != nil {
			return nil, fmt.Errorf("Genesis[%d]: %w", i, err)
		}
		allocs = append(allocs, alloc)
	}
	if path := strings.TrimSpace(cfg.GenesisFile); path != "" {
		spec, err := genesis.LoadSpec(path)
		if err != nil {
			return nil, err
		}
		fromFile, err := spec.Allocations()
		if err != nil {
			return nil, err
		}
		allocs = append(allocs, fromFile...)
	}
	return genesis.Sort(allocs), nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		RPCAddress:     DefaultRPCAddress,
		DataDir:        DefaultDataDir,
		StorageBackend: DefaultStorageBackend,
		NetworkName:    DefaultNetworkName,
		RateLimit:      RateLimit{RequestsPerMinute: 600, Burst: 60},
		Log:            Log{Level: "info"},
		Genesis:        []GenesisAccount{},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}
