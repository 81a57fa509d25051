package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	DataDir                string `toml:"DataDir"`
	PoolID                 string `toml:"PoolID"`
	ServiceName            string `toml:"ServiceName"`
	Environment            string `toml:"Environment"`
	MetricsAddress         string `toml:"MetricsAddress"`
	PriceMaxAgeSeconds     int64  `toml:"PriceMaxAgeSeconds"`
	MaxWriteOffPolicyRules int    `toml:"MaxWriteOffPolicyRules"`
	MaxPendingChanges      uint64 `toml:"MaxPendingChanges"`
}

// Load loads the configuration from the given path, creating a default file
// when none exists yet.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = "./ledger-data"
	}
	if strings.TrimSpace(c.PoolID) == "" {
		c.PoolID = "pool-default"
	}
	if strings.TrimSpace(c.ServiceName) == "" {
		c.ServiceName = "loanledger"
	}
	if c.PriceMaxAgeSeconds == 0 {
		c.PriceMaxAgeSeconds = 3600
	}
	if c.MaxWriteOffPolicyRules == 0 {
		c.MaxWriteOffPolicyRules = 32
	}
	if c.MaxPendingChanges == 0 {
		c.MaxPendingChanges = 128
	}
}

// Validate rejects values the ledger cannot run with.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.PoolID) == "" {
		return errors.New("PoolID must not be empty")
	}
	if c.PriceMaxAgeSeconds < 0 {
		return errors.New("PriceMaxAgeSeconds must not be negative")
	}
	if c.MaxWriteOffPolicyRules < 0 {
		return errors.New("MaxWriteOffPolicyRules must not be negative")
	}
	return nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		DataDir:                "./ledger-data",
		PoolID:                 "pool-default",
		ServiceName:            "loanledger",
		Environment:            "local",
		MetricsAddress:         ":9090",
		PriceMaxAgeSeconds:     3600,
		MaxWriteOffPolicyRules: 32,
		MaxPendingChanges:      128,
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
