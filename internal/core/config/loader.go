package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vietddude/feewatcher/internal/core/domain"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML content, applies defaults and validates the chains.
func Parse(data []byte) (*AppConfig, error) {
	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}

	s := &cfg.Scanner
	if s.GapChunkSize == 0 {
		s.GapChunkSize = 100
	}
	if s.GapInterval == 0 {
		s.GapInterval = 10 * time.Second
	}
	if s.Lookback == 0 {
		s.Lookback = 100
	}
	if s.PollInterval == 0 {
		s.PollInterval = 4 * time.Second
	}
	if s.MaxScanRange == 0 {
		s.MaxScanRange = 10000
	}
	if s.HistoricalChunkSize == 0 {
		s.HistoricalChunkSize = 2000
	}
	if s.HistoricalPause == 0 {
		s.HistoricalPause = time.Second
	}

	if cfg.Registry.CacheTTL == 0 {
		cfg.Registry.CacheTTL = 5 * time.Minute
	}

	for i := range cfg.Chains {
		if cfg.Chains[i].Decimals == 0 {
			cfg.Chains[i].Decimals = 18
		}
	}
}

func validate(cfg *AppConfig) error {
	seen := make(map[domain.ChainID]struct{}, len(cfg.Chains))
	for i, c := range cfg.Chains {
		if c.ChainID == 0 {
			return fmt.Errorf("chains[%d]: id is required", i)
		}
		if _, dup := seen[c.ChainID]; dup {
			return fmt.Errorf("chains[%d]: duplicate chain id %d", i, c.ChainID)
		}
		seen[c.ChainID] = struct{}{}

		if c.RPCURL == "" {
			return fmt.Errorf("chain %d: rpc_url is required", c.ChainID)
		}
		if err := c.Blockchain().Validate(); err != nil {
			return fmt.Errorf("chain %d: %w", c.ChainID, err)
		}
	}
	return nil
}
