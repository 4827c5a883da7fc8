package config

import (
	"strings"
	"time"

	"github.com/vietddude/feewatcher/internal/core/domain"
	redisclient "github.com/vietddude/feewatcher/internal/infra/redis"
	"github.com/vietddude/feewatcher/internal/infra/storage/postgres"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig       `yaml:"server"`
	Redis    redisclient.Config `yaml:"redis"`
	Database postgres.Config    `yaml:"database"`
	Logging  LoggingConfig      `yaml:"logging"`
	Scanner  ScannerConfig      `yaml:"scanner"`
	Registry RegistryConfig     `yaml:"registry"`
	Chains   []ChainConfig      `yaml:"chains"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// ScannerConfig holds the settings shared by all chain scanners.
type ScannerConfig struct {
	GapChunkSize        uint64        `yaml:"gap_chunk_size"`
	GapInterval         time.Duration `yaml:"gap_interval"`
	Lookback            uint64        `yaml:"lookback"`
	PollInterval        time.Duration `yaml:"poll_interval"` // HTTP endpoints only
	MaxScanRange        uint64        `yaml:"max_scan_range"`
	HistoricalChunkSize uint64        `yaml:"historical_chunk_size"`
	HistoricalPause     time.Duration `yaml:"historical_pause"`
	AutoStart           bool          `yaml:"auto_start"` // start every scan-enabled chain on boot
}

// RegistryConfig holds blockchain registry settings.
type RegistryConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// ChainConfig seeds one blockchain registry record.
type ChainConfig struct {
	ChainID         domain.ChainID `yaml:"id"`
	Slug            string         `yaml:"slug"`
	Name            string         `yaml:"name"`
	RPCURL          string         `yaml:"rpc_url"`
	ContractAddress string         `yaml:"contract_address"`
	BlockExplorer   string         `yaml:"block_explorer"`
	NativeCurrency  string         `yaml:"native_currency"`
	Symbol          string         `yaml:"symbol"`
	Decimals        int            `yaml:"decimals"`
	Active          *bool          `yaml:"active"` // default true
	ScanEnabled     bool           `yaml:"scan_enabled"`
}

// Blockchain converts the seed entry into a registry record.
func (c ChainConfig) Blockchain() *domain.Blockchain {
	active := true
	if c.Active != nil {
		active = *c.Active
	}
	slug := strings.ToLower(c.Slug)
	if slug == "" {
		if name, ok := domain.ChainIDToName[c.ChainID]; ok {
			slug = name
		} else {
			slug = c.ChainID.String()
		}
	}
	name := c.Name
	if name == "" {
		name = slug
	}

	return &domain.Blockchain{
		BlockchainID:    slug,
		Name:            name,
		ChainID:         c.ChainID,
		RPCURL:          c.RPCURL,
		ContractAddress: strings.ToLower(c.ContractAddress),
		BlockExplorer:   c.BlockExplorer,
		NativeCurrency:  c.NativeCurrency,
		Symbol:          strings.ToUpper(c.Symbol),
		Decimals:        c.Decimals,
		IsActive:        active,
		ScanEnabled:     c.ScanEnabled,
	}
}
