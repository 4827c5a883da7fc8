package domain

import (
	"strconv"
	"time"
)

// ChainID is the numeric EVM chain id (1 for Ethereum, 137 for Polygon, ...).
type ChainID uint64

const (
	ChainIDEthereum ChainID = 1
	ChainIDOptimism ChainID = 10
	ChainIDBSC      ChainID = 56
	ChainIDPolygon  ChainID = 137
	ChainIDArbitrum ChainID = 42161
)

// ChainIDToName maps well-known chain ids to a human-readable name.
var ChainIDToName = map[ChainID]string{
	ChainIDEthereum: "ethereum",
	ChainIDOptimism: "optimism",
	ChainIDBSC:      "bsc",
	ChainIDPolygon:  "polygon",
	ChainIDArbitrum: "arbitrum",
}

func (c ChainID) String() string {
	return strconv.FormatUint(uint64(c), 10)
}

// ParseChainID parses a positive decimal chain id.
func ParseChainID(s string) (ChainID, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil || v == 0 {
		return 0, ValidationError("parse chain id", "chainId must be a positive number")
	}
	return ChainID(v), nil
}

// Blockchain is a registry record describing a chain the service can scan.
type Blockchain struct {
	ID              string    `json:"id"              db:"id"`
	BlockchainID    string    `json:"blockchainId"    db:"blockchain_id"`
	Name            string    `json:"name"            db:"name"`
	ChainID         ChainID   `json:"chainId"         db:"chain_id"`
	RPCURL          string    `json:"rpcUrl"          db:"rpc_url"`
	ContractAddress string    `json:"contractAddress" db:"contract_address"`
	BlockExplorer   string    `json:"blockExplorer"   db:"block_explorer"`
	NativeCurrency  string    `json:"nativeCurrency"  db:"native_currency"`
	Symbol          string    `json:"symbol"          db:"symbol"`
	Decimals        int       `json:"decimals"        db:"decimals"`
	IsActive        bool      `json:"isActive"        db:"is_active"`
	ScanEnabled     bool      `json:"scanEnabled"     db:"scan_enabled"`
	CreatedAt       time.Time `json:"createdAt"       db:"created_at"`
	UpdatedAt       time.Time `json:"updatedAt"       db:"updated_at"`
}

// Validate checks the record-level rules.
func (b *Blockchain) Validate() error {
	if b.ChainID == 0 {
		return ValidationError("validate blockchain", "all blockchains must have chainId")
	}
	if b.ScanEnabled && b.ContractAddress == "" {
		return ValidationError(
			"validate blockchain",
			"blockchains with scanning enabled must have contractAddress",
		)
	}
	return nil
}
