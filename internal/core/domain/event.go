package domain

import (
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// FeeEvent is one FeesCollected occurrence as stored by the service.
// Amounts are kept as decimal strings so no precision is lost.
type FeeEvent struct {
	ChainID          ChainID    `json:"chainId"`
	Token            string     `json:"token"`
	Integrator       string     `json:"integrator"`
	IntegratorFee    string     `json:"integratorFee"`
	LifiFee          string     `json:"lifiFee"`
	IntegratorFeeHex string     `json:"integratorFeeHex,omitempty"`
	LifiFeeHex       string     `json:"lifiFeeHex,omitempty"`
	BlockNumber      uint64     `json:"blockNumber"`
	TransactionHash  string     `json:"transactionHash"`
	LogIndex         uint       `json:"logIndex"`
	BlockTimestamp   *time.Time `json:"blockTimestamp,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// Key returns the identity key (chainId, transactionHash, logIndex).
func (e *FeeEvent) Key() EventKey {
	return EventKey{ChainID: e.ChainID, TransactionHash: e.TransactionHash, LogIndex: e.LogIndex}
}

// EventKey is the uniqueness constraint for persisted events.
type EventKey struct {
	ChainID         ChainID
	TransactionHash string
	LogIndex        uint
}

// FeeAmounts carries the raw decoded values of a FeesCollected log.
type FeeAmounts struct {
	Token         string
	Integrator    string
	IntegratorFee *big.Int
	LifiFee       *big.Int
}

// NewFeeEvent normalizes decoded log values into a FeeEvent.
func NewFeeEvent(
	chainID ChainID,
	amounts FeeAmounts,
	blockNumber uint64,
	txHash string,
	logIndex uint,
	blockTime *time.Time,
) *FeeEvent {
	integratorFee := amounts.IntegratorFee
	if integratorFee == nil {
		integratorFee = new(big.Int)
	}
	lifiFee := amounts.LifiFee
	if lifiFee == nil {
		lifiFee = new(big.Int)
	}

	return &FeeEvent{
		ChainID:          chainID,
		Token:            strings.ToLower(amounts.Token),
		Integrator:       strings.ToLower(amounts.Integrator),
		IntegratorFee:    integratorFee.String(),
		LifiFee:          lifiFee.String(),
		IntegratorFeeHex: hexutil.EncodeBig(integratorFee),
		LifiFeeHex:       hexutil.EncodeBig(lifiFee),
		BlockNumber:      blockNumber,
		TransactionHash:  strings.ToLower(txHash),
		LogIndex:         logIndex,
		BlockTimestamp:   blockTime,
	}
}
