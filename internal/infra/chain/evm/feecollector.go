package evm

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/vietddude/feewatcher/internal/core/domain"
)

const feeCollectorAbi = `[{"anonymous":false,"inputs":[
	{"indexed":true,"internalType":"address","name":"_token","type":"address"},
	{"indexed":true,"internalType":"address","name":"_integrator","type":"address"},
	{"indexed":false,"internalType":"uint256","name":"_integratorFee","type":"uint256"},
	{"indexed":false,"internalType":"uint256","name":"_lifiFee","type":"uint256"}
	],"name":"FeesCollected","type":"event"}]`

var (
	feeCollectorABI abi.ABI

	// FeesCollectedTopic is topic0 of FeesCollected(address,address,uint256,uint256)
	FeesCollectedTopic common.Hash

	ErrNotFeesCollected = errors.New("log is not a FeesCollected event")
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(feeCollectorAbi))
	if err != nil {
		panic(fmt.Sprintf("invalid FeeCollector abi: %v", err))
	}
	feeCollectorABI = parsed
	FeesCollectedTopic = crypto.Keccak256Hash([]byte(parsed.Events["FeesCollected"].Sig))
}

// ParseFeesCollected decodes a FeesCollected log. Token and integrator are
// indexed topics, the two amounts are ABI-encoded in the data.
func ParseFeesCollected(log types.Log) (domain.FeeAmounts, error) {
	if len(log.Topics) != 3 || log.Topics[0] != FeesCollectedTopic {
		return domain.FeeAmounts{}, ErrNotFeesCollected
	}

	values, err := feeCollectorABI.Unpack("FeesCollected", log.Data)
	if err != nil {
		return domain.FeeAmounts{}, fmt.Errorf("failed to unpack FeesCollected data: %w", err)
	}
	if len(values) != 2 {
		return domain.FeeAmounts{}, fmt.Errorf("unexpected FeesCollected field count %d", len(values))
	}

	integratorFee, ok1 := values[0].(*big.Int)
	lifiFee, ok2 := values[1].(*big.Int)
	if !ok1 || !ok2 {
		return domain.FeeAmounts{}, fmt.Errorf("unexpected FeesCollected field types")
	}

	return domain.FeeAmounts{
		Token:         common.BytesToAddress(log.Topics[1].Bytes()).Hex(),
		Integrator:    common.BytesToAddress(log.Topics[2].Bytes()).Hex(),
		IntegratorFee: integratorFee,
		LifiFee:       lifiFee,
	}, nil
}

// PackFeesCollected builds a log the way the FeeCollector contract emits it.
// Used by fixtures and tests.
func PackFeesCollected(
	contract common.Address,
	amounts domain.FeeAmounts,
	blockNumber uint64,
	txHash common.Hash,
	logIndex uint,
) (types.Log, error) {
	data, err := feeCollectorABI.Events["FeesCollected"].Inputs.NonIndexed().Pack(
		amounts.IntegratorFee,
		amounts.LifiFee,
	)
	if err != nil {
		return types.Log{}, fmt.Errorf("failed to pack FeesCollected data: %w", err)
	}

	return types.Log{
		Address: contract,
		Topics: []common.Hash{
			FeesCollectedTopic,
			common.BytesToHash(common.HexToAddress(amounts.Token).Bytes()),
			common.BytesToHash(common.HexToAddress(amounts.Integrator).Bytes()),
		},
		Data:        data,
		BlockNumber: blockNumber,
		TxHash:      txHash,
		Index:       logIndex,
	}, nil
}
