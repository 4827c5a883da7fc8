package chain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/vietddude/feewatcher/internal/core/domain"
)

// Client is the boundary between a chain scanner and the node it reads from.
// Every method that talks to the node retries transient failures itself.
type Client interface {
	// ChainID returns the chain this client is bound to
	ChainID() domain.ChainID

	// BlockNumber returns the current head
	BlockNumber(ctx context.Context) (uint64, error)

	// BlockTimestamp returns the timestamp of a block, cached per block
	BlockTimestamp(ctx context.Context, blockNumber uint64) (time.Time, error)

	// QueryLogs returns FeesCollected logs of the configured contract in [from, to]
	QueryLogs(ctx context.Context, from, to uint64) ([]types.Log, error)

	// SubscribeLogs streams new FeesCollected logs into ch until unsubscribed.
	// The subscription's Err channel reports a broken connection.
	SubscribeLogs(ctx context.Context, ch chan<- types.Log) (ethereum.Subscription, error)

	// Close releases the underlying connection
	Close()
}

// ClientFactory dials a client for a registry record.
type ClientFactory func(ctx context.Context, chain *domain.Blockchain) (Client, error)
