package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/lru"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/vietddude/feewatcher/internal/core/domain"
	"github.com/vietddude/feewatcher/internal/indexing/metrics"
)

const (
	DefaultPollInterval   = 4 * time.Second
	DefaultTimestampCache = 4096
)

// Config describes one chain endpoint.
type Config struct {
	ChainID         domain.ChainID
	URL             string
	ContractAddress string
	PollInterval    time.Duration
	Retry           RetryConfig
}

// Client implements chain.Client over go-ethereum's ethclient.
// WebSocket endpoints get a native log subscription, HTTP endpoints are polled.
type Client struct {
	cfg      Config
	contract common.Address
	logger   *slog.Logger

	mu     sync.RWMutex
	client *ethclient.Client
	isWS   bool

	timestamps *lru.Cache[uint64, uint64]
}

// Dial connects to the endpoint and verifies the node serves the configured chain.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, domain.ValidationError("dial chain", "rpc url is required")
	}
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, domain.ValidationError("dial chain", "invalid contract address")
	}

	rpcClient, err := rpc.DialContext(ctx, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.URL, err)
	}

	c := NewClientFromRPC(cfg, rpcClient, logger)
	c.isWS = strings.HasPrefix(cfg.URL, "ws://") || strings.HasPrefix(cfg.URL, "wss://")

	remote, err := c.client.ChainID(ctx)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("chain ID check failed: %w", err)
	}
	if cfg.ChainID != 0 && remote.Uint64() != uint64(cfg.ChainID) {
		c.Close()
		return nil, fmt.Errorf("endpoint serves chain %s, expected %d", remote, cfg.ChainID)
	}

	c.logger.Info("connected to chain", "is_websocket", c.isWS)
	return c, nil
}

// NewClientFromRPC wraps an existing rpc client. The client is polled for logs.
func NewClientFromRPC(cfg Config, rpcClient *rpc.Client, logger *slog.Logger) *Client {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryConfig
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		cfg:        cfg,
		contract:   common.HexToAddress(cfg.ContractAddress),
		logger:     logger.With("component", "evm-client", "chain", cfg.ChainID),
		client:     ethclient.NewClient(rpcClient),
		timestamps: lru.NewCache[uint64, uint64](DefaultTimestampCache),
	}
}

func (c *Client) ChainID() domain.ChainID {
	return c.cfg.ChainID
}

func (c *Client) eth() (*ethclient.Client, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.client == nil {
		return nil, fmt.Errorf("not connected")
	}
	return c.client, nil
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	head, err := call(ctx, c, "eth_blockNumber", func(ctx context.Context, ec *ethclient.Client) (uint64, error) {
		return ec.BlockNumber(ctx)
	})
	if err != nil {
		return 0, err
	}
	metrics.ChainHeadBlock.WithLabelValues(c.cfg.ChainID.String()).Set(float64(head))
	return head, nil
}

func (c *Client) BlockTimestamp(ctx context.Context, blockNumber uint64) (time.Time, error) {
	if ts, ok := c.timestamps.Get(blockNumber); ok {
		return time.Unix(int64(ts), 0).UTC(), nil
	}

	header, err := call(ctx, c, "eth_getBlockByNumber", func(ctx context.Context, ec *ethclient.Client) (*types.Header, error) {
		return ec.HeaderByNumber(ctx, new(big.Int).SetUint64(blockNumber))
	})
	if err != nil {
		return time.Time{}, err
	}
	if header == nil {
		return time.Time{}, fmt.Errorf("block %d not found", blockNumber)
	}

	c.timestamps.Add(blockNumber, header.Time)
	return time.Unix(int64(header.Time), 0).UTC(), nil
}

func (c *Client) QueryLogs(ctx context.Context, from, to uint64) ([]types.Log, error) {
	query := c.filterQuery()
	query.FromBlock = new(big.Int).SetUint64(from)
	query.ToBlock = new(big.Int).SetUint64(to)

	return call(ctx, c, "eth_getLogs", func(ctx context.Context, ec *ethclient.Client) ([]types.Log, error) {
		return ec.FilterLogs(ctx, query)
	})
}

func (c *Client) SubscribeLogs(ctx context.Context, ch chan<- types.Log) (ethereum.Subscription, error) {
	ec, err := c.eth()
	if err != nil {
		return nil, err
	}

	c.mu.RLock()
	isWS := c.isWS
	c.mu.RUnlock()

	if isWS {
		return ec.SubscribeFilterLogs(ctx, c.filterQuery(), ch)
	}
	return c.pollLogs(ctx, ch)
}

// pollLogs emulates a log subscription by querying new blocks on an interval.
func (c *Client) pollLogs(ctx context.Context, ch chan<- types.Log) (ethereum.Subscription, error) {
	last, err := c.BlockNumber(ctx)
	if err != nil {
		return nil, err
	}

	interval := c.cfg.PollInterval
	return event.NewSubscription(func(quit <-chan struct{}) error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-quit:
				return nil
			case <-ticker.C:
			}

			pollCtx, cancel := context.WithTimeout(context.Background(), interval*4)
			head, err := c.BlockNumber(pollCtx)
			if err != nil {
				cancel()
				return err
			}
			if head <= last {
				cancel()
				continue
			}

			logs, err := c.QueryLogs(pollCtx, last+1, head)
			cancel()
			if err != nil {
				return err
			}
			for _, l := range logs {
				select {
				case ch <- l:
				case <-quit:
					return nil
				}
			}
			last = head
		}
	}), nil
}

func (c *Client) filterQuery() ethereum.FilterQuery {
	return ethereum.FilterQuery{
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{FeesCollectedTopic}},
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

// call runs one RPC method with retry and records metrics for it.
func call[T any](
	ctx context.Context,
	c *Client,
	method string,
	fn func(ctx context.Context, ec *ethclient.Client) (T, error),
) (T, error) {
	chainLabel := c.cfg.ChainID.String()

	ec, err := c.eth()
	if err != nil {
		var zero T
		return zero, err
	}

	return callWithRetry(ctx, c.cfg.Retry, func(ctx context.Context) (T, error) {
		start := time.Now()
		metrics.RPCCallsTotal.WithLabelValues(chainLabel, method).Inc()
		result, err := fn(ctx, ec)
		metrics.RPCLatency.WithLabelValues(chainLabel, method).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.RPCErrorsTotal.WithLabelValues(chainLabel, method).Inc()
			c.logger.Debug("rpc call failed", "method", method, "error", err)
		}
		return result, err
	})
}
