package eth

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"

	"github.com/devlongs/cycle-arb/internal/config"
)

// Client wraps the Ethereum client with retry logic and convenience methods
type Client struct {
	client  *ethclient.Client
	cfg     config.RPCConfig
	chainID *big.Int
}

// NewClient creates a new Ethereum client. When a websocket URL is
// configured it is preferred, since log subscriptions need it.
func NewClient(cfg config.RPCConfig) (*Client, error) {
	url := cfg.URL
	if cfg.WSUrl != "" {
		url = cfg.WSUrl
	}

	client, err := ethclient.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Ethereum node: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
	defer cancel()

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	log.Info().
		Str("url", url).
		Str("chainID", chainID.String()).
		Msg("Connected to Ethereum node")

	return &Client{
		client:  client,
		cfg:     cfg,
		chainID: chainID,
	}, nil
}

// Close closes the client connection
func (c *Client) Close() {
	c.client.Close()
}

// ChainID returns the chain ID
func (c *Client) ChainID() *big.Int {
	return c.chainID
}

// withRetry runs fn up to RetryAttempts times, sleeping RetryDelay between
// attempts unless the context is done.
func withRetry[T any](ctx context.Context, c *Client, what string, fn func() (T, error)) (T, error) {
	var (
		result T
		err    error
	)
	attempts := c.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	for i := 0; i < attempts; i++ {
		result, err = fn()
		if err == nil {
			return result, nil
		}
		log.Warn().Err(err).Int("attempt", i+1).Msgf("Failed to %s, retrying...", what)

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(c.cfg.RetryDelay):
		}
	}

	return result, fmt.Errorf("failed to %s after %d attempts: %w", what, attempts, err)
}

// BlockNumber returns the latest block number with retry
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	return withRetry(ctx, c, "get block number", func() (uint64, error) {
		return c.client.BlockNumber(ctx)
	})
}

// HeaderByNumber returns a header by number (nil for latest) with retry
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return withRetry(ctx, c, "get header", func() (*types.Header, error) {
		return c.client.HeaderByNumber(ctx, number)
	})
}

// GetLogs fetches logs with the given filter with retry
func (c *Client) GetLogs(ctx context.Context, query ethereum.FilterQuery) ([]types.Log, error) {
	return withRetry(ctx, c, "get logs", func() ([]types.Log, error) {
		return c.client.FilterLogs(ctx, query)
	})
}

// TransactionReceipt returns the receipt of a transaction. It does not retry:
// a missing receipt is an expected answer while waiting for inclusion.
func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	return c.client.TransactionReceipt(ctx, txHash)
}

// CallContract executes a contract call with retry
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return withRetry(ctx, c, "call contract", func() ([]byte, error) {
		return c.client.CallContract(ctx, msg, blockNumber)
	})
}

// SimulateCall executes a contract call once. Reverts are returned as-is so
// the caller can decode the revert data.
func (c *Client) SimulateCall(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	return c.client.CallContract(ctx, msg, nil)
}

// PendingNonceAt returns the next nonce for the account with retry
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return withRetry(ctx, c, "get nonce", func() (uint64, error) {
		return c.client.PendingNonceAt(ctx, account)
	})
}

// SuggestGasTipCap returns the suggested priority fee with retry
func (c *Client) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return withRetry(ctx, c, "suggest gas tip", func() (*big.Int, error) {
		return c.client.SuggestGasTipCap(ctx)
	})
}

// SendTransaction broadcasts a signed transaction. Sending is never retried
// to avoid double submission.
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.client.SendTransaction(ctx, tx)
}

// SubscribeFilterLogs subscribes to logs matching the query (requires WebSocket)
func (c *Client) SubscribeFilterLogs(ctx context.Context, query ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return c.client.SubscribeFilterLogs(ctx, query, ch)
}
