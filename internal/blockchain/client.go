package blockchain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
)

const (
	rpcTimeout    = 10 * time.Second
	maxRetries    = 3
	retryInterval = 500 * time.Millisecond
)

// Client wraps read-only chain access with failover support
type Client struct {
	failoverClient *FailoverClient
	erc20ABI       abi.ABI
	aggregatorABI  abi.ABI
	pythABI        abi.ABI
}

// NewClient creates a new blockchain client with failover support
func NewClient(rpcURLs []string) (*Client, error) {
	failoverClient, err := NewFailoverClient(rpcURLs)
	if err != nil {
		return nil, err
	}
	return newClient(failoverClient)
}

func newClient(fc *FailoverClient) (*Client, error) {
	c := &Client{failoverClient: fc}

	var err error
	if c.erc20ABI, err = abi.JSON(strings.NewReader(erc20ABI)); err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	if c.aggregatorABI, err = abi.JSON(strings.NewReader(aggregatorABI)); err != nil {
		return nil, fmt.Errorf("failed to parse aggregator ABI: %w", err)
	}
	if c.pythABI, err = abi.JSON(strings.NewReader(pythABI)); err != nil {
		return nil, fmt.Errorf("failed to parse Pyth ABI: %w", err)
	}
	return c, nil
}

// Close closes all RPC client connections
func (c *Client) Close() {
	c.failoverClient.Close()
}

// GetHealthyEndpoint returns a usable endpoint client and its URL
func (c *Client) GetHealthyEndpoint() (*ethclient.Client, string, error) {
	return c.failoverClient.GetClient()
}

// GetEndpointsHealth reports the health flag of every configured endpoint
func (c *Client) GetEndpointsHealth() map[string]bool {
	return c.failoverClient.EndpointsHealth()
}

// ChainID queries the chain id of the current endpoint
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := c.withClient(ctx, func(ctx context.Context, ec *ethclient.Client) error {
		var err error
		id, err = ec.ChainID(ctx)
		return err
	})
	return id, err
}

// withClient runs fn against a healthy endpoint with a timeout and retries
func (c *Client) withClient(ctx context.Context, fn func(ctx context.Context, ec *ethclient.Client) error) error {
	rpcCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	return c.retryWithBackoff(rpcCtx, func() error {
		ec, _, err := c.failoverClient.GetClient()
		if err != nil {
			return fmt.Errorf("no RPC endpoint available: %w", err)
		}
		return fn(rpcCtx, ec)
	})
}

// call invokes a view method on a contract and returns the unpacked outputs
func (c *Client) call(ctx context.Context, contractABI abi.ABI, addr common.Address, method string, args ...any) ([]any, error) {
	var out []any
	err := c.withClient(ctx, func(ctx context.Context, ec *ethclient.Client) error {
		contract := bind.NewBoundContract(addr, contractABI, ec, ec, ec)
		out = nil
		return contract.Call(&bind.CallOpts{Context: ctx}, &out, method, args...)
	})
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w", method, addr.Hex(), err)
	}
	return out, nil
}

// retryWithBackoff executes a function with exponential backoff and automatic failover
func (c *Client) retryWithBackoff(ctx context.Context, fn func() error) error {
	var lastErr error

	for attempt := range maxRetries {
		if attempt > 0 {
			backoff := retryInterval * time.Duration(1<<uint(attempt-1))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		_, currentURL, _ := c.failoverClient.GetClient()

		if err := fn(); err != nil {
			lastErr = err
			if ctx.Err() != nil || !isEndpointFailure(err) {
				return err
			}
			// next attempt picks another endpoint when one is healthy
			if currentURL != "" {
				c.failoverClient.MarkUnhealthy(currentURL, err)
			}
			continue
		}
		return nil
	}

	return fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}

// isEndpointFailure is false for errors the node answered with, such as reverts:
// retrying them elsewhere gives the same answer.
func isEndpointFailure(err error) bool {
	var rpcErr rpc.Error
	return !errors.As(err, &rpcErr)
}

// HumanBalance converts raw balance to human-readable decimal string
func HumanBalance(rawBalance *big.Int, decimals uint8) string {
	if rawBalance.Sign() == 0 {
		return "0"
	}
	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)

	intPart := new(big.Int).Div(rawBalance, divisor)
	remainder := new(big.Int).Mod(rawBalance, divisor)

	if remainder.Sign() == 0 {
		return intPart.String()
	}

	fracStr := fmt.Sprintf("%0*s", int(decimals), remainder.String())
	fracStr = strings.TrimRight(fracStr, "0")
	return fmt.Sprintf("%s.%s", intPart.String(), fracStr)
}
