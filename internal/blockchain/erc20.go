package blockchain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/matrixise/compose-pay/internal/asset"
)

const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"_owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"balance","type":"uint256"}],"payable":false,"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"payable":false,"stateMutability":"view","type":"function"}
]`

// TokenBalance reads balanceOf(wallet) on an ERC-20 token
func (c *Client) TokenBalance(ctx context.Context, wallet, token common.Address) (*big.Int, error) {
	out, err := c.call(ctx, c.erc20ABI, token, "balanceOf", wallet)
	if err != nil {
		return nil, err
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf: unexpected type %T", out[0])
	}
	return balance, nil
}

// TokenDecimals reads decimals(), returning fallback when the call fails
func (c *Client) TokenDecimals(ctx context.Context, token common.Address, fallback uint8) uint8 {
	out, err := c.call(ctx, c.erc20ABI, token, "decimals")
	if err != nil {
		return fallback
	}
	if d, ok := out[0].(uint8); ok {
		return d
	}
	return fallback
}

// NativeBalance reads the account's native balance
func (c *Client) NativeBalance(ctx context.Context, wallet common.Address) (*big.Int, error) {
	var balance *big.Int
	err := c.withClient(ctx, func(ctx context.Context, ec *ethclient.Client) error {
		var err error
		balance, err = ec.BalanceAt(ctx, wallet, nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("eth_getBalance: %w", err)
	}
	return balance, nil
}

// BalanceReader fetches balances for every registered asset
type BalanceReader struct {
	client   *Client
	registry *asset.Registry
	logger   *slog.Logger
}

// NewBalanceReader creates a balance port over registry
func NewBalanceReader(client *Client, registry *asset.Registry, logger *slog.Logger) *BalanceReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &BalanceReader{client: client, registry: registry, logger: logger}
}

// GetBalances reads every asset balance. Native assets use eth_getBalance and
// fail the snapshot on error; an unreadable token reports zero.
func (r *BalanceReader) GetBalances(ctx context.Context, account common.Address) (*asset.BalanceSnapshot, error) {
	snap := &asset.BalanceSnapshot{
		Account:   account,
		Balances:  make(map[string]*big.Int, r.registry.Len()),
		FetchedAt: time.Now().UTC(),
	}

	for _, a := range r.registry.Assets() {
		if a.Native {
			balance, err := r.client.NativeBalance(ctx, account)
			if err != nil {
				return nil, fmt.Errorf("balance of %s: %w", a.Symbol, err)
			}
			snap.Balances[a.Symbol] = balance
			continue
		}
		if !a.HasContract() {
			snap.Balances[a.Symbol] = new(big.Int)
			continue
		}

		balance, err := r.client.TokenBalance(ctx, account, a.Address)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.logger.Warn("Token balance unavailable, using zero", "symbol", a.Symbol, "token", a.Address.Hex(), "error", err)
			balance = new(big.Int)
		}
		snap.Balances[a.Symbol] = balance

		r.logger.Debug("Balance retrieved",
			"wallet", account.Hex(),
			"symbol", a.Symbol,
			"balance", HumanBalance(balance, a.TokenDecimals),
		)
	}
	return snap, nil
}
