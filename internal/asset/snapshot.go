package asset

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// USDPriceDecimals is the fixed-point precision prices are normalised to
const USDPriceDecimals = 8

// PriceSnapshot maps symbols to USD prices at a single declared precision.
// It is replaced wholesale on refresh and never mutated after construction.
type PriceSnapshot struct {
	Decimals  uint8
	Prices    map[string]*big.Int
	FetchedAt time.Time
}

// Price returns the price for symbol, or zero when unknown
func (s *PriceSnapshot) Price(symbol string) *big.Int {
	if s == nil {
		return new(big.Int)
	}
	p, ok := s.Prices[symbol]
	if !ok || p == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(p)
}

// BalanceSnapshot maps symbols to balances in each asset's smallest unit
type BalanceSnapshot struct {
	Account   common.Address
	Balances  map[string]*big.Int
	FetchedAt time.Time
}

// Balance returns the balance for symbol, or zero when unknown
func (s *BalanceSnapshot) Balance(symbol string) *big.Int {
	if s == nil {
		return new(big.Int)
	}
	b, ok := s.Balances[symbol]
	if !ok || b == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(b)
}

// PriceReader fetches a complete price snapshot
type PriceReader interface {
	GetPrices(ctx context.Context) (*PriceSnapshot, error)
}

// BalanceReader fetches a complete balance snapshot for an account
type BalanceReader interface {
	GetBalances(ctx context.Context, account common.Address) (*BalanceSnapshot, error)
}

// LimitsUSD returns, per asset position, the maximum USD value obtainable from
// the account's balance at the current price. Missing data yields zero limits.
func (r *Registry) LimitsUSD(prices *PriceSnapshot, balances *BalanceSnapshot) []float64 {
	limits := make([]float64, len(r.assets))
	if prices == nil || balances == nil {
		return limits
	}

	for i, a := range r.assets {
		bal := balances.Balance(a.Symbol)
		price := prices.Price(a.Symbol)
		if bal.Sign() <= 0 || price.Sign() <= 0 {
			continue
		}
		tokens := decimal.NewFromBigInt(bal, -int32(a.TokenDecimals))
		usd := decimal.NewFromBigInt(price, -int32(prices.Decimals))
		limits[i] = tokens.Mul(usd).InexactFloat64()
	}
	return limits
}

// NormalizePrice rescales a fixed-point price between precisions, truncating when reducing
func NormalizePrice(price *big.Int, from, to uint8) *big.Int {
	switch {
	case from == to:
		return new(big.Int).Set(price)
	case from > to:
		div := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(from-to)), nil)
		return new(big.Int).Quo(price, div)
	default:
		mul := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(to-from)), nil)
		return new(big.Int).Mul(price, mul)
	}
}
