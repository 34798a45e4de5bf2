// Package swap selects DEX routes and turns router quotes into worst-case outputs.
package swap

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
)

const bpsDenominator = 10_000

// ManualMinimumDivisor sets the conservative minimum used when no quote is available (1% of input)
const ManualMinimumDivisor = 100

var (
	ErrSameToken        = errors.New("swap input and output token are identical")
	ErrInvalidSlippage  = errors.New("slippage must be below 10000 bps")
	ErrQuoteUnavailable = errors.New("swap quote unavailable")
	ErrEmptyQuote       = errors.New("router returned no amounts")
)

// PoolKind distinguishes the curve a pool trades on
type PoolKind int

const (
	PoolVolatile PoolKind = iota // constant product
	PoolStable                   // stable-asset curve
)

func (k PoolKind) String() string {
	if k == PoolStable {
		return "stable"
	}
	return "volatile"
}

// Pool is a direct liquidity pool between two tokens
type Pool struct {
	TokenA common.Address
	TokenB common.Address
	Kind   PoolKind
}

func (p Pool) connects(a, b common.Address) bool {
	return (p.TokenA == a && p.TokenB == b) || (p.TokenA == b && p.TokenB == a)
}

// Hop is one leg of a route
type Hop struct {
	From common.Address `json:"from"`
	To   common.Address `json:"to"`
	Kind PoolKind       `json:"kind"`
}

// Stable reports whether the hop trades on the stable curve
func (h Hop) Stable() bool {
	return h.Kind == PoolStable
}

// Router picks hop sequences over a fixed pool set, routing through a hub asset
// when no direct pool exists
type Router struct {
	hub    common.Address
	stable map[common.Address]bool
	pools  []Pool
}

// NewRouter creates a router over pools with hub as the intermediate asset
func NewRouter(hub common.Address, stableTokens []common.Address, pools []Pool) *Router {
	return &Router{
		hub:    hub,
		stable: lo.SliceToMap(stableTokens, func(a common.Address) (common.Address, bool) { return a, true }),
		pools:  append([]Pool(nil), pools...),
	}
}

// Hub returns the intermediate routing asset
func (r *Router) Hub() common.Address {
	return r.hub
}

// Route returns the hops from one token to another
func (r *Router) Route(from, to common.Address) ([]Hop, error) {
	if from == to {
		return nil, fmt.Errorf("%w: %s", ErrSameToken, from.Hex())
	}

	if pool, ok := lo.Find(r.pools, func(p Pool) bool { return p.connects(from, to) }); ok {
		return []Hop{{From: from, To: to, Kind: pool.Kind}}, nil
	}

	return []Hop{
		{From: from, To: r.hub, Kind: r.kindFor(from, r.hub)},
		{From: r.hub, To: to, Kind: r.kindFor(r.hub, to)},
	}, nil
}

func (r *Router) kindFor(a, b common.Address) PoolKind {
	if r.stable[a] && r.stable[b] {
		return PoolStable
	}
	return PoolVolatile
}

// Quoter is the price-query boundary: it returns the output amount after each hop
type Quoter interface {
	AmountsOut(ctx context.Context, amountIn *big.Int, route []Hop) ([]*big.Int, error)
}

// Quote is the expected and worst-case output of one swap
type Quote struct {
	From        common.Address `json:"from"`
	To          common.Address `json:"to"`
	AmountIn    *big.Int       `json:"amount_in"`
	ExpectedOut *big.Int       `json:"expected_out"`
	MinimumOut  *big.Int       `json:"minimum_out"`
	Route       []Hop          `json:"route"`
	SlippageBps uint32         `json:"slippage_bps"`

	// Manual is set when MinimumOut is the conservative fallback rather than a router quote
	Manual bool `json:"manual"`
}

// MinimumOut applies the slippage tolerance: expected * (10000 - bps) / 10000
func MinimumOut(expected *big.Int, slippageBps uint32) *big.Int {
	out := new(big.Int).Mul(expected, big.NewInt(int64(bpsDenominator-int64(slippageBps))))
	return out.Quo(out, big.NewInt(bpsDenominator))
}

// Quote asks the quoter for the route's output and derives the minimum acceptable output
func (r *Router) Quote(ctx context.Context, q Quoter, from, to common.Address, amountIn *big.Int, slippageBps uint32) (Quote, error) {
	if slippageBps >= bpsDenominator {
		return Quote{}, fmt.Errorf("%w: %d", ErrInvalidSlippage, slippageBps)
	}
	route, err := r.Route(from, to)
	if err != nil {
		return Quote{}, err
	}

	amounts, err := q.AmountsOut(ctx, amountIn, route)
	if err != nil {
		return Quote{}, fmt.Errorf("%w: %w", ErrQuoteUnavailable, err)
	}
	if len(amounts) == 0 {
		return Quote{}, fmt.Errorf("%w: %w", ErrQuoteUnavailable, ErrEmptyQuote)
	}

	expected := new(big.Int).Set(amounts[len(amounts)-1])
	return Quote{
		From:        from,
		To:          to,
		AmountIn:    new(big.Int).Set(amountIn),
		ExpectedOut: expected,
		MinimumOut:  MinimumOut(expected, slippageBps),
		Route:       route,
		SlippageBps: slippageBps,
	}, nil
}

// ManualQuote is the explicit fallback when no quote can be obtained: the
// minimum output is a small fraction of the input and no expected output is known.
func (r *Router) ManualQuote(from, to common.Address, amountIn *big.Int) (Quote, error) {
	route, err := r.Route(from, to)
	if err != nil {
		return Quote{}, err
	}
	return Quote{
		From:        from,
		To:          to,
		AmountIn:    new(big.Int).Set(amountIn),
		ExpectedOut: new(big.Int),
		MinimumOut:  new(big.Int).Quo(amountIn, big.NewInt(ManualMinimumDivisor)),
		Route:       route,
		Manual:      true,
	}, nil
}

// QuoteOrManual tries Quote and substitutes ManualQuote when the quote port fails.
// The quote error is still returned (wrapping ErrQuoteUnavailable) alongside the
// usable fallback so callers can log or refuse it.
func (r *Router) QuoteOrManual(ctx context.Context, q Quoter, from, to common.Address, amountIn *big.Int, slippageBps uint32) (Quote, error) {
	quote, err := r.Quote(ctx, q, from, to, amountIn, slippageBps)
	if err == nil {
		return quote, nil
	}
	if !errors.Is(err, ErrQuoteUnavailable) {
		return Quote{}, err
	}
	manual, merr := r.ManualQuote(from, to, amountIn)
	if merr != nil {
		return Quote{}, merr
	}
	return manual, err
}

// Input is one token amount to be swapped into a common output token
type Input struct {
	Token  common.Address
	Amount *big.Int
}

// MultiQuote aggregates quotes for several inputs into one output token
type MultiQuote struct {
	Quotes             []Quote  `json:"quotes"`
	TotalExpectedOut   *big.Int `json:"total_expected_out"`
	TotalMinimumOut    *big.Int `json:"total_minimum_out"`
	UsedManualFallback bool     `json:"used_manual_fallback"`
}

// QuoteMany quotes every non-zero input into to. Inputs already denominated in
// to are passed through unchanged. A failing quote falls back to ManualQuote and
// marks the aggregate.
func (r *Router) QuoteMany(ctx context.Context, q Quoter, inputs []Input, to common.Address, slippageBps uint32) (MultiQuote, error) {
	agg := MultiQuote{
		TotalExpectedOut: new(big.Int),
		TotalMinimumOut:  new(big.Int),
	}

	for _, in := range inputs {
		if in.Amount == nil || in.Amount.Sign() <= 0 {
			continue
		}
		if in.Token == to {
			agg.TotalExpectedOut.Add(agg.TotalExpectedOut, in.Amount)
			agg.TotalMinimumOut.Add(agg.TotalMinimumOut, in.Amount)
			continue
		}

		quote, err := r.QuoteOrManual(ctx, q, in.Token, to, in.Amount, slippageBps)
		if err != nil && !quote.Manual {
			return MultiQuote{}, err
		}
		agg.UsedManualFallback = agg.UsedManualFallback || quote.Manual
		agg.Quotes = append(agg.Quotes, quote)
		agg.TotalExpectedOut.Add(agg.TotalExpectedOut, quote.ExpectedOut)
		agg.TotalMinimumOut.Add(agg.TotalMinimumOut, quote.MinimumOut)
	}
	return agg, nil
}
