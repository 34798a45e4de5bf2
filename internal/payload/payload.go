// Package payload turns a completed allocation into exact integer token amounts.
package payload

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/matrixise/compose-pay/internal/allocation"
	"github.com/matrixise/compose-pay/internal/asset"
	"github.com/shopspring/decimal"
)

const (
	// USDDecimals is the fixed-point precision of every USD integer
	USDDecimals = 8

	bpsDenominator = 10_000
)

var (
	ErrAllocationIncomplete = errors.New("allocation does not reach the target")
	ErrLengthMismatch       = errors.New("allocation, assets and limits differ in length")
	ErrPricesUnavailable    = errors.New("price snapshot unavailable")
)

// Item is one asset's contribution to a purchase
type Item struct {
	Asset            asset.Descriptor `json:"-"`
	Symbol           string           `json:"symbol"`
	USDAmount        float64          `json:"usd_amount"`
	USDAmountInt     *big.Int         `json:"usd_amount_int"`
	TokenAmount      float64          `json:"token_amount"`
	TokenAmountInt   *big.Int         `json:"token_amount_int"`
	EffectivePercent float64          `json:"effective_percent"`
	SliderPercent    float64          `json:"slider_percent"`
	Price            float64          `json:"price"`
	PriceInt         *big.Int         `json:"price_int"`
}

// FeeConfig describes an optional protocol fee in basis points
type FeeConfig struct {
	Enabled     bool
	RateBps     uint32
	TokenSymbol string
}

// Fee is the computed fee for one payload
type Fee struct {
	RateBps        uint32   `json:"rate_bps"`
	TokenSymbol    string   `json:"token_symbol"`
	USDAmount      float64  `json:"usd_amount"`
	USDAmountInt   *big.Int `json:"usd_amount_int"`
	TokenAmount    float64  `json:"token_amount"`
	TokenAmountInt *big.Int `json:"token_amount_int"`
}

// Payable reports whether the fee can be settled in its token. A fee whose
// token price was unavailable records the USD amount only and must not be transferred.
func (f *Fee) Payable() bool {
	return f != nil && f.TokenAmountInt != nil && f.TokenAmountInt.Sign() > 0
}

// Payload is the immutable result of one purchase calculation
type Payload struct {
	Allocation  allocation.State `json:"-"`
	TargetUSD   float64          `json:"target_usd"`
	TotalUSD    float64          `json:"total_usd"`
	TotalUSDInt *big.Int         `json:"total_usd_int"`
	Items       []Item           `json:"items"`
	ChainID     uint64           `json:"chain_id"`
	Fee         *Fee             `json:"fee,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// Builder computes purchase payloads
type Builder struct {
	now func() time.Time
}

// NewBuilder creates a builder; now defaults to time.Now
func NewBuilder(now func() time.Time) *Builder {
	if now == nil {
		now = time.Now
	}
	return &Builder{now: now}
}

// Build converts a complete allocation into a payload. Only CreatedAt depends on
// anything other than the arguments.
func (b *Builder) Build(
	st allocation.State,
	registry *asset.Registry,
	prices *asset.PriceSnapshot,
	limitsUSD []float64,
	targetUSD float64,
	chainID uint64,
	feeConfig *FeeConfig,
) (*Payload, error) {
	n := registry.Len()
	if len(st.EffectiveValues) != n || len(st.SliderValues) != n || len(limitsUSD) != n {
		return nil, fmt.Errorf("%w: state=%d assets=%d limits=%d", ErrLengthMismatch, len(st.EffectiveValues), n, len(limitsUSD))
	}
	if prices == nil {
		return nil, ErrPricesUnavailable
	}

	current := allocation.Recompute(st, limitsUSD, targetUSD)
	if !current.IsComplete {
		return nil, fmt.Errorf("%w: allocated %.2f of %.2f", ErrAllocationIncomplete, current.TotalAllocated, targetUSD)
	}

	items := make([]Item, 0, n)
	for i := 0; i < n; i++ {
		pct := current.EffectiveValues[i]
		if pct <= 0 {
			continue
		}
		items = append(items, buildItem(registry.At(i), pct, current.SliderValues[i], limitsUSD[i], prices))
	}

	totalInt := ToFixed(current.TotalAllocated, USDDecimals)

	p := &Payload{
		Allocation:  current,
		TargetUSD:   targetUSD,
		TotalUSD:    current.TotalAllocated,
		TotalUSDInt: totalInt,
		Items:       items,
		ChainID:     chainID,
		CreatedAt:   b.now().UTC(),
	}

	if feeConfig != nil && feeConfig.Enabled {
		p.Fee = calculateFee(totalInt, *feeConfig, registry, prices)
	}
	return p, nil
}

func buildItem(a asset.Descriptor, effective, slider, limit float64, prices *asset.PriceSnapshot) Item {
	priceInt := asset.NormalizePrice(prices.Price(a.Symbol), prices.Decimals, USDDecimals)
	usd := effective / 100 * limit
	usdInt := ToFixed(usd, USDDecimals)

	tokenInt := TokenAmount(usdInt, priceInt, a.TokenDecimals)

	return Item{
		Asset:            a,
		Symbol:           a.Symbol,
		USDAmount:        usd,
		USDAmountInt:     usdInt,
		TokenAmount:      FromFixed(tokenInt, a.TokenDecimals),
		TokenAmountInt:   tokenInt,
		EffectivePercent: effective,
		SliderPercent:    slider,
		Price:            FromFixed(priceInt, USDDecimals),
		PriceInt:         priceInt,
	}
}

func calculateFee(totalInt *big.Int, cfg FeeConfig, registry *asset.Registry, prices *asset.PriceSnapshot) *Fee {
	usdInt := new(big.Int).Mul(totalInt, big.NewInt(int64(cfg.RateBps)))
	usdInt.Quo(usdInt, big.NewInt(bpsDenominator))

	fee := &Fee{
		RateBps:        cfg.RateBps,
		TokenSymbol:    cfg.TokenSymbol,
		USDAmount:      FromFixed(usdInt, USDDecimals),
		USDAmountInt:   usdInt,
		TokenAmountInt: new(big.Int),
	}

	feeAsset, err := registry.Lookup(cfg.TokenSymbol)
	if err != nil {
		return fee
	}
	priceInt := asset.NormalizePrice(prices.Price(feeAsset.Symbol), prices.Decimals, USDDecimals)
	fee.TokenAmountInt = TokenAmount(usdInt, priceInt, feeAsset.TokenDecimals)
	fee.TokenAmount = FromFixed(fee.TokenAmountInt, feeAsset.TokenDecimals)
	return fee
}

// TokenAmount converts a USD integer into the token's smallest unit:
// floor(usd * 10^decimals / price), or zero when the price is not positive.
func TokenAmount(usdInt, priceInt *big.Int, tokenDecimals uint8) *big.Int {
	if priceInt == nil || priceInt.Sign() <= 0 {
		return new(big.Int)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(tokenDecimals)), nil)
	out := new(big.Int).Mul(usdInt, scale)
	return out.Quo(out, priceInt)
}

// ToFixed rounds a float to a fixed-point integer with the given precision
func ToFixed(v float64, decimals int32) *big.Int {
	return decimal.NewFromFloat(v).Shift(decimals).Round(0).BigInt()
}

// FromFixed converts a fixed-point integer to a float for display
func FromFixed(v *big.Int, decimals uint8) float64 {
	if v == nil {
		return 0
	}
	return decimal.NewFromBigInt(v, -int32(decimals)).InexactFloat64()
}

// ChainItem is the chain-submission view of one item
type ChainItem struct {
	Symbol        string          `json:"symbol"`
	Contract      *common.Address `json:"contract,omitempty"`
	TokenDecimals uint8           `json:"token_decimals"`
	PriceDecimals uint8           `json:"price_decimals"`
	PriceInt      *big.Int        `json:"price_int"`
	USDInt        *big.Int        `json:"usd_int"`
	TokenInt      *big.Int        `json:"token_int"`
}

// ChainFee is the chain-submission view of the fee
type ChainFee struct {
	RateBps  uint32   `json:"rate_bps"`
	USDInt   *big.Int `json:"usd_int"`
	TokenInt *big.Int `json:"token_int"`
	Payable  bool     `json:"payable"`
}

// ChainView flattens the payload into the integers that go on chain
type ChainView struct {
	TotalUSDInt *big.Int    `json:"total_usd_int"`
	Items       []ChainItem `json:"items"`
	Fee         *ChainFee   `json:"fee,omitempty"`
}

// ChainView returns the integer-only summary used for submission and display
func (p *Payload) ChainView() ChainView {
	view := ChainView{
		TotalUSDInt: new(big.Int).Set(p.TotalUSDInt),
		Items:       make([]ChainItem, 0, len(p.Items)),
	}
	for _, it := range p.Items {
		ci := ChainItem{
			Symbol:        it.Symbol,
			TokenDecimals: it.Asset.TokenDecimals,
			PriceDecimals: USDDecimals,
			PriceInt:      new(big.Int).Set(it.PriceInt),
			USDInt:        new(big.Int).Set(it.USDAmountInt),
			TokenInt:      new(big.Int).Set(it.TokenAmountInt),
		}
		if it.Asset.HasContract() {
			addr := it.Asset.Address
			ci.Contract = &addr
		}
		view.Items = append(view.Items, ci)
	}
	if p.Fee != nil {
		view.Fee = &ChainFee{
			RateBps:  p.Fee.RateBps,
			USDInt:   new(big.Int).Set(p.Fee.USDAmountInt),
			TokenInt: new(big.Int).Set(p.Fee.TokenAmountInt),
			Payable:  p.Fee.Payable(),
		}
	}
	return view
}
