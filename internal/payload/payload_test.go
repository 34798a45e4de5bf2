package payload

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/matrixise/compose-pay/internal/allocation"
	"github.com/matrixise/compose-pay/internal/asset"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)

func testRegistry(t *testing.T) *asset.Registry {
	t.Helper()
	r, err := asset.NewRegistry([]asset.Descriptor{
		{Symbol: "BTC", Address: common.HexToAddress("0x7b7C000000000000000000000000000000000000"), Native: true, TokenDecimals: 18, PriceFeedDecimals: 8},
		{Symbol: "MUSD", Address: common.HexToAddress("0x118917a40FAF1CD7a13dB0Ef56C86De7973Ac503"), TokenDecimals: 18, PriceFeedDecimals: 8},
		{Symbol: "mUSDC", Address: common.HexToAddress("0x04671C72Aab5AC02A03c1098314b1BB6B560c197"), TokenDecimals: 6, PriceFeedDecimals: 8},
	})
	require.NoError(t, err)
	return r
}

func testPrices() *asset.PriceSnapshot {
	return &asset.PriceSnapshot{
		Decimals: 8,
		Prices: map[string]*big.Int{
			"BTC":   big.NewInt(6_000_000_000_000), // 60000
			"MUSD":  big.NewInt(100_000_000),
			"mUSDC": big.NewInt(99_990_000),
		},
	}
}

func completeState(t *testing.T, limits []float64, target float64) allocation.State {
	t.Helper()
	st := allocation.NewState(len(limits))
	var err error
	st, err = allocation.Update(st, 0, 10, limits, target)
	require.NoError(t, err)
	st, err = allocation.Update(st, 2, 100, limits, target)
	require.NoError(t, err)
	require.True(t, st.IsComplete)
	return st
}

func TestBuild(t *testing.T) {
	r := testRegistry(t)
	limits := []float64{6000, 500, 400}
	st := completeState(t, limits, 1000)

	p, err := NewBuilder(func() time.Time { return fixedNow }).Build(st, r, testPrices(), limits, 1000, 31611, nil)
	require.NoError(t, err)

	t.Run("zero allocations are excluded", func(t *testing.T) {
		require.Len(t, p.Items, 2)
		assert.Equal(t, "BTC", p.Items[0].Symbol)
		assert.Equal(t, "mUSDC", p.Items[1].Symbol)
	})

	t.Run("usd integers are rounded at 8 decimals", func(t *testing.T) {
		assert.Equal(t, big.NewInt(600_00000000), p.Items[0].USDAmountInt)
		assert.Equal(t, big.NewInt(400_00000000), p.Items[1].USDAmountInt)
		assert.Equal(t, big.NewInt(1000_00000000), p.TotalUSDInt)
	})

	t.Run("token integers follow the conversion formula", func(t *testing.T) {
		// 600 USD at 60000 USD/BTC = 0.01 BTC
		want, _ := new(big.Int).SetString("10000000000000000", 10)
		assert.Equal(t, want, p.Items[0].TokenAmountInt)
		assert.InDelta(t, 0.01, p.Items[0].TokenAmount, 1e-12)

		// floor(400e8 * 1e6 / 0.9999e8)
		assert.Equal(t, big.NewInt(400040004), p.Items[1].TokenAmountInt)
	})

	t.Run("metadata", func(t *testing.T) {
		assert.Equal(t, uint64(31611), p.ChainID)
		assert.Equal(t, fixedNow, p.CreatedAt)
		assert.Nil(t, p.Fee)
		assert.InDelta(t, 0.9999, p.Items[1].Price, 1e-12)
		assert.Equal(t, 10.0, p.Items[0].SliderPercent)
	})
}

func TestBuildValidation(t *testing.T) {
	r := testRegistry(t)
	limits := []float64{6000, 500, 400}
	b := NewBuilder(nil)

	t.Run("incomplete allocation", func(t *testing.T) {
		st, err := allocation.Update(allocation.NewState(3), 0, 5, limits, 1000)
		require.NoError(t, err)
		_, err = b.Build(st, r, testPrices(), limits, 1000, 1, nil)
		assert.ErrorIs(t, err, ErrAllocationIncomplete)
	})

	t.Run("limits length mismatch", func(t *testing.T) {
		st := completeState(t, limits, 1000)
		_, err := b.Build(st, r, testPrices(), limits[:2], 1000, 1, nil)
		assert.ErrorIs(t, err, ErrLengthMismatch)
	})

	t.Run("missing prices", func(t *testing.T) {
		st := completeState(t, limits, 1000)
		_, err := b.Build(st, r, nil, limits, 1000, 1, nil)
		assert.ErrorIs(t, err, ErrPricesUnavailable)
	})

	t.Run("limits shrunk since allocation", func(t *testing.T) {
		st := completeState(t, limits, 1000)
		_, err := b.Build(st, r, testPrices(), []float64{3000, 500, 400}, 1000, 1, nil)
		assert.ErrorIs(t, err, ErrAllocationIncomplete)
	})
}

func TestBuildDeterministic(t *testing.T) {
	r := testRegistry(t)
	limits := []float64{1234.5678, 500, 399.99}
	st := completeState(t, limits, 523.45)

	first, err := NewBuilder(nil).Build(st, r, testPrices(), limits, 523.45, 1, &FeeConfig{Enabled: true, RateBps: 5, TokenSymbol: "BTC"})
	require.NoError(t, err)
	second, err := NewBuilder(nil).Build(st, r, testPrices(), limits, 523.45, 1, &FeeConfig{Enabled: true, RateBps: 5, TokenSymbol: "BTC"})
	require.NoError(t, err)

	assert.Equal(t, first.ChainView(), second.ChainView())
}

func TestBuildFee(t *testing.T) {
	r := testRegistry(t)
	limits := []float64{6000, 500, 400}
	st := completeState(t, limits, 1000)

	t.Run("fee in a priced token", func(t *testing.T) {
		p, err := NewBuilder(nil).Build(st, r, testPrices(), limits, 1000, 1, &FeeConfig{Enabled: true, RateBps: 5, TokenSymbol: "BTC"})
		require.NoError(t, err)
		require.NotNil(t, p.Fee)

		// 0.05% of 1000 USD = 0.5 USD
		assert.Equal(t, big.NewInt(50_000_000), p.Fee.USDAmountInt)
		assert.InDelta(t, 0.5, p.Fee.USDAmount, 1e-12)
		// 0.5 / 60000 BTC
		want, _ := new(big.Int).SetString("8333333333333", 10)
		assert.Equal(t, want, p.Fee.TokenAmountInt)
		assert.True(t, p.Fee.Payable())
	})

	t.Run("fee token without price is not payable", func(t *testing.T) {
		p, err := NewBuilder(nil).Build(st, r, testPrices(), limits, 1000, 1, &FeeConfig{Enabled: true, RateBps: 5, TokenSymbol: "ETH"})
		require.NoError(t, err)
		require.NotNil(t, p.Fee)
		assert.Equal(t, big.NewInt(50_000_000), p.Fee.USDAmountInt)
		assert.Equal(t, 0, p.Fee.TokenAmountInt.Sign())
		assert.False(t, p.Fee.Payable())
	})

	t.Run("disabled fee is omitted", func(t *testing.T) {
		p, err := NewBuilder(nil).Build(st, r, testPrices(), limits, 1000, 1, &FeeConfig{Enabled: false, RateBps: 5})
		require.NoError(t, err)
		assert.Nil(t, p.Fee)
	})
}

func TestTokenAmount(t *testing.T) {
	t.Run("zero price yields zero", func(t *testing.T) {
		assert.Equal(t, 0, TokenAmount(big.NewInt(100), big.NewInt(0), 18).Sign())
		assert.Equal(t, 0, TokenAmount(big.NewInt(100), nil, 18).Sign())
	})

	t.Run("round trip never exceeds the original by more than one unit", func(t *testing.T) {
		prices := []int64{1, 99_990_000, 100_000_000, 6_000_000_000_000, 314_159_265}
		decimals := []uint8{0, 6, 8, 18}
		usds := []int64{1, 99, 12_345_678_901, 1000_00000000, 7}

		for _, price := range prices {
			for _, dec := range decimals {
				for _, usd := range usds {
					tokens := TokenAmount(big.NewInt(usd), big.NewInt(price), dec)
					scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(dec)), nil)
					back := new(big.Int).Mul(tokens, big.NewInt(price))
					back.Quo(back, scale)

					limit := new(big.Int).Add(big.NewInt(usd), big.NewInt(1))
					assert.LessOrEqual(t, back.Cmp(limit), 0, "price=%d dec=%d usd=%d", price, dec, usd)
				}
			}
		}
	})
}

func TestToFixedRounds(t *testing.T) {
	assert.Equal(t, big.NewInt(1), ToFixed(0.000000005, 8))
	assert.Equal(t, big.NewInt(0), ToFixed(0.000000004, 8))
	assert.Equal(t, big.NewInt(33333333333), ToFixed(333.33333333333, 8))
}

func TestChainView(t *testing.T) {
	r := testRegistry(t)
	limits := []float64{6000, 500, 400}
	st := completeState(t, limits, 1000)

	p, err := NewBuilder(nil).Build(st, r, testPrices(), limits, 1000, 1, &FeeConfig{Enabled: true, RateBps: 10, TokenSymbol: "ETH"})
	require.NoError(t, err)

	view := p.ChainView()
	require.Len(t, view.Items, 2)
	require.NotNil(t, view.Items[0].Contract)
	assert.Equal(t, common.HexToAddress("0x7b7C000000000000000000000000000000000000"), *view.Items[0].Contract)
	assert.Equal(t, uint8(6), view.Items[1].TokenDecimals)
	require.NotNil(t, view.Fee)
	assert.False(t, view.Fee.Payable)

	// the view holds copies
	view.TotalUSDInt.SetInt64(0)
	assert.Equal(t, big.NewInt(1000_00000000), p.TotalUSDInt)
}
