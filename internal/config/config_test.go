package config

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/matrixise/compose-pay/internal/asset"
	"github.com/matrixise/compose-pay/internal/blockchain"
	"github.com/matrixise/compose-pay/internal/swap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	btcAddr   = "0x7b7C000000000000000000000000000000000000"
	musdAddr  = "0x118917a40FAF1CD7a13dB0Ef56C86De7973Ac503"
	musdcAddr = "0x04671C72Aab5AC02A03c1098314b1BB6B560c197"
	pythID    = "0xeaa020c61cc479712813461ce153894a96a6c00b21ed0cfc2798d1f9a9e9c94a"
)

// validConfig returns a config that passes Validate
func validConfig() *Config {
	return &Config{
		ChainID:         31611,
		RPCUrls:         []string{"https://rpc.test.mezo.org"},
		Account:         "0x1234567890123456789012345678901234567890",
		TargetUSD:       100,
		RefreshInterval: "1m",
		Timezone:        "UTC",
		SlippageBps:     100,
		Contracts: ContractsConfig{
			Compose:  "0x00000000000000000000000000000000000000c0",
			Router:   "0x00000000000000000000000000000000000000d0",
			HubToken: "MUSD",
		},
		Oracles: OraclesConfig{
			Skip: "0x7b7c000000000000000000000000000000000015",
			Pyth: "0x2880aB155794e7179c9eE2e38200202908C17B43",
		},
		Assets: []AssetConfig{
			{Symbol: "BTC", Address: btcAddr, Native: true, TokenDecimals: 18, PriceFeedDecimals: 18, Category: "native", PriceSource: "chainlink"},
			{Symbol: "MUSD", Address: musdAddr, TokenDecimals: 18, Category: "stablecoin", PriceSource: "fixed", FallbackPrice: "1", Stable: true},
			{Symbol: "mUSDC", Address: musdcAddr, TokenDecimals: 6, Category: "stablecoin", PriceSource: "pyth", PriceFeed: pythID, FallbackPrice: "1.00", Stable: true},
		},
		Pools: []PoolConfig{
			{TokenA: "BTC", TokenB: "MUSD"},
			{TokenA: "mUSDC", TokenB: "MUSD", Stable: true},
		},
		Swap: SwapConfig{Mode: "allocate"},
	}
}

func TestConfigNormalize(t *testing.T) {
	tests := []struct {
		name      string
		cfg       *Config
		wantError bool
		check     func(*Config)
	}{
		{
			name: "single rpc_url converts to rpc_urls",
			cfg: &Config{
				RPCUrl:  "https://rpc1.example.com",
				RPCUrls: nil,
			},
			wantError: false,
			check: func(c *Config) {
				assert.Empty(t, c.RPCUrl)
				assert.Equal(t, []string{"https://rpc1.example.com"}, c.RPCUrls)
			},
		},
		{
			name: "rpc_urls takes precedence over rpc_url",
			cfg: &Config{
				RPCUrl:  "https://rpc1.example.com",
				RPCUrls: []string{"https://rpc2.example.com", "https://rpc3.example.com"},
			},
			wantError: false,
			check: func(c *Config) {
				assert.Empty(t, c.RPCUrl)
				assert.Equal(t, []string{"https://rpc2.example.com", "https://rpc3.example.com"}, c.RPCUrls)
			},
		},
		{
			name: "blank entries are dropped",
			cfg: &Config{
				RPCUrls: []string{" https://rpc1.example.com ", "", "  "},
			},
			wantError: false,
			check: func(c *Config) {
				assert.Equal(t, []string{"https://rpc1.example.com"}, c.RPCUrls)
			},
		},
		{
			name: "both empty rpc_url and rpc_urls returns error",
			cfg: &Config{
				RPCUrl:  "",
				RPCUrls: nil,
			},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Normalize()
			if tt.wantError {
				assert.Error(t, err)
			} else {
				require.NoError(t, err)
				if tt.check != nil {
					tt.check(tt.cfg)
				}
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid config", mutate: func(c *Config) {}},
		{name: "missing chain id", mutate: func(c *Config) { c.ChainID = 0 }, wantErr: "ChainID"},
		{name: "missing compose contract", mutate: func(c *Config) { c.Contracts.Compose = "" }, wantErr: "Compose"},
		{name: "no assets", mutate: func(c *Config) { c.Assets = nil }, wantErr: "Assets"},
		{name: "duplicate symbol", mutate: func(c *Config) { c.Assets[1].Symbol = "btc" }, wantErr: "duplicate asset symbol"},
		{name: "bad price source", mutate: func(c *Config) { c.Assets[0].PriceSource = "coingecko" }, wantErr: "PriceSource"},
		{name: "fixed price without fallback", mutate: func(c *Config) { c.Assets[1].FallbackPrice = "" }, wantErr: "fixed source needs a fallback_price"},
		{name: "pyth without contract", mutate: func(c *Config) { c.Oracles.Pyth = "" }, wantErr: "needs oracles.pyth"},
		{name: "pyth id too short", mutate: func(c *Config) { c.Assets[2].PriceFeed = "0x1234" }, wantErr: "32-byte price id"},
		{
			name: "chainlink without aggregator",
			mutate: func(c *Config) {
				c.Oracles.Skip = ""
			},
			wantErr: "needs a price_feed address",
		},
		{name: "pool with unknown token", mutate: func(c *Config) { c.Pools[0].TokenB = "DOGE" }, wantErr: "unknown asset symbol"},
		{name: "pool between identical tokens", mutate: func(c *Config) { c.Pools[0].TokenB = "BTC" }, wantErr: "TokenB"},
		{name: "slippage out of range", mutate: func(c *Config) { c.SlippageBps = 10_000 }, wantErr: "SlippageBps"},
		{name: "bad fee token", mutate: func(c *Config) { c.Fee = FeeConfig{Enabled: true, RateBps: 50, Token: "DOGE"} }, wantErr: "fee token"},
		{name: "fee enabled without token", mutate: func(c *Config) { c.Fee = FeeConfig{Enabled: true, RateBps: 50} }, wantErr: "Token"},
		{name: "unknown swap mode", mutate: func(c *Config) { c.Swap.Mode = "bridge" }, wantErr: "Mode"},
		{
			name: "swap mode without payment token",
			mutate: func(c *Config) {
				c.Swap.Mode = "swap"
			},
			wantErr: "payment token",
		},
		{
			name: "swap mode without router",
			mutate: func(c *Config) {
				c.Swap = SwapConfig{Mode: "router_swap", PaymentToken: "MUSD"}
				c.Contracts.Router = ""
			},
			wantErr: "needs contracts.router",
		},
		{
			name: "swap mode",
			mutate: func(c *Config) {
				c.Swap = SwapConfig{Mode: "swap", PaymentToken: "MUSD", Target: "0x00000000000000000000000000000000000000e0", TargetCallData: "0xdeadbeef"}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestConfigGetTimezone(t *testing.T) {
	tests := []struct {
		name     string
		cfg      *Config
		wantName string
	}{
		{
			name:     "UTC timezone",
			cfg:      &Config{Timezone: "UTC"},
			wantName: "UTC",
		},
		{
			name:     "named timezone",
			cfg:      &Config{Timezone: "Europe/Brussels"},
			wantName: "Europe/Brussels",
		},
		{
			name:     "empty timezone defaults to UTC",
			cfg:      &Config{Timezone: ""},
			wantName: "UTC",
		},
		{
			name:     "invalid timezone falls back to UTC",
			cfg:      &Config{Timezone: "Mars/Olympus"},
			wantName: "UTC",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tz := tt.cfg.GetTimezone()
			assert.Equal(t, tt.wantName, tz.String())
		})
	}
}

func TestConfigRegistry(t *testing.T) {
	cfg := validConfig()
	cfg.Assets = append(cfg.Assets, AssetConfig{Symbol: "ETH", Native: true, TokenDecimals: 18, PriceSource: "fixed", FallbackPrice: "3000"})

	reg, err := cfg.Registry()
	require.NoError(t, err)
	require.Equal(t, 4, reg.Len())

	assert.Equal(t, "BTC", reg.At(0).Symbol)
	assert.Equal(t, asset.CategoryNative, reg.At(0).Category)
	assert.True(t, reg.At(0).Native)
	assert.Equal(t, uint8(6), reg.At(2).TokenDecimals)
	assert.True(t, reg.At(1).Stable)

	eth, err := reg.Lookup("eth")
	require.NoError(t, err)
	assert.Equal(t, asset.NativeSentinel, eth.Address)
	assert.False(t, eth.HasContract())

	d, ok := reg.ByAddress(common.HexToAddress(musdAddr))
	require.True(t, ok)
	assert.Equal(t, "MUSD", d.Symbol)
}

func TestConfigPriceFeeds(t *testing.T) {
	cfg := validConfig()
	cfg.Assets[0].PriceFeed = "0x00000000000000000000000000000000000000f1"

	feeds, err := cfg.PriceFeeds()
	require.NoError(t, err)
	require.Len(t, feeds, 3)

	assert.Equal(t, blockchain.SourceChainlink, feeds[0].Source)
	assert.Equal(t, common.HexToAddress("0xf1"), feeds[0].Aggregator)
	assert.Nil(t, feeds[0].Fallback)

	assert.Equal(t, blockchain.SourceFixed, feeds[1].Source)
	assert.Equal(t, big.NewInt(100_000_000), feeds[1].Fallback)

	assert.Equal(t, blockchain.SourcePyth, feeds[2].Source)
	assert.Equal(t, common.HexToHash(pythID), feeds[2].FeedID)
	assert.Equal(t, big.NewInt(100_000_000), feeds[2].Fallback)

	t.Run("chainlink defaults to the skip oracle", func(t *testing.T) {
		feeds, err := validConfig().PriceFeeds()
		require.NoError(t, err)
		assert.Equal(t, common.HexToAddress("0x7b7c000000000000000000000000000000000015"), feeds[0].Aggregator)
	})

	t.Run("fractional fallback price", func(t *testing.T) {
		cfg := validConfig()
		cfg.Assets[1].FallbackPrice = "0.99951234567"
		feeds, err := cfg.PriceFeeds()
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(99_951_234), feeds[1].Fallback)
	})

	t.Run("non-positive fallback price", func(t *testing.T) {
		cfg := validConfig()
		cfg.Assets[1].FallbackPrice = "0"
		_, err := cfg.PriceFeeds()
		assert.ErrorContains(t, err, "must be positive")
	})
}

func TestConfigRouter(t *testing.T) {
	cfg := validConfig()
	reg, err := cfg.Registry()
	require.NoError(t, err)

	r, err := cfg.Router(reg)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress(musdAddr), r.Hub())

	route, err := r.Route(common.HexToAddress(musdcAddr), common.HexToAddress(musdAddr))
	require.NoError(t, err)
	require.Len(t, route, 1)
	assert.Equal(t, swap.PoolStable, route[0].Kind)

	route, err = r.Route(common.HexToAddress(btcAddr), common.HexToAddress(musdAddr))
	require.NoError(t, err)
	require.Len(t, route, 1)
	assert.Equal(t, swap.PoolVolatile, route[0].Kind)

	t.Run("unknown hub", func(t *testing.T) {
		cfg := validConfig()
		cfg.Contracts.HubToken = "DOGE"
		_, err := cfg.Router(reg)
		assert.ErrorIs(t, err, asset.ErrUnknownSymbol)
	})
}

func TestConfigDerivedSettings(t *testing.T) {
	cfg := validConfig()
	cfg.Execution = ExecutionConfig{PollInterval: "500ms", PollTimeout: "", ReceiptPollInterval: "bogus", AtomicRequired: true}
	cfg.Oracles.PythMaxAge = "10m"

	ec := cfg.ControllerConfig()
	assert.Equal(t, uint64(31611), ec.ChainID)
	assert.Equal(t, common.HexToAddress("0x1234567890123456789012345678901234567890"), ec.Account)
	assert.Equal(t, 500*time.Millisecond, ec.PollInterval)
	assert.Equal(t, 60*time.Second, ec.PollTimeout)
	assert.True(t, ec.AtomicRequired)

	assert.Equal(t, 2*time.Second, cfg.ReceiptPollInterval())
	assert.Equal(t, 10*time.Minute, cfg.PythMaxAge())

	assert.Nil(t, cfg.FeeSettings())
	cfg.Fee = FeeConfig{Enabled: true, RateBps: 50, Token: "MUSD"}
	fee := cfg.FeeSettings()
	require.NotNil(t, fee)
	assert.Equal(t, uint32(50), fee.RateBps)
	assert.Equal(t, "MUSD", fee.TokenSymbol)

	assert.Equal(t, common.Address{}, (&Config{}).AccountAddress())
}
