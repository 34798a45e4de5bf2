package config

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/matrixise/compose-pay/internal/asset"
	"github.com/matrixise/compose-pay/internal/blockchain"
	"github.com/matrixise/compose-pay/internal/execution"
	"github.com/matrixise/compose-pay/internal/feed"
	"github.com/matrixise/compose-pay/internal/payload"
	"github.com/matrixise/compose-pay/internal/swap"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// Config represents the application configuration
type Config struct {
	ChainID         uint64          `mapstructure:"chain_id" validate:"required"`
	RPCUrl          string          `mapstructure:"rpc_url" validate:"omitempty,url"` // Deprecated: use RPCUrls
	RPCUrls         []string        `mapstructure:"rpc_urls" validate:"required,min=1,dive,url"`
	WalletRPCUrl    string          `mapstructure:"wallet_rpc_url" validate:"omitempty,url"`
	Account         string          `mapstructure:"account" validate:"omitempty,eth_addr"`
	TargetUSD       float64         `mapstructure:"target_usd" validate:"gte=0"`
	RefreshInterval string          `mapstructure:"refresh_interval" validate:"omitempty,schedule"`
	Timezone        string          `mapstructure:"timezone" validate:"omitempty,timezone"`
	LogLevel        string          `mapstructure:"log_level" validate:"omitempty,oneof=debug info warn error DEBUG INFO WARN ERROR"`
	HTTPPort        int             `mapstructure:"http_port" validate:"omitempty,min=1024,max=65535"`
	SlippageBps     uint32          `mapstructure:"slippage_bps" validate:"lt=10000"`
	Contracts       ContractsConfig `mapstructure:"contracts"`
	Oracles         OraclesConfig   `mapstructure:"oracles"`
	Assets          []AssetConfig   `mapstructure:"assets" validate:"required,min=1,dive"`
	Pools           []PoolConfig    `mapstructure:"pools" validate:"dive"`
	Fee             FeeConfig       `mapstructure:"fee"`
	Execution       ExecutionConfig `mapstructure:"execution"`
	Swap            SwapConfig      `mapstructure:"swap"`
}

// ContractsConfig holds the on-chain contracts the calls are addressed to
type ContractsConfig struct {
	Compose  string `mapstructure:"compose" validate:"required,eth_addr"`
	Router   string `mapstructure:"router" validate:"omitempty,eth_addr"`
	HubToken string `mapstructure:"hub_token"` // asset symbol used as the routing hub
}

// OraclesConfig holds the shared oracle contracts
type OraclesConfig struct {
	Skip       string `mapstructure:"skip" validate:"omitempty,eth_addr"` // default chainlink-compatible aggregator
	Pyth       string `mapstructure:"pyth" validate:"omitempty,eth_addr"`
	PythMaxAge string `mapstructure:"pyth_max_age" validate:"omitempty,duration"`
}

// AssetConfig represents a single payable asset
type AssetConfig struct {
	Symbol            string `mapstructure:"symbol" validate:"required,min=1,max=20"`
	Name              string `mapstructure:"name" validate:"max=100"`
	Address           string `mapstructure:"address" validate:"omitempty,eth_addr"`
	Native            bool   `mapstructure:"native"`
	TokenDecimals     uint8  `mapstructure:"token_decimals" validate:"max=36"`
	PriceFeedDecimals uint8  `mapstructure:"price_feed_decimals" validate:"max=36"`
	Category          string `mapstructure:"category" validate:"omitempty,oneof=native wrapped stablecoin utility"`
	PriceSource       string `mapstructure:"price_source" validate:"required,oneof=chainlink pyth fixed"`
	PriceFeed         string `mapstructure:"price_feed"`
	FallbackPrice     string `mapstructure:"fallback_price" validate:"omitempty,numeric"`
	Stable            bool   `mapstructure:"stable"`
}

// PoolConfig is a direct liquidity pool between two configured assets
type PoolConfig struct {
	TokenA string `mapstructure:"token_a" validate:"required"`
	TokenB string `mapstructure:"token_b" validate:"required,nefield=TokenA"`
	Stable bool   `mapstructure:"stable"`
}

// FeeConfig configures the platform fee
type FeeConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	RateBps uint32 `mapstructure:"rate_bps" validate:"lte=10000"`
	Token   string `mapstructure:"token" validate:"required_if=Enabled true"`
}

// ExecutionConfig configures the execution controller and the wallet adapter
type ExecutionConfig struct {
	PollInterval        string `mapstructure:"poll_interval" validate:"omitempty,duration"`
	PollTimeout         string `mapstructure:"poll_timeout" validate:"omitempty,duration"`
	ReceiptPollInterval string `mapstructure:"receipt_poll_interval" validate:"omitempty,duration"`
	AtomicRequired      bool   `mapstructure:"atomic_required"`
}

// SwapConfig configures the swap settlement modes
type SwapConfig struct {
	Mode           string `mapstructure:"mode" validate:"omitempty,oneof=allocate swap router_swap"`
	PaymentToken   string `mapstructure:"payment_token"`
	Target         string `mapstructure:"target" validate:"omitempty,eth_addr"`
	TargetCallData string `mapstructure:"target_calldata" validate:"omitempty,hexadecimal"`
}

// Normalize converts a single rpc_url to the rpc_urls list
func (c *Config) Normalize() error {
	c.RPCUrls = lo.Compact(lo.Map(c.RPCUrls, func(u string, _ int) string { return strings.TrimSpace(u) }))
	if len(c.RPCUrls) == 0 && c.RPCUrl != "" {
		c.RPCUrls = []string{c.RPCUrl}
	}
	c.RPCUrl = ""

	if len(c.RPCUrls) == 0 {
		return errors.New("at least one RPC URL must be configured (rpc_url or rpc_urls)")
	}
	return nil
}

// Validate runs the struct validation and resolves every cross reference
func (c *Config) Validate() error {
	if err := NewValidator().Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	registry, err := c.Registry()
	if err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if _, err := c.PriceFeeds(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if len(c.Pools) > 0 || c.SwapEnabled() {
		if _, err := c.Router(registry); err != nil {
			return fmt.Errorf("config validation failed: %w", err)
		}
	}
	if c.SwapEnabled() {
		pay, err := registry.Lookup(c.Swap.PaymentToken)
		if err != nil {
			return fmt.Errorf("config validation failed: payment token: %w", err)
		}
		if !pay.HasContract() {
			return fmt.Errorf("config validation failed: payment token %s has no contract", pay.Symbol)
		}
		if c.Contracts.Router == "" {
			return fmt.Errorf("config validation failed: %s mode needs contracts.router", c.Swap.Mode)
		}
	}
	if c.Fee.Enabled {
		if _, err := registry.Lookup(c.Fee.Token); err != nil {
			return fmt.Errorf("config validation failed: fee token: %w", err)
		}
	}
	return nil
}

// SwapEnabled reports whether a swap settlement mode is configured
func (c *Config) SwapEnabled() bool {
	return c.Swap.Mode == "swap" || c.Swap.Mode == "router_swap"
}

// GetTimezone returns the configured timezone, UTC when unset or invalid
func (c *Config) GetTimezone() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// AccountAddress returns the paying account, or the zero address when unset
func (c *Config) AccountAddress() common.Address {
	if c.Account == "" {
		return common.Address{}
	}
	return common.HexToAddress(c.Account)
}

func (a AssetConfig) address() common.Address {
	if a.Address == "" && a.Native {
		return asset.NativeSentinel
	}
	return common.HexToAddress(a.Address)
}

// Registry builds the asset registry in configuration order
func (c *Config) Registry() (*asset.Registry, error) {
	descriptors := lo.Map(c.Assets, func(a AssetConfig, _ int) asset.Descriptor {
		return asset.Descriptor{
			Symbol:            a.Symbol,
			Name:              a.Name,
			Address:           a.address(),
			Native:            a.Native,
			TokenDecimals:     a.TokenDecimals,
			PriceFeedDecimals: a.PriceFeedDecimals,
			Category:          asset.Category(a.Category),
			Stable:            a.Stable,
		}
	})
	return asset.NewRegistry(descriptors)
}

// PriceFeeds binds every asset to its oracle. Fallback prices are USD decimals
// truncated to 8 decimals.
func (c *Config) PriceFeeds() ([]blockchain.PriceFeed, error) {
	feeds := make([]blockchain.PriceFeed, 0, len(c.Assets))
	for _, a := range c.Assets {
		f := blockchain.PriceFeed{Symbol: a.Symbol, Source: blockchain.PriceSource(a.PriceSource)}

		if a.FallbackPrice != "" {
			price, err := parseUSD(a.FallbackPrice)
			if err != nil {
				return nil, fmt.Errorf("asset %s fallback_price: %w", a.Symbol, err)
			}
			f.Fallback = price
		}

		switch f.Source {
		case blockchain.SourceChainlink:
			aggregator := a.PriceFeed
			if aggregator == "" {
				aggregator = c.Oracles.Skip
			}
			if !common.IsHexAddress(aggregator) {
				return nil, fmt.Errorf("asset %s: chainlink source needs a price_feed address or oracles.skip", a.Symbol)
			}
			f.Aggregator = common.HexToAddress(aggregator)
		case blockchain.SourcePyth:
			if c.Oracles.Pyth == "" {
				return nil, fmt.Errorf("asset %s: pyth source needs oracles.pyth", a.Symbol)
			}
			id := common.FromHex(a.PriceFeed)
			if len(id) != common.HashLength {
				return nil, fmt.Errorf("asset %s: pyth price_feed must be a 32-byte price id", a.Symbol)
			}
			f.FeedID = common.BytesToHash(id)
		case blockchain.SourceFixed:
			if f.Fallback == nil {
				return nil, fmt.Errorf("asset %s: fixed source needs a fallback_price", a.Symbol)
			}
		default:
			return nil, fmt.Errorf("asset %s: unknown price source %q", a.Symbol, a.PriceSource)
		}
		feeds = append(feeds, f)
	}
	return feeds, nil
}

func parseUSD(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	if !d.IsPositive() {
		return nil, fmt.Errorf("price must be positive, got %s", s)
	}
	return d.Shift(payload.USDDecimals).BigInt(), nil
}

// Router builds the swap router from the hub token, the stable assets and the pools
func (c *Config) Router(registry *asset.Registry) (*swap.Router, error) {
	hub, err := registry.Lookup(c.Contracts.HubToken)
	if err != nil {
		return nil, fmt.Errorf("hub token: %w", err)
	}

	stables := lo.FilterMap(registry.Assets(), func(d asset.Descriptor, _ int) (common.Address, bool) {
		return d.Address, d.Stable && d.HasContract()
	})

	pools := make([]swap.Pool, 0, len(c.Pools))
	for _, p := range c.Pools {
		a, err := registry.Lookup(p.TokenA)
		if err != nil {
			return nil, fmt.Errorf("pool token_a: %w", err)
		}
		b, err := registry.Lookup(p.TokenB)
		if err != nil {
			return nil, fmt.Errorf("pool token_b: %w", err)
		}
		kind := swap.PoolVolatile
		if p.Stable {
			kind = swap.PoolStable
		}
		pools = append(pools, swap.Pool{TokenA: a.Address, TokenB: b.Address, Kind: kind})
	}
	return swap.NewRouter(hub.Address, stables, pools), nil
}

// FeeSettings returns the payload fee configuration, or nil when disabled
func (c *Config) FeeSettings() *payload.FeeConfig {
	if !c.Fee.Enabled {
		return nil
	}
	return &payload.FeeConfig{Enabled: true, RateBps: c.Fee.RateBps, TokenSymbol: c.Fee.Token}
}

// ControllerConfig returns the execution controller configuration
func (c *Config) ControllerConfig() execution.Config {
	return execution.Config{
		ChainID:        c.ChainID,
		Account:        c.AccountAddress(),
		PollInterval:   parseDurationOr(c.Execution.PollInterval, execution.DefaultPollInterval),
		PollTimeout:    parseDurationOr(c.Execution.PollTimeout, execution.DefaultPollTimeout),
		AtomicRequired: c.Execution.AtomicRequired,
	}
}

// ReceiptPollInterval returns how often the wallet adapter polls for receipts
func (c *Config) ReceiptPollInterval() time.Duration {
	return parseDurationOr(c.Execution.ReceiptPollInterval, blockchain.DefaultReceiptPollInterval)
}

// PythMaxAge returns the maximum accepted age of a Pyth price
func (c *Config) PythMaxAge() time.Duration {
	return parseDurationOr(c.Oracles.PythMaxAge, blockchain.DefaultPythMaxAge)
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// ethAddressValidator validates Ethereum addresses
func ethAddressValidator(fl validator.FieldLevel) bool {
	return common.IsHexAddress(fl.Field().String())
}

// durationValidator validates duration strings
func durationValidator(fl validator.FieldLevel) bool {
	if fl.Field().String() == "" {
		return true
	}
	_, err := time.ParseDuration(fl.Field().String())
	return err == nil
}

// scheduleValidator accepts whole-minute durations and cron expressions
func scheduleValidator(fl validator.FieldLevel) bool {
	if fl.Field().String() == "" {
		return true
	}
	return feed.ValidateInterval(fl.Field().String()) == nil
}

// NewValidator creates a validator with custom validation rules
func NewValidator() *validator.Validate {
	validate := validator.New()
	validate.RegisterValidation("eth_addr", ethAddressValidator)
	validate.RegisterValidation("duration", durationValidator)
	validate.RegisterValidation("schedule", scheduleValidator)
	return validate
}
