package blockchain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/matrixise/compose-pay/internal/asset"
)

const aggregatorABI = `[
	{"inputs":[],"name":"latestRoundData","outputs":[{"name":"roundId","type":"uint80"},{"name":"answer","type":"int256"},{"name":"startedAt","type":"uint256"},{"name":"updatedAt","type":"uint256"},{"name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"},
	{"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"stateMutability":"view","type":"function"}
]`

const pythABI = `[
	{"inputs":[{"name":"id","type":"bytes32"},{"name":"age","type":"uint256"}],"name":"getPriceNoOlderThan","outputs":[{"components":[{"name":"price","type":"int64"},{"name":"conf","type":"uint64"},{"name":"expo","type":"int32"},{"name":"publishTime","type":"uint256"}],"name":"price","type":"tuple"}],"stateMutability":"view","type":"function"}
]`

// DefaultPythMaxAge is the oldest Pyth price accepted
const DefaultPythMaxAge = time.Hour

// PriceSource is the kind of feed a price comes from
type PriceSource string

const (
	SourceChainlink PriceSource = "chainlink"
	SourcePyth      PriceSource = "pyth"
	SourceFixed     PriceSource = "fixed"
)

var ErrInvalidPrice = errors.New("oracle returned a non-positive price")

// PriceFeed binds one asset symbol to its oracle
type PriceFeed struct {
	Symbol     string
	Source     PriceSource
	Aggregator common.Address // chainlink-compatible aggregator
	FeedID     common.Hash    // pyth price id

	// Fallback is an 8-decimal USD price used when the feed fails, or nil
	Fallback *big.Int
}

// PythPrice is the getPriceNoOlderThan result
type PythPrice struct {
	Price       int64
	Conf        uint64
	Expo        int32
	PublishTime *big.Int
}

// USD converts price * 10^expo into an integer at decimals precision
func (p PythPrice) USD(decimals uint8) *big.Int {
	v := big.NewInt(p.Price)
	shift := int64(decimals) + int64(p.Expo)
	switch {
	case shift > 0:
		return v.Mul(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(shift), nil))
	case shift < 0:
		return v.Quo(v, new(big.Int).Exp(big.NewInt(10), big.NewInt(-shift), nil))
	default:
		return v
	}
}

// LatestAnswer reads latestRoundData and decimals from a chainlink-compatible aggregator
func (c *Client) LatestAnswer(ctx context.Context, aggregator common.Address) (*big.Int, uint8, error) {
	out, err := c.call(ctx, c.aggregatorABI, aggregator, "latestRoundData")
	if err != nil {
		return nil, 0, err
	}
	if len(out) < 2 {
		return nil, 0, fmt.Errorf("latestRoundData: %d outputs", len(out))
	}
	answer, ok := out[1].(*big.Int)
	if !ok {
		return nil, 0, fmt.Errorf("latestRoundData: unexpected answer type %T", out[1])
	}

	decOut, err := c.call(ctx, c.aggregatorABI, aggregator, "decimals")
	if err != nil {
		return nil, 0, err
	}
	decimals, ok := decOut[0].(uint8)
	if !ok {
		return nil, 0, fmt.Errorf("decimals: unexpected type %T", decOut[0])
	}
	return answer, decimals, nil
}

// PythPriceNoOlderThan reads a Pyth price no older than maxAge
func (c *Client) PythPriceNoOlderThan(ctx context.Context, pyth common.Address, id common.Hash, maxAge time.Duration) (PythPrice, error) {
	out, err := c.call(ctx, c.pythABI, pyth, "getPriceNoOlderThan", [32]byte(id), big.NewInt(int64(maxAge/time.Second)))
	if err != nil {
		return PythPrice{}, err
	}
	price, ok := abi.ConvertType(out[0], new(PythPrice)).(*PythPrice)
	if !ok {
		return PythPrice{}, fmt.Errorf("getPriceNoOlderThan: unexpected type %T", out[0])
	}
	return *price, nil
}

// PriceReader is the price port backed by on-chain oracles
type PriceReader struct {
	client *Client
	pyth   common.Address
	maxAge time.Duration
	feeds  []PriceFeed
	logger *slog.Logger
}

// NewPriceReader creates a price port for feeds; pyth is the Pyth contract
func NewPriceReader(client *Client, pyth common.Address, maxAge time.Duration, feeds []PriceFeed, logger *slog.Logger) *PriceReader {
	if maxAge <= 0 {
		maxAge = DefaultPythMaxAge
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PriceReader{client: client, pyth: pyth, maxAge: maxAge, feeds: feeds, logger: logger}
}

// GetPrices reads every feed and returns one snapshot at 8 decimals. A feed
// failure without a fallback discards the whole snapshot.
func (r *PriceReader) GetPrices(ctx context.Context) (*asset.PriceSnapshot, error) {
	snap := &asset.PriceSnapshot{
		Decimals:  asset.USDPriceDecimals,
		Prices:    make(map[string]*big.Int, len(r.feeds)),
		FetchedAt: time.Now().UTC(),
	}

	for _, feed := range r.feeds {
		price, err := r.read(ctx, feed)
		if err == nil && price.Sign() <= 0 {
			err = ErrInvalidPrice
		}
		if err != nil {
			if feed.Fallback == nil || ctx.Err() != nil {
				return nil, fmt.Errorf("price of %s: %w", feed.Symbol, err)
			}
			r.logger.Warn("Price feed failed, using fallback", "symbol", feed.Symbol, "source", feed.Source, "fallback", feed.Fallback, "error", err)
			price = new(big.Int).Set(feed.Fallback)
		}
		snap.Prices[feed.Symbol] = price
	}
	return snap, nil
}

func (r *PriceReader) read(ctx context.Context, feed PriceFeed) (*big.Int, error) {
	switch feed.Source {
	case SourceChainlink:
		answer, decimals, err := r.client.LatestAnswer(ctx, feed.Aggregator)
		if err != nil {
			return nil, err
		}
		return asset.NormalizePrice(answer, decimals, asset.USDPriceDecimals), nil
	case SourcePyth:
		p, err := r.client.PythPriceNoOlderThan(ctx, r.pyth, feed.FeedID, r.maxAge)
		if err != nil {
			return nil, err
		}
		return p.USD(asset.USDPriceDecimals), nil
	case SourceFixed:
		if feed.Fallback == nil {
			return nil, fmt.Errorf("fixed price for %s is not configured", feed.Symbol)
		}
		return new(big.Int).Set(feed.Fallback), nil
	default:
		return nil, fmt.Errorf("unknown price source %q", feed.Source)
	}
}
