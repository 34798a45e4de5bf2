package asset

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Category tags an asset for display and routing purposes
type Category string

const (
	CategoryNative     Category = "native"
	CategoryWrapped    Category = "wrapped"
	CategoryStablecoin Category = "stablecoin"
	CategoryUtility    Category = "utility"
)

// NativeSentinel is the conventional address standing in for the chain's native currency
var NativeSentinel = common.HexToAddress("0xEeeeeEeeeEeEeeEeEeEeeEEEeeeeEeeeeeeeEEeE")

var (
	ErrDuplicateSymbol = errors.New("duplicate asset symbol")
	ErrUnknownSymbol   = errors.New("unknown asset symbol")
)

// Descriptor is the immutable configuration of one payable asset
type Descriptor struct {
	Symbol            string
	Name              string
	Address           common.Address
	Native            bool // balance is read as the chain's native balance
	TokenDecimals     uint8
	PriceFeedDecimals uint8
	Category          Category
	Stable            bool
}

// HasContract reports whether the asset has an ERC-20 contract that can be approved and pulled
func (d Descriptor) HasContract() bool {
	return d.Address != (common.Address{}) && d.Address != NativeSentinel
}

// Registry resolves symbols to asset positions once, at configuration time
type Registry struct {
	assets    []Descriptor
	bySymbol  map[string]int
	byAddress map[common.Address]int
}

// NewRegistry validates the descriptors and builds the lookup tables
func NewRegistry(assets []Descriptor) (*Registry, error) {
	r := &Registry{
		assets:    make([]Descriptor, len(assets)),
		bySymbol:  make(map[string]int, len(assets)),
		byAddress: make(map[common.Address]int, len(assets)),
	}
	copy(r.assets, assets)

	for i, a := range r.assets {
		if strings.TrimSpace(a.Symbol) == "" {
			return nil, fmt.Errorf("asset %d: empty symbol", i)
		}
		key := strings.ToUpper(a.Symbol)
		if _, ok := r.bySymbol[key]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSymbol, a.Symbol)
		}
		r.bySymbol[key] = i
		if a.HasContract() {
			r.byAddress[a.Address] = i
		}
	}
	return r, nil
}

// Len returns the number of configured assets
func (r *Registry) Len() int {
	return len(r.assets)
}

// At returns the descriptor at position i
func (r *Registry) At(i int) Descriptor {
	return r.assets[i]
}

// Assets returns a copy of all descriptors in configuration order
func (r *Registry) Assets() []Descriptor {
	out := make([]Descriptor, len(r.assets))
	copy(out, r.assets)
	return out
}

// Index returns the position of symbol (case-insensitive)
func (r *Registry) Index(symbol string) (int, error) {
	i, ok := r.bySymbol[strings.ToUpper(symbol)]
	if !ok {
		return -1, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return i, nil
}

// Lookup returns the descriptor for symbol
func (r *Registry) Lookup(symbol string) (Descriptor, error) {
	i, err := r.Index(symbol)
	if err != nil {
		return Descriptor{}, err
	}
	return r.assets[i], nil
}

// ByAddress returns the descriptor whose contract is addr
func (r *Registry) ByAddress(addr common.Address) (Descriptor, bool) {
	i, ok := r.byAddress[addr]
	if !ok {
		return Descriptor{}, false
	}
	return r.assets[i], true
}
