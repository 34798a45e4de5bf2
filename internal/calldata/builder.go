// Package calldata turns payment manifests into ordered on-chain call lists:
// approvals first, exactly one settlement call last.
package calldata

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/matrixise/compose-pay/internal/payload"
	"github.com/matrixise/compose-pay/internal/swap"
	"github.com/samber/lo"
)

// DefaultSwapDeadline is added to the current time for router swaps
const DefaultSwapDeadline = 20 * time.Minute

var (
	ErrTokenAmountMismatch  = errors.New("token and amount arrays differ in length")
	ErrEmptyTokens          = errors.New("no tokens selected")
	ErrInvalidPaymentAmount = errors.New("payment amount must be positive")
	ErrInvalidSpender       = errors.New("spender address is zero")
	ErrEmptyRoute           = errors.New("swap route has no hops")
)

const erc20ABI = `[
	{"inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"name":"approve","outputs":[{"name":"","type":"bool"}],"stateMutability":"nonpayable","type":"function"}
]`

const composeABI = `[
	{"inputs":[{"name":"_tokens","type":"address[]"},{"name":"_amounts","type":"uint256[]"}],"name":"allocate","outputs":[],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"_tokens","type":"address[]"},{"name":"_amounts","type":"uint256[]"},{"name":"_target","type":"address"},{"name":"_callData","type":"bytes"},{"name":"_paymentAmount","type":"uint256"},{"name":"_minOut","type":"uint256"}],"name":"execute","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

// RouterABI is shared with the on-chain quote adapter
const RouterABI = `[
	{"inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"components":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"stable","type":"bool"}],"name":"routes","type":"tuple[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],"name":"swapExactTokensForTokens","outputs":[{"name":"amounts","type":"uint256[]"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"name":"amountIn","type":"uint256"},{"components":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"stable","type":"bool"}],"name":"routes","type":"tuple[]"}],"name":"getAmountsOut","outputs":[{"name":"amounts","type":"uint256[]"}],"stateMutability":"view","type":"function"}
]`

// Call is an opaque call descriptor. Order within a list is significant.
type Call struct {
	To    common.Address `json:"to"`
	Data  hexutil.Bytes  `json:"data"`
	Value *big.Int       `json:"value,omitempty"`
}

// Plan is an ordered call list split into its approvals and settlement call
type Plan struct {
	Approvals  []Call `json:"approvals"`
	Settlement Call   `json:"settlement"`
}

// Calls returns approvals followed by the settlement call
func (p Plan) Calls() []Call {
	out := make([]Call, 0, len(p.Approvals)+1)
	out = append(out, p.Approvals...)
	return append(out, p.Settlement)
}

// RouteStep is the router's on-chain route tuple
type RouteStep struct {
	From   common.Address
	To     common.Address
	Stable bool
}

// Builder encodes calls against the compose contract, ERC-20 tokens and the DEX router
type Builder struct {
	compose common.Address
	router  common.Address
	now     func() time.Time

	erc20ABI   abi.ABI
	composeABI abi.ABI
	routerABI  abi.ABI
}

// NewBuilder parses the contract ABIs. compose is the settlement contract and
// router the DEX router used in swap-then-pay mode.
func NewBuilder(compose, router common.Address, now func() time.Time) (*Builder, error) {
	if now == nil {
		now = time.Now
	}
	b := &Builder{compose: compose, router: router, now: now}

	var err error
	if b.erc20ABI, err = abi.JSON(strings.NewReader(erc20ABI)); err != nil {
		return nil, fmt.Errorf("failed to parse ERC20 ABI: %w", err)
	}
	if b.composeABI, err = abi.JSON(strings.NewReader(composeABI)); err != nil {
		return nil, fmt.Errorf("failed to parse compose ABI: %w", err)
	}
	if b.routerABI, err = abi.JSON(strings.NewReader(RouterABI)); err != nil {
		return nil, fmt.Errorf("failed to parse router ABI: %w", err)
	}
	return b, nil
}

// Compose returns the settlement contract address
func (b *Builder) Compose() common.Address {
	return b.compose
}

// Router returns the DEX router address
func (b *Builder) Router() common.Address {
	return b.router
}

type tokenAmount struct {
	token  common.Address
	amount *big.Int
}

// TokenArrays sums item amounts per token address, keeping first-appearance
// order. Items without a contract and zero amounts are skipped.
func TokenArrays(items []payload.Item) ([]common.Address, []*big.Int) {
	var sums []tokenAmount
	index := make(map[common.Address]int)

	for _, it := range items {
		if !it.Asset.HasContract() || it.TokenAmountInt == nil || it.TokenAmountInt.Sign() <= 0 {
			continue
		}
		addr := it.Asset.Address
		if i, ok := index[addr]; ok {
			sums[i].amount.Add(sums[i].amount, it.TokenAmountInt)
			continue
		}
		index[addr] = len(sums)
		sums = append(sums, tokenAmount{token: addr, amount: new(big.Int).Set(it.TokenAmountInt)})
	}

	tokens := lo.Map(sums, func(s tokenAmount, _ int) common.Address { return s.token })
	amounts := lo.Map(sums, func(s tokenAmount, _ int) *big.Int { return s.amount })
	return tokens, amounts
}

// Approvals builds one approve(spender, sum) call per distinct token
func (b *Builder) Approvals(items []payload.Item, spender common.Address) ([]Call, error) {
	if spender == (common.Address{}) {
		return nil, ErrInvalidSpender
	}
	tokens, amounts := TokenArrays(items)

	calls := make([]Call, 0, len(tokens))
	for i, token := range tokens {
		call, err := b.Approve(token, spender, amounts[i])
		if err != nil {
			return nil, err
		}
		calls = append(calls, call)
	}
	return calls, nil
}

// Approve encodes a single ERC-20 approval
func (b *Builder) Approve(token, spender common.Address, amount *big.Int) (Call, error) {
	data, err := b.erc20ABI.Pack("approve", spender, amount)
	if err != nil {
		return Call{}, fmt.Errorf("pack approve for %s: %w", token.Hex(), err)
	}
	return Call{To: token, Data: data}, nil
}

func validateArrays(tokens []common.Address, amounts []*big.Int) error {
	if len(tokens) != len(amounts) {
		return fmt.Errorf("%w: %d tokens, %d amounts", ErrTokenAmountMismatch, len(tokens), len(amounts))
	}
	if len(tokens) == 0 {
		return ErrEmptyTokens
	}
	return nil
}

// AllocateCalldata encodes allocate(tokens, amounts)
func (b *Builder) AllocateCalldata(tokens []common.Address, amounts []*big.Int) ([]byte, error) {
	if err := validateArrays(tokens, amounts); err != nil {
		return nil, err
	}
	data, err := b.composeABI.Pack("allocate", tokens, amounts)
	if err != nil {
		return nil, fmt.Errorf("pack allocate: %w", err)
	}
	return data, nil
}

// ExecuteParams are the arguments of the execute-and-forward settlement
type ExecuteParams struct {
	Tokens        []common.Address
	Amounts       []*big.Int
	Target        common.Address
	CallData      []byte
	PaymentAmount *big.Int
	MinOut        *big.Int
}

// ExecuteCalldata encodes execute(tokens, amounts, target, callData, paymentAmount, minOut)
func (b *Builder) ExecuteCalldata(p ExecuteParams) ([]byte, error) {
	if err := validateArrays(p.Tokens, p.Amounts); err != nil {
		return nil, err
	}
	if p.PaymentAmount == nil || p.PaymentAmount.Sign() <= 0 {
		return nil, ErrInvalidPaymentAmount
	}
	minOut := p.MinOut
	if minOut == nil {
		minOut = new(big.Int)
	}
	callData := p.CallData
	if callData == nil {
		callData = []byte{}
	}

	data, err := b.composeABI.Pack("execute", p.Tokens, p.Amounts, p.Target, callData, p.PaymentAmount, minOut)
	if err != nil {
		return nil, fmt.Errorf("pack execute: %w", err)
	}
	return data, nil
}

// AllocateBatch is the direct transfer-in plan: approvals to the compose contract, then allocate
func (b *Builder) AllocateBatch(items []payload.Item) (Plan, error) {
	tokens, amounts := TokenArrays(items)
	data, err := b.AllocateCalldata(tokens, amounts)
	if err != nil {
		return Plan{}, err
	}
	approvals, err := b.Approvals(items, b.compose)
	if err != nil {
		return Plan{}, err
	}
	return Plan{
		Approvals:  approvals,
		Settlement: Call{To: b.compose, Data: data},
	}, nil
}

// SwapBatch is the execute-and-forward plan: approvals to the compose contract, then execute
func (b *Builder) SwapBatch(items []payload.Item, target common.Address, targetCallData []byte, paymentAmount, minOut *big.Int) (Plan, error) {
	tokens, amounts := TokenArrays(items)
	data, err := b.ExecuteCalldata(ExecuteParams{
		Tokens:        tokens,
		Amounts:       amounts,
		Target:        target,
		CallData:      targetCallData,
		PaymentAmount: paymentAmount,
		MinOut:        minOut,
	})
	if err != nil {
		return Plan{}, err
	}
	approvals, err := b.Approvals(items, b.compose)
	if err != nil {
		return Plan{}, err
	}
	return Plan{
		Approvals:  approvals,
		Settlement: Call{To: b.compose, Data: data},
	}, nil
}

// RouterSwap describes a single swapExactTokensForTokens call
type RouterSwap struct {
	Route        []swap.Hop
	AmountIn     *big.Int
	AmountOutMin *big.Int
	Recipient    common.Address
	// Deadline defaults to now + DefaultSwapDeadline when zero
	Deadline time.Time
}

func routeSteps(hops []swap.Hop) []RouteStep {
	return lo.Map(hops, func(h swap.Hop, _ int) RouteStep {
		return RouteStep{From: h.From, To: h.To, Stable: h.Stable()}
	})
}

// RouterSwapCalldata encodes swapExactTokensForTokens
func (b *Builder) RouterSwapCalldata(s RouterSwap) ([]byte, error) {
	if len(s.Route) == 0 {
		return nil, ErrEmptyRoute
	}
	deadline := s.Deadline
	if deadline.IsZero() {
		deadline = b.now().Add(DefaultSwapDeadline)
	}
	minOut := s.AmountOutMin
	if minOut == nil {
		minOut = new(big.Int)
	}

	data, err := b.routerABI.Pack("swapExactTokensForTokens",
		s.AmountIn, minOut, routeSteps(s.Route), s.Recipient, big.NewInt(deadline.Unix()))
	if err != nil {
		return nil, fmt.Errorf("pack swapExactTokensForTokens: %w", err)
	}
	return data, nil
}

// RouterSwapPlan approves the router for the input amount and then swaps
func (b *Builder) RouterSwapPlan(s RouterSwap) (Plan, error) {
	if s.AmountIn == nil || s.AmountIn.Sign() <= 0 {
		return Plan{}, ErrInvalidPaymentAmount
	}
	data, err := b.RouterSwapCalldata(s)
	if err != nil {
		return Plan{}, err
	}
	approval, err := b.Approve(s.Route[0].From, b.router, s.AmountIn)
	if err != nil {
		return Plan{}, err
	}
	return Plan{
		Approvals:  []Call{approval},
		Settlement: Call{To: b.router, Data: data},
	}, nil
}

// AmountsOutCalldata encodes getAmountsOut(amountIn, routes)
func (b *Builder) AmountsOutCalldata(amountIn *big.Int, hops []swap.Hop) ([]byte, error) {
	if len(hops) == 0 {
		return nil, ErrEmptyRoute
	}
	data, err := b.routerABI.Pack("getAmountsOut", amountIn, routeSteps(hops))
	if err != nil {
		return nil, fmt.Errorf("pack getAmountsOut: %w", err)
	}
	return data, nil
}

// UnpackAmountsOut decodes the getAmountsOut return value
func (b *Builder) UnpackAmountsOut(data []byte) ([]*big.Int, error) {
	out, err := b.routerABI.Unpack("getAmountsOut", data)
	if err != nil {
		return nil, fmt.Errorf("unpack getAmountsOut: %w", err)
	}
	if len(out) == 0 {
		return nil, swap.ErrEmptyQuote
	}
	amounts, ok := out[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected getAmountsOut type %T", out[0])
	}
	return amounts, nil
}
