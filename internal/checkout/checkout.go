// Package checkout drives one purchase from snapshots to a settled transaction:
// allocation, payload, call plan, execution, with the execution state persisted
// after every transition so an interrupted attempt can be resumed.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/matrixise/compose-pay/internal/allocation"
	"github.com/matrixise/compose-pay/internal/asset"
	"github.com/matrixise/compose-pay/internal/calldata"
	"github.com/matrixise/compose-pay/internal/execution"
	"github.com/matrixise/compose-pay/internal/payload"
	"github.com/matrixise/compose-pay/internal/storage"
	"github.com/matrixise/compose-pay/internal/swap"
	"github.com/samber/lo"
	"github.com/shopspring/decimal"
)

// Mode selects the settlement call of a plan
type Mode string

const (
	// ModeAllocate transfers the allocated tokens into the compose contract
	ModeAllocate Mode = "allocate"
	// ModeSwap lets the compose contract swap the tokens and forward the payment
	ModeSwap Mode = "swap"
	// ModeRouterSwap swaps the first allocated token on the DEX router directly
	ModeRouterSwap Mode = "router_swap"
)

const persistTimeout = 5 * time.Second

var (
	ErrNoAllocation    = errors.New("no allocation requested")
	ErrUnknownMode     = errors.New("unknown checkout mode")
	ErrNoStore         = errors.New("no attempt store configured")
	ErrNoPaymentToken  = errors.New("swap mode requires a payment token with a contract")
	ErrNoRouter        = errors.New("swap mode requires a router and a quoter")
	ErrNothingToSwap   = errors.New("no allocated token differs from the payment token")
	ErrAttemptComplete = errors.New("purchase attempt already completed")
	ErrNativeAllocated = errors.New("native asset cannot be moved by the settlement call")
)

// Store persists purchase attempts
type Store interface {
	CreateAttempt(ctx context.Context, a storage.Attempt) error
	SaveState(ctx context.Context, st execution.State) error
	GetAttempt(ctx context.Context, id string) (*storage.Attempt, error)
}

// Allocation is one slider input, applied in request order
type Allocation struct {
	Symbol  string
	Percent float64
}

// SwapConfig configures the swap settlement modes
type SwapConfig struct {
	PaymentToken   string
	Target         common.Address
	TargetCallData []byte
}

// Config holds checkout configuration
type Config struct {
	ChainID     uint64
	Account     common.Address
	TargetUSD   float64
	Mode        Mode
	SlippageBps uint32
	Fee         *payload.FeeConfig
	Swap        SwapConfig
	Execution   execution.Config
	Logger      *slog.Logger
	NewID       func() string
}

// Plan is a computed purchase ready to be executed
type Plan struct {
	ID      string             `json:"id"`
	Mode    Mode               `json:"mode"`
	Limits  map[string]float64 `json:"limits_usd"`
	Payload *payload.Payload   `json:"payload"`
	Quote   *swap.MultiQuote   `json:"quote,omitempty"`
	Calls   calldata.Plan      `json:"calls"`
}

// Result is the terminal outcome of an execution
type Result struct {
	AttemptID string          `json:"attempt_id"`
	State     execution.State `json:"state"`
	Outcome   execution.Outcome
}

// Service wires the core components together
type Service struct {
	registry   *asset.Registry
	prices     asset.PriceReader
	balances   asset.BalanceReader
	payloads   *payload.Builder
	calls      *calldata.Builder
	router     *swap.Router
	quoter     swap.Quoter
	controller *execution.Controller
	store      Store
	cfg        Config
	logger     *slog.Logger
}

// Deps are the collaborators of a Service. Wallet, Quoter, Router and Store
// are optional depending on the commands used.
type Deps struct {
	Registry *asset.Registry
	Prices   asset.PriceReader
	Balances asset.BalanceReader
	Payloads *payload.Builder
	Calls    *calldata.Builder
	Router   *swap.Router
	Quoter   swap.Quoter
	Wallet   execution.Wallet
	Store    Store
}

// NewService creates a checkout service
func NewService(deps Deps, cfg Config) (*Service, error) {
	if deps.Registry == nil || deps.Prices == nil || deps.Calls == nil {
		return nil, errors.New("registry, price reader and calldata builder are required")
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeAllocate
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if deps.Payloads == nil {
		deps.Payloads = payload.NewBuilder(nil)
	}

	s := &Service{
		registry: deps.Registry,
		prices:   deps.Prices,
		balances: deps.Balances,
		payloads: deps.Payloads,
		calls:    deps.Calls,
		router:   deps.Router,
		quoter:   deps.Quoter,
		store:    deps.Store,
		cfg:      cfg,
		logger:   cfg.Logger,
	}

	if deps.Wallet != nil {
		ec := cfg.Execution
		ec.ChainID = cfg.ChainID
		ec.Account = cfg.Account
		ec.Logger = cfg.Logger
		ec.OnTransition = s.persist
		s.controller = execution.NewController(deps.Wallet, ec)
	}
	return s, nil
}

// Prepare fetches fresh snapshots, applies the allocations in order and builds the call plan
func (s *Service) Prepare(ctx context.Context, allocs []Allocation) (*Plan, error) {
	if len(allocs) == 0 {
		return nil, ErrNoAllocation
	}

	prices, err := s.prices.GetPrices(ctx)
	if err != nil {
		return nil, fmt.Errorf("prices unavailable: %w", err)
	}
	var balances *asset.BalanceSnapshot
	if s.cfg.Account != (common.Address{}) && s.balances != nil {
		if balances, err = s.balances.GetBalances(ctx, s.cfg.Account); err != nil {
			return nil, fmt.Errorf("balances unavailable: %w", err)
		}
	}

	limits := s.registry.LimitsUSD(prices, balances)
	st := allocation.NewState(s.registry.Len())
	for _, a := range allocs {
		i, err := s.registry.Index(a.Symbol)
		if err != nil {
			return nil, err
		}
		if st, err = allocation.Update(st, i, a.Percent, limits, s.cfg.TargetUSD); err != nil {
			return nil, fmt.Errorf("allocate %s: %w", a.Symbol, err)
		}
	}

	p, err := s.payloads.Build(st, s.registry, prices, limits, s.cfg.TargetUSD, s.cfg.ChainID, s.cfg.Fee)
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		ID:      s.cfg.NewID(),
		Mode:    s.cfg.Mode,
		Limits:  make(map[string]float64, len(limits)),
		Payload: p,
	}
	for i, limit := range limits {
		plan.Limits[s.registry.At(i).Symbol] = limit
	}

	if err := s.buildCalls(ctx, plan); err != nil {
		return nil, err
	}

	s.logger.Info("Purchase planned",
		"attempt_id", plan.ID,
		"mode", plan.Mode,
		"total_usd", p.TotalUSD,
		"items", len(p.Items),
		"approvals", len(plan.Calls.Approvals),
	)
	return plan, nil
}

func (s *Service) buildCalls(ctx context.Context, plan *Plan) error {
	items := plan.Payload.Items
	var err error

	// allocate and swap settle through token approvals only
	if native := nativeSymbols(items); len(native) > 0 {
		if plan.Mode == ModeAllocate || plan.Mode == ModeSwap {
			return fmt.Errorf("%w: %v", ErrNativeAllocated, native)
		}
		s.logger.Warn("Allocated native assets are not part of the swap", "symbols", native)
	}

	switch plan.Mode {
	case ModeAllocate:
		plan.Calls, err = s.calls.AllocateBatch(items)
		return err

	case ModeSwap:
		to, err := s.paymentToken()
		if err != nil {
			return err
		}
		quote, err := s.quoteAll(ctx, items, to)
		if err != nil {
			return err
		}
		plan.Quote = &quote
		plan.Calls, err = s.calls.SwapBatch(items, s.cfg.Swap.Target, s.cfg.Swap.TargetCallData, quote.TotalMinimumOut, quote.TotalMinimumOut)
		return err

	case ModeRouterSwap:
		to, err := s.paymentToken()
		if err != nil {
			return err
		}
		item, ok := lo.Find(items, func(it payload.Item) bool {
			return it.Asset.HasContract() && it.Asset.Address != to && it.TokenAmountInt.Sign() > 0
		})
		if !ok {
			return ErrNothingToSwap
		}
		q, err := s.router.QuoteOrManual(ctx, s.quoter, item.Asset.Address, to, item.TokenAmountInt, s.cfg.SlippageBps)
		if err != nil && !q.Manual {
			return err
		}
		if q.Manual {
			s.logger.Warn("Quote unavailable, using manual minimum", "from", item.Symbol, "minimum_out", q.MinimumOut, "error", err)
		}
		plan.Quote = &swap.MultiQuote{
			Quotes:             []swap.Quote{q},
			TotalExpectedOut:   q.ExpectedOut,
			TotalMinimumOut:    q.MinimumOut,
			UsedManualFallback: q.Manual,
		}
		plan.Calls, err = s.calls.RouterSwapPlan(calldata.RouterSwap{
			Route:        q.Route,
			AmountIn:     item.TokenAmountInt,
			AmountOutMin: q.MinimumOut,
			Recipient:    s.cfg.Account,
		})
		return err

	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, plan.Mode)
	}
}

// nativeSymbols lists the allocated items without a token contract
func nativeSymbols(items []payload.Item) []string {
	return lo.FilterMap(items, func(it payload.Item, _ int) (string, bool) {
		return it.Symbol, !it.Asset.HasContract() && it.TokenAmountInt.Sign() > 0
	})
}

func (s *Service) paymentToken() (common.Address, error) {
	if s.router == nil || s.quoter == nil {
		return common.Address{}, ErrNoRouter
	}
	d, err := s.registry.Lookup(s.cfg.Swap.PaymentToken)
	if err != nil || !d.HasContract() {
		return common.Address{}, ErrNoPaymentToken
	}
	return d.Address, nil
}

func (s *Service) quoteAll(ctx context.Context, items []payload.Item, to common.Address) (swap.MultiQuote, error) {
	inputs := lo.FilterMap(items, func(it payload.Item, _ int) (swap.Input, bool) {
		return swap.Input{Token: it.Asset.Address, Amount: it.TokenAmountInt}, it.Asset.HasContract()
	})
	quote, err := s.router.QuoteMany(ctx, s.quoter, inputs, to, s.cfg.SlippageBps)
	if err != nil {
		return swap.MultiQuote{}, err
	}
	if quote.UsedManualFallback {
		s.logger.Warn("Some quotes unavailable, using manual minimums", "total_minimum_out", quote.TotalMinimumOut)
	}
	if quote.TotalMinimumOut.Sign() <= 0 {
		return swap.MultiQuote{}, fmt.Errorf("%w: minimum output is zero", calldata.ErrInvalidPaymentAmount)
	}
	return quote, nil
}

// Execute persists a new attempt for plan and runs it
func (s *Service) Execute(ctx context.Context, plan *Plan) (Result, error) {
	if s.controller == nil {
		return Result{}, errors.New("no wallet configured")
	}

	st := execution.NewState(plan.ID, plan.Calls)
	if s.store != nil {
		err := s.store.CreateAttempt(ctx, storage.Attempt{
			ID:       plan.ID,
			Account:  s.cfg.Account.Hex(),
			TotalUSD: usdDecimal(plan.Payload.TotalUSDInt),
			State:    *st,
		})
		if err != nil {
			return Result{}, fmt.Errorf("persist attempt: %w", err)
		}
	}

	out := s.controller.Run(ctx, st)
	s.logOutcome(st, out)
	return Result{AttemptID: plan.ID, State: st.Clone(), Outcome: out}, out.Err
}

// ResumeOptions tune how a persisted attempt is continued
type ResumeOptions struct {
	// ConfirmSequential accepts falling back to sequential calls for an
	// attempt whose atomic submission outcome is unknown
	ConfirmSequential bool
}

// Resume continues a persisted attempt from its recorded state
func (s *Service) Resume(ctx context.Context, id string, opts ResumeOptions) (Result, error) {
	if s.store == nil {
		return Result{}, ErrNoStore
	}
	if s.controller == nil {
		return Result{}, errors.New("no wallet configured")
	}

	attempt, err := s.store.GetAttempt(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if !attempt.Resumable() {
		return Result{AttemptID: id, State: attempt.State}, ErrAttemptComplete
	}

	st := attempt.State
	if opts.ConfirmSequential && st.SubmitUnconfirmed() {
		s.logger.Warn("Atomic submission outcome unknown, continuing with sequential calls", "attempt_id", id)
		st.ConfirmSequentialFallback()
	}
	s.logger.Info("Resuming purchase attempt", "attempt_id", id, "phase", st.Phase, "cursor", st.Cursor, "pending", st.PendingTx != nil)
	out := s.controller.Resume(ctx, &st)
	s.logOutcome(&st, out)
	return Result{AttemptID: id, State: st.Clone(), Outcome: out}, out.Err
}

// persist records a transition; failures are logged, execution goes on
func (s *Service) persist(st execution.State) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := s.store.SaveState(ctx, st); err != nil {
		s.logger.Error("Failed to persist attempt state", "attempt_id", st.ID, "phase", st.Phase, "error", err)
	}
}

func (s *Service) logOutcome(st *execution.State, out execution.Outcome) {
	if out.Err != nil {
		s.logger.Error("Purchase attempt failed", "attempt_id", st.ID, "phase", st.Phase, "cursor", st.Cursor, "error", out.Err)
		return
	}
	s.logger.Info("Purchase settled", "attempt_id", st.ID, "atomic", out.UsedAtomicBatch, "tx", out.TxHash.Hex())
}

func usdDecimal(v *big.Int) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -payload.USDDecimals)
}
