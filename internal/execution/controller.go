package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	DefaultPollInterval = time.Second
	DefaultPollTimeout  = 60 * time.Second
)

// Config holds controller configuration
type Config struct {
	ChainID        uint64
	Account        common.Address
	PollInterval   time.Duration // Atomic batch status poll interval (default: 1s)
	PollTimeout    time.Duration // Atomic batch confirmation timeout (default: 60s)
	AtomicRequired bool
	Logger         *slog.Logger

	// OnTransition receives a copy of the state after every transition
	OnTransition func(State)
}

// Controller runs purchase attempts against a wallet. Attempts with distinct IDs
// may run concurrently; a second Run or Resume for an attempt still in flight
// is refused.
type Controller struct {
	wallet Wallet
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewController creates a controller for wallet
func NewController(wallet Wallet, cfg Config) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Controller{
		wallet:   wallet,
		cfg:      cfg,
		logger:   cfg.Logger,
		inFlight: make(map[string]struct{}),
	}
}

func (c *Controller) acquire(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.inFlight[id]; ok {
		return false
	}
	c.inFlight[id] = struct{}{}
	return true
}

func (c *Controller) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, id)
}

// Run executes an idle attempt from the capability check onward
func (c *Controller) Run(ctx context.Context, st *State) Outcome {
	if st.Phase != PhaseIdle {
		return Outcome{Err: fmt.Errorf("%w: attempt %s is %s", ErrAttemptNotIdle, st.ID, st.Phase)}
	}
	if len(st.Plan.Settlement.Data) == 0 {
		return Outcome{Err: ErrEmptyPlan}
	}
	if !c.acquire(st.ID) {
		return Outcome{Err: fmt.Errorf("%w: %s", ErrAttemptInFlight, st.ID)}
	}
	defer c.release(st.ID)

	c.transition(st, PhaseCapabilityCheck)
	capability, err := c.wallet.Capabilities(ctx, c.cfg.Account, c.cfg.ChainID)
	if err != nil {
		c.logger.Info("Capability query failed, using sequential calls", "attempt", st.ID, "error", err)
		capability = CapabilityUnknown
	}

	switch capability {
	case CapabilitySupported:
		return c.runAtomic(ctx, st)
	case CapabilityUnsupported, CapabilityUnknown:
		c.logger.Info("Atomic batch not available, using sequential calls", "attempt", st.ID, "capability", capability.String())
		return c.runSequential(ctx, st)
	default:
		return c.fail(st, fmt.Errorf("unhandled capability %d", capability))
	}
}

// Resume continues an interrupted or failed attempt. A batch that was submitted
// but never observed terminal is polled again; a sequential attempt continues at
// its cursor, waiting on any pending transaction first.
func (c *Controller) Resume(ctx context.Context, st *State) Outcome {
	switch st.Phase {
	case PhaseIdle:
		return c.Run(ctx, st)
	case PhaseDone:
		return Outcome{UsedAtomicBatch: st.UsedAtomic, TxHash: hashOrZero(st.TxHash), Err: ErrNothingToResume}
	}

	if st.SubmitUnconfirmed() {
		return Outcome{Err: fmt.Errorf("%w: attempt %s may have reached the wallet, confirm the sequential fallback to continue", ErrSubmitUnconfirmed, st.ID)}
	}

	if !c.acquire(st.ID) {
		return Outcome{Err: fmt.Errorf("%w: %s", ErrAttemptInFlight, st.ID)}
	}
	defer c.release(st.ID)

	if st.BatchID != "" && !st.AtomicFallback && resumableBatch(st) {
		c.logger.Info("Resuming atomic batch poll", "attempt", st.ID, "batch_id", st.BatchID)
		return c.pollBatch(ctx, st)
	}

	c.logger.Info("Resuming sequential execution", "attempt", st.ID, "cursor", st.Cursor, "total", st.TotalApprovals())
	return c.runSequential(ctx, st)
}

// resumableBatch is false once the wallet reported a failing status code
func resumableBatch(st *State) bool {
	return st.Failure == nil || st.Failure.StatusCode == 0
}

func (c *Controller) runAtomic(ctx context.Context, st *State) Outcome {
	c.transition(st, PhaseAtomicSubmit)

	batchID, err := c.wallet.SendCalls(ctx, BatchRequest{
		ChainID:        c.cfg.ChainID,
		From:           c.cfg.Account,
		AtomicRequired: c.cfg.AtomicRequired,
		Calls:          st.Plan.Calls(),
	})
	if err != nil {
		c.logger.Warn("Atomic submission failed, falling back to sequential calls", "attempt", st.ID, "error", err)
		st.AtomicFallback = true
		return c.runSequential(ctx, st)
	}

	st.BatchID = batchID
	c.logger.Info("Batch submitted", "attempt", st.ID, "batch_id", batchID, "calls", len(st.Plan.Approvals)+1)
	return c.pollBatch(ctx, st)
}

func (c *Controller) pollBatch(ctx context.Context, st *State) Outcome {
	st.UsedAtomic = true
	st.Failure = nil
	c.transition(st, PhaseAtomicPoll)

	// the deadline also bounds a single status request that never answers
	pollCtx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	defer cancel()
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		status, err := c.wallet.CallsStatus(pollCtx, st.BatchID)
		switch {
		case err != nil && pollCtx.Err() != nil:
			return c.pollExpired(ctx, st)
		case err != nil:
			c.logger.Debug("Batch status query failed", "batch_id", st.BatchID, "error", err)
		case status.Code == BatchCodeConfirmed:
			if len(status.TxHashes) == 0 {
				return c.fail(st, ErrMissingReceipt)
			}
			return c.done(st, status.TxHashes[0])
		case status.Code >= BatchCodeFailed:
			return c.fail(st, &BatchStatusError{BatchID: st.BatchID, Code: status.Code})
		}

		select {
		case <-ticker.C:
		case <-pollCtx.Done():
			return c.pollExpired(ctx, st)
		}
	}
}

// pollExpired reports the caller's cancellation, or ErrBatchTimeout when only
// the poll deadline elapsed
func (c *Controller) pollExpired(ctx context.Context, st *State) Outcome {
	if err := ctx.Err(); err != nil {
		return c.fail(st, err)
	}
	return c.fail(st, fmt.Errorf("%w after %s", ErrBatchTimeout, c.cfg.PollTimeout))
}

func (c *Controller) runSequential(ctx context.Context, st *State) Outcome {
	st.UsedAtomic = false
	st.Failure = nil
	total := st.TotalApprovals()

	for st.Cursor < total {
		c.transition(st, PhaseSequentialApprove)

		if st.PendingTx == nil {
			hash, err := c.wallet.SendTransaction(ctx, c.cfg.Account, st.Plan.Approvals[st.Cursor])
			if err != nil {
				return c.fail(st, fmt.Errorf("send approval: %w", err))
			}
			st.PendingTx = &hash
			c.logger.Info("Approval submitted", "attempt", st.ID, "cursor", st.Cursor, "total", total, "tx", hash.Hex())
			c.notify(st)
		}

		if _, err := c.confirm(ctx, st); err != nil {
			return c.fail(st, fmt.Errorf("approval: %w", err))
		}
		st.Cursor++
		c.notify(st)
	}

	c.transition(st, PhaseSequentialSettle)
	if st.PendingTx == nil {
		hash, err := c.wallet.SendTransaction(ctx, c.cfg.Account, st.Plan.Settlement)
		if err != nil {
			return c.fail(st, fmt.Errorf("send settlement: %w", err))
		}
		st.PendingTx = &hash
		c.logger.Info("Settlement submitted", "attempt", st.ID, "tx", hash.Hex())
		c.notify(st)
	}

	hash, err := c.confirm(ctx, st)
	if err != nil {
		return c.fail(st, fmt.Errorf("settlement: %w", err))
	}
	return c.done(st, hash)
}

// confirm waits for the pending transaction. A reverted transaction is cleared
// so a resume resubmits it; an unanswered wait keeps it pending.
func (c *Controller) confirm(ctx context.Context, st *State) (common.Hash, error) {
	hash := *st.PendingTx
	receipt, err := c.wallet.WaitReceipt(ctx, hash)
	if err != nil {
		return hash, fmt.Errorf("wait for %s: %w", hash.Hex(), err)
	}
	st.PendingTx = nil
	if !receipt.Success {
		return hash, fmt.Errorf("%w: %s", ErrTransactionReverted, hash.Hex())
	}
	if st.Cursor < st.TotalApprovals() {
		st.ApprovalTxs = append(st.ApprovalTxs, hash)
	}
	return hash, nil
}

func (c *Controller) done(st *State, hash common.Hash) Outcome {
	st.TxHash = &hash
	st.Failure = nil
	c.transition(st, PhaseDone)
	c.logger.Info("Purchase confirmed", "attempt", st.ID, "atomic", st.UsedAtomic, "tx", hash.Hex())
	return Outcome{UsedAtomicBatch: st.UsedAtomic, TxHash: hash}
}

func (c *Controller) fail(st *State, err error) Outcome {
	stepErr := &StepError{Phase: st.Phase, Cursor: st.Cursor, Atomic: st.UsedAtomic, Err: err}

	failure := &Failure{
		Phase:   st.Phase,
		Cursor:  st.Cursor,
		Atomic:  st.UsedAtomic,
		Message: err.Error(),
	}
	var statusErr *BatchStatusError
	if errors.As(err, &statusErr) {
		failure.StatusCode = statusErr.Code
	}
	st.Failure = failure

	c.transition(st, PhaseFailed)
	c.logger.Error("Purchase attempt failed", "attempt", st.ID, "error", stepErr)
	return Outcome{UsedAtomicBatch: st.UsedAtomic, Err: stepErr}
}

func (c *Controller) transition(st *State, phase Phase) {
	if st.Phase != phase {
		c.logger.Debug("Execution transition", "attempt", st.ID, "from", st.Phase, "to", phase)
	}
	st.Phase = phase
	c.notify(st)
}

func (c *Controller) notify(st *State) {
	if c.cfg.OnTransition != nil {
		c.cfg.OnTransition(st.Clone())
	}
}

func hashOrZero(h *common.Hash) common.Hash {
	if h == nil {
		return common.Hash{}
	}
	return *h
}
