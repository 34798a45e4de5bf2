package execution

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/matrixise/compose-pay/internal/calldata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRejected = errors.New("user rejected the request")

// fakeWallet records every submission and answers from scripted fields
type fakeWallet struct {
	mu sync.Mutex

	capability Capability
	capErr     error

	sendCallsErr error
	statuses     []BatchStatus // consumed in order, last one repeats
	statusErr    error

	// sendErrs maps the n-th SendTransaction (zero-based) to an error
	sendErrs map[int]error
	// reverted marks the n-th SendTransaction as reverted
	reverted map[int]bool
	waitErr  error

	sendCalls    []BatchRequest
	statusCalls  int
	transactions []calldata.Call
	waited       []common.Hash
}

func (w *fakeWallet) Capabilities(context.Context, common.Address, uint64) (Capability, error) {
	return w.capability, w.capErr
}

func (w *fakeWallet) SendCalls(_ context.Context, req BatchRequest) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sendCalls = append(w.sendCalls, req)
	if w.sendCallsErr != nil {
		return "", w.sendCallsErr
	}
	return "0xbatch", nil
}

func (w *fakeWallet) CallsStatus(context.Context, string) (BatchStatus, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.statusCalls++
	if w.statusErr != nil {
		return BatchStatus{}, w.statusErr
	}
	if len(w.statuses) == 0 {
		return BatchStatus{Code: 100}, nil
	}
	s := w.statuses[0]
	if len(w.statuses) > 1 {
		w.statuses = w.statuses[1:]
	}
	return s, nil
}

func (w *fakeWallet) SendTransaction(_ context.Context, _ common.Address, call calldata.Call) (common.Hash, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := len(w.transactions)
	if err := w.sendErrs[n]; err != nil {
		delete(w.sendErrs, n)
		return common.Hash{}, err
	}
	w.transactions = append(w.transactions, call)
	return common.BigToHash(big.NewInt(int64(n + 1))), nil
}

func (w *fakeWallet) WaitReceipt(_ context.Context, hash common.Hash) (Receipt, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.waited = append(w.waited, hash)
	if w.waitErr != nil {
		return Receipt{}, w.waitErr
	}
	n := int(hash.Big().Int64()) - 1
	return Receipt{TxHash: hash, Success: !w.reverted[n]}, nil
}

func testPlan(approvals int) calldata.Plan {
	plan := calldata.Plan{Settlement: calldata.Call{To: common.HexToAddress("0xc0"), Data: []byte{0x01}}}
	for i := 0; i < approvals; i++ {
		plan.Approvals = append(plan.Approvals, calldata.Call{
			To:   common.BigToAddress(big.NewInt(int64(0xa0 + i))),
			Data: []byte{0x09, byte(i)},
		})
	}
	return plan
}

func newTestController(w Wallet, transitions *[]Phase) *Controller {
	cfg := Config{
		ChainID:        31611,
		Account:        common.HexToAddress("0x00000000000000000000000000000000000000ff"),
		PollInterval:   time.Millisecond,
		PollTimeout:    50 * time.Millisecond,
		AtomicRequired: true,
	}
	if transitions != nil {
		cfg.OnTransition = func(s State) {
			if n := len(*transitions); n == 0 || (*transitions)[n-1] != s.Phase {
				*transitions = append(*transitions, s.Phase)
			}
		}
	}
	return NewController(w, cfg)
}

func TestRunUnsupportedGoesSequential(t *testing.T) {
	w := &fakeWallet{capability: CapabilityUnsupported}
	var phases []Phase
	st := NewState("a1", testPlan(2))

	out := newTestController(w, &phases).Run(context.Background(), st)
	require.NoError(t, out.Err)

	assert.Empty(t, w.sendCalls, "atomic submit must not be called")
	assert.False(t, out.UsedAtomicBatch)
	require.Len(t, w.transactions, 3)
	assert.Equal(t, st.Plan.Approvals[0], w.transactions[0])
	assert.Equal(t, st.Plan.Approvals[1], w.transactions[1])
	assert.Equal(t, st.Plan.Settlement, w.transactions[2])
	assert.Equal(t, common.BigToHash(common.Big3), out.TxHash)

	assert.Equal(t, 2, st.Cursor)
	assert.Len(t, st.ApprovalTxs, 2)
	assert.Equal(t, PhaseDone, st.Phase)
	assert.Equal(t, []Phase{PhaseCapabilityCheck, PhaseSequentialApprove, PhaseSequentialSettle, PhaseDone}, phases)
}

func TestRunCapabilityErrorIsUnsupported(t *testing.T) {
	w := &fakeWallet{capability: CapabilitySupported, capErr: errors.New("method not found")}
	out := newTestController(w, nil).Run(context.Background(), NewState("a1", testPlan(1)))
	require.NoError(t, out.Err)
	assert.Empty(t, w.sendCalls)
	assert.False(t, out.UsedAtomicBatch)
}

func TestRunSequentialRejectionRecordsCursor(t *testing.T) {
	w := &fakeWallet{
		capability: CapabilityUnsupported,
		sendErrs:   map[int]error{1: errRejected},
	}
	st := NewState("a1", testPlan(3))
	ctl := newTestController(w, nil)

	out := ctl.Run(context.Background(), st)
	require.Error(t, out.Err)
	assert.ErrorIs(t, out.Err, errRejected)

	var stepErr *StepError
	require.ErrorAs(t, out.Err, &stepErr)
	assert.Equal(t, 1, stepErr.Cursor)
	assert.Equal(t, PhaseSequentialApprove, stepErr.Phase)
	assert.Equal(t, 1, st.Cursor)
	assert.Equal(t, PhaseFailed, st.Phase)
	require.NotNil(t, st.Failure)
	assert.Equal(t, 1, st.Failure.Cursor)

	t.Run("resume continues from the recorded cursor", func(t *testing.T) {
		out := ctl.Resume(context.Background(), st)
		require.NoError(t, out.Err)

		require.Len(t, w.transactions, 4)
		assert.Equal(t, st.Plan.Approvals[0], w.transactions[0])
		assert.Equal(t, st.Plan.Approvals[1], w.transactions[1])
		assert.Equal(t, st.Plan.Approvals[2], w.transactions[2])
		assert.Equal(t, st.Plan.Settlement, w.transactions[3])
		assert.Equal(t, PhaseDone, st.Phase)
		assert.Nil(t, st.Failure)
	})

	t.Run("done attempt has nothing to resume", func(t *testing.T) {
		out := ctl.Resume(context.Background(), st)
		assert.ErrorIs(t, out.Err, ErrNothingToResume)
	})
}

func TestResumeWaitsOnPendingTransaction(t *testing.T) {
	w := &fakeWallet{capability: CapabilityUnsupported, waitErr: context.DeadlineExceeded}
	st := NewState("a1", testPlan(1))
	ctl := newTestController(w, nil)

	out := ctl.Run(context.Background(), st)
	require.Error(t, out.Err)
	require.NotNil(t, st.PendingTx)
	assert.Len(t, w.transactions, 1)

	w.waitErr = nil
	out = ctl.Resume(context.Background(), st)
	require.NoError(t, out.Err)

	// the pending approval is awaited, never resubmitted
	require.Len(t, w.transactions, 2)
	assert.Equal(t, st.Plan.Settlement, w.transactions[1])
	assert.Equal(t, common.BigToHash(common.Big1), w.waited[1])
}

func TestRevertedApprovalIsRetriedOnResume(t *testing.T) {
	w := &fakeWallet{capability: CapabilityUnsupported, reverted: map[int]bool{0: true}}
	st := NewState("a1", testPlan(1))
	ctl := newTestController(w, nil)

	out := ctl.Run(context.Background(), st)
	require.ErrorIs(t, out.Err, ErrTransactionReverted)
	assert.Nil(t, st.PendingTx)
	assert.Equal(t, 0, st.Cursor)

	out = ctl.Resume(context.Background(), st)
	require.NoError(t, out.Err)
	require.Len(t, w.transactions, 3)
	assert.Equal(t, st.Plan.Approvals[0], w.transactions[1])
}

func TestRunAtomic(t *testing.T) {
	txHash := common.HexToHash("0xabc")

	t.Run("confirmed batch", func(t *testing.T) {
		w := &fakeWallet{
			capability: CapabilitySupported,
			statuses:   []BatchStatus{{Code: 100}, {Code: 100}, {Code: 200, Atomic: true, TxHashes: []common.Hash{txHash}}},
		}
		var phases []Phase
		st := NewState("a1", testPlan(2))

		out := newTestController(w, &phases).Run(context.Background(), st)
		require.NoError(t, out.Err)

		assert.True(t, out.UsedAtomicBatch)
		assert.Equal(t, txHash, out.TxHash)
		require.Len(t, w.sendCalls, 1)
		assert.Equal(t, st.Plan.Calls(), w.sendCalls[0].Calls)
		assert.True(t, w.sendCalls[0].AtomicRequired)
		assert.Equal(t, uint64(31611), w.sendCalls[0].ChainID)
		assert.Empty(t, w.transactions)
		assert.Equal(t, 3, w.statusCalls)
		assert.Equal(t, []Phase{PhaseCapabilityCheck, PhaseAtomicSubmit, PhaseAtomicPoll, PhaseDone}, phases)
	})

	t.Run("failure status code", func(t *testing.T) {
		w := &fakeWallet{capability: CapabilitySupported, statuses: []BatchStatus{{Code: 500}}}
		st := NewState("a1", testPlan(1))

		out := newTestController(w, nil).Run(context.Background(), st)
		require.ErrorIs(t, out.Err, ErrBatchFailed)
		var statusErr *BatchStatusError
		require.ErrorAs(t, out.Err, &statusErr)
		assert.Equal(t, 500, statusErr.Code)
		assert.Equal(t, 500, st.Failure.StatusCode)
		assert.Empty(t, w.transactions)
	})

	t.Run("confirmed without receipts", func(t *testing.T) {
		w := &fakeWallet{capability: CapabilitySupported, statuses: []BatchStatus{{Code: 200}}}
		out := newTestController(w, nil).Run(context.Background(), NewState("a1", testPlan(1)))
		assert.ErrorIs(t, out.Err, ErrMissingReceipt)
	})

	t.Run("timeout is distinct and does not fall back", func(t *testing.T) {
		w := &fakeWallet{capability: CapabilitySupported}
		st := NewState("a1", testPlan(1))

		out := newTestController(w, nil).Run(context.Background(), st)
		require.ErrorIs(t, out.Err, ErrBatchTimeout)
		assert.NotErrorIs(t, out.Err, ErrBatchFailed)
		assert.Empty(t, w.transactions)
		assert.Equal(t, "0xbatch", st.BatchID)
	})

	t.Run("status errors are retried until confirmed", func(t *testing.T) {
		w := &fakeWallet{capability: CapabilitySupported, statusErr: errors.New("temporary")}
		st := NewState("a1", testPlan(1))
		ctl := newTestController(w, nil)

		out := ctl.Run(context.Background(), st)
		require.ErrorIs(t, out.Err, ErrBatchTimeout)
		assert.Greater(t, w.statusCalls, 1)

		// resume polls the same batch instead of resubmitting
		w.statusErr = nil
		w.statuses = []BatchStatus{{Code: 200, TxHashes: []common.Hash{txHash}}}
		out = ctl.Resume(context.Background(), st)
		require.NoError(t, out.Err)
		assert.Len(t, w.sendCalls, 1)
		assert.Equal(t, txHash, out.TxHash)
	})

	t.Run("submission failure falls back to sequential", func(t *testing.T) {
		w := &fakeWallet{capability: CapabilitySupported, sendCallsErr: errors.New("unsupported method")}
		st := NewState("a1", testPlan(2))

		out := newTestController(w, nil).Run(context.Background(), st)
		require.NoError(t, out.Err)
		assert.False(t, out.UsedAtomicBatch)
		assert.True(t, st.AtomicFallback)
		assert.Len(t, w.transactions, 3)
	})
}

func TestRunGuards(t *testing.T) {
	for _, phase := range []Phase{PhaseSequentialApprove, PhaseFailed, PhaseDone} {
		t.Run("refuses "+string(phase), func(t *testing.T) {
			st := NewState("a1", testPlan(1))
			st.Phase = phase
			w := &fakeWallet{}
			out := newTestController(w, nil).Run(context.Background(), st)
			assert.ErrorIs(t, out.Err, ErrAttemptNotIdle)
			assert.NotErrorIs(t, out.Err, ErrAttemptInFlight)
			assert.Empty(t, w.transactions)
		})
	}

	t.Run("concurrent run of the same attempt", func(t *testing.T) {
		ctl := newTestController(&fakeWallet{}, nil)
		require.True(t, ctl.acquire("a1"))
		defer ctl.release("a1")

		out := ctl.Run(context.Background(), NewState("a1", testPlan(1)))
		assert.ErrorIs(t, out.Err, ErrAttemptInFlight)
	})

	t.Run("empty plan", func(t *testing.T) {
		out := newTestController(&fakeWallet{}, nil).Run(context.Background(), NewState("a1", calldata.Plan{}))
		assert.ErrorIs(t, out.Err, ErrEmptyPlan)
	})
}

// stalledStatusWallet never answers a status query before its context ends
type stalledStatusWallet struct {
	*fakeWallet
}

func (w stalledStatusWallet) CallsStatus(ctx context.Context, id string) (BatchStatus, error) {
	_, _ = w.fakeWallet.CallsStatus(ctx, id)
	<-ctx.Done()
	return BatchStatus{}, ctx.Err()
}

func TestPollTimeoutBoundsStalledStatusQuery(t *testing.T) {
	t.Run("poll deadline wins", func(t *testing.T) {
		w := stalledStatusWallet{&fakeWallet{capability: CapabilitySupported}}
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		start := time.Now()
		out := newTestController(w, nil).Run(ctx, NewState("a1", testPlan(1)))

		require.ErrorIs(t, out.Err, ErrBatchTimeout)
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, 1, w.statusCalls)
		assert.Empty(t, w.transactions)
	})

	t.Run("caller cancellation is not a timeout", func(t *testing.T) {
		w := stalledStatusWallet{&fakeWallet{capability: CapabilitySupported}}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		out := newTestController(w, nil).Run(ctx, NewState("a1", testPlan(1)))

		require.ErrorIs(t, out.Err, context.DeadlineExceeded)
		assert.NotErrorIs(t, out.Err, ErrBatchTimeout)
	})
}

func TestResumeUnconfirmedSubmission(t *testing.T) {
	w := &fakeWallet{capability: CapabilitySupported}
	st := NewState("a1", testPlan(1))
	st.Phase = PhaseAtomicSubmit
	ctl := newTestController(w, nil)

	out := ctl.Resume(context.Background(), st)
	require.ErrorIs(t, out.Err, ErrSubmitUnconfirmed)
	assert.Empty(t, w.sendCalls)
	assert.Empty(t, w.transactions)
	assert.Equal(t, PhaseAtomicSubmit, st.Phase)

	st.ConfirmSequentialFallback()
	require.False(t, st.SubmitUnconfirmed())

	out = ctl.Resume(context.Background(), st)
	require.NoError(t, out.Err)
	assert.False(t, out.UsedAtomicBatch)
	assert.Empty(t, w.sendCalls)
	assert.Len(t, w.transactions, 2)
}

func TestStateClone(t *testing.T) {
	h := common.HexToHash("0x01")
	st := NewState("a1", testPlan(1))
	st.PendingTx = &h
	st.ApprovalTxs = []common.Hash{h}

	c := st.Clone()
	c.PendingTx[0] = 0xff
	c.ApprovalTxs[0] = common.Hash{}
	c.Plan.Approvals[0].To = common.Address{}

	assert.Equal(t, h, *st.PendingTx)
	assert.Equal(t, h, st.ApprovalTxs[0])
	assert.NotEqual(t, common.Address{}, st.Plan.Approvals[0].To)
}
