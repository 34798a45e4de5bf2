// Package execution drives an ordered call list to a terminal outcome, using an
// atomic wallet batch when available and resumable sequential calls otherwise.
package execution

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/matrixise/compose-pay/internal/calldata"
)

// Phase is a state of the execution state machine
type Phase string

const (
	PhaseIdle              Phase = "idle"
	PhaseCapabilityCheck   Phase = "capability_check"
	PhaseAtomicSubmit      Phase = "atomic_submit"
	PhaseAtomicPoll        Phase = "atomic_poll"
	PhaseSequentialApprove Phase = "sequential_approve"
	PhaseSequentialSettle  Phase = "sequential_settle"
	PhaseDone              Phase = "done"
	PhaseFailed            Phase = "failed"
)

// Terminal reports whether no further transition happens without a resume
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

var (
	ErrAttemptInFlight     = errors.New("execution attempt already in flight")
	ErrAttemptNotIdle      = errors.New("execution attempt already started, use Resume")
	ErrSubmitUnconfirmed   = errors.New("batch submission outcome unknown")
	ErrBatchFailed         = errors.New("atomic batch failed")
	ErrBatchTimeout        = errors.New("atomic batch confirmation timeout")
	ErrMissingReceipt      = errors.New("batch confirmed without a transaction hash")
	ErrTransactionReverted = errors.New("transaction reverted")
	ErrNothingToResume     = errors.New("nothing to resume")
	ErrEmptyPlan           = errors.New("plan has no settlement call")
)

// BatchStatusError carries the wallet's failure status code
type BatchStatusError struct {
	BatchID string
	Code    int
}

func (e *BatchStatusError) Error() string {
	return fmt.Sprintf("atomic batch %s failed with status code %d", e.BatchID, e.Code)
}

func (e *BatchStatusError) Unwrap() error {
	return ErrBatchFailed
}

// StepError is a terminal failure annotated with where it happened
type StepError struct {
	Phase  Phase
	Cursor int
	Atomic bool
	Err    error
}

func (e *StepError) Error() string {
	if e.Atomic {
		return fmt.Sprintf("%s: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("%s at approval %d: %v", e.Phase, e.Cursor, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Failure is the serialisable record of the last terminal error
type Failure struct {
	Phase      Phase  `json:"phase"`
	Cursor     int    `json:"cursor"`
	Atomic     bool   `json:"atomic"`
	StatusCode int    `json:"status_code,omitempty"`
	Message    string `json:"message"`
}

// State is the complete, explicit state of one purchase attempt. It is owned by
// the caller, who may persist it after every transition and pass it back to
// Resume later.
type State struct {
	ID    string        `json:"id"`
	Phase Phase         `json:"phase"`
	Plan  calldata.Plan `json:"plan"`

	// Cursor is the zero-based index of the next approval to confirm
	Cursor int `json:"cursor"`

	// PendingTx is a submitted but unconfirmed sequential call. When Cursor
	// equals the approval count it is the settlement call.
	PendingTx *common.Hash `json:"pending_tx,omitempty"`

	BatchID        string        `json:"batch_id,omitempty"`
	UsedAtomic     bool          `json:"used_atomic"`
	AtomicFallback bool          `json:"atomic_fallback"`
	ApprovalTxs    []common.Hash `json:"approval_txs,omitempty"`
	TxHash         *common.Hash  `json:"tx_hash,omitempty"`
	Failure        *Failure      `json:"failure,omitempty"`
}

// SubmitUnconfirmed reports an atomic submission that was started but never
// answered: the wallet may or may not hold the batch.
func (s *State) SubmitUnconfirmed() bool {
	return s.Phase == PhaseAtomicSubmit && s.BatchID == "" && !s.AtomicFallback
}

// ConfirmSequentialFallback lets Resume continue an unconfirmed submission
// with sequential calls. Only call it once the wallet shows no pending batch.
func (s *State) ConfirmSequentialFallback() {
	s.AtomicFallback = true
}

// NewState creates an idle attempt for plan
func NewState(id string, plan calldata.Plan) *State {
	return &State{ID: id, Phase: PhaseIdle, Plan: plan}
}

// TotalApprovals is the number of approval calls in the plan
func (s *State) TotalApprovals() int {
	return len(s.Plan.Approvals)
}

// Clone returns a deep copy suitable for handing to observers
func (s *State) Clone() State {
	out := *s
	out.Plan = calldata.Plan{
		Approvals:  append([]calldata.Call(nil), s.Plan.Approvals...),
		Settlement: s.Plan.Settlement,
	}
	out.ApprovalTxs = append([]common.Hash(nil), s.ApprovalTxs...)
	if s.PendingTx != nil {
		h := *s.PendingTx
		out.PendingTx = &h
	}
	if s.TxHash != nil {
		h := *s.TxHash
		out.TxHash = &h
	}
	if s.Failure != nil {
		f := *s.Failure
		out.Failure = &f
	}
	return out
}

// Outcome is the terminal result of Run or Resume
type Outcome struct {
	UsedAtomicBatch bool
	TxHash          common.Hash
	Err             error
}
