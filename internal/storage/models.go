package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/matrixise/compose-pay/internal/execution"
	"github.com/shopspring/decimal"
)

// Attempt is one persisted purchase attempt and its execution state
type Attempt struct {
	ID        string
	Account   string
	TotalUSD  decimal.Decimal
	State     execution.State
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Resumable reports whether the attempt can still make progress
func (a *Attempt) Resumable() bool {
	return a.State.Phase != execution.PhaseDone
}

// attemptRow is the column projection of an Attempt
type attemptRow struct {
	phase      string
	cursor     int
	usedAtomic bool
	batchID    string
	state      []byte
	errMsg     string
}

func newAttemptRow(st execution.State) (attemptRow, error) {
	raw, err := json.Marshal(st)
	if err != nil {
		return attemptRow{}, fmt.Errorf("encode state of %s: %w", st.ID, err)
	}
	row := attemptRow{
		phase:      string(st.Phase),
		cursor:     st.Cursor,
		usedAtomic: st.UsedAtomic,
		batchID:    st.BatchID,
		state:      raw,
	}
	if st.Failure != nil {
		row.errMsg = st.Failure.Message
	}
	return row, nil
}

func decodeState(raw []byte) (execution.State, error) {
	var st execution.State
	if err := json.Unmarshal(raw, &st); err != nil {
		return execution.State{}, fmt.Errorf("decode state: %w", err)
	}
	return st, nil
}
