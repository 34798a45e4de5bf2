package execution

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/matrixise/compose-pay/internal/calldata"
)

// Capability is the atomic-batch support reported by a wallet
type Capability int

const (
	// CapabilityUnknown covers missing or erroring answers and is treated as unsupported
	CapabilityUnknown Capability = iota
	CapabilitySupported
	CapabilityUnsupported
)

func (c Capability) String() string {
	switch c {
	case CapabilitySupported:
		return "supported"
	case CapabilityUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// BatchCodeConfirmed and BatchCodeFailed follow the HTTP-like status convention
const (
	BatchCodeConfirmed = 200
	BatchCodeFailed    = 400
)

// BatchRequest is one atomic multi-call submission
type BatchRequest struct {
	ChainID        uint64
	From           common.Address
	AtomicRequired bool
	Calls          []calldata.Call
}

// BatchStatus is a snapshot of a submitted batch
type BatchStatus struct {
	Code     int
	Atomic   bool
	TxHashes []common.Hash
}

// Receipt is the mined result of a sequential call
type Receipt struct {
	TxHash      common.Hash
	BlockNumber uint64
	Success     bool
}

// Wallet is the signing boundary. Every Send* call is an irrevocable on-chain action.
type Wallet interface {
	Capabilities(ctx context.Context, account common.Address, chainID uint64) (Capability, error)
	SendCalls(ctx context.Context, req BatchRequest) (string, error)
	CallsStatus(ctx context.Context, batchID string) (BatchStatus, error)
	SendTransaction(ctx context.Context, from common.Address, call calldata.Call) (common.Hash, error)
	WaitReceipt(ctx context.Context, hash common.Hash) (Receipt, error)
}
