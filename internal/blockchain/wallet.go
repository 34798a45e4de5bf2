package blockchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/matrixise/compose-pay/internal/calldata"
	"github.com/matrixise/compose-pay/internal/execution"
)

const (
	// sendCallsVersion is the wallet_sendCalls request version
	sendCallsVersion = "2.0.0"

	DefaultReceiptPollInterval = 2 * time.Second
)

var ErrEmptyBatchID = errors.New("wallet returned an empty batch id")

// Wallet is the signing boundary over a wallet JSON-RPC endpoint exposing
// EIP-5792 batch calls and eth_sendTransaction.
type Wallet struct {
	rpc          *rpc.Client
	pollInterval time.Duration
	logger       *slog.Logger
}

// DialWallet connects to a wallet RPC endpoint
func DialWallet(ctx context.Context, url string, receiptPollInterval time.Duration, logger *slog.Logger) (*Wallet, error) {
	client, err := rpc.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial wallet %s: %w", url, err)
	}
	return NewWallet(client, receiptPollInterval, logger), nil
}

// NewWallet wraps an existing RPC client
func NewWallet(client *rpc.Client, receiptPollInterval time.Duration, logger *slog.Logger) *Wallet {
	if receiptPollInterval <= 0 {
		receiptPollInterval = DefaultReceiptPollInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Wallet{rpc: client, pollInterval: receiptPollInterval, logger: logger}
}

// Close closes the wallet connection
func (w *Wallet) Close() {
	w.rpc.Close()
}

type atomicCapability struct {
	Status string `json:"status"`
}

type legacyAtomicBatch struct {
	Supported bool `json:"supported"`
}

type chainCapabilities struct {
	Atomic      *atomicCapability  `json:"atomic"`
	AtomicBatch *legacyAtomicBatch `json:"atomicBatch"`
}

// Capabilities queries wallet_getCapabilities for chainID
func (w *Wallet) Capabilities(ctx context.Context, account common.Address, chainID uint64) (execution.Capability, error) {
	var caps map[string]chainCapabilities
	if err := w.rpc.CallContext(ctx, &caps, "wallet_getCapabilities", account); err != nil {
		return execution.CapabilityUnknown, fmt.Errorf("wallet_getCapabilities: %w", err)
	}
	return parseCapability(caps, chainID), nil
}

func parseCapability(caps map[string]chainCapabilities, chainID uint64) execution.Capability {
	chain, ok := caps[hexutil.EncodeUint64(chainID)]
	if !ok {
		return execution.CapabilityUnknown
	}
	switch {
	case chain.Atomic != nil:
		if chain.Atomic.Status == "supported" || chain.Atomic.Status == "ready" {
			return execution.CapabilitySupported
		}
		return execution.CapabilityUnsupported
	case chain.AtomicBatch != nil:
		if chain.AtomicBatch.Supported {
			return execution.CapabilitySupported
		}
		return execution.CapabilityUnsupported
	default:
		return execution.CapabilityUnsupported
	}
}

type rpcCall struct {
	To    common.Address `json:"to"`
	Data  hexutil.Bytes  `json:"data"`
	Value *hexutil.Big   `json:"value"`
}

func toRPCCall(c calldata.Call) rpcCall {
	value := new(hexutil.Big)
	if c.Value != nil {
		value = (*hexutil.Big)(c.Value)
	}
	return rpcCall{To: c.To, Data: c.Data, Value: value}
}

type sendCallsRequest struct {
	Version        string         `json:"version"`
	ChainID        hexutil.Uint64 `json:"chainId"`
	From           common.Address `json:"from"`
	AtomicRequired bool           `json:"atomicRequired"`
	Calls          []rpcCall      `json:"calls"`
}

// SendCalls submits the call list as one wallet_sendCalls request
func (w *Wallet) SendCalls(ctx context.Context, req execution.BatchRequest) (string, error) {
	calls := make([]rpcCall, 0, len(req.Calls))
	for _, c := range req.Calls {
		calls = append(calls, toRPCCall(c))
	}

	var raw json.RawMessage
	err := w.rpc.CallContext(ctx, &raw, "wallet_sendCalls", sendCallsRequest{
		Version:        sendCallsVersion,
		ChainID:        hexutil.Uint64(req.ChainID),
		From:           req.From,
		AtomicRequired: req.AtomicRequired,
		Calls:          calls,
	})
	if err != nil {
		return "", fmt.Errorf("wallet_sendCalls: %w", err)
	}
	return parseBatchID(raw)
}

// parseBatchID accepts both the bare string and the {"id": ...} result forms
func parseBatchID(raw json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &obj); err != nil {
			return "", fmt.Errorf("decode batch id: %w", err)
		}
		id = obj.ID
	}
	if id == "" {
		return "", ErrEmptyBatchID
	}
	return id, nil
}

type callsStatusResponse struct {
	Status   int  `json:"status"`
	Atomic   bool `json:"atomic"`
	Receipts []struct {
		TransactionHash common.Hash `json:"transactionHash"`
	} `json:"receipts"`
}

// CallsStatus queries wallet_getCallsStatus
func (w *Wallet) CallsStatus(ctx context.Context, batchID string) (execution.BatchStatus, error) {
	var resp callsStatusResponse
	if err := w.rpc.CallContext(ctx, &resp, "wallet_getCallsStatus", batchID); err != nil {
		return execution.BatchStatus{}, fmt.Errorf("wallet_getCallsStatus: %w", err)
	}

	status := execution.BatchStatus{Code: resp.Status, Atomic: resp.Atomic}
	for _, r := range resp.Receipts {
		status.TxHashes = append(status.TxHashes, r.TransactionHash)
	}
	return status, nil
}

type sendTransactionRequest struct {
	From  common.Address `json:"from"`
	To    common.Address `json:"to"`
	Data  hexutil.Bytes  `json:"data"`
	Value *hexutil.Big   `json:"value"`
}

// SendTransaction submits one call with eth_sendTransaction
func (w *Wallet) SendTransaction(ctx context.Context, from common.Address, call calldata.Call) (common.Hash, error) {
	c := toRPCCall(call)
	var hash common.Hash
	err := w.rpc.CallContext(ctx, &hash, "eth_sendTransaction", sendTransactionRequest{
		From:  from,
		To:    c.To,
		Data:  c.Data,
		Value: c.Value,
	})
	if err != nil {
		return common.Hash{}, fmt.Errorf("eth_sendTransaction: %w", err)
	}
	return hash, nil
}

type receiptResponse struct {
	TransactionHash common.Hash    `json:"transactionHash"`
	BlockNumber     hexutil.Uint64 `json:"blockNumber"`
	Status          hexutil.Uint64 `json:"status"`
}

// WaitReceipt polls eth_getTransactionReceipt until the transaction is mined or ctx ends
func (w *Wallet) WaitReceipt(ctx context.Context, hash common.Hash) (execution.Receipt, error) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		var resp *receiptResponse
		err := w.rpc.CallContext(ctx, &resp, "eth_getTransactionReceipt", hash)
		switch {
		case err != nil:
			w.logger.Debug("Receipt query failed", "tx", hash.Hex(), "error", err)
		case resp != nil:
			return execution.Receipt{
				TxHash:      resp.TransactionHash,
				BlockNumber: uint64(resp.BlockNumber),
				Success:     uint64(resp.Status) == types.ReceiptStatusSuccessful,
			}, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return execution.Receipt{}, ctx.Err()
		}
	}
}
