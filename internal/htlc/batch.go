package htlc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/Klingon-tech/swapd/internal/chain"
	contracts "github.com/Klingon-tech/swapd/internal/contracts/htlc"
	"github.com/Klingon-tech/swapd/internal/order"
	"github.com/Klingon-tech/swapd/internal/swaperr"
	"github.com/Klingon-tech/swapd/pkg/logging"
)

// Batch defaults
const (
	DefaultCallsPollInterval = 2 * time.Second
	CallsVersion             = "2.0.0"
)

var ErrBatchFailed = errors.New("wallet batch failed")

// WalletRPC is a JSON-RPC connection to a wallet that holds the account
// key. *rpc.Client from go-ethereum satisfies it.
type WalletRPC interface {
	CallContext(ctx context.Context, result interface{}, method string, args ...interface{}) error
}

// BatchConfig configures a smart account actor.
type BatchConfig struct {
	Chain      chain.Chain
	Account    string
	NativeHTLC string
	Native     bool
	// PollInterval paces wallet_getCallsStatus and receipt polling.
	PollInterval time.Duration
	TxTimeout    time.Duration
}

// Call is one entry of a wallet_sendCalls batch.
type Call struct {
	To    string `json:"to"`
	Data  string `json:"data,omitempty"`
	Value string `json:"value,omitempty"`
}

type sendCallsParams struct {
	Version        string `json:"version"`
	ChainID        string `json:"chainId"`
	From           string `json:"from"`
	AtomicRequired bool   `json:"atomicRequired"`
	Calls          []Call `json:"calls"`
}

type callsStatus struct {
	Status   json.RawMessage `json:"status"`
	Receipts []struct {
		TransactionHash string `json:"transactionHash"`
		Status          string `json:"status"`
	} `json:"receipts"`
}

// BatchActor drives an account whose key lives in a wallet. Approve and
// initiate go out as one atomic batch when the wallet supports it, and
// as two transactions otherwise.
type BatchActor struct {
	cfg         BatchConfig
	account     common.Address
	wallet      WalletRPC
	contractFor ContractFactory
	relay       Relayer
	log         *logging.Logger

	mu     sync.Mutex
	atomic map[string]bool // chainId hex -> supported
}

// NewBatchActor creates an actor for the account in cfg.
func NewBatchActor(cfg BatchConfig, wallet WalletRPC, contractFor ContractFactory, relayer Relayer) (*BatchActor, error) {
	if !common.IsHexAddress(cfg.Account) {
		return nil, fmt.Errorf("invalid account address %q", cfg.Account)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultCallsPollInterval
	}
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = DefaultTxTimeout
	}
	return &BatchActor{
		cfg:         cfg,
		account:     common.HexToAddress(cfg.Account),
		wallet:      wallet,
		contractFor: contractFor,
		relay:       relayer,
		log:         logging.GetDefault().Component("htlc.batch").With("chain", cfg.Chain),
		atomic:      make(map[string]bool),
	}, nil
}

// Family returns FamilyEVM.
func (a *BatchActor) Family() chain.Family { return chain.FamilyEVM }

// Address returns the account address.
func (a *BatchActor) Address() string { return a.account.Hex() }

// Initiate locks the source leg's funds from the account.
func (a *BatchActor) Initiate(ctx context.Context, o *order.MatchedOrder) (string, error) {
	const op = "batch.initiate"
	if err := CheckInitiate(op, a, o); err != nil {
		return "", err
	}
	leg, err := resolveEVMLeg(op, &o.SourceSwap, a.cfg.NativeHTLC, a.cfg.Native, a.contractFor)
	if err != nil {
		return "", err
	}
	c := leg.contract
	htlcAddr := c.ContractAddress()

	initData, err := contracts.PackInitiate(leg.redeemer, leg.timelock, leg.amount, leg.secretHash)
	if err != nil {
		return "", swaperr.ValidationErr(op, err)
	}
	initCall := Call{To: htlcAddr.Hex(), Data: hexutil.Encode(initData)}

	if leg.native {
		initCall.Value = hexutil.EncodeBig(leg.amount)
		return a.sendTransaction(ctx, op, initCall)
	}

	token, err := c.Token(ctx)
	if err != nil {
		return "", swaperr.FromChainError(op, err)
	}
	allowance, err := c.Allowance(ctx, token, a.account)
	if err != nil {
		return "", swaperr.FromChainError(op, err)
	}
	if allowance.Cmp(leg.amount) >= 0 {
		return a.sendTransaction(ctx, op, initCall)
	}

	approveData, err := contracts.PackApprove(htlcAddr, contracts.MaxAllowance)
	if err != nil {
		return "", swaperr.ValidationErr(op, err)
	}
	approveCall := Call{To: token.Hex(), Data: hexutil.Encode(approveData)}

	atomic, err := a.supportsAtomic(ctx, op, c.ChainID())
	if err != nil {
		return "", err
	}
	if atomic {
		return a.sendCalls(ctx, op, c.ChainID(), approveCall, initCall)
	}

	a.log.Debug("Wallet has no atomic batching, approving separately", "token", token.Hex())
	approveHash, err := a.sendTransaction(ctx, op, approveCall)
	if err != nil {
		return "", err
	}
	waitCtx, cancel := context.WithTimeout(ctx, a.cfg.TxTimeout)
	defer cancel()
	if _, err := c.WaitMinedHash(waitCtx, common.HexToHash(approveHash), a.cfg.PollInterval); err != nil {
		return "", swaperr.FromChainError(op, fmt.Errorf("approve %s: %w", approveHash, err))
	}
	return a.sendTransaction(ctx, op, initCall)
}

// Redeem hands the secret to the relay.
func (a *BatchActor) Redeem(ctx context.Context, o *order.MatchedOrder, secret []byte) (string, error) {
	const op = "batch.redeem"
	if err := CheckRedeem(op, a, o, secret); err != nil {
		return "", err
	}
	return relayRedeem(ctx, a.relay, o, secret)
}

// Refund is performed by the relay on EVM chains.
func (a *BatchActor) Refund(ctx context.Context, o *order.MatchedOrder) (string, error) {
	const op = "batch.refund"
	if err := CheckRefund(op, a, o); err != nil {
		return "", err
	}
	return "", refundUnsupported(op)
}

func (a *BatchActor) sendTransaction(ctx context.Context, op string, call Call) (string, error) {
	tx := map[string]string{
		"from": a.account.Hex(),
		"to":   call.To,
		"data": call.Data,
	}
	if call.Value != "" {
		tx["value"] = call.Value
	}
	var hash string
	if err := a.wallet.CallContext(ctx, &hash, "eth_sendTransaction", tx); err != nil {
		return "", swaperr.FromChainError(op, err)
	}
	a.log.Info("Wallet sent transaction", "to", call.To, "tx_hash", hash)
	return hash, nil
}

// supportsAtomic asks the wallet once per chain whether it can execute a
// batch atomically.
func (a *BatchActor) supportsAtomic(ctx context.Context, op string, chainID *big.Int) (bool, error) {
	id := hexutil.EncodeBig(chainID)

	a.mu.Lock()
	cached, ok := a.atomic[id]
	a.mu.Unlock()
	if ok {
		return cached, nil
	}

	var caps map[string]map[string]json.RawMessage
	if err := a.wallet.CallContext(ctx, &caps, "wallet_getCapabilities", a.account.Hex(), []string{id}); err != nil {
		// Wallets without EIP-5792 reject the method outright.
		if swaperr.IsRetryable(swaperr.FromChainError(op, err)) {
			return false, swaperr.Transient(op, err)
		}
		a.log.Debug("wallet_getCapabilities unsupported", "error", err)
		caps = nil
	}
	supported := atomicCapability(caps, chainID)

	a.mu.Lock()
	a.atomic[id] = supported
	a.mu.Unlock()
	return supported, nil
}

// atomicCapability reads both the current "atomic" capability and the
// older "atomicBatch" one.
func atomicCapability(caps map[string]map[string]json.RawMessage, chainID *big.Int) bool {
	for key, entry := range caps {
		id, ok := parseChainKey(key)
		if !ok || id.Cmp(chainID) != 0 {
			continue
		}
		if raw, ok := entry["atomic"]; ok {
			var v struct {
				Status string `json:"status"`
			}
			if json.Unmarshal(raw, &v) == nil && (v.Status == "supported" || v.Status == "ready") {
				return true
			}
		}
		if raw, ok := entry["atomicBatch"]; ok {
			var v struct {
				Supported bool `json:"supported"`
			}
			if json.Unmarshal(raw, &v) == nil && v.Supported {
				return true
			}
		}
	}
	return false
}

func parseChainKey(key string) (*big.Int, bool) {
	if strings.HasPrefix(key, "0x") || strings.HasPrefix(key, "0X") {
		v, err := hexutil.DecodeBig(strings.ToLower(key))
		return v, err == nil
	}
	v, ok := new(big.Int).SetString(key, 10)
	return v, ok
}

func (a *BatchActor) sendCalls(ctx context.Context, op string, chainID *big.Int, calls ...Call) (string, error) {
	params := sendCallsParams{
		Version:        CallsVersion,
		ChainID:        hexutil.EncodeBig(chainID),
		From:           a.account.Hex(),
		AtomicRequired: true,
		Calls:          calls,
	}
	var raw json.RawMessage
	if err := a.wallet.CallContext(ctx, &raw, "wallet_sendCalls", params); err != nil {
		return "", swaperr.FromChainError(op, err)
	}
	id, err := batchID(raw)
	if err != nil {
		return "", swaperr.Rejected(op, err)
	}
	a.log.Info("Wallet accepted batch", "batch_id", id, "calls", len(calls))

	waitCtx, cancel := context.WithTimeout(ctx, a.cfg.TxTimeout)
	defer cancel()
	return a.waitCalls(waitCtx, op, id)
}

// batchID accepts both the bare string and the {"id": ...} result shapes.
func batchID(raw json.RawMessage) (string, error) {
	var id string
	if err := json.Unmarshal(raw, &id); err == nil && id != "" {
		return id, nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.ID != "" {
		return obj.ID, nil
	}
	return "", fmt.Errorf("%w: no batch id in %s", ErrBatchFailed, string(raw))
}

func (a *BatchActor) waitCalls(ctx context.Context, op, id string) (string, error) {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		var st callsStatus
		if err := a.wallet.CallContext(ctx, &st, "wallet_getCallsStatus", id); err != nil {
			return "", swaperr.FromChainError(op, err)
		}
		done, failed := classifyCallsStatus(st.Status)
		if failed {
			return "", swaperr.Rejected(op, fmt.Errorf("%w: batch %s status %s", ErrBatchFailed, id, string(st.Status)))
		}
		if done && len(st.Receipts) > 0 {
			last := st.Receipts[len(st.Receipts)-1]
			if last.Status != "" && last.Status != "0x1" {
				return "", swaperr.Rejected(op, fmt.Errorf("%w: %s", contracts.ErrTxReverted, last.TransactionHash))
			}
			return last.TransactionHash, nil
		}
		select {
		case <-ctx.Done():
			return "", swaperr.Transient(op, ctx.Err())
		case <-ticker.C:
		}
	}
}

// classifyCallsStatus understands numeric EIP-5792 codes and the older
// string statuses.
func classifyCallsStatus(raw json.RawMessage) (done, failed bool) {
	var code int
	if err := json.Unmarshal(raw, &code); err == nil {
		return code >= 200 && code < 300, code >= 400
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.Atoi(s); err == nil {
			return n >= 200 && n < 300, n >= 400
		}
		switch strings.ToUpper(s) {
		case "CONFIRMED":
			return true, false
		case "FAILED", "REVERTED":
			return false, true
		}
	}
	return false, false
}

var _ Actor = (*BatchActor)(nil)
