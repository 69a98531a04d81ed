package htlc

import (
	"context"
	"fmt"
	"math/big"

	"github.com/Klingon-tech/swapd/internal/chain"
	"github.com/Klingon-tech/swapd/internal/order"
	"github.com/Klingon-tech/swapd/internal/relay"
	"github.com/Klingon-tech/swapd/internal/starknet"
	"github.com/Klingon-tech/swapd/internal/swaperr"
	"github.com/Klingon-tech/swapd/pkg/logging"
)

// StarknetReader is the read-only node access of the Starknet actor.
// *starknet.Provider satisfies it.
type StarknetReader interface {
	Call(ctx context.Context, call starknet.FunctionCall) ([]*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender *big.Int) (*big.Int, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// StarknetRelayer submits SNIP-12 initiates and redeems.
type StarknetRelayer interface {
	StarknetInitiate(ctx context.Context, req relay.StarknetInitiateRequest) (string, error)
	Redeem(ctx context.Context, req relay.RedeemRequest) (string, error)
}

// StarknetConfig configures the Starknet actor.
type StarknetConfig struct {
	Chain         chain.Chain
	DomainName    string
	DomainVersion string
}

// StarknetActor initiates from a Starknet account. With enough allowance
// the initiate is signed and relayed; otherwise approve and initiate are
// executed together by the account.
type StarknetActor struct {
	cfg     StarknetConfig
	reader  StarknetReader
	account starknet.Account
	relay   StarknetRelayer
	log     *logging.Logger
}

// NewStarknetActor creates a Starknet actor.
func NewStarknetActor(cfg StarknetConfig, reader StarknetReader, account starknet.Account, relayer StarknetRelayer) *StarknetActor {
	if cfg.DomainName == "" {
		cfg.DomainName = "HTLC"
	}
	if cfg.DomainVersion == "" {
		cfg.DomainVersion = "1"
	}
	return &StarknetActor{
		cfg:     cfg,
		reader:  reader,
		account: account,
		relay:   relayer,
		log:     logging.GetDefault().Component("htlc.starknet").With("chain", cfg.Chain),
	}
}

// Family returns FamilyStarknet.
func (a *StarknetActor) Family() chain.Family { return chain.FamilyStarknet }

// Address returns the account address.
func (a *StarknetActor) Address() string { return a.account.Address() }

// Initiate locks the source leg's funds.
func (a *StarknetActor) Initiate(ctx context.Context, o *order.MatchedOrder) (string, error) {
	const op = "starknet.initiate"
	if err := CheckInitiate(op, a, o); err != nil {
		return "", err
	}
	s := &o.SourceSwap

	htlc, err := starknet.FeltFromHex(s.Asset)
	if err != nil {
		return "", swaperr.ValidationErr(op, fmt.Errorf("asset: %w", err))
	}
	redeemer, err := starknet.FeltFromHex(s.Redeemer)
	if err != nil {
		return "", swaperr.ValidationErr(op, fmt.Errorf("redeemer: %w", err))
	}
	owner, err := starknet.FeltFromHex(a.account.Address())
	if err != nil {
		return "", swaperr.ValidationErr(op, fmt.Errorf("account: %w", err))
	}
	hash, err := s.SecretHashBytes()
	if err != nil {
		return "", swaperr.ValidationErr(op, err)
	}
	amount := s.AmountInt()

	out, err := a.reader.Call(ctx, starknet.FunctionCall{ContractAddress: htlc, EntryPoint: "token"})
	if err != nil {
		return "", swaperr.FromChainError(op, err)
	}
	if len(out) == 0 {
		return "", swaperr.RejectedMsg(op, "htlc returned no token")
	}
	token := out[0]

	allowance, err := a.reader.Allowance(ctx, token, owner, htlc)
	if err != nil {
		return "", swaperr.FromChainError(op, err)
	}

	if allowance.Cmp(amount) < 0 {
		return a.executeInitiate(ctx, op, o, token, htlc, redeemer, amount, s.Timelock, hash)
	}

	chainID, err := a.reader.ChainID(ctx)
	if err != nil {
		return "", swaperr.FromChainError(op, err)
	}
	domain := starknet.Domain{
		Name:     a.cfg.DomainName,
		Version:  a.cfg.DomainVersion,
		ChainID:  string(chainID.Bytes()),
		Revision: "1",
	}
	sig, err := a.account.SignTypedData(ctx, starknet.InitiateTypedData(domain, redeemer, amount, s.Timelock, hash))
	if err != nil {
		return "", err
	}
	txHash, err := a.relay.StarknetInitiate(ctx, relay.StarknetInitiateRequest{
		OrderID:   o.ID(),
		Signature: sig,
		PerformOn: order.Source.PerformOn(),
	})
	if err != nil {
		return "", err
	}
	a.log.Info("Relayed initiate", "order_id", o.ID(), "tx_hash", txHash)
	return txHash, nil
}

func (a *StarknetActor) executeInitiate(ctx context.Context, op string, o *order.MatchedOrder, token, htlc, redeemer, amount *big.Int, timelock uint64, hash [32]byte) (string, error) {
	limbs := starknet.U256(amount)
	secret := starknet.SecretHashU128(hash)

	initCalldata := []*big.Int{redeemer, new(big.Int).SetUint64(timelock), limbs[0], limbs[1], big.NewInt(int64(len(secret)))}
	initCalldata = append(initCalldata, secret...)

	calls := []starknet.FunctionCall{
		{ContractAddress: token, EntryPoint: "approve", Calldata: []*big.Int{htlc, limbs[0], limbs[1]}},
		{ContractAddress: htlc, EntryPoint: "initiate", Calldata: initCalldata},
	}
	txHash, err := a.account.Execute(ctx, calls)
	if err != nil {
		return "", err
	}
	a.log.Info("Executed approve and initiate", "order_id", o.ID(), "tx_hash", txHash)
	return txHash, nil
}

// Redeem hands the secret to the relay.
func (a *StarknetActor) Redeem(ctx context.Context, o *order.MatchedOrder, secret []byte) (string, error) {
	const op = "starknet.redeem"
	if err := CheckRedeem(op, a, o, secret); err != nil {
		return "", err
	}
	return relayRedeem(ctx, a.relay, o, secret)
}

// Refund is performed by the relay on Starknet.
func (a *StarknetActor) Refund(ctx context.Context, o *order.MatchedOrder) (string, error) {
	const op = "starknet.refund"
	if err := CheckRefund(op, a, o); err != nil {
		return "", err
	}
	return "", refundUnsupported(op)
}

var _ Actor = (*StarknetActor)(nil)
