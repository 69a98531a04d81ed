package htlc

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/Klingon-tech/swapd/internal/chain"
	contracts "github.com/Klingon-tech/swapd/internal/contracts/htlc"
	"github.com/Klingon-tech/swapd/internal/order"
	"github.com/Klingon-tech/swapd/internal/relay"
	"github.com/Klingon-tech/swapd/internal/swaperr"
	"github.com/Klingon-tech/swapd/internal/wallet"
	"github.com/Klingon-tech/swapd/pkg/logging"
)

// DefaultTxTimeout bounds waiting for an approval to be mined.
const DefaultTxTimeout = 3 * time.Minute

// Contract is the HTLC contract surface EVM actors use.
// *contracts.Client implements it.
type Contract interface {
	ContractAddress() common.Address
	ChainID() *big.Int
	Token(ctx context.Context) (common.Address, error)
	Allowance(ctx context.Context, token, owner common.Address) (*big.Int, error)
	EIP712Domain(ctx context.Context) (*contracts.Domain, error)
	Approve(ctx context.Context, key *ecdsa.PrivateKey, token common.Address, amount *big.Int) (*types.Transaction, error)
	Initiate(ctx context.Context, key *ecdsa.PrivateKey, redeemer common.Address, timelock, amount *big.Int, secretHash [32]byte) (*types.Transaction, error)
	InitiateNative(ctx context.Context, key *ecdsa.PrivateKey, redeemer common.Address, timelock, amount *big.Int, secretHash [32]byte) (*types.Transaction, error)
	WaitMined(ctx context.Context, tx *types.Transaction) (*types.Receipt, error)
	WaitMinedHash(ctx context.Context, hash common.Hash, interval time.Duration) (*types.Receipt, error)
}

// ContractFactory binds the HTLC deployed at an address.
type ContractFactory func(htlc common.Address) Contract

// Relayer submits gasless initiates and redeems.
type Relayer interface {
	Initiate(ctx context.Context, req relay.InitiateRequest) (string, error)
	Redeem(ctx context.Context, req relay.RedeemRequest) (string, error)
}

// EVMConfig configures an EVM actor for one chain.
type EVMConfig struct {
	Chain chain.Chain
	// NativeHTLC is the HTLC used when a leg's asset is the gas asset.
	NativeHTLC string
	// Native treats every leg on this chain as a gas-asset leg.
	Native bool
	// Gasless signs initiates and lets the relay submit them.
	Gasless   bool
	TxTimeout time.Duration
}

// evmLeg is a source leg resolved to contract arguments.
type evmLeg struct {
	contract   Contract
	native     bool
	redeemer   common.Address
	timelock   *big.Int
	amount     *big.Int
	secretHash [32]byte
}

func resolveEVMLeg(op string, s *order.Swap, nativeHTLC string, nativeOnly bool, contractFor ContractFactory) (*evmLeg, error) {
	if !common.IsHexAddress(s.Redeemer) {
		return nil, swaperr.Validation(op, "invalid redeemer address %q", s.Redeemer)
	}
	if !common.IsHexAddress(s.Asset) {
		return nil, swaperr.Validation(op, "invalid asset address %q", s.Asset)
	}
	hash, err := s.SecretHashBytes()
	if err != nil {
		return nil, swaperr.ValidationErr(op, err)
	}

	htlcAddr := common.HexToAddress(s.Asset)
	native := nativeOnly
	if contracts.IsNativeAsset(htlcAddr) {
		if !common.IsHexAddress(nativeHTLC) {
			return nil, swaperr.Validation(op, "no native HTLC configured for %s", s.Chain)
		}
		htlcAddr = common.HexToAddress(nativeHTLC)
		native = true
	}

	return &evmLeg{
		contract:   contractFor(htlcAddr),
		native:     native,
		redeemer:   common.HexToAddress(s.Redeemer),
		timelock:   new(big.Int).SetUint64(s.Timelock),
		amount:     s.AmountInt(),
		secretHash: hash,
	}, nil
}

// EVMActor initiates from an externally owned account and redeems through
// the relay.
type EVMActor struct {
	cfg         EVMConfig
	priv        *btcec.PrivateKey
	key         *ecdsa.PrivateKey
	address     common.Address
	contractFor ContractFactory
	relay       Relayer
	log         *logging.Logger
}

// NewEVMActor creates an EOA actor signing with key.
func NewEVMActor(cfg EVMConfig, key *btcec.PrivateKey, contractFor ContractFactory, relayer Relayer) *EVMActor {
	if cfg.TxTimeout <= 0 {
		cfg.TxTimeout = DefaultTxTimeout
	}
	ecKey := key.ToECDSA()
	return &EVMActor{
		cfg:         cfg,
		priv:        key,
		key:         ecKey,
		address:     crypto.PubkeyToAddress(ecKey.PublicKey),
		contractFor: contractFor,
		relay:       relayer,
		log:         logging.GetDefault().Component("htlc.evm").With("chain", cfg.Chain),
	}
}

// Family returns FamilyEVM.
func (a *EVMActor) Family() chain.Family { return chain.FamilyEVM }

// Address returns the checksummed EOA address.
func (a *EVMActor) Address() string { return a.address.Hex() }

// Initiate locks the source leg's funds.
func (a *EVMActor) Initiate(ctx context.Context, o *order.MatchedOrder) (string, error) {
	const op = "evm.initiate"
	if err := CheckInitiate(op, a, o); err != nil {
		return "", err
	}
	leg, err := resolveEVMLeg(op, &o.SourceSwap, a.cfg.NativeHTLC, a.cfg.Native, a.contractFor)
	if err != nil {
		return "", err
	}
	c := leg.contract

	if leg.native {
		tx, err := c.InitiateNative(ctx, a.key, leg.redeemer, leg.timelock, leg.amount, leg.secretHash)
		if err != nil {
			return "", swaperr.FromChainError(op, err)
		}
		a.log.Info("Initiated native HTLC", "order_id", o.ID(), "tx_hash", tx.Hash().Hex())
		return tx.Hash().Hex(), nil
	}

	token, err := c.Token(ctx)
	if err != nil {
		return "", swaperr.FromChainError(op, err)
	}
	if err := a.ensureAllowance(ctx, op, c, token, leg.amount); err != nil {
		return "", err
	}

	if a.cfg.Gasless {
		return a.initiateGasless(ctx, op, o, leg)
	}

	tx, err := c.Initiate(ctx, a.key, leg.redeemer, leg.timelock, leg.amount, leg.secretHash)
	if err != nil {
		return "", swaperr.FromChainError(op, err)
	}
	a.log.Info("Initiated HTLC", "order_id", o.ID(), "tx_hash", tx.Hash().Hex())
	return tx.Hash().Hex(), nil
}

func (a *EVMActor) ensureAllowance(ctx context.Context, op string, c Contract, token common.Address, amount *big.Int) error {
	allowance, err := c.Allowance(ctx, token, a.address)
	if err != nil {
		return swaperr.FromChainError(op, err)
	}
	if allowance.Cmp(amount) >= 0 {
		return nil
	}

	a.log.Debug("Approving HTLC", "token", token.Hex(), "allowance", allowance, "amount", amount)
	tx, err := c.Approve(ctx, a.key, token, contracts.MaxAllowance)
	if err != nil {
		return swaperr.FromChainError(op, err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, a.cfg.TxTimeout)
	defer cancel()
	if _, err := c.WaitMined(waitCtx, tx); err != nil {
		return swaperr.FromChainError(op, fmt.Errorf("approve %s: %w", tx.Hash().Hex(), err))
	}
	return nil
}

func (a *EVMActor) initiateGasless(ctx context.Context, op string, o *order.MatchedOrder, leg *evmLeg) (string, error) {
	domain, err := leg.contract.EIP712Domain(ctx)
	if err != nil {
		return "", swaperr.FromChainError(op, err)
	}
	sig, err := signTypedData(a.priv, InitiateTypedData(domain, leg.redeemer, leg.timelock, leg.amount, leg.secretHash))
	if err != nil {
		return "", swaperr.ValidationErr(op, err)
	}
	txHash, err := a.relay.Initiate(ctx, relay.NewInitiateRequest(o.ID(), hexutil.Encode(sig), order.Source))
	if err != nil {
		return "", err
	}
	a.log.Info("Relayed initiate", "order_id", o.ID(), "tx_hash", txHash)
	return txHash, nil
}

// Redeem hands the secret to the relay.
func (a *EVMActor) Redeem(ctx context.Context, o *order.MatchedOrder, secret []byte) (string, error) {
	const op = "evm.redeem"
	if err := CheckRedeem(op, a, o, secret); err != nil {
		return "", err
	}
	return relayRedeem(ctx, a.relay, o, secret)
}

// Refund is not available to an EOA; the relay refunds expired orders.
func (a *EVMActor) Refund(ctx context.Context, o *order.MatchedOrder) (string, error) {
	const op = "evm.refund"
	if err := CheckRefund(op, a, o); err != nil {
		return "", err
	}
	return "", refundUnsupported(op)
}

type secretRelay interface {
	Redeem(ctx context.Context, req relay.RedeemRequest) (string, error)
}

func relayRedeem(ctx context.Context, r secretRelay, o *order.MatchedOrder, secret []byte) (string, error) {
	return r.Redeem(ctx, relay.NewRedeemRequest(o.ID(), hex.EncodeToString(secret), order.Destination))
}

// InitiateTypedData is the EIP-712 message authorizing an initiate.
func InitiateTypedData(domain *contracts.Domain, redeemer common.Address, timelock, amount *big.Int, secretHash [32]byte) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Initiate": {
				{Name: "redeemer", Type: "address"},
				{Name: "timelock", Type: "uint256"},
				{Name: "amount", Type: "uint256"},
				{Name: "secretHash", Type: "bytes32"},
			},
		},
		PrimaryType: "Initiate",
		Domain: apitypes.TypedDataDomain{
			Name:              domain.Name,
			Version:           domain.Version,
			ChainId:           (*math.HexOrDecimal256)(domain.ChainID),
			VerifyingContract: domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"redeemer":   redeemer.Hex(),
			"timelock":   timelock.String(),
			"amount":     amount.String(),
			"secretHash": hexutil.Encode(secretHash[:]),
		},
	}
}

// signTypedData returns r || s || v with v in {27, 28}.
func signTypedData(key *btcec.PrivateKey, td apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(td)
	if err != nil {
		return nil, fmt.Errorf("failed to hash typed data: %w", err)
	}
	sig, err := wallet.EVMSign(key, hash)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

var _ Actor = (*EVMActor)(nil)
