package htlc

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/swapd/internal/backend"
	"github.com/Klingon-tech/swapd/internal/bitcoin"
	"github.com/Klingon-tech/swapd/internal/cache"
	"github.com/Klingon-tech/swapd/internal/chain"
	"github.com/Klingon-tech/swapd/internal/order"
	"github.com/Klingon-tech/swapd/internal/swaperr"
	"github.com/Klingon-tech/swapd/internal/wallet"
	"github.com/Klingon-tech/swapd/pkg/helpers"
	"github.com/Klingon-tech/swapd/pkg/logging"
)

// Bitcoin defaults
const (
	DefaultMinFeeRate     = 2
	DefaultFeeBumpPercent = 25
	DefaultRedeemTTL      = 48 * time.Hour
)

var ErrHTLCNotFunded = errors.New("htlc has no spendable output")

// BitcoinConfig configures the Bitcoin actor.
type BitcoinConfig struct {
	Chain chain.Chain
	// MinFeeRate floors the estimated fee rate, in sat/vB.
	MinFeeRate uint64
	// FeeBumpPercent raises the fee of a redeem replacing a dropped one.
	FeeBumpPercent uint64
	// RedeemTTL is how long a submitted redeem is remembered.
	RedeemTTL time.Duration
}

// redeemRecord is the btc_redeem cache entry of a submitted claim.
type redeemRecord struct {
	TxID    string `json:"txid"`
	FeeRate uint64 `json:"fee_rate"`
}

// BitcoinActor funds and spends P2WSH HTLCs with one BIP84 key. Its
// identity on a leg is the compressed public key.
type BitcoinActor struct {
	cfg        BitcoinConfig
	network    chain.Network
	key        *btcec.PrivateKey
	pubKey     []byte
	walletAddr string
	backend    backend.Backend
	cache      cache.Cache
	log        *logging.Logger
}

// NewBitcoinActor creates a Bitcoin actor for cfg.Chain.
func NewBitcoinActor(cfg BitcoinConfig, key *btcec.PrivateKey, be backend.Backend, c cache.Cache) (*BitcoinActor, error) {
	params, ok := chain.Get(cfg.Chain)
	if !ok || params.Family != chain.FamilyBitcoin {
		return nil, fmt.Errorf("%s is not a bitcoin chain", cfg.Chain)
	}
	if cfg.MinFeeRate == 0 {
		cfg.MinFeeRate = DefaultMinFeeRate
	}
	if cfg.FeeBumpPercent == 0 {
		cfg.FeeBumpPercent = DefaultFeeBumpPercent
	}
	if cfg.RedeemTTL <= 0 {
		cfg.RedeemTTL = DefaultRedeemTTL
	}
	addr, err := wallet.P2WPKHAddress(key.PubKey(), params.Network)
	if err != nil {
		return nil, err
	}
	return &BitcoinActor{
		cfg:        cfg,
		network:    params.Network,
		key:        key,
		pubKey:     key.PubKey().SerializeCompressed(),
		walletAddr: addr,
		backend:    be,
		cache:      c,
		log:        logging.GetDefault().Component("htlc.bitcoin").With("chain", cfg.Chain),
	}, nil
}

// Family returns FamilyBitcoin.
func (a *BitcoinActor) Family() chain.Family { return chain.FamilyBitcoin }

// Address returns the compressed public key as hex.
func (a *BitcoinActor) Address() string { return hex.EncodeToString(a.pubKey) }

// WalletAddress returns the P2WPKH address funds come from and go to.
func (a *BitcoinActor) WalletAddress() string { return a.walletAddr }

// Initiate funds the source HTLC and keeps a signed refund for later.
func (a *BitcoinActor) Initiate(ctx context.Context, o *order.MatchedOrder) (string, error) {
	const op = "bitcoin.initiate"
	if err := CheckInitiate(op, a, o); err != nil {
		return "", err
	}
	s := &o.SourceSwap
	counterparty, err := bitcoinPubKey(s.Redeemer)
	if err != nil {
		return "", swaperr.ValidationErr(op, fmt.Errorf("redeemer: %w", err))
	}
	htlc, err := a.legHTLC(op, s, counterparty, a.pubKey)
	if err != nil {
		return "", err
	}
	amount, err := satoshis(op, s)
	if err != nil {
		return "", err
	}
	feeRate, err := a.feeRate(ctx, op)
	if err != nil {
		return "", err
	}

	utxos, err := a.backend.GetAddressUTXOs(ctx, a.walletAddr)
	if err != nil {
		return "", backendErr(op, err)
	}
	tx, _, err := bitcoin.BuildFundingTx(&bitcoin.FundingTxParams{
		Network:       a.network,
		UTXOs:         utxos,
		PrivKey:       a.key,
		HTLCAddress:   htlc.Address,
		Amount:        amount,
		ChangeAddress: a.walletAddr,
		FeeRate:       feeRate,
	})
	if err != nil {
		if errors.Is(err, bitcoin.ErrNoUTXOs) || errors.Is(err, bitcoin.ErrInsufficientFunds) {
			return "", swaperr.Rejected(op, err)
		}
		return "", swaperr.ValidationErr(op, err)
	}
	vout, ok := bitcoin.FindOutput(tx, htlc.ScriptPubKey())
	if !ok {
		return "", swaperr.Validation(op, "funding transaction does not pay %s", htlc.Address)
	}

	txid, err := a.broadcast(ctx, op, tx)
	if err != nil {
		return "", err
	}
	a.log.Info("Funded HTLC", "order_id", o.ID(), "txid", txid, "address", htlc.Address, "amount", amount)

	a.storeRefund(ctx, o.ID(), htlc, txid, vout, amount, feeRate)
	return txid, nil
}

// storeRefund pre-signs the refund of a funded HTLC. Failing to store it
// only means the refund is built again when needed.
func (a *BitcoinActor) storeRefund(ctx context.Context, orderID string, htlc *bitcoin.HTLC, txid string, vout uint32, amount, feeRate uint64) {
	refund, err := bitcoin.BuildRefundTx(&bitcoin.SpendParams{
		Network:       a.network,
		FundingTxID:   txid,
		FundingVout:   vout,
		FundingAmount: amount,
		HTLC:          htlc,
		DestAddress:   a.walletAddr,
		FeeRate:       feeRate,
		PrivKey:       a.key,
	})
	if err != nil {
		a.log.Warn("Failed to pre-sign refund", "order_id", orderID, "error", err)
		return
	}
	raw, err := bitcoin.SerializeTx(refund)
	if err != nil {
		a.log.Warn("Failed to serialize refund", "order_id", orderID, "error", err)
		return
	}
	if err := a.cache.Set(ctx, cache.NamespaceRefundSig, orderID, []byte(raw), 0); err != nil {
		a.log.Warn("Failed to store refund", "order_id", orderID, "error", err)
	}
}

// Redeem claims the destination HTLC. A claim that is still known to the
// indexer is reported again; one that vanished is replaced at a higher
// fee rate.
func (a *BitcoinActor) Redeem(ctx context.Context, o *order.MatchedOrder, secret []byte) (string, error) {
	const op = "bitcoin.redeem"
	if err := CheckRedeem(op, a, o, secret); err != nil {
		return "", err
	}
	s := &o.DestinationSwap
	counterparty, err := bitcoinPubKey(s.Initiator)
	if err != nil {
		return "", swaperr.ValidationErr(op, fmt.Errorf("initiator: %w", err))
	}
	htlc, err := a.legHTLC(op, s, a.pubKey, counterparty)
	if err != nil {
		return "", err
	}
	amount, err := satoshis(op, s)
	if err != nil {
		return "", err
	}

	feeRate, err := a.feeRate(ctx, op)
	if err != nil {
		return "", err
	}
	if prior, ok := a.priorRedeem(ctx, o.ID()); ok {
		_, err := a.backend.GetTransaction(ctx, prior.TxID)
		switch {
		case err == nil:
			return prior.TxID, nil
		case !errors.Is(err, backend.ErrTxNotFound):
			return "", backendErr(op, err)
		}
		bump := prior.FeeRate * a.cfg.FeeBumpPercent / 100
		if bump == 0 {
			bump = 1
		}
		if prior.FeeRate+bump > feeRate {
			feeRate = prior.FeeRate + bump
		}
		a.log.Warn("Previous redeem dropped, replacing", "order_id", o.ID(), "txid", prior.TxID, "fee_rate", feeRate)
	}

	utxo, err := a.htlcOutput(ctx, op, htlc, amount)
	if err != nil {
		return "", err
	}

	dest := a.walletAddr
	if r := o.CreateOrder.AdditionalData.BitcoinOptionalRecipient; r != "" {
		if !wallet.ValidateAddress(r, a.network) {
			return "", swaperr.Validation(op, "invalid bitcoin recipient %q", r)
		}
		dest = r
	}

	tx, err := bitcoin.BuildClaimTx(&bitcoin.SpendParams{
		Network:       a.network,
		FundingTxID:   utxo.TxID,
		FundingVout:   utxo.Vout,
		FundingAmount: utxo.Amount,
		HTLC:          htlc,
		DestAddress:   dest,
		FeeRate:       feeRate,
		PrivKey:       a.key,
	}, secret)
	if err != nil {
		return "", swaperr.ValidationErr(op, err)
	}
	txid, err := a.broadcast(ctx, op, tx)
	if err != nil {
		return "", err
	}
	a.log.Info("Claimed HTLC", "order_id", o.ID(), "txid", txid, "fee_rate", feeRate)

	record, _ := json.Marshal(redeemRecord{TxID: txid, FeeRate: feeRate})
	if err := a.cache.Set(ctx, cache.NamespaceBTCRedeem, o.ID(), record, a.cfg.RedeemTTL); err != nil {
		a.log.Warn("Failed to record redeem", "order_id", o.ID(), "error", err)
	}
	return txid, nil
}

func (a *BitcoinActor) priorRedeem(ctx context.Context, orderID string) (redeemRecord, bool) {
	var rec redeemRecord
	raw, err := a.cache.Get(ctx, cache.NamespaceBTCRedeem, orderID)
	if err != nil {
		return rec, false
	}
	if err := json.Unmarshal(raw, &rec); err != nil || rec.TxID == "" {
		return rec, false
	}
	return rec, true
}

// Refund spends the expired source HTLC back to the wallet, preferring
// the refund signed at initiate.
func (a *BitcoinActor) Refund(ctx context.Context, o *order.MatchedOrder) (string, error) {
	const op = "bitcoin.refund"
	if err := CheckRefund(op, a, o); err != nil {
		return "", err
	}

	if raw, err := a.cache.Get(ctx, cache.NamespaceRefundSig, o.ID()); err == nil {
		txid, err := a.backend.BroadcastTransaction(ctx, string(raw))
		if err == nil {
			a.log.Info("Broadcast stored refund", "order_id", o.ID(), "txid", txid)
			return txid, nil
		}
		mapped := backendErr(op, err)
		if swaperr.IsRetryable(mapped) {
			return "", mapped
		}
		a.log.Warn("Stored refund rejected, building a new one", "order_id", o.ID(), "error", err)
	}

	s := &o.SourceSwap
	counterparty, err := bitcoinPubKey(s.Redeemer)
	if err != nil {
		return "", swaperr.ValidationErr(op, fmt.Errorf("redeemer: %w", err))
	}
	htlc, err := a.legHTLC(op, s, counterparty, a.pubKey)
	if err != nil {
		return "", err
	}
	amount, err := satoshis(op, s)
	if err != nil {
		return "", err
	}
	feeRate, err := a.feeRate(ctx, op)
	if err != nil {
		return "", err
	}
	utxo, err := a.htlcOutput(ctx, op, htlc, amount)
	if err != nil {
		return "", err
	}
	tx, err := bitcoin.BuildRefundTx(&bitcoin.SpendParams{
		Network:       a.network,
		FundingTxID:   utxo.TxID,
		FundingVout:   utxo.Vout,
		FundingAmount: utxo.Amount,
		HTLC:          htlc,
		DestAddress:   a.walletAddr,
		FeeRate:       feeRate,
		PrivKey:       a.key,
	})
	if err != nil {
		return "", swaperr.ValidationErr(op, err)
	}
	txid, err := a.broadcast(ctx, op, tx)
	if err != nil {
		return "", err
	}
	a.log.Info("Refunded HTLC", "order_id", o.ID(), "txid", txid)
	return txid, nil
}

func (a *BitcoinActor) legHTLC(op string, s *order.Swap, redeemer, initiator []byte) (*bitcoin.HTLC, error) {
	hash, err := s.SecretHashBytes()
	if err != nil {
		return nil, swaperr.ValidationErr(op, err)
	}
	if s.Timelock > bitcoin.MaxTimelock {
		return nil, swaperr.Validation(op, "timelock %d exceeds %d blocks", s.Timelock, bitcoin.MaxTimelock)
	}
	htlc, err := bitcoin.NewHTLC(hash[:], redeemer, initiator, uint32(s.Timelock), a.network)
	if err != nil {
		return nil, swaperr.ValidationErr(op, err)
	}
	return htlc, nil
}

// htlcOutput finds the funding output of htlc.
func (a *BitcoinActor) htlcOutput(ctx context.Context, op string, htlc *bitcoin.HTLC, amount uint64) (backend.UTXO, error) {
	utxos, err := a.backend.GetAddressUTXOs(ctx, htlc.Address)
	if err != nil {
		return backend.UTXO{}, backendErr(op, err)
	}
	for _, u := range utxos {
		if u.Amount >= amount {
			return u, nil
		}
	}
	return backend.UTXO{}, swaperr.Transient(op, fmt.Errorf("%w: %s", ErrHTLCNotFunded, htlc.Address))
}

func (a *BitcoinActor) feeRate(ctx context.Context, op string) (uint64, error) {
	est, err := a.backend.GetFeeEstimates(ctx)
	if err != nil {
		return 0, backendErr(op, err)
	}
	if est.HalfHourFee < a.cfg.MinFeeRate {
		return a.cfg.MinFeeRate, nil
	}
	return est.HalfHourFee, nil
}

func (a *BitcoinActor) broadcast(ctx context.Context, op string, tx *wire.MsgTx) (string, error) {
	raw, err := bitcoin.SerializeTx(tx)
	if err != nil {
		return "", swaperr.ValidationErr(op, err)
	}
	txid, err := a.backend.BroadcastTransaction(ctx, raw)
	if err != nil {
		return "", backendErr(op, err)
	}
	return txid, nil
}

func satoshis(op string, s *order.Swap) (uint64, error) {
	amount := s.AmountInt()
	if !amount.IsUint64() {
		return 0, swaperr.Validation(op, "amount %s exceeds satoshi range", amount)
	}
	return amount.Uint64(), nil
}

// bitcoinPubKey decodes a compressed public key. A 32-byte x-only key is
// taken with even y.
func bitcoinPubKey(s string) ([]byte, error) {
	b, err := helpers.HexToBytes(s)
	if err != nil {
		return nil, err
	}
	if len(b) == 32 {
		b = append([]byte{0x02}, b...)
	}
	if _, err := btcec.ParsePubKey(b); err != nil {
		return nil, fmt.Errorf("%w: %v", bitcoin.ErrInvalidPubKey, err)
	}
	return b, nil
}

// backendErr classifies an indexer error.
func backendErr(op string, err error) error {
	var se *backend.StatusError
	switch {
	case errors.Is(err, backend.ErrRateLimited):
		return swaperr.Transient(op, err)
	case errors.As(err, &se):
		if se.Code >= http.StatusInternalServerError {
			return swaperr.Transient(op, err)
		}
		return swaperr.FromHTTP(op, se.Code, se.Body)
	case errors.Is(err, backend.ErrBroadcastFailed):
		return swaperr.Rejected(op, err)
	default:
		return swaperr.FromChainError(op, err)
	}
}

var _ Actor = (*BitcoinActor)(nil)
