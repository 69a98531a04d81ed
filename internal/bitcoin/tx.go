package bitcoin

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/Klingon-tech/swapd/internal/backend"
	"github.com/Klingon-tech/swapd/internal/chain"
)

// Transaction errors
var (
	ErrNoUTXOs           = errors.New("no UTXOs available")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInvalidTxID       = errors.New("invalid transaction ID")
	ErrDustOutput        = errors.New("output below dust threshold")
	ErrMissingKey        = errors.New("private key required")
)

// DustThreshold is the smallest output relayed by default policy.
const DustThreshold = uint64(546)

// Virtual sizes used for fee estimation.
const (
	vsizeOverhead     = 11
	vsizeP2WPKHInput  = 68
	vsizeP2WPKHOutput = 31
	vsizeP2WSHOutput  = 43
	vsizeClaimInput   = 41 + 52 // sig, secret, selector, script
	vsizeRefundInput  = 41 + 44 // sig, empty selector, script
)

// RBFSequence signals opt-in replaceability.
const RBFSequence = wire.MaxTxInSequenceNum - 2

// FundingTxParams describes a wallet transaction paying into an HTLC.
type FundingTxParams struct {
	Network chain.Network

	// Wallet P2WPKH outputs, all owned by PrivKey.
	UTXOs   []backend.UTXO
	PrivKey *btcec.PrivateKey

	HTLCAddress   string
	Amount        uint64
	ChangeAddress string

	// sat/vB
	FeeRate uint64
}

// BuildFundingTx creates and signs a transaction paying Amount to the HTLC
// address. The HTLC output is always at index 0.
func BuildFundingTx(params *FundingTxParams) (*wire.MsgTx, uint64, error) {
	if len(params.UTXOs) == 0 {
		return nil, 0, ErrNoUTXOs
	}
	if params.PrivKey == nil {
		return nil, 0, ErrMissingKey
	}
	if params.Amount < DustThreshold {
		return nil, 0, fmt.Errorf("%w: %d", ErrDustOutput, params.Amount)
	}

	netParams := chain.NetworkParams(params.Network)

	htlcScript, err := addressToScript(params.HTLCAddress, params.Network)
	if err != nil {
		return nil, 0, fmt.Errorf("invalid HTLC address: %w", err)
	}
	pkHash := btcutil.Hash160(params.PrivKey.PubKey().SerializeCompressed())
	walletAddr, err := btcutil.NewAddressWitnessPubKeyHash(pkHash, netParams)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to derive wallet address: %w", err)
	}
	walletScript, err := txscript.PayToAddrScript(walletAddr)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create wallet script: %w", err)
	}
	changeAddress := params.ChangeAddress
	if changeAddress == "" {
		changeAddress = walletAddr.EncodeAddress()
	}

	tx := wire.NewMsgTx(2)
	prevOuts := txscript.NewMultiPrevOutFetcher(nil)

	var totalInput uint64
	for _, utxo := range params.UTXOs {
		txHash, err := chainhash.NewHashFromStr(utxo.TxID)
		if err != nil {
			return nil, 0, fmt.Errorf("%w: %s", ErrInvalidTxID, utxo.TxID)
		}
		outpoint := wire.NewOutPoint(txHash, utxo.Vout)
		txIn := wire.NewTxIn(outpoint, nil, nil)
		txIn.Sequence = RBFSequence
		tx.AddTxIn(txIn)
		prevOuts.AddPrevOut(*outpoint, wire.NewTxOut(int64(utxo.Amount), walletScript))
		totalInput += utxo.Amount
	}

	tx.AddTxOut(wire.NewTxOut(int64(params.Amount), htlcScript))

	vsize := uint64(vsizeOverhead + len(params.UTXOs)*vsizeP2WPKHInput + vsizeP2WSHOutput + vsizeP2WPKHOutput)
	fee := vsize * params.FeeRate

	if totalInput < params.Amount+fee {
		return nil, 0, fmt.Errorf("%w: need %d, have %d", ErrInsufficientFunds, params.Amount+fee, totalInput)
	}
	change := totalInput - params.Amount - fee
	if change > DustThreshold {
		changeScript, err := addressToScript(changeAddress, params.Network)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid change address: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(int64(change), changeScript))
	} else {
		fee += change
	}

	sigHashes := txscript.NewTxSigHashes(tx, prevOuts)
	for i, utxo := range params.UTXOs {
		witness, err := txscript.WitnessSignature(
			tx, sigHashes, i, int64(utxo.Amount), walletScript,
			txscript.SigHashAll, params.PrivKey, true,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to sign input %d: %w", i, err)
		}
		tx.TxIn[i].Witness = witness
	}

	return tx, fee, nil
}

// SpendParams describes spending the HTLC output.
type SpendParams struct {
	Network chain.Network

	FundingTxID   string
	FundingVout   uint32
	FundingAmount uint64

	HTLC        *HTLC
	DestAddress string

	// sat/vB
	FeeRate uint64

	PrivKey *btcec.PrivateKey
}

// BuildClaimTx spends the HTLC through the secret branch. The input
// signals RBF so a stuck claim can be replaced with a higher fee.
func BuildClaimTx(params *SpendParams, secret []byte) (*wire.MsgTx, error) {
	if params.PrivKey == nil {
		return nil, ErrMissingKey
	}
	if params.HTLC == nil {
		return nil, fmt.Errorf("%w: missing script", ErrInvalidScript)
	}
	if !VerifySecret(secret, params.HTLC.SecretHash) {
		return nil, fmt.Errorf("secret does not match HTLC hash")
	}

	tx, err := buildSpend(params, wire.TxVersion, RBFSequence, vsizeClaimInput)
	if err != nil {
		return nil, err
	}
	sig, err := signHTLCInput(tx, params)
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].Witness = BuildClaimWitness(sig, secret, params.HTLC.Script)
	return tx, nil
}

// BuildRefundTx spends the HTLC through the timelock branch. The
// transaction is version 2 with the input sequence set to the timelock,
// so it is valid once the funding output has that many confirmations.
func BuildRefundTx(params *SpendParams) (*wire.MsgTx, error) {
	if params.PrivKey == nil {
		return nil, ErrMissingKey
	}
	if params.HTLC == nil {
		return nil, fmt.Errorf("%w: missing script", ErrInvalidScript)
	}
	if params.HTLC.Timelock == 0 || params.HTLC.Timelock > MaxTimelock {
		return nil, fmt.Errorf("%w: timelock %d", ErrInvalidScript, params.HTLC.Timelock)
	}

	tx, err := buildSpend(params, 2, params.HTLC.Timelock, vsizeRefundInput)
	if err != nil {
		return nil, err
	}
	sig, err := signHTLCInput(tx, params)
	if err != nil {
		return nil, err
	}
	tx.TxIn[0].Witness = BuildRefundWitness(sig, params.HTLC.Script)
	return tx, nil
}

func buildSpend(params *SpendParams, version int32, sequence uint32, inputVSize int) (*wire.MsgTx, error) {
	tx := wire.NewMsgTx(version)

	txHash, err := chainhash.NewHashFromStr(params.FundingTxID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidTxID, params.FundingTxID)
	}
	txIn := wire.NewTxIn(wire.NewOutPoint(txHash, params.FundingVout), nil, nil)
	txIn.Sequence = sequence
	tx.AddTxIn(txIn)

	fee := uint64(vsizeOverhead+inputVSize+vsizeP2WSHOutput) * params.FeeRate
	if params.FundingAmount <= fee || params.FundingAmount-fee < DustThreshold {
		return nil, fmt.Errorf("%w: funding %d, fee %d", ErrInsufficientFunds, params.FundingAmount, fee)
	}

	destScript, err := addressToScript(params.DestAddress, params.Network)
	if err != nil {
		return nil, fmt.Errorf("invalid destination address: %w", err)
	}
	tx.AddTxOut(wire.NewTxOut(int64(params.FundingAmount-fee), destScript))
	return tx, nil
}

// signHTLCInput produces a BIP143 SIGHASH_ALL signature over input 0.
func signHTLCInput(tx *wire.MsgTx, params *SpendParams) ([]byte, error) {
	prevOuts := txscript.NewCannedPrevOutputFetcher(
		params.HTLC.ScriptPubKey(),
		int64(params.FundingAmount),
	)
	sigHashes := txscript.NewTxSigHashes(tx, prevOuts)
	sighash, err := txscript.CalcWitnessSigHash(
		params.HTLC.Script,
		sigHashes,
		txscript.SigHashAll,
		tx,
		0,
		int64(params.FundingAmount),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to compute sighash: %w", err)
	}
	sig := btcecdsa.Sign(params.PrivKey, sighash)
	return append(sig.Serialize(), byte(txscript.SigHashAll)), nil
}

// SelectUTXOs picks the largest outputs first until amount plus the fee of
// a funding transaction is covered.
func SelectUTXOs(utxos []backend.UTXO, amount, feeRate uint64) ([]backend.UTXO, uint64, error) {
	if len(utxos) == 0 {
		return nil, 0, ErrNoUTXOs
	}

	sorted := make([]backend.UTXO, len(utxos))
	copy(sorted, utxos)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Amount > sorted[j].Amount })

	base := uint64(vsizeOverhead + vsizeP2WSHOutput + vsizeP2WPKHOutput)

	var selected []backend.UTXO
	var total uint64
	for _, utxo := range sorted {
		selected = append(selected, utxo)
		total += utxo.Amount

		fee := (base + uint64(len(selected)*vsizeP2WPKHInput)) * feeRate
		if total >= amount+fee {
			return selected, total, nil
		}
	}

	fee := (base + uint64(len(selected)*vsizeP2WPKHInput)) * feeRate
	return nil, 0, fmt.Errorf("%w: need %d, have %d", ErrInsufficientFunds, amount+fee, total)
}

// FindOutput returns the index of the first output paying to script.
func FindOutput(tx *wire.MsgTx, pkScript []byte) (uint32, bool) {
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, pkScript) {
			return uint32(i), true
		}
	}
	return 0, false
}

// SerializeTx serializes a transaction to hex.
func SerializeTx(tx *wire.MsgTx) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return hex.EncodeToString(buf.Bytes()), nil
}

// DeserializeTx parses a hex transaction.
func DeserializeTx(hexStr string) (*wire.MsgTx, error) {
	data, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to deserialize: %w", err)
	}
	return tx, nil
}

func addressToScript(address string, network chain.Network) ([]byte, error) {
	netParams := chain.NetworkParams(network)
	addr, err := btcutil.DecodeAddress(address, netParams)
	if err != nil {
		return nil, fmt.Errorf("failed to decode address: %w", err)
	}
	if !addr.IsForNet(netParams) {
		return nil, fmt.Errorf("address %s is not for %s", address, netParams.Name)
	}
	return txscript.PayToAddrScript(addr)
}
