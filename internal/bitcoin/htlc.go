// Package bitcoin builds the P2WSH hash time-locked contract used on the
// Bitcoin leg of a swap and the transactions that fund, claim and refund it.
package bitcoin

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"

	"github.com/Klingon-tech/swapd/internal/chain"
	"github.com/Klingon-tech/swapd/pkg/helpers"
)

// Script errors
var (
	ErrInvalidScript = errors.New("invalid HTLC script")
	ErrInvalidPubKey = errors.New("invalid public key")
)

// MaxTimelock is the largest block count a CSV sequence can carry.
const MaxTimelock = 0xFFFF

// HTLC describes one P2WSH contract.
type HTLC struct {
	SecretHash      []byte // sha256 of the secret
	RedeemerPubKey  []byte // claims with the secret
	InitiatorPubKey []byte // refunds after the timelock
	Timelock        uint32 // relative, in blocks

	Script  []byte
	Address string
}

// NewHTLC builds the script and P2WSH address for a contract.
func NewHTLC(secretHash, redeemerPubKey, initiatorPubKey []byte, timelock uint32, network chain.Network) (*HTLC, error) {
	script, err := BuildHTLCScript(secretHash, redeemerPubKey, initiatorPubKey, timelock)
	if err != nil {
		return nil, err
	}
	address, err := HTLCAddress(script, network)
	if err != nil {
		return nil, err
	}
	return &HTLC{
		SecretHash:      secretHash,
		RedeemerPubKey:  redeemerPubKey,
		InitiatorPubKey: initiatorPubKey,
		Timelock:        timelock,
		Script:          script,
		Address:         address,
	}, nil
}

// ScriptHex returns the witness script as hex.
func (h *HTLC) ScriptHex() string {
	return hex.EncodeToString(h.Script)
}

// ScriptPubKey returns the P2WSH output script.
func (h *HTLC) ScriptPubKey() []byte {
	return P2WSHScriptPubKey(h.Script)
}

// BuildHTLCScript creates the contract script.
//
//	OP_IF
//	    OP_SHA256 <secret_hash> OP_EQUALVERIFY
//	    <redeemer_pubkey> OP_CHECKSIG
//	OP_ELSE
//	    <timelock> OP_CHECKSEQUENCEVERIFY OP_DROP
//	    <initiator_pubkey> OP_CHECKSIG
//	OP_ENDIF
func BuildHTLCScript(secretHash, redeemerPubKey, initiatorPubKey []byte, timelock uint32) ([]byte, error) {
	if len(secretHash) != 32 {
		return nil, fmt.Errorf("%w: secret hash must be 32 bytes, got %d", ErrInvalidScript, len(secretHash))
	}
	if len(redeemerPubKey) != 33 {
		return nil, fmt.Errorf("%w: redeemer pubkey must be 33 bytes (compressed), got %d", ErrInvalidPubKey, len(redeemerPubKey))
	}
	if len(initiatorPubKey) != 33 {
		return nil, fmt.Errorf("%w: initiator pubkey must be 33 bytes (compressed), got %d", ErrInvalidPubKey, len(initiatorPubKey))
	}
	if timelock == 0 {
		return nil, fmt.Errorf("%w: timelock must be greater than 0", ErrInvalidScript)
	}
	if timelock > MaxTimelock {
		return nil, fmt.Errorf("%w: timelock exceeds maximum CSV value (%d)", ErrInvalidScript, MaxTimelock)
	}

	builder := txscript.NewScriptBuilder()

	builder.AddOp(txscript.OP_IF)
	builder.AddOp(txscript.OP_SHA256)
	builder.AddData(secretHash)
	builder.AddOp(txscript.OP_EQUALVERIFY)
	builder.AddData(redeemerPubKey)
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ELSE)
	builder.AddInt64(int64(timelock))
	builder.AddOp(txscript.OP_CHECKSEQUENCEVERIFY)
	builder.AddOp(txscript.OP_DROP)
	builder.AddData(initiatorPubKey)
	builder.AddOp(txscript.OP_CHECKSIG)

	builder.AddOp(txscript.OP_ENDIF)

	return builder.Script()
}

// HTLCAddress derives the P2WSH address of a script.
func HTLCAddress(script []byte, network chain.Network) (string, error) {
	scriptHash := sha256.Sum256(script)
	address, err := btcutil.NewAddressWitnessScriptHash(scriptHash[:], chain.NetworkParams(network))
	if err != nil {
		return "", fmt.Errorf("failed to create P2WSH address: %w", err)
	}
	return address.EncodeAddress(), nil
}

// P2WSHScriptPubKey returns OP_0 <sha256(script)>.
func P2WSHScriptPubKey(script []byte) []byte {
	scriptHash := sha256.Sum256(script)
	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_0)
	builder.AddData(scriptHash[:])
	scriptPubKey, _ := builder.Script()
	return scriptPubKey
}

// BuildClaimWitness returns [sig, secret, 0x01, script].
func BuildClaimWitness(signature, secret, script []byte) [][]byte {
	return [][]byte{
		signature,
		secret,
		{0x01},
		script,
	}
}

// BuildRefundWitness returns [sig, <empty>, script].
func BuildRefundWitness(signature, script []byte) [][]byte {
	return [][]byte{
		signature,
		{},
		script,
	}
}

// VerifySecret checks a secret against the contract hash.
func VerifySecret(secret, secretHash []byte) bool {
	if len(secret) != 32 || len(secretHash) != 32 {
		return false
	}
	h := sha256.Sum256(secret)
	return helpers.ConstantTimeCompare(h[:], secretHash)
}

// ParseHTLCScript extracts the components of a contract script.
func ParseHTLCScript(script []byte) (*HTLC, error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)

	expect := func(op byte, name string) error {
		if !tokenizer.Next() || tokenizer.Opcode() != op {
			return fmt.Errorf("%w: expected %s", ErrInvalidScript, name)
		}
		return nil
	}
	push := func(size int, name string) ([]byte, error) {
		if !tokenizer.Next() {
			return nil, fmt.Errorf("%w: expected %s", ErrInvalidScript, name)
		}
		data := tokenizer.Data()
		if len(data) != size {
			return nil, fmt.Errorf("%w: %s must be %d bytes", ErrInvalidScript, name, size)
		}
		return data, nil
	}

	h := &HTLC{Script: script}
	var err error

	if err = expect(txscript.OP_IF, "OP_IF"); err != nil {
		return nil, err
	}
	if err = expect(txscript.OP_SHA256, "OP_SHA256"); err != nil {
		return nil, err
	}
	if h.SecretHash, err = push(32, "secret hash"); err != nil {
		return nil, err
	}
	if err = expect(txscript.OP_EQUALVERIFY, "OP_EQUALVERIFY"); err != nil {
		return nil, err
	}
	if h.RedeemerPubKey, err = push(33, "redeemer pubkey"); err != nil {
		return nil, err
	}
	if err = expect(txscript.OP_CHECKSIG, "OP_CHECKSIG"); err != nil {
		return nil, err
	}
	if err = expect(txscript.OP_ELSE, "OP_ELSE"); err != nil {
		return nil, err
	}

	if !tokenizer.Next() {
		return nil, fmt.Errorf("%w: expected timelock", ErrInvalidScript)
	}
	op := tokenizer.Opcode()
	if txscript.IsSmallInt(op) {
		h.Timelock = uint32(txscript.AsSmallInt(op))
	} else {
		data := tokenizer.Data()
		if len(data) == 0 || len(data) > 4 {
			return nil, fmt.Errorf("%w: invalid timelock push", ErrInvalidScript)
		}
		for i := 0; i < len(data); i++ {
			h.Timelock |= uint32(data[i]) << (8 * i)
		}
	}

	if err = expect(txscript.OP_CHECKSEQUENCEVERIFY, "OP_CHECKSEQUENCEVERIFY"); err != nil {
		return nil, err
	}
	if err = expect(txscript.OP_DROP, "OP_DROP"); err != nil {
		return nil, err
	}
	if h.InitiatorPubKey, err = push(33, "initiator pubkey"); err != nil {
		return nil, err
	}
	if err = expect(txscript.OP_CHECKSIG, "OP_CHECKSIG"); err != nil {
		return nil, err
	}
	if err = expect(txscript.OP_ENDIF, "OP_ENDIF"); err != nil {
		return nil, err
	}
	if tokenizer.Next() {
		return nil, fmt.Errorf("%w: trailing data", ErrInvalidScript)
	}
	if tokenizer.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScript, tokenizer.Err())
	}
	return h, nil
}
