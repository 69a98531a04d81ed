package sui

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/blake2b"
)

// Signature scheme flags
const (
	FlagEd25519 byte = 0x00
)

var ErrInvalidPublicKey = errors.New("invalid ed25519 public key")

// intent is TransactionData / V0 / Sui.
var intent = []byte{0, 0, 0}

// Signer signs transactions with an ed25519 key.
type Signer struct {
	key     ed25519.PrivateKey
	address Address
}

// NewSigner wraps an ed25519 private key.
func NewSigner(key ed25519.PrivateKey) (*Signer, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 key length %d", len(key))
	}
	pub := key.Public().(ed25519.PublicKey)
	if err := ValidatePublicKey(pub); err != nil {
		return nil, err
	}
	return &Signer{key: key, address: AddressFromPublicKey(pub)}, nil
}

// ValidatePublicKey checks that pub is a canonical point encoding.
func ValidatePublicKey(pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return ErrInvalidPublicKey
	}
	if _, err := new(edwards25519.Point).SetBytes(pub); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return nil
}

// AddressFromPublicKey returns blake2b256(flag || pubkey).
func AddressFromPublicKey(pub ed25519.PublicKey) Address {
	h, _ := blake2b.New256(nil)
	h.Write([]byte{FlagEd25519})
	h.Write(pub)
	var a Address
	copy(a[:], h.Sum(nil))
	return a
}

// Address returns the signer's Sui address.
func (s *Signer) Address() Address {
	return s.address
}

// PublicKey returns the ed25519 public key.
func (s *Signer) PublicKey() ed25519.PublicKey {
	return s.key.Public().(ed25519.PublicKey)
}

// TransactionDigest is blake2b256(intent || txBytes), the message signed.
func TransactionDigest(txBytes []byte) [32]byte {
	msg := make([]byte, 0, len(intent)+len(txBytes))
	msg = append(msg, intent...)
	msg = append(msg, txBytes...)
	return blake2b.Sum256(msg)
}

// SignTransaction returns the base64 serialized signature
// flag || sig || pubkey.
func (s *Signer) SignTransaction(txBytes []byte) string {
	digest := TransactionDigest(txBytes)
	sig := ed25519.Sign(s.key, digest[:])
	out := make([]byte, 0, 1+ed25519.SignatureSize+ed25519.PublicKeySize)
	out = append(out, FlagEd25519)
	out = append(out, sig...)
	out = append(out, s.PublicKey()...)
	return base64.StdEncoding.EncodeToString(out)
}
