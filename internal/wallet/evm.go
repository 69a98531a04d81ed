package wallet

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"golang.org/x/crypto/sha3"
)

// PublicKeyToEVMAddress converts a secp256k1 public key to an EVM address.
// Address = "0x" + last 20 bytes of Keccak256(uncompressed pubkey without 0x04 prefix)
func PublicKeyToEVMAddress(pubKey *btcec.PublicKey) string {
	pubKeyBytes := pubKey.SerializeUncompressed()
	hash := Keccak256(pubKeyBytes[1:])
	return ChecksumAddress(hex.EncodeToString(hash[12:]))
}

// PrivateKeyToEVMAddress converts a private key to an EVM address.
func PrivateKeyToEVMAddress(privKey *btcec.PrivateKey) string {
	return PublicKeyToEVMAddress(privKey.PubKey())
}

// Keccak256 computes the Keccak-256 hash (used by Ethereum).
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d)
	}
	return h.Sum(nil)
}

// ChecksumAddress applies EIP-55 checksum to an address.
func ChecksumAddress(addr string) string {
	addr = strings.ToLower(strings.TrimPrefix(addr, "0x"))
	hash := hex.EncodeToString(Keccak256([]byte(addr)))

	var b strings.Builder
	b.WriteString("0x")
	for i, c := range addr {
		// Letters whose hash nibble is >= 8 are uppercased
		if c >= 'a' && c <= 'f' && hash[i] >= '8' {
			b.WriteString(strings.ToUpper(string(c)))
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// ValidateEVMAddress checks if an EVM address is valid.
func ValidateEVMAddress(address string) bool {
	address = strings.TrimPrefix(address, "0x")
	if len(address) != 40 {
		return false
	}
	_, err := hex.DecodeString(address)
	return err == nil
}

// EVMSign signs a message hash (32 bytes) and returns the signature.
// Returns signature in Ethereum format: r || s || v (65 bytes)
func EVMSign(privKey *btcec.PrivateKey, hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}

	// SignCompact returns: v || r || s (65 bytes) where v is 27 or 28
	sig := btcecdsa.SignCompact(privKey, hash, false)
	if len(sig) != 65 {
		return nil, fmt.Errorf("invalid signature length")
	}

	// Ethereum wants: r || s || v where v is 0 or 1
	ethSig := make([]byte, 65)
	copy(ethSig[:64], sig[1:65])
	ethSig[64] = sig[0] - 27

	return ethSig, nil
}

// PersonalSign signs a message with Ethereum's personal_sign format.
// Prepends "\x19Ethereum Signed Message:\n" + len(message) + message
func PersonalSign(privKey *btcec.PrivateKey, message []byte) ([]byte, error) {
	return EVMSign(privKey, PersonalMessageHash(message))
}

// PersonalMessageHash is the digest personal_sign signs.
func PersonalMessageHash(message []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return Keccak256([]byte(prefix), message)
}

// PrivateKeyHex returns the private key as a hex string (without 0x prefix).
func PrivateKeyHex(privKey *btcec.PrivateKey) string {
	return hex.EncodeToString(privKey.Serialize())
}

// PrivateKeyFromHex creates a private key from a hex string.
func PrivateKeyFromHex(hexStr string) (*btcec.PrivateKey, error) {
	bytes, err := hex.DecodeString(strings.TrimPrefix(hexStr, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if !ValidDigestKey(bytes) {
		return nil, ErrInvalidKey
	}
	privKey, _ := btcec.PrivKeyFromBytes(bytes)
	return privKey, nil
}

// LocalSigner signs EIP-712 typed data with an in-process secp256k1 key.
// It is what derives the digest key out of band when the daemon is set up
// from an existing wallet key instead of a fresh keystore.
type LocalSigner struct {
	key *btcec.PrivateKey
}

// NewLocalSigner wraps a raw 32-byte key.
func NewLocalSigner(key []byte) (*LocalSigner, error) {
	if !ValidDigestKey(key) {
		return nil, ErrInvalidKey
	}
	privKey, _ := btcec.PrivKeyFromBytes(key)
	return &LocalSigner{key: privKey}, nil
}

// Address returns the signer's EVM address.
func (s *LocalSigner) Address() string {
	return PrivateKeyToEVMAddress(s.key)
}

// SignTypedData hashes typed data per EIP-712 and signs it.
func (s *LocalSigner) SignTypedData(_ context.Context, data apitypes.TypedData) ([]byte, error) {
	hash, _, err := apitypes.TypedDataAndHash(data)
	if err != nil {
		return nil, fmt.Errorf("failed to hash typed data: %w", err)
	}
	return EVMSign(s.key, hash)
}
