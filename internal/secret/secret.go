// Package secret derives HTLC secrets deterministically from a digest key.
//
// The same digest key and nonce always reproduce the same secret, so a
// crashed daemon resumes a swap without ever persisting secrets. The nonce
// is the order's 1-based sequence number for the key.
package secret

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"github.com/Klingon-tech/swapd/internal/chain"
	"github.com/Klingon-tech/swapd/internal/swaperr"
	"github.com/Klingon-tech/swapd/internal/wallet"
)

// DefaultPrefix is prepended to the decimal nonce before signing.
const DefaultPrefix = "swapd.secret:"

// Digest typed-data domain.
const (
	DomainName    = "swapd"
	DomainVersion = "1"
	digestPurpose = "Derive the swapd digest key. Only sign this on a device you trust."
)

// Errors
var (
	ErrInvalidKeyLength = errors.New("digest key must be 32 bytes")
	ErrInvalidKey       = errors.New("digest key is not a valid secp256k1 scalar")
	ErrNotInitialized   = swaperr.ErrNotInitialized
)

// Signer produces an EIP-712 signature. It is the out-of-band wallet the
// digest key is derived from when no raw key is configured.
type Signer interface {
	SignTypedData(ctx context.Context, data apitypes.TypedData) ([]byte, error)
}

// Option configures a Manager.
type Option func(*Manager)

// WithPrefix overrides the message prefix.
func WithPrefix(prefix string) Option {
	return func(m *Manager) { m.prefix = prefix }
}

// Manager holds the digest key. It is uninitialized until a key is
// supplied directly or Init has derived it from the signer, and read-only
// afterwards.
type Manager struct {
	mu     sync.RWMutex
	key    *secp256k1.PrivateKey
	signer Signer
	prefix string

	walletsMu sync.Mutex
	wallets   map[chain.Network]*wallet.Wallet
}

func newManager(opts []Option) *Manager {
	m := &Manager{prefix: DefaultPrefix, wallets: make(map[chain.Network]*wallet.Wallet)}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// NewFromKey creates an initialized manager from a raw digest key.
func NewFromKey(key []byte, opts ...Option) (*Manager, error) {
	m := newManager(opts)
	if err := m.setKey(key); err != nil {
		return nil, err
	}
	return m, nil
}

// NewFromSigner creates a manager that derives its digest key from the
// signer on Init.
func NewFromSigner(signer Signer, opts ...Option) *Manager {
	m := newManager(opts)
	m.signer = signer
	return m
}

func (m *Manager) setKey(key []byte) error {
	if len(key) != wallet.DigestKeySize {
		return fmt.Errorf("%w: got %d", ErrInvalidKeyLength, len(key))
	}
	if !wallet.ValidDigestKey(key) {
		return ErrInvalidKey
	}
	m.key = secp256k1.PrivKeyFromBytes(key)
	return nil
}

// DigestTypedData is the message the signer signs to derive the key.
func DigestTypedData() apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
			},
			"Digest": {
				{Name: "purpose", Type: "string"},
			},
		},
		PrimaryType: "Digest",
		Domain:      apitypes.TypedDataDomain{Name: DomainName, Version: DomainVersion},
		Message:     apitypes.TypedDataMessage{"purpose": digestPurpose},
	}
}

// Init derives the digest key from the signer. It is a no-op when the
// manager already holds a key.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.key != nil {
		return nil
	}
	if m.signer == nil {
		return swaperr.NotInitialized("secret.init")
	}

	sig, err := m.signer.SignTypedData(ctx, DigestTypedData())
	if err != nil {
		return fmt.Errorf("failed to sign digest message: %w", err)
	}
	digest := sha256.Sum256(sig)
	defer wallet.SecureClear(digest[:])

	return m.setKey(digest[:])
}

// Initialized reports whether the digest key is available.
func (m *Manager) Initialized() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.key != nil
}

func (m *Manager) privateKey(op string) (*secp256k1.PrivateKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.key == nil {
		return nil, swaperr.NotInitialized(op)
	}
	return m.key, nil
}

// GenerateSecret returns the secret and secret hash for a nonce.
//
//	signature = sign(keccak256(personal_message(prefix + nonce)))
//	secret    = sha256(signature)
//	hash      = sha256(secret)
//
// Signing is RFC6979 deterministic.
func (m *Manager) GenerateSecret(nonce uint64) (secret, secretHash [32]byte, err error) {
	key, err := m.privateKey("secret.generate")
	if err != nil {
		return secret, secretHash, err
	}

	msg := []byte(m.prefix + strconv.FormatUint(nonce, 10))
	compact := ecdsa.SignCompact(key, wallet.PersonalMessageHash(msg), false)

	// SignCompact is v || r || s; hash the Ethereum layout r || s || v.
	sig := make([]byte, 65)
	copy(sig[:64], compact[1:])
	sig[64] = compact[0] - 27

	secret = sha256.Sum256(sig)
	secretHash = sha256.Sum256(secret[:])
	return secret, secretHash, nil
}

// Address returns the EVM address controlled by the digest key.
func (m *Manager) Address() (string, error) {
	key, err := m.privateKey("secret.address")
	if err != nil {
		return "", err
	}
	return wallet.PrivateKeyToEVMAddress(key), nil
}

// PrivateKey returns the digest key as a secp256k1 key for actors that
// sign with the daemon's own EVM identity.
func (m *Manager) PrivateKey() (*btcec.PrivateKey, error) {
	return m.privateKey("secret.private_key")
}

// Wallet returns the HD wallet seeded by the digest key.
func (m *Manager) Wallet(network chain.Network) (*wallet.Wallet, error) {
	key, err := m.privateKey("secret.wallet")
	if err != nil {
		return nil, err
	}

	m.walletsMu.Lock()
	defer m.walletsMu.Unlock()
	if w, ok := m.wallets[network]; ok {
		return w, nil
	}

	raw := key.Serialize()
	defer wallet.SecureClear(raw)
	w, err := wallet.NewFromKey(raw, network)
	if err != nil {
		return nil, err
	}
	m.wallets[network] = w
	return w, nil
}

// MasterKey returns the BIP32 root key for the Bitcoin wallet.
func (m *Manager) MasterKey(network chain.Network) (*hdkeychain.ExtendedKey, error) {
	w, err := m.Wallet(network)
	if err != nil {
		return nil, err
	}
	return w.MasterKey(), nil
}

// BitcoinKey derives the BIP84 key m/84'/coin'/0'/0/0.
func (m *Manager) BitcoinKey(network chain.Network) (*btcec.PrivateKey, error) {
	w, err := m.Wallet(network)
	if err != nil {
		return nil, err
	}
	return w.BitcoinKey(0, 0)
}
