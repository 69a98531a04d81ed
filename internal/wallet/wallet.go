package wallet

import (
	"crypto/ed25519"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/tyler-smith/go-bip39"

	"github.com/Klingon-tech/swapd/internal/chain"
)

// BIP84 purpose for native segwit keys.
const PurposeBIP84 = 84

// Wallet manages HD keys derived from a BIP39 seed. The seed comes from
// the digest key used as 256-bit entropy, so the Bitcoin wallet is
// reproducible from the same key the secrets are derived from.
type Wallet struct {
	masterKey *hdkeychain.ExtendedKey
	seed      []byte
	network   chain.Network
	mu        sync.Mutex

	cache map[[5]uint32]*hdkeychain.ExtendedKey
}

// GenerateMnemonic generates a new 24-word BIP39 mnemonic.
func GenerateMnemonic() (string, error) {
	entropy, err := bip39.NewEntropy(256) // 256 bits = 24 words
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}

	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return mnemonic, nil
}

// ValidateMnemonic checks if a mnemonic is valid.
func ValidateMnemonic(mnemonic string) bool {
	return bip39.IsMnemonicValid(mnemonic)
}

// MnemonicFromKey encodes a digest key as a 24-word mnemonic.
func MnemonicFromKey(key []byte) (string, error) {
	if len(key) != DigestKeySize {
		return "", fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidKey, DigestKeySize, len(key))
	}
	return bip39.NewMnemonic(key)
}

// KeyFromMnemonic recovers the digest key from its mnemonic.
func KeyFromMnemonic(mnemonic string) ([]byte, error) {
	key, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}
	if !ValidDigestKey(key) {
		return nil, ErrInvalidKey
	}
	return key, nil
}

// NewFromKey creates a wallet using the digest key as BIP39 entropy.
func NewFromKey(key []byte, network chain.Network) (*Wallet, error) {
	mnemonic, err := MnemonicFromKey(key)
	if err != nil {
		return nil, err
	}
	return NewFromMnemonic(mnemonic, "", network)
}

// NewFromMnemonic creates a wallet from a BIP39 mnemonic.
// The passphrase is optional (can be empty string).
func NewFromMnemonic(mnemonic, passphrase string, network chain.Network) (*Wallet, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("invalid mnemonic")
	}
	return NewFromSeed(bip39.NewSeed(mnemonic, passphrase), network)
}

// NewFromSeed creates a wallet from a raw 64-byte seed.
func NewFromSeed(seed []byte, network chain.Network) (*Wallet, error) {
	masterKey, err := hdkeychain.NewMaster(seed, chain.NetworkParams(network))
	if err != nil {
		return nil, fmt.Errorf("failed to create master key: %w", err)
	}

	return &Wallet{
		masterKey: masterKey,
		seed:      append([]byte(nil), seed...),
		network:   network,
		cache:     make(map[[5]uint32]*hdkeychain.ExtendedKey),
	}, nil
}

// Network returns the wallet's network.
func (w *Wallet) Network() chain.Network {
	return w.network
}

// MasterKey returns the BIP32 root key.
func (w *Wallet) MasterKey() *hdkeychain.ExtendedKey {
	return w.masterKey
}

// DeriveKey derives a key at the full path: m/purpose'/coin'/account'/change/index
func (w *Wallet) DeriveKey(purpose, coinType, account, change, index uint32) (*hdkeychain.ExtendedKey, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	path := [5]uint32{purpose, coinType, account, change, index}
	if key, ok := w.cache[path]; ok {
		return key, nil
	}

	key := w.masterKey
	steps := []struct {
		name  string
		child uint32
	}{
		{"purpose", hdkeychain.HardenedKeyStart + purpose},
		{"coin", hdkeychain.HardenedKeyStart + coinType},
		{"account", hdkeychain.HardenedKeyStart + account},
		{"change", change},
		{"address", index},
	}
	for _, step := range steps {
		next, err := key.Derive(step.child)
		if err != nil {
			return nil, fmt.Errorf("failed to derive %s: %w", step.name, err)
		}
		key = next
	}

	w.cache[path] = key
	return key, nil
}

// BitcoinKey derives the BIP84 key m/84'/coin'/account'/0/index.
func (w *Wallet) BitcoinKey(account, index uint32) (*btcec.PrivateKey, error) {
	key, err := w.DeriveKey(PurposeBIP84, chain.BIP84CoinType(w.network), account, 0, index)
	if err != nil {
		return nil, err
	}
	privKey, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get private key: %w", err)
	}
	return privKey, nil
}

// BitcoinAddress returns the P2WPKH address of BitcoinKey(account, index).
func (w *Wallet) BitcoinAddress(account, index uint32) (string, error) {
	privKey, err := w.BitcoinKey(account, index)
	if err != nil {
		return "", err
	}
	return P2WPKHAddress(privKey.PubKey(), w.network)
}

// DerivationPath returns the BIP84 path string for an account and index.
func (w *Wallet) DerivationPath(account, index uint32) string {
	return fmt.Sprintf("m/%d'/%d'/%d'/0/%d", PurposeBIP84, chain.BIP84CoinType(w.network), account, index)
}

// SuiKey derives the ed25519 key at m/44'/784'/account'/0'/0'.
func (w *Wallet) SuiKey(account uint32) (ed25519.PrivateKey, error) {
	return DeriveEd25519(w.seed, []uint32{44, SuiCoinType, account, 0, 0})
}

// ClearCache clears the key cache.
func (w *Wallet) ClearCache() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.cache = make(map[[5]uint32]*hdkeychain.ExtendedKey)
}
