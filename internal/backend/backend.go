// Package backend provides read access to a Bitcoin chain and transaction
// broadcast through an esplora-compatible REST indexer. It never handles
// private keys.
package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Klingon-tech/swapd/internal/chain"
)

// Common errors
var (
	ErrNotConnected       = errors.New("backend not connected")
	ErrTxNotFound         = errors.New("transaction not found")
	ErrAddressNotFound    = errors.New("address not found")
	ErrBroadcastFailed    = errors.New("broadcast failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrUnsupportedBackend = errors.New("unsupported backend type")
)

// Type represents the backend type.
type Type string

const (
	TypeMempool Type = "mempool" // mempool.space API
	TypeEsplora Type = "esplora" // blockstream.info API
)

// UTXO represents an unspent transaction output.
type UTXO struct {
	TxID          string `json:"txid"`
	Vout          uint32 `json:"vout"`
	Amount        uint64 `json:"value"` // satoshis
	Confirmations int64  `json:"confirmations"`
	BlockHeight   int64  `json:"block_height,omitempty"`
}

// Transaction is an indexed transaction.
type Transaction struct {
	TxID          string     `json:"txid"`
	Version       int32      `json:"version"`
	VSize         int64      `json:"vsize"`
	Weight        int64      `json:"weight"`
	LockTime      uint32     `json:"locktime"`
	Fee           uint64     `json:"fee"`
	Confirmed     bool       `json:"confirmed"`
	BlockHash     string     `json:"block_hash,omitempty"`
	BlockHeight   int64      `json:"block_height,omitempty"`
	Confirmations int64      `json:"confirmations"`
	Inputs        []TxInput  `json:"vin"`
	Outputs       []TxOutput `json:"vout"`
}

// FeeRate returns the paid fee in sat/vB, rounded up.
func (t *Transaction) FeeRate() uint64 {
	if t.VSize <= 0 {
		return 0
	}
	return (t.Fee + uint64(t.VSize) - 1) / uint64(t.VSize)
}

// TxInput represents a transaction input.
type TxInput struct {
	TxID     string    `json:"txid"`
	Vout     uint32    `json:"vout"`
	Witness  []string  `json:"witness,omitempty"`
	Sequence uint32    `json:"sequence"`
	PrevOut  *TxOutput `json:"prevout,omitempty"`
}

// TxOutput represents a transaction output.
type TxOutput struct {
	ScriptPubKey     string `json:"scriptpubkey"`
	ScriptPubKeyType string `json:"scriptpubkey_type,omitempty"`
	ScriptPubKeyAddr string `json:"scriptpubkey_address,omitempty"`
	Value            uint64 `json:"value"`
}

// FeeEstimate contains fee estimation for different confirmation targets.
type FeeEstimate struct {
	FastestFee  uint64 `json:"fastest_fee"`   // sat/vB for next block
	HalfHourFee uint64 `json:"half_hour_fee"` // sat/vB for ~30 min
	HourFee     uint64 `json:"hour_fee"`      // sat/vB for ~1 hour
	EconomyFee  uint64 `json:"economy_fee"`   // sat/vB for low priority
	MinimumFee  uint64 `json:"minimum_fee"`   // sat/vB minimum relay fee
}

// Backend defines the interface for Bitcoin chain data providers.
type Backend interface {
	Type() Type

	Connect(ctx context.Context) error
	Close() error
	IsConnected() bool

	GetAddressUTXOs(ctx context.Context, address string) ([]UTXO, error)

	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	BroadcastTransaction(ctx context.Context, rawTxHex string) (string, error)

	GetBlockHeight(ctx context.Context) (int64, error)
	GetFeeEstimates(ctx context.Context) (*FeeEstimate, error)
}

// Config contains backend configuration.
type Config struct {
	Type    Type          `yaml:"type"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// DefaultURLs are the public indexers per Bitcoin chain.
var DefaultURLs = map[chain.Chain]string{
	chain.Bitcoin:        "https://mempool.space/api",
	chain.BitcoinTestnet: "https://mempool.space/testnet4/api",
}

// DefaultConfig returns the mempool.space configuration for a chain, if
// one exists.
func DefaultConfig(c chain.Chain) (*Config, bool) {
	url, ok := DefaultURLs[c]
	if !ok {
		return nil, false
	}
	return &Config{Type: TypeMempool, URL: url}, true
}

// New creates a backend from configuration.
func New(cfg *Config) (Backend, error) {
	if cfg == nil || cfg.URL == "" {
		return nil, fmt.Errorf("%w: missing url", ErrUnsupportedBackend)
	}
	switch cfg.Type {
	case TypeMempool, "":
		b := NewMempoolBackend(cfg.URL)
		if cfg.Timeout > 0 {
			b.httpClient.Timeout = cfg.Timeout
		}
		return b, nil
	case TypeEsplora:
		b := NewEsploraBackend(cfg.URL)
		if cfg.Timeout > 0 {
			b.httpClient.Timeout = cfg.Timeout
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Type)
	}
}

// Registry holds backend instances by chain.
type Registry struct {
	mu       sync.RWMutex
	backends map[chain.Chain]Backend
}

// NewRegistry creates a new backend registry.
func NewRegistry() *Registry {
	return &Registry{
		backends: make(map[chain.Chain]Backend),
	}
}

// Register adds a backend to the registry.
func (r *Registry) Register(c chain.Chain, backend Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[c] = backend
}

// Get returns the backend of a chain.
func (r *Registry) Get(c chain.Chain) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[c]
	return b, ok
}

// ConnectAll connects all registered backends.
func (r *Registry) ConnectAll(ctx context.Context) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c, b := range r.backends {
		if err := b.Connect(ctx); err != nil {
			return fmt.Errorf("%s: %w", c, err)
		}
	}
	return nil
}

// CloseAll closes all registered backends.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.backends {
		b.Close()
	}
}
