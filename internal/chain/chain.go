// Package chain defines the chains swapd can act on and the family each
// one belongs to. HTLC actors are selected by family.
package chain

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Network represents mainnet or testnet.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
	Regtest Network = "regtest"
)

// Family represents the blockchain family. Each family has exactly one
// HTLC actor implementation (two for EVM: EOA and batched).
type Family string

const (
	FamilyBitcoin  Family = "bitcoin"
	FamilyEVM      Family = "evm"
	FamilyStarknet Family = "starknet"
	FamilySui      Family = "sui"
)

// Chain is the orderbook's chain identifier, e.g. "arbitrum_sepolia".
type Chain string

// Params contains the static parameters of a chain.
type Params struct {
	Name        Chain
	Family      Family
	Network     Network
	ChainID     uint64 // EVM chain id; 0 elsewhere
	NativeAsset string // symbol of the gas asset
	Decimals    int32  // decimals of the native asset
}

var (
	registryMu sync.RWMutex
	registry   = make(map[Chain]*Params)
)

// Register adds chain params to the registry. Registering an existing
// name replaces it, which lets config add or override chains.
func Register(params *Params) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[normalize(params.Name)] = params
}

// Get returns chain params by name.
func Get(name Chain) (*Params, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	p, ok := registry[normalize(name)]
	return p, ok
}

// FamilyOf returns the family of a registered chain.
func FamilyOf(name Chain) (Family, error) {
	p, ok := Get(name)
	if !ok {
		return "", fmt.Errorf("unknown chain: %s", name)
	}
	return p.Family, nil
}

// IsBitcoin reports whether the chain belongs to the Bitcoin family.
// Unknown chains whose name starts with "bitcoin" are treated as Bitcoin
// so the status resolver stays pure even for unregistered testnets.
func IsBitcoin(name Chain) bool {
	if p, ok := Get(name); ok {
		return p.Family == FamilyBitcoin
	}
	return strings.HasPrefix(string(normalize(name)), "bitcoin")
}

// List returns all registered chain names in sorted order.
func List() []Chain {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]Chain, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

// ListByFamily returns all chains of a family in sorted order.
func ListByFamily(family Family) []Chain {
	var out []Chain
	for _, name := range List() {
		if p, _ := Get(name); p.Family == family {
			out = append(out, name)
		}
	}
	return out
}

// GetByChainID returns the EVM chain with the given chain id.
func GetByChainID(chainID uint64) (*Params, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	for _, p := range registry {
		if p.Family == FamilyEVM && p.ChainID == chainID {
			return p, true
		}
	}
	return nil, false
}

func normalize(name Chain) Chain {
	return Chain(strings.ToLower(strings.TrimSpace(string(name))))
}
