package config

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Klingon-tech/swapd/internal/chain"
)

// EVMContracts holds the deployed HTLC contracts of an EVM chain.
type EVMContracts struct {
	// HTLC is the ERC-20 HTLC. Token legs name it as their asset.
	HTLC common.Address
	// NativeHTLC locks the chain's gas coin.
	NativeHTLC common.Address
	// RPCURL is a public endpoint used as the default rpc_url.
	RPCURL string
}

var (
	evmContractsMu sync.RWMutex
	evmContracts   = map[chain.Chain]*EVMContracts{
		chain.EthereumSepolia: {
			HTLC:   common.HexToAddress("0x628c677e7b8889e64564d3f381565a9e6656aade"),
			RPCURL: "https://rpc.sepolia.org",
		},
		chain.BSCTestnet: {
			HTLC:   common.HexToAddress("0xC8515f07b08b586a2Fd6A389585D9a182D03adFB"),
			RPCURL: "https://data-seed-prebsc-1-s1.binance.org:8545",
		},
		chain.ArbitrumSepolia: {RPCURL: "https://sepolia-rollup.arbitrum.io/rpc"},
		chain.BaseSepolia:     {RPCURL: "https://sepolia.base.org"},

		// Mainnet contracts are not deployed until the audit completes.
		chain.Ethereum: {RPCURL: "https://eth.llamarpc.com"},
		chain.Arbitrum: {RPCURL: "https://arb1.arbitrum.io/rpc"},
		chain.Base:     {RPCURL: "https://mainnet.base.org"},
		chain.BSC:      {RPCURL: "https://bsc-dataseed.binance.org"},
	}
)

// DefaultEVMContracts returns the known deployment of a chain.
func DefaultEVMContracts(c chain.Chain) (*EVMContracts, bool) {
	evmContractsMu.RLock()
	defer evmContractsMu.RUnlock()
	contracts, ok := evmContracts[c]
	if !ok {
		return nil, false
	}
	cp := *contracts
	return &cp, true
}

// IsHTLCDeployed reports whether a token HTLC is known for the chain.
func IsHTLCDeployed(c chain.Chain) bool {
	contracts, ok := DefaultEVMContracts(c)
	return ok && contracts.HTLC != (common.Address{})
}

// RegisterEVMContracts registers or replaces the deployment of a chain.
func RegisterEVMContracts(c chain.Chain, contracts *EVMContracts) {
	evmContractsMu.Lock()
	defer evmContractsMu.Unlock()
	evmContracts[c] = contracts
}

// NativeHTLCAddress resolves the native HTLC of an EVM chain: the
// configured value first, then the known deployment.
func (cc *ChainConfig) NativeHTLCAddress(c chain.Chain) string {
	if cc.NativeHTLC != "" {
		return cc.NativeHTLC
	}
	if contracts, ok := DefaultEVMContracts(c); ok {
		return hexOrEmpty(contracts.NativeHTLC)
	}
	return ""
}

func hexOrEmpty(a common.Address) string {
	if a == (common.Address{}) {
		return ""
	}
	return a.Hex()
}
