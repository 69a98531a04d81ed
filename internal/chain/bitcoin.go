package chain

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
)

const (
	Bitcoin        Chain = "bitcoin"
	BitcoinTestnet Chain = "bitcoin_testnet"
	BitcoinRegtest Chain = "bitcoin_regtest"
)

func init() {
	Register(&Params{Name: Bitcoin, Family: FamilyBitcoin, Network: Mainnet, NativeAsset: "BTC", Decimals: 8})
	Register(&Params{Name: BitcoinTestnet, Family: FamilyBitcoin, Network: Testnet, NativeAsset: "BTC", Decimals: 8})
	Register(&Params{Name: BitcoinRegtest, Family: FamilyBitcoin, Network: Regtest, NativeAsset: "BTC", Decimals: 8})
}

// BitcoinParams maps a Bitcoin-family chain to btcd network parameters.
func BitcoinParams(name Chain) (*chaincfg.Params, error) {
	p, ok := Get(name)
	if !ok || p.Family != FamilyBitcoin {
		return nil, fmt.Errorf("not a bitcoin chain: %s", name)
	}
	return NetworkParams(p.Network), nil
}

// NetworkParams maps a network to btcd parameters.
func NetworkParams(network Network) *chaincfg.Params {
	switch network {
	case Testnet:
		return &chaincfg.TestNet3Params
	case Regtest:
		return &chaincfg.RegressionNetParams
	default:
		return &chaincfg.MainNetParams
	}
}

// BIP84CoinType returns the BIP44 coin type used for native segwit keys.
func BIP84CoinType(network Network) uint32 {
	if network == Mainnet {
		return 0
	}
	return 1
}
