package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"

	"github.com/Klingon-tech/swapd/internal/chain"
)

// P2WPKHAddress derives a native SegWit address (bc1q... / tb1q...).
func P2WPKHAddress(pubKey *btcec.PublicKey, network chain.Network) (string, error) {
	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, chain.NetworkParams(network))
	if err != nil {
		return "", fmt.Errorf("failed to create P2WPKH address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

// P2WPKHScript returns the witness program script of a public key.
func P2WPKHScript(pubKey *btcec.PublicKey, network chain.Network) ([]byte, error) {
	pubKeyHash := btcutil.Hash160(pubKey.SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, chain.NetworkParams(network))
	if err != nil {
		return nil, fmt.Errorf("failed to create P2WPKH address: %w", err)
	}
	return txscript.PayToAddrScript(addr)
}

// ValidateAddress checks if an address is valid for a network.
func ValidateAddress(address string, network chain.Network) bool {
	addr, err := btcutil.DecodeAddress(address, chain.NetworkParams(network))
	return err == nil && addr.IsForNet(chain.NetworkParams(network))
}

// PrivateKeyToWIF converts a private key to Wallet Import Format.
func PrivateKeyToWIF(privKey *btcec.PrivateKey, network chain.Network) (string, error) {
	wif, err := btcutil.NewWIF(privKey, chain.NetworkParams(network), true)
	if err != nil {
		return "", fmt.Errorf("failed to create WIF: %w", err)
	}
	return wif.String(), nil
}
