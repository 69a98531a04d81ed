package wallet

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"errors"
)

// SuiCoinType is the SLIP-44 coin type registered for Sui.
const SuiCoinType = 784

// DeriveEd25519 derives an ed25519 key from a BIP39 seed along a
// SLIP-0010 path. Every element is hardened; ed25519 has no public
// derivation.
func DeriveEd25519(seed []byte, path []uint32) (ed25519.PrivateKey, error) {
	if len(seed) < 16 {
		return nil, errors.New("seed too short")
	}
	mac := hmac.New(sha512.New, []byte("ed25519 seed"))
	mac.Write(seed)
	sum := mac.Sum(nil)
	key, chainCode := sum[:32], sum[32:]

	for _, index := range path {
		data := make([]byte, 0, 37)
		data = append(data, 0x00)
		data = append(data, key...)
		data = binary.BigEndian.AppendUint32(data, index|0x80000000)

		mac = hmac.New(sha512.New, chainCode)
		mac.Write(data)
		sum = mac.Sum(nil)
		key, chainCode = sum[:32], sum[32:]
	}
	return ed25519.NewKeyFromSeed(key), nil
}
