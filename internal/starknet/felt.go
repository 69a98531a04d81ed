// Package starknet holds the Starknet plumbing swapd needs: felt helpers,
// selectors, allowance reads over JSON-RPC and a remote account that
// signs and executes through an external service.
package starknet

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/Klingon-tech/swapd/pkg/helpers"
)

var (
	ErrInvalidFelt = errors.New("invalid felt")

	// Prime is the Stark field modulus 2^251 + 17*2^192 + 1.
	Prime = func() *big.Int {
		p := new(big.Int).Lsh(big.NewInt(1), 251)
		p.Add(p, new(big.Int).Lsh(big.NewInt(17), 192))
		return p.Add(p, big.NewInt(1))
	}()

	mask250 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 250), big.NewInt(1))
	mask128 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 128), big.NewInt(1))
)

// FeltFromHex parses a 0x-prefixed felt and checks it is in the field.
func FeltFromHex(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if helpers.Strip0x(s) == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidFelt)
	}
	v, ok := new(big.Int).SetString(helpers.Strip0x(s), 16)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFelt, s)
	}
	if v.Cmp(Prime) >= 0 {
		return nil, fmt.Errorf("%w: out of range", ErrInvalidFelt)
	}
	return v, nil
}

// FeltHex formats a felt as 0x-prefixed lowercase hex without padding.
func FeltHex(v *big.Int) string {
	return "0x" + v.Text(16)
}

// FeltsHex formats a list of felts.
func FeltsHex(vs []*big.Int) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = FeltHex(v)
	}
	return out
}

// EqualAddress compares two Starknet addresses ignoring zero padding and case.
func EqualAddress(a, b string) bool {
	x, err := FeltFromHex(a)
	if err != nil {
		return false
	}
	y, err := FeltFromHex(b)
	if err != nil {
		return false
	}
	return x.Cmp(y) == 0
}

// Selector returns the entry point selector of a function name: keccak256
// of the name truncated to 250 bits.
func Selector(name string) *big.Int {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(name))
	v := new(big.Int).SetBytes(h.Sum(nil))
	return v.And(v, mask250)
}

// U256 splits a value into its [low, high] u128 limbs, the calldata layout
// of a Cairo u256.
func U256(v *big.Int) []*big.Int {
	low := new(big.Int).And(v, mask128)
	high := new(big.Int).Rsh(v, 128)
	return []*big.Int{low, high}
}

// FromU256 joins [low, high] limbs.
func FromU256(low, high *big.Int) *big.Int {
	v := new(big.Int).Lsh(high, 128)
	return v.Or(v, low)
}

// SecretHashU128 encodes a 32-byte secret hash as two u128 limbs, most
// significant half first.
func SecretHashU128(hash [32]byte) []*big.Int {
	return []*big.Int{
		new(big.Int).SetBytes(hash[:16]),
		new(big.Int).SetBytes(hash[16:]),
	}
}

// ShortString encodes an ASCII string of at most 31 characters as a felt.
func ShortString(s string) (*big.Int, error) {
	if len(s) > 31 {
		return nil, fmt.Errorf("%w: short string longer than 31 chars", ErrInvalidFelt)
	}
	return new(big.Int).SetBytes([]byte(s)), nil
}
