// Package sui builds, signs and submits Sui programmable transactions.
package sui

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/Klingon-tech/swapd/pkg/helpers"
)

// AddressLength is the size of Sui addresses and object ids.
const AddressLength = 32

var ErrInvalidAddress = errors.New("invalid sui address")

// Address is a 32-byte Sui address or object id.
type Address [AddressLength]byte

// ParseAddress parses a 0x-prefixed address; short forms such as 0x6 are
// left-padded.
func ParseAddress(s string) (Address, error) {
	var a Address
	h := helpers.Strip0x(strings.TrimSpace(s))
	if h == "" || len(h) > 2*AddressLength {
		return a, fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	if len(h)%2 == 1 {
		h = "0" + h
	}
	b, err := helpers.HexToBytes(h)
	if err != nil {
		return a, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	copy(a[AddressLength-len(b):], b)
	return a, nil
}

// MustAddress parses a constant address.
func MustAddress(s string) Address {
	a, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return a
}

// String returns the full 0x-prefixed hex form.
func (a Address) String() string {
	return helpers.BytesToHex(a[:])
}

// Encoder writes BCS.
type Encoder struct {
	buf bytes.Buffer
}

// Bytes returns the encoded data.
func (e *Encoder) Bytes() []byte {
	return e.buf.Bytes()
}

func (e *Encoder) U8(v uint8) { e.buf.WriteByte(v) }

func (e *Encoder) U16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	e.buf.Write(b[:])
}

func (e *Encoder) U32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *Encoder) U64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *Encoder) Bool(v bool) {
	if v {
		e.U8(1)
	} else {
		e.U8(0)
	}
}

// ULEB128 writes a length or enum tag.
func (e *Encoder) ULEB128(v uint64) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			e.buf.WriteByte(b | 0x80)
			continue
		}
		e.buf.WriteByte(b)
		return
	}
}

// VecU8 writes a length-prefixed vector<u8>.
func (e *Encoder) VecU8(b []byte) {
	e.ULEB128(uint64(len(b)))
	e.buf.Write(b)
}

// Fixed writes raw bytes without a length.
func (e *Encoder) Fixed(b []byte) {
	e.buf.Write(b)
}

// Str writes a Move string.
func (e *Encoder) Str(s string) {
	e.VecU8([]byte(s))
}

func (e *Encoder) Address(a Address) {
	e.buf.Write(a[:])
}

// PureU64 returns the BCS bytes of a u64 argument.
func PureU64(v uint64) []byte {
	var e Encoder
	e.U64(v)
	return e.Bytes()
}

// PureAddress returns the BCS bytes of an address argument.
func PureAddress(a Address) []byte {
	return append([]byte(nil), a[:]...)
}

// PureBytes returns the BCS bytes of a vector<u8> argument.
func PureBytes(b []byte) []byte {
	var e Encoder
	e.VecU8(b)
	return e.Bytes()
}
