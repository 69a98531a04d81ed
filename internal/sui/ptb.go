package sui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
)

// Well-known objects
var (
	ClockObjectID = MustAddress("0x6")
	SuiCoinType   = "0x2::sui::SUI"
)

var ErrInvalidTypeTag = errors.New("invalid type tag")

// ObjectRef identifies an owned object version.
type ObjectRef struct {
	ObjectID Address
	Version  uint64
	Digest   []byte // 32 bytes
}

// ParseObjectRef builds a reference from RPC fields; digests are base58.
func ParseObjectRef(id string, version uint64, digest string) (ObjectRef, error) {
	addr, err := ParseAddress(id)
	if err != nil {
		return ObjectRef{}, err
	}
	d := base58.Decode(digest)
	if len(d) != 32 {
		return ObjectRef{}, fmt.Errorf("invalid object digest %q", digest)
	}
	return ObjectRef{ObjectID: addr, Version: version, Digest: d}, nil
}

func (r ObjectRef) encode(e *Encoder) {
	e.Address(r.ObjectID)
	e.U64(r.Version)
	e.VecU8(r.Digest)
}

// SharedObject is a shared object input.
type SharedObject struct {
	ObjectID             Address
	InitialSharedVersion uint64
	Mutable              bool
}

// Argument refers to a transaction input or a command result.
type Argument struct {
	kind   uint8
	index  uint16
	nested uint16
}

const (
	argGasCoin uint8 = iota
	argInput
	argResult
	argNestedResult
)

// GasCoin is the coin paying for gas.
var GasCoin = Argument{kind: argGasCoin}

// NestedResult selects one value of a multi-value command result.
func NestedResult(cmd, index uint16) Argument {
	return Argument{kind: argNestedResult, index: cmd, nested: index}
}

func (a Argument) encode(e *Encoder) {
	e.ULEB128(uint64(a.kind))
	switch a.kind {
	case argInput, argResult:
		e.U16(a.index)
	case argNestedResult:
		e.U16(a.index)
		e.U16(a.nested)
	}
}

// StructTag is a fully qualified Move struct type without generic
// parameters, e.g. 0x2::sui::SUI.
type StructTag struct {
	Address Address
	Module  string
	Name    string
}

// ParseStructTag parses "address::module::name".
func ParseStructTag(s string) (StructTag, error) {
	parts := strings.Split(s, "::")
	if len(parts) != 3 || parts[1] == "" || parts[2] == "" || strings.ContainsAny(s, "<>") {
		return StructTag{}, fmt.Errorf("%w: %q", ErrInvalidTypeTag, s)
	}
	addr, err := ParseAddress(parts[0])
	if err != nil {
		return StructTag{}, fmt.Errorf("%w: %v", ErrInvalidTypeTag, err)
	}
	return StructTag{Address: addr, Module: parts[1], Name: parts[2]}, nil
}

// TypeTag variant 7 is Struct.
func (t StructTag) encode(e *Encoder) {
	e.ULEB128(7)
	e.Address(t.Address)
	e.Str(t.Module)
	e.Str(t.Name)
	e.ULEB128(0)
}

type callArg struct {
	pure   []byte
	owned  *ObjectRef
	shared *SharedObject
}

func (c callArg) encode(e *Encoder) {
	switch {
	case c.owned != nil:
		e.ULEB128(1) // Object
		e.ULEB128(0) // ImmOrOwnedObject
		c.owned.encode(e)
	case c.shared != nil:
		e.ULEB128(1) // Object
		e.ULEB128(1) // SharedObject
		e.Address(c.shared.ObjectID)
		e.U64(c.shared.InitialSharedVersion)
		e.Bool(c.shared.Mutable)
	default:
		e.ULEB128(0) // Pure
		e.VecU8(c.pure)
	}
}

type command func(e *Encoder)

// Builder assembles a programmable transaction block.
type Builder struct {
	inputs   []callArg
	commands []command
}

// NewBuilder creates an empty PTB builder.
func NewBuilder() *Builder {
	return &Builder{}
}

func (b *Builder) input(c callArg) Argument {
	b.inputs = append(b.inputs, c)
	return Argument{kind: argInput, index: uint16(len(b.inputs) - 1)}
}

// Pure adds a BCS-encoded value input.
func (b *Builder) Pure(bcs []byte) Argument {
	return b.input(callArg{pure: bcs})
}

// Object adds an owned or immutable object input.
func (b *Builder) Object(ref ObjectRef) Argument {
	return b.input(callArg{owned: &ref})
}

// Shared adds a shared object input.
func (b *Builder) Shared(obj SharedObject) Argument {
	return b.input(callArg{shared: &obj})
}

// Clock adds the immutable system clock.
func (b *Builder) Clock() Argument {
	return b.Shared(SharedObject{ObjectID: ClockObjectID, InitialSharedVersion: 1})
}

func (b *Builder) add(c command) Argument {
	b.commands = append(b.commands, c)
	return Argument{kind: argResult, index: uint16(len(b.commands) - 1)}
}

// SplitCoins splits amounts off coin. Select each new coin with
// NestedResult.
func (b *Builder) SplitCoins(coin Argument, amounts ...Argument) Argument {
	return b.add(func(e *Encoder) {
		e.ULEB128(2)
		coin.encode(e)
		e.ULEB128(uint64(len(amounts)))
		for _, a := range amounts {
			a.encode(e)
		}
	})
}

// MergeCoins merges sources into destination.
func (b *Builder) MergeCoins(destination Argument, sources ...Argument) Argument {
	return b.add(func(e *Encoder) {
		e.ULEB128(3)
		destination.encode(e)
		e.ULEB128(uint64(len(sources)))
		for _, s := range sources {
			s.encode(e)
		}
	})
}

// MoveCall calls package::module::function.
func (b *Builder) MoveCall(pkg Address, module, function string, typeArgs []StructTag, args ...Argument) Argument {
	return b.add(func(e *Encoder) {
		e.ULEB128(0)
		e.Address(pkg)
		e.Str(module)
		e.Str(function)
		e.ULEB128(uint64(len(typeArgs)))
		for _, t := range typeArgs {
			t.encode(e)
		}
		e.ULEB128(uint64(len(args)))
		for _, a := range args {
			a.encode(e)
		}
	})
}

// CommandCount returns the number of commands added so far.
func (b *Builder) CommandCount() int {
	return len(b.commands)
}

// GasData pays for a transaction.
type GasData struct {
	Payment []ObjectRef
	Owner   Address
	Price   uint64
	Budget  uint64
}

// TransactionData returns the BCS bytes of TransactionData::V1 with a
// programmable kind and no expiration.
func (b *Builder) TransactionData(sender Address, gas GasData) []byte {
	var e Encoder
	e.ULEB128(0) // V1
	e.ULEB128(0) // ProgrammableTransaction
	e.ULEB128(uint64(len(b.inputs)))
	for _, in := range b.inputs {
		in.encode(&e)
	}
	e.ULEB128(uint64(len(b.commands)))
	for _, c := range b.commands {
		c(&e)
	}
	e.Address(sender)
	e.ULEB128(uint64(len(gas.Payment)))
	for _, p := range gas.Payment {
		p.encode(&e)
	}
	e.Address(gas.Owner)
	e.U64(gas.Price)
	e.U64(gas.Budget)
	e.ULEB128(0) // TransactionExpiration::None
	return e.Bytes()
}
