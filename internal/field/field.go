// Package field implements the checked BN254 scalar field element type used
// at every wire and storage boundary in the census service: commitments,
// nullifiers, trapdoors, tree nodes and roots are all elements of this field.
package field

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
)

// Width is the canonical on-disk and wire byte width of a field element.
const Width = 32

// ErrOutOfRange is returned when a decoded value is not strictly less than
// the scalar field modulus.
var ErrOutOfRange = errors.New("field: value out of range")

// ErrBadEncoding is returned when input bytes, hex or decimal text cannot be
// parsed into a field element at all.
var ErrBadEncoding = errors.New("field: bad encoding")

// Modulus is the BN254 scalar field prime (commonly called Fr).
var Modulus = mustModulus("21888242871839275222246405745257275088548364400416034343698204186575808495617")

func mustModulus(dec string) *big.Int {
	m, ok := new(big.Int).SetString(dec, 10)
	if !ok {
		panic("field: invalid modulus literal")
	}
	return m
}

// Element is a checked BN254 scalar field element. The zero value is the
// field's additive identity. Element must always be constructed through one
// of the package constructors so the range invariant holds.
type Element struct {
	v big.Int
}

// Zero is the additive identity of the field.
var Zero = Element{}

// FromBigInt reduces n modulo the field prime and returns the element. n is
// never mutated.
func FromBigInt(n *big.Int) Element {
	var e Element
	e.v.Mod(n, Modulus)
	return e
}

// FromUint64 lifts a small integer into the field.
func FromUint64(n uint64) Element {
	return FromBigInt(new(big.Int).SetUint64(n))
}

// FromCanonicalBytes decodes a 32-byte little-endian buffer. It rejects any
// value that is not strictly less than the modulus, per spec: field elements
// never cross a wire or storage boundary without a range check.
func FromCanonicalBytes(b []byte) (Element, error) {
	if len(b) != Width {
		return Element{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrBadEncoding, Width, len(b))
	}
	n := new(big.Int).SetBytes(reverse(b))
	if n.Cmp(Modulus) >= 0 {
		return Element{}, ErrOutOfRange
	}
	return Element{v: *n}, nil
}

// FromHex decodes either a "0x"-prefixed or bare hex string holding the
// 32-byte little-endian encoding.
func FromHex(s string) (Element, error) {
	s = trimHexPrefix(s)
	b, err := hex.DecodeString(s)
	if err != nil {
		return Element{}, fmt.Errorf("%w: %v", ErrBadEncoding, err)
	}
	if len(b) != Width {
		return Element{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrBadEncoding, Width, len(b))
	}
	return FromCanonicalBytes(b)
}

// FromDecimalString decodes a base-10 string, the alternate wire format
// accepted for field elements alongside hex.
func FromDecimalString(s string) (Element, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return Element{}, fmt.Errorf("%w: not a decimal integer", ErrBadEncoding)
	}
	if n.Sign() < 0 || n.Cmp(Modulus) >= 0 {
		return Element{}, ErrOutOfRange
	}
	return Element{v: *n}, nil
}

// FromBigIntBytes interprets b as a big-endian integer of arbitrary length
// (e.g. a SHA-256 digest) and reduces it modulo the field prime. Unlike
// FromCanonicalBytes it never rejects its input: reduction, not a range
// check, is the point, which is why the nullifier derivation uses this
// constructor instead.
func FromBigIntBytes(b []byte) Element {
	n := new(big.Int).SetBytes(b)
	return FromBigInt(n)
}

// Bytes returns the canonical 32-byte little-endian encoding.
func (e Element) Bytes() [Width]byte {
	var out [Width]byte
	be := e.v.FillBytes(make([]byte, Width))
	copy(out[:], reverse(be))
	return out
}

// Hex returns the canonical little-endian encoding as a "0x"-prefixed hex
// string.
func (e Element) Hex() string {
	b := e.Bytes()
	return "0x" + hex.EncodeToString(b[:])
}

// Decimal returns the base-10 string form of the element.
func (e Element) Decimal() string {
	return e.v.String()
}

// BigInt returns a copy of the underlying integer for use with libraries
// that operate on *big.Int (gnark witnesses, poseidon, babyjub).
func (e Element) BigInt() *big.Int {
	return new(big.Int).Set(&e.v)
}

// Equal reports whether e and o represent the same field element.
func (e Element) Equal(o Element) bool {
	return e.v.Cmp(&o.v) == 0
}

// IsZero reports whether e is the additive identity.
func (e Element) IsZero() bool {
	return e.v.Sign() == 0
}

func (e Element) String() string {
	return e.Hex()
}

// MarshalText implements encoding.TextMarshaler, emitting the hex form used
// throughout the log files and wire responses.
func (e Element) MarshalText() ([]byte, error) {
	return []byte(e.Hex()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler, accepting both the hex
// and decimal wire forms per spec.
func (e *Element) UnmarshalText(text []byte) error {
	s := string(text)
	var parsed Element
	var err error
	if looksHex(s) {
		parsed, err = FromHex(s)
	} else {
		parsed, err = FromDecimalString(s)
	}
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

func looksHex(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}

func trimHexPrefix(s string) string {
	if looksHex(s) {
		return s[2:]
	}
	return s
}

func reverse(b []byte) []byte {
	out := make([]byte, len(b))
	for i, c := range b {
		out[len(b)-1-i] = c
	}
	return out
}
