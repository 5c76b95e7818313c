// Package poseidon2 wraps the iden3 Poseidon permutation, fixed to exactly
// two inputs, as the sole hash primitive of the commitment tree. Every tree
// node above the leaves and every identity commitment this service computes
// goes through Hash.
package poseidon2

import (
	"math/big"

	"github.com/iden3/go-iden3-crypto/poseidon"

	"github.com/rarimo/census-identity-service/internal/field"
)

// Hash computes Poseidon2(a, b), the two-input Poseidon permutation over the
// BN254 scalar field. It panics if the underlying library rejects the
// inputs, which cannot happen for values already range-checked into
// field.Element.
func Hash(a, b field.Element) field.Element {
	out, err := poseidon.Hash([]*big.Int{a.BigInt(), b.BigInt()})
	if err != nil {
		panic("poseidon2: hash of two valid field elements failed: " + err.Error())
	}
	return field.FromBigInt(out)
}

// HashMany runs Poseidon over an arbitrary number of field elements. No
// code in this service calls it; the tree and the identity derivator
// always call the fixed two-input Hash.
func HashMany(elems ...field.Element) field.Element {
	ints := make([]*big.Int, len(elems))
	for i, e := range elems {
		ints[i] = e.BigInt()
	}
	out, err := poseidon.Hash(ints)
	if err != nil {
		panic("poseidon2: hash failed: " + err.Error())
	}
	return field.FromBigInt(out)
}
