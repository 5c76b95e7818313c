package groth16verify

import (
	"errors"
	"fmt"

	"github.com/consensys/gnark/backend/groth16"
	groth16_bn254 "github.com/consensys/gnark/backend/groth16/bn254"

	"github.com/rarimo/census-identity-service/internal/field"
)

// ErrMalformedProof is returned when the public signals do not number
// exactly four or one of them does not decode to a field element.
var ErrMalformedProof = errors.New("groth16verify: malformed proof")

// Proof is the wire representation of a Groth16 proof over BN254: A and C
// are G1 points, B is a G2 point, each coordinate a decimal or hex field
// element per internal/field's wire convention.
type Proof struct {
	A [2]field.Element    `json:"a"`
	B [2][2]field.Element `json:"b"`
	C [2]field.Element    `json:"c"`
}

// PublicSignals is the fixed 4-element public input layout this service
// accepts; any other arity is refused before reaching groth16.Verify.
type PublicSignals struct {
	Root              field.Element
	NullifierHash     field.Element
	SignalHash        field.Element
	ExternalNullifier field.Element
}

// toGroth16Proof reconstructs a concrete BN254 groth16.Proof from the wire
// form, the mirror image of extractProofComponents in a Groth16/gnark
// prover: SetBigInt on each G1/G2 coordinate.
func (p Proof) toGroth16Proof() (groth16.Proof, error) {
	proof := &groth16_bn254.Proof{}

	proof.Ar.X.SetBigInt(p.A[0].BigInt())
	proof.Ar.Y.SetBigInt(p.A[1].BigInt())

	proof.Bs.X.A0.SetBigInt(p.B[0][0].BigInt())
	proof.Bs.X.A1.SetBigInt(p.B[0][1].BigInt())
	proof.Bs.Y.A0.SetBigInt(p.B[1][0].BigInt())
	proof.Bs.Y.A1.SetBigInt(p.B[1][1].BigInt())

	proof.Krs.X.SetBigInt(p.C[0].BigInt())
	proof.Krs.Y.SetBigInt(p.C[1].BigInt())

	return proof, nil
}

// DecodePublicSignals validates that signals has exactly 4 entries in the
// mandated order and converts each into a checked field element.
func DecodePublicSignals(signals []string) (PublicSignals, error) {
	if len(signals) != 4 {
		return PublicSignals{}, fmt.Errorf("%w: expected 4 public signals, got %d", ErrMalformedProof, len(signals))
	}

	root, err := field.FromHex(signals[0])
	if err != nil {
		root, err = field.FromDecimalString(signals[0])
	}
	if err != nil {
		return PublicSignals{}, fmt.Errorf("%w: decoding root: %v", ErrMalformedProof, err)
	}

	nullifierHash, err := decodeSignal(signals[1])
	if err != nil {
		return PublicSignals{}, fmt.Errorf("%w: decoding nullifierHash: %v", ErrMalformedProof, err)
	}
	signalHash, err := decodeSignal(signals[2])
	if err != nil {
		return PublicSignals{}, fmt.Errorf("%w: decoding signalHash: %v", ErrMalformedProof, err)
	}
	externalNullifier, err := decodeSignal(signals[3])
	if err != nil {
		return PublicSignals{}, fmt.Errorf("%w: decoding externalNullifier: %v", ErrMalformedProof, err)
	}

	return PublicSignals{
		Root:              root,
		NullifierHash:     nullifierHash,
		SignalHash:        signalHash,
		ExternalNullifier: externalNullifier,
	}, nil
}

func decodeSignal(s string) (field.Element, error) {
	if e, err := field.FromHex(s); err == nil {
		return e, nil
	}
	return field.FromDecimalString(s)
}

func (s PublicSignals) assignment() *CensusCircuit {
	return &CensusCircuit{
		Root:              s.Root.BigInt(),
		NullifierHash:     s.NullifierHash.BigInt(),
		SignalHash:        s.SignalHash.BigInt(),
		ExternalNullifier: s.ExternalNullifier.BigInt(),
	}
}
