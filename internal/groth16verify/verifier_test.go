package groth16verify

import (
	"crypto/ed25519"
	"testing"

	"github.com/rarimo/census-identity-service/internal/field"
)

func TestRootWindow_ContainsRecentRoots(t *testing.T) {
	w := NewRootWindow(3)
	roots := []field.Element{field.FromUint64(1), field.FromUint64(2), field.FromUint64(3), field.FromUint64(4)}
	for _, r := range roots {
		w.Push(r)
	}

	if w.Contains(field.FromUint64(1)) {
		t.Error("expected oldest root to have been evicted")
	}
	for _, r := range roots[1:] {
		if !w.Contains(r) {
			t.Errorf("expected root %s to still be in window", r)
		}
	}
}

func TestRootWindow_EmptyWindowContainsNothing(t *testing.T) {
	w := NewRootWindow(8)
	if w.Contains(field.Zero) {
		t.Error("expected empty window to contain nothing")
	}
}

func TestDecodePublicSignals_RejectsWrongArity(t *testing.T) {
	_, err := DecodePublicSignals([]string{"0x01", "0x02"})
	if err == nil {
		t.Fatal("expected error for wrong arity")
	}
}

func TestDecodePublicSignals_AcceptsHexAndDecimal(t *testing.T) {
	signals, err := DecodePublicSignals([]string{
		field.FromUint64(1).Hex(),
		field.FromUint64(2).Decimal(),
		field.FromUint64(3).Hex(),
		field.FromUint64(4).Decimal(),
	})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !signals.Root.Equal(field.FromUint64(1)) {
		t.Errorf("root mismatch: got %s", signals.Root)
	}
	if !signals.ExternalNullifier.Equal(field.FromUint64(4)) {
		t.Errorf("externalNullifier mismatch: got %s", signals.ExternalNullifier)
	}
}

func TestAttestationSignature_RoundTrips(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating key: %v", err)
	}

	att := Attestation{
		NullifierHash:   field.FromUint64(99).Bytes(),
		Scope:           7,
		IssuedAt:        1000,
		ExpiresAt:       1300,
		SignerPublicKey: publicKeyArray(pub),
	}
	message := canonicalAttestationMessage(att)
	signature := ed25519.Sign(priv, message)
	var sig [64]byte
	copy(sig[:], signature)

	if !VerifyAttestationSignature(att, sig, pub) {
		t.Error("expected signature to verify")
	}

	att.Scope = 8
	if VerifyAttestationSignature(att, sig, pub) {
		t.Error("expected signature to fail after tampering with scope")
	}
}
