// Package identity derives census identities from external passport
// attestations and seals issued credentials for delivery back to the user.
// Everything here is off-circuit: the circuit itself only ever sees a
// commitment leaf and, later, a nullifier hash.
package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/rarimo/census-identity-service/internal/field"
	"github.com/rarimo/census-identity-service/internal/poseidon2"
)

// ErrSealedCredentialsCorrupt is returned when a sealed-credential blob
// cannot be decrypted or is truncated.
var ErrSealedCredentialsCorrupt = errors.New("identity: sealed credentials corrupt")

// Identity is the triple bound by commitment = Poseidon2(nullifier, trapdoor).
// Nullifier must never leave this process except inside a SealedCredentials
// blob addressed to the owning userAccount.
type Identity struct {
	Nullifier  field.Element
	Trapdoor   field.Element
	Commitment field.Element
}

// DeriveNullifier computes the deterministic census nullifier H =
// SHA-256(attestationNullifier || userAccount || adminSalt) mod fieldPrime.
// Fixed (attestationNullifier, userAccount, adminSalt) always yields the same
// value, which lets the registration coordinator detect repeat attestations
// from the same user without ever storing the attestation itself.
func DeriveNullifier(attestationNullifier, userAccount, adminSalt []byte) field.Element {
	h := sha256.New()
	h.Write(attestationNullifier)
	h.Write(userAccount)
	h.Write(adminSalt)
	sum := h.Sum(nil)
	return field.FromBigIntBytes(sum)
}

// NewTrapdoor draws a fresh, uniformly random field element from a CSPRNG.
// Every issuance gets its own trapdoor so commitments are not linkable
// across re-registration, even when the nullifier repeats.
func NewTrapdoor() (field.Element, error) {
	buf := make([]byte, field.Width)
	if _, err := rand.Read(buf); err != nil {
		return field.Element{}, fmt.Errorf("identity: reading randomness: %w", err)
	}
	return field.FromBigIntBytes(buf), nil
}

// Derive builds a complete Identity for one registration: a deterministic
// nullifier, a fresh trapdoor, and their Poseidon2 commitment.
func Derive(attestationNullifier, userAccount, adminSalt []byte) (Identity, error) {
	trapdoor, err := NewTrapdoor()
	if err != nil {
		return Identity{}, err
	}
	nullifier := DeriveNullifier(attestationNullifier, userAccount, adminSalt)
	commitment := poseidon2.Hash(nullifier, trapdoor)
	return Identity{Nullifier: nullifier, Trapdoor: trapdoor, Commitment: commitment}, nil
}

// SealedCredentials is the encrypted, wire-ready form of an Identity handed
// back to the user. It protects delivery over the assumed-authenticated
// channel; it is not itself the security boundary that keeps nullifier
// secret from the process's own storage.
type SealedCredentials struct {
	Ciphertext string `json:"ciphertext"`
	LeafIndex  uint64 `json:"leafIndex"`
}

// Seal encrypts (nullifier, trapdoor, leafIndex) with an AES-256-GCM key
// derived from userAccount via a domain-separated SHA-256, base64-encoding
// the explicit nonce alongside the ciphertext. No pack library offers an
// AEAD construction more directly than crypto/aes + crypto/cipher already
// does; see the design ledger for why this stays on the standard library.
func Seal(id Identity, leafIndex uint64, userAccount []byte) (SealedCredentials, error) {
	key := sealingKey(userAccount)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return SealedCredentials{}, fmt.Errorf("identity: building cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return SealedCredentials{}, fmt.Errorf("identity: building AEAD: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return SealedCredentials{}, fmt.Errorf("identity: reading nonce: %w", err)
	}

	plaintext := marshalPlaintext(id, leafIndex)
	sealed := gcm.Seal(nonce, nonce, plaintext, nil)

	return SealedCredentials{
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
		LeafIndex:  leafIndex,
	}, nil
}

// Unseal reverses Seal, recovering the identity and leaf index. Used only by
// tests; the running service never needs to unseal its own output.
func Unseal(sc SealedCredentials, userAccount []byte) (Identity, uint64, error) {
	raw, err := base64.StdEncoding.DecodeString(sc.Ciphertext)
	if err != nil {
		return Identity{}, 0, fmt.Errorf("%w: %v", ErrSealedCredentialsCorrupt, err)
	}

	key := sealingKey(userAccount)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return Identity{}, 0, fmt.Errorf("identity: building cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Identity{}, 0, fmt.Errorf("identity: building AEAD: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(raw) < nonceSize {
		return Identity{}, 0, ErrSealedCredentialsCorrupt
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return Identity{}, 0, fmt.Errorf("%w: %v", ErrSealedCredentialsCorrupt, err)
	}

	return unmarshalPlaintext(plaintext)
}

func sealingKey(userAccount []byte) [32]byte {
	h := sha256.New()
	h.Write([]byte("census-identity-service/sealed-credentials/v1"))
	h.Write(userAccount)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// marshalPlaintext lays out nullifier (32 bytes) || trapdoor (32 bytes) ||
// leafIndex (8 bytes little-endian), the fixed-width binary form sealed
// inside the AEAD envelope.
func marshalPlaintext(id Identity, leafIndex uint64) []byte {
	out := make([]byte, field.Width*2+8)
	nb := id.Nullifier.Bytes()
	tb := id.Trapdoor.Bytes()
	copy(out[0:field.Width], nb[:])
	copy(out[field.Width:field.Width*2], tb[:])
	putUint64LE(out[field.Width*2:], leafIndex)
	return out
}

func unmarshalPlaintext(b []byte) (Identity, uint64, error) {
	if len(b) != field.Width*2+8 {
		return Identity{}, 0, ErrSealedCredentialsCorrupt
	}
	nullifier, err := field.FromCanonicalBytes(b[0:field.Width])
	if err != nil {
		return Identity{}, 0, fmt.Errorf("%w: %v", ErrSealedCredentialsCorrupt, err)
	}
	trapdoor, err := field.FromCanonicalBytes(b[field.Width : field.Width*2])
	if err != nil {
		return Identity{}, 0, fmt.Errorf("%w: %v", ErrSealedCredentialsCorrupt, err)
	}
	leafIndex := getUint64LE(b[field.Width*2:])
	commitment := poseidon2.Hash(nullifier, trapdoor)
	return Identity{Nullifier: nullifier, Trapdoor: trapdoor, Commitment: commitment}, leafIndex, nil
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
}

func getUint64LE(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * uint(i))
	}
	return v
}
