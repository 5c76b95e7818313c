// Package groth16verify runs submitted Groth16 proofs through the full
// acceptance pipeline: public-signal decoding, recent-root freshness,
// scope matching, single-use nullifier enforcement, the actual pairing
// check, and Ed25519 attestation signing for whichever public signals
// pass every gate.
package groth16verify

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/frontend"

	"github.com/rarimo/census-identity-service/internal/field"
	"github.com/rarimo/census-identity-service/internal/nullifier"
)

// Policy / crypto failure sentinels, the Crypto and State buckets of the
// taxonomy that this package is responsible for.
var (
	ErrProofRejected   = errors.New("groth16verify: proof failed verification")
	ErrStaleRoot       = errors.New("groth16verify: root is not within the recent-roots window")
	ErrScopeMismatch   = errors.New("groth16verify: externalNullifier does not match the expected scope")
	ErrNullifierReused = errors.New("groth16verify: nullifier already used for this scope")
)

// Attestation is the signed payload returned to a caller whose proof was
// accepted, consumed downstream by the on-chain program.
type Attestation struct {
	NullifierHash   [32]byte
	Scope           uint64
	IssuedAt        int64
	ExpiresAt       int64
	SignerPublicKey [32]byte
}

// VerifiedResult bundles the attestation with its Ed25519 signature.
type VerifiedResult struct {
	Attestation Attestation
	Signature   [64]byte
}

// RootWindow tracks the most recent roots the Merkle tree has published,
// in insertion order, bounded to size W. A proof's root must appear in
// this window or it is rejected as stale.
type RootWindow struct {
	size  int
	roots []field.Element
}

// NewRootWindow creates a window holding at most size roots.
func NewRootWindow(size int) *RootWindow {
	return &RootWindow{size: size}
}

// Push records a new current root, evicting the oldest once the window is
// full.
func (w *RootWindow) Push(root field.Element) {
	w.roots = append(w.roots, root)
	if len(w.roots) > w.size {
		w.roots = w.roots[len(w.roots)-w.size:]
	}
}

// Contains reports whether root is within the recent window.
func (w *RootWindow) Contains(root field.Element) bool {
	for _, r := range w.roots {
		if r.Equal(root) {
			return true
		}
	}
	return false
}

// Verifier runs the acceptance pipeline described in the package doc.
type Verifier struct {
	vk             groth16.VerifyingKey
	roots          *RootWindow
	nullifiers     *nullifier.Book
	signerPrivate  ed25519.PrivateKey
	signerPublic   ed25519.PublicKey
	attestationTtl time.Duration
	scope          func() uint64
	now            func() time.Time
	log            *log.Logger
}

// Option configures a Verifier at construction time.
type Option func(*Verifier)

// WithLogger overrides the default logger.
func WithLogger(l *log.Logger) Option {
	return func(v *Verifier) { v.log = l }
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// New builds a Verifier over an already-loaded verification key, the live
// root window, the shared nullifier book, the process's Ed25519 signing
// key, and a function resolving the currently active scope.
func New(vk groth16.VerifyingKey, roots *RootWindow, book *nullifier.Book, signerPrivate ed25519.PrivateKey, attestationTtl time.Duration, currentScope func() uint64, opts ...Option) *Verifier {
	v := &Verifier{
		vk:             vk,
		roots:          roots,
		nullifiers:     book,
		signerPrivate:  signerPrivate,
		signerPublic:   signerPrivate.Public().(ed25519.PublicKey),
		attestationTtl: attestationTtl,
		scope:          currentScope,
		now:            time.Now,
		log:            log.New(log.Writer(), "[Groth16Verify] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify runs proof and its public signals through every gate in order:
// root freshness, scope match, nullifier single-use, then the Groth16
// pairing check itself, recording the nullifier atomically with the check
// so two concurrent proofs for the same nullifier resolve to exactly one
// winner. Only on full success is a signed Attestation returned.
func (v *Verifier) Verify(proof Proof, signals PublicSignals) (VerifiedResult, error) {
	if !v.roots.Contains(signals.Root) {
		return VerifiedResult{}, ErrStaleRoot
	}

	expectedScope := v.scope()
	if !signals.ExternalNullifier.Equal(field.FromUint64(expectedScope)) {
		return VerifiedResult{}, ErrScopeMismatch
	}
	scope := expectedScope

	nullifierHashHex := signals.NullifierHash.Hex()

	if v.nullifiers.Contains(scope, nullifierHashHex) {
		return VerifiedResult{}, ErrNullifierReused
	}

	groth16Proof, err := proof.toGroth16Proof()
	if err != nil {
		return VerifiedResult{}, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}

	publicWitness, err := frontend.NewWitness(signals.assignment(), ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return VerifiedResult{}, fmt.Errorf("groth16verify: building public witness: %w", err)
	}

	if err := groth16.Verify(groth16Proof, v.vk, publicWitness); err != nil {
		return VerifiedResult{}, ErrProofRejected
	}

	// The check-then-record must happen after the pairing check passes but
	// stay a single atomic step, per the single-use invariant: a proof that
	// fails verification never records anything into the nullifier book.
	if err := v.nullifiers.RecordOnce(scope, nullifierHashHex); err != nil {
		return VerifiedResult{}, ErrNullifierReused
	}

	issuedAt := v.now().UTC().Unix()
	expiresAt := issuedAt + int64(v.attestationTtl.Seconds())

	att := Attestation{
		NullifierHash:   signals.NullifierHash.Bytes(),
		Scope:           scope,
		IssuedAt:        issuedAt,
		ExpiresAt:       expiresAt,
		SignerPublicKey: publicKeyArray(v.signerPublic),
	}

	message := canonicalAttestationMessage(att)
	signature := ed25519.Sign(v.signerPrivate, message)

	v.log.Printf("issued attestation for nullifierHash=%s scope=%d", nullifierHashHex, scope)

	var sig [64]byte
	copy(sig[:], signature)
	return VerifiedResult{Attestation: att, Signature: sig}, nil
}

// canonicalAttestationMessage lays out the attestation payload in the
// field order the spec mandates for signing: nullifierHash, scope,
// issuedAt, expiresAt, signerPublicKey, each integer little-endian
// fixed-width.
func canonicalAttestationMessage(att Attestation) []byte {
	var buf bytes.Buffer
	buf.Write(att.NullifierHash[:])
	writeUint64LE(&buf, att.Scope)
	writeInt64LE(&buf, att.IssuedAt)
	writeInt64LE(&buf, att.ExpiresAt)
	buf.Write(att.SignerPublicKey[:])
	return buf.Bytes()
}

func writeUint64LE(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func writeInt64LE(buf *bytes.Buffer, v int64) {
	writeUint64LE(buf, uint64(v))
}

func publicKeyArray(pub ed25519.PublicKey) [32]byte {
	var out [32]byte
	copy(out[:], pub)
	return out
}

// VerifyAttestationSignature checks that signature is a valid Ed25519
// signature over att's canonical message under signerPublic. Exposed for
// the on-chain program and for tests asserting the pipeline's own output
// verifies.
func VerifyAttestationSignature(att Attestation, signature [64]byte, signerPublic ed25519.PublicKey) bool {
	message := canonicalAttestationMessage(att)
	return ed25519.Verify(signerPublic, message, signature[:])
}
