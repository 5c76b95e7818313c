// Package registration implements the Registration Coordinator: it takes
// an external passport attestation, derives a census identity, appends the
// resulting commitment to the Merkle tree, and seals credentials for the
// user. It also owns the request state machine's PENDING -> {APPROVED,
// REJECTED, EXPIRED} transitions and the periodic sweep that expires stale
// requests.
package registration

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/rarimo/census-identity-service/internal/field"
	"github.com/rarimo/census-identity-service/internal/identity"
	"github.com/rarimo/census-identity-service/internal/merkletree"
	"github.com/rarimo/census-identity-service/internal/storage"
)

// Sentinel policy errors, distinct from the storage-layer sentinels they
// often wrap.
var (
	ErrAttestationInvalid = errors.New("registration: attestation is not valid")
	ErrUnderAge           = errors.New("registration: attestation does not assert adult")
	ErrAttestationExpired = errors.New("registration: attestation has expired")
	ErrAttestationReuse   = errors.New("registration: attestation already bound to a different user")
	ErrAlreadyRegistered  = errors.New("registration: user account already registered")
)

// PassportAttestation is the opaque external input this service accepts.
// Only the four named policy bits are ever inspected; everything else
// about the passport stays outside this process.
type PassportAttestation struct {
	Valid                bool   `json:"valid"`
	Adult                bool   `json:"adult"`
	ExpiresAt            int64  `json:"expiresAt"` // unix seconds
	AttestationNullifier string `json:"attestationNullifier"`
}

// Result is returned to the caller on submission or approval. Status
// mirrors storage.RequestStatus as a string so callers outside this
// package never need to import the storage layer just to read it.
type Result struct {
	Status            string
	LeafIndex         uint64
	Commitment        string
	SealedCredentials identity.SealedCredentials
}

// Coordinator wires the identity derivator, the Merkle tree and storage
// together behind the request state machine.
type Coordinator struct {
	store       *storage.Store
	tree        *merkletree.Tree
	adminSalt   []byte
	requestTtl  time.Duration
	autoApprove bool
	onCommit    func(root field.Element, leafCount uint64)
	now         func() time.Time
	log         *log.Logger
}

// Option configures a Coordinator at construction time.
type Option func(*Coordinator)

// WithLogger overrides the default logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithClock overrides the time source, used by tests to simulate TTL
// expiry deterministically.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithAutoApprove controls spec.md §4.4 step 5: when true (the default),
// SubmitRegistration proceeds directly to Approve; when false, requests are
// left PENDING for an admin to approve or reject explicitly. The
// coordinator itself checks no key; cmd/census-service enables this option
// only when an operator admin key is configured.
func WithAutoApprove(enabled bool) Option {
	return func(c *Coordinator) { c.autoApprove = enabled }
}

// WithOnCommit registers a callback invoked with the tree's new root and
// leaf count immediately after each successful approval. Wired by the
// process entrypoint to push the root into the verifier's recent-roots
// window and enqueue a newRoot chain-publish job, keeping those concerns
// out of the request state machine itself.
func WithOnCommit(fn func(root field.Element, leafCount uint64)) Option {
	return func(c *Coordinator) { c.onCommit = fn }
}

// New builds a Coordinator over an already-restored tree and store.
func New(store *storage.Store, tree *merkletree.Tree, adminSalt []byte, requestTtl time.Duration, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       store,
		tree:        tree,
		adminSalt:   adminSalt,
		requestTtl:  requestTtl,
		autoApprove: true,
		now:         time.Now,
		log:         log.New(log.Writer(), "[Registration] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SubmitRegistration runs the full registration pipeline: validate the
// attestation, detect duplicate attestations and duplicate in-flight
// requests, derive the identity, append its commitment to the tree,
// persist everything, seal credentials, and mark the request APPROVED.
//
// Persisted state is always resumable: if the process crashes between the
// tree append and the request update, the next startup replays tree.log
// and citizens.log independently, and the request is retried as a fresh
// submission by the caller (the attestationNullifier dedup check then
// reports AttestationReuse rather than creating a second leaf).
func (c *Coordinator) SubmitRegistration(userAccount string, att PassportAttestation) (Result, error) {
	if _, ok := c.store.RequestByUserAccount(userAccount); ok {
		return Result{}, storage.ErrDuplicateRequest
	}
	if approved, ok := c.store.ApprovedRequestByUserAccount(userAccount); ok {
		// Idempotent on userAccount (P4): a repeat submission against an
		// already-APPROVED user returns the same status and leaf index
		// rather than silently discarding the caller's data.
		return resultFromApproved(approved), ErrAlreadyRegistered
	}

	if err := validateAttestationPolicy(att, c.now()); err != nil {
		c.persistRejected(userAccount, att.AttestationNullifier, err.Error())
		return Result{}, err
	}

	if existing, ok := c.store.ApprovedRequestByAttestation(att.AttestationNullifier); ok && existing.UserAccount != userAccount {
		c.persistRejected(userAccount, att.AttestationNullifier, ErrAttestationReuse.Error())
		return Result{}, ErrAttestationReuse
	}

	requestID := uuid.New().String()
	now := c.now().UTC()
	if err := c.store.CreateRequest(storage.RequestRecord{
		ID:                   requestID,
		UserAccount:          userAccount,
		AttestationNullifier: att.AttestationNullifier,
		Status:               storage.StatusPending,
		CreatedAt:            now,
	}); err != nil {
		return Result{}, fmt.Errorf("registration: creating request: %w", err)
	}

	if !c.autoApprove {
		return Result{Status: string(storage.StatusPending)}, nil
	}
	return c.approve(requestID, "system")
}

// validateAttestationPolicy runs the three attestation policy checks spec
// step 3 names, in order, returning the distinct sentinel for whichever
// fails first.
func validateAttestationPolicy(att PassportAttestation, now time.Time) error {
	if !att.Valid {
		return ErrAttestationInvalid
	}
	if !att.Adult {
		return ErrUnderAge
	}
	if att.ExpiresAt <= now.Unix() {
		return ErrAttestationExpired
	}
	return nil
}

// resultFromApproved reconstructs the Result an approval would have
// returned, from the persisted record, for idempotent resubmission.
func resultFromApproved(r storage.RequestRecord) Result {
	var leafIndex uint64
	if r.LeafIndex != nil {
		leafIndex = *r.LeafIndex
	}
	return Result{
		Status:     string(storage.StatusApproved),
		LeafIndex:  leafIndex,
		Commitment: r.IdentityCommitment,
		SealedCredentials: identity.SealedCredentials{
			Ciphertext: r.SealedCredentials,
			LeafIndex:  leafIndex,
		},
	}
}

// persistRejected records a terminal REJECTED request for a submission
// that never reached PENDING, so the rejection is observable afterward via
// RegistrationStatus instead of leaving no trace at all.
func (c *Coordinator) persistRejected(userAccount, attestationNullifier, reason string) {
	now := c.now().UTC()
	r := storage.RequestRecord{
		ID:                   uuid.New().String(),
		UserAccount:          userAccount,
		AttestationNullifier: attestationNullifier,
		Status:               storage.StatusRejected,
		CreatedAt:            now,
		ProcessedAt:          &now,
		ProcessedBy:          "system",
		RejectionReason:      reason,
	}
	if err := c.store.CreateRequest(r); err != nil {
		c.log.Printf("failed to persist rejected request for user %s: %v", userAccount, err)
	}
}

// approve derives the identity for a PENDING request, appends its
// commitment to the tree, seals credentials and marks the request
// APPROVED. It is the shared tail of both the auto-approval path in
// SubmitRegistration and the manual admin Approve operation.
func (c *Coordinator) approve(requestID, processedBy string) (Result, error) {
	r, err := c.store.GetRequest(requestID)
	if err != nil {
		return Result{}, err
	}
	if r.Status != storage.StatusPending {
		return Result{}, fmt.Errorf("registration: request %s is not pending (status=%s)", requestID, r.Status)
	}

	id, err := identity.Derive([]byte(r.AttestationNullifier), []byte(r.UserAccount), c.adminSalt)
	if err != nil {
		return Result{}, fmt.Errorf("registration: deriving identity: %w", err)
	}

	leafIndex, newRoot, err := c.tree.Append(id.Commitment)
	if err != nil {
		c.rejectLocked(requestID, r.CreatedAt, "admin", fmt.Sprintf("tree append failed: %v", err))
		return Result{}, fmt.Errorf("registration: appending commitment: %w", err)
	}

	storedIndex, err := c.store.AppendLeaf(id.Commitment, r.UserAccount, r.AttestationNullifier)
	if err != nil {
		return Result{}, fmt.Errorf("registration: persisting leaf: %w", err)
	}
	if storedIndex != leafIndex {
		return Result{}, fmt.Errorf("registration: tree/storage leaf index mismatch: tree=%d storage=%d", leafIndex, storedIndex)
	}

	sealed, err := identity.Seal(id, leafIndex, []byte(r.UserAccount))
	if err != nil {
		return Result{}, fmt.Errorf("registration: sealing credentials: %w", err)
	}

	processedAt := c.now().UTC()
	r.Status = storage.StatusApproved
	r.ProcessedAt = &processedAt
	r.ProcessedBy = processedBy
	r.IdentityCommitment = id.Commitment.Hex()
	r.LeafIndex = &leafIndex
	r.SealedCredentials = sealed.Ciphertext
	if err := c.store.UpdateRequest(r); err != nil {
		return Result{}, fmt.Errorf("registration: approving request: %w", err)
	}

	c.log.Printf("approved registration %s for user %s at leaf %d", requestID, r.UserAccount, leafIndex)
	if c.onCommit != nil {
		c.onCommit(newRoot, leafIndex+1)
	}
	return Result{
		Status:            string(storage.StatusApproved),
		LeafIndex:         leafIndex,
		Commitment:        id.Commitment.Hex(),
		SealedCredentials: sealed,
	}, nil
}

// Approve is the admin-triggered counterpart to the auto-approval path:
// it runs the same derive-append-seal pipeline against a PENDING request
// left over from a WithAutoApprove(false) submission.
func (c *Coordinator) Approve(requestID, processedBy string) (Result, error) {
	return c.approve(requestID, processedBy)
}

// AutoProcessAll approves every currently PENDING request, in creation
// order, stopping to report the first failure without losing progress
// already made on earlier requests.
func (c *Coordinator) AutoProcessAll(processedBy string) (processed int, err error) {
	pending := c.store.PendingRequests()
	sort.Slice(pending, func(i, j int) bool { return pending[i].CreatedAt.Before(pending[j].CreatedAt) })
	for _, r := range pending {
		if _, approveErr := c.approve(r.ID, processedBy); approveErr != nil {
			return processed, fmt.Errorf("registration: auto-processing request %s: %w", r.ID, approveErr)
		}
		processed++
	}
	return processed, nil
}

// ListPending returns every request currently awaiting a decision.
func (c *Coordinator) ListPending() []storage.RequestRecord {
	return c.store.PendingRequests()
}

func (c *Coordinator) rejectLocked(requestID string, createdAt time.Time, processedBy, reason string) {
	processedAt := c.now().UTC()
	r, err := c.store.GetRequest(requestID)
	if err != nil {
		c.log.Printf("cannot reject unknown request %s: %v", requestID, err)
		return
	}
	r.Status = storage.StatusRejected
	r.ProcessedAt = &processedAt
	r.ProcessedBy = processedBy
	r.RejectionReason = reason
	if err := c.store.UpdateRequest(r); err != nil {
		c.log.Printf("failed to persist rejection of request %s: %v", requestID, err)
	}
}

// Reject transitions a PENDING request to REJECTED. Terminal states are
// immutable: calling Reject on an already-terminal request is a no-op
// error, never a silent overwrite.
func (c *Coordinator) Reject(requestID, processedBy, reason string) error {
	r, err := c.store.GetRequest(requestID)
	if err != nil {
		return err
	}
	if r.Status != storage.StatusPending {
		return fmt.Errorf("registration: request %s is not pending (status=%s)", requestID, r.Status)
	}
	processedAt := c.now().UTC()
	r.Status = storage.StatusRejected
	r.ProcessedAt = &processedAt
	r.ProcessedBy = processedBy
	r.RejectionReason = reason
	return c.store.UpdateRequest(r)
}

// SweepExpired transitions every PENDING request older than requestTtl to
// EXPIRED. Intended to run on a ticker; returns the number of requests
// expired.
func (c *Coordinator) SweepExpired() int {
	cutoff := c.now().Add(-c.requestTtl)
	expired := 0
	for _, r := range c.store.PendingRequests() {
		if r.CreatedAt.After(cutoff) {
			continue
		}
		processedAt := c.now().UTC()
		r.Status = storage.StatusExpired
		r.ProcessedAt = &processedAt
		r.ProcessedBy = "system"
		if err := c.store.UpdateRequest(r); err != nil {
			c.log.Printf("failed to expire request %s: %v", r.ID, err)
			continue
		}
		expired++
	}
	if expired > 0 {
		c.log.Printf("expired %d stale registration requests", expired)
	}
	return expired
}

// RunExpirySweep blocks, running SweepExpired every interval until stop
// is closed. Callers run this in its own goroutine.
func (c *Coordinator) RunExpirySweep(stop <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.SweepExpired()
		case <-stop:
			return
		}
	}
}

// GetCredentials returns the sealed credentials for userAccount's approved
// request, if any.
func (c *Coordinator) GetCredentials(userAccount string) (identity.SealedCredentials, bool) {
	r, ok := c.store.ApprovedRequestByUserAccount(userAccount)
	if !ok {
		return identity.SealedCredentials{}, false
	}
	var leafIndex uint64
	if r.LeafIndex != nil {
		leafIndex = *r.LeafIndex
	}
	return identity.SealedCredentials{Ciphertext: r.SealedCredentials, LeafIndex: leafIndex}, true
}

// RegistrationStatus implements getRegistrationStatus(userAccount): the
// most recently written request for userAccount in any state (PENDING,
// APPROVED, REJECTED or EXPIRED), or NotFound if the user never submitted.
func (c *Coordinator) RegistrationStatus(userAccount string) (storage.RequestRecord, bool) {
	return c.store.LatestRequestByUserAccount(userAccount)
}
