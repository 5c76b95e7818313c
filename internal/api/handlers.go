package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rarimo/census-identity-service/internal/field"
	"github.com/rarimo/census-identity-service/internal/groth16verify"
	"github.com/rarimo/census-identity-service/internal/registration"
)

// submitRegistrationRequest is the wire body for POST /v1/registration.
type submitRegistrationRequest struct {
	UserAccount string                           `json:"userAccount"`
	Attestation registration.PassportAttestation `json:"attestation"`
}

type submitRegistrationResponse struct {
	Status            string `json:"status"`
	LeafIndex         uint64 `json:"leafIndex,omitempty"`
	Commitment        string `json:"commitment,omitempty"`
	SealedCredentials string `json:"sealedCredentials,omitempty"`
}

// handleSubmitRegistration implements submitRegistration(userAccount,
// attestation) -> RegistrationStatus, idempotent on userAccount.
func (s *Server) handleSubmitRegistration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only POST is allowed")
		return
	}

	var req submitRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}
	if req.UserAccount == "" {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "userAccount is required")
		return
	}

	result, err := s.coordinator.SubmitRegistration(req.UserAccount, req.Attestation)
	if err != nil && !errors.Is(err, registration.ErrAlreadyRegistered) {
		s.writeDomainError(w, err)
		return
	}

	// An ErrAlreadyRegistered repeat submission is still idempotent (P4):
	// it carries the same body a first-time APPROVED response would, just
	// under a 409 instead of a 200, so N identical submits observe the
	// same status and leafIndex rather than an empty error body.
	httpStatus := http.StatusOK
	if err != nil {
		httpStatus = http.StatusConflict
	}
	s.writeJSON(w, httpStatus, submitRegistrationResponse{
		Status:            result.Status,
		LeafIndex:         result.LeafIndex,
		Commitment:        result.Commitment,
		SealedCredentials: result.SealedCredentials.Ciphertext,
	})
}

type registrationStatusResponse struct {
	Status          string  `json:"status"`
	LeafIndex       *uint64 `json:"leafIndex,omitempty"`
	Commitment      string  `json:"commitment,omitempty"`
	RejectionReason string  `json:"rejectionReason,omitempty"`
}

// handleGetRegistrationStatus implements getRegistrationStatus(userAccount)
// -> RegistrationStatus | NotFound.
func (s *Server) handleGetRegistrationStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only GET is allowed")
		return
	}

	userAccount := strings.TrimPrefix(r.URL.Path, "/v1/registration-status/")
	if userAccount == "" {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "userAccount is required")
		return
	}

	record, ok := s.coordinator.RegistrationStatus(userAccount)
	if !ok {
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", "no registration request found for this user")
		return
	}
	s.writeJSON(w, http.StatusOK, registrationStatusResponse{
		Status:          string(record.Status),
		LeafIndex:       record.LeafIndex,
		Commitment:      record.IdentityCommitment,
		RejectionReason: record.RejectionReason,
	})
}

// handleGetCredentials implements getCredentials(userAccount) ->
// SealedCredentials | NotReady.
func (s *Server) handleGetCredentials(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only GET is allowed")
		return
	}

	userAccount := strings.TrimPrefix(r.URL.Path, "/v1/credentials/")
	if userAccount == "" {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "userAccount is required")
		return
	}

	sealed, ok := s.coordinator.GetCredentials(userAccount)
	if !ok {
		s.writeError(w, http.StatusNotFound, "NOT_READY", "credentials not yet available for this user")
		return
	}
	s.writeJSON(w, http.StatusOK, sealed)
}

// handleGetMerkleProof implements getMerkleProof(commitment) ->
// InclusionProof | UnknownCommitment.
func (s *Server) handleGetMerkleProof(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only GET is allowed")
		return
	}

	commitmentHex := strings.TrimPrefix(r.URL.Path, "/v1/merkle-proof/")
	commitment, err := field.FromHex(commitmentHex)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_ENCODING", "commitment must be a hex-encoded field element")
		return
	}

	leafIndex, err := s.store.LeafIndexForCommitment(commitment)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "UNKNOWN_COMMITMENT", "no leaf recorded for this commitment")
		return
	}

	proof, err := s.tree.InclusionProof(leafIndex)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, proof)
}

type treeInfoResponse struct {
	Root      string `json:"root"`
	LeafCount uint64 `json:"leafCount"`
	Depth     int    `json:"depth"`
}

// handleGetTreeInfo implements getTreeInfo() -> { root, leafCount, depth }.
func (s *Server) handleGetTreeInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only GET is allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, treeInfoResponse{
		Root:      s.tree.Root().Hex(),
		LeafCount: s.tree.LeafCount(),
		Depth:     s.tree.Depth(),
	})
}

type verifyRequest struct {
	Proof         groth16verify.Proof `json:"proof"`
	PublicSignals []string            `json:"publicSignals"`
}

type verifyResponse struct {
	NullifierHash   string `json:"nullifierHash"`
	Scope           uint64 `json:"scope"`
	IssuedAt        int64  `json:"issuedAt"`
	ExpiresAt       int64  `json:"expiresAt"`
	SignerPublicKey string `json:"signerPublicKey"`
	Signature       string `json:"signature"`
}

// handleVerify implements verify(proof, publicSignals) -> Attestation |
// rejection, the full C5 acceptance pipeline.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "only POST is allowed")
		return
	}

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid request body")
		return
	}

	signals, err := groth16verify.DecodePublicSignals(req.PublicSignals)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	result, err := s.verifier.Verify(req.Proof, signals)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	nullifierHash, _ := field.FromCanonicalBytes(result.Attestation.NullifierHash[:])
	s.writeJSON(w, http.StatusOK, verifyResponse{
		NullifierHash:   nullifierHash.Hex(),
		Scope:           result.Attestation.Scope,
		IssuedAt:        result.Attestation.IssuedAt,
		ExpiresAt:       result.Attestation.ExpiresAt,
		SignerPublicKey: hexEncode(result.Attestation.SignerPublicKey[:]),
		Signature:       hexEncode(result.Signature[:]),
	})
}
