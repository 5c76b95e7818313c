package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rarimo/census-identity-service/internal/groth16verify"
	"github.com/rarimo/census-identity-service/internal/registration"
	"github.com/rarimo/census-identity-service/internal/storage"
)

// APIError is the wire shape of every error response, mirroring the
// teacher's writeError(w, status, code, message) helper.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Printf("error encoding response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]APIError{
		"error": {Code: code, Message: message},
	})
}

// writeDomainError maps a sentinel error from the registration or
// groth16verify packages onto the wire error taxonomy in spec.md §7.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registration.ErrAttestationInvalid):
		s.writeError(w, http.StatusForbidden, "ATTESTATION_INVALID", err.Error())
	case errors.Is(err, registration.ErrUnderAge):
		s.writeError(w, http.StatusForbidden, "UNDER_AGE", err.Error())
	case errors.Is(err, registration.ErrAttestationExpired):
		s.writeError(w, http.StatusForbidden, "ATTESTATION_EXPIRED", err.Error())
	case errors.Is(err, registration.ErrAttestationReuse):
		s.writeError(w, http.StatusConflict, "ATTESTATION_REUSE", err.Error())
	case errors.Is(err, registration.ErrAlreadyRegistered):
		s.writeError(w, http.StatusConflict, "ALREADY_REGISTERED", err.Error())
	case errors.Is(err, storage.ErrDuplicateRequest):
		s.writeError(w, http.StatusConflict, "DUPLICATE_REQUEST", err.Error())
	case errors.Is(err, storage.ErrTerminalRequest):
		s.writeError(w, http.StatusConflict, "REQUEST_ALREADY_TERMINAL", err.Error())
	case errors.Is(err, groth16verify.ErrMalformedProof):
		s.writeError(w, http.StatusBadRequest, "MALFORMED_PROOF", err.Error())
	case errors.Is(err, groth16verify.ErrStaleRoot):
		s.writeError(w, http.StatusConflict, "STALE_ROOT", err.Error())
	case errors.Is(err, groth16verify.ErrScopeMismatch):
		s.writeError(w, http.StatusBadRequest, "SCOPE_MISMATCH", err.Error())
	case errors.Is(err, groth16verify.ErrNullifierReused):
		s.writeError(w, http.StatusConflict, "NULLIFIER_REUSED", err.Error())
	case errors.Is(err, groth16verify.ErrProofRejected):
		s.writeError(w, http.StatusUnprocessableEntity, "PROOF_REJECTED", err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}
