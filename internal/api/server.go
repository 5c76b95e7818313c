// Package api is the HTTP transport over the census identity service:
// public registration/proof endpoints and a signature-gated admin
// surface, following the teacher's net/http + ServeMux + writeJSON/
// writeError handler shape (pkg/server/proof_handlers.go).
package api

import (
	"crypto/ed25519"
	"log"
	"net/http"

	"github.com/rarimo/census-identity-service/internal/groth16verify"
	"github.com/rarimo/census-identity-service/internal/merkletree"
	"github.com/rarimo/census-identity-service/internal/registration"
	"github.com/rarimo/census-identity-service/internal/storage"
)

// Server wires the full registration/proof/admin surface (C7) over every
// other component (C1-C6).
type Server struct {
	coordinator *registration.Coordinator
	tree        *merkletree.Tree
	store       *storage.Store
	verifier    *groth16verify.Verifier
	adminKeys   []ed25519.PublicKey
	log         *log.Logger
}

// Option configures a Server at construction time.
type Option func(*Server)

// WithLogger overrides the default logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New builds a Server over already-constructed components.
func New(coordinator *registration.Coordinator, tree *merkletree.Tree, store *storage.Store, verifier *groth16verify.Verifier, adminKeys []ed25519.PublicKey, opts ...Option) *Server {
	s := &Server{
		coordinator: coordinator,
		tree:        tree,
		store:       store,
		verifier:    verifier,
		adminKeys:   adminKeys,
		log:         log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the ServeMux exposing every C7 operation.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)

	mux.HandleFunc("/v1/registration", s.handleSubmitRegistration)
	mux.HandleFunc("/v1/registration-status/", s.handleGetRegistrationStatus)
	mux.HandleFunc("/v1/credentials/", s.handleGetCredentials)
	mux.HandleFunc("/v1/merkle-proof/", s.handleGetMerkleProof)
	mux.HandleFunc("/v1/tree-info", s.handleGetTreeInfo)
	mux.HandleFunc("/v1/verify", s.handleVerify)

	mux.HandleFunc("/v1/admin/pending", s.requireAdminSignature(s.handleAdminListPending))
	mux.HandleFunc("/v1/admin/approve/", s.requireAdminSignature(s.handleAdminApprove))
	mux.HandleFunc("/v1/admin/reject/", s.requireAdminSignature(s.handleAdminReject))
	mux.HandleFunc("/v1/admin/auto-process-all", s.requireAdminSignature(s.handleAdminAutoProcessAll))

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
