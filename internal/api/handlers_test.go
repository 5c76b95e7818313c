package api

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/rarimo/census-identity-service/internal/merkletree"
	"github.com/rarimo/census-identity-service/internal/registration"
	"github.com/rarimo/census-identity-service/internal/storage"
)

func newTestServer(t *testing.T) (*Server, ed25519.PrivateKey) {
	t.Helper()
	dir, err := os.MkdirTemp("", "census-api-test-*")
	if err != nil {
		t.Fatalf("mkdir temp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	store, err := storage.Open(dir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	tree := merkletree.New()
	coordinator := registration.New(store, tree, []byte("test-admin-salt"), 7*24*time.Hour)

	adminPub, adminPriv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generating admin key: %v", err)
	}

	s := New(coordinator, tree, store, nil, []ed25519.PublicKey{adminPub})
	return s, adminPriv
}

func TestHandleSubmitRegistration_Succeeds(t *testing.T) {
	s, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"userAccount": "user-1",
		"attestation": map[string]interface{}{
			"valid":                true,
			"adult":                true,
			"expiresAt":            2000000000,
			"attestationNullifier": "0x01",
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/registration", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	s.handleSubmitRegistration(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp submitRegistrationResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "APPROVED" {
		t.Errorf("expected APPROVED, got %s", resp.Status)
	}
}

func TestHandleSubmitRegistration_RejectsUnderAge(t *testing.T) {
	s, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"userAccount": "user-1",
		"attestation": map[string]interface{}{
			"valid":                true,
			"adult":                false,
			"expiresAt":            2000000000,
			"attestationNullifier": "0x01",
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/registration", bytes.NewReader(body))
	rr := httptest.NewRecorder()

	s.handleSubmitRegistration(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestHandleSubmitRegistration_RejectsWrongMethod(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/registration", nil)
	rr := httptest.NewRecorder()
	s.handleSubmitRegistration(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

func TestHandleGetRegistrationStatus_ReportsRejectedWithReason(t *testing.T) {
	s, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"userAccount": "user-1",
		"attestation": map[string]interface{}{
			"valid":                true,
			"adult":                false,
			"expiresAt":            2000000000,
			"attestationNullifier": "0x01",
		},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/registration", bytes.NewReader(body))
	rr := httptest.NewRecorder()
	s.handleSubmitRegistration(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", rr.Code, rr.Body.String())
	}

	statusReq := httptest.NewRequest(http.MethodGet, "/v1/registration-status/user-1", nil)
	statusRR := httptest.NewRecorder()
	s.handleGetRegistrationStatus(statusRR, statusReq)

	if statusRR.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", statusRR.Code, statusRR.Body.String())
	}
	var resp registrationStatusResponse
	if err := json.NewDecoder(statusRR.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Status != "REJECTED" {
		t.Errorf("expected REJECTED, got %s", resp.Status)
	}
	if resp.RejectionReason == "" {
		t.Error("expected a non-empty rejection reason")
	}
}

func TestHandleGetRegistrationStatus_NotFoundForUnknownUser(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/registration-status/nobody", nil)
	rr := httptest.NewRecorder()
	s.handleGetRegistrationStatus(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestHandleSubmitRegistration_IdempotentResubmitReturns409WithExistingLeafIndex(t *testing.T) {
	s, _ := newTestServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"userAccount": "user-1",
		"attestation": map[string]interface{}{
			"valid":                true,
			"adult":                true,
			"expiresAt":            2000000000,
			"attestationNullifier": "0x01",
		},
	})
	firstReq := httptest.NewRequest(http.MethodPost, "/v1/registration", bytes.NewReader(body))
	firstRR := httptest.NewRecorder()
	s.handleSubmitRegistration(firstRR, firstReq)
	var first submitRegistrationResponse
	if err := json.NewDecoder(firstRR.Body).Decode(&first); err != nil {
		t.Fatalf("decoding first response: %v", err)
	}

	secondBody, _ := json.Marshal(map[string]interface{}{
		"userAccount": "user-1",
		"attestation": map[string]interface{}{
			"valid":                true,
			"adult":                true,
			"expiresAt":            2000000000,
			"attestationNullifier": "0x02",
		},
	})
	secondReq := httptest.NewRequest(http.MethodPost, "/v1/registration", bytes.NewReader(secondBody))
	secondRR := httptest.NewRecorder()
	s.handleSubmitRegistration(secondRR, secondReq)

	if secondRR.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", secondRR.Code, secondRR.Body.String())
	}
	var second submitRegistrationResponse
	if err := json.NewDecoder(secondRR.Body).Decode(&second); err != nil {
		t.Fatalf("decoding second response: %v", err)
	}
	if second.Status != "APPROVED" || second.LeafIndex != first.LeafIndex {
		t.Errorf("expected idempotent APPROVED result with leafIndex %d, got status=%s leafIndex=%d", first.LeafIndex, second.Status, second.LeafIndex)
	}
}

func TestHandleGetCredentials_NotReadyBeforeRegistration(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/credentials/user-1", nil)
	rr := httptest.NewRecorder()
	s.handleGetCredentials(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestHandleGetTreeInfo_ReportsEmptyTree(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/tree-info", nil)
	rr := httptest.NewRecorder()
	s.handleGetTreeInfo(rr, req)

	var resp treeInfoResponse
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.LeafCount != 0 {
		t.Errorf("expected leaf count 0, got %d", resp.LeafCount)
	}
	if resp.Depth != merkletree.Depth {
		t.Errorf("expected depth %d, got %d", merkletree.Depth, resp.Depth)
	}
}

func TestRequireAdminSignature_RejectsMissingHeader(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/pending", nil)
	rr := httptest.NewRecorder()
	s.requireAdminSignature(s.handleAdminListPending)(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestRequireAdminSignature_AcceptsValidSignature(t *testing.T) {
	s, adminPriv := newTestServer(t)

	body := []byte("{}")
	signature := ed25519.Sign(adminPriv, body)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/pending", bytes.NewReader(body))
	req.Header.Set(adminSignatureHeader, hexEncode(signature))
	rr := httptest.NewRecorder()
	s.requireAdminSignature(s.handleAdminListPending)(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestRequireAdminSignature_RejectsSignatureFromUnknownKey(t *testing.T) {
	s, _ := newTestServer(t)
	_, otherPriv, _ := ed25519.GenerateKey(nil)

	body := []byte("{}")
	signature := ed25519.Sign(otherPriv, body)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/pending", bytes.NewReader(body))
	req.Header.Set(adminSignatureHeader, hexEncode(signature))
	rr := httptest.NewRecorder()
	s.requireAdminSignature(s.handleAdminListPending)(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}
