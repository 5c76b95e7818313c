package storage

import "time"

// RequestStatus is the registration request lifecycle state. Transitions
// form a DAG: Pending -> {Approved, Rejected, Expired}; the terminal states
// are never revisited.
type RequestStatus string

const (
	StatusPending  RequestStatus = "PENDING"
	StatusApproved RequestStatus = "APPROVED"
	StatusRejected RequestStatus = "REJECTED"
	StatusExpired  RequestStatus = "EXPIRED"
)

// CitizenRecord is the authoritative record for one appended leaf.
type CitizenRecord struct {
	Commitment             string    `json:"commitment"`
	LeafIndex              uint64    `json:"leafIndex"`
	UserAccount            string    `json:"userAccount"`
	AttestationFingerprint string    `json:"attestationFingerprint"`
	CreatedAt              time.Time `json:"createdAt"`
}

// RequestRecord is the full lifecycle record for one registration request.
type RequestRecord struct {
	ID                   string        `json:"id"`
	UserAccount          string        `json:"userAccount"`
	AttestationNullifier string        `json:"attestationNullifier"`
	Status               RequestStatus `json:"status"`
	CreatedAt            time.Time     `json:"createdAt"`
	ProcessedAt          *time.Time    `json:"processedAt,omitempty"`
	ProcessedBy          string        `json:"processedBy,omitempty"`
	RejectionReason      string        `json:"rejectionReason,omitempty"`
	IdentityCommitment   string        `json:"identityCommitment,omitempty"`
	LeafIndex            *uint64       `json:"leafIndex,omitempty"`
	SealedCredentials    string        `json:"sealedCredentials,omitempty"`
}

// nullifierEntry is one recorded (scope, nullifierHash) pair.
type nullifierEntry struct {
	Scope         uint64    `json:"scope"`
	NullifierHash string    `json:"nullifierHash"`
	FirstSeenAt   time.Time `json:"firstSeenAt"`
}

// leafEntry is the payload stored in tree.log: the append order is the leaf
// index, so no explicit index field is needed.
type leafEntry struct {
	Version    uint8  `json:"version"`
	Commitment string `json:"commitment"`
}

const currentLeafVersion uint8 = 1
