package kv

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"
)

var (
	keyTreeInfoPrefix = []byte("audit:tree:")
	keyPendingSnap    = []byte("audit:pending:latest")
)

// TreeInfoSnapshot is one point-in-time observation of the tree's size and
// root, recorded for the admin audit trail.
type TreeInfoSnapshot struct {
	LeafCount uint64    `json:"leafCount"`
	Root      string    `json:"root"`
	Time      time.Time `json:"time"`
}

// PendingSnapshot is the latest observed set of pending request IDs, used
// by admin tooling without replaying requests.log.
type PendingSnapshot struct {
	RequestIDs []string  `json:"requestIds"`
	Time       time.Time `json:"time"`
}

// AuditMirror records admin-facing snapshots into a KV, independent of the
// append-only logs that back correctness-critical state.
type AuditMirror struct {
	kv KV
}

// NewAuditMirror wraps kv, which may be a no-op Adapter if no backing store
// was configured.
func NewAuditMirror(kv KV) *AuditMirror {
	return &AuditMirror{kv: kv}
}

// RecordTreeInfo appends a height-keyed snapshot of the tree's size and
// root.
func (m *AuditMirror) RecordTreeInfo(height uint64, snapshot TreeInfoSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("storage/kv: marshalling tree info snapshot: %w", err)
	}
	return m.kv.Set(treeInfoKey(height), payload)
}

// TreeInfoAt returns the snapshot most recently recorded for height, or
// (zero value, false) if none has been recorded.
func (m *AuditMirror) TreeInfoAt(height uint64) (TreeInfoSnapshot, bool, error) {
	raw, err := m.kv.Get(treeInfoKey(height))
	if err != nil {
		return TreeInfoSnapshot{}, false, err
	}
	if raw == nil {
		return TreeInfoSnapshot{}, false, nil
	}
	var s TreeInfoSnapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return TreeInfoSnapshot{}, false, fmt.Errorf("storage/kv: decoding tree info snapshot: %w", err)
	}
	return s, true, nil
}

// RecordPending overwrites the latest pending-request snapshot.
func (m *AuditMirror) RecordPending(requestIDs []string) error {
	snapshot := PendingSnapshot{RequestIDs: requestIDs, Time: time.Now().UTC()}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("storage/kv: marshalling pending snapshot: %w", err)
	}
	return m.kv.Set(keyPendingSnap, payload)
}

// LatestPending returns the most recently recorded pending-request
// snapshot.
func (m *AuditMirror) LatestPending() (PendingSnapshot, bool, error) {
	raw, err := m.kv.Get(keyPendingSnap)
	if err != nil {
		return PendingSnapshot{}, false, err
	}
	if raw == nil {
		return PendingSnapshot{}, false, nil
	}
	var s PendingSnapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return PendingSnapshot{}, false, fmt.Errorf("storage/kv: decoding pending snapshot: %w", err)
	}
	return s, true, nil
}

func treeInfoKey(height uint64) []byte {
	b := make([]byte, len(keyTreeInfoPrefix)+8)
	copy(b, keyTreeInfoPrefix)
	binary.BigEndian.PutUint64(b[len(keyTreeInfoPrefix):], height)
	return b
}
