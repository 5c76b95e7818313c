package storage

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/rarimo/census-identity-service/internal/field"
)

// Option configures a Store at construction time.
type Option func(*Store)

// WithLogger overrides the default logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Store owns the durable representation of tree leaves, citizens,
// registration requests and nullifier entries. Writes to different
// entities are independent; each is backed by its own log-structured file
// under dir, guarded by a single process-wide advisory lock so two
// processes never open the same data directory concurrently.
type Store struct {
	dir  string
	log  *log.Logger
	lock *flock.Flock

	treeLog       *appendLog
	citizensLog   *appendLog
	requestsLog   *appendLog
	nullifiersLog *appendLog

	mu sync.RWMutex

	leaves           []field.Element
	commitmentIndex  map[string]uint64
	citizens         map[uint64]CitizenRecord
	requests         map[string]RequestRecord
	userAccountIndex map[string]string // userAccount -> requestID, non-terminal only
	approvedIndex    map[string]string // userAccount -> requestID, APPROVED only, never removed
	attestationIndex map[string]string // attestationNullifier -> requestID, APPROVED only
	latestByUser     map[string]string // userAccount -> requestID, most recent write, any status
	nullifiers       map[string]nullifierEntry
}

// Open creates dir if necessary, takes the advisory lock, opens the four
// entity logs and rebuilds every in-memory index by replaying them.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("%w: creating data directory: %v", ErrIo, err)
	}

	lock := flock.New(filepath.Join(dir, ".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("%w: acquiring data directory lock: %v", ErrIo, err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: data directory %s is already in use by another process", ErrIo, dir)
	}

	s := &Store{
		dir:              dir,
		log:              log.New(log.Writer(), "[Storage] ", log.LstdFlags),
		lock:             lock,
		commitmentIndex:  make(map[string]uint64),
		citizens:         make(map[uint64]CitizenRecord),
		requests:         make(map[string]RequestRecord),
		userAccountIndex: make(map[string]string),
		approvedIndex:    make(map[string]string),
		attestationIndex: make(map[string]string),
		latestByUser:     make(map[string]string),
		nullifiers:       make(map[string]nullifierEntry),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.treeLog, err = openAppendLog(filepath.Join(dir, "tree.log")); err != nil {
		lock.Unlock()
		return nil, err
	}
	if s.citizensLog, err = openAppendLog(filepath.Join(dir, "citizens.log")); err != nil {
		lock.Unlock()
		return nil, err
	}
	if s.requestsLog, err = openAppendLog(filepath.Join(dir, "requests.log")); err != nil {
		lock.Unlock()
		return nil, err
	}
	if s.nullifiersLog, err = openAppendLog(filepath.Join(dir, "nullifiers.log")); err != nil {
		lock.Unlock()
		return nil, err
	}

	if err := s.rebuildIndices(); err != nil {
		return nil, err
	}
	s.log.Printf("opened data directory %s: %d leaves, %d citizens, %d requests, %d nullifier entries",
		dir, len(s.leaves), len(s.citizens), len(s.requests), len(s.nullifiers))
	return s, nil
}

func (s *Store) rebuildIndices() error {
	if err := Load(filepath.Join(s.dir, "tree.log"), func(payload []byte) error {
		var e leafEntry
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil // a malformed record in a well-formed frame is treated as a truncated tail
		}
		s.leaves = append(s.leaves, field.Element{})
		idx := uint64(len(s.leaves) - 1)
		leaf, err := field.FromHex(e.Commitment)
		if err != nil {
			return fmt.Errorf("storage: decoding leaf %d: %w", idx, err)
		}
		s.leaves[idx] = leaf
		s.commitmentIndex[e.Commitment] = idx
		return nil
	}); err != nil {
		return fmt.Errorf("%w: replaying tree.log: %v", ErrIo, err)
	}

	if err := Load(filepath.Join(s.dir, "citizens.log"), func(payload []byte) error {
		var c CitizenRecord
		if err := json.Unmarshal(payload, &c); err != nil {
			return nil
		}
		s.citizens[c.LeafIndex] = c
		return nil
	}); err != nil {
		return fmt.Errorf("%w: replaying citizens.log: %v", ErrIo, err)
	}

	if err := Load(filepath.Join(s.dir, "requests.log"), func(payload []byte) error {
		var r RequestRecord
		if err := json.Unmarshal(payload, &r); err != nil {
			return nil
		}
		s.requests[r.ID] = r
		s.reindexRequest(r)
		return nil
	}); err != nil {
		return fmt.Errorf("%w: replaying requests.log: %v", ErrIo, err)
	}

	if err := Load(filepath.Join(s.dir, "nullifiers.log"), func(payload []byte) error {
		var n nullifierEntry
		if err := json.Unmarshal(payload, &n); err != nil {
			return nil
		}
		s.nullifiers[nullifierKey(n.Scope, n.NullifierHash)] = n
		return nil
	}); err != nil {
		return fmt.Errorf("%w: replaying nullifiers.log: %v", ErrIo, err)
	}

	return nil
}

// reindexRequest keeps userAccountIndex and attestationIndex current for a
// request record loaded from the log or freshly written, matching the
// one-non-terminal-request-per-user and one-approved-request-per-attestation
// invariants.
func (s *Store) reindexRequest(r RequestRecord) {
	if r.Status == StatusPending {
		s.userAccountIndex[r.UserAccount] = r.ID
	} else {
		if s.userAccountIndex[r.UserAccount] == r.ID {
			delete(s.userAccountIndex, r.UserAccount)
		}
	}
	if r.Status == StatusApproved {
		s.attestationIndex[r.AttestationNullifier] = r.ID
		s.approvedIndex[r.UserAccount] = r.ID
	}
	s.latestByUser[r.UserAccount] = r.ID
}

// isTerminalStatus reports whether status is one of the DAG's terminal
// states, which never accept further updates.
func isTerminalStatus(status RequestStatus) bool {
	return status == StatusApproved || status == StatusRejected || status == StatusExpired
}

func nullifierKey(scope uint64, nullifierHash string) string {
	return fmt.Sprintf("%d:%s", scope, nullifierHash)
}

// Close releases the data directory lock and closes every open log file.
func (s *Store) Close() error {
	s.treeLog.Close()
	s.citizensLog.Close()
	s.requestsLog.Close()
	s.nullifiersLog.Close()
	return s.lock.Unlock()
}

// AppendLeaf durably records a new commitment/citizen pair and returns the
// assigned leaf index. DuplicateCommitment is returned if commitment has
// already been appended; the storage layer is the sole place dedup is
// enforced, not the tree engine.
func (s *Store) AppendLeaf(commitment field.Element, userAccount, attestationFingerprint string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := commitment.Hex()
	if _, exists := s.commitmentIndex[key]; exists {
		return 0, ErrDuplicateCommitment
	}

	idx := uint64(len(s.leaves))
	leafPayload, err := json.Marshal(leafEntry{Version: currentLeafVersion, Commitment: key})
	if err != nil {
		return 0, fmt.Errorf("%w: marshalling leaf entry: %v", ErrIo, err)
	}
	if err := s.treeLog.Append(leafPayload); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIo, err)
	}

	citizen := CitizenRecord{
		Commitment:             key,
		LeafIndex:              idx,
		UserAccount:            userAccount,
		AttestationFingerprint: attestationFingerprint,
		CreatedAt:              time.Now().UTC(),
	}
	citizenPayload, err := json.Marshal(citizen)
	if err != nil {
		return 0, fmt.Errorf("%w: marshalling citizen record: %v", ErrIo, err)
	}
	if err := s.citizensLog.Append(citizenPayload); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrIo, err)
	}

	s.leaves = append(s.leaves, commitment)
	s.commitmentIndex[key] = idx
	s.citizens[idx] = citizen
	return idx, nil
}

// Leaves returns a copy of the ordered commitment list, used by the Merkle
// engine to rebuild its frontier at startup.
func (s *Store) Leaves() []field.Element {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]field.Element, len(s.leaves))
	copy(out, s.leaves)
	return out
}

// LeafIndexForCommitment resolves a commitment to its leaf index.
func (s *Store) LeafIndexForCommitment(commitment field.Element) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.commitmentIndex[commitment.Hex()]
	if !ok {
		return 0, ErrUnknownCommitment
	}
	return idx, nil
}

// CitizenByLeafIndex returns the citizen record stored for a leaf index.
func (s *Store) CitizenByLeafIndex(idx uint64) (CitizenRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.citizens[idx]
	if !ok {
		return CitizenRecord{}, ErrUnknownCommitment
	}
	return c, nil
}

// CreateRequest persists a new PENDING request. DuplicateRequest is
// returned if userAccount already holds a non-terminal request.
func (s *Store) CreateRequest(r RequestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.userAccountIndex[r.UserAccount]; exists {
		return ErrDuplicateRequest
	}
	return s.putRequestLocked(r)
}

// UpdateRequest persists a status transition (or any field mutation) for an
// existing request and re-syncs the indices.
func (s *Store) UpdateRequest(r RequestRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.requests[r.ID]
	if !exists {
		return ErrUnknownRequest
	}
	if isTerminalStatus(existing.Status) {
		return ErrTerminalRequest
	}
	return s.putRequestLocked(r)
}

func (s *Store) putRequestLocked(r RequestRecord) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: marshalling request record: %v", ErrIo, err)
	}
	if err := s.requestsLog.Append(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrIo, err)
	}
	s.requests[r.ID] = r
	s.reindexRequest(r)
	return nil
}

// GetRequest returns the current record for requestID.
func (s *Store) GetRequest(requestID string) (RequestRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.requests[requestID]
	if !ok {
		return RequestRecord{}, ErrUnknownRequest
	}
	return r, nil
}

// RequestByUserAccount returns the non-terminal request for userAccount, if
// any.
func (s *Store) RequestByUserAccount(userAccount string) (RequestRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.userAccountIndex[userAccount]
	if !ok {
		return RequestRecord{}, false
	}
	return s.requests[id], true
}

// ApprovedRequestByUserAccount returns the APPROVED request for
// userAccount, if one exists, regardless of any later PENDING request.
func (s *Store) ApprovedRequestByUserAccount(userAccount string) (RequestRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.approvedIndex[userAccount]
	if !ok {
		return RequestRecord{}, false
	}
	return s.requests[id], true
}

// ApprovedRequestByAttestation returns the APPROVED request, if any, bound
// to attestationNullifier, used to detect AttestationReuse under a
// different user.
func (s *Store) ApprovedRequestByAttestation(attestationNullifier string) (RequestRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.attestationIndex[attestationNullifier]
	if !ok {
		return RequestRecord{}, false
	}
	return s.requests[id], true
}

// LatestRequestByUserAccount returns the most recently written request for
// userAccount regardless of status, used to answer getRegistrationStatus
// once a request has reached a terminal state and dropped out of the
// other, status-scoped indices.
func (s *Store) LatestRequestByUserAccount(userAccount string) (RequestRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.latestByUser[userAccount]
	if !ok {
		return RequestRecord{}, false
	}
	return s.requests[id], true
}

// PendingRequests returns every request currently in PENDING state, ordered
// arbitrarily, for the periodic expiry sweep and admin listing.
func (s *Store) PendingRequests() []RequestRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RequestRecord, 0, len(s.userAccountIndex))
	for _, id := range s.userAccountIndex {
		if r := s.requests[id]; r.Status == StatusPending {
			out = append(out, r)
		}
	}
	return out
}

// RecordNullifier records (scope, nullifierHash) exactly once. Callers in
// internal/nullifier already hold a per-hash lock around the check-then-
// record sequence; Store only guarantees the write itself is durable.
func (s *Store) RecordNullifier(scope uint64, nullifierHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := nullifierKey(scope, nullifierHash)
	if _, exists := s.nullifiers[key]; exists {
		return ErrNullifierReused
	}

	entry := nullifierEntry{Scope: scope, NullifierHash: nullifierHash, FirstSeenAt: time.Now().UTC()}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("%w: marshalling nullifier entry: %v", ErrIo, err)
	}
	if err := s.nullifiersLog.Append(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrIo, err)
	}
	s.nullifiers[key] = entry
	return nil
}

// HasNullifier reports whether (scope, nullifierHash) has already been
// recorded, without mutating state.
func (s *Store) HasNullifier(scope uint64, nullifierHash string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nullifiers[nullifierKey(scope, nullifierHash)]
	return ok
}

// Compact rewrites every entity log to hold only its current materialized
// state, dropping superseded request revisions and already-applied leaf
// appends' intermediate history. Safe to run concurrently with reads but
// serializes against writers of the same entity.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	leaves := make([]field.Element, len(s.leaves))
	copy(leaves, s.leaves)
	citizens := make([]CitizenRecord, 0, len(s.citizens))
	for _, c := range s.citizens {
		citizens = append(citizens, c)
	}
	requests := make([]RequestRecord, 0, len(s.requests))
	for _, r := range s.requests {
		requests = append(requests, r)
	}
	nullifiers := make([]nullifierEntry, 0, len(s.nullifiers))
	for _, n := range s.nullifiers {
		nullifiers = append(nullifiers, n)
	}

	if err := compact(filepath.Join(s.dir, "tree.log"), func(w func([]byte) error) error {
		for _, leaf := range leaves {
			payload, err := json.Marshal(leafEntry{Version: currentLeafVersion, Commitment: leaf.Hex()})
			if err != nil {
				return err
			}
			if err := w(payload); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("%w: compacting tree.log: %v", ErrIo, err)
	}

	if err := compact(filepath.Join(s.dir, "citizens.log"), func(w func([]byte) error) error {
		for _, c := range citizens {
			payload, err := json.Marshal(c)
			if err != nil {
				return err
			}
			if err := w(payload); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("%w: compacting citizens.log: %v", ErrIo, err)
	}

	if err := compact(filepath.Join(s.dir, "requests.log"), func(w func([]byte) error) error {
		for _, r := range requests {
			payload, err := json.Marshal(r)
			if err != nil {
				return err
			}
			if err := w(payload); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("%w: compacting requests.log: %v", ErrIo, err)
	}

	if err := compact(filepath.Join(s.dir, "nullifiers.log"), func(w func([]byte) error) error {
		for _, n := range nullifiers {
			payload, err := json.Marshal(n)
			if err != nil {
				return err
			}
			if err := w(payload); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return fmt.Errorf("%w: compacting nullifiers.log: %v", ErrIo, err)
	}

	s.log.Printf("compacted data directory %s", s.dir)
	return s.reopenLogs()
}

// reopenLogs closes and reopens every log's file handle after a compaction
// has renamed a fresh file over the old path; the old handles still point
// at the unlinked inode and must not be reused for further appends.
func (s *Store) reopenLogs() error {
	s.treeLog.Close()
	s.citizensLog.Close()
	s.requestsLog.Close()
	s.nullifiersLog.Close()

	var err error
	if s.treeLog, err = openAppendLog(filepath.Join(s.dir, "tree.log")); err != nil {
		return err
	}
	if s.citizensLog, err = openAppendLog(filepath.Join(s.dir, "citizens.log")); err != nil {
		return err
	}
	if s.requestsLog, err = openAppendLog(filepath.Join(s.dir, "requests.log")); err != nil {
		return err
	}
	if s.nullifiersLog, err = openAppendLog(filepath.Join(s.dir, "nullifiers.log")); err != nil {
		return err
	}
	return nil
}
