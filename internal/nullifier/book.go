// Package nullifier implements the single-use (scope, nullifierHash)
// record that stops the same identity from being counted twice in the
// same census scope. The book itself holds no long-term state: durability
// lives in the storage layer, here we only supply the per-key locking that
// makes the check-then-record sequence atomic under concurrent proofs.
package nullifier

import (
	"hash/fnv"
	"sync"

	"github.com/rarimo/census-identity-service/internal/storage"
)

// shardCount bounds lock contention without a lock per distinct nullifier
// hash ever seen.
const shardCount = 256

// Book records (scope, nullifierHash) pairs exactly once each, backed by a
// storage.Store so the set survives restarts.
type Book struct {
	store  *storage.Store
	shards [shardCount]sync.Mutex
}

// New wraps store with the sharded-lock recordOnce operation.
func New(store *storage.Store) *Book {
	return &Book{store: store}
}

// RecordOnce attempts to record (scope, nullifierHash). It returns nil on
// success, storage.ErrNullifierReused if the pair was already present. The
// check against storage and the write into storage happen inside the same
// per-hash critical section, which is what makes two concurrent proofs
// carrying the same nullifier resolve to exactly one winner (property P3).
func (b *Book) RecordOnce(scope uint64, nullifierHash string) error {
	shard := &b.shards[shardIndex(nullifierHash)]
	shard.Lock()
	defer shard.Unlock()

	if b.store.HasNullifier(scope, nullifierHash) {
		return storage.ErrNullifierReused
	}
	return b.store.RecordNullifier(scope, nullifierHash)
}

// Contains reports whether (scope, nullifierHash) has already been
// recorded, without attempting to record it.
func (b *Book) Contains(scope uint64, nullifierHash string) bool {
	return b.store.HasNullifier(scope, nullifierHash)
}

func shardIndex(nullifierHash string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(nullifierHash))
	return h.Sum32() % shardCount
}
