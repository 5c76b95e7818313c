// Package kv wraps a CometBFT key-value database as an optional durable
// mirror for admin audit queries. The append-only logs in internal/storage
// remain the source of truth for every invariant; this mirror only makes
// "what did the operator see at time T" queries cheap without replaying
// the full request log.
package kv

import (
	"fmt"

	dbm "github.com/cometbft/cometbft-db"
)

// KV is the minimal key-value interface the audit mirror depends on.
type KV interface {
	Get(key []byte) ([]byte, error)
	Set(key, value []byte) error
}

// Adapter wraps a CometBFT dbm.DB as a KV.
type Adapter struct {
	db dbm.DB
}

// NewAdapter wraps db. A nil db makes every operation a no-op, matching the
// teacher's tolerance for an unconfigured backing store.
func NewAdapter(db dbm.DB) *Adapter {
	return &Adapter{db: db}
}

// NewGoLevelDB opens (or creates) a goleveldb-backed database at dir/name.
func NewGoLevelDB(name, dir string) (*Adapter, error) {
	db, err := dbm.NewGoLevelDB(name, dir)
	if err != nil {
		return nil, fmt.Errorf("storage/kv: opening goleveldb at %s/%s: %w", dir, name, err)
	}
	return NewAdapter(db), nil
}

func (a *Adapter) Get(key []byte) ([]byte, error) {
	if a.db == nil {
		return nil, nil
	}
	v, err := a.db.Get(key)
	if err != nil {
		return nil, fmt.Errorf("storage/kv: get: %w", err)
	}
	return v, nil
}

func (a *Adapter) Set(key, value []byte) error {
	if a.db == nil {
		return nil
	}
	if err := a.db.SetSync(key, value); err != nil {
		return fmt.Errorf("storage/kv: set: %w", err)
	}
	return nil
}

func (a *Adapter) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}
