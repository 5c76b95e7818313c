package storage

import "errors"

// Sentinel errors surfaced by Store, matching the storage-layer entries of
// the taxonomy: all are recoverable at the caller, none is fatal to the
// process.
var (
	ErrDuplicateCommitment = errors.New("storage: duplicate commitment")
	ErrDuplicateRequest    = errors.New("storage: duplicate request for user account")
	ErrNullifierReused     = errors.New("storage: nullifier already recorded for scope")
	ErrUnknownCommitment   = errors.New("storage: unknown commitment")
	ErrUnknownRequest      = errors.New("storage: unknown request")
	ErrTerminalRequest     = errors.New("storage: request is already in a terminal state")
	ErrIo                  = errors.New("storage: io error")
)
