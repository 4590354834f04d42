package sessions

import (
	"context"
	"errors"
)

var (
	// ErrSessionNotFound indicates no durable record exists for the id: either
	// never created, expired, or deleted. Resolving it is always the client's
	// job (reinitialize); it is never fatal to the process.
	ErrSessionNotFound = errors.New("session not found")

	// ErrStorageFailed indicates a durable write could not complete. The
	// originating request must fail; silently losing a just-written session
	// breaks every subsequent request for that id.
	ErrStorageFailed = errors.New("session storage operation failed")
)

// Store is the durable mapping from session id to Record. Implementations
// must be safe for concurrent use from many goroutines and, for shared
// backends, from many nodes.
//
// Contract highlights:
//   - Get reports ErrSessionNotFound both for never-created and expired ids.
//     Shared-backend read errors are swallowed into not-found (fail open).
//   - Put is a full upsert of the durable fields and fails closed: a
//     shared-backend write error wraps ErrStorageFailed.
//   - Delete is best-effort; callers log and move on.
//   - Touch atomically-enough advances LastActivityAt and RequestCount.
//     Last-writer-wins is acceptable; a failed read no-ops rather than
//     corrupting the record.
type Store interface {
	Get(ctx context.Context, id string) (*Record, error)
	Put(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, id string) error
	Touch(ctx context.Context, id string) error
}

// Sweeper is implemented by backends with no native TTL: the periodic sweep
// is their only expiry mechanism. It returns the number of records removed.
type Sweeper interface {
	SweepExpired(ctx context.Context) int
}

// Pinger is implemented by backends with a network dependency so the health
// boundary can probe liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}
