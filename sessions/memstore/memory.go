// Package memstore is the process-local Store backend. Records live in a
// plain map; nothing survives process exit. Expiry is computed lazily at read
// time (delete-on-read) and enforced durably by SweepExpired, which the
// cleanup sweeper drives on its interval.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/relaykit/relayd/sessions"
)

// DefaultIdleTimeout matches the serverwide default of 30 minutes.
const DefaultIdleTimeout = 30 * time.Minute

// Store is an in-memory implementation of sessions.Store.
type Store struct {
	idleTimeout time.Duration

	mu      sync.RWMutex
	records map[string]*sessions.Record
}

var _ sessions.Store = (*Store)(nil)
var _ sessions.Sweeper = (*Store)(nil)

// New constructs a Store with the given idle timeout. Non-positive values
// fall back to DefaultIdleTimeout.
func New(idleTimeout time.Duration) *Store {
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Store{
		idleTimeout: idleTimeout,
		records:     make(map[string]*sessions.Record),
	}
}

func (s *Store) Get(ctx context.Context, id string) (*sessions.Record, error) {
	now := sessions.NowMillis()

	// The expiry check and the clone both read the shared record, so they stay
	// inside the lock; Touch mutates that record under the write lock.
	s.mu.RLock()
	rec, ok := s.records[id]
	var cp *sessions.Record
	expired := false
	if ok {
		if rec.IdleSince(now) > s.idleTimeout {
			expired = true
		} else {
			cp = rec.Clone()
		}
	}
	s.mu.RUnlock()

	if !ok {
		return nil, sessions.ErrSessionNotFound
	}
	if expired {
		// Lazy expiry: delete on read. Re-check under the write lock in case a
		// concurrent Put replaced the record.
		s.mu.Lock()
		if cur, ok := s.records[id]; ok && cur.IdleSince(now) > s.idleTimeout {
			delete(s.records, id)
		}
		s.mu.Unlock()
		return nil, sessions.ErrSessionNotFound
	}
	return cp, nil
}

// Put never fails on the local backend.
func (s *Store) Put(ctx context.Context, rec *sessions.Record) error {
	cp := rec.Clone()
	s.mu.Lock()
	s.records[rec.ID] = cp
	s.mu.Unlock()
	return nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return nil
}

func (s *Store) Touch(ctx context.Context, id string) error {
	now := sessions.NowMillis()
	s.mu.Lock()
	if rec, ok := s.records[id]; ok {
		if rec.IdleSince(now) > s.idleTimeout {
			// Already past its idle window, just not swept yet. The shared
			// backend's TTL would have dropped the key by now, so an expired
			// record is absent here too: delete it rather than revive it.
			delete(s.records, id)
		} else {
			rec.MarkActivity(now)
		}
	}
	s.mu.Unlock()
	return nil
}

// SweepExpired deletes every record whose idle duration exceeds the timeout.
// The local backend has no native TTL, so this sweep is its expiry mechanism
// rather than a cache-reconciliation nicety.
func (s *Store) SweepExpired(ctx context.Context) int {
	now := sessions.NowMillis()
	removed := 0
	s.mu.Lock()
	for id, rec := range s.records {
		if rec.IdleSince(now) > s.idleTimeout {
			delete(s.records, id)
			removed++
		}
	}
	s.mu.Unlock()
	return removed
}

// Len reports the number of live records; used by tests and health snapshots.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
