// Package storetest provides a reusable conformance suite for sessions.Store
// implementations. Both backends run the same suite so their externally
// observable behavior cannot drift apart.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relaykit/relayd/sessions"
)

// StoreFactory creates a fresh Store for testing. The idleTimeout applies to
// expiry-sensitive tests; factories that cannot honor short timeouts (e.g. a
// shared server with second-granularity TTLs) may skip those subtests.
type StoreFactory func(t *testing.T, idleTimeout time.Duration) sessions.Store

// RunStoreTests runs the complete Store conformance suite.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("GetMissingReportsNotFound", func(t *testing.T) { testGetMissing(t, factory) })
	t.Run("PutThenGetRoundTrips", func(t *testing.T) { testPutGet(t, factory) })
	t.Run("TouchAdvancesActivity", func(t *testing.T) { testTouch(t, factory) })
	t.Run("TouchMissingIsNoop", func(t *testing.T) { testTouchMissing(t, factory) })
	t.Run("DeleteThenGetReportsNotFound", func(t *testing.T) { testDelete(t, factory) })
	t.Run("IdleSessionExpires", func(t *testing.T) { testIdleExpiry(t, factory) })
	t.Run("TouchExpiredDoesNotRevive", func(t *testing.T) { testTouchExpired(t, factory) })
	t.Run("HistoryRingBoundSurvivesStore", func(t *testing.T) { testHistoryBound(t, factory) })
}

func testGetMissing(t *testing.T, factory StoreFactory) {
	s := factory(t, time.Minute)
	_, err := s.Get(context.Background(), "nope")
	if !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func testPutGet(t *testing.T, factory StoreFactory) {
	s := factory(t, time.Minute)
	ctx := context.Background()

	rec := sessions.NewRecord(0)
	rec.AppendHistory(sessions.HistoryEntry{Operation: "calc/add", At: rec.CreatedAt})
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != rec.ID || got.CreatedAt != rec.CreatedAt || got.RequestCount != 0 {
		t.Fatalf("record mismatch: got %+v want %+v", got, rec)
	}
	if len(got.History) != 1 || got.History[0].Operation != "calc/add" {
		t.Fatalf("history did not round-trip: %+v", got.History)
	}
}

func testTouch(t *testing.T, factory StoreFactory) {
	s := factory(t, time.Minute)
	ctx := context.Background()

	rec := sessions.NewRecord(0)
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	time.Sleep(5 * time.Millisecond)
	if err := s.Touch(ctx, rec.ID); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get after Touch: %v", err)
	}
	if got.RequestCount != 1 {
		t.Fatalf("RequestCount = %d, want 1", got.RequestCount)
	}
	if got.LastActivityAt < rec.LastActivityAt {
		t.Fatalf("LastActivityAt moved backwards: %d -> %d", rec.LastActivityAt, got.LastActivityAt)
	}
}

func testTouchMissing(t *testing.T, factory StoreFactory) {
	s := factory(t, time.Minute)
	if err := s.Touch(context.Background(), "ghost"); err != nil {
		t.Fatalf("Touch on missing id must no-op, got %v", err)
	}
}

func testDelete(t *testing.T, factory StoreFactory) {
	s := factory(t, time.Minute)
	ctx := context.Background()

	rec := sessions.NewRecord(0)
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, rec.ID); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound after delete, got %v", err)
	}
}

func testIdleExpiry(t *testing.T, factory StoreFactory) {
	s := factory(t, 30*time.Millisecond)
	ctx := context.Background()

	rec := sessions.NewRecord(0)
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	if _, err := s.Get(ctx, rec.ID); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("idle session must expire, got %v", err)
	}
}

func testTouchExpired(t *testing.T, factory StoreFactory) {
	s := factory(t, 30*time.Millisecond)
	ctx := context.Background()

	rec := sessions.NewRecord(0)
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Once the idle window has passed, a Touch is a no-op on every backend:
	// the shared backend's TTL has already dropped the key, and the local
	// backend must not let a late Touch resurrect a record the sweep simply
	// hasn't reached yet.
	time.Sleep(80 * time.Millisecond)
	if err := s.Touch(ctx, rec.ID); err != nil {
		t.Fatalf("Touch on expired id must no-op, got %v", err)
	}
	if _, err := s.Get(ctx, rec.ID); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("expired session revived by Touch, Get returned %v", err)
	}
}

func testHistoryBound(t *testing.T, factory StoreFactory) {
	s := factory(t, time.Minute)
	ctx := context.Background()

	rec := sessions.NewRecord(0)
	for i := 0; i < sessions.DefaultHistoryCap+17; i++ {
		rec.AppendHistory(sessions.HistoryEntry{Operation: "op", At: int64(i)})
	}
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.History) != sessions.DefaultHistoryCap {
		t.Fatalf("history length = %d, want %d", len(got.History), sessions.DefaultHistoryCap)
	}
	// The retained window is the most recent cap entries, in order.
	if got.History[0].At != 17 || got.History[len(got.History)-1].At != int64(sessions.DefaultHistoryCap+16) {
		t.Fatalf("history window wrong: first=%d last=%d", got.History[0].At, got.History[len(got.History)-1].At)
	}
}
