package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relaykit/relayd/sessions"
	"github.com/relaykit/relayd/sessions/storetest"
)

func TestMemoryStoreConformance(t *testing.T) {
	storetest.RunStoreTests(t, func(t *testing.T, idleTimeout time.Duration) sessions.Store {
		return New(idleTimeout)
	})
}

func TestSweepExpiredRemovesIdleRecords(t *testing.T) {
	s := New(20 * time.Millisecond)
	ctx := context.Background()

	stale := sessions.NewRecord(0)
	stale.LastActivityAt -= 1000
	if err := s.Put(ctx, stale); err != nil {
		t.Fatalf("Put: %v", err)
	}
	fresh := sessions.NewRecord(0)
	if err := s.Put(ctx, fresh); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if removed := s.SweepExpired(ctx); removed != 1 {
		t.Fatalf("SweepExpired removed %d, want 1", removed)
	}
	if _, err := s.Get(ctx, stale.ID); !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("stale record still resolvable: %v", err)
	}
	if _, err := s.Get(ctx, fresh.ID); err != nil {
		t.Fatalf("fresh record swept: %v", err)
	}
}

func TestGetReturnsACopy(t *testing.T) {
	s := New(time.Minute)
	ctx := context.Background()

	rec := sessions.NewRecord(0)
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got.AppendHistory(sessions.HistoryEntry{Operation: "mutation"})

	again, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(again.History) != 0 {
		t.Fatal("caller mutation leaked into the store")
	}
}

func TestConcurrentTouchAndGet(t *testing.T) {
	s := New(time.Minute)
	ctx := context.Background()

	rec := sessions.NewRecord(0)
	if err := s.Put(ctx, rec); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_ = s.Touch(ctx, rec.ID)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, _ = s.Get(ctx, rec.ID)
			}
		}()
	}
	wg.Wait()

	got, err := s.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.RequestCount != 16*50 {
		t.Fatalf("RequestCount = %d, want %d", got.RequestCount, 16*50)
	}
}
