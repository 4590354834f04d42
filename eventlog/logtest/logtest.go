// Package logtest provides a reusable conformance suite for eventlog.Log
// implementations.
package logtest

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/relaykit/relayd/eventlog"
)

// LogFactory creates a fresh Log for testing.
type LogFactory func(t *testing.T) eventlog.Log

// RunLogTests runs the complete Log conformance suite.
func RunLogTests(t *testing.T, factory LogFactory) {
	t.Run("ReplayAfterYieldsOnlyNewerEventsInOrder", func(t *testing.T) { testReplayOrder(t, factory) })
	t.Run("ReplayExcludesOtherStreams", func(t *testing.T) { testReplayIsolation(t, factory) })
	t.Run("ReplayAfterUnknownIDIsEmpty", func(t *testing.T) { testReplayUnknown(t, factory) })
	t.Run("ReplayAfterNewestIDIsEmpty", func(t *testing.T) { testReplayNewest(t, factory) })
	t.Run("PayloadRoundTripsExactly", func(t *testing.T) { testPayloadRoundTrip(t, factory) })
	t.Run("DropStreamEvictsEnMasse", func(t *testing.T) { testDropStream(t, factory) })
	t.Run("EventIDsAreNeverReused", func(t *testing.T) { testIDUniqueness(t, factory) })
}

func collect(t *testing.T, l eventlog.Log, anchor string) (string, []string, [][]byte) {
	t.Helper()
	var ids []string
	var payloads [][]byte
	stream, err := l.ReplayAfter(context.Background(), anchor, func(ctx context.Context, id string, payload []byte) error {
		ids = append(ids, id)
		payloads = append(payloads, payload)
		return nil
	})
	if err != nil {
		t.Fatalf("ReplayAfter: %v", err)
	}
	return stream, ids, payloads
}

func testReplayOrder(t *testing.T, factory LogFactory) {
	l := factory(t)
	ctx := context.Background()
	stream := uuid.NewString()

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := l.Append(ctx, stream, []byte(fmt.Sprintf("msg-%d", i)))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		ids = append(ids, id)
	}

	// Anchor at the second event: exactly the last three replay, in order.
	gotStream, gotIDs, gotPayloads := collect(t, l, ids[1])
	if gotStream != stream {
		t.Fatalf("owning stream = %q, want %q", gotStream, stream)
	}
	if len(gotIDs) != 3 {
		t.Fatalf("replayed %d events, want 3", len(gotIDs))
	}
	for i, id := range gotIDs {
		if id != ids[i+2] {
			t.Fatalf("replay[%d] = %s, want %s", i, id, ids[i+2])
		}
		want := fmt.Sprintf("msg-%d", i+2)
		if string(gotPayloads[i]) != want {
			t.Fatalf("replay[%d] payload = %q, want %q", i, gotPayloads[i], want)
		}
	}
}

func testReplayIsolation(t *testing.T, factory LogFactory) {
	l := factory(t)
	ctx := context.Background()
	a, b := uuid.NewString(), uuid.NewString()

	anchor, err := l.Append(ctx, a, []byte("a1"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := l.Append(ctx, b, []byte("b1")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := l.Append(ctx, a, []byte("a2")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	_, ids, payloads := collect(t, l, anchor)
	if len(ids) != 1 || string(payloads[0]) != "a2" {
		t.Fatalf("replay leaked across streams: ids=%v payloads=%q", ids, payloads)
	}
}

func testReplayUnknown(t *testing.T, factory LogFactory) {
	l := factory(t)
	ctx := context.Background()
	stream := uuid.NewString()
	if _, err := l.Append(ctx, stream, []byte("x")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	for _, anchor := range []string{"", "garbage", stream + "_0_deadbeef", uuid.NewString() + "_1-1"} {
		gotStream, ids, _ := collect(t, l, anchor)
		if gotStream != "" || len(ids) != 0 {
			t.Fatalf("anchor %q: expected empty replay, got stream=%q ids=%v", anchor, gotStream, ids)
		}
	}
}

func testReplayNewest(t *testing.T, factory LogFactory) {
	l := factory(t)
	ctx := context.Background()
	stream := uuid.NewString()

	var last string
	for i := 0; i < 3; i++ {
		id, err := l.Append(ctx, stream, []byte("m"))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		last = id
	}

	gotStream, ids, _ := collect(t, l, last)
	if gotStream != stream || len(ids) != 0 {
		t.Fatalf("replay after newest: stream=%q ids=%v", gotStream, ids)
	}
}

func testPayloadRoundTrip(t *testing.T, factory LogFactory) {
	l := factory(t)
	ctx := context.Background()
	stream := uuid.NewString()

	anchor, err := l.Append(ctx, stream, []byte("anchor"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	payload := []byte(`{"jsonrpc":"2.0","method":"announce","params":{"b":"é\n\x00"}}`)
	if _, err := l.Append(ctx, stream, payload); err != nil {
		t.Fatalf("Append: %v", err)
	}

	_, _, payloads := collect(t, l, anchor)
	if len(payloads) != 1 || !bytes.Equal(payloads[0], payload) {
		t.Fatalf("payload did not round-trip exactly: %q", payloads)
	}
}

func testDropStream(t *testing.T, factory LogFactory) {
	l := factory(t)
	ctx := context.Background()
	stream := uuid.NewString()

	anchor, err := l.Append(ctx, stream, []byte("1"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if _, err := l.Append(ctx, stream, []byte("2")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.DropStream(ctx, stream); err != nil {
		t.Fatalf("DropStream: %v", err)
	}

	gotStream, ids, _ := collect(t, l, anchor)
	if gotStream != "" || len(ids) != 0 {
		t.Fatalf("events survived DropStream: stream=%q ids=%v", gotStream, ids)
	}
}

func testIDUniqueness(t *testing.T, factory LogFactory) {
	l := factory(t)
	ctx := context.Background()
	stream := uuid.NewString()

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		id, err := l.Append(ctx, stream, []byte("m"))
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if seen[id] {
			t.Fatalf("event id %s issued twice", id)
		}
		seen[id] = true
	}
}
