// Package memlog is the bounded in-process event log backend.
//
// Events across all streams share one ordered slice and one global count cap:
// overflow evicts strictly the oldest events by timestamp regardless of which
// stream owns them. That trades fairness across sessions for simplicity, and
// the trade-off is part of the backend's contract, not an accident.
package memlog

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relaykit/relayd/eventlog"
)

const (
	// DefaultMaxEvents caps total events across all streams.
	DefaultMaxEvents = 10_000
	// DefaultRetention caps event age.
	DefaultRetention = 24 * time.Hour
)

type event struct {
	id       string
	streamID string
	stamp    int64 // strictly increasing across the whole log
	payload  []byte
	storedAt time.Time
}

// Log is an in-memory implementation of eventlog.Log.
type Log struct {
	maxEvents int
	retention time.Duration

	mu        sync.Mutex
	events    []event // ordered by stamp ascending
	lastStamp int64
}

var _ eventlog.Log = (*Log)(nil)

// Option configures a Log.
type Option func(*Log)

// WithMaxEvents overrides the global event cap.
func WithMaxEvents(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.maxEvents = n
		}
	}
}

// WithRetention overrides the age-based retention window.
func WithRetention(d time.Duration) Option {
	return func(l *Log) {
		if d > 0 {
			l.retention = d
		}
	}
}

func New(opts ...Option) *Log {
	l := &Log{maxEvents: DefaultMaxEvents, retention: DefaultRetention}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append never fails on the local backend, but the error return is part of
// the contract shared with the networked backend.
func (l *Log) Append(ctx context.Context, streamID string, payload []byte) (string, error) {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	// The embedded stamp is wall-clock millis bumped past the previous stamp,
	// so lexical-within-stream and numeric ordering both reproduce append
	// order even when many appends land in the same millisecond.
	stamp := now.UnixMilli()
	if stamp <= l.lastStamp {
		stamp = l.lastStamp + 1
	}
	l.lastStamp = stamp

	ev := event{
		id:       streamID + "_" + strconv.FormatInt(stamp, 10) + "_" + uuid.NewString()[:8],
		streamID: streamID,
		stamp:    stamp,
		payload:  append([]byte(nil), payload...),
		storedAt: now,
	}
	l.events = append(l.events, ev)

	// Global cap: evict strictly the oldest, regardless of stream.
	if over := len(l.events) - l.maxEvents; over > 0 {
		l.events = append(l.events[:0:0], l.events[over:]...)
	}

	return ev.id, nil
}

func (l *Log) ReplayAfter(ctx context.Context, eventID string, sink eventlog.Sink) (string, error) {
	streamID, stamp, ok := parseEventID(eventID)
	if !ok {
		return "", nil
	}

	// Snapshot under the lock; deliver outside it. The sink typically writes
	// to a network connection and must not extend the critical section.
	l.mu.Lock()
	known := false
	var pending []event
	for _, ev := range l.events {
		if ev.streamID != streamID {
			continue
		}
		if ev.id == eventID {
			known = true
		}
		if ev.stamp > stamp {
			pending = append(pending, ev)
		}
	}
	l.mu.Unlock()

	// An evicted or never-issued id cannot anchor a replay.
	if !known {
		return "", nil
	}

	for _, ev := range pending {
		if err := sink(ctx, ev.id, ev.payload); err != nil {
			return streamID, err
		}
	}
	return streamID, nil
}

func (l *Log) DropStream(ctx context.Context, streamID string) error {
	l.mu.Lock()
	kept := l.events[:0]
	for _, ev := range l.events {
		if ev.streamID != streamID {
			kept = append(kept, ev)
		}
	}
	l.events = kept
	l.mu.Unlock()
	return nil
}

// Cleanup evicts events older than the retention window. Events are ordered
// by stamp, so the expired set is always a prefix.
func (l *Log) Cleanup(ctx context.Context) error {
	cutoff := time.Now().Add(-l.retention)

	l.mu.Lock()
	i := 0
	for i < len(l.events) && l.events[i].storedAt.Before(cutoff) {
		i++
	}
	if i > 0 {
		l.events = append(l.events[:0:0], l.events[i:]...)
	}
	l.mu.Unlock()
	return nil
}

// Len reports the total stored event count across all streams.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// parseEventID splits the composite {stream}_{stamp}_{suffix} form. Stream
// ids are UUIDs and contain no underscore, so the first separator is
// unambiguous.
func parseEventID(id string) (streamID string, stamp int64, ok bool) {
	parts := strings.SplitN(id, "_", 3)
	if len(parts) != 3 || parts[0] == "" {
		return "", 0, false
	}
	n, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return parts[0], n, true
}
