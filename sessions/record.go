package sessions

import (
	"time"

	"github.com/google/uuid"
)

// DefaultHistoryCap bounds the per-session history ring buffer.
const DefaultHistoryCap = 50

// Record is the authoritative persisted representation of a session. All
// fields are serializable; live handler objects never appear here. Timestamps
// are wall-clock epoch milliseconds so records survive cross-process and
// cross-language round-trips without timezone baggage.
type Record struct {
	ID             string `json:"id"`
	CreatedAt      int64  `json:"created_at"`
	LastActivityAt int64  `json:"last_activity_at"`
	RequestCount   int64  `json:"request_count"`

	// History holds the most recent domain records, oldest first. Append via
	// AppendHistory which enforces the capacity bound.
	History []HistoryEntry `json:"history,omitempty"`

	// HistoryCap is persisted so a record written under one configuration is
	// honored by readers running another. Zero means DefaultHistoryCap.
	HistoryCap int `json:"history_cap,omitempty"`
}

// HistoryEntry is one domain record retained in a session's bounded history.
type HistoryEntry struct {
	Operation string `json:"operation"`
	At        int64  `json:"at"`
}

// NewRecord mints a fresh session record with a globally unique id, zeroed
// counters and empty history.
func NewRecord(historyCap int) *Record {
	now := NowMillis()
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	return &Record{
		ID:             uuid.NewString(),
		CreatedAt:      now,
		LastActivityAt: now,
		HistoryCap:     historyCap,
	}
}

// AppendHistory appends an entry, evicting the oldest when the ring is full.
func (r *Record) AppendHistory(e HistoryEntry) {
	limit := r.HistoryCap
	if limit <= 0 {
		limit = DefaultHistoryCap
	}
	r.History = append(r.History, e)
	if len(r.History) > limit {
		// Shift rather than re-slice so the backing array doesn't pin evicted
		// entries for the lifetime of the record.
		n := copy(r.History, r.History[len(r.History)-limit:])
		r.History = r.History[:n]
	}
}

// MarkActivity advances the activity timestamp and bumps the request counter.
// LastActivityAt never moves backwards even if the wall clock does.
func (r *Record) MarkActivity(now int64) {
	if now > r.LastActivityAt {
		r.LastActivityAt = now
	}
	r.RequestCount++
}

// IdleSince reports how long ago the session last saw activity.
func (r *Record) IdleSince(now int64) time.Duration {
	return time.Duration(now-r.LastActivityAt) * time.Millisecond
}

// Clone returns a deep copy so callers can mutate without racing readers.
func (r *Record) Clone() *Record {
	cp := *r
	if r.History != nil {
		cp.History = append([]HistoryEntry(nil), r.History...)
	}
	return &cp
}

// NowMillis is the single clock used for session timestamps.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
