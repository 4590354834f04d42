// Package eventlog defines the append-only, per-stream record of outbound
// messages that makes stream reconnection resumable.
//
// Every outbound announcement is appended before it is handed to any live
// subscriber; a client that reconnects with the id of the last event it saw
// gets everything newer replayed in order, then continues live. Event ids are
// opaque to callers. The two backends do not share an id format: recovering
// the owning stream from an id is each backend's private business.
package eventlog

import (
	"context"
	"errors"
)

// ErrAppendFailed indicates a durable append could not complete. Appends fail
// closed: a message the caller believes was durably sent must not silently
// vanish, since that breaks the resumability guarantee.
var ErrAppendFailed = errors.New("event append failed")

// Sink receives replayed events in order. Returning an error stops the
// replay and propagates to the ReplayAfter caller.
type Sink func(ctx context.Context, eventID string, payload []byte) error

// Log is the event log contract shared by both backends.
type Log interface {
	// Append durably records payload on the stream and returns a new event id
	// that sorts strictly after every id previously issued for that stream.
	Append(ctx context.Context, streamID string, payload []byte) (eventID string, err error)

	// ReplayAfter identifies the owning stream from eventID and delivers every
	// newer event of that stream, in order, via sink. It is not a live
	// subscription: delivery stops at the newest persisted event. An unknown
	// or already-evicted id yields ("", nil) with no sink calls; the caller
	// must treat that as "cannot resume, proceed live only".
	ReplayAfter(ctx context.Context, eventID string, sink Sink) (streamID string, err error)

	// DropStream evicts all events belonging to a stream. Invoked when the
	// owning session is deleted; best-effort.
	DropStream(ctx context.Context, streamID string) error

	// Cleanup evicts events older than the retention window. Idempotent and
	// safe to run concurrently with Append and ReplayAfter.
	Cleanup(ctx context.Context) error
}
