package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/relaykit/relayd/eventlog"
)

// ErrInstanceClosed is returned by operations on a terminated instance.
var ErrInstanceClosed = errors.New("live instance closed")

// subscriber buffer depth. A consumer that falls further behind than this is
// kicked and expected to reconnect with its last event id; the log makes the
// gap recoverable.
const subscriberBuffer = 32

type liveEvent struct {
	id      string
	payload []byte
}

// Instance is the live, per-node handler object reconstructed from a durable
// session record. It owns the local subscriber set for the announcement
// stream and the binding to the event log. It is never shared across nodes
// and never persisted.
type Instance struct {
	id     string
	log    eventlog.Log
	logger *slog.Logger

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	ch     chan liveEvent
	kicked chan struct{}
	once   sync.Once
}

func (s *subscriber) kick() {
	s.once.Do(func() { close(s.kicked) })
}

func newInstance(id string, log eventlog.Log, logger *slog.Logger) *Instance {
	return &Instance{
		id:     id,
		log:    log,
		logger: logger,
		subs:   make(map[*subscriber]struct{}),
	}
}

// ID returns the owning session id (also the stream id).
func (i *Instance) ID() string { return i.id }

// Announce durably appends payload to the session's stream, then fans it out
// to live local subscribers. The append fails closed: if the event cannot be
// persisted the caller hears about it, because a message believed sent but
// not logged would break resumability. Fan-out never blocks: a subscriber
// whose buffer is full is kicked and resumes via replay.
func (i *Instance) Announce(ctx context.Context, payload []byte) (string, error) {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return "", ErrInstanceClosed
	}
	i.mu.Unlock()

	eventID, err := i.log.Append(ctx, i.id, payload)
	if err != nil {
		return "", err
	}

	ev := liveEvent{id: eventID, payload: payload}

	i.mu.Lock()
	for sub := range i.subs {
		select {
		case sub.ch <- ev:
		default:
			i.logger.WarnContext(ctx, "announce.subscriber.lagging")
			delete(i.subs, sub)
			sub.kick()
		}
	}
	i.mu.Unlock()

	return eventID, nil
}

// Subscribe attaches a consumer to the announcement stream and blocks until
// ctx ends, the instance closes, the consumer is kicked for lagging, or sink
// fails. If lastEventID anchors a known event, everything newer is replayed
// through sink before live delivery begins; an unknown anchor replays
// nothing, per the log contract. Registration happens before replay so no
// event can fall between the two phases; anything announced during replay is
// deduplicated against the replayed set.
func (i *Instance) Subscribe(ctx context.Context, lastEventID string, sink eventlog.Sink) error {
	sub := &subscriber{
		ch:     make(chan liveEvent, subscriberBuffer),
		kicked: make(chan struct{}),
	}

	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return ErrInstanceClosed
	}
	i.subs[sub] = struct{}{}
	i.mu.Unlock()

	defer func() {
		i.mu.Lock()
		delete(i.subs, sub)
		i.mu.Unlock()
	}()

	replayed := make(map[string]struct{})
	if lastEventID != "" {
		if _, err := i.log.ReplayAfter(ctx, lastEventID, func(ctx context.Context, id string, payload []byte) error {
			replayed[id] = struct{}{}
			return sink(ctx, id, payload)
		}); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.kicked:
			return nil
		case ev := <-sub.ch:
			if _, dup := replayed[ev.id]; dup {
				delete(replayed, ev.id)
				continue
			}
			if err := sink(ctx, ev.id, ev.payload); err != nil {
				return err
			}
		}
	}
}

// Close tears the instance down: subscribers are kicked and further
// Announce/Subscribe calls fail. Idempotent.
func (i *Instance) Close() {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.closed = true
	subs := make([]*subscriber, 0, len(i.subs))
	for sub := range i.subs {
		subs = append(subs, sub)
	}
	i.subs = make(map[*subscriber]struct{})
	i.mu.Unlock()

	for _, sub := range subs {
		sub.kick()
	}
}

// SubscriberCount reports live local subscribers; used by tests.
func (i *Instance) SubscriberCount() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.subs)
}
