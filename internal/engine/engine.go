// Package engine is the session coordinator: the single path through which
// every request maps a session id onto live objects on this node.
//
// The coordinator owns the per-node instance cache. The cache is never the
// source of truth (the session store is) and it is never shared across
// nodes: any node that needs a session's live objects reconstructs them from
// the store and the event log. The one hard ordering rule in the whole flow
// is that a new session's durable record is persisted before any live object
// for it is constructed, so live objects may always assume a backing record
// exists.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/relaykit/relayd/dispatch"
	"github.com/relaykit/relayd/eventlog"
	"github.com/relaykit/relayd/ops"
	"github.com/relaykit/relayd/sessions"
)

const defaultSweepInterval = 60 * time.Second

// Engine coordinates session creation, lookup-or-reconstruct, activity
// tracking, dispatch, and termination. Safe for concurrent use.
type Engine struct {
	store      sessions.Store
	log        eventlog.Log
	registry   *dispatch.Registry
	logger     *slog.Logger
	metrics    ops.MetricsSink
	historyCap int
	sweepEvery time.Duration

	mu        sync.RWMutex
	instances map[string]*Instance
}

var _ ops.HealthSource = (*Engine)(nil)
var _ dispatch.Session = (*Instance)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics sets the metrics sink.
func WithMetrics(m ops.MetricsSink) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithHistoryCap overrides the per-session history ring capacity.
func WithHistoryCap(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.historyCap = n
		}
	}
}

// WithSweepInterval overrides the cleanup sweeper interval.
func WithSweepInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.sweepEvery = d
		}
	}
}

func New(store sessions.Store, log eventlog.Log, registry *dispatch.Registry, opts ...Option) *Engine {
	e := &Engine{
		store:      store,
		log:        log,
		registry:   registry,
		logger:     slog.Default(),
		metrics:    ops.NopMetrics{},
		historyCap: sessions.DefaultHistoryCap,
		sweepEvery: defaultSweepInterval,
		instances:  make(map[string]*Instance),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateSession mints a new session. The durable record is persisted before
// any live object is constructed; if the write fails the session simply never
// existed and nothing is cached.
func (e *Engine) CreateSession(ctx context.Context) (*Instance, error) {
	rec := sessions.NewRecord(e.historyCap)

	if err := e.store.Put(ctx, rec); err != nil {
		return nil, err
	}

	inst := newInstance(rec.ID, e.log, e.logger)

	e.mu.Lock()
	e.instances[rec.ID] = inst
	size := len(e.instances)
	e.mu.Unlock()

	e.metrics.IncCounter("sessions_created", nil)
	e.metrics.SetGauge("instance_cache_size", float64(size))
	e.logger.InfoContext(ctx, "session.create.ok", slog.String("session_id", rec.ID))
	return inst, nil
}

// Resolve maps a session id to this node's live instance, reconstructing it
// from the store on a cache miss. A client-supplied id with no durable record
// yields sessions.ErrSessionNotFound, never a silently created session.
//
// Two requests racing to reconstruct the same id is a benign race: both
// reconstructions are behaviorally equivalent, the cache converges to one
// entry and the loser is closed, not leaked.
func (e *Engine) Resolve(ctx context.Context, id string) (*Instance, error) {
	e.mu.RLock()
	inst, ok := e.instances[id]
	e.mu.RUnlock()
	if ok {
		return inst, nil
	}

	// Miss: consult the source of truth. No lock is held across this call.
	if _, err := e.store.Get(ctx, id); err != nil {
		return nil, err
	}

	fresh := newInstance(id, e.log, e.logger)

	e.mu.Lock()
	if existing, ok := e.instances[id]; ok {
		e.mu.Unlock()
		fresh.Close()
		return existing, nil
	}
	e.instances[id] = fresh
	size := len(e.instances)
	e.mu.Unlock()

	e.metrics.SetGauge("instance_cache_size", float64(size))
	e.logger.InfoContext(ctx, "session.reconstruct.ok", slog.String("session_id", id))
	return fresh, nil
}

// Terminate is the single place session deletion is triggered from within
// the serving path: it closes the live objects, evicts them from this node's
// cache, deletes the durable record, and drops the session's event stream.
// Store and log deletion are best-effort; other nodes still honor the
// expiry path.
func (e *Engine) Terminate(ctx context.Context, id string) {
	e.mu.Lock()
	inst, ok := e.instances[id]
	if ok {
		delete(e.instances, id)
	}
	size := len(e.instances)
	e.mu.Unlock()

	if ok {
		inst.Close()
	}
	if err := e.store.Delete(ctx, id); err != nil {
		e.logger.WarnContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
	}
	if err := e.log.DropStream(ctx, id); err != nil {
		e.logger.WarnContext(ctx, "session.stream.drop.fail", slog.String("err", err.Error()))
	}

	e.metrics.IncCounter("sessions_terminated", nil)
	e.metrics.SetGauge("instance_cache_size", float64(size))
	e.logger.InfoContext(ctx, "session.terminate.ok", slog.String("session_id", id))
}

// Dispatch routes one accepted request to its registered handler, then
// propagates the activity touch and history append to the store. The history
// write is a full-record upsert so no partial state is ever readable; a race
// with another node resolves last-writer-wins.
func (e *Engine) Dispatch(ctx context.Context, inst *Instance, method string, params json.RawMessage) (any, error) {
	handler, err := e.registry.Lookup(method)
	if err != nil {
		return nil, err
	}

	result, err := handler.Handle(ctx, inst, params)
	if err != nil {
		return nil, err
	}

	if err := e.store.Touch(ctx, inst.ID()); err != nil {
		e.logger.WarnContext(ctx, "session.touch.fail", slog.String("err", err.Error()))
	}
	e.appendHistory(ctx, inst.ID(), method)

	e.metrics.IncCounter("operations", map[string]string{"op": method})
	return result, nil
}

func (e *Engine) appendHistory(ctx context.Context, id, method string) {
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		// Session expired or store blipped mid-flight; the request already
		// succeeded, so this is not its problem.
		return
	}
	rec.AppendHistory(sessions.HistoryEntry{Operation: method, At: sessions.NowMillis()})
	if err := e.store.Put(ctx, rec); err != nil {
		e.logger.WarnContext(ctx, "session.history.put.fail", slog.String("err", err.Error()))
	}
}

// Health reports the local cache size and, when the store has a network
// dependency, a liveness probe of it.
func (e *Engine) Health(ctx context.Context) ops.Health {
	e.mu.RLock()
	cached := len(e.instances)
	e.mu.RUnlock()

	h := ops.Health{CachedInstances: cached}
	if p, ok := e.store.(sessions.Pinger); ok {
		bh := &ops.BackendHealth{Healthy: true}
		if err := p.Ping(ctx); err != nil {
			bh.Healthy = false
			bh.Error = err.Error()
		}
		h.Backend = bh
	}
	return h
}

// Run drives the cleanup sweeper until ctx ends. Each pass reconciles the
// local cache against the store (instances whose backing record has expired
// or been deleted elsewhere are closed and evicted), trims the event log,
// and, for stores with no native TTL, actively expires idle records.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.sweepEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

func (e *Engine) sweep(ctx context.Context) {
	// Snapshot ids first; store lookups must not run under the cache lock.
	e.mu.RLock()
	ids := make([]string, 0, len(e.instances))
	for id := range e.instances {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	evicted := 0
	for _, id := range ids {
		_, err := e.store.Get(ctx, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, sessions.ErrSessionNotFound) {
			continue
		}
		e.mu.Lock()
		inst, ok := e.instances[id]
		if ok {
			delete(e.instances, id)
		}
		e.mu.Unlock()
		if ok {
			inst.Close()
			evicted++
		}
	}

	if err := e.log.Cleanup(ctx); err != nil {
		e.logger.WarnContext(ctx, "eventlog.cleanup.fail", slog.String("err", err.Error()))
	}

	swept := 0
	if sw, ok := e.store.(sessions.Sweeper); ok {
		swept = sw.SweepExpired(ctx)
	}

	e.mu.RLock()
	size := len(e.instances)
	e.mu.RUnlock()
	e.metrics.SetGauge("instance_cache_size", float64(size))

	if evicted > 0 || swept > 0 {
		e.logger.InfoContext(ctx, "sweep.ok",
			slog.Int("instances_evicted", evicted),
			slog.Int("records_swept", swept))
	}
}

// CachedInstances reports the current local cache size.
func (e *Engine) CachedInstances() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.instances)
}
