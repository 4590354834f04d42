// Package redisstore is the shared Store backend. Records are JSON blobs
// stored under a key prefix with a sliding server-side TTL, so expiry needs
// no application-side bookkeeping and is visible to every node at once.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/relaykit/relayd/sessions"
)

// Config for the Redis-backed Store. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all session keys. ENV: SESSION_KEY_PREFIX
	KeyPrefix string `env:"SESSION_KEY_PREFIX,default=relayd:sess:"`
	// IdleTimeout is the sliding session TTL. ENV: SESSION_IDLE_TIMEOUT_MS
	IdleTimeoutMillis int64 `env:"SESSION_IDLE_TIMEOUT_MS,default=1800000"`
}

// Store is a Redis implementation of sessions.Store.
type Store struct {
	client      *redis.Client
	keyPrefix   string
	idleTimeout time.Duration
	log         *slog.Logger
}

var _ sessions.Store = (*Store)(nil)
var _ sessions.Pinger = (*Store)(nil)

// Option configures optional Store behavior.
type Option func(*Store)

// WithLogger sets the logger used for swallowed best-effort failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// New constructs a Store and verifies connectivity with a ping.
func New(cfg Config, opts ...Option) (*Store, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "relayd:sess:"
	}
	idle := time.Duration(cfg.IdleTimeoutMillis) * time.Millisecond
	if idle <= 0 {
		idle = 30 * time.Minute
	}
	s := &Store{client: cl, keyPrefix: prefix, idleTimeout: idle, log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// NewFromEnv builds a Store using envdecode to populate Config.
func NewFromEnv(opts ...Option) (*Store, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg, opts...)
}

// Close closes the Redis client.
func (s *Store) Close() error { return s.client.Close() }

func (s *Store) key(id string) string { return s.keyPrefix + id }

// Get reads a record. Expiry is the server's business: an expired key is
// simply gone. Read errors are swallowed into not-found (fail open) so a
// transient blip doesn't take down the request path.
func (s *Store) Get(ctx context.Context, id string) (*sessions.Record, error) {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.log.WarnContext(ctx, "session.get.fail_open", slog.String("err", err.Error()))
		}
		return nil, sessions.ErrSessionNotFound
	}
	var rec sessions.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.log.WarnContext(ctx, "session.get.decode.fail", slog.String("err", err.Error()))
		return nil, sessions.ErrSessionNotFound
	}
	return &rec, nil
}

// Put upserts the record with a fresh sliding TTL. Write failures fail
// closed: losing a just-written session is a correctness violation.
func (s *Store) Put(ctx context.Context, rec *sessions.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: encode record: %v", sessions.ErrStorageFailed, err)
	}
	if err := s.client.Set(ctx, s.key(rec.ID), raw, s.idleTimeout).Err(); err != nil {
		return fmt.Errorf("%w: %v", sessions.ErrStorageFailed, err)
	}
	return nil
}

// Delete is best-effort; cleanup is advisory and the TTL remains the
// backstop for every other node.
func (s *Store) Delete(ctx context.Context, id string) error {
	c := context.WithoutCancel(ctx)
	if err := s.client.Del(c, s.key(id)).Err(); err != nil {
		s.log.WarnContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
	}
	return nil
}

// Touch performs a read-modify-write of the activity fields and refreshes the
// TTL. Races between nodes resolve last-writer-wins; this is a liveness
// counter, not a linearizable ledger. A failed read no-ops.
func (s *Store) Touch(ctx context.Context, id string) error {
	raw, err := s.client.Get(ctx, s.key(id)).Bytes()
	if err != nil {
		if err != redis.Nil {
			s.log.WarnContext(ctx, "session.touch.read.fail", slog.String("err", err.Error()))
		}
		return nil
	}
	var rec sessions.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		s.log.WarnContext(ctx, "session.touch.decode.fail", slog.String("err", err.Error()))
		return nil
	}
	rec.MarkActivity(sessions.NowMillis())
	out, err := json.Marshal(&rec)
	if err != nil {
		return nil
	}
	if err := s.client.Set(ctx, s.key(id), out, s.idleTimeout).Err(); err != nil {
		s.log.WarnContext(ctx, "session.touch.write.fail", slog.String("err", err.Error()))
	}
	return nil
}

// Ping probes backend liveness for the health boundary.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
