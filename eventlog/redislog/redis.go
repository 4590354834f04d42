// Package redislog is the shared event log backend on Redis Streams.
//
// A Redis Stream is exactly the capped, auto-trimmed, natively ordered
// structure the contract wants, so eviction is delegated to XADD MAXLEN and
// XTRIM MINID instead of being reimplemented by hand. Public event ids are
// the owning stream id prefixed onto the Redis entry id; the Redis id alone
// carries no stream information, so the prefix is how ReplayAfter recovers
// the stream without an auxiliary index.
package redislog

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/relaykit/relayd/eventlog"
)

// Config for the Redis-backed event log. Defaults can be loaded via envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all stream keys. ENV: EVENT_KEY_PREFIX
	KeyPrefix string `env:"EVENT_KEY_PREFIX,default=relayd:events:"`
	// MaxEventsPerStream bounds each stream via XADD MAXLEN. ENV: EVENT_MAX_COUNT
	MaxEventsPerStream int64 `env:"EVENT_MAX_COUNT,default=10000"`
	// RetentionMillis is the age-based eviction window. ENV: EVENT_RETENTION_MS
	RetentionMillis int64 `env:"EVENT_RETENTION_MS,default=86400000"`
}

// Log is a Redis Streams implementation of eventlog.Log.
type Log struct {
	client    *redis.Client
	keyPrefix string
	maxLen    int64
	retention time.Duration
	log       *slog.Logger
}

var _ eventlog.Log = (*Log)(nil)

// Option configures optional Log behavior.
type Option func(*Log)

// WithLogger sets the logger used for swallowed best-effort failures.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Log) {
		if l != nil {
			lg.log = l
		}
	}
}

// New constructs a Log and verifies connectivity with a ping.
func New(cfg Config, opts ...Option) (*Log, error) {
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
		prefix = "relayd:events:"
	}
	maxLen := cfg.MaxEventsPerStream
	if maxLen <= 0 {
		maxLen = 10000
	}
	retention := time.Duration(cfg.RetentionMillis) * time.Millisecond
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	l := &Log{client: cl, keyPrefix: prefix, maxLen: maxLen, retention: retention, log: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// NewFromEnv builds a Log using envdecode to populate Config.
func NewFromEnv(opts ...Option) (*Log, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg, opts...)
}

// Close closes the Redis client.
func (l *Log) Close() error { return l.client.Close() }

func (l *Log) streamKey(streamID string) string { return l.keyPrefix + streamID }

func (l *Log) Append(ctx context.Context, streamID string, payload []byte) (string, error) {
	key := l.streamKey(streamID)
	id, err := l.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: l.maxLen,
		Approx: true,
		Values: map[string]interface{}{"d": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("%w: %v", eventlog.ErrAppendFailed, err)
	}
	// TTL backstop: when the owning session expires without an explicit
	// delete, its stream disappears on its own after the retention window.
	if err := l.client.Expire(ctx, key, l.retention).Err(); err != nil {
		l.log.WarnContext(ctx, "eventlog.expire.fail", slog.String("err", err.Error()))
	}
	return streamID + "_" + id, nil
}

func (l *Log) ReplayAfter(ctx context.Context, eventID string, sink eventlog.Sink) (string, error) {
	streamID, entryID, ok := splitEventID(eventID)
	if !ok {
		return "", nil
	}
	key := l.streamKey(streamID)

	// Anchor must still exist: an evicted or never-issued id cannot resume.
	anchor, err := l.client.XRange(ctx, key, entryID, entryID).Result()
	if err != nil || len(anchor) == 0 {
		if err != nil && err != redis.Nil {
			l.log.WarnContext(ctx, "eventlog.replay.anchor.fail", slog.String("err", err.Error()))
		}
		return "", nil
	}

	// Exclusive range: everything strictly after the anchor, in stream order.
	entries, err := l.client.XRange(ctx, key, "("+entryID, "+").Result()
	if err != nil && err != redis.Nil {
		return streamID, fmt.Errorf("replay range: %w", err)
	}
	for _, m := range entries {
		if err := sink(ctx, streamID+"_"+m.ID, entryPayload(m)); err != nil {
			return streamID, err
		}
	}
	return streamID, nil
}

func (l *Log) DropStream(ctx context.Context, streamID string) error {
	c := context.WithoutCancel(ctx)
	if err := l.client.Del(c, l.streamKey(streamID)).Err(); err != nil {
		l.log.WarnContext(ctx, "eventlog.drop.fail", slog.String("err", err.Error()))
	}
	return nil
}

// Cleanup trims every stream under the prefix to the retention window using
// MINID, which Redis applies in its own ordered keyspace.
func (l *Log) Cleanup(ctx context.Context) error {
	minID := strconv.FormatInt(time.Now().Add(-l.retention).UnixMilli(), 10) + "-0"
	var cursor uint64
	for {
		keys, cur, err := l.client.Scan(ctx, cursor, l.keyPrefix+"*", 50).Result()
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := l.client.XTrimMinID(ctx, key, minID).Err(); err != nil {
				l.log.WarnContext(ctx, "eventlog.trim.fail",
					slog.String("key", key), slog.String("err", err.Error()))
			}
		}
		if cur == 0 {
			return nil
		}
		cursor = cur
	}
}

// Ping probes backend liveness for the health boundary.
func (l *Log) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// splitEventID separates the public {stream}_{redisEntryID} composite. Stream
// ids are UUIDs and never contain an underscore.
func splitEventID(id string) (streamID, entryID string, ok bool) {
	parts := strings.SplitN(id, "_", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func entryPayload(m redis.XMessage) []byte {
	switch v := m.Values["d"].(type) {
	case string:
		return []byte(v)
	case []byte:
		return v
	default:
		return []byte(fmt.Sprintf("%v", v))
	}
}
