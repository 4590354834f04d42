// Command relayd wires one backend pair (local or redis) to the streaming
// HTTP endpoint and serves it. All configuration comes from the environment.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/relaykit/relayd/dispatch"
	"github.com/relaykit/relayd/eventlog"
	"github.com/relaykit/relayd/eventlog/memlog"
	"github.com/relaykit/relayd/eventlog/redislog"
	"github.com/relaykit/relayd/internal/engine"
	"github.com/relaykit/relayd/sessions"
	"github.com/relaykit/relayd/sessions/memstore"
	"github.com/relaykit/relayd/sessions/redisstore"
	"github.com/relaykit/relayd/streaminghttp"
)

type config struct {
	// Listen address for the HTTP server. ENV: LISTEN_ADDR
	ListenAddr string `env:"LISTEN_ADDR,default=127.0.0.1:8080"`
	// Path the endpoint is mounted at. ENV: ENDPOINT_PATH
	EndpointPath string `env:"ENDPOINT_PATH,default=/rpc"`
	// Backend selects "local" or "redis". ENV: BACKEND
	Backend string `env:"BACKEND,default=local"`
	// ServerName reported in the initialize result. ENV: SERVER_NAME
	ServerName string `env:"SERVER_NAME,default=relayd"`
	// IdleTimeoutMillis is the session idle expiry window. ENV: SESSION_IDLE_TIMEOUT_MS
	IdleTimeoutMillis int64 `env:"SESSION_IDLE_TIMEOUT_MS,default=1800000"`
	// HistoryCap bounds each session's operation history. ENV: SESSION_HISTORY_CAP
	HistoryCap int `env:"SESSION_HISTORY_CAP,default=50"`
	// SweepIntervalMillis paces the cleanup sweeper. ENV: SWEEP_INTERVAL_MS
	SweepIntervalMillis int64 `env:"SWEEP_INTERVAL_MS,default=60000"`
	// MaxEvents bounds the local event log. ENV: EVENT_MAX_COUNT
	MaxEvents int `env:"EVENT_MAX_COUNT,default=10000"`
	// RetentionMillis is the event age eviction window. ENV: EVENT_RETENTION_MS
	RetentionMillis int64 `env:"EVENT_RETENTION_MS,default=86400000"`
	// LogLevel is debug, info, warn or error. ENV: LOG_LEVEL
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "relayd:", err)
		os.Exit(1)
	}
}

func run() error {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	store, elog, closeBackends, err := buildBackends(cfg, log)
	if err != nil {
		return err
	}
	defer closeBackends()

	reg := dispatch.NewRegistry()
	registerBuiltins(reg)

	eng := engine.New(store, elog, reg,
		engine.WithLogger(log),
		engine.WithHistoryCap(cfg.HistoryCap),
		engine.WithSweepInterval(time.Duration(cfg.SweepIntervalMillis)*time.Millisecond),
	)

	h, err := streaminghttp.New(eng, cfg.EndpointPath,
		streaminghttp.WithLogger(log),
		streaminghttp.WithServerName(cfg.ServerName),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("sweeper stopped", slog.String("err", err.Error()))
		}
	}()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening",
			slog.String("addr", cfg.ListenAddr),
			slog.String("path", cfg.EndpointPath),
			slog.String("backend", cfg.Backend))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func buildBackends(cfg config, log *slog.Logger) (sessions.Store, eventlog.Log, func(), error) {
	switch cfg.Backend {
	case "local":
		store := memstore.New(time.Duration(cfg.IdleTimeoutMillis) * time.Millisecond)
		elog := memlog.New(
			memlog.WithMaxEvents(cfg.MaxEvents),
			memlog.WithRetention(time.Duration(cfg.RetentionMillis)*time.Millisecond),
		)
		return store, elog, func() {}, nil
	case "redis":
		store, err := redisstore.NewFromEnv(redisstore.WithLogger(log))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("redis store: %w", err)
		}
		elog, err := redislog.NewFromEnv(redislog.WithLogger(log))
		if err != nil {
			store.Close()
			return nil, nil, nil, fmt.Errorf("redis event log: %w", err)
		}
		return store, elog, func() {
			elog.Close()
			store.Close()
		}, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown backend %q (want local or redis)", cfg.Backend)
	}
}

// registerBuiltins installs the operations every relayd deployment serves.
// Application-specific handler sets register alongside these when relayd is
// embedded as a library; see examples/.
func registerBuiltins(reg *dispatch.Registry) {
	reg.Register("echo", dispatch.HandlerFunc(func(ctx context.Context, sess dispatch.Session, params json.RawMessage) (any, error) {
		if params == nil {
			params = json.RawMessage(`null`)
		}
		return params, nil
	}))
	reg.Register("announce", dispatch.HandlerFunc(func(ctx context.Context, sess dispatch.Session, params json.RawMessage) (any, error) {
		if params == nil {
			params = json.RawMessage(`null`)
		}
		id, err := sess.Announce(ctx, params)
		if err != nil {
			return nil, err
		}
		return map[string]string{"eventId": id}, nil
	}))
}
