// Package streaminghttp exposes the serving core over HTTP: POST submits a
// request, GET attaches the Server-Sent-Events announcement stream, DELETE
// terminates the session. It is a thin caller of the engine; every error
// that escapes the handler chain is caught at this boundary and converted to
// a consistent, non-leaking envelope.
package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/relaykit/relayd/dispatch"
	"github.com/relaykit/relayd/internal/engine"
	"github.com/relaykit/relayd/internal/jsonrpc"
	"github.com/relaykit/relayd/internal/logctx"
	"github.com/relaykit/relayd/sessions"
)

const (
	sessionIDHeader   = "Session-Id"
	lastEventIDHeader = "Last-Event-ID"

	// initializeMethod is the one request allowed to arrive without a
	// session id; it is what mints one.
	initializeMethod = "initialize"

	defaultKeepAlive = 30 * time.Second
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// Error envelope categories. Machine-readable; the human-readable message
// rides alongside and internal causes stay server-side.
const (
	categorySessionNotFound = "session_not_found"
	categoryStorageFailed   = "storage_failed"
	categoryInvalidRequest  = "invalid_request"
	categoryInternal        = "internal"
)

func writeError(w http.ResponseWriter, status int, category, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": category, "message": msg},
	})
}

// Handler serves the session protocol.
type Handler struct {
	mux        *http.ServeMux
	eng        *engine.Engine
	log        *slog.Logger
	serverName string
	keepAlive  time.Duration
}

var _ http.Handler = (*Handler)(nil)

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the slog logger; logs are decorated with request and
// session context automatically.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithServerName sets the name surfaced in initialize responses.
func WithServerName(name string) Option {
	return func(h *Handler) { h.serverName = name }
}

// WithKeepAliveInterval overrides the SSE keep-alive cadence.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.keepAlive = d
		}
	}
}

// New constructs a Handler serving the protocol at path (e.g. "/rpc") plus a
// health endpoint at /healthz.
func New(eng *engine.Engine, path string, opts ...Option) (*Handler, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if path == "" || path[0] != '/' {
		return nil, fmt.Errorf("invalid endpoint path %q", path)
	}

	h := &Handler{
		eng:        eng,
		log:        slog.Default(),
		serverName: "relayd",
		keepAlive:  defaultKeepAlive,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.log = slog.New(logctx.Handler{Handler: h.log.Handler()})

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", path), h.handleSubmit)
	mux.HandleFunc(fmt.Sprintf("GET %s", path), h.handleStream)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", path), h.handleTerminate)
	mux.HandleFunc("GET /healthz", h.handleHealth)
	h.mux = mux
	return h, nil
}

// ServeHTTP tags the request context for log correlation and is the last
// line of defense: nothing that escapes the handler chain reaches the client
// as anything but the generic internal envelope.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})

	defer func() {
		if rec := recover(); rec != nil {
			h.log.ErrorContext(ctx, "http.panic", slog.Any("panic", rec))
			writeError(w, http.StatusInternalServerError, categoryInternal, "internal server error")
		}
	}()

	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// lockedWriteFlusher serializes concurrent writes/flushes to the SSE stream
// and refuses to write once the request context has ended.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// handleSubmit accepts a JSON-RPC request. Without a session header only an
// initialize request is accepted, and it mints a session; with one, the body
// is dispatched against the resolved session. A request that is neither is
// rejected; a client-supplied session id is never silently created.
func (h *Handler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeError(w, http.StatusUnsupportedMediaType, categoryInvalidRequest, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, categoryInvalidRequest, "unreadable request body")
		h.log.WarnContext(ctx, "body.read.fail", slog.String("err", err.Error()))
		return
	}

	req, err := jsonrpc.ParseRequest(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, categoryInvalidRequest, err.Error())
		h.log.WarnContext(ctx, "jsonrpc.parse.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCData(ctx, &logctx.RPCData{Method: req.Method, ID: req.ID.String()})

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		h.handleInitialize(ctx, w, req, start)
		return
	}

	inst, err := h.eng.Resolve(ctx, sessID)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, categorySessionNotFound, "session not found; reinitialize")
			h.log.InfoContext(ctx, "session.load.miss")
			return
		}
		writeError(w, http.StatusInternalServerError, categoryInternal, "failed to load session")
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: inst.ID()})

	if req.Method == initializeMethod {
		writeError(w, http.StatusConflict, categoryInvalidRequest, "session already initialized")
		h.log.WarnContext(ctx, "session.initialize.redundant")
		return
	}

	result, err := h.eng.Dispatch(ctx, inst, req.Method, req.Params)
	if err != nil {
		h.writeDispatchError(ctx, w, req, err)
		return
	}

	if req.IsNotification() {
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	res, err := jsonrpc.NewResultResponse(req.ID, result)
	if err != nil {
		writeError(w, http.StatusInternalServerError, categoryInternal, "failed to encode response")
		h.log.ErrorContext(ctx, "rpc.response.encode.fail", slog.String("err", err.Error()))
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.ErrorContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleInitialize(ctx context.Context, w http.ResponseWriter, req *jsonrpc.Request, start time.Time) {
	if req.Method != initializeMethod {
		writeError(w, http.StatusBadRequest, categoryInvalidRequest, "expected initialize request")
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}

	inst, err := h.eng.CreateSession(ctx)
	if err != nil {
		if errors.Is(err, sessions.ErrStorageFailed) {
			writeError(w, http.StatusServiceUnavailable, categoryStorageFailed, "failed to persist session")
		} else {
			writeError(w, http.StatusInternalServerError, categoryInternal, "failed to initialize session")
		}
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: inst.ID()})

	res, err := jsonrpc.NewResultResponse(req.ID, map[string]any{
		"serverName": h.serverName,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, categoryInternal, "failed to encode initialize response")
		h.log.ErrorContext(ctx, "session.initialize.encode.fail", slog.String("err", err.Error()))
		return
	}

	// The session id travels out-of-band; the body is an ordinary response.
	w.Header().Set(sessionIDHeader, inst.ID())
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(res); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// writeDispatchError maps dispatch failures onto JSON-RPC error responses.
// Handler causes are logged in full and never leak verbatim.
func (h *Handler) writeDispatchError(ctx context.Context, w http.ResponseWriter, req *jsonrpc.Request, err error) {
	var res *jsonrpc.Response
	switch {
	case errors.Is(err, dispatch.ErrUnknownOperation):
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeMethodNotFound, "method not found", nil)
		h.log.InfoContext(ctx, "rpc.method.unknown")
	case errors.Is(err, sessions.ErrStorageFailed):
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInternalError, "storage operation failed", nil)
		h.log.ErrorContext(ctx, "rpc.storage.fail", slog.String("err", err.Error()))
	default:
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInternalError, "internal server error", nil)
		h.log.ErrorContext(ctx, "rpc.handler.fail", slog.String("err", err.Error()))
	}
	if req.IsNotification() {
		// Nothing to respond to; the failure is logged above.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(res)
}

// handleStream attaches the SSE announcement channel. A session id is
// mandatory: an anonymous stream request has nothing to attach to. With a
// Last-Event-ID, missed events are replayed through the event log before
// live delivery begins.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeError(w, http.StatusNotAcceptable, categoryInvalidRequest, "accept must include text/event-stream")
		h.log.WarnContext(ctx, "accept.unsupported")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, categoryInternal, "streaming unsupported")
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		writeError(w, http.StatusUnauthorized, categoryInvalidRequest, "session id required")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	inst, err := h.eng.Resolve(ctx, sessID)
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, categorySessionNotFound, "session not found; reinitialize")
			h.log.InfoContext(ctx, "session.load.miss")
			return
		}
		writeError(w, http.StatusInternalServerError, categoryInternal, "failed to load session")
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: inst.ID()})
	lastEventID := r.Header.Get(lastEventIDHeader)

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	wf.Flush()

	// Keep-alive comments ride the same locked writer; the goroutine dies
	// with the request context, so a silent client disconnect releases
	// everything without an explicit message.
	go func() {
		ticker := time.NewTicker(h.keepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := wf.Write([]byte(": keep-alive\n\n")); err != nil {
					return
				}
				wf.Flush()
			}
		}
	}()

	h.log.InfoContext(ctx, "sse.stream.start")

	err = inst.Subscribe(ctx, lastEventID, func(cbCtx context.Context, eventID string, payload []byte) error {
		return writeSSEEvent(wf, eventID, payload)
	})
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		h.log.InfoContext(ctx, "sse.stream.end", slog.Duration("dur", time.Since(start)))
	case errors.Is(err, engine.ErrInstanceClosed):
		h.log.InfoContext(ctx, "sse.stream.session_closed")
	default:
		h.log.ErrorContext(ctx, "sse.stream.fail", slog.String("err", err.Error()))
	}
}

// handleTerminate tears a session down. Requires a session id; responds
// no-content on success.
func (h *Handler) handleTerminate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		writeError(w, http.StatusUnauthorized, categoryInvalidRequest, "session id required")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	if _, err := h.eng.Resolve(ctx, sessID); err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, categorySessionNotFound, "session not found")
			h.log.InfoContext(ctx, "session.delete.miss")
			return
		}
		writeError(w, http.StatusInternalServerError, categoryInternal, "failed to load session")
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})
	h.eng.Terminate(ctx, sessID)

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := h.eng.Health(r.Context())
	status := http.StatusOK
	if health.Backend != nil && !health.Backend.Healthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(health)
}

// writeSSEEvent frames one event on the stream and flushes it.
func writeSSEEvent(wf *lockedWriteFlusher, eventID string, payload []byte) error {
	if eventID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", eventID); err != nil {
			return fmt.Errorf("write sse id: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("write sse data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("write sse payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("write sse terminator: %w", err)
	}
	wf.Flush()
	return nil
}
