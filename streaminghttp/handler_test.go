package streaminghttp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/relaykit/relayd/dispatch"
	"github.com/relaykit/relayd/eventlog/memlog"
	"github.com/relaykit/relayd/internal/engine"
	"github.com/relaykit/relayd/sessions"
	"github.com/relaykit/relayd/sessions/memstore"
)

type brokenStore struct {
	sessions.Store
}

func (b *brokenStore) Put(ctx context.Context, rec *sessions.Record) error {
	return fmt.Errorf("%w: injected", sessions.ErrStorageFailed)
}

func newTestServer(t *testing.T, store sessions.Store) (*httptest.Server, *engine.Engine) {
	t.Helper()
	if store == nil {
		store = memstore.New(time.Minute)
	}
	reg := dispatch.NewRegistry()
	reg.Register("echo", dispatch.HandlerFunc(func(ctx context.Context, sess dispatch.Session, params json.RawMessage) (any, error) {
		return json.RawMessage(params), nil
	}))
	reg.Register("announce", dispatch.HandlerFunc(func(ctx context.Context, sess dispatch.Session, params json.RawMessage) (any, error) {
		id, err := sess.Announce(ctx, params)
		if err != nil {
			return nil, err
		}
		return map[string]string{"eventId": id}, nil
	}))

	eng := engine.New(store, memlog.New(), reg)
	h, err := New(eng, "/rpc", WithServerName("relayd-test"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, eng
}

func postJSON(t *testing.T, url, sessionID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url+"/rpc", strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set("Session-Id", sessionID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	return resp
}

func initSession(t *testing.T, url string) string {
	t.Helper()
	resp := postJSON(t, url, "", `{"jsonrpc":"2.0","method":"initialize","id":1}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("initialize status = %d", resp.StatusCode)
	}
	id := resp.Header.Get("Session-Id")
	if id == "" {
		t.Fatal("initialize response missing Session-Id header")
	}
	return id
}

func errorCategory(t *testing.T, resp *http.Response) string {
	t.Helper()
	defer resp.Body.Close()
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("decode error envelope: %v", err)
	}
	return env.Error.Code
}

func TestInitializeMintsSession(t *testing.T) {
	srv, eng := newTestServer(t, nil)

	id := initSession(t, srv.URL)
	if eng.CachedInstances() != 1 {
		t.Fatalf("cached instances = %d, want 1", eng.CachedInstances())
	}

	// The freshly minted session resolves immediately.
	resp := postJSON(t, srv.URL, id, `{"jsonrpc":"2.0","method":"echo","params":{"ok":true},"id":2}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("echo status = %d", resp.StatusCode)
	}
	var res struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(res.Result) != `{"ok":true}` {
		t.Fatalf("result = %s", res.Result)
	}
}

func TestSubmitUnknownSessionIsNotFoundNotCreated(t *testing.T) {
	srv, eng := newTestServer(t, nil)

	resp := postJSON(t, srv.URL, "not-a-session", `{"jsonrpc":"2.0","method":"echo","id":1}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	if cat := errorCategory(t, resp); cat != "session_not_found" {
		t.Fatalf("category = %q", cat)
	}
	if eng.CachedInstances() != 0 {
		t.Fatal("unknown session id must not create anything")
	}
}

func TestSubmitWithoutSessionRequiresInitialize(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp := postJSON(t, srv.URL, "", `{"jsonrpc":"2.0","method":"echo","id":1}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	if cat := errorCategory(t, resp); cat != "invalid_request" {
		t.Fatalf("category = %q", cat)
	}
}

func TestReinitializeExistingSessionConflicts(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	id := initSession(t, srv.URL)

	resp := postJSON(t, srv.URL, id, `{"jsonrpc":"2.0","method":"initialize","id":9}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestBatchRequestsRejected(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp := postJSON(t, srv.URL, "", `[{"jsonrpc":"2.0","method":"initialize","id":1}]`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestNotificationAccepted(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	id := initSession(t, srv.URL)

	resp := postJSON(t, srv.URL, id, `{"jsonrpc":"2.0","method":"echo","params":{}}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestUnknownMethodYieldsRPCError(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	id := initSession(t, srv.URL)

	resp := postJSON(t, srv.URL, id, `{"jsonrpc":"2.0","method":"no/such","id":3}`)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var res struct {
		Error *struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Error == nil || res.Error.Code != -32601 {
		t.Fatalf("error = %+v, want method-not-found", res.Error)
	}
}

func TestTerminateThenSubmitNotFound(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	id := initSession(t, srv.URL)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/rpc", nil)
	req.Header.Set("Session-Id", id)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("terminate status = %d, want 204", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL, id, `{"jsonrpc":"2.0","method":"echo","id":4}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("post-terminate status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestTerminateWithoutSessionRejected(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/rpc", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

func TestStorageFailureOnInitialize(t *testing.T) {
	srv, eng := newTestServer(t, &brokenStore{Store: memstore.New(time.Minute)})

	resp := postJSON(t, srv.URL, "", `{"jsonrpc":"2.0","method":"initialize","id":1}`)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", resp.StatusCode)
	}
	if cat := errorCategory(t, resp); cat != "storage_failed" {
		t.Fatalf("category = %q", cat)
	}
	if eng.CachedInstances() != 0 {
		t.Fatal("failed initialize must cache no live object")
	}
}

func TestStreamRequiresSession(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/rpc", nil)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
}

// sseEvent is one parsed frame from the stream.
type sseEvent struct {
	id   string
	data string
}

// readSSE collects n events from the stream, ignoring keep-alive comments.
func readSSE(t *testing.T, body io.Reader, n int, timeout time.Duration) []sseEvent {
	t.Helper()
	out := make([]sseEvent, 0, n)
	done := make(chan struct{})
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(body)
		var cur sseEvent
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "id: "):
				cur.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "data: "):
				cur.data = strings.TrimPrefix(line, "data: ")
			case line == "" && cur.data != "":
				out = append(out, cur)
				cur = sseEvent{}
				if len(out) >= n {
					return
				}
			}
		}
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatalf("timed out reading SSE events, got %d of %d", len(out), n)
	}
	return out
}

func openStream(t *testing.T, url, sessionID, lastEventID string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest(http.MethodGet, url+"/rpc", nil)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Session-Id", sessionID)
	if lastEventID != "" {
		req.Header.Set("Last-Event-ID", lastEventID)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status = %d", resp.StatusCode)
	}
	return resp
}

func announce(t *testing.T, url, sessionID, payload string) string {
	t.Helper()
	body := fmt.Sprintf(`{"jsonrpc":"2.0","method":"announce","params":%s,"id":1}`, payload)
	resp := postJSON(t, url, sessionID, body)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		t.Fatalf("announce status = %d: %s", resp.StatusCode, raw)
	}
	var res struct {
		Result struct {
			EventID string `json:"eventId"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatalf("decode announce result: %v", err)
	}
	return res.Result.EventID
}

func TestStreamDeliversLiveAnnouncements(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	id := initSession(t, srv.URL)

	stream := openStream(t, srv.URL, id, "")
	defer stream.Body.Close()

	// Give the subscriber a moment to register before announcing.
	time.Sleep(50 * time.Millisecond)
	announce(t, srv.URL, id, `{"n":1}`)
	announce(t, srv.URL, id, `{"n":2}`)

	events := readSSE(t, stream.Body, 2, 3*time.Second)
	if events[0].data != `{"n":1}` || events[1].data != `{"n":2}` {
		t.Fatalf("events = %+v", events)
	}
	if events[0].id == "" || events[1].id == "" {
		t.Fatal("SSE frames missing event ids")
	}
}

func TestStreamResumesAfterLastEventID(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	id := initSession(t, srv.URL)

	e1 := announce(t, srv.URL, id, `{"seq":1}`)
	announce(t, srv.URL, id, `{"seq":2}`)
	announce(t, srv.URL, id, `{"seq":3}`)

	// Reconnect as a client that saw only e1: exactly seq 2 and 3 replay.
	stream := openStream(t, srv.URL, id, e1)
	defer stream.Body.Close()

	events := readSSE(t, stream.Body, 2, 3*time.Second)
	if events[0].data != `{"seq":2}` || events[1].data != `{"seq":3}` {
		t.Fatalf("replayed events = %+v", events)
	}
}

func TestStreamUnknownLastEventIDProceedsLive(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	id := initSession(t, srv.URL)

	announce(t, srv.URL, id, `{"old":true}`)

	stream := openStream(t, srv.URL, id, "evicted-or-bogus")
	defer stream.Body.Close()

	time.Sleep(50 * time.Millisecond)
	announce(t, srv.URL, id, `{"live":true}`)

	events := readSSE(t, stream.Body, 1, 3*time.Second)
	if events[0].data != `{"live":true}` {
		t.Fatalf("expected only the live event, got %+v", events)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	initSession(t, srv.URL)
	initSession(t, srv.URL)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	var health struct {
		CachedInstances int `json:"cached_instances"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(raw), &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health.CachedInstances != 2 {
		t.Fatalf("cached_instances = %d, want 2", health.CachedInstances)
	}
}

func TestContentTypeEnforced(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, err := http.Post(srv.URL+"/rpc", "text/plain", strings.NewReader("hi"))
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnsupportedMediaType {
		t.Fatalf("status = %d, want 415", resp.StatusCode)
	}
}
