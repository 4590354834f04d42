package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type fakeSession struct{ id string }

func (f *fakeSession) ID() string { return f.id }
func (f *fakeSession) Announce(ctx context.Context, payload []byte) (string, error) {
	return "ev-1", nil
}

func TestLookupUnknownOperation(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("nope")
	if !errors.Is(err, ErrUnknownOperation) {
		t.Fatalf("expected ErrUnknownOperation, got %v", err)
	}
}

func TestRegisterAndDispatch(t *testing.T) {
	r := NewRegistry()
	r.Register("echo", HandlerFunc(func(ctx context.Context, sess Session, params json.RawMessage) (any, error) {
		return json.RawMessage(params), nil
	}))

	h, err := r.Lookup("echo")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	res, err := h.Handle(context.Background(), &fakeSession{id: "s1"}, json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if string(res.(json.RawMessage)) != `{"x":1}` {
		t.Fatalf("unexpected result %v", res)
	}
}

func TestNewTypedDecodesArgs(t *testing.T) {
	type addArgs struct {
		A int `json:"a"`
		B int `json:"b"`
	}
	h := NewTyped(func(ctx context.Context, sess Session, args addArgs) (any, error) {
		return args.A + args.B, nil
	})

	res, err := h.Handle(context.Background(), &fakeSession{}, json.RawMessage(`{"a":2,"b":3}`))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if res.(int) != 5 {
		t.Fatalf("result = %v, want 5", res)
	}

	if _, err := h.Handle(context.Background(), &fakeSession{}, json.RawMessage(`{"a":"NaN"}`)); err == nil {
		t.Fatal("expected decode error for malformed params")
	}
}
