package registry

import (
	"context"
	"testing"
)

func TestDispatchRoutesToRegisteredHandler(t *testing.T) {
	r := New()
	var gotReq []byte
	r.Register(1, 2, func(ctx context.Context, req []byte) ([]byte, error) {
		gotReq = req
		return []byte("ok"), nil
	})

	resp, err := r.Dispatch(context.Background(), serviceFn(1, 2), []byte("ping"))
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if string(resp) != "ok" {
		t.Fatalf("resp = %q, want ok", resp)
	}
	if string(gotReq) != "ping" {
		t.Fatalf("req = %q, want ping", gotReq)
	}
}

func TestDispatchUnknownReturnsErrNotRegistered(t *testing.T) {
	r := New()
	_, err := r.Dispatch(context.Background(), serviceFn(9, 9), nil)
	if _, ok := err.(ErrNotRegistered); !ok {
		t.Fatalf("err = %v, want ErrNotRegistered", err)
	}
}

func TestRegisterReplacesExistingHandler(t *testing.T) {
	r := New()
	r.Register(1, 1, func(ctx context.Context, req []byte) ([]byte, error) {
		return []byte("first"), nil
	})
	r.Register(1, 1, func(ctx context.Context, req []byte) ([]byte, error) {
		return []byte("second"), nil
	})

	resp, _ := r.Dispatch(context.Background(), serviceFn(1, 1), nil)
	if string(resp) != "second" {
		t.Fatalf("resp = %q, want second", resp)
	}
}

func TestUnregisterRemovesHandler(t *testing.T) {
	r := New()
	r.Register(1, 1, func(ctx context.Context, req []byte) ([]byte, error) {
		return nil, nil
	})
	r.Unregister(1, 1)

	_, err := r.Dispatch(context.Background(), serviceFn(1, 1), nil)
	if _, ok := err.(ErrNotRegistered); !ok {
		t.Fatalf("err = %v, want ErrNotRegistered after unregister", err)
	}
}

func serviceFn(service, function uint16) uint32 {
	return uint32(service)<<16 | uint32(function)
}
