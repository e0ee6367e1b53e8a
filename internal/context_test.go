package autorouter

import (
	"context"
	"testing"
)

func TestContextMetaOrderIndependent(t *testing.T) {
	t.Parallel()
	key := &APIKey{ID: "key-1", Name: "order-test"}

	// Key first, then request ID: both must survive.
	ctx := ContextWithKey(context.Background(), key)
	ctx = ContextWithRequestID(ctx, "req-1")
	if got := KeyFromContext(ctx); got == nil || got.ID != "key-1" {
		t.Errorf("key after request id = %+v, want key-1", got)
	}
	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Errorf("request id = %q, want req-1", got)
	}

	// Request ID first, then key.
	ctx = ContextWithRequestID(context.Background(), "req-2")
	ctx = ContextWithKey(ctx, key)
	if got := RequestIDFromContext(ctx); got != "req-2" {
		t.Errorf("request id after key = %q, want req-2", got)
	}
	if got := KeyFromContext(ctx); got == nil || got.ID != "key-1" {
		t.Errorf("key = %+v, want key-1", got)
	}
}

func TestContextMetaEmpty(t *testing.T) {
	t.Parallel()
	if KeyFromContext(context.Background()) != nil {
		t.Error("key on empty context should be nil")
	}
	if RequestIDFromContext(context.Background()) != "" {
		t.Error("request id on empty context should be empty")
	}
}
