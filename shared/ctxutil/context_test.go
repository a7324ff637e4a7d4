package ctxutil

import (
	"context"
	"testing"
	"time"
)

func TestFields(t *testing.T) {
	ctx := context.Background()
	if len(Fields(ctx)) != 0 {
		t.Fatalf("expected no fields, got %v", Fields(ctx))
	}

	ctx = WithRunID(ctx, "abc123")
	ctx = WithProxy(ctx, "ssh")
	ctx = WithConnID(ctx, "c-1")
	ctx = WithStartTime(ctx, time.Now().Add(-time.Second))

	f := Fields(ctx)
	if f["run_id"] != "abc123" || f["proxy"] != "ssh" || f["conn_id"] != "c-1" {
		t.Fatalf("unexpected fields: %v", f)
	}
	if ms, _ := f["elapsed_ms"].(int64); ms < 1000 {
		t.Fatalf("expected elapsed >= 1000ms, got %v", f["elapsed_ms"])
	}
}

func TestMerge(t *testing.T) {
	m := Merge(map[string]any{"a": 1, "b": 1}, map[string]any{"b": 2})
	if m["a"] != 1 || m["b"] != 2 {
		t.Fatalf("unexpected merge: %v", m)
	}
}
