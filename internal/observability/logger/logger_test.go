package logger

import (
	"context"
	"testing"

	obscontext "github.com/smallbiznis/vilokanam/internal/observability/context"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsSessionFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-7")
	ctx = obscontext.WithSession(ctx, "101", "alice", "bob")
	WithContext(ctx, base).Info("tick")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	for key, want := range map[string]string{
		"request_id": "req-7",
		"session_id": "101",
		"viewer_id":  "alice",
		"creator_id": "bob",
	} {
		if got := fields[key]; got != want {
			t.Fatalf("expected %s=%q, got %v", key, want, got)
		}
	}
	if _, ok := fields["trace_id"]; ok {
		t.Fatalf("expected no trace fields without a span")
	}
}

func TestWithContextReturnsBaseWhenEmpty(t *testing.T) {
	base := zap.NewNop()
	if got := WithContext(context.Background(), base); got != base {
		t.Fatalf("expected base logger to be returned unchanged")
	}
}
