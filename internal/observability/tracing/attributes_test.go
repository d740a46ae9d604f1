package tracing

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestSafeAttributesDropsKeyMaterial(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("signature", "deadbeef"),
		attribute.String("session_id", "1"),
	)
	if len(attrs) != 1 || attrs[0].Key != "session_id" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
}

func TestSafeErrorTruncates(t *testing.T) {
	err := SafeError(errors.New(strings.Repeat("x", 400)))
	if len(err.Error()) != 256 {
		t.Fatalf("expected truncated message, got %d chars", len(err.Error()))
	}
	if SafeError(nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
}

func TestStartClientSpanEnds(t *testing.T) {
	ctx, end := StartClientSpan(context.Background(), "test", "op")
	if ctx == nil {
		t.Fatalf("expected context")
	}
	end(errors.New("boom"))
}
