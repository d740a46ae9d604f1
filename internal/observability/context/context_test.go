package context

import (
	"context"
	"testing"
)

func TestSessionRoundTrip(t *testing.T) {
	ctx := WithSession(WithRequestID(context.Background(), "req-1"), "42", "viewer", "creator")

	if got := RequestIDFromContext(ctx); got != "req-1" {
		t.Fatalf("expected request id req-1, got %q", got)
	}
	sessionID, viewerID, creatorID := SessionFromContext(ctx)
	if sessionID != "42" || viewerID != "viewer" || creatorID != "creator" {
		t.Fatalf("unexpected session fields %q %q %q", sessionID, viewerID, creatorID)
	}
	if got := RequestIDFromContext(nil); got != "" {
		t.Fatalf("expected empty request id from nil context")
	}
}
