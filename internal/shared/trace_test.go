package shared

import (
	"context"
	"testing"
)

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("empty ctx trace id = %q, want -", got)
	}

	ctx = WithTraceID(ctx, "abc123")
	if got := TraceID(ctx); got != "abc123" {
		t.Fatalf("trace id = %q, want abc123", got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	a, b := NewTraceID(), NewTraceID()
	if a == "" || a == b {
		t.Fatalf("ids not unique: %q %q", a, b)
	}
}

func TestSessionAndScenarioIDs(t *testing.T) {
	ctx := WithSessionID(context.Background(), "s1")
	ctx = WithScenarioID(ctx, "cafe")
	if got := SessionID(ctx); got != "s1" {
		t.Fatalf("session id = %q", got)
	}
	if got := ScenarioID(ctx); got != "cafe" {
		t.Fatalf("scenario id = %q", got)
	}
	if got := SessionID(context.Background()); got != "" {
		t.Fatalf("empty session id = %q, want empty", got)
	}
}
