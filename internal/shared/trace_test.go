package shared

import (
	"context"
	"testing"
)

func TestTraceID_Absent(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := WithTraceID(context.Background(), "abc-123")
	if got := TraceID(ctx); got != "abc-123" {
		t.Fatalf("expected 'abc-123', got %q", got)
	}
}

func TestRequestID_RoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-1")
	if got := RequestID(ctx); got != "req-1" {
		t.Fatalf("expected 'req-1', got %q", got)
	}
	if got := RequestID(context.Background()); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
}

func TestTaskAndUserAndServiceIDs(t *testing.T) {
	ctx := WithTaskID(context.Background(), "t1")
	ctx = WithUserID(ctx, "u1")
	ctx = WithServiceID(ctx, "s1")
	if got := TaskID(ctx); got != "t1" {
		t.Fatalf("task id: got %q", got)
	}
	if got := UserID(ctx); got != "u1" {
		t.Fatalf("user id: got %q", got)
	}
	if got := ServiceID(ctx); got != "s1" {
		t.Fatalf("service id: got %q", got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	a, b := NewTraceID(), NewTraceID()
	if a == b {
		t.Fatal("expected unique trace ids")
	}
}
