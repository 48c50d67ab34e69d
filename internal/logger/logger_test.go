package logger

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := ContextWithRequestID(context.Background(), "req-1")
	if got := RequestID(ctx); got != "req-1" {
		t.Fatalf("RequestID = %q, want %q", got, "req-1")
	}
	if got := RequestID(context.Background()); got != "" {
		t.Fatalf("RequestID on bare context = %q, want empty", got)
	}
}

func TestWithContextAddsRequestID(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := &Logger{SugaredLogger: zap.New(core).Sugar(), serviceName: "teams"}

	l.WithContext(ContextWithRequestID(context.Background(), "req-7")).Info("hello", "k", "v")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["request_id"] != "req-7" {
		t.Fatalf("request_id = %v, want req-7", fields["request_id"])
	}
	if fields["k"] != "v" {
		t.Fatalf("k = %v, want v", fields["k"])
	}
}

func TestAuditMarksEntry(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := &Logger{SugaredLogger: zap.New(core).Sugar()}

	l.WithUser("alice").Audit("team created", "team", "t1")

	entries := logs.FilterMessage("team created").All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["audit"] != true {
		t.Fatalf("audit = %v, want true", fields["audit"])
	}
	if fields["user_id"] != "alice" {
		t.Fatalf("user_id = %v, want alice", fields["user_id"])
	}
}

func TestNopDoesNotPanic(t *testing.T) {
	l := Nop()
	l.WithUser("bob").WithContext(context.Background()).Info("ignored")
	_ = l.Sync()
}
