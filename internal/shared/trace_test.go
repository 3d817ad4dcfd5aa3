package shared

import (
	"context"
	"reflect"
	"testing"
)

func TestAgentID_DefaultEmpty(t *testing.T) {
	ctx := context.Background()
	if got := AgentID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithAgentID(ctx, "test-agent")
	if got := AgentID(ctx); got != "test-agent" {
		t.Fatalf("expected test-agent, got %q", got)
	}
}

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	if got := TraceID(WithTraceID(ctx, "")); got != "-" {
		t.Fatalf("expected '-' for empty trace id, got %q", got)
	}
}

func TestNewRunID_Unique(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	if a == "" || a == b {
		t.Fatalf("expected distinct run ids, got %q and %q", a, b)
	}
}

func TestLogAttrs(t *testing.T) {
	ctx := WithTraceID(context.Background(), "tr")
	if got := LogAttrs(ctx); !reflect.DeepEqual(got, []any{"trace_id", "tr"}) {
		t.Fatalf("unexpected attrs: %v", got)
	}

	ctx = WithAgentID(ctx, "main")
	ctx = WithRunID(ctx, "r1")
	ctx = WithSessionID(ctx, "s1")
	want := []any{"trace_id", "tr", "agent_id", "main", "run_id", "r1", "session_id", "s1"}
	if got := LogAttrs(ctx); !reflect.DeepEqual(got, want) {
		t.Fatalf("LogAttrs = %v, want %v", got, want)
	}
}
