package echo

import (
	"context"
	"testing"
	"time"

	"agentmesh/pkg/proto"
)

func TestExecuteEchoesPayload(t *testing.T) {
	a := New()
	in := proto.NewExecutionInput(map[string]any{"a": 1, "b": "two"})

	out, err := a.Execute(context.Background(), in)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !out.Success {
		t.Error("expected success")
	}
	if out.ID != in.ID {
		t.Errorf("output id = %s, want %s", out.ID, in.ID)
	}
	if out.Payload["a"] != 1 || out.Payload["b"] != "two" {
		t.Errorf("payload = %v", out.Payload)
	}
}

func TestExecuteHonorsCancellation(t *testing.T) {
	a := New()
	a.Delay = time.Second

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := a.Execute(ctx, proto.NewExecutionInput(nil)); err == nil {
		t.Error("expected cancellation error")
	}
}

func TestDefinition(t *testing.T) {
	def := Definition("echo-agent")
	if err := def.Validate(); err != nil {
		t.Fatalf("definition invalid: %v", err)
	}
	if !def.HasCapabilities([]string{Capability}) {
		t.Error("definition must declare the echo capability")
	}
}
