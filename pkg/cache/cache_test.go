package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agentmesh/pkg/proto"
)

func input(payload map[string]any) proto.ExecutionInput {
	in := proto.NewExecutionInput(payload)
	return in
}

func okExec(result string, calls *atomic.Int64) ExecFunc {
	return func(context.Context) (proto.ExecutionOutput, error) {
		calls.Add(1)
		return proto.ExecutionOutput{
			ID:      proto.NewID(),
			Success: true,
			Payload: map[string]any{"result": result},
		}, nil
	}
}

func TestFingerprintIgnoresVolatileFields(t *testing.T) {
	a := input(map[string]any{
		"action":    "summarize",
		"timestamp": time.Now().UnixNano(),
		"trace_id":  "abc-123",
		"nested":    map[string]any{"timestamp": 1, "keep": "x"},
	})
	b := input(map[string]any{
		"action":    "summarize",
		"timestamp": time.Now().Add(time.Hour).UnixNano(),
		"trace_id":  "def-456",
		"nested":    map[string]any{"timestamp": 2, "keep": "x"},
	})

	if Fingerprint(a) != Fingerprint(b) {
		t.Error("inputs differing only in volatile fields must share a fingerprint")
	}

	c := input(map[string]any{"action": "translate"})
	if Fingerprint(a) == Fingerprint(c) {
		t.Error("different actions must not share a fingerprint")
	}
}

func TestFingerprintIgnoresIDAndTimestamp(t *testing.T) {
	a := input(map[string]any{"action": "x"})
	b := input(map[string]any{"action": "x"})
	if a.ID == b.ID {
		t.Fatal("test setup: inputs should have distinct ids")
	}
	if Fingerprint(a) != Fingerprint(b) {
		t.Error("input id and timestamp must not influence the fingerprint")
	}
}

func TestGetOrExecuteCachesSuccess(t *testing.T) {
	c := New(8)
	var calls atomic.Int64
	in := input(map[string]any{"action": "x"})

	out, hit, err := c.GetOrExecute(context.Background(), in, okExec("r1", &calls))
	if err != nil || hit {
		t.Fatalf("first call: hit=%v err=%v", hit, err)
	}
	if out.Payload["result"] != "r1" {
		t.Fatalf("payload = %v", out.Payload)
	}

	_, hit, err = c.GetOrExecute(context.Background(), in, okExec("r2", &calls))
	if err != nil || !hit {
		t.Fatalf("second call: hit=%v err=%v", hit, err)
	}
	if calls.Load() != 1 {
		t.Errorf("exec ran %d times, want 1", calls.Load())
	}
}

func TestGetOrExecuteDoesNotCacheFailures(t *testing.T) {
	c := New(8)
	in := input(map[string]any{"action": "x"})

	var calls atomic.Int64
	failing := func(context.Context) (proto.ExecutionOutput, error) {
		calls.Add(1)
		return proto.ExecutionOutput{}, errors.New("boom")
	}

	if _, _, err := c.GetOrExecute(context.Background(), in, failing); err == nil {
		t.Fatal("expected error")
	}
	if _, _, err := c.GetOrExecute(context.Background(), in, failing); err == nil {
		t.Fatal("expected error on retry")
	}
	if calls.Load() != 2 {
		t.Errorf("exec ran %d times, want 2 (failures must not be cached)", calls.Load())
	}
}

func TestConcurrentIdenticalRequestsExecuteOnce(t *testing.T) {
	c := New(8)
	in := input(map[string]any{"action": "x"})

	var calls atomic.Int64
	release := make(chan struct{})
	slow := func(context.Context) (proto.ExecutionOutput, error) {
		calls.Add(1)
		<-release
		return proto.ExecutionOutput{Success: true, Payload: map[string]any{"result": "shared"}}, nil
	}

	const n = 10
	var wg sync.WaitGroup
	results := make([]proto.ExecutionOutput, n)
	started := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started <- struct{}{}
			out, _, err := c.GetOrExecute(context.Background(), in, slow)
			if err != nil {
				t.Errorf("caller %d: %v", i, err)
				return
			}
			results[i] = out
		}(i)
	}
	for i := 0; i < n; i++ {
		<-started
	}
	time.Sleep(10 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("exec ran %d times, want 1", calls.Load())
	}
	for i, out := range results {
		if out.Payload["result"] != "shared" {
			t.Errorf("caller %d got %v", i, out.Payload)
		}
	}
}

func TestLRUEviction(t *testing.T) {
	c := New(2)
	var calls atomic.Int64

	in1 := input(map[string]any{"action": "1"})
	in2 := input(map[string]any{"action": "2"})
	in3 := input(map[string]any{"action": "3"})

	for _, in := range []proto.ExecutionInput{in1, in2} {
		if _, _, err := c.GetOrExecute(context.Background(), in, okExec("r", &calls)); err != nil {
			t.Fatal(err)
		}
	}

	// Touch in1 so in2 is the eviction candidate.
	if _, ok := c.Get(in1); !ok {
		t.Fatal("in1 should be cached")
	}

	if _, _, err := c.GetOrExecute(context.Background(), in3, okExec("r", &calls)); err != nil {
		t.Fatal(err)
	}

	if c.Len() != 2 {
		t.Errorf("len = %d, want 2", c.Len())
	}
	if _, ok := c.Get(in2); ok {
		t.Error("in2 should have been evicted")
	}
	if _, ok := c.Get(in1); !ok {
		t.Error("in1 should have survived eviction")
	}
}

func TestInvalidate(t *testing.T) {
	c := New(8)
	var calls atomic.Int64
	in := input(map[string]any{"action": "x"})

	if _, _, err := c.GetOrExecute(context.Background(), in, okExec("r", &calls)); err != nil {
		t.Fatal(err)
	}
	if !c.Invalidate(in) {
		t.Fatal("expected invalidation to remove an entry")
	}
	if c.Invalidate(in) {
		t.Fatal("second invalidation should be a no-op")
	}

	if _, _, err := c.GetOrExecute(context.Background(), in, okExec("r", &calls)); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 2 {
		t.Errorf("exec ran %d times, want 2 after invalidation", calls.Load())
	}
}

func TestStats(t *testing.T) {
	c := New(8)
	var calls atomic.Int64

	for i := 0; i < 3; i++ {
		in := input(map[string]any{"action": fmt.Sprint(i)})
		if _, _, err := c.GetOrExecute(context.Background(), in, okExec("r", &calls)); err != nil {
			t.Fatal(err)
		}
	}
	in := input(map[string]any{"action": "0"})
	if _, _, err := c.GetOrExecute(context.Background(), in, okExec("r", &calls)); err != nil {
		t.Fatal(err)
	}

	hits, misses := c.Stats()
	if hits != 1 || misses != 3 {
		t.Errorf("stats = %d hits / %d misses, want 1/3", hits, misses)
	}
}
