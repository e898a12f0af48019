package bus

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"agentmesh/pkg/proto"
)

func TestBroadcastDelivery(t *testing.T) {
	b := New()

	// Scenario: three subscribers for type X receive exactly one copy each;
	// a fourth registered after publish receives nothing.
	var counts [4]atomic.Int32
	for i := 0; i < 3; i++ {
		i := i
		if _, err := b.Subscribe(Filter{Type: proto.MsgTypeSystemEvent}, func(*proto.Message) {
			counts[i].Add(1)
		}); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}

	msg := proto.NewMessage(proto.MsgTypeSystemEvent, "tester", "")
	if err := b.Publish(msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if _, err := b.Subscribe(Filter{Type: proto.MsgTypeSystemEvent}, func(*proto.Message) {
		counts[3].Add(1)
	}); err != nil {
		t.Fatalf("late subscribe: %v", err)
	}

	for i := 0; i < 3; i++ {
		if got := counts[i].Load(); got != 1 {
			t.Errorf("subscriber %d received %d copies, want 1", i, got)
		}
	}
	if got := counts[3].Load(); got != 0 {
		t.Errorf("late subscriber received %d messages, want 0 (no replay)", got)
	}
}

func TestFilterMatching(t *testing.T) {
	msg := proto.NewMessage(proto.MsgTypeTaskResult, "agent-1", "dispatcher")
	msg.CorrelationID = "task-9"

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"empty filter matches all", Filter{}, true},
		{"matching type", Filter{Type: proto.MsgTypeTaskResult}, true},
		{"wrong type", Filter{Type: proto.MsgTypeError}, false},
		{"matching sender", Filter{From: "agent-1"}, true},
		{"wrong sender", Filter{From: "agent-2"}, false},
		{"matching recipient", Filter{To: "dispatcher"}, true},
		{"wrong recipient", Filter{To: "someone-else"}, false},
		{"matching correlation", Filter{CorrelationID: "task-9"}, true},
		{"wrong correlation", Filter{CorrelationID: "task-1"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Matches(msg); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}

	// Broadcast messages must reach subscribers that filter on a recipient.
	broadcast := proto.NewMessage(proto.MsgTypeTaskResult, "agent-1", "")
	if !(Filter{To: "dispatcher"}).Matches(broadcast) {
		t.Error("broadcast should match recipient-filtered subscriber")
	}
}

func TestDeliveryOrder(t *testing.T) {
	b := New()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		if _, err := b.Subscribe(Filter{}, func(*proto.Message) {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}

	if err := b.Publish(proto.NewMessage(proto.MsgTypeSystemEvent, "tester", "")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for i, got := range order {
		if got != i {
			t.Fatalf("delivery order %v, want registration order", order)
		}
	}
}

func TestSubscriberCapacity(t *testing.T) {
	b := New(WithMaxSubscriptions(2))

	for i := 0; i < 2; i++ {
		if _, err := b.Subscribe(Filter{}, func(*proto.Message) {}); err != nil {
			t.Fatalf("subscribe %d: %v", i, err)
		}
	}

	_, err := b.Subscribe(Filter{}, func(*proto.Message) {})
	if err == nil {
		t.Fatal("expected capacity error")
	}
	if !errors.Is(err, ErrSubscriberCapacity) {
		t.Errorf("expected ErrSubscriberCapacity, got %v", err)
	}
}

func TestSlowHandlerIsSkipped(t *testing.T) {
	b := New(WithHandlerTimeout(20 * time.Millisecond))

	block := make(chan struct{})
	var slowRan, fastRan atomic.Bool

	if _, err := b.Subscribe(Filter{}, func(*proto.Message) {
		slowRan.Store(true)
		<-block
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe(Filter{}, func(*proto.Message) {
		fastRan.Store(true)
	}); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := b.Publish(proto.NewMessage(proto.MsgTypeSystemEvent, "tester", "")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	elapsed := time.Since(start)
	close(block)

	if !slowRan.Load() || !fastRan.Load() {
		t.Error("both handlers should have been invoked")
	}
	if elapsed > 500*time.Millisecond {
		t.Errorf("publish blocked %v on a slow handler", elapsed)
	}

	stats := b.Stats()
	if stats["skipped"].(int64) != 1 {
		t.Errorf("skipped = %v, want 1", stats["skipped"])
	}
}

func TestPanickingHandlerIsIsolated(t *testing.T) {
	b := New()

	var survived atomic.Bool
	if _, err := b.Subscribe(Filter{}, func(*proto.Message) { panic("boom") }); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Subscribe(Filter{}, func(*proto.Message) { survived.Store(true) }); err != nil {
		t.Fatal(err)
	}

	if err := b.Publish(proto.NewMessage(proto.MsgTypeSystemEvent, "tester", "")); err != nil {
		t.Fatalf("publish should not propagate handler panic: %v", err)
	}
	if !survived.Load() {
		t.Error("delivery to later subscribers must survive a panicking handler")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()

	var count atomic.Int32
	sub, err := b.Subscribe(Filter{}, func(*proto.Message) { count.Add(1) })
	if err != nil {
		t.Fatal(err)
	}

	if err := b.Publish(proto.NewMessage(proto.MsgTypeSystemEvent, "tester", "")); err != nil {
		t.Fatal(err)
	}
	b.Unsubscribe(sub)
	if err := b.Publish(proto.NewMessage(proto.MsgTypeSystemEvent, "tester", "")); err != nil {
		t.Fatal(err)
	}

	if got := count.Load(); got != 1 {
		t.Errorf("received %d messages, want 1 (unsubscribed before second publish)", got)
	}
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	b := New(WithMaxSubscriptions(1000))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = b.Subscribe(Filter{}, func(*proto.Message) {})
		}()
		go func() {
			defer wg.Done()
			_ = b.Publish(proto.NewMessage(proto.MsgTypeSystemEvent, "tester", ""))
		}()
	}
	wg.Wait()
}

func TestPublishAfterClose(t *testing.T) {
	b := New()
	b.Close()
	if err := b.Publish(proto.NewMessage(proto.MsgTypeSystemEvent, "tester", "")); err == nil {
		t.Error("publish after close should fail")
	}
	if _, err := b.Subscribe(Filter{}, func(*proto.Message) {}); err == nil {
		t.Error("subscribe after close should fail")
	}
}

func TestDeliveryObserverReportsOutcomes(t *testing.T) {
	type observed struct {
		msgType string
		outcome string
	}
	var mu sync.Mutex
	var seen []observed

	b := New(
		WithHandlerTimeout(20*time.Millisecond),
		WithDeliveryObserver(func(msgType, outcome string) {
			mu.Lock()
			seen = append(seen, observed{msgType, outcome})
			mu.Unlock()
		}),
	)

	if _, err := b.Subscribe(Filter{}, func(*proto.Message) {}); err != nil {
		t.Fatal(err)
	}
	block := make(chan struct{})
	defer close(block)
	if _, err := b.Subscribe(Filter{}, func(*proto.Message) {
		<-block
	}); err != nil {
		t.Fatal(err)
	}

	if err := b.Publish(proto.NewMessage(proto.MsgTypeSystemEvent, "tester", "")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []observed{
		{string(proto.MsgTypeSystemEvent), "delivered"},
		{string(proto.MsgTypeSystemEvent), "skipped"},
	}
	if len(seen) != len(want) {
		t.Fatalf("observed %d outcomes, want %d: %v", len(seen), len(want), seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("outcome %d = %+v, want %+v", i, seen[i], want[i])
		}
	}
}
