package event

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/seancwalsh/flynn/pkg/plugin"
	"go.uber.org/zap"
)

func TestBus_PublishDeliversToTopicAndWildcard(t *testing.T) {
	bus := NewBus(zap.NewNop())
	var topicHits, allHits int
	bus.Subscribe("detection.anomaly.detected", func(_ context.Context, e plugin.Event) {
		topicHits++
		if e.Timestamp.IsZero() {
			t.Error("Publish should stamp a zero timestamp")
		}
	})
	bus.SubscribeAll(func(context.Context, plugin.Event) { allHits++ })

	_ = bus.Publish(context.Background(), plugin.Event{Topic: "detection.anomaly.detected"})
	_ = bus.Publish(context.Background(), plugin.Event{Topic: "detection.run.completed"})

	if topicHits != 1 {
		t.Errorf("topic handler calls = %d, want 1", topicHits)
	}
	if allHits != 2 {
		t.Errorf("wildcard handler calls = %d, want 2", allHits)
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(zap.NewNop())
	calls := 0
	unsub := bus.Subscribe("t", func(context.Context, plugin.Event) { calls++ })
	keep := 0
	bus.Subscribe("t", func(context.Context, plugin.Event) { keep++ })

	unsub()
	_ = bus.Publish(context.Background(), plugin.Event{Topic: "t"})

	if calls != 0 {
		t.Errorf("unsubscribed handler called %d times", calls)
	}
	if keep != 1 {
		t.Errorf("remaining handler calls = %d, want 1", keep)
	}
}

func TestBus_PanickingHandlerIsContained(t *testing.T) {
	bus := NewBus(zap.NewNop())
	after := false
	bus.Subscribe("t", func(context.Context, plugin.Event) { panic("boom") })
	bus.Subscribe("t", func(context.Context, plugin.Event) { after = true })

	if err := bus.Publish(context.Background(), plugin.Event{Topic: "t"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if !after {
		t.Error("handler after a panicking one should still run")
	}
}

func TestBus_PublishAsync(t *testing.T) {
	bus := NewBus(zap.NewNop())
	var wg sync.WaitGroup
	wg.Add(2)
	bus.Subscribe("t", func(context.Context, plugin.Event) { wg.Done() })
	bus.SubscribeAll(func(context.Context, plugin.Event) { wg.Done() })

	bus.PublishAsync(context.Background(), plugin.Event{Topic: "t"})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("async handlers did not run")
	}
}
