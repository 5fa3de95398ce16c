package bus

import (
	"context"
	"reflect"
	"sync"
	"testing"
	"time"
)

func TestMessageBus_InboundRoundTrip(t *testing.T) {
	b := New(4)
	msg := InboundMessage{Channel: "telegram", ChatID: "123", Content: "hello"}
	b.PublishInbound(msg)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("ConsumeInbound() ok = false, want true")
	}
	if !reflect.DeepEqual(got, msg) {
		t.Errorf("ConsumeInbound() = %+v, want %+v", got, msg)
	}
}

func TestMessageBus_OutboundRoundTrip(t *testing.T) {
	b := New(4)
	msg := OutboundMessage{Channel: "discord", ChatID: "456", Content: "reply"}
	b.PublishOutbound(msg)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	got, ok := b.SubscribeOutbound(ctx)
	if !ok {
		t.Fatal("SubscribeOutbound() ok = false, want true")
	}
	if !reflect.DeepEqual(got, msg) {
		t.Errorf("SubscribeOutbound() = %+v, want %+v", got, msg)
	}
}

func TestMessageBus_ConsumeInbound_ContextCancelled(t *testing.T) {
	b := New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := b.ConsumeInbound(ctx)
	if ok {
		t.Error("ConsumeInbound() ok = true after context cancellation, want false")
	}
}

func TestMessageBus_PublishInbound_DropsWhenFull(t *testing.T) {
	b := New(1)
	b.PublishInbound(InboundMessage{Content: "first"})
	b.PublishInbound(InboundMessage{Content: "second"}) // queue full, must not block

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, ok := b.ConsumeInbound(ctx)
	if !ok || got.Content != "first" {
		t.Errorf("ConsumeInbound() = %+v, %v, want {Content:first}, true", got, ok)
	}
}

func TestMessageBus_BroadcastFansOutToAllHandlers(t *testing.T) {
	b := New(4)
	var mu sync.Mutex
	received := make(map[string]Event)

	b.Subscribe("client-a", func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		received["client-a"] = ev
	})
	b.Subscribe("client-b", func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		received["client-b"] = ev
	})

	ev := Event{Name: "agent", Payload: "turn-started"}
	b.Broadcast(ev)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 2 {
		t.Fatalf("got %d handler invocations, want 2", len(received))
	}
	for id, got := range received {
		if got != ev {
			t.Errorf("handler %q received %+v, want %+v", id, got, ev)
		}
	}
}

func TestMessageBus_Unsubscribe(t *testing.T) {
	b := New(4)
	called := false
	b.Subscribe("client-a", func(Event) { called = true })
	b.Unsubscribe("client-a")

	b.Broadcast(Event{Name: "health"})

	if called {
		t.Error("handler invoked after Unsubscribe")
	}
}

func TestNew_DefaultsBufferWhenNonPositive(t *testing.T) {
	b := New(0)
	if cap(b.inbound) != 256 || cap(b.outbound) != 256 {
		t.Errorf("New(0) buffer = %d/%d, want 256/256", cap(b.inbound), cap(b.outbound))
	}
}
