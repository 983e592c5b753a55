package audit

import (
	"context"
	"sync"
	"testing"
	"time"
)

type collectSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *collectSink) Emit(_ context.Context, event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *collectSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestDispatcherDeliversEvents(t *testing.T) {
	sink := &collectSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 8}, sink)

	for i := 0; i < 5; i++ {
		d.Emit(context.Background(), Event{EventType: "login_success"})
	}
	d.Close()

	if got := sink.len(); got != 5 {
		t.Fatalf("expected 5 delivered events, got %d", got)
	}
}

func TestDispatcherDisabledIsNil(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, &collectSink{})
	if d != nil {
		t.Fatal("expected nil dispatcher when disabled")
	}

	// Nil receivers are safe on every method.
	d.Emit(context.Background(), Event{EventType: "x"})
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("expected zero drops on nil dispatcher")
	}
}

func TestDispatcherDropsWhenFull(t *testing.T) {
	// A blocking sink pins the worker so the buffer fills up.
	release := make(chan struct{})
	blocking := sinkFunc(func(context.Context, Event) { <-release })

	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, blocking)

	for i := 0; i < 10; i++ {
		d.Emit(context.Background(), Event{EventType: "x"})
	}

	deadline := time.After(time.Second)
	for d.Dropped() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected drops with a full buffer")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	close(release)
	d.Close()
}

func TestDispatcherEmitAfterCloseIsNoOp(t *testing.T) {
	sink := &collectSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 4}, sink)

	d.Emit(context.Background(), Event{EventType: "before"})
	d.Close()
	d.Emit(context.Background(), Event{EventType: "after"})
	d.Close()

	if got := sink.len(); got != 1 {
		t.Fatalf("expected only the pre-close event, got %d", got)
	}
}

type sinkFunc func(ctx context.Context, event Event)

func (f sinkFunc) Emit(ctx context.Context, event Event) { f(ctx, event) }
