package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// Config controls dispatcher buffering.
type Config struct {
	Enabled    bool
	BufferSize int
	// DropIfFull sheds events when the queue is full instead of
	// blocking the emitting request.
	DropIfFull bool
}

func (c Config) normalized() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 1
	}
	return c
}

// Dispatcher decouples auth flows from sink latency: Emit enqueues and
// returns, a single worker goroutine delivers in order. A nil
// dispatcher is valid and inert, so disabled auditing costs one nil
// check per call site.
type Dispatcher struct {
	sink     Sink
	dropMode bool

	queue chan Event
	stop  chan struct{}

	worker  sync.WaitGroup
	stopped atomic.Bool
	dropped atomic.Uint64
	once    sync.Once
}

// NewDispatcher starts the delivery worker. Returns nil when auditing
// is disabled. A nil sink falls back to NoOpSink so the queue still
// drains.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	cfg = cfg.normalized()
	if sink == nil {
		sink = NoOpSink{}
	}

	d := &Dispatcher{
		sink:     sink,
		dropMode: cfg.DropIfFull,
		queue:    make(chan Event, cfg.BufferSize),
		stop:     make(chan struct{}),
	}

	d.worker.Add(1)
	go d.deliver()

	return d
}

func (d *Dispatcher) deliver() {
	defer d.worker.Done()

	for {
		select {
		case event := <-d.queue:
			d.sink.Emit(context.Background(), event)
		case <-d.stop:
			d.drain()
			return
		}
	}
}

// drain flushes events still buffered at shutdown.
func (d *Dispatcher) drain() {
	for {
		select {
		case event := <-d.queue:
			d.sink.Emit(context.Background(), event)
		default:
			return
		}
	}
}

// Emit enqueues an event. In drop mode a full queue sheds the event and
// counts it; otherwise Emit blocks until the queue accepts, ctx is
// cancelled, or the dispatcher shuts down.
func (d *Dispatcher) Emit(ctx context.Context, event Event) {
	if d == nil || d.stopped.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.dropMode {
		select {
		case d.queue <- event:
		case <-d.stop:
		default:
			d.dropped.Add(1)
		}
		return
	}

	select {
	case d.queue <- event:
	case <-ctx.Done():
	case <-d.stop:
	}
}

// Close stops the worker after delivering everything already queued.
// Safe to call more than once; later Emits are no-ops.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.once.Do(func() {
		d.stopped.Store(true)
		close(d.stop)
		d.worker.Wait()
	})
}

// Dropped reports how many events were shed under drop mode.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}
