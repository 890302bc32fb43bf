package audit

import (
	"context"
	"sync"
	"sync/atomic"
)

// Config controls dispatcher buffering.
//
// With DropIfFull, a full buffer drops the event instead of blocking the
// caller. Event types listed in MustDeliver are exempt: reuse detection and
// revocations wait for buffer space (bounded by the caller's context).
type Config struct {
	Enabled     bool
	BufferSize  int
	DropIfFull  bool
	MustDeliver []string
}

// Dispatcher forwards audit events to a sink from a single goroutine, so the
// sink sees events in emission order.
type Dispatcher struct {
	sink       Sink
	dropIfFull bool
	must       map[string]struct{}

	queue    chan Event
	stop     chan struct{}
	finished chan struct{}
	stopOnce sync.Once
	closed   atomic.Bool

	dropped atomic.Uint64
	mu      sync.Mutex
	byType  map[string]uint64
}

// NewDispatcher starts a dispatcher. It returns nil when audit is disabled;
// every method is safe on a nil *Dispatcher.
func NewDispatcher(cfg Config, sink Sink) *Dispatcher {
	if !cfg.Enabled {
		return nil
	}
	if sink == nil {
		sink = NoOpSink{}
	}
	size := cfg.BufferSize
	if size <= 0 {
		size = 1
	}

	must := make(map[string]struct{}, len(cfg.MustDeliver))
	for _, t := range cfg.MustDeliver {
		must[t] = struct{}{}
	}

	d := &Dispatcher{
		sink:       sink,
		dropIfFull: cfg.DropIfFull,
		must:       must,
		queue:      make(chan Event, size),
		stop:       make(chan struct{}),
		finished:   make(chan struct{}),
		byType:     make(map[string]uint64),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.finished)
	ctx := context.Background()
	for {
		select {
		case ev := <-d.queue:
			d.sink.Emit(ctx, ev)
		case <-d.stop:
			// Flush what was accepted before Close.
			for {
				select {
				case ev := <-d.queue:
					d.sink.Emit(ctx, ev)
				default:
					return
				}
			}
		}
	}
}

// Emit queues ev. Events emitted after Close are ignored.
func (d *Dispatcher) Emit(ctx context.Context, ev Event) {
	if d == nil || d.closed.Load() {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if d.dropIfFull && !d.mustDeliver(ev.EventType) {
		select {
		case d.queue <- ev:
		case <-d.stop:
		default:
			d.recordDrop(ev.EventType)
		}
		return
	}

	select {
	case d.queue <- ev:
	case <-ctx.Done():
		d.recordDrop(ev.EventType)
	case <-d.stop:
	}
}

func (d *Dispatcher) mustDeliver(eventType string) bool {
	_, ok := d.must[eventType]
	return ok
}

func (d *Dispatcher) recordDrop(eventType string) {
	d.dropped.Add(1)
	d.mu.Lock()
	d.byType[eventType]++
	d.mu.Unlock()
}

// Close stops accepting events, flushes the queue and waits for the sink.
func (d *Dispatcher) Close() {
	if d == nil {
		return
	}
	d.stopOnce.Do(func() {
		d.closed.Store(true)
		close(d.stop)
	})
	<-d.finished
}

// Dropped returns the total number of events that never reached the sink.
func (d *Dispatcher) Dropped() uint64 {
	if d == nil {
		return 0
	}
	return d.dropped.Load()
}

// DroppedByType returns a copy of the drop counts keyed by event type.
func (d *Dispatcher) DroppedByType() map[string]uint64 {
	out := map[string]uint64{}
	if d == nil {
		return out
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range d.byType {
		out[k] = v
	}
	return out
}
