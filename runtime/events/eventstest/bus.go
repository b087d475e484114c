// Package eventstest provides an in-memory events.Bus for coordinator tests.
// Published events are recorded; tests drain them synchronously into the
// handler under test, which makes delivery order explicit and deterministic.
package eventstest

import (
	"context"
	"sync"
	"time"

	"goa.design/ratio/runtime/events"
)

type (
	// Published pairs an event with the delay it was published with.
	Published struct {
		Event events.Event
		Delay time.Duration
	}

	// Bus is an in-memory implementation of events.Bus.
	Bus struct {
		mu      sync.Mutex
		pending []Published
		all     []Published
	}
)

// New returns an empty bus.
func New() *Bus {
	return &Bus{}
}

func (b *Bus) Publish(ctx context.Context, event events.Event, opts ...events.PublishOption) error {
	var options events.PublishOptions
	for _, opt := range opts {
		opt(&options)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p := Published{Event: event, Delay: options.Delay}
	b.pending = append(b.pending, p)
	b.all = append(b.all, p)
	return nil
}

// Subscribe is unsupported on the test bus; tests pump events explicitly via
// Next and the handler under test.
func (b *Bus) Subscribe(ctx context.Context) (<-chan events.Event, <-chan error, context.CancelFunc, error) {
	ch := make(chan events.Event)
	errs := make(chan error)
	close(ch)
	close(errs)
	return ch, errs, func() {}, nil
}

// Next pops the oldest pending event. It reports false when none remain.
func (b *Bus) Next() (Published, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.pending) == 0 {
		return Published{}, false
	}
	p := b.pending[0]
	b.pending = b.pending[1:]
	return p, true
}

// Pending returns the number of undelivered events.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// History returns every event ever published, in order.
func (b *Bus) History() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Published, len(b.all))
	copy(out, b.all)
	return out
}
