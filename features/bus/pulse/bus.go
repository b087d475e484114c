// Package pulse implements the events.Bus transport on goa.design/pulse
// streams backed by Redis. All lifecycle events travel on one stream; a
// consumer group gives at-least-once delivery with explicit acks.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	clientspulse "goa.design/ratio/features/bus/pulse/clients/pulse"
	"goa.design/ratio/runtime/events"
)

// DefaultStreamName is the Pulse stream carrying lifecycle events.
const DefaultStreamName = "ratio/events"

// DefaultSinkName identifies the coordinator consumer group.
const DefaultSinkName = "ratio_coordinator"

type (
	// Options configures the bus.
	Options struct {
		// Client is the Pulse client. Required.
		Client clientspulse.Client
		// StreamName overrides the event stream name.
		StreamName string
		// SinkName overrides the consumer group name.
		SinkName string
		// Buffer is the subscriber channel capacity. Defaults to 64.
		Buffer int
	}

	// Bus is a Pulse-backed events.Bus.
	Bus struct {
		client clientspulse.Client
		stream string
		sink   string
		buffer int
	}
)

// New constructs a Pulse-backed event bus.
func New(opts Options) (*Bus, error) {
	if opts.Client == nil {
		return nil, errors.New("pulse client is required")
	}
	b := &Bus{
		client: opts.Client,
		stream: opts.StreamName,
		sink:   opts.SinkName,
		buffer: opts.Buffer,
	}
	if b.stream == "" {
		b.stream = DefaultStreamName
	}
	if b.sink == "" {
		b.sink = DefaultSinkName
	}
	if b.buffer <= 0 {
		b.buffer = 64
	}
	return b, nil
}

// Publish appends the event to the stream. Redis streams have no native
// delayed delivery; a delayed publish is armed on a timer in-process.
// A crash before the timer fires loses the delayed event, which the
// reconciliation sweep covers.
func (b *Bus) Publish(ctx context.Context, event events.Event, opts ...events.PublishOption) error {
	var options events.PublishOptions
	for _, opt := range opts {
		opt(&options)
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if options.Delay <= 0 {
		return b.add(ctx, event.Type, payload)
	}
	timer := time.NewTimer(options.Delay)
	go func() {
		defer timer.Stop()
		select {
		case <-timer.C:
			// Detached from the handler's context on purpose: the
			// handler returns long before the delay elapses.
			_ = b.add(context.Background(), event.Type, payload)
		case <-ctx.Done():
		}
	}()
	return nil
}

func (b *Bus) add(ctx context.Context, eventType string, payload []byte) error {
	handle, err := b.client.Stream(b.stream)
	if err != nil {
		return err
	}
	if _, err := handle.Add(ctx, eventType, payload); err != nil {
		return err
	}
	return nil
}

// Subscribe opens the coordinator consumer group and returns channels for
// events and errors. Events are acked after they are emitted downstream; a
// handler crash before ack redelivers, matching the bus's at-least-once
// contract.
func (b *Bus) Subscribe(ctx context.Context) (<-chan events.Event, <-chan error, context.CancelFunc, error) {
	handle, err := b.client.Stream(b.stream)
	if err != nil {
		return nil, nil, nil, err
	}
	sink, err := handle.NewSink(ctx, b.sink)
	if err != nil {
		return nil, nil, nil, err
	}
	out := make(chan events.Event, b.buffer)
	errs := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	go b.consume(runCtx, sink, out, errs)
	cancelFunc := func() {
		cancel()
		sink.Close(context.Background())
	}
	return out, errs, cancelFunc, nil
}

func (b *Bus) consume(ctx context.Context, sink clientspulse.Sink, out chan<- events.Event, errs chan<- error) {
	defer close(out)
	defer close(errs)
	ch := sink.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			var decoded events.Event
			if err := json.Unmarshal(evt.Payload, &decoded); err != nil {
				errs <- fmt.Errorf("decode event payload: %w", err)
				return
			}
			select {
			case out <- decoded:
			case <-ctx.Done():
				return
			}
			if err := sink.Ack(ctx, evt); err != nil {
				errs <- fmt.Errorf("ack event: %w", err)
				return
			}
		}
	}
}

// Close releases the underlying Pulse client.
func (b *Bus) Close(ctx context.Context) error {
	return b.client.Close(ctx)
}
