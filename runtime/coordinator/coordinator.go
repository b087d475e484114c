// Package coordinator implements the event-driven process lifecycle: it
// consumes execute, response, and reconciliation events, creates child
// processes, publishes tool invocations, closes parents, and defends
// parallel joins and stuck processes. Handlers are stateless across events:
// engine state is reloaded from execution.json and progress is rebuilt from
// the process table on every event.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel/codes"

	"goa.design/ratio/auth/jwtsign"
	"goa.design/ratio/runtime/engine"
	"goa.design/ratio/runtime/events"
	"goa.design/ratio/runtime/processes"
	"goa.design/ratio/runtime/telemetry"
	"goa.design/ratio/runtime/token"
	"goa.design/ratio/storage"
	"goa.design/ratio/tooldef"
)

// Defaults for the coordinator's timing knobs.
const (
	// DefaultReconcileDelay delays the parallel-join reconciliation event
	// published when exactly one sibling is still running.
	DefaultReconcileDelay = 15 * time.Second
	// DefaultNoopResponseDelay delays the synthetic response published for
	// skipped instructions so it does not race the running handler.
	DefaultNoopResponseDelay = 2 * time.Second
	// DefaultProcessTimeout is the RUNNING age after which the sweep times
	// a process out.
	DefaultProcessTimeout = 15 * time.Minute
)

// Arbitration jitter bounds: after writing its nonce, a handler sleeps a
// random interval in [min, max) before reading the lock back.
const (
	arbitrationJitterMin = 100 * time.Millisecond
	arbitrationJitterMax = 800 * time.Millisecond
)

type (
	// Options configures a Coordinator.
	Options struct {
		// Storage is the storage collaborator. Required.
		Storage storage.Client
		// Processes is the process table. Required.
		Processes processes.Store
		// Bus publishes follow-up events. Required.
		Bus events.Bus
		// Tokens refreshes execution tokens at handler entry. Required.
		Tokens *token.Service
		// Signer extracts claims from tokens for process ownership.
		// Required.
		Signer jwtsign.Signer
		// Definitions loads tool definitions referenced by path. Defaults
		// to the tooldef loader over Storage.
		Definitions engine.DefinitionLoader
		// SystemTokenSource supplies a token for sweep-originated events.
		// Required when the sweep runs.
		SystemTokenSource func(ctx context.Context) (string, error)
		// Logger, Metrics, and Tracer default to no-ops.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer
		// ReconcileDelay, NoopResponseDelay, and ProcessTimeout default to
		// the package defaults.
		ReconcileDelay    time.Duration
		NoopResponseDelay time.Duration
		ProcessTimeout    time.Duration
	}

	// Coordinator handles lifecycle events.
	Coordinator struct {
		storage storage.Client
		procs   processes.Store
		bus     events.Bus
		tokens  *token.Service
		signer  jwtsign.Signer
		defs    engine.DefinitionLoader
		sysTok  func(ctx context.Context) (string, error)

		logger  telemetry.Logger
		metrics telemetry.Metrics
		tracer  telemetry.Tracer

		reconcileDelay time.Duration
		noopDelay      time.Duration
		processTimeout time.Duration

		now    func() time.Time
		sleep  func(time.Duration)
		jitter func() time.Duration
		newID  func() string
	}
)

// New builds a coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if opts.Processes == nil {
		return nil, errors.New("process store is required")
	}
	if opts.Bus == nil {
		return nil, errors.New("event bus is required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("token service is required")
	}
	if opts.Signer == nil {
		return nil, errors.New("jwt signer is required")
	}
	c := &Coordinator{
		storage:        opts.Storage,
		procs:          opts.Processes,
		bus:            opts.Bus,
		tokens:         opts.Tokens,
		signer:         opts.Signer,
		defs:           opts.Definitions,
		sysTok:         opts.SystemTokenSource,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		reconcileDelay: opts.ReconcileDelay,
		noopDelay:      opts.NoopResponseDelay,
		processTimeout: opts.ProcessTimeout,
		now:            time.Now,
		sleep:          time.Sleep,
		newID:          newProcessID,
	}
	if c.defs == nil {
		c.defs = func(ctx context.Context, tok, defPath string) (*tooldef.Definition, error) {
			return tooldef.Load(ctx, opts.Storage, tok, defPath)
		}
	}
	if c.logger == nil {
		c.logger = telemetry.NewNoopLogger()
	}
	if c.metrics == nil {
		c.metrics = telemetry.NewNoopMetrics()
	}
	if c.tracer == nil {
		c.tracer = telemetry.NewNoopTracer()
	}
	if c.reconcileDelay == 0 {
		c.reconcileDelay = DefaultReconcileDelay
	}
	if c.noopDelay == 0 {
		c.noopDelay = DefaultNoopResponseDelay
	}
	if c.processTimeout == 0 {
		c.processTimeout = DefaultProcessTimeout
	}
	c.jitter = func() time.Duration {
		return arbitrationJitterMin + rand.N(arbitrationJitterMax-arbitrationJitterMin)
	}
	return c, nil
}

// SetClock overrides the coordinator's time source for tests.
func (c *Coordinator) SetClock(now func() time.Time) { c.now = now }

// SetSleep overrides the arbitration sleep for tests.
func (c *Coordinator) SetSleep(sleep func(time.Duration)) { c.sleep = sleep }

// SetIDSource overrides process id generation for tests.
func (c *Coordinator) SetIDSource(newID func() string) { c.newID = newID }

// HandleEvent dispatches one event to its handler under a span named after
// the event type. Unknown event types are ignored: the bus may carry leaf
// invocation events addressed to tool runtimes.
func (c *Coordinator) HandleEvent(ctx context.Context, ev events.Event) error {
	switch ev.Type {
	case events.TypeExecuteCompositeTool, events.TypeToolResponse, events.TypeParallelReconciliation:
	default:
		return nil
	}
	start := c.now()
	ctx, span := c.tracer.Start(ctx, ev.Type)
	defer span.End()
	var err error
	switch ev.Type {
	case events.TypeExecuteCompositeTool:
		var req events.ExecuteToolRequest
		if err = ev.DecodeBody(&req); err == nil {
			err = c.handleExecuteTool(ctx, req)
		}
	case events.TypeToolResponse:
		var resp events.ToolResponse
		if err = ev.DecodeBody(&resp); err == nil {
			err = c.handleToolResponse(ctx, resp)
		}
	case events.TypeParallelReconciliation:
		var rec events.ParallelReconciliation
		if err = ev.DecodeBody(&rec); err == nil {
			err = c.handleReconciliation(ctx, rec)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	c.metrics.IncCounter(telemetry.MetricEventsHandled, 1, "event_type", ev.Type)
	c.metrics.RecordTimer(telemetry.MetricHandlerDuration, c.now().Sub(start), "event_type", ev.Type)
	return err
}

// Run consumes events from the bus until the context is canceled. Handler
// errors are logged; consumption continues.
func (c *Coordinator) Run(ctx context.Context) error {
	ch, errs, cancel, err := c.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			if herr := c.HandleEvent(ctx, ev); herr != nil {
				c.logger.Error(ctx, "event handler failed", "event_type", ev.Type, "err", herr.Error())
			}
		case berr, ok := <-errs:
			if !ok {
				return nil
			}
			c.logger.Error(ctx, "bus error", "err", berr.Error())
		}
	}
}

// ownerOf extracts the owning entity from an execution token.
func (c *Coordinator) ownerOf(tok string) (string, error) {
	claims, err := c.signer.Verify(tok)
	if err != nil {
		return "", err
	}
	return claims.Entity, nil
}
