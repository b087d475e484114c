package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"goa.design/ratio/runtime/events"
	"goa.design/ratio/runtime/processes"
)

// ReconcileSweep runs the periodic reconciliation pass: it times out RUNNING
// processes older than the process timeout and resumes RUNNING parents whose
// children are all terminal. Both cases append an audit line to the process
// status message.
func (c *Coordinator) ReconcileSweep(ctx context.Context) error {
	if c.sysTok == nil {
		return errors.New("reconcile sweep requires a system token source")
	}
	tok, err := c.sysTok(ctx)
	if err != nil {
		return fmt.Errorf("system token: %w", err)
	}
	if err := c.sweepTimedOut(ctx, tok); err != nil {
		return err
	}
	return c.sweepStuckParents(ctx, tok)
}

// sweepTimedOut times out RUNNING processes older than the process timeout
// and reports the failure to their parents.
func (c *Coordinator) sweepTimedOut(ctx context.Context, tok string) error {
	cutoff := c.now().Add(-c.processTimeout)
	rows, err := c.procs.ListRunningBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, row := range rows {
		message := fmt.Sprintf("process timed out after %d minutes", int(c.processTimeout.Minutes()))
		_, changed, err := c.procs.Transition(ctx, row.ProcessID, processes.StatusTimedOut, message)
		if err != nil {
			return err
		}
		if !changed {
			continue
		}
		audit := fmt.Sprintf("reconciled: timed out at %s", c.now().UTC().Format(time.RFC3339))
		if err := c.procs.AppendStatusMessage(ctx, row.ProcessID, audit); err != nil {
			return err
		}
		c.logger.Warn(ctx, "process timed out", "process_id", row.ProcessID)
		if row.Root() {
			continue
		}
		ev, err := events.New(events.TypeToolResponse, events.ToolResponse{
			ParentProcessID: row.ParentProcessID,
			ProcessID:       row.ProcessID,
			Token:           tok,
			Status:          events.StatusFailure,
			Failure:         message,
		})
		if err != nil {
			return err
		}
		if err := c.bus.Publish(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// sweepStuckParents finds RUNNING parents whose children are all terminal
// and emits a synthetic completion event to resume their handlers.
func (c *Coordinator) sweepStuckParents(ctx context.Context, tok string) error {
	rows, err := c.procs.ListRunning(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		children, err := c.procs.ListByParent(ctx, row.ProcessID)
		if err != nil {
			return err
		}
		if len(children) == 0 {
			continue
		}
		var last *processes.Process
		stuck := true
		for _, child := range children {
			if !child.ExecutionStatus.Terminal() {
				stuck = false
				break
			}
			if child.ExecutionStatus == processes.StatusCompleted {
				last = child
			}
		}
		if !stuck || last == nil {
			continue
		}
		audit := fmt.Sprintf("reconciled: stuck parent at %s", c.now().UTC().Format(time.RFC3339))
		if err := c.procs.AppendStatusMessage(ctx, row.ProcessID, audit); err != nil {
			return err
		}
		c.logger.Warn(ctx, "resuming stuck parent", "process_id", row.ProcessID)
		ev, err := events.New(events.TypeToolResponse, events.ToolResponse{
			ParentProcessID: row.ProcessID,
			ProcessID:       last.ProcessID,
			Token:           tok,
			Status:          events.StatusSuccess,
			Response:        last.ResponsePath,
		})
		if err != nil {
			return err
		}
		if err := c.bus.Publish(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// Sweeper schedules ReconcileSweep on a cron expression.
type Sweeper struct {
	cron *cron.Cron
}

// NewSweeper starts nothing yet; call Start. The schedule uses the standard
// five-field cron syntax, e.g. "* * * * *" for every minute.
func NewSweeper(c *Coordinator, schedule string) (*Sweeper, error) {
	runner := cron.New()
	_, err := runner.AddFunc(schedule, func() {
		ctx := context.Background()
		if err := c.ReconcileSweep(ctx); err != nil {
			c.logger.Error(ctx, "reconcile sweep failed", "err", err.Error())
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}
	return &Sweeper{cron: runner}, nil
}

// Start begins running the sweep on its schedule.
func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts the schedule and returns after any in-flight sweep completes.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
