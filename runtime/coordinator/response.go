package coordinator

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"

	"goa.design/ratio/runtime/engine"
	"goa.design/ratio/runtime/events"
	"goa.design/ratio/runtime/processes"
	"goa.design/ratio/runtime/ratioerrors"
	"goa.design/ratio/runtime/telemetry"
	"goa.design/ratio/storage"
)

// handleToolResponse consumes a completion or failure report for one child:
// close the child, reload the parent's engine, rebuild its progress from the
// process table, and schedule whatever became ready. Parallel siblings go
// through join arbitration before the parent resumes.
func (c *Coordinator) handleToolResponse(ctx context.Context, resp events.ToolResponse) error {
	tok, err := c.tokens.CheckAndRefresh(resp.Token)
	if err != nil {
		return c.failProcess(ctx, resp.ProcessID, resp.ParentProcessID, resp.Token, fmt.Errorf("refresh token: %w", err))
	}
	responder, err := c.procs.Get(ctx, resp.ProcessID)
	if err != nil {
		if err == processes.ErrNotFound {
			c.logger.Warn(ctx, "response for unknown process", "process_id", resp.ProcessID)
			return nil
		}
		return err
	}
	if resp.Status != events.StatusSuccess {
		return c.handleFailureResponse(ctx, responder, resp, tok)
	}
	if resp.Response != "" && responder.ResponsePath == "" {
		if err := c.procs.SetResponsePath(ctx, responder.ProcessID, resp.Response); err != nil {
			return err
		}
		responder.ResponsePath = resp.Response
	}
	if _, _, err := c.procs.Transition(ctx, responder.ProcessID, processes.StatusCompleted, ""); err != nil {
		return err
	}
	if responder.Root() {
		// A leaf root finished; there is no parent engine to resume.
		c.metrics.IncCounter(telemetry.MetricProcessesCompleted, 1)
		return nil
	}
	parent, err := c.procs.Get(ctx, responder.ParentProcessID)
	if err != nil {
		if err == processes.ErrNotFound {
			c.logger.Warn(ctx, "response for orphaned process", "process_id", resp.ProcessID)
			return nil
		}
		return err
	}
	if parent.ExecutionStatus.Terminal() {
		// Late response after the parent closed; observe and discard.
		c.logger.Debug(ctx, "discarding late response",
			"process_id", responder.ProcessID, "parent_process_id", parent.ProcessID)
		return nil
	}
	eng, err := engine.Load(ctx, c.storage, tok, parent.ProcessID, parent.WorkingDirectory)
	if err != nil {
		return c.failProcess(ctx, parent.ProcessID, parent.ParentProcessID, tok, err)
	}
	children, err := c.procs.ListByParent(ctx, parent.ProcessID)
	if err != nil {
		return err
	}
	if base, _, ok := engine.ParallelMember(responder.ExecutionID); ok {
		proceed, err := c.joinParallel(ctx, eng, parent, children, base, tok)
		if err != nil || !proceed {
			return err
		}
	}
	return c.resumeParent(ctx, eng, parent, children, tok)
}

// handleFailureResponse closes the failing child and surfaces the failure to
// its parent exactly once.
func (c *Coordinator) handleFailureResponse(ctx context.Context, responder *processes.Process, resp events.ToolResponse, tok string) error {
	message := resp.Failure
	if message == "" {
		message = "tool execution failed"
	}
	if _, changed, err := c.procs.Transition(ctx, responder.ProcessID, processes.StatusFailed, message); err != nil {
		return err
	} else if changed {
		c.metrics.IncCounter(telemetry.MetricProcessesFailed, 1)
	}
	if responder.Root() {
		return nil
	}
	parent, err := c.procs.Get(ctx, responder.ParentProcessID)
	if err != nil {
		if err == processes.ErrNotFound {
			return nil
		}
		return err
	}
	if parent.ExecutionStatus.Terminal() {
		return nil
	}
	cause := &ratioerrors.ErrToolExecutionFailed{Message: message}
	return c.failProcess(ctx, parent.ProcessID, parent.ParentProcessID, tok, cause)
}

// joinParallel decides whether the current handler may resume the parent
// after a sibling of a parallel group completed. It reports false when
// another event will drive the group or another handler won arbitration.
func (c *Coordinator) joinParallel(ctx context.Context, eng *engine.Engine, parent *processes.Process, children []*processes.Process, base, tok string) (bool, error) {
	var siblings []*processes.Process
	for _, child := range children {
		if b, _, ok := engine.ParallelMember(child.ExecutionID); ok && b == base {
			siblings = append(siblings, child)
		}
	}
	nonTerminal := 0
	for _, sib := range siblings {
		switch sib.ExecutionStatus {
		case processes.StatusFailed, processes.StatusTimedOut, processes.StatusTerminated:
			cause := &ratioerrors.ErrToolExecutionFailed{Message: sib.StatusMessage}
			return false, c.failProcess(ctx, parent.ProcessID, parent.ParentProcessID, tok, cause)
		default:
			if !sib.ExecutionStatus.Terminal() {
				nonTerminal++
			}
		}
	}
	if nonTerminal > 0 {
		if nonTerminal == 1 {
			// Defend against the last sibling's response getting lost.
			ev, err := events.New(events.TypeParallelReconciliation, events.ParallelReconciliation{
				ParentProcessID:     parent.ProcessID,
				OriginalExecutionID: base,
				Token:               tok,
			})
			if err != nil {
				return false, err
			}
			return false, c.bus.Publish(ctx, ev, events.WithDelay(c.reconcileDelay))
		}
		return false, nil
	}
	return c.arbitrate(ctx, eng, base, tok)
}

// arbitrate runs the last-write-wins lock protocol: write a fresh nonce to
// the group's lock file, sleep a jittered interval, read it back. The
// handler whose nonce survived owns the follow-up work.
func (c *Coordinator) arbitrate(ctx context.Context, eng *engine.Engine, base, tok string) (bool, error) {
	nonce := uuid.NewString()
	lockPath := eng.LockPath(base)
	if err := storage.EnsureFile(ctx, c.storage, tok, lockPath, storage.FileTypeAgentIO); err != nil {
		return false, err
	}
	if _, err := c.storage.PutFileVersion(ctx, tok, storage.PutFileVersionRequest{
		FilePath: lockPath,
		Data:     nonce,
	}); err != nil {
		return false, err
	}
	c.sleep(c.jitter())
	content, err := c.storage.GetFileVersion(ctx, tok, storage.GetFileVersionRequest{FilePath: lockPath})
	if err != nil {
		return false, err
	}
	data := content.Data
	if content.Base64Encoded {
		decoded, derr := base64.StdEncoding.DecodeString(content.Data)
		if derr != nil {
			return false, fmt.Errorf("read lock %s: %w", lockPath, derr)
		}
		data = string(decoded)
	}
	won := data == nonce
	c.logger.Debug(ctx, "parallel join arbitration",
		"base", base, "won", won)
	return won, nil
}

// resumeParent rebuilds the parent engine's progress from the process table
// and schedules the next wave. A child found terminally failed during the
// rebuild fails the parent instead: failure events are delivered at least
// once but the sweep may close a child first, and a failed instruction must
// never run again.
func (c *Coordinator) resumeParent(ctx context.Context, eng *engine.Engine, parent *processes.Process, children []*processes.Process, tok string) error {
	if err := eng.RebuildProgress(ctx, children); err != nil {
		return c.failProcess(ctx, parent.ProcessID, parent.ParentProcessID, tok, err)
	}
	if id, msg, failed := eng.FailedExecution(); failed {
		if msg == "" {
			msg = "tool execution failed"
		}
		c.logger.Warn(ctx, "failed child found on resume",
			"process_id", parent.ProcessID, "execution_id", id)
		cause := &ratioerrors.ErrToolExecutionFailed{Message: msg}
		return c.failProcess(ctx, parent.ProcessID, parent.ParentProcessID, tok, cause)
	}
	if err := c.scheduleWave(ctx, eng, parent, tok); err != nil {
		return c.failProcess(ctx, parent.ProcessID, parent.ParentProcessID, tok, err)
	}
	return nil
}

// handleReconciliation re-checks a parallel group after the delayed defense
// event fires. If the group completed in the meantime the surviving handler
// resumes the parent; otherwise the periodic sweep will deal with it.
func (c *Coordinator) handleReconciliation(ctx context.Context, rec events.ParallelReconciliation) error {
	tok, err := c.tokens.CheckAndRefresh(rec.Token)
	if err != nil {
		return c.failProcess(ctx, rec.ParentProcessID, "", rec.Token, fmt.Errorf("refresh token: %w", err))
	}
	parent, err := c.procs.Get(ctx, rec.ParentProcessID)
	if err != nil {
		if err == processes.ErrNotFound {
			return nil
		}
		return err
	}
	if parent.ExecutionStatus.Terminal() {
		return nil
	}
	eng, err := engine.Load(ctx, c.storage, tok, parent.ProcessID, parent.WorkingDirectory)
	if err != nil {
		return c.failProcess(ctx, parent.ProcessID, parent.ParentProcessID, tok, err)
	}
	children, err := c.procs.ListByParent(ctx, parent.ProcessID)
	if err != nil {
		return err
	}
	proceed, err := c.joinParallel(ctx, eng, parent, children, rec.OriginalExecutionID, tok)
	if err != nil || !proceed {
		return err
	}
	return c.resumeParent(ctx, eng, parent, children, tok)
}
