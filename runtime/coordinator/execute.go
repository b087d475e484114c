package coordinator

import (
	"context"
	"fmt"
	"path"

	"github.com/google/uuid"

	"goa.design/ratio/runtime/engine"
	"goa.design/ratio/runtime/events"
	"goa.design/ratio/runtime/processes"
	"goa.design/ratio/runtime/ratioerrors"
	"goa.design/ratio/runtime/schema"
	"goa.design/ratio/runtime/telemetry"
	"goa.design/ratio/storage"
	"goa.design/ratio/tooldef"
)

// inlineDefinitionFileName stores an instruction's inline definition in the
// child directory so composite children are always invoked by path.
const inlineDefinitionFileName = "tool_definition.json"

func newProcessID() string {
	return uuid.NewString()
}

// handleExecuteTool starts an execution: verify access, load the definition
// and arguments, construct and persist the engine, and schedule the first
// wave. Leaf definitions are forwarded to their system event endpoint.
func (c *Coordinator) handleExecuteTool(ctx context.Context, req events.ExecuteToolRequest) error {
	tok, err := c.tokens.CheckAndRefresh(req.Token)
	if err != nil {
		return c.failProcess(ctx, req.ProcessID, req.ParentProcessID, req.Token, fmt.Errorf("refresh token: %w", err))
	}
	proc, err := c.ensureProcess(ctx, req, tok)
	if err != nil {
		return err
	}
	if err := c.verifyExecuteAccess(ctx, tok, req); err != nil {
		return c.failProcess(ctx, proc.ProcessID, proc.ParentProcessID, tok, err)
	}
	def, err := c.defs(ctx, tok, req.ToolDefinitionPath)
	if err != nil {
		return c.failProcess(ctx, proc.ProcessID, proc.ParentProcessID, tok, err)
	}
	args := map[string]any{}
	if req.ArgumentsPath != "" {
		if err := storage.GetJSON(ctx, c.storage, tok, req.ArgumentsPath, &args); err != nil {
			return c.failProcess(ctx, proc.ProcessID, proc.ParentProcessID, tok, err)
		}
	}
	argSchema, err := schema.Compile(def.Arguments)
	if err != nil {
		return c.failProcess(ctx, proc.ProcessID, proc.ParentProcessID, tok, err)
	}
	args, err = argSchema.Validate(ctx, args)
	if err != nil {
		return c.failProcess(ctx, proc.ProcessID, proc.ParentProcessID, tok, err)
	}
	eng, err := engine.New(engine.Options{
		Storage:              c.storage,
		ProcessID:            proc.ProcessID,
		WorkingDirectory:     req.WorkingDirectory,
		Token:                tok,
		Arguments:            args,
		ArgumentDefinition:   def.Arguments,
		Instructions:         def.Instructions,
		SystemEventEndpoint:  def.SystemEventEndpoint,
		ResponseDefinition:   def.Responses,
		ResponseReferenceMap: def.ResponseReferenceMap,
		Definitions:          c.defs,
	})
	if err != nil {
		return c.failProcess(ctx, proc.ProcessID, proc.ParentProcessID, tok, err)
	}
	if _, err := eng.InitializePath(ctx); err != nil {
		return c.failProcess(ctx, proc.ProcessID, proc.ParentProcessID, tok, err)
	}
	c.metrics.IncCounter(telemetry.MetricProcessesStarted, 1)
	if !eng.Composite() {
		return c.invokeLeaf(ctx, eng, proc, req.ArgumentsPath, tok)
	}
	if err := c.scheduleWave(ctx, eng, proc, tok); err != nil {
		return c.failProcess(ctx, proc.ProcessID, proc.ParentProcessID, tok, err)
	}
	return nil
}

// ensureProcess returns the process row for an execute request, creating it
// when the request originates outside the coordinator (root submissions).
func (c *Coordinator) ensureProcess(ctx context.Context, req events.ExecuteToolRequest, tok string) (*processes.Process, error) {
	proc, err := c.procs.Get(ctx, req.ProcessID)
	if err == nil {
		return proc, nil
	}
	if err != processes.ErrNotFound {
		return nil, err
	}
	owner, oerr := c.ownerOf(tok)
	if oerr != nil {
		return nil, oerr
	}
	parent := req.ParentProcessID
	if parent == "" {
		parent = processes.SystemParent
	}
	proc = &processes.Process{
		ProcessID:        req.ProcessID,
		ParentProcessID:  parent,
		ProcessOwner:     owner,
		WorkingDirectory: req.WorkingDirectory,
		ArgumentsPath:    req.ArgumentsPath,
		ExecutionStatus:  processes.StatusRunning,
		StartedOn:        c.now().UTC(),
	}
	if cerr := c.procs.Create(ctx, proc); cerr != nil {
		return nil, cerr
	}
	return proc, nil
}

// verifyExecuteAccess checks read/write on the working directory and execute
// on the definition before any file is touched.
func (c *Coordinator) verifyExecuteAccess(ctx context.Context, tok string, req events.ExecuteToolRequest) error {
	ok, err := c.storage.ValidateFileAccess(ctx, tok, req.WorkingDirectory,
		[]string{storage.PermissionRead, storage.PermissionWrite})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: no read/write access to working directory %s", storage.ErrAccessDenied, req.WorkingDirectory)
	}
	ok, err = c.storage.ValidateFileAccess(ctx, tok, req.ToolDefinitionPath, []string{storage.PermissionExecute})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: no execute access to tool definition %s", storage.ErrAccessDenied, req.ToolDefinitionPath)
	}
	return nil
}

// invokeLeaf publishes a leaf engine's invocation on its system event
// endpoint. The leaf runtime writes its response to the engine's response
// path and answers with a tool response event.
func (c *Coordinator) invokeLeaf(ctx context.Context, eng *engine.Engine, proc *processes.Process, argsPath, tok string) error {
	body := events.SystemExecuteToolRequest{
		ProcessID:        proc.ProcessID,
		ParentProcessID:  proc.ParentProcessID,
		WorkingDirectory: proc.WorkingDirectory,
		ArgumentsPath:    argsPath,
		ResponsePath:     eng.ResponsePath(),
		Token:            tok,
	}
	ev, err := events.New(eng.SystemEventEndpoint(), body)
	if err != nil {
		return err
	}
	return c.bus.Publish(ctx, ev)
}

// scheduleWave repeatedly computes the ready set and schedules it: skipped
// instructions go through the no-op flow, executable instructions become
// child processes with staged arguments and a published invocation. When
// nothing is ready and nothing is running the parent is finished.
func (c *Coordinator) scheduleWave(ctx context.Context, eng *engine.Engine, parent *processes.Process, tok string) error {
	for {
		executable, skipped, err := eng.AvailableExecutions(ctx)
		if err != nil {
			return err
		}
		if len(executable) == 0 && len(skipped) == 0 {
			break
		}
		for _, id := range skipped {
			if err := c.skipInstruction(ctx, eng, parent, id, tok); err != nil {
				return err
			}
		}
		for _, id := range executable {
			if err := c.scheduleInstruction(ctx, eng, parent, id, tok); err != nil {
				return err
			}
		}
	}
	if eng.Running() == 0 {
		return c.finishParent(ctx, eng, parent, tok)
	}
	return nil
}

// scheduleInstruction expands one ready instruction into child processes and
// publishes their invocations. A parallel instruction over an empty source
// completes immediately with an empty aggregation.
func (c *Coordinator) scheduleInstruction(ctx context.Context, eng *engine.Engine, parent *processes.Process, id, tok string) error {
	specs, err := eng.ChildSpecs(ctx, id)
	if err != nil {
		return err
	}
	if len(specs) == 0 {
		return eng.InjectParallelResponse(id, []any{})
	}
	eng.MarkInProgress(id)
	for _, spec := range specs {
		if err := c.launchChild(ctx, eng, parent, spec, tok); err != nil {
			return err
		}
	}
	return nil
}

// launchChild stages one child execution: prepare its arguments, create its
// process row, and publish its invocation event.
func (c *Coordinator) launchChild(ctx context.Context, eng *engine.Engine, parent *processes.Process, spec engine.ChildSpec, tok string) error {
	def, err := eng.ResolveDefinition(ctx, spec.Instruction)
	if err != nil {
		return err
	}
	childID := c.newID()
	argsPath, err := eng.PrepareForExecution(ctx, childID, spec, def)
	if err != nil {
		return err
	}
	child := &processes.Process{
		ProcessID:        childID,
		ParentProcessID:  parent.ProcessID,
		ProcessOwner:     parent.ProcessOwner,
		WorkingDirectory: eng.Dir(),
		ArgumentsPath:    argsPath,
		ExecutionID:      spec.ExecutionID,
		ExecutionStatus:  processes.StatusRunning,
		StartedOn:        c.now().UTC(),
	}
	if err := c.procs.Create(ctx, child); err != nil {
		return err
	}
	c.logger.Info(ctx, "scheduled child execution",
		"process_id", childID, "parent_process_id", parent.ProcessID, "execution_id", spec.ExecutionID)
	if def.Composite() {
		return c.publishCompositeChild(ctx, eng, child, spec, def, argsPath, tok)
	}
	body := events.SystemExecuteToolRequest{
		ProcessID:        childID,
		ParentProcessID:  parent.ProcessID,
		WorkingDirectory: eng.Dir(),
		ArgumentsPath:    argsPath,
		ResponsePath:     eng.ChildResponsePath(childID),
		Token:            tok,
	}
	ev, err := events.New(def.SystemEventEndpoint, body)
	if err != nil {
		return err
	}
	return c.bus.Publish(ctx, ev)
}

// publishCompositeChild publishes an execute event for a composite child.
// Inline definitions are written to the child directory first so the child
// handler always loads by path.
func (c *Coordinator) publishCompositeChild(ctx context.Context, eng *engine.Engine, child *processes.Process, spec engine.ChildSpec, def *tooldef.Definition, argsPath, tok string) error {
	defPath := spec.Instruction.ToolDefinitionPath
	if defPath == "" {
		defPath = path.Join(eng.ChildDir(child.ProcessID), inlineDefinitionFileName)
		if err := storage.PutJSON(ctx, c.storage, tok, defPath, storage.FileTypeAgentIO, def); err != nil {
			return err
		}
	}
	body := events.ExecuteToolRequest{
		ArgumentsPath:      argsPath,
		ToolDefinitionPath: defPath,
		ParentProcessID:    child.ParentProcessID,
		ProcessID:          child.ProcessID,
		Token:              tok,
		WorkingDirectory:   eng.Dir(),
	}
	ev, err := events.New(events.TypeExecuteCompositeTool, body)
	if err != nil {
		return err
	}
	return c.bus.Publish(ctx, ev)
}

// skipInstruction runs the no-op flow for an instruction whose conditions
// evaluated false: create a SKIPPED child, stage its rendered arguments,
// synthesize a null-typed response file, complete it in the engine, and
// publish a delayed synthetic response event.
func (c *Coordinator) skipInstruction(ctx context.Context, eng *engine.Engine, parent *processes.Process, id, tok string) error {
	inst, err := eng.Instruction(id)
	if err != nil {
		return err
	}
	def, err := eng.ResolveDefinition(ctx, inst)
	if err != nil {
		return err
	}
	childID := c.newID()
	spec := engine.ChildSpec{ExecutionID: id, Instruction: inst, Arguments: inst.Arguments}
	argsPath, err := eng.PrepareForExecution(ctx, childID, spec, def)
	if err != nil {
		return err
	}
	started := c.now().UTC()
	child := &processes.Process{
		ProcessID:        childID,
		ParentProcessID:  parent.ProcessID,
		ProcessOwner:     parent.ProcessOwner,
		WorkingDirectory: eng.Dir(),
		ArgumentsPath:    argsPath,
		ExecutionID:      id,
		ExecutionStatus:  processes.StatusSkipped,
		StartedOn:        started,
		EndedOn:          &started,
		StatusMessage:    "conditions evaluated false",
	}
	responsePath := ""
	if body, ok := engine.NullResponseBody(def); ok {
		responsePath = eng.ChildResponsePath(childID)
		if err := storage.PutJSON(ctx, c.storage, tok, responsePath, storage.FileTypeAgentIO, body); err != nil {
			return err
		}
		child.ResponsePath = responsePath
	}
	if err := c.procs.Create(ctx, child); err != nil {
		return err
	}
	if err := eng.MarkSkipped(id, def); err != nil {
		return err
	}
	c.logger.Info(ctx, "skipped execution",
		"process_id", childID, "parent_process_id", parent.ProcessID, "execution_id", id)
	ev, err := events.New(events.TypeToolResponse, events.ToolResponse{
		ParentProcessID: parent.ProcessID,
		ProcessID:       childID,
		Token:           tok,
		Status:          events.StatusSuccess,
		Response:        responsePath,
	})
	if err != nil {
		return err
	}
	return c.bus.Publish(ctx, ev, events.WithDelay(c.noopDelay))
}

// finishParent closes the engine, marks the parent COMPLETED, and notifies
// its own parent when it is not the root.
func (c *Coordinator) finishParent(ctx context.Context, eng *engine.Engine, parent *processes.Process, tok string) error {
	respPath, err := eng.Close(ctx)
	if err != nil {
		return err
	}
	if respPath != "" {
		if err := c.procs.SetResponsePath(ctx, parent.ProcessID, respPath); err != nil {
			return err
		}
	}
	_, changed, err := c.procs.Transition(ctx, parent.ProcessID, processes.StatusCompleted, "")
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	c.metrics.IncCounter(telemetry.MetricProcessesCompleted, 1)
	c.logger.Info(ctx, "process completed", "process_id", parent.ProcessID, "response_path", respPath)
	if parent.Root() {
		return nil
	}
	ev, err := events.New(events.TypeToolResponse, events.ToolResponse{
		ParentProcessID: parent.ParentProcessID,
		ProcessID:       parent.ProcessID,
		Token:           tok,
		Status:          events.StatusSuccess,
		Response:        respPath,
	})
	if err != nil {
		return err
	}
	return c.bus.Publish(ctx, ev)
}

// failProcess closes a process FAILED and reports the failure to its parent
// once. Errors already terminal are left untouched. The cause is classified
// into the platform error taxonomy: caller-fault failures log at warning,
// everything else at error, and the failure counter carries the bucket.
func (c *Coordinator) failProcess(ctx context.Context, processID, parentProcessID, tok string, cause error) error {
	kind := ratioerrors.Classify(cause)
	if ratioerrors.UserError(cause) {
		c.logger.Warn(ctx, "process failed",
			"process_id", processID, "error_kind", string(kind), "err", cause.Error())
	} else {
		c.logger.Error(ctx, "process failed",
			"process_id", processID, "error_kind", string(kind), "err", cause.Error())
	}
	_, changed, err := c.procs.Transition(ctx, processID, processes.StatusFailed, cause.Error())
	if err != nil && err != processes.ErrNotFound {
		return err
	}
	if !changed {
		return nil
	}
	c.metrics.IncCounter(telemetry.MetricProcessesFailed, 1, "error_kind", string(kind))
	if parentProcessID == "" || parentProcessID == processes.SystemParent {
		return nil
	}
	ev, eerr := events.New(events.TypeToolResponse, events.ToolResponse{
		ParentProcessID: parentProcessID,
		ProcessID:       processID,
		Token:           tok,
		Status:          events.StatusFailure,
		Failure:         cause.Error(),
	})
	if eerr != nil {
		return eerr
	}
	return c.bus.Publish(ctx, ev)
}
