package engine

import (
	"context"
	"fmt"
	"sort"

	"goa.design/ratio/runtime/processes"
	"goa.design/ratio/runtime/refs"
	"goa.design/ratio/runtime/schema"
	"goa.design/ratio/storage"
	"goa.design/ratio/tooldef"
)

// ChildSpec describes one child execution to schedule: a plain instruction
// yields a single spec under its own execution id; a parallel instruction
// yields one spec per element of its iteration source, each with the element
// injected under the instruction's declared child argument name.
type ChildSpec struct {
	// ExecutionID is the child's id: the instruction id, or "<base>[i]"
	// for parallel siblings.
	ExecutionID string
	// Instruction is the owning instruction.
	Instruction *tooldef.Instruction
	// Arguments are the child's provided arguments before resolution.
	Arguments map[string]any
}

// ChildSpecs expands an execution id into the child executions to schedule.
// Parallel instructions resolve their iteration source here; a zero-length
// source yields no specs and the caller completes the group immediately with
// an empty list.
func (e *Engine) ChildSpecs(ctx context.Context, executionID string) ([]ChildSpec, error) {
	inst, ok := e.byID[executionID]
	if !ok {
		return nil, fmt.Errorf("unknown execution id %q", executionID)
	}
	if inst.ParallelExecution == nil {
		return []ChildSpec{{ExecutionID: executionID, Instruction: inst, Arguments: inst.Arguments}}, nil
	}
	items, err := e.parallelSource(ctx, inst)
	if err != nil {
		return nil, err
	}
	specs := make([]ChildSpec, len(items))
	for i, item := range items {
		args := make(map[string]any, len(inst.Arguments)+1)
		for k, v := range inst.Arguments {
			args[k] = v
		}
		args[inst.ParallelExecution.ChildArgumentName] = item
		specs[i] = ChildSpec{
			ExecutionID: ParallelMemberID(executionID, i),
			Instruction: inst,
			Arguments:   args,
		}
	}
	return specs, nil
}

// parallelSource resolves the iteration source of a parallel instruction to
// a list.
func (e *Engine) parallelSource(ctx context.Context, inst *tooldef.Instruction) ([]any, error) {
	src := inst.ParallelExecution.IterateOver
	resolved, err := e.resolver.ResolveAny(ctx, src, e.token)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return nil, nil
	}
	items, ok := resolved.([]any)
	if !ok {
		return nil, &schema.InvalidObjectSchemaError{
			Path:   inst.ExecutionID,
			Reason: fmt.Sprintf("parallel iteration source resolved to %T, want list", resolved),
		}
	}
	return items, nil
}

// PrepareForExecution renders a child's arguments and stages them in the
// child's directory: resolve every reference, apply the optional argument
// transform, validate against the child definition's argument schema, and
// write arguments.aio. It returns the arguments path.
func (e *Engine) PrepareForExecution(ctx context.Context, childProcessID string, spec ChildSpec, def *tooldef.Definition) (string, error) {
	sch, err := schema.Compile(def.Arguments)
	if err != nil {
		return "", err
	}
	resolved, err := e.resolver.ResolveAny(ctx, spec.Arguments, e.token)
	if err != nil {
		return "", err
	}
	body, _ := resolved.(map[string]any)
	if body == nil {
		body = map[string]any{}
	}
	if len(spec.Instruction.TransformArguments) > 0 {
		body, err = e.transforms.Apply(ctx, spec.Instruction.TransformArguments, body)
		if err != nil {
			return "", err
		}
	}
	validated, err := sch.Validate(ctx, body)
	if err != nil {
		return "", err
	}
	if err := storage.EnsureDirectory(ctx, e.storage, e.token, e.ChildDir(childProcessID)); err != nil {
		return "", err
	}
	argsPath := e.ChildArgumentsPath(childProcessID)
	if err := storage.PutJSON(ctx, e.storage, e.token, argsPath, storage.FileTypeAgentIO, validated); err != nil {
		return "", err
	}
	return argsPath, nil
}

// MarkCompleted loads a child's response file, validates it against the
// declared responses, and stores each declared field under the child's
// execution id with its declared type. It is idempotent: a second call for
// an id whose responses are already stored is a no-op.
func (e *Engine) MarkCompleted(ctx context.Context, executionID string, def *tooldef.Definition, responsePath string) error {
	if e.store.HasResponses(executionID) {
		e.finish(executionID)
		return nil
	}
	inst, err := e.Instruction(executionID)
	if err != nil {
		return err
	}
	var body map[string]any
	if responsePath != "" {
		if err := storage.GetJSON(ctx, e.storage, e.token, responsePath, &body); err != nil {
			return fmt.Errorf("load response %s: %w", responsePath, err)
		}
	}
	if body == nil {
		body = map[string]any{}
	}
	if len(inst.TransformResponses) > 0 {
		body, err = e.transforms.Apply(ctx, inst.TransformResponses, body)
		if err != nil {
			return err
		}
	}
	sch, err := schema.Compile(def.Responses)
	if err != nil {
		return err
	}
	validated, err := sch.Validate(ctx, body)
	if err != nil {
		return err
	}
	fields := make(map[string]refs.Value, len(def.Responses))
	for _, attr := range def.Responses {
		val, err := refs.New(attr.TypeName, validated[attr.Name])
		if err != nil {
			return &schema.InvalidObjectSchemaError{Path: attr.Name, Reason: err.Error()}
		}
		fields[attr.Name] = val
	}
	e.store.PutResponses(executionID, fields)
	e.finish(executionID)
	return nil
}

// MarkSkipped stores a type-appropriate null for every declared response of
// a skipped execution and completes it.
func (e *Engine) MarkSkipped(executionID string, def *tooldef.Definition) error {
	fields := make(map[string]refs.Value, len(def.Responses))
	for _, attr := range def.Responses {
		val, err := refs.New(attr.TypeName, refs.Null(attr.TypeName))
		if err != nil {
			return err
		}
		fields[attr.Name] = val
	}
	e.store.PutResponses(executionID, fields)
	e.finish(executionID)
	return nil
}

// NullResponseBody builds the synthetic response body for a skipped
// execution: every declared response field set to its type's null. It
// reports false when the definition declares no responses and no file should
// be written.
func NullResponseBody(def *tooldef.Definition) (map[string]any, bool) {
	if len(def.Responses) == 0 {
		return nil, false
	}
	body := make(map[string]any, len(def.Responses))
	for _, attr := range def.Responses {
		body[attr.Name] = refs.Null(attr.TypeName)
	}
	return body, true
}

// InjectParallelResponse stores the aggregated sibling responses of a
// parallel group as a list under "<base>.response" and completes the base.
func (e *Engine) InjectParallelResponse(baseID string, items []any) error {
	val, err := refs.New(refs.KindList, items)
	if err != nil {
		return err
	}
	e.store.PutResponses(baseID, map[string]refs.Value{"response": val})
	e.finish(baseID)
	return nil
}

// AggregateParallel reads each terminal sibling's response file in index
// order and returns the ordered aggregated list. Skipped siblings and
// siblings without a response file contribute nil.
func (e *Engine) AggregateParallel(ctx context.Context, baseID string, siblings []*processes.Process) ([]any, error) {
	ordered := make([]*processes.Process, len(siblings))
	copy(ordered, siblings)
	sort.Slice(ordered, func(i, j int) bool {
		_, a, _ := ParallelMember(ordered[i].ExecutionID)
		_, b, _ := ParallelMember(ordered[j].ExecutionID)
		return a < b
	})
	out := make([]any, len(ordered))
	for i, sib := range ordered {
		if sib.ResponsePath == "" {
			out[i] = nil
			continue
		}
		var body map[string]any
		if err := storage.GetJSON(ctx, e.storage, e.token, sib.ResponsePath, &body); err != nil {
			return nil, fmt.Errorf("aggregate %s: %w", sib.ExecutionID, err)
		}
		out[i] = body
	}
	return out, nil
}

// RebuildProgress reconstructs the in-progress and completed sets from the
// process table rows of the engine's children. Completed children have their
// responses reloaded into the reference store; parallel groups whose
// siblings are all terminal are re-aggregated so downstream references
// resolve on every reload.
func (e *Engine) RebuildProgress(ctx context.Context, children []*processes.Process) error {
	groups := make(map[string][]*processes.Process)
	for _, child := range children {
		if child.ExecutionID == "" {
			continue
		}
		if base, _, ok := ParallelMember(child.ExecutionID); ok {
			groups[base] = append(groups[base], child)
			continue
		}
		if err := e.rebuildSingle(ctx, child); err != nil {
			return err
		}
	}
	for base, siblings := range groups {
		if err := e.rebuildGroup(ctx, base, siblings); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) rebuildSingle(ctx context.Context, child *processes.Process) error {
	inst, err := e.Instruction(child.ExecutionID)
	if err != nil {
		return err
	}
	switch child.ExecutionStatus {
	case processes.StatusRunning:
		e.MarkInProgress(child.ExecutionID)
	case processes.StatusCompleted:
		def, err := e.ResolveDefinition(ctx, inst)
		if err != nil {
			return err
		}
		return e.MarkCompleted(ctx, child.ExecutionID, def, child.ResponsePath)
	case processes.StatusSkipped:
		def, err := e.ResolveDefinition(ctx, inst)
		if err != nil {
			return err
		}
		return e.MarkSkipped(child.ExecutionID, def)
	case processes.StatusFailed, processes.StatusTimedOut, processes.StatusTerminated:
		// A terminally failed child is held so the ready set never offers
		// its instruction again; the caller fails the parent.
		e.markFailed(child.ExecutionID, child.StatusMessage)
	}
	return nil
}

func (e *Engine) rebuildGroup(ctx context.Context, base string, siblings []*processes.Process) error {
	allDone := true
	for _, sib := range siblings {
		if !sib.ExecutionStatus.Terminal() {
			allDone = false
		}
		if sib.ExecutionStatus == processes.StatusFailed ||
			sib.ExecutionStatus == processes.StatusTimedOut ||
			sib.ExecutionStatus == processes.StatusTerminated {
			// The group failed; hold the base so it is never re-expanded
			// and let the caller fail the parent.
			e.markFailed(base, sib.StatusMessage)
			return nil
		}
	}
	if !allDone {
		e.MarkInProgress(base)
		return nil
	}
	items, err := e.AggregateParallel(ctx, base, siblings)
	if err != nil {
		return err
	}
	return e.InjectParallelResponse(base, items)
}

func (e *Engine) finish(executionID string) {
	delete(e.inProgress, executionID)
	if _, _, ok := ParallelMember(executionID); ok {
		// Sibling completion does not complete the logical base; the join
		// aggregation does.
		return
	}
	e.completed[executionID] = true
}
