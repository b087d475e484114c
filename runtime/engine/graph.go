package engine

import (
	"context"
	"regexp"
	"strconv"

	"goa.design/ratio/runtime/condition"
	"goa.design/ratio/runtime/refs"
)

// parallelMemberPattern matches synthetic parallel sibling ids "<base>[i]".
var parallelMemberPattern = regexp.MustCompile(`^(.+)\[(\d+)\]$`)

// ParallelMember splits a synthetic sibling id into its base id and index.
func ParallelMember(executionID string) (base string, index int, ok bool) {
	m := parallelMemberPattern.FindStringSubmatch(executionID)
	if m == nil {
		return "", 0, false
	}
	i, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false
	}
	return m[1], i, true
}

// ParallelMemberID builds the synthetic sibling id for one fan-out index.
func ParallelMemberID(base string, index int) string {
	return base + "[" + strconv.Itoa(index) + "]"
}

// buildGraph computes the dependency sets: for each instruction, every
// reference base found in its arguments, conditions, parallel spec, and
// transform blocks that names another instruction, unioned with its explicit
// dependencies.
func (e *Engine) buildGraph() {
	e.deps = make(map[string]map[string]bool, len(e.order))
	for _, id := range e.order {
		inst := e.byID[id]
		bases := make(map[string]bool)
		collectBases(inst.Arguments, bases)
		collectConditionBases(inst.Conditions, bases)
		if inst.ParallelExecution != nil {
			collectBases(inst.ParallelExecution.IterateOver, bases)
		}
		collectBases(inst.TransformArguments, bases)
		collectBases(inst.TransformResponses, bases)
		set := make(map[string]bool)
		for base := range bases {
			if base == refs.BaseArguments || base == "execution" || base == "self" || base == id {
				continue
			}
			if _, ok := e.byID[base]; ok {
				set[base] = true
			}
		}
		for _, dep := range inst.Dependencies {
			if dep != id {
				set[dep] = true
			}
		}
		e.deps[id] = set
	}
}

// collectBases walks an arbitrary value and records the base of every
// reference expression found in it.
func collectBases(v any, into map[string]bool) {
	switch tv := v.(type) {
	case string:
		if base, ok := refs.BaseOf(tv); ok {
			into[base] = true
		}
	case map[string]any:
		for _, elem := range tv {
			collectBases(elem, into)
		}
	case []any:
		for _, elem := range tv {
			collectBases(elem, into)
		}
	}
}

func collectConditionBases(nodes []condition.Node, into map[string]bool) {
	for _, n := range nodes {
		if n.Group != nil {
			collectConditionBases(n.Group.Conditions, into)
			continue
		}
		if n.Cond != nil {
			collectBases(n.Cond.Param, into)
			collectBases(n.Cond.Value, into)
		}
	}
}

// Dependencies returns the dependency set of an execution id. Exposed for
// introspection and tests.
func (e *Engine) Dependencies(executionID string) []string {
	set := e.deps[executionID]
	out := make([]string, 0, len(set))
	for _, id := range e.order {
		if set[id] {
			out = append(out, id)
		}
	}
	return out
}

// MarkInProgress records that an execution id has been scheduled.
func (e *Engine) MarkInProgress(executionID string) {
	if base, _, ok := ParallelMember(executionID); ok {
		executionID = base
	}
	if !e.completed[executionID] {
		e.inProgress[executionID] = true
	}
}

// markFailed records a terminally failed execution id. The id is held in the
// in-progress set so the ready set never offers it again; callers surface the
// failure through FailedExecution.
func (e *Engine) markFailed(executionID, message string) {
	e.failed[executionID] = message
	e.inProgress[executionID] = true
}

// Running reports how many instructions are currently in progress.
func (e *Engine) Running() int { return len(e.inProgress) }

// Completed reports whether an execution id has completed.
func (e *Engine) Completed(executionID string) bool { return e.completed[executionID] }

// FailedExecution returns the first terminally failed execution id in
// declaration order with its status message. It reports false when no rebuilt
// child failed, timed out, or was terminated.
func (e *Engine) FailedExecution() (executionID, message string, ok bool) {
	for _, id := range e.order {
		if msg, found := e.failed[id]; found {
			return id, msg, true
		}
	}
	return "", "", false
}

// AvailableExecutions returns the instructions ready to run and those to be
// skipped. An instruction is ready when it is neither in progress nor
// completed and all its dependencies are completed; it is skipped instead of
// executed when its conditions evaluate false. Both lists preserve
// declaration order.
func (e *Engine) AvailableExecutions(ctx context.Context) (executable, skipped []string, err error) {
	for _, id := range e.readySet() {
		inst := e.byID[id]
		if len(inst.Conditions) > 0 {
			ok, cerr := condition.EvaluateAll(ctx, inst.Conditions, e.resolveOperand)
			if cerr != nil {
				return nil, nil, cerr
			}
			if !ok {
				skipped = append(skipped, id)
				continue
			}
		}
		executable = append(executable, id)
	}
	return executable, skipped, nil
}

// readySet scans the instruction list for ids that are neither in progress
// nor completed and whose dependencies are all completed. A straight scan in
// declaration order, not a topological sort: instructions may be pruned by
// their conditions as they become ready.
func (e *Engine) readySet() []string {
	var out []string
	for _, id := range e.order {
		if e.inProgress[id] || e.completed[id] {
			continue
		}
		ready := true
		for dep := range e.deps[id] {
			if !e.completed[dep] {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, id)
		}
	}
	return out
}

// resolveOperand resolves condition operands: reference expressions go
// through the resolver, everything else passes through unchanged.
func (e *Engine) resolveOperand(ctx context.Context, v any) (any, error) {
	s, ok := v.(string)
	if !ok || !refs.IsRef(s) {
		return v, nil
	}
	return e.resolver.Resolve(ctx, s, e.token)
}
