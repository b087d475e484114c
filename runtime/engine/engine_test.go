package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"goa.design/ratio/runtime/condition"
	"goa.design/ratio/runtime/processes"
	"goa.design/ratio/runtime/refs"
	"goa.design/ratio/runtime/schema"
	"goa.design/ratio/storage/storagetest"
	"goa.design/ratio/tooldef"
)

// defsFor returns a DefinitionLoader answering from a fixed path map.
func defsFor(defs map[string]*tooldef.Definition) DefinitionLoader {
	return func(_ context.Context, _ string, defPath string) (*tooldef.Definition, error) {
		def, ok := defs[defPath]
		if !ok {
			return nil, tooldef.ErrMissingDefinition
		}
		return def, nil
	}
}

func TestNewRejectsInvalidState(t *testing.T) {
	store := storagetest.New()
	var serr *schema.InvalidObjectSchemaError

	_, err := New(Options{
		Storage:             store,
		ProcessID:           "p",
		WorkingDirectory:    "/wd",
		SystemEventEndpoint: "tool::x",
		Instructions:        []*tooldef.Instruction{{ExecutionID: "a", ToolDefinitionPath: "/a.json"}},
	})
	require.ErrorAs(t, err, &serr)

	_, err = New(Options{
		Storage:          store,
		ProcessID:        "p",
		WorkingDirectory: "/wd",
		Instructions: []*tooldef.Instruction{
			{ExecutionID: "a", ToolDefinitionPath: "/a.json"},
			{ExecutionID: "a", ToolDefinitionPath: "/b.json"},
		},
	})
	require.ErrorAs(t, err, &serr)

	_, err = New(Options{
		Storage:            store,
		ProcessID:          "p",
		WorkingDirectory:   "/wd",
		Instructions:       []*tooldef.Instruction{{ExecutionID: "a", ToolDefinitionPath: "/a.json"}},
		ResponseDefinition: []schema.AttributeDef{{Name: "out", TypeName: refs.KindString, Required: true}},
	})
	require.ErrorAs(t, err, &serr, "response definition requires a reference map")

	_, err = New(Options{
		Storage:            store,
		ProcessID:          "p",
		WorkingDirectory:   "/wd",
		Instructions:       []*tooldef.Instruction{{ExecutionID: "a", ToolDefinitionPath: "/a.json"}},
		ResponseDefinition: []schema.AttributeDef{{Name: "out", TypeName: refs.KindString, Required: true}},
		ResponseReferenceMap: map[string]any{
			"other": "REF:a.x",
		},
	})
	require.ErrorAs(t, err, &serr, "required response keys must appear in the map")
}

func TestPaths(t *testing.T) {
	e, err := New(Options{
		Storage:          storagetest.New(),
		ProcessID:        "p1",
		WorkingDirectory: "/home/alice/wd",
		Instructions:     []*tooldef.Instruction{{ExecutionID: "a", ToolDefinitionPath: "/a.json"}},
	})
	require.NoError(t, err)
	require.Equal(t, "/home/alice/wd/agent_exec-p1", e.Dir())
	require.Equal(t, "/home/alice/wd/agent_exec-p1/agent_exec-c1", e.ChildDir("c1"))
	require.Equal(t, "/home/alice/wd/agent_exec-p1/agent_exec-c1/arguments.aio", e.ChildArgumentsPath("c1"))
	require.Equal(t, "/home/alice/wd/agent_exec-p1/agent_exec-c1/response.aio", e.ChildResponsePath("c1"))
	require.Equal(t, "/home/alice/wd/agent_exec-p1/parallel_completion_fan.lock", e.LockPath("fan"))
	require.Equal(t, "/home/alice/wd/agent_exec-p1/response.aio", e.ResponsePath())
}

func TestParallelMember(t *testing.T) {
	base, i, ok := ParallelMember("fan[3]")
	require.True(t, ok)
	require.Equal(t, "fan", base)
	require.Equal(t, 3, i)

	_, _, ok = ParallelMember("fan")
	require.False(t, ok)

	require.Equal(t, "fan[0]", ParallelMemberID("fan", 0))
}

func TestDependencyGraph(t *testing.T) {
	e, err := New(Options{
		Storage:          storagetest.New(),
		ProcessID:        "p",
		WorkingDirectory: "/wd",
		Arguments:        map[string]any{"city": "Lyon"},
		Instructions: []*tooldef.Instruction{
			{ExecutionID: "fetch", ToolDefinitionPath: "/fetch.json",
				Arguments: map[string]any{"city": "REF:arguments.city"}},
			{ExecutionID: "rank", ToolDefinitionPath: "/rank.json",
				Arguments: map[string]any{"items": "REF:fetch.items"}},
			{ExecutionID: "notify", ToolDefinitionPath: "/notify.json",
				Conditions: []condition.Node{
					{Cond: &condition.Condition{Param: "REF:rank.top", Operator: condition.OpExists}},
				},
				Dependencies: []string{"fetch"}},
		},
	})
	require.NoError(t, err)
	require.Empty(t, e.Dependencies("fetch"), "argument references are not dependencies")
	require.Equal(t, []string{"fetch"}, e.Dependencies("rank"))
	require.Equal(t, []string{"fetch", "rank"}, e.Dependencies("notify"), "conditions and explicit deps both count")
}

func TestAvailableExecutionsOrderAndSkip(t *testing.T) {
	ctx := context.Background()
	rankDef := &tooldef.Definition{
		SystemEventEndpoint: "tool::rank",
		Responses:           []schema.AttributeDef{{Name: "top", TypeName: refs.KindString}},
	}
	e, err := New(Options{
		Storage:          storagetest.New(),
		ProcessID:        "p",
		WorkingDirectory: "/wd",
		Arguments:        map[string]any{"notify": false},
		Definitions:      defsFor(map[string]*tooldef.Definition{"/rank.json": rankDef}),
		Instructions: []*tooldef.Instruction{
			{ExecutionID: "fetch", ToolDefinitionPath: "/fetch.json"},
			{ExecutionID: "rank", ToolDefinitionPath: "/rank.json",
				Arguments: map[string]any{"items": "REF:fetch.items"}},
			{ExecutionID: "notify", ToolDefinitionPath: "/notify.json",
				Conditions: []condition.Node{
					{Cond: &condition.Condition{Param: "REF:arguments.notify", Operator: condition.OpEquals, Value: true}},
				}},
		},
	})
	require.NoError(t, err)

	executable, skipped, err := e.AvailableExecutions(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"fetch"}, executable, "rank waits on fetch")
	require.Equal(t, []string{"notify"}, skipped, "false conditions skip")

	e.MarkInProgress("fetch")
	require.Equal(t, 1, e.Running())
	require.NoError(t, e.MarkSkipped("notify", &tooldef.Definition{SystemEventEndpoint: "tool::notify"}))
	executable, skipped, err = e.AvailableExecutions(ctx)
	require.NoError(t, err)
	require.Empty(t, executable)
	require.Empty(t, skipped, "a consumed skip is not reported again")
}

func TestChildSpecsParallelExpansion(t *testing.T) {
	ctx := context.Background()
	e, err := New(Options{
		Storage:            storagetest.New(),
		ProcessID:          "p",
		WorkingDirectory:   "/wd",
		Arguments:          map[string]any{"cities": []any{"Lyon", "Nice"}},
		ArgumentDefinition: []schema.AttributeDef{{Name: "cities", TypeName: refs.KindList}},
		Instructions: []*tooldef.Instruction{
			{
				ExecutionID:        "fan",
				ToolDefinitionPath: "/fetch.json",
				Arguments:          map[string]any{"units": "metric"},
				ParallelExecution: &tooldef.ParallelSpec{
					IterateOver:       "REF:arguments.cities",
					ChildArgumentName: "city",
				},
			},
		},
	})
	require.NoError(t, err)

	specs, err := e.ChildSpecs(ctx, "fan")
	require.NoError(t, err)
	require.Len(t, specs, 2)
	require.Equal(t, "fan[0]", specs[0].ExecutionID)
	require.Equal(t, map[string]any{"units": "metric", "city": "Lyon"}, specs[0].Arguments)
	require.Equal(t, "fan[1]", specs[1].ExecutionID)
	require.Equal(t, map[string]any{"units": "metric", "city": "Nice"}, specs[1].Arguments)
}

func TestChildSpecsParallelEmptyAndNonList(t *testing.T) {
	ctx := context.Background()
	e, err := New(Options{
		Storage:          storagetest.New(),
		ProcessID:        "p",
		WorkingDirectory: "/wd",
		Arguments:        map[string]any{"scalar": "oops"},
		Instructions: []*tooldef.Instruction{
			{ExecutionID: "empty", ToolDefinitionPath: "/f.json",
				ParallelExecution: &tooldef.ParallelSpec{IterateOver: "REF:arguments.missing", ChildArgumentName: "item"}},
			{ExecutionID: "bad", ToolDefinitionPath: "/f.json",
				ParallelExecution: &tooldef.ParallelSpec{IterateOver: "REF:arguments.scalar", ChildArgumentName: "item"}},
		},
	})
	require.NoError(t, err)

	specs, err := e.ChildSpecs(ctx, "empty")
	require.NoError(t, err)
	require.Empty(t, specs, "a missing iteration source yields no children")

	var serr *schema.InvalidObjectSchemaError
	_, err = e.ChildSpecs(ctx, "bad")
	require.ErrorAs(t, err, &serr)
}

func TestPrepareForExecution(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New()
	fetchDef := &tooldef.Definition{
		SystemEventEndpoint: "tool::fetch",
		Arguments: []schema.AttributeDef{
			{Name: "city", TypeName: refs.KindString, Required: true},
			{Name: "units", TypeName: refs.KindString, DefaultValue: "metric"},
		},
	}
	e, err := New(Options{
		Storage:          store,
		ProcessID:        "p",
		WorkingDirectory: "/wd",
		Arguments:        map[string]any{"city": "Lyon"},
		Instructions: []*tooldef.Instruction{
			{ExecutionID: "fetch", ToolDefinitionPath: "/fetch.json",
				Arguments: map[string]any{"city": "REF:arguments.city"}},
		},
	})
	require.NoError(t, err)

	inst, err := e.Instruction("fetch")
	require.NoError(t, err)
	spec := ChildSpec{ExecutionID: "fetch", Instruction: inst, Arguments: inst.Arguments}
	argsPath, err := e.PrepareForExecution(ctx, "c1", spec, fetchDef)
	require.NoError(t, err)
	require.Equal(t, "/wd/agent_exec-p/agent_exec-c1/arguments.aio", argsPath)

	var staged map[string]any
	require.True(t, store.ReadJSON(argsPath, &staged))
	require.Equal(t, "Lyon", staged["city"], "references resolve before staging")
	require.Equal(t, "metric", staged["units"], "schema defaults are injected")
}

func TestPrepareForExecutionValidationFailure(t *testing.T) {
	ctx := context.Background()
	def := &tooldef.Definition{
		SystemEventEndpoint: "tool::x",
		Arguments:           []schema.AttributeDef{{Name: "city", TypeName: refs.KindString, Required: true}},
	}
	e, err := New(Options{
		Storage:          storagetest.New(),
		ProcessID:        "p",
		WorkingDirectory: "/wd",
		Instructions: []*tooldef.Instruction{
			{ExecutionID: "a", ToolDefinitionPath: "/a.json"},
		},
	})
	require.NoError(t, err)
	inst, err := e.Instruction("a")
	require.NoError(t, err)

	var serr *schema.InvalidObjectSchemaError
	_, err = e.PrepareForExecution(ctx, "c1", ChildSpec{ExecutionID: "a", Instruction: inst}, def)
	require.ErrorAs(t, err, &serr)
}

func TestMarkCompletedAndDownstreamResolution(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New()
	fetchDef := &tooldef.Definition{
		SystemEventEndpoint: "tool::fetch",
		Responses:           []schema.AttributeDef{{Name: "items", TypeName: refs.KindList}},
	}
	e, err := New(Options{
		Storage:          store,
		ProcessID:        "p",
		WorkingDirectory: "/wd",
		Instructions: []*tooldef.Instruction{
			{ExecutionID: "fetch", ToolDefinitionPath: "/fetch.json"},
			{ExecutionID: "rank", ToolDefinitionPath: "/rank.json",
				Arguments: map[string]any{"first": "REF:fetch.items.first"}},
		},
	})
	require.NoError(t, err)

	store.SeedJSON("/wd/agent_exec-p/agent_exec-c1/response.aio", map[string]any{"items": []any{"x", "y"}})
	require.NoError(t, e.MarkCompleted(ctx, "fetch", fetchDef, "/wd/agent_exec-p/agent_exec-c1/response.aio"))
	require.True(t, e.Completed("fetch"))

	executable, _, err := e.AvailableExecutions(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"rank"}, executable)

	specs, err := e.ChildSpecs(ctx, "rank")
	require.NoError(t, err)
	rankDef := &tooldef.Definition{SystemEventEndpoint: "tool::rank"}
	argsPath, err := e.PrepareForExecution(ctx, "c2", specs[0], rankDef)
	require.NoError(t, err)
	var staged map[string]any
	require.True(t, store.ReadJSON(argsPath, &staged))
	require.Equal(t, "x", staged["first"], "downstream references see stored responses")

	// Idempotent: a second completion with a different file changes nothing.
	store.SeedJSON("/wd/other.aio", map[string]any{"items": []any{"z"}})
	require.NoError(t, e.MarkCompleted(ctx, "fetch", fetchDef, "/wd/other.aio"))
	specs, err = e.ChildSpecs(ctx, "rank")
	require.NoError(t, err)
	argsPath2, err := e.PrepareForExecution(ctx, "c3", specs[0], rankDef)
	require.NoError(t, err)
	require.True(t, store.ReadJSON(argsPath2, &staged))
	require.Equal(t, "x", staged["first"])
}

func TestMarkSkippedStoresNulls(t *testing.T) {
	ctx := context.Background()
	def := &tooldef.Definition{
		SystemEventEndpoint: "tool::x",
		Responses: []schema.AttributeDef{
			{Name: "items", TypeName: refs.KindList},
			{Name: "note", TypeName: refs.KindString},
		},
	}
	store := storagetest.New()
	e, err := New(Options{
		Storage:          store,
		ProcessID:        "p",
		WorkingDirectory: "/wd",
		Instructions: []*tooldef.Instruction{
			{ExecutionID: "skippy", ToolDefinitionPath: "/x.json"},
			{ExecutionID: "after", ToolDefinitionPath: "/y.json",
				Arguments: map[string]any{"n": "REF:skippy.items.length"}},
		},
	})
	require.NoError(t, err)

	require.NoError(t, e.MarkSkipped("skippy", def))
	require.True(t, e.Completed("skippy"))

	specs, err := e.ChildSpecs(ctx, "after")
	require.NoError(t, err)
	afterDef := &tooldef.Definition{SystemEventEndpoint: "tool::y"}
	argsPath, err := e.PrepareForExecution(ctx, "c1", specs[0], afterDef)
	require.NoError(t, err)
	var staged map[string]any
	require.True(t, store.ReadJSON(argsPath, &staged))
	require.Equal(t, float64(0), staged["n"], "skipped lists read as empty")
}

func TestNullResponseBody(t *testing.T) {
	body, ok := NullResponseBody(&tooldef.Definition{
		SystemEventEndpoint: "tool::x",
		Responses: []schema.AttributeDef{
			{Name: "items", TypeName: refs.KindList},
			{Name: "note", TypeName: refs.KindString},
		},
	})
	require.True(t, ok)
	require.Equal(t, map[string]any{"items": []any{}, "note": nil}, body)

	_, ok = NullResponseBody(&tooldef.Definition{SystemEventEndpoint: "tool::x"})
	require.False(t, ok, "no responses declared, no file written")
}

func TestInitializePathAndLoad(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New()
	e, err := New(Options{
		Storage:          store,
		ProcessID:        "p1",
		WorkingDirectory: "/wd",
		Token:            "tok",
		Arguments:        map[string]any{"city": "Lyon"},
		ArgumentDefinition: []schema.AttributeDef{
			{Name: "city", TypeName: refs.KindString},
		},
		Instructions: []*tooldef.Instruction{
			{ExecutionID: "fetch", ToolDefinitionPath: "/fetch.json",
				Arguments: map[string]any{"city": "REF:arguments.city"}},
		},
	})
	require.NoError(t, err)

	dir, err := e.InitializePath(ctx)
	require.NoError(t, err)
	require.Equal(t, "/wd/agent_exec-p1", dir)
	require.True(t, store.Exists("/wd/agent_exec-p1/execution.json"))

	reloaded, err := Load(ctx, store, "tok", "p1", "/wd")
	require.NoError(t, err)
	require.True(t, reloaded.Composite())
	executable, _, err := reloaded.AvailableExecutions(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"fetch"}, executable, "reloaded engines resume from persisted state")
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New()
	fetchDef := &tooldef.Definition{
		SystemEventEndpoint: "tool::fetch",
		Responses:           []schema.AttributeDef{{Name: "summary", TypeName: refs.KindString}},
	}
	e, err := New(Options{
		Storage:          store,
		ProcessID:        "p",
		WorkingDirectory: "/wd",
		Instructions: []*tooldef.Instruction{
			{ExecutionID: "fetch", ToolDefinitionPath: "/fetch.json"},
		},
		ResponseDefinition: []schema.AttributeDef{
			{Name: "result", TypeName: refs.KindString, Required: true},
		},
		ResponseReferenceMap: map[string]any{"result": "REF:fetch.summary"},
	})
	require.NoError(t, err)

	store.SeedJSON("/wd/resp.aio", map[string]any{"summary": "sunny"})
	require.NoError(t, e.MarkCompleted(ctx, "fetch", fetchDef, "/wd/resp.aio"))

	respPath, err := e.Close(ctx)
	require.NoError(t, err)
	require.Equal(t, "/wd/agent_exec-p/response.aio", respPath)
	var body map[string]any
	require.True(t, store.ReadJSON(respPath, &body))
	require.Equal(t, "sunny", body["result"])
}

func TestCloseWithoutResponseDefinition(t *testing.T) {
	e, err := New(Options{
		Storage:          storagetest.New(),
		ProcessID:        "p",
		WorkingDirectory: "/wd",
		Instructions:     []*tooldef.Instruction{{ExecutionID: "a", ToolDefinitionPath: "/a.json"}},
	})
	require.NoError(t, err)
	respPath, err := e.Close(context.Background())
	require.NoError(t, err)
	require.Empty(t, respPath)
}

func TestRebuildProgress(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New()
	fetchDef := &tooldef.Definition{
		SystemEventEndpoint: "tool::fetch",
		Responses:           []schema.AttributeDef{{Name: "out", TypeName: refs.KindString}},
	}
	e, err := New(Options{
		Storage:          store,
		ProcessID:        "p",
		WorkingDirectory: "/wd",
		Definitions:      defsFor(map[string]*tooldef.Definition{"/fetch.json": fetchDef}),
		Instructions: []*tooldef.Instruction{
			{ExecutionID: "done", ToolDefinitionPath: "/fetch.json"},
			{ExecutionID: "live", ToolDefinitionPath: "/fetch.json"},
			{ExecutionID: "skip", ToolDefinitionPath: "/fetch.json"},
		},
	})
	require.NoError(t, err)

	store.SeedJSON("/wd/done.aio", map[string]any{"out": "v"})
	require.NoError(t, e.RebuildProgress(ctx, []*processes.Process{
		{ProcessID: "c1", ExecutionID: "done", ExecutionStatus: processes.StatusCompleted, ResponsePath: "/wd/done.aio"},
		{ProcessID: "c2", ExecutionID: "live", ExecutionStatus: processes.StatusRunning},
		{ProcessID: "c3", ExecutionID: "skip", ExecutionStatus: processes.StatusSkipped},
	}))
	require.True(t, e.Completed("done"))
	require.True(t, e.Completed("skip"))
	require.Equal(t, 1, e.Running())
}

// A child closed FAILED or TIMED_OUT before its failure event arrived must
// never be offered by the ready set again.
func TestRebuildProgressHoldsFailedChild(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New()
	fetchDef := &tooldef.Definition{
		SystemEventEndpoint: "tool::fetch",
		Responses:           []schema.AttributeDef{{Name: "out", TypeName: refs.KindString}},
	}
	e, err := New(Options{
		Storage:          store,
		ProcessID:        "p",
		WorkingDirectory: "/wd",
		Definitions:      defsFor(map[string]*tooldef.Definition{"/fetch.json": fetchDef}),
		Instructions: []*tooldef.Instruction{
			{ExecutionID: "a", ToolDefinitionPath: "/fetch.json"},
			{ExecutionID: "b", ToolDefinitionPath: "/fetch.json"},
		},
	})
	require.NoError(t, err)

	store.SeedJSON("/wd/a.aio", map[string]any{"out": "v"})
	require.NoError(t, e.RebuildProgress(ctx, []*processes.Process{
		{ProcessID: "c1", ExecutionID: "a", ExecutionStatus: processes.StatusCompleted, ResponsePath: "/wd/a.aio"},
		{ProcessID: "c2", ExecutionID: "b", ExecutionStatus: processes.StatusTimedOut, StatusMessage: "process timed out after 15 minutes"},
	}))

	executable, skipped, err := e.AvailableExecutions(ctx)
	require.NoError(t, err)
	require.Empty(t, executable, "a timed-out instruction is never offered again")
	require.Empty(t, skipped)
	id, msg, failed := e.FailedExecution()
	require.True(t, failed)
	require.Equal(t, "b", id)
	require.Equal(t, "process timed out after 15 minutes", msg)
	require.Equal(t, 1, e.Running(), "the held instruction keeps the parent open for its caller")
}

func TestRebuildProgressParallelGroup(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New()
	fetchDef := &tooldef.Definition{SystemEventEndpoint: "tool::fetch"}
	newEngine := func() *Engine {
		e, err := New(Options{
			Storage:          store,
			ProcessID:        "p",
			WorkingDirectory: "/wd",
			Definitions:      defsFor(map[string]*tooldef.Definition{"/fetch.json": fetchDef}),
			Instructions: []*tooldef.Instruction{
				{ExecutionID: "fan", ToolDefinitionPath: "/fetch.json",
					ParallelExecution: &tooldef.ParallelSpec{IterateOver: "REF:arguments.xs", ChildArgumentName: "x"}},
				{ExecutionID: "after", ToolDefinitionPath: "/fetch.json",
					Arguments: map[string]any{"all": "REF:fan.response"}},
			},
		})
		require.NoError(t, err)
		return e
	}

	store.SeedJSON("/wd/r0.aio", map[string]any{"n": float64(0)})
	store.SeedJSON("/wd/r1.aio", map[string]any{"n": float64(1)})

	// All siblings terminal: the group aggregates in index order.
	e := newEngine()
	require.NoError(t, e.RebuildProgress(ctx, []*processes.Process{
		{ProcessID: "c1", ExecutionID: "fan[1]", ExecutionStatus: processes.StatusCompleted, ResponsePath: "/wd/r1.aio"},
		{ProcessID: "c0", ExecutionID: "fan[0]", ExecutionStatus: processes.StatusCompleted, ResponsePath: "/wd/r0.aio"},
	}))
	require.True(t, e.Completed("fan"))
	executable, _, err := e.AvailableExecutions(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"after"}, executable)
	specs, err := e.ChildSpecs(ctx, "after")
	require.NoError(t, err)
	argsPath, err := e.PrepareForExecution(ctx, "cx", specs[0], fetchDef)
	require.NoError(t, err)
	var staged map[string]any
	require.True(t, store.ReadJSON(argsPath, &staged))
	require.Equal(t, []any{
		map[string]any{"n": float64(0)},
		map[string]any{"n": float64(1)},
	}, staged["all"], "aggregation preserves index order")

	// One sibling still running: the base stays in progress.
	e = newEngine()
	require.NoError(t, e.RebuildProgress(ctx, []*processes.Process{
		{ProcessID: "c0", ExecutionID: "fan[0]", ExecutionStatus: processes.StatusCompleted, ResponsePath: "/wd/r0.aio"},
		{ProcessID: "c1", ExecutionID: "fan[1]", ExecutionStatus: processes.StatusRunning},
	}))
	require.False(t, e.Completed("fan"))
	require.Equal(t, 1, e.Running())

	// A failed sibling holds the group so it is never re-expanded and
	// surfaces the failure for the caller to fail the parent.
	e = newEngine()
	require.NoError(t, e.RebuildProgress(ctx, []*processes.Process{
		{ProcessID: "c0", ExecutionID: "fan[0]", ExecutionStatus: processes.StatusCompleted, ResponsePath: "/wd/r0.aio"},
		{ProcessID: "c1", ExecutionID: "fan[1]", ExecutionStatus: processes.StatusFailed, StatusMessage: "boom"},
	}))
	require.False(t, e.Completed("fan"))
	require.Equal(t, 1, e.Running())
	executable, skipped, err := e.AvailableExecutions(ctx)
	require.NoError(t, err)
	require.Empty(t, executable)
	require.Empty(t, skipped)
	id, msg, failed := e.FailedExecution()
	require.True(t, failed)
	require.Equal(t, "fan", id)
	require.Equal(t, "boom", msg)
}

func TestAggregateParallelSkippedSiblingsContributeNil(t *testing.T) {
	ctx := context.Background()
	store := storagetest.New()
	e, err := New(Options{
		Storage:          store,
		ProcessID:        "p",
		WorkingDirectory: "/wd",
		Instructions: []*tooldef.Instruction{
			{ExecutionID: "fan", ToolDefinitionPath: "/f.json",
				ParallelExecution: &tooldef.ParallelSpec{IterateOver: "REF:arguments.xs", ChildArgumentName: "x"}},
		},
	})
	require.NoError(t, err)

	store.SeedJSON("/wd/r1.aio", map[string]any{"n": float64(1)})
	items, err := e.AggregateParallel(ctx, "fan", []*processes.Process{
		{ExecutionID: "fan[1]", ExecutionStatus: processes.StatusCompleted, ResponsePath: "/wd/r1.aio"},
		{ExecutionID: "fan[0]", ExecutionStatus: processes.StatusSkipped},
	})
	require.NoError(t, err)
	require.Equal(t, []any{nil, map[string]any{"n": float64(1)}}, items)
}
