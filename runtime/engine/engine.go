// Package engine implements the execution engine owning a single composite
// execution: it loads instructions, builds the dependency graph, expands
// parallel fan-outs, stages child arguments, tracks progress, and assembles
// the final response. Engine state is persisted to execution.json inside the
// process directory; event handlers reload it from there rather than sharing
// in-memory state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path"

	"goa.design/ratio/runtime/refs"
	"goa.design/ratio/runtime/schema"
	"goa.design/ratio/runtime/transform"
	"goa.design/ratio/storage"
	"goa.design/ratio/tooldef"
)

// execDirPrefix prefixes per-process directories under a working directory.
const execDirPrefix = "agent_exec-"

// Well-known file names inside a process directory.
const (
	stateFileName     = "execution.json"
	argumentsFileName = "arguments.aio"
	responseFileName  = "response.aio"
)

type (
	// DefinitionLoader fetches a tool definition by storage path.
	DefinitionLoader func(ctx context.Context, token, defPath string) (*tooldef.Definition, error)

	// Options configures a new engine.
	Options struct {
		// Storage is the storage collaborator. Required.
		Storage storage.Client
		// ProcessID identifies the process this engine owns. Required.
		ProcessID string
		// WorkingDirectory is the directory the process directory is
		// created under. Required.
		WorkingDirectory string
		// Token authenticates storage calls made by the engine.
		Token string
		// Arguments are the execution's input argument values.
		Arguments map[string]any
		// ArgumentDefinition declares the argument attribute list.
		ArgumentDefinition []schema.AttributeDef
		// Instructions is the composite DAG. Empty for leaf engines.
		Instructions []*tooldef.Instruction
		// SystemEventEndpoint marks a leaf engine when non-empty.
		SystemEventEndpoint string
		// ResponseDefinition declares the composite response attributes.
		ResponseDefinition []schema.AttributeDef
		// ResponseReferenceMap assembles the composite response. Required
		// when ResponseDefinition is present on a composite.
		ResponseReferenceMap map[string]any
		// Definitions loads instruction definitions referenced by path.
		// Defaults to the tooldef loader over Storage.
		Definitions DefinitionLoader
	}

	// state is the serialized engine constructor state written to
	// execution.json.
	state struct {
		Arguments            map[string]any         `json:"arguments"`
		ArgumentDefinition   []schema.AttributeDef  `json:"argument_definition,omitempty"`
		Instructions         []*tooldef.Instruction `json:"instructions,omitempty"`
		SystemEventEndpoint  string                 `json:"system_event_endpoint,omitempty"`
		ResponseDefinition   []schema.AttributeDef  `json:"response_definition,omitempty"`
		ResponseReferenceMap map[string]any         `json:"response_reference_map,omitempty"`
	}

	// Engine owns one composite execution.
	Engine struct {
		storage   storage.Client
		defs      DefinitionLoader
		processID string
		workDir   string
		token     string

		st         state
		store      *refs.Store
		resolver   *refs.Resolver
		transforms *transform.Evaluator

		byID       map[string]*tooldef.Instruction
		order      []string
		deps       map[string]map[string]bool
		inProgress map[string]bool
		completed  map[string]bool
		failed     map[string]string
	}
)

// New builds an engine from constructor state. Arguments are loaded into the
// reference store wrapped in their declared types; any-typed and undeclared
// arguments have their types inferred.
func New(opts Options) (*Engine, error) {
	if opts.Storage == nil {
		return nil, errors.New("storage client is required")
	}
	if opts.ProcessID == "" {
		return nil, errors.New("process id is required")
	}
	if opts.WorkingDirectory == "" {
		return nil, errors.New("working directory is required")
	}
	if opts.SystemEventEndpoint != "" && len(opts.Instructions) > 0 {
		return nil, &schema.InvalidObjectSchemaError{Reason: "engine declares both system_event_endpoint and instructions"}
	}
	e := &Engine{
		storage:   opts.Storage,
		defs:      opts.Definitions,
		processID: opts.ProcessID,
		workDir:   opts.WorkingDirectory,
		token:     opts.Token,
		st: state{
			Arguments:            opts.Arguments,
			ArgumentDefinition:   opts.ArgumentDefinition,
			Instructions:         opts.Instructions,
			SystemEventEndpoint:  opts.SystemEventEndpoint,
			ResponseDefinition:   opts.ResponseDefinition,
			ResponseReferenceMap: opts.ResponseReferenceMap,
		},
		store:      refs.NewStore(),
		byID:       make(map[string]*tooldef.Instruction, len(opts.Instructions)),
		inProgress: make(map[string]bool),
		completed:  make(map[string]bool),
		failed:     make(map[string]string),
	}
	if e.defs == nil {
		e.defs = func(ctx context.Context, token, defPath string) (*tooldef.Definition, error) {
			return tooldef.Load(ctx, opts.Storage, token, defPath)
		}
	}
	e.resolver = refs.NewResolver(e.store, opts.Storage)
	e.transforms = transform.New(transform.Options{Storage: opts.Storage, Token: opts.Token})
	if err := e.checkResponseMap(); err != nil {
		return nil, err
	}
	if err := e.loadArguments(); err != nil {
		return nil, err
	}
	for _, inst := range opts.Instructions {
		if _, ok := e.byID[inst.ExecutionID]; ok {
			return nil, &schema.InvalidObjectSchemaError{Path: inst.ExecutionID, Reason: "duplicate execution id"}
		}
		e.byID[inst.ExecutionID] = inst
		e.order = append(e.order, inst.ExecutionID)
	}
	e.buildGraph()
	return e, nil
}

// Load reloads an engine from the execution.json previously written by
// InitializePath.
func Load(ctx context.Context, client storage.Client, token, processID, workingDirectory string) (*Engine, error) {
	statePath := path.Join(workingDirectory, execDirPrefix+processID, stateFileName)
	var st state
	if err := storage.GetJSON(ctx, client, token, statePath, &st); err != nil {
		return nil, fmt.Errorf("load engine state %s: %w", statePath, err)
	}
	return New(Options{
		Storage:              client,
		ProcessID:            processID,
		WorkingDirectory:     workingDirectory,
		Token:                token,
		Arguments:            st.Arguments,
		ArgumentDefinition:   st.ArgumentDefinition,
		Instructions:         st.Instructions,
		SystemEventEndpoint:  st.SystemEventEndpoint,
		ResponseDefinition:   st.ResponseDefinition,
		ResponseReferenceMap: st.ResponseReferenceMap,
	})
}

// checkResponseMap enforces that a composite with a response definition
// carries a response reference map covering every required response key.
func (e *Engine) checkResponseMap() error {
	if !e.Composite() || len(e.st.ResponseDefinition) == 0 {
		return nil
	}
	if len(e.st.ResponseReferenceMap) == 0 {
		return &schema.InvalidObjectSchemaError{Reason: "response definition requires a response_reference_map"}
	}
	for _, def := range e.st.ResponseDefinition {
		if !def.Required {
			continue
		}
		if _, ok := e.st.ResponseReferenceMap[def.Name]; !ok {
			return &schema.InvalidObjectSchemaError{Path: def.Name, Reason: "required response key missing from response_reference_map"}
		}
	}
	return nil
}

// loadArguments wraps the input arguments in their declared reference types
// and stages them in the store.
func (e *Engine) loadArguments() error {
	declared := make(map[string]refs.Kind, len(e.st.ArgumentDefinition))
	for _, def := range e.st.ArgumentDefinition {
		declared[def.Name] = def.TypeName
	}
	for name, raw := range e.st.Arguments {
		kind, ok := declared[name]
		if !ok || kind == refs.KindAny {
			if raw == nil {
				continue
			}
			val, err := refs.Infer(raw)
			if err != nil {
				return &schema.InvalidObjectSchemaError{Path: name, Reason: err.Error()}
			}
			e.store.SetArgument(name, val)
			continue
		}
		val, err := refs.New(kind, raw)
		if err != nil {
			return &schema.InvalidObjectSchemaError{Path: name, Reason: err.Error()}
		}
		e.store.SetArgument(name, val)
	}
	return nil
}

// Composite reports whether the engine runs a DAG of instructions rather than
// a leaf tool.
func (e *Engine) Composite() bool { return e.st.SystemEventEndpoint == "" }

// SystemEventEndpoint returns the leaf endpoint, empty for composites.
func (e *Engine) SystemEventEndpoint() string { return e.st.SystemEventEndpoint }

// HasResponseDefinition reports whether the engine assembles a response file
// on close.
func (e *Engine) HasResponseDefinition() bool { return len(e.st.ResponseDefinition) > 0 }

// Dir returns the engine's process directory.
func (e *Engine) Dir() string {
	return path.Join(e.workDir, execDirPrefix+e.processID)
}

// ChildDir returns the directory of a child process. Child working
// directories nest under the parent's process directory.
func (e *Engine) ChildDir(childProcessID string) string {
	return path.Join(e.Dir(), execDirPrefix+childProcessID)
}

// ChildArgumentsPath returns where a child's rendered arguments are staged.
func (e *Engine) ChildArgumentsPath(childProcessID string) string {
	return path.Join(e.ChildDir(childProcessID), argumentsFileName)
}

// ChildResponsePath returns where a child writes its response.
func (e *Engine) ChildResponsePath(childProcessID string) string {
	return path.Join(e.ChildDir(childProcessID), responseFileName)
}

// LockPath returns the arbitration file path for a parallel group.
func (e *Engine) LockPath(baseID string) string {
	return path.Join(e.Dir(), "parallel_completion_"+baseID+".lock")
}

// ResponsePath returns the engine's own response file path.
func (e *Engine) ResponsePath() string {
	return path.Join(e.Dir(), responseFileName)
}

// InitializePath creates the process directory and persists the engine state
// to execution.json. It returns the directory path. Handlers processing later
// events reload the engine from this file.
func (e *Engine) InitializePath(ctx context.Context) (string, error) {
	dir := e.Dir()
	if err := storage.EnsureDirectory(ctx, e.storage, e.token, dir); err != nil {
		return "", err
	}
	if err := storage.PutJSON(ctx, e.storage, e.token, path.Join(dir, stateFileName), storage.FileTypeAgentIO, e.st); err != nil {
		return "", err
	}
	return dir, nil
}

// Instruction returns the instruction owning an execution id. Parallel
// sibling ids map to their base instruction.
func (e *Engine) Instruction(executionID string) (*tooldef.Instruction, error) {
	id := executionID
	if base, _, ok := ParallelMember(executionID); ok {
		id = base
	}
	inst, ok := e.byID[id]
	if !ok {
		return nil, fmt.Errorf("unknown execution id %q", executionID)
	}
	return inst, nil
}

// ResolveDefinition returns the tool definition an instruction invokes,
// loading it from storage when referenced by path.
func (e *Engine) ResolveDefinition(ctx context.Context, inst *tooldef.Instruction) (*tooldef.Definition, error) {
	if inst.ToolDefinition != nil {
		return inst.ToolDefinition, nil
	}
	def, err := e.defs(ctx, e.token, inst.ToolDefinitionPath)
	if err != nil {
		return nil, err
	}
	return def, nil
}

// Close assembles and writes the composite response per the response
// reference map. Engines without a response definition write nothing and
// return an empty path. Close is idempotent: repeated calls resolve the same
// map and write identical content.
func (e *Engine) Close(ctx context.Context) (string, error) {
	if len(e.st.ResponseDefinition) == 0 {
		return "", nil
	}
	resolved, err := e.resolver.ResolveAny(ctx, e.st.ResponseReferenceMap, e.token)
	if err != nil {
		return "", fmt.Errorf("assemble response: %w", err)
	}
	body, ok := resolved.(map[string]any)
	if !ok {
		return "", &schema.InvalidObjectSchemaError{Reason: fmt.Sprintf("response_reference_map resolved to %T, want object", resolved)}
	}
	sch, err := schema.Compile(e.st.ResponseDefinition)
	if err != nil {
		return "", err
	}
	validated, err := sch.Validate(ctx, body)
	if err != nil {
		return "", err
	}
	respPath := e.ResponsePath()
	if err := storage.PutJSON(ctx, e.storage, e.token, respPath, storage.FileTypeAgentIO, validated); err != nil {
		return "", err
	}
	return respPath, nil
}
