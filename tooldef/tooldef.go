// Package tooldef models tool definitions: leaf tools reached through a
// system event endpoint, and composite tools defined by a DAG of
// instructions. Definitions are stored as JSON documents in the storage
// service and validated against an embedded meta-schema before decoding.
package tooldef

import (
	"errors"
	"fmt"
	"regexp"

	"goa.design/ratio/runtime/condition"
	"goa.design/ratio/runtime/schema"
)

// executionIDPattern constrains instruction execution ids.
var executionIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

type (
	// Definition is a tool definition. Exactly one of SystemEventEndpoint
	// and Instructions is present: leaf tools carry an endpoint, composite
	// tools carry instructions.
	Definition struct {
		Description          string                `json:"description,omitempty"`
		Arguments            []schema.AttributeDef `json:"arguments,omitempty"`
		Responses            []schema.AttributeDef `json:"responses,omitempty"`
		SystemEventEndpoint  string                `json:"system_event_endpoint,omitempty"`
		Instructions         []*Instruction        `json:"instructions,omitempty"`
		ResponseReferenceMap map[string]any        `json:"response_reference_map,omitempty"`
	}

	// Instruction is one node of a composite definition's DAG.
	Instruction struct {
		ExecutionID        string           `json:"execution_id"`
		ToolDefinition     *Definition      `json:"tool_definition,omitempty"`
		ToolDefinitionPath string           `json:"tool_definition_path,omitempty"`
		Arguments          map[string]any   `json:"arguments,omitempty"`
		Conditions         []condition.Node `json:"conditions,omitempty"`
		ParallelExecution  *ParallelSpec    `json:"parallel_execution,omitempty"`
		TransformArguments map[string]any   `json:"transform_arguments,omitempty"`
		TransformResponses map[string]any   `json:"transform_responses,omitempty"`
		Dependencies       []string         `json:"dependencies,omitempty"`
	}

	// ParallelSpec expands an instruction into one sibling per element of
	// a list-typed reference. Each sibling receives the element under
	// ChildArgumentName in addition to the instruction's arguments.
	ParallelSpec struct {
		IterateOver       string `json:"iterate_over"`
		ChildArgumentName string `json:"child_argument_name"`
	}
)

// ErrMissingDefinition is returned when a referenced definition file does
// not exist.
var ErrMissingDefinition = errors.New("tool definition not found")

// InvalidDefinitionError reports a definition document that fails the
// meta-schema or the structural rules.
type InvalidDefinitionError struct {
	Path   string
	Reason string
}

// Error implements the error interface.
func (e *InvalidDefinitionError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("invalid tool definition: %s", e.Reason)
	}
	return fmt.Sprintf("invalid tool definition %s: %s", e.Path, e.Reason)
}

func invalidDef(path, format string, args ...any) error {
	return &InvalidDefinitionError{Path: path, Reason: fmt.Sprintf(format, args...)}
}

// Composite reports whether the definition is a DAG of instructions rather
// than a leaf tool.
func (d *Definition) Composite() bool {
	return d.SystemEventEndpoint == ""
}

// Validate enforces the structural rules: exactly one of endpoint and
// instructions, unique well-formed execution ids, parallel specs with an
// iteration source, and compilable attribute lists.
func (d *Definition) Validate() error {
	hasEndpoint := d.SystemEventEndpoint != ""
	hasInstructions := len(d.Instructions) > 0
	if hasEndpoint && hasInstructions {
		return invalidDef("", "definition declares both system_event_endpoint and instructions")
	}
	if !hasEndpoint && !hasInstructions {
		return invalidDef("", "definition declares neither system_event_endpoint nor instructions")
	}
	if _, err := schema.Compile(d.Arguments); err != nil {
		return invalidDef("", "arguments: %v", err)
	}
	if _, err := schema.Compile(d.Responses); err != nil {
		return invalidDef("", "responses: %v", err)
	}
	seen := make(map[string]bool, len(d.Instructions))
	for _, inst := range d.Instructions {
		if !executionIDPattern.MatchString(inst.ExecutionID) {
			return invalidDef("", "execution id %q is not of the form [A-Za-z0-9_-]+", inst.ExecutionID)
		}
		if seen[inst.ExecutionID] {
			return invalidDef("", "duplicate execution id %q", inst.ExecutionID)
		}
		seen[inst.ExecutionID] = true
		if (inst.ToolDefinition == nil) == (inst.ToolDefinitionPath == "") {
			return invalidDef("", "instruction %q must declare exactly one of tool_definition and tool_definition_path", inst.ExecutionID)
		}
		if inst.ParallelExecution != nil {
			if inst.ParallelExecution.IterateOver == "" {
				return invalidDef("", "instruction %q parallel_execution requires iterate_over", inst.ExecutionID)
			}
			if inst.ParallelExecution.ChildArgumentName == "" {
				return invalidDef("", "instruction %q parallel_execution requires child_argument_name", inst.ExecutionID)
			}
		}
		if inst.ToolDefinition != nil {
			if err := inst.ToolDefinition.Validate(); err != nil {
				return fmt.Errorf("instruction %q: %w", inst.ExecutionID, err)
			}
		}
	}
	return nil
}
