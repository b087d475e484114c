// Package events defines the event types exchanged by the execution core and
// the Bus transport they travel on. Delivery is at-least-once; handlers must
// tolerate duplicates.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Event types consumed and produced by the core. Leaf tools are invoked on
// their own system_event_endpoint and answer with TypeToolResponse.
const (
	// TypeExecuteCompositeTool starts a composite execution.
	TypeExecuteCompositeTool = "ratio::execute_composite_tool"
	// TypeToolResponse reports completion or failure of an execution.
	TypeToolResponse = "ratio::tool_response"
	// TypeParallelReconciliation defends a parallel join against lost
	// sibling responses.
	TypeParallelReconciliation = "ratio::parallel_completion_reconciliation"
)

// Response statuses carried by tool response events.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

type (
	// Event is an opaque envelope on the bus.
	Event struct {
		Type string          `json:"event_type"`
		Body json.RawMessage `json:"body"`
	}

	// PublishOptions holds optional publish parameters.
	PublishOptions struct {
		// Delay postpones delivery. Zero publishes immediately.
		Delay time.Duration
	}

	// PublishOption customizes one Publish call.
	PublishOption func(*PublishOptions)

	// Bus is the opaque publish/subscribe transport. Subscribe returns a
	// channel of events plus an error channel; the cancel function stops
	// consumption.
	Bus interface {
		Publish(ctx context.Context, event Event, opts ...PublishOption) error
		Subscribe(ctx context.Context) (<-chan Event, <-chan error, context.CancelFunc, error)
	}

	// ExecuteToolRequest is the body of TypeExecuteCompositeTool.
	ExecuteToolRequest struct {
		ArgumentsPath      string `json:"arguments_path,omitempty"`
		ToolDefinitionPath string `json:"tool_definition_path"`
		ParentProcessID    string `json:"parent_process_id"`
		ProcessID          string `json:"process_id"`
		Token              string `json:"token"`
		WorkingDirectory   string `json:"working_directory"`
	}

	// ToolResponse is the body of TypeToolResponse.
	ToolResponse struct {
		ParentProcessID string `json:"parent_process_id"`
		ProcessID       string `json:"process_id"`
		Token           string `json:"token"`
		Status          string `json:"status"`
		// Response is the path of the response.aio written by the child.
		Response string `json:"response,omitempty"`
		// Failure carries the failure message when Status is failure.
		Failure string `json:"failure,omitempty"`
	}

	// ParallelReconciliation is the body of TypeParallelReconciliation.
	ParallelReconciliation struct {
		ParentProcessID     string `json:"parent_process_id"`
		OriginalExecutionID string `json:"original_execution_id"`
		Token               string `json:"token"`
	}

	// SystemExecuteToolRequest is the body published to a leaf tool's
	// system_event_endpoint. The leaf runtime reads arguments from
	// ArgumentsPath, writes its response next to it, and publishes a
	// TypeToolResponse event.
	SystemExecuteToolRequest struct {
		ProcessID        string `json:"process_id"`
		ParentProcessID  string `json:"parent_process_id"`
		WorkingDirectory string `json:"working_directory"`
		ArgumentsPath    string `json:"arguments_path,omitempty"`
		ResponsePath     string `json:"response_path"`
		Token            string `json:"token"`
	}
)

// WithDelay postpones delivery of a published event.
func WithDelay(d time.Duration) PublishOption {
	return func(o *PublishOptions) { o.Delay = d }
}

// New builds an event envelope from a typed body.
func New(eventType string, body any) (Event, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s body: %w", eventType, err)
	}
	return Event{Type: eventType, Body: raw}, nil
}

// DecodeBody unmarshals the envelope body into out.
func (e Event) DecodeBody(out any) error {
	if err := json.Unmarshal(e.Body, out); err != nil {
		return fmt.Errorf("decode %s body: %w", e.Type, err)
	}
	return nil
}
