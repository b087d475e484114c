// Package processes defines the runtime record of one tool execution and the
// store that tracks process trees. Composite runs produce a tree of
// processes rooted at a process whose parent is the SYSTEM sentinel.
package processes

import (
	"errors"
	"time"
)

// SystemParent is the sentinel parent id of root processes.
const SystemParent = "SYSTEM"

// Status is the execution status of a process. Transitions are monotone:
// RUNNING moves to exactly one terminal status and never reverses.
type Status string

// Process statuses.
const (
	StatusRunning    Status = "RUNNING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusSkipped    Status = "SKIPPED"
	StatusTerminated Status = "TERMINATED"
	StatusTimedOut   Status = "TIMED_OUT"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusSkipped, StatusTerminated, StatusTimedOut:
		return true
	default:
		return false
	}
}

// Process is the runtime record of one execution.
type Process struct {
	ProcessID        string     `bson:"process_id" json:"process_id"`
	ParentProcessID  string     `bson:"parent_process_id" json:"parent_process_id"`
	ProcessOwner     string     `bson:"process_owner" json:"process_owner"`
	WorkingDirectory string     `bson:"working_directory" json:"working_directory"`
	ArgumentsPath    string     `bson:"arguments_path,omitempty" json:"arguments_path,omitempty"`
	ResponsePath     string     `bson:"response_path,omitempty" json:"response_path,omitempty"`
	ExecutionID      string     `bson:"execution_id,omitempty" json:"execution_id,omitempty"`
	ExecutionStatus  Status     `bson:"execution_status" json:"execution_status"`
	StartedOn        time.Time  `bson:"started_on" json:"started_on"`
	EndedOn          *time.Time `bson:"ended_on,omitempty" json:"ended_on,omitempty"`
	StatusMessage    string     `bson:"status_message,omitempty" json:"status_message,omitempty"`
}

// Root reports whether the process is a tree root.
func (p *Process) Root() bool {
	return p.ParentProcessID == SystemParent
}

// ErrNotFound is returned when a process id is unknown to the store.
var ErrNotFound = errors.New("process not found")
