package processes

import (
	"context"
	"time"
)

// Store persists process rows. Implementations must make Transition enforce
// monotone status changes: once a row is terminal, further transitions are
// short-circuited (idempotent when the target status matches, no-ops
// otherwise).
type Store interface {
	// Create inserts a new process row.
	Create(ctx context.Context, p *Process) error
	// Get returns the process by id, or ErrNotFound.
	Get(ctx context.Context, processID string) (*Process, error)
	// ListByParent returns all children of a parent process id.
	ListByParent(ctx context.Context, parentProcessID string) ([]*Process, error)
	// ListRunningBefore returns RUNNING processes started before the cutoff.
	ListRunningBefore(ctx context.Context, cutoff time.Time) ([]*Process, error)
	// ListRunning returns all RUNNING processes.
	ListRunning(ctx context.Context) ([]*Process, error)
	// Transition moves the process to the target status, recording the
	// message and end time for terminal statuses. It returns the row after
	// the attempt and whether this call changed it.
	Transition(ctx context.Context, processID string, to Status, message string) (*Process, bool, error)
	// SetResponsePath records where the process wrote its response.
	SetResponsePath(ctx context.Context, processID, responsePath string) error
	// AppendStatusMessage appends an audit line to the status message
	// without changing the status.
	AppendStatusMessage(ctx context.Context, processID, line string) error
	// Delete removes a process row. Used for children discarded before
	// their first scheduling.
	Delete(ctx context.Context, processID string) error
}
