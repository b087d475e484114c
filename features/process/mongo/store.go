// Package mongo persists the process table in MongoDB.
package mongo

import (
	"context"
	"errors"
	"time"

	clientsmongo "goa.design/ratio/features/process/mongo/clients/mongo"
	"goa.design/ratio/runtime/processes"
)

type (
	// Options configures the Mongo-backed process store.
	Options struct {
		// Client is the low-level Mongo client. Required.
		Client clientsmongo.Client
	}

	// Store implements processes.Store on MongoDB. Transition is a single
	// conditional update so terminal statuses never reverse even under
	// concurrent handlers.
	Store struct {
		client clientsmongo.Client
	}
)

// New constructs the store.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	return &Store{client: opts.Client}, nil
}

// Create inserts a new process row.
func (s *Store) Create(ctx context.Context, p *processes.Process) error {
	return s.client.Insert(ctx, p)
}

// Get returns the process by id, or processes.ErrNotFound.
func (s *Store) Get(ctx context.Context, processID string) (*processes.Process, error) {
	return s.client.FindByID(ctx, processID)
}

// ListByParent returns all children of a parent process id.
func (s *Store) ListByParent(ctx context.Context, parentProcessID string) ([]*processes.Process, error) {
	return s.client.FindByParent(ctx, parentProcessID)
}

// ListRunningBefore returns RUNNING processes started before the cutoff.
func (s *Store) ListRunningBefore(ctx context.Context, cutoff time.Time) ([]*processes.Process, error) {
	return s.client.FindRunningBefore(ctx, cutoff)
}

// ListRunning returns all RUNNING processes.
func (s *Store) ListRunning(ctx context.Context) ([]*processes.Process, error) {
	return s.client.FindRunning(ctx)
}

// Transition moves the process to the target status. It returns the row
// after the attempt and whether this call changed it.
func (s *Store) Transition(ctx context.Context, processID string, to processes.Status, message string) (*processes.Process, bool, error) {
	return s.client.Transition(ctx, processID, to, message)
}

// SetResponsePath records where the process wrote its response.
func (s *Store) SetResponsePath(ctx context.Context, processID, responsePath string) error {
	return s.client.SetResponsePath(ctx, processID, responsePath)
}

// AppendStatusMessage appends an audit line to the status message.
func (s *Store) AppendStatusMessage(ctx context.Context, processID, line string) error {
	return s.client.AppendStatusMessage(ctx, processID, line)
}

// Delete removes a process row.
func (s *Store) Delete(ctx context.Context, processID string) error {
	return s.client.Delete(ctx, processID)
}
