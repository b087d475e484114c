// Package inmem provides an in-memory processes.Store used by tests and
// single-node deployments.
package inmem

import (
	"context"
	"sort"
	"sync"
	"time"

	"goa.design/ratio/runtime/processes"
)

// Store is an in-memory implementation of processes.Store.
type Store struct {
	mu   sync.Mutex
	rows map[string]*processes.Process
	now  func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		rows: make(map[string]*processes.Process),
		now:  time.Now,
	}
}

// SetClock overrides the store's time source. Tests use it to exercise
// timeout reconciliation.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *Store) Create(ctx context.Context, p *processes.Process) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *p
	s.rows[p.ProcessID] = &copied
	return nil
}

func (s *Store) Get(ctx context.Context, processID string) (*processes.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[processID]
	if !ok {
		return nil, processes.ErrNotFound
	}
	copied := *row
	return &copied, nil
}

func (s *Store) ListByParent(ctx context.Context, parentProcessID string) ([]*processes.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*processes.Process
	for _, row := range s.rows {
		if row.ParentProcessID == parentProcessID {
			copied := *row
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessID < out[j].ProcessID })
	return out, nil
}

func (s *Store) ListRunningBefore(ctx context.Context, cutoff time.Time) ([]*processes.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*processes.Process
	for _, row := range s.rows {
		if row.ExecutionStatus == processes.StatusRunning && row.StartedOn.Before(cutoff) {
			copied := *row
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessID < out[j].ProcessID })
	return out, nil
}

func (s *Store) ListRunning(ctx context.Context) ([]*processes.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*processes.Process
	for _, row := range s.rows {
		if row.ExecutionStatus == processes.StatusRunning {
			copied := *row
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProcessID < out[j].ProcessID })
	return out, nil
}

func (s *Store) Transition(ctx context.Context, processID string, to processes.Status, message string) (*processes.Process, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[processID]
	if !ok {
		return nil, false, processes.ErrNotFound
	}
	if row.ExecutionStatus.Terminal() {
		copied := *row
		return &copied, false, nil
	}
	row.ExecutionStatus = to
	if message != "" {
		row.StatusMessage = message
	}
	if to.Terminal() {
		ended := s.now().UTC()
		row.EndedOn = &ended
	}
	copied := *row
	return &copied, true, nil
}

func (s *Store) SetResponsePath(ctx context.Context, processID, responsePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[processID]
	if !ok {
		return processes.ErrNotFound
	}
	row.ResponsePath = responsePath
	return nil
}

func (s *Store) AppendStatusMessage(ctx context.Context, processID, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[processID]
	if !ok {
		return processes.ErrNotFound
	}
	if row.StatusMessage == "" {
		row.StatusMessage = line
	} else {
		row.StatusMessage += "\n" + line
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, processID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[processID]; !ok {
		return processes.ErrNotFound
	}
	delete(s.rows, processID)
	return nil
}
