package refs

// Store holds an engine's typed values: the execution arguments keyed by
// name, and completed child responses keyed by execution id then response
// name. Response sets are immutable once written for the life of the engine.
type Store struct {
	arguments map[string]Value
	responses map[string]map[string]Value
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		arguments: make(map[string]Value),
		responses: make(map[string]map[string]Value),
	}
}

// SetArgument records an argument value under its declared name.
func (s *Store) SetArgument(name string, v Value) {
	s.arguments[name] = v
}

// Argument returns the argument value and whether it is present.
func (s *Store) Argument(name string) (Value, bool) {
	v, ok := s.arguments[name]
	return v, ok
}

// PutResponses records the response set for an execution id. A set that is
// already present is left untouched: marking completion is idempotent and
// response sets never change once written.
func (s *Store) PutResponses(executionID string, fields map[string]Value) {
	if _, ok := s.responses[executionID]; ok {
		return
	}
	copied := make(map[string]Value, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	s.responses[executionID] = copied
}

// Responses returns the response set for an execution id and whether one has
// been written.
func (s *Store) Responses(executionID string) (map[string]Value, bool) {
	m, ok := s.responses[executionID]
	return m, ok
}

// HasResponses reports whether a response set exists for the execution id.
func (s *Store) HasResponses(executionID string) bool {
	_, ok := s.responses[executionID]
	return ok
}
