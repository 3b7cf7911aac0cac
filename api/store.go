package api

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/regression-io/stratum/config"
	"github.com/regression-io/stratum/contracts"
)

// specEntry is a registered spec.
type specEntry struct {
	spec      *config.Compiled
	updatedAt time.Time
}

// SpecStore provides thread-safe in-memory storage for compiled specs.
// Registering a name again replaces the spec; runs already planned keep the
// spec they were planned with.
type SpecStore struct {
	mu    sync.RWMutex
	specs map[string]specEntry
	now   func() time.Time
}

// NewSpecStore creates a new SpecStore.
func NewSpecStore() *SpecStore {
	return &SpecStore{
		specs: make(map[string]specEntry),
		now:   time.Now,
	}
}

// Put registers spec under name.
func (s *SpecStore) Put(name string, spec *config.Compiled) error {
	if name == "" || spec == nil {
		return fmt.Errorf("spec name and document are required: %w", contracts.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.specs[name] = specEntry{spec: spec, updatedAt: s.now()}
	return nil
}

// Get returns the spec registered under name.
func (s *SpecStore) Get(name string) (*config.Compiled, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.specs[name]
	if !ok {
		return nil, fmt.Errorf("spec %q: %w", name, ErrSpecNotFound)
	}
	return e.spec, nil
}

// Delete unregisters name. Unknown names are ignored.
func (s *SpecStore) Delete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.specs, name)
}

// List describes every registered spec, sorted by name.
func (s *SpecStore) List() []SpecResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]SpecResponse, 0, len(s.specs))
	for name, e := range s.specs {
		out = append(out, describeSpec(name, e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Describe returns the description of one registered spec.
func (s *SpecStore) Describe(name string) (SpecResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.specs[name]
	if !ok {
		return SpecResponse{}, fmt.Errorf("spec %q: %w", name, ErrSpecNotFound)
	}
	return describeSpec(name, e), nil
}

func describeSpec(name string, e specEntry) SpecResponse {
	return SpecResponse{
		Name:      name,
		Version:   e.spec.Spec.Version,
		Flows:     flowNames(e.spec),
		Stages:    flowStages(e.spec),
		UpdatedAt: e.updatedAt,
	}
}

func flowNames(spec *config.Compiled) []string {
	names := make([]string, 0, len(spec.Flows))
	for name := range spec.Flows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func flowStages(spec *config.Compiled) map[string][][]contracts.StepID {
	stages := make(map[string][][]contracts.StepID, len(spec.Flows))
	for name, fl := range spec.Flows {
		stages[name] = fl.Stages
	}
	return stages
}

// drive is a background execution of a run by the server's runner.
type drive struct {
	cancel    func()
	done      chan struct{}
	err       error
	aborting  bool
	updatedAt time.Time
}

// DriveStore tracks background drives so they can be cancelled and awaited
// on shutdown. Runs driven by the caller are not tracked here.
type DriveStore struct {
	mu     sync.Mutex
	drives map[contracts.RunID]*drive
	now    func() time.Time
}

// NewDriveStore creates a new DriveStore.
func NewDriveStore() *DriveStore {
	return &DriveStore{
		drives: make(map[contracts.RunID]*drive),
		now:    time.Now,
	}
}

// Start records a drive of id. Returns ErrInvalidInput if id is already
// being driven.
func (s *DriveStore) Start(id contracts.RunID, cancel func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.drives[id]; ok && !isClosed(d.done) {
		return fmt.Errorf("run %s is already driven: %w", id, contracts.ErrInvalidInput)
	}
	s.drives[id] = &drive{cancel: cancel, done: make(chan struct{}), updatedAt: s.now()}
	return nil
}

// MarkDone records the end of the drive of id and closes its Done channel.
func (s *DriveStore) MarkDone(id contracts.RunID, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drives[id]
	if !ok {
		return
	}
	d.err = err
	d.updatedAt = s.now()
	if !isClosed(d.done) {
		close(d.done)
	}
}

// Done returns a channel closed when the drive of id ends, or nil when id
// was never driven.
func (s *DriveStore) Done(id contracts.RunID) <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.drives[id]; ok {
		return d.done
	}
	return nil
}

// Err returns the error the drive of id ended with.
func (s *DriveStore) Err(id contracts.RunID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.drives[id]; ok {
		return d.err
	}
	return nil
}

// Active reports whether id is being driven.
func (s *DriveStore) Active(id contracts.RunID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.drives[id]
	return ok && !isClosed(d.done)
}

// CancelAll cancels all active drives. Used for graceful shutdown.
// Returns the number of drives that were cancelled.
func (s *DriveStore) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cancelled := 0
	for _, d := range s.drives {
		if d.aborting || isClosed(d.done) {
			continue
		}
		d.aborting = true
		d.updatedAt = s.now()
		if d.cancel != nil {
			d.cancel()
		}
		cancelled++
	}
	return cancelled
}

// WaitAll waits for all active drives to end, with a timeout.
// Returns the number of drives still active after timeout.
func (s *DriveStore) WaitAll(timeout time.Duration) int {
	deadline := time.Now().Add(timeout)

	for {
		s.mu.Lock()
		var pending []chan struct{}
		for _, d := range s.drives {
			if !isClosed(d.done) {
				pending = append(pending, d.done)
			}
		}
		s.mu.Unlock()

		if len(pending) == 0 {
			return 0
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return len(pending)
		}

		select {
		case <-time.After(remaining):
			return len(pending)
		case <-pending[0]:
		}
	}
}

// PruneCompleted removes ended drives older than the retention duration.
// Returns the number of removed drives.
func (s *DriveStore) PruneCompleted(retention time.Duration) int {
	if retention <= 0 {
		return 0
	}
	cutoff := s.now().Add(-retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, d := range s.drives {
		if isClosed(d.done) && d.updatedAt.Before(cutoff) {
			delete(s.drives, id)
			removed++
		}
	}
	return removed
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
