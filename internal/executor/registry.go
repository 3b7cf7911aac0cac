// Package executor runs single attempts of steps: deterministic compute
// functions, inference calls and debate fan-outs.
package executor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/regression-io/stratum/contracts"
)

// ComputeRegistry holds deterministic function implementations by function
// name. Safe for concurrent use.
type ComputeRegistry struct {
	mu    sync.RWMutex
	funcs map[string]contracts.ComputeFunc
}

// NewComputeRegistry creates an empty registry.
func NewComputeRegistry() *ComputeRegistry {
	return &ComputeRegistry{funcs: make(map[string]contracts.ComputeFunc)}
}

// Register adds fn under name. Registering a name twice is an error.
func (r *ComputeRegistry) Register(name string, fn contracts.ComputeFunc) error {
	if name == "" || fn == nil {
		return contracts.ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.funcs[name]; ok {
		return fmt.Errorf("compute function %q already registered", name)
	}
	r.funcs[name] = fn
	return nil
}

// MustRegister is Register that panics on error, for wiring at startup.
func (r *ComputeRegistry) MustRegister(name string, fn contracts.ComputeFunc) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

// Lookup returns the function registered under name.
func (r *ComputeRegistry) Lookup(name string) (contracts.ComputeFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, contracts.ErrFunctionNotRegistered)
	}
	return fn, nil
}

// Names returns the registered names, sorted.
func (r *ComputeRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.funcs))
	for n := range r.funcs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
