// Package provider holds inference providers that need no external service.
package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/regression-io/stratum/contracts"
)

// ErrNoFixture is returned for a function the script does not cover.
var ErrNoFixture = errors.New("no scripted response")

// Response is one scripted answer.
type Response struct {
	Output contracts.Record `yaml:"output"`
	Cost   float64          `yaml:"cost"`
	// Error makes the call fail with this message.
	Error string `yaml:"error,omitempty"`
}

// Script is the sequence of answers for one function. Successive calls for
// the same run, step and branch walk the list; the last answer repeats.
type Script struct {
	Responses []Response `yaml:"responses"`
	// Branches overrides Responses per debate branch (1-based index i uses
	// Branches[i-1]).
	Branches [][]Response `yaml:"branches,omitempty"`
}

// Fixture maps function names to scripts.
type Fixture map[string]Script

type callKey struct {
	run    contracts.RunID
	step   contracts.StepID
	branch int
}

// Scripted is a deterministic contracts.InferenceProvider that replays a
// fixture. Safe for concurrent use.
type Scripted struct {
	mu      sync.Mutex
	fixture Fixture
	calls   map[callKey]int
	seen    []contracts.Invocation
}

// NewScripted creates a provider replaying fixture.
func NewScripted(fixture Fixture) *Scripted {
	return &Scripted{fixture: fixture, calls: make(map[callKey]int)}
}

// ParseScripted decodes a YAML fixture.
func ParseScripted(data []byte) (*Scripted, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture: %w", err)
	}
	return NewScripted(f), nil
}

// LoadScripted reads a YAML fixture file.
func LoadScripted(path string) (*Scripted, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture: %w", err)
	}
	return ParseScripted(data)
}

// Infer implements contracts.InferenceProvider.
func (s *Scripted) Infer(ctx context.Context, inv contracts.Invocation) (contracts.InferResult, error) {
	if err := ctx.Err(); err != nil {
		return contracts.InferResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.seen = append(s.seen, inv)
	script, ok := s.fixture[inv.Function]
	if !ok {
		return contracts.InferResult{}, fmt.Errorf("function %q: %w", inv.Function, ErrNoFixture)
	}
	seq := script.Responses
	if inv.Branch > 0 && inv.Branch <= len(script.Branches) {
		seq = script.Branches[inv.Branch-1]
	}
	if len(seq) == 0 {
		return contracts.InferResult{}, fmt.Errorf("function %q branch %d: %w", inv.Function, inv.Branch, ErrNoFixture)
	}

	k := callKey{run: inv.RunID, step: inv.StepID, branch: inv.Branch}
	i := min(s.calls[k], len(seq)-1)
	s.calls[k]++

	r := seq[i]
	if r.Error != "" {
		return contracts.InferResult{Cost: r.Cost}, errors.New(r.Error)
	}
	return contracts.InferResult{Output: r.Output.Clone(), Cost: r.Cost}, nil
}

// Invocations returns every invocation received, in call order.
func (s *Scripted) Invocations() []contracts.Invocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]contracts.Invocation, len(s.seen))
	copy(out, s.seen)
	return out
}
