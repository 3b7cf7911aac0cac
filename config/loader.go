// Package config loads and validates Stratum spec documents and the engine
// settings.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/regression-io/stratum/contracts"
)

// Loader loads and parses spec documents.
type Loader struct {
	validator *Validator
}

// NewLoader creates a new spec loader. Options configure its validator.
func NewLoader(opts ...ValidatorOption) *Loader {
	return &Loader{validator: NewValidator(opts...)}
}

// LoadFromFile loads, validates and compiles a spec from a YAML or JSON file.
// File errors are wrapped with context (use os.IsNotExist to check for missing file).
func (l *Loader) LoadFromFile(path string) (*Compiled, error) {
	if !IsSpecFile(path) {
		return nil, fmt.Errorf("loading spec %s: %w", path, ErrUnknownFormat)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading spec %s: %w", path, err)
	}

	compiled, err := l.LoadFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("loading spec %s: %w", path, err)
	}
	return compiled, nil
}

// LoadFromBytes parses, validates and compiles a spec from raw YAML or JSON.
// Empty data returns ErrSpecEmpty.
func (l *Loader) LoadFromBytes(data []byte) (*Compiled, error) {
	spec, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return l.validator.Compile(spec)
}

// Validator returns the validator used by the loader.
func (l *Loader) Validator() *Validator { return l.validator }

// Parse decodes a spec document without validating it. Unknown keys are
// rejected. JSON documents decode through the same path since JSON is a
// subset of YAML.
func Parse(data []byte) (*contracts.Spec, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrSpecEmpty
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var spec contracts.Spec
	if err := dec.Decode(&spec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrSpecEmpty
		}
		return nil, fmt.Errorf("parsing spec: %w", err)
	}

	for name, fn := range spec.Functions {
		fn.Name = name
		spec.Functions[name] = fn
	}
	for name, fl := range spec.Flows {
		fl.Name = name
		spec.Flows[name] = fl
	}
	return &spec, nil
}

// IsSpecFile reports whether path has a spec document extension.
func IsSpecFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	default:
		return false
	}
}
