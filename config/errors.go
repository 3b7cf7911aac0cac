package config

import "errors"

// Sentinel errors for spec loading and settings validation.
var (
	// ErrSpecEmpty is returned when the spec document is empty (zero bytes) or nil.
	ErrSpecEmpty = errors.New("spec document is empty")

	// ErrUnknownFormat is returned when a spec file has an unsupported extension.
	ErrUnknownFormat = errors.New("spec file must be .yaml, .yml or .json")
)
