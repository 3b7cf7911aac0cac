// Package contracts defines the core types and interfaces for the Stratum engine.
package contracts

// RunID uniquely identifies a run.
type RunID string

// StepID uniquely identifies a step within a flow.
type StepID string

// Record is a field-name to value map: a step output, a flow input, or the
// resolved inputs of a step. Values are JSON-like: string, int64, float64,
// bool, []any, map[string]any or nil.
type Record map[string]any

// Clone returns a shallow copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Mode is the execution mode of a function.
type Mode string

const (
	// ModeCompute is a deterministic function invocation.
	ModeCompute Mode = "compute"
	// ModeInfer is a call to the non-deterministic inference provider.
	ModeInfer Mode = "infer"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeCompute || m == ModeInfer
}

// FieldType is a primitive type a contract field can declare.
type FieldType string

const (
	TypeString      FieldType = "string"
	TypeInteger     FieldType = "integer"
	TypeNumber      FieldType = "number"
	TypeBoolean     FieldType = "boolean"
	TypeProbability FieldType = "probability"
	TypeList        FieldType = "list"
	TypeObject      FieldType = "object"
)

// Valid reports whether t is a recognised primitive type.
func (t FieldType) Valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeNumber, TypeBoolean, TypeProbability, TypeList, TypeObject:
		return true
	default:
		return false
	}
}

// Numeric reports whether values of t are numbers.
func (t FieldType) Numeric() bool {
	return t == TypeInteger || t == TypeNumber || t == TypeProbability
}

// AssignableTo reports whether a value of type t may feed a consumer
// declaring type want. Integers and probabilities widen to number; nothing
// converts to string implicitly.
func (t FieldType) AssignableTo(want FieldType) bool {
	if t == want {
		return true
	}
	if want == TypeNumber && (t == TypeInteger || t == TypeProbability) {
		return true
	}
	return false
}
