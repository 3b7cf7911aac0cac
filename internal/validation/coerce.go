// Package validation checks produced outputs against their contracts.
package validation

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"slices"

	"github.com/regression-io/stratum/contracts"
)

// EnumError is a string field whose value is not one of the declared values.
type EnumError struct {
	Field  string
	Value  string
	Values []string
}

func (e *EnumError) Error() string {
	return fmt.Sprintf("field %s: %q is not one of %v", e.Field, e.Value, e.Values)
}

// Coerce converts value to the declared type of the field. It accepts the
// shapes JSON and YAML decoders produce: any Go numeric type and json.Number
// for numbers, integral floats for integers, and any slice or string-keyed
// map for lists and objects. Numeric bounds are checked after conversion and
// reported as *contracts.RangeError; type failures are *contracts.TypeError.
func Coerce(field string, spec contracts.FieldSpec, value any) (any, error) {
	typeErr := &contracts.TypeError{Field: field, Want: spec.Type, Got: value}

	switch spec.Type {
	case contracts.TypeString:
		s, ok := value.(string)
		if !ok {
			return nil, typeErr
		}
		if len(spec.Values) > 0 && !slices.Contains(spec.Values, s) {
			return nil, &EnumError{Field: field, Value: s, Values: spec.Values}
		}
		return s, nil

	case contracts.TypeBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, typeErr
		}
		return b, nil

	case contracts.TypeInteger:
		if n, ok := exactInteger(value); ok {
			if err := checkRange(field, spec, float64(n)); err != nil {
				return nil, err
			}
			return n, nil
		}
		f, ok := number(value)
		if !ok || f != math.Trunc(f) || math.IsInf(f, 0) {
			return nil, typeErr
		}
		// int64(f) is undefined outside [-2^63, 2^63).
		if f >= 0x1p63 || f < -0x1p63 {
			return nil, typeErr
		}
		if err := checkRange(field, spec, f); err != nil {
			return nil, err
		}
		return int64(f), nil

	case contracts.TypeNumber, contracts.TypeProbability:
		f, ok := number(value)
		if !ok || math.IsNaN(f) {
			return nil, typeErr
		}
		if err := checkRange(field, spec, f); err != nil {
			return nil, err
		}
		return f, nil

	case contracts.TypeList:
		if value == nil {
			return nil, typeErr
		}
		rv := reflect.ValueOf(value)
		if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
			return nil, typeErr
		}
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = rv.Index(i).Interface()
		}
		return out, nil

	case contracts.TypeObject:
		if value == nil {
			return nil, typeErr
		}
		rv := reflect.ValueOf(value)
		if rv.Kind() != reflect.Map || rv.Type().Key().Kind() != reflect.String {
			return nil, typeErr
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[iter.Key().String()] = iter.Value().Interface()
		}
		return out, nil

	default:
		return nil, fmt.Errorf("field %s: unknown type %q", field, spec.Type)
	}
}

func checkRange(field string, spec contracts.FieldSpec, f float64) error {
	lo, hi := spec.Bounds()
	if (lo != nil && f < *lo) || (hi != nil && f > *hi) {
		return &contracts.RangeError{Field: field, Value: f, Min: lo, Max: hi}
	}
	return nil
}

// exactInteger converts Go integer types that fit int64 without going
// through float64.
func exactInteger(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint:
		if uint64(n) <= math.MaxInt64 {
			return int64(n), true
		}
	case uint64:
		if n <= math.MaxInt64 {
			return int64(n), true
		}
	}
	return 0, false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}
