package config

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/regression-io/stratum/contracts"
)

// SourceKind tells where a step input value comes from.
type SourceKind int

const (
	SourceLiteral SourceKind = iota
	SourceInput
	SourceStep
)

// Fields every debate step exposes in addition to its contract.
const (
	FieldConverged = "converged"
	FieldOutputs   = "outputs"
)

// Source is a parsed source expression: a literal, input.<field> or
// steps.<id>.output.<field>.
type Source struct {
	Kind    SourceKind
	Literal any
	Step    contracts.StepID
	Field   string
	Raw     string
}

// ParseSource parses a source expression.
func ParseSource(raw string) (Source, error) {
	s := strings.TrimSpace(raw)
	src := Source{Raw: raw}

	switch {
	case s == "":
		return src, fmt.Errorf("empty source expression")
	case len(s) >= 2 && (s[0] == '\'' || s[0] == '"') && s[len(s)-1] == s[0]:
		src.Kind = SourceLiteral
		src.Literal = s[1 : len(s)-1]
		return src, nil
	case s == "true" || s == "false":
		src.Kind = SourceLiteral
		src.Literal = s == "true"
		return src, nil
	}

	if f, err := strconv.ParseFloat(s, 64); err == nil {
		src.Kind = SourceLiteral
		if f == math.Trunc(f) && !strings.ContainsAny(s, ".eE") {
			src.Literal = int64(f)
		} else {
			src.Literal = f
		}
		return src, nil
	}

	parts := strings.Split(s, ".")
	switch {
	case parts[0] == "input" && len(parts) == 2 && parts[1] != "":
		src.Kind = SourceInput
		src.Field = parts[1]
		return src, nil
	case parts[0] == "steps" && len(parts) == 4 && parts[1] != "" && parts[2] == "output" && parts[3] != "":
		src.Kind = SourceStep
		src.Step = contracts.StepID(parts[1])
		src.Field = parts[3]
		return src, nil
	}
	return src, fmt.Errorf("source %q must be a literal, input.<field> or steps.<id>.output.<field>", raw)
}

// LiteralType returns the primitive type of a literal source.
func (s Source) LiteralType() contracts.FieldType {
	switch v := s.Literal.(type) {
	case string:
		return contracts.TypeString
	case bool:
		return contracts.TypeBoolean
	case int64:
		return contracts.TypeInteger
	case float64:
		if v >= 0 && v <= 1 {
			return contracts.TypeProbability
		}
		return contracts.TypeNumber
	default:
		return ""
	}
}

// Resolve looks the source up against the flow input and the accepted
// outputs of the run. The second result is false when the value is absent.
func (s Source) Resolve(input contracts.Record, outputs map[contracts.StepID]contracts.Record) (any, bool) {
	switch s.Kind {
	case SourceLiteral:
		return s.Literal, true
	case SourceInput:
		v, ok := input[s.Field]
		return v, ok
	case SourceStep:
		out, ok := outputs[s.Step]
		if !ok {
			return nil, false
		}
		v, ok := out[s.Field]
		return v, ok
	default:
		return nil, false
	}
}

func (s Source) String() string { return s.Raw }
