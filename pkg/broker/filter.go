package broker

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
)

// Filter is a compiled subscription filter policy written in CEL.
//
// Expressions see the message as:
//
//	attributes  map(string, string)  message attributes
//	body        dyn                  body parsed as JSON, null when not JSON
//	text        string               raw body
//	size        int                  body length in bytes
//
// Example: `attributes["eventName"].startsWith("ObjectCreated") && body.data.key.endsWith(".png")`
type Filter struct {
	expr string
	prog cel.Program
}

// NewFilter compiles expr. An empty expression yields a nil Filter, which matches everything.
func NewFilter(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("attributes", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("body", cel.DynType),
		cel.Variable("text", cel.StringType),
		cel.Variable("size", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create filter environment: %w", err)
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: filter %q: %w", ErrInvalidConfig, expr, iss.Err())
	}
	checked, iss := env.Check(ast)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: filter %q: %w", ErrInvalidConfig, expr, iss.Err())
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, fmt.Errorf("%w: filter %q: %w", ErrInvalidConfig, expr, err)
	}
	return &Filter{expr: expr, prog: prog}, nil
}

// Match evaluates the filter. A nil Filter matches everything. Evaluation
// errors and non-boolean results count as no match.
func (f *Filter) Match(body []byte, attrs map[string]string) (bool, error) {
	if f == nil {
		return true, nil
	}
	var parsed any
	if err := json.Unmarshal(body, &parsed); err != nil {
		parsed = nil
	}
	if attrs == nil {
		attrs = map[string]string{}
	}
	out, _, err := f.prog.Eval(map[string]any{
		"attributes": attrs,
		"body":       parsed,
		"text":       string(body),
		"size":       int64(len(body)),
	})
	if err != nil {
		return false, fmt.Errorf("filter %q: %w", f.expr, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("filter %q: result is %T, not bool", f.expr, out.Value())
	}
	return b, nil
}

// String returns the source expression, or "" for a nil Filter.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expr
}
