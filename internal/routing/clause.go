package routing

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cast"

	"courier/pkg/cel"
	"courier/pkg/models"
)

const attributePrefix = "attributes."

// compiledClause is a Clause with its lookup structures and CEL program
// prepared once per snapshot.
type compiledClause struct {
	Clause
	set     map[string]struct{}
	program *cel.Program
	absent  bool
}

func compileClause(c Clause, evaluator *cel.Evaluator) (compiledClause, error) {
	cc := compiledClause{Clause: c}

	if c.Kind != ClauseExpression && c.Field == "" {
		return cc, fmt.Errorf("%s clause requires a field", c.Kind)
	}

	switch c.Kind {
	case ClauseExact:
	case ClausePrefix:
		if c.Value == "" {
			return cc, fmt.Errorf("prefix clause on %q has an empty prefix", c.Field)
		}
	case ClauseOneOf:
		if len(c.Values) == 0 {
			return cc, fmt.Errorf("one_of clause on %q has no values", c.Field)
		}
		cc.set = make(map[string]struct{}, len(c.Values))
		for _, v := range c.Values {
			cc.set[v] = struct{}{}
		}
	case ClauseExists:
		switch c.Value {
		case "", "true":
		case "false":
			cc.absent = true
		default:
			return cc, fmt.Errorf("exists clause on %q must be true or false, got %q", c.Field, c.Value)
		}
	case ClauseNumeric:
		switch c.Op {
		case "=", "!=", "<", "<=", ">", ">=":
		default:
			return cc, fmt.Errorf("numeric clause on %q has unknown operator %q", c.Field, c.Op)
		}
	case ClauseExpression:
		if evaluator == nil {
			return cc, fmt.Errorf("expression clauses need a CEL evaluator")
		}
		program, err := evaluator.Compile(c.Expression)
		if err != nil {
			return cc, err
		}
		cc.program = program
	default:
		return cc, fmt.Errorf("unknown clause kind %q", c.Kind)
	}

	return cc, nil
}

func (c compiledClause) matches(ctx context.Context, env models.Envelope) bool {
	if c.Kind == ClauseExpression {
		ok, err := c.program.Eval(ctx, env)
		return err == nil && ok
	}

	raw, present := resolveField(env, c.Field)

	switch c.Kind {
	case ClauseExists:
		return present != c.absent
	case ClauseNumeric:
		if !present {
			return false
		}
		n, err := cast.ToFloat64E(raw)
		if err != nil {
			return false
		}
		return compareNumber(n, c.Op, c.Number)
	}

	if !present {
		return false
	}
	s, err := cast.ToStringE(raw)
	if err != nil {
		return false
	}

	switch c.Kind {
	case ClauseExact:
		return s == c.Value
	case ClauseOneOf:
		_, ok := c.set[s]
		return ok
	case ClausePrefix:
		return strings.HasPrefix(s, c.Value)
	}
	return false
}

// resolveField maps "source" and "type" to the envelope fields and any
// other name to an attribute. "attributes.x" always means the attribute.
func resolveField(env models.Envelope, field string) (interface{}, bool) {
	switch field {
	case "source":
		return env.Source, true
	case "type":
		return env.Type, true
	}
	return env.Attribute(strings.TrimPrefix(field, attributePrefix))
}

func compareNumber(v float64, op string, want float64) bool {
	switch op {
	case "=":
		return v == want
	case "!=":
		return v != want
	case "<":
		return v < want
	case "<=":
		return v <= want
	case ">":
		return v > want
	case ">=":
		return v >= want
	}
	return false
}

// Filter is a compiled conjunction of clauses. A nil or empty filter
// matches every envelope.
type Filter struct {
	clauses []compiledClause
}

func CompileFilter(clauses []Clause, evaluator *cel.Evaluator) (*Filter, error) {
	f := &Filter{clauses: make([]compiledClause, 0, len(clauses))}
	for i, c := range clauses {
		cc, err := compileClause(c, evaluator)
		if err != nil {
			return nil, fmt.Errorf("clause %d: %w", i, err)
		}
		f.clauses = append(f.clauses, cc)
	}
	return f, nil
}

func (f *Filter) Matches(ctx context.Context, env models.Envelope) bool {
	if f == nil {
		return true
	}
	for _, c := range f.clauses {
		if !c.matches(ctx, env) {
			return false
		}
	}
	return true
}

func (f *Filter) Len() int {
	if f == nil {
		return 0
	}
	return len(f.clauses)
}
