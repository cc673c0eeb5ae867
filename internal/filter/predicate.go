package filter

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/rendis/pulse/pkg/schema"
)

// Predicate is a compiled expr boolean expression over Env. It is safe for
// concurrent use.
type Predicate struct {
	source  string
	program *vm.Program
}

// NewPredicate compiles expression. Unknown identifiers evaluate to nil, so
// `(payload.progress ?? 0) > 50` works for payloads without progress.
func NewPredicate(expression string) (*Predicate, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty filter expression")
	}

	prg, err := expr.Compile(expression,
		expr.Env(map[string]any{}),
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"filter compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return &Predicate{source: expression, program: prg}, nil
}

// String returns the source expression.
func (p *Predicate) String() string { return p.source }

// Match evaluates the predicate against ev.
func (p *Predicate) Match(ev schema.Event) (bool, error) {
	env, err := Env(ev)
	if err != nil {
		return false, err
	}

	out, err := vm.Run(p.program, env)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeEvaluation,
			"filter evaluation failed for %q: %s", p.source, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": p.source, "seq": ev.Seq})
	}

	b, ok := out.(bool)
	if !ok {
		return false, schema.NewError(schema.ErrCodeEvaluation, fmt.Sprintf("filter %q returned %T, want bool", p.source, out))
	}
	return b, nil
}
