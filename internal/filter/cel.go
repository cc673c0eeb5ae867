package filter

import (
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/rendis/pulse/pkg/schema"
)

// CELPredicate is a compiled CEL boolean expression over the same variables
// as Predicate. Unlike expr, CEL is type-checked at compile time and a missing
// payload field is a runtime error, so guard optional fields with has().
// It is safe for concurrent use.
type CELPredicate struct {
	source  string
	program cel.Program
}

// NewCELPredicate compiles expression. seq is exposed as an int; scope is
// map(string, string) and payload is dyn.
func NewCELPredicate(expression string) (*CELPredicate, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty CEL filter expression")
	}

	env, err := cel.NewEnv(
		cel.Variable("kind", cel.StringType),
		cel.Variable("seq", cel.IntType),
		cel.Variable("id", cel.StringType),
		cel.Variable("scope", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("payload", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL filter compile error in %q: %s", expression, issues.Err().Error()).
			WithCause(issues.Err()).
			WithDetails(map[string]any{"expression": expression})
	}
	switch out := ast.OutputType().String(); out {
	case "bool", "dyn":
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL filter %q has type %s, want bool", expression, out).
			WithDetails(map[string]any{"expression": expression})
	}

	prg, err := env.Program(ast)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"CEL filter program error in %q: %s", expression, err.Error()).
			WithCause(err)
	}
	return &CELPredicate{source: expression, program: prg}, nil
}

// String returns the source expression.
func (p *CELPredicate) String() string { return p.source }

// Match evaluates the predicate against ev.
func (p *CELPredicate) Match(ev schema.Event) (bool, error) {
	env, err := Env(ev)
	if err != nil {
		return false, err
	}
	env["seq"] = int64(ev.Seq)

	out, _, err := p.program.Eval(env)
	if err != nil {
		return false, schema.NewErrorf(schema.ErrCodeEvaluation,
			"CEL filter evaluation failed for %q: %s", p.source, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": p.source, "seq": ev.Seq})
	}

	b, ok := out.Value().(bool)
	if !ok {
		return false, schema.NewError(schema.ErrCodeEvaluation, fmt.Sprintf("CEL filter %q returned %T, want bool", p.source, out.Value()))
	}
	return b, nil
}
