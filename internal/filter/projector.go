package filter

import (
	"context"

	"github.com/itchyny/gojq"

	"github.com/rendis/pulse/pkg/schema"
)

// Projector is a compiled jq program applied to Env. It is safe for
// concurrent use.
type Projector struct {
	source string
	code   *gojq.Code
}

// NewProjector parses and compiles a jq program.
func NewProjector(expression string) (*Projector, error) {
	if expression == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "empty jq expression")
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq parse error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}

	code, err := gojq.Compile(query,
		// Sandbox: hide the process environment from $ENV and env.
		gojq.WithEnvironLoader(func() []string { return nil }),
	)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"jq compile error in %q: %s", expression, err.Error()).
			WithCause(err).
			WithDetails(map[string]any{"expression": expression})
	}
	return &Projector{source: expression, code: code}, nil
}

// String returns the source program.
func (p *Projector) String() string { return p.source }

// Project runs the program against ev and returns every output. A program
// like `select(.payload.status == "failed")` may return none.
func (p *Projector) Project(ctx context.Context, ev schema.Event) ([]any, error) {
	env, err := Env(ev)
	if err != nil {
		return nil, err
	}

	iter := p.code.RunWithContext(ctx, env)
	var results []any
	for {
		val, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := val.(error); isErr {
			return nil, schema.NewErrorf(schema.ErrCodeEvaluation,
				"jq evaluation failed for %q: %s", p.source, err.Error()).
				WithCause(err).
				WithDetails(map[string]any{"expression": p.source, "seq": ev.Seq})
		}
		results = append(results, val)
	}
	return results, nil
}
