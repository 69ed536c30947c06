package cel

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"

	"courier/pkg/models"
)

// Evaluator compiles boolean CEL expressions over an envelope. Programs are
// safe for concurrent use once compiled.
//
// The envelope type is bound as event_type because type is a CEL builtin.
type Evaluator struct {
	env *cel.Env
}

// Program is a compiled expression bound to the evaluator's variables.
type Program struct {
	expression string
	program    cel.Program
}

func (p *Program) Expression() string {
	return p.expression
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("bus", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("event_type", cel.StringType),
		cel.Variable("timestamp", cel.TimestampType),
		cel.Variable("partition_key", cel.StringType),
		cel.Variable("attributes", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("payload", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

func (e *Evaluator) ValidateExpression(expression string) error {
	_, err := e.Compile(expression)
	return err
}

// Compile parses and type-checks a filter expression. The result type must
// be bool.
func (e *Evaluator) Compile(expression string) (*Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("filter expression must return bool, got %v", ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Program{expression: expression, program: program}, nil
}

func (p *Program) Eval(ctx context.Context, env models.Envelope) (bool, error) {
	result, _, err := p.program.ContextEval(ctx, activation(env))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}

// EvaluateFilter compiles and runs expression in one step.
func (e *Evaluator) EvaluateFilter(ctx context.Context, expression string, env models.Envelope) (bool, error) {
	program, err := e.Compile(expression)
	if err != nil {
		return false, err
	}
	return program.Eval(ctx, env)
}

func activation(env models.Envelope) map[string]interface{} {
	attrs := env.Attributes
	if attrs == nil {
		attrs = map[string]interface{}{}
	}
	payload := env.PayloadMap()
	if payload == nil {
		payload = map[string]interface{}{}
	}

	return map[string]interface{}{
		"id":            env.ID,
		"bus":           env.Bus,
		"source":        env.Source,
		"event_type":    env.Type,
		"timestamp":     env.Timestamp,
		"partition_key": env.PartitionKey,
		"attributes":    attrs,
		"payload":       payload,
	}
}
