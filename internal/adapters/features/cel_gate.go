package features

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"go.uber.org/zap"

	"github.com/atvirokodosprendimai/treeaudit/internal/core/domain"
)

// CELGate evaluates the per-instance feature expressions stored on the
// instance row. An expression sees:
//
//	instance_id   int
//	instance_name string
//	feature       string
//
// and must produce a bool. Missing or broken expressions disable the feature.
type CELGate struct {
	env      *cel.Env
	log      *zap.Logger
	programs sync.Map // expr → cel.Program
}

func NewCELGate(log *zap.Logger) (*CELGate, error) {
	if log == nil {
		log = zap.NewNop()
	}
	env, err := cel.NewEnv(
		cel.Variable("instance_id", cel.IntType),
		cel.Variable("instance_name", cel.StringType),
		cel.Variable("feature", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("build cel env: %w", err)
	}
	return &CELGate{env: env, log: log}, nil
}

func (g *CELGate) Enabled(_ context.Context, inst domain.Instance, feature string) bool {
	expr := strings.TrimSpace(inst.Features[feature])
	if expr == "" {
		return false
	}
	program, err := g.program(expr)
	if err != nil {
		g.log.Warn("feature expression rejected",
			zap.Int64("instance_id", inst.ID),
			zap.String("feature", feature),
			zap.Error(err))
		return false
	}
	out, _, err := program.Eval(map[string]any{
		"instance_id":   inst.ID,
		"instance_name": inst.Name,
		"feature":       feature,
	})
	if err != nil {
		g.log.Warn("feature expression failed",
			zap.Int64("instance_id", inst.ID),
			zap.String("feature", feature),
			zap.Error(err))
		return false
	}
	v, ok := out.Value().(bool)
	return ok && v
}

// Validate compiles expr without caching it; used when features are configured.
func (g *CELGate) Validate(expr string) error {
	_, err := g.compile(expr)
	return err
}

func (g *CELGate) program(expr string) (cel.Program, error) {
	if cached, ok := g.programs.Load(expr); ok {
		return cached.(cel.Program), nil
	}
	program, err := g.compile(expr)
	if err != nil {
		return nil, err
	}
	g.programs.Store(expr, program)
	return program, nil
}

func (g *CELGate) compile(expr string) (cel.Program, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("expression required")
	}
	ast, issues := g.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, issues.Err()
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("expression must be bool, got %s", ast.OutputType())
	}
	return g.env.Program(ast)
}
