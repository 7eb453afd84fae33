package rules

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
)

// InputVariable is the name under which evaluation facts are exposed to
// rule expressions.
const InputVariable = "input"

// DefaultCostLimit bounds the runtime cost of a single rule program.
const DefaultCostLimit uint64 = 1000000

// interruptCheckFrequency is how many comprehension iterations run between
// checks of the evaluation context.
const interruptCheckFrequency = 100

// Executor parses rules documents and evaluates their first workflow
// against a fact map. It holds no per-evaluation state and is safe for
// concurrent use.
type Executor struct {
	env       *cel.Env
	costLimit uint64
	cache     ProgramCache
	logger    *slog.Logger
}

type executorOptions struct {
	now       func() time.Time
	loc       *time.Location
	costLimit uint64
	cache     ProgramCache
	logger    *slog.Logger
}

// Option configures an Executor.
type Option func(*executorOptions)

// WithClock sets the clock read by Today() and Now().
func WithClock(now func() time.Time) Option {
	return func(o *executorOptions) { o.now = now }
}

// WithLocation sets the location used for calendar arithmetic.
func WithLocation(loc *time.Location) Option {
	return func(o *executorOptions) { o.loc = loc }
}

// WithCostLimit overrides DefaultCostLimit.
func WithCostLimit(limit uint64) Option {
	return func(o *executorOptions) { o.costLimit = limit }
}

// WithProgramCache enables reuse of compiled programs across evaluations.
func WithProgramCache(cache ProgramCache) Option {
	return func(o *executorOptions) { o.cache = cache }
}

// WithLogger sets the logger used for rule level diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(o *executorOptions) { o.logger = logger }
}

// NewExecutor creates an executor with the CEL environment used by every
// rule: a single map variable named input plus the helper function table.
func NewExecutor(opts ...Option) (*Executor, error) {
	o := executorOptions{
		now:       time.Now,
		loc:       time.UTC,
		costLimit: DefaultCostLimit,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.loc == nil {
		o.loc = time.UTC
	}

	lib := &library{now: o.now, loc: o.loc}
	envOpts := []cel.EnvOption{
		cel.Variable(InputVariable, cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	}
	envOpts = append(envOpts, lib.envOptions()...)

	env, err := cel.NewEnv(envOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Executor{
		env:       env,
		costLimit: o.costLimit,
		cache:     o.cache,
		logger:    o.logger,
	}, nil
}

// Compile compiles a single rule expression into a program, applying the
// legacy syntax rewrites first.
func (ex *Executor) Compile(expression string) (cel.Program, error) {
	normalized := NormalizeExpression(expression)
	if ex.cache != nil {
		if prog, ok := ex.cache.Get(normalized); ok {
			return prog, nil
		}
	}

	ast, issues := ex.env.Compile(normalized)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	prog, err := ex.env.Program(ast,
		cel.CostLimit(ex.costLimit),
		cel.InterruptCheckFrequency(interruptCheckFrequency),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	if ex.cache != nil {
		ex.cache.Set(normalized, prog)
	}
	return prog, nil
}

// Execute parses the document and evaluates every rule of its first
// workflow. A malformed document returns a *ParseError; a document with no
// workflows or no rules returns no details, which never counts as met. The
// only other error is the context's, in which case no details are
// returned.
func (ex *Executor) Execute(ctx context.Context, document string, facts map[string]any) ([]RuleEvaluationDetail, error) {
	doc, err := ParseDocument(document)
	if err != nil {
		return nil, err
	}
	return ex.ExecuteWorkflow(ctx, doc.Primary(), facts)
}

// ExecuteWorkflow evaluates each rule independently, in order. A rule that
// fails to compile, errors at runtime or yields a non-boolean is recorded
// as unsuccessful and evaluation continues with the next rule.
func (ex *Executor) ExecuteWorkflow(ctx context.Context, wf *Workflow, facts map[string]any) ([]RuleEvaluationDetail, error) {
	if wf == nil {
		return []RuleEvaluationDetail{}, nil
	}
	if facts == nil {
		facts = map[string]any{}
	}
	activation := map[string]any{InputVariable: facts}

	details := make([]RuleEvaluationDetail, 0, len(wf.Rules))
	for _, rule := range wf.Rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		detail := RuleEvaluationDetail{
			RuleName:   rule.RuleName,
			Expression: rule.Expression,
		}
		ok, err := ex.evaluate(ctx, rule.Expression, activation)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if err != nil {
			detail.ErrorMessage = err.Error()
			ex.logger.Debug("rule evaluation failed",
				"workflow", wf.Name(),
				"rule", rule.RuleName,
				"error", err,
			)
		} else {
			detail.IsSuccess = ok
		}
		details = append(details, detail)
	}

	return details, nil
}

func (ex *Executor) evaluate(ctx context.Context, expression string, activation map[string]any) (bool, error) {
	prog, err := ex.Compile(expression)
	if err != nil {
		return false, err
	}

	out, _, err := prog.ContextEval(ctx, activation)
	if err != nil {
		return false, fmt.Errorf("evaluation error: %w", err)
	}

	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("expression returned %s, expected bool", out.Type().TypeName())
	}
	return bool(b), nil
}
