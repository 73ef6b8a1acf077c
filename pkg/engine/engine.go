package engine

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-safety/pkg/audit"
	"github.com/polisai/polis-safety/pkg/catalog"
	"github.com/polisai/polis-safety/pkg/config"
	"github.com/polisai/polis-safety/pkg/domain"
	"github.com/polisai/polis-safety/pkg/policy"
	"github.com/polisai/polis-safety/pkg/telemetry"
)

// InlinePolicyName names policies declared in a single request.
const InlinePolicyName = "inline"

// Options configures an Engine. Zero values select the builtin catalog, no
// audit, no Prometheus metrics and the default logger.
type Options struct {
	Factory *Factory
	Audit   audit.Sink
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

// Engine evaluates text against the active generation of named policies.
// It is safe for concurrent use, including concurrent Reload.
type Engine struct {
	factory  *Factory
	registry *Registry
	audit    audit.Sink
	metrics  *telemetry.Metrics
	logger   *slog.Logger
}

// PolicyInfo describes a loaded policy without exposing its detectors.
type PolicyInfo struct {
	Name        string             `json:"name"`
	Category    domain.Category    `json:"category"`
	Action      string             `json:"action"`
	Detectors   []string           `json:"detectors"`
	Threshold   float64            `json:"threshold"`
	FailureMode policy.FailureMode `json:"fail_mode"`
}

// New builds the first policy generation from cfg. Unlike Reload, any
// failure here is fatal.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	factory := opts.Factory
	if factory == nil {
		factory = NewFactory(nil, logger)
	}
	sink := opts.Audit
	if sink == nil {
		sink = audit.Discard
	}

	e := &Engine{
		factory:  factory,
		registry: NewRegistry(logger),
		audit:    sink,
		metrics:  opts.Metrics,
		logger:   logger,
	}
	if err := e.Reload(ctx, cfg); err != nil {
		return nil, err
	}
	return e, nil
}

// Reload builds a new generation from cfg and installs it. When the build
// fails the previous generation keeps serving and the error is returned.
func (e *Engine) Reload(ctx context.Context, cfg *config.Config) error {
	err := e.reload(ctx, cfg)
	e.metrics.RecordReload(err)
	if err != nil {
		e.logger.Error("policy reload rejected, keeping previous generation",
			slog.Int64("generation", e.registry.Current().ID),
			slog.Any("error", err))
	}
	return err
}

func (e *Engine) reload(ctx context.Context, cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Default()
	}
	deps, err := e.factory.Dependencies(ctx, cfg)
	if err != nil {
		return err
	}
	policies, err := e.factory.Build(ctx, cfg, deps)
	if err != nil {
		return err
	}
	gen := e.registry.Replace(policies, deps)
	e.metrics.SetPoliciesLoaded(gen.Len())
	return nil
}

// Generation returns the ID of the active generation.
func (e *Engine) Generation() int64 {
	return e.registry.Current().ID
}

// Policies describes every loaded policy, sorted by name.
func (e *Engine) Policies() []PolicyInfo {
	gen := e.registry.Current()
	infos := make([]PolicyInfo, 0, gen.Len())
	for _, name := range gen.names {
		p := gen.policies[name]
		infos = append(infos, PolicyInfo{
			Name:        name,
			Category:    p.Category(),
			Action:      string(p.ActionKind()),
			Detectors:   p.DetectorNames(),
			Threshold:   p.Threshold(),
			FailureMode: p.FailureMode(),
		})
	}
	return infos
}

// Evaluate runs the named policy over text. Unknown names return an error
// matching domain.ErrPolicyNotFound.
func (e *Engine) Evaluate(ctx context.Context, name, text string) (domain.PolicyResult, error) {
	p, err := e.registry.Current().Lookup(name)
	if err != nil {
		return domain.PolicyResult{}, err
	}
	return e.evaluate(ctx, p, text)
}

// EvaluateInline builds a one-off policy from pc with the active generation's
// dependencies and runs it over text. The policy is not retained.
func (e *Engine) EvaluateInline(ctx context.Context, pc config.PolicyConfig, text string) (domain.PolicyResult, error) {
	if pc.Name == "" {
		pc.Name = InlinePolicyName
	}
	if err := pc.Validate(); err != nil {
		return domain.PolicyResult{}, err
	}
	spec, err := e.factory.Spec(pc)
	if err != nil {
		return domain.PolicyResult{}, err
	}
	return e.EvaluateSpec(ctx, spec, text)
}

// EvaluateSpec builds spec with the active generation's dependencies and runs
// it over text. An unnamed spec takes the catalog's default name.
func (e *Engine) EvaluateSpec(ctx context.Context, spec catalog.Spec, text string) (domain.PolicyResult, error) {
	p, err := e.factory.Registry().Build(ctx, spec, e.registry.Current().deps)
	if err != nil {
		return domain.PolicyResult{}, err
	}
	return e.evaluate(ctx, p, text)
}

// EvaluateChain runs the named policies in order, feeding replaced text
// forward and stopping at the first blocked or violation outcome.
func (e *Engine) EvaluateChain(ctx context.Context, text string, names ...string) (policy.ChainResult, error) {
	evaluators, err := e.lookup(names)
	if err != nil {
		return policy.ChainResult{}, err
	}
	return policy.NewChain(evaluators...).Evaluate(ctx, text)
}

// EvaluateAll runs the named policies concurrently over the same text and
// returns results in name order. No names means every loaded policy.
func (e *Engine) EvaluateAll(ctx context.Context, text string, names ...string) ([]domain.PolicyResult, error) {
	if len(names) == 0 {
		names = e.registry.Current().Names()
	}
	evaluators, err := e.lookup(names)
	if err != nil {
		return nil, err
	}
	return policy.EvaluateAll(ctx, text, evaluators...)
}

// Close flushes the audit sink when it buffers records.
func (e *Engine) Close(ctx context.Context) error {
	if c, ok := e.audit.(interface{ Close(context.Context) error }); ok {
		return c.Close(ctx)
	}
	return nil
}

// lookup resolves names against a single generation so a chain never mixes
// policies from two reloads.
func (e *Engine) lookup(names []string) ([]policy.Evaluator, error) {
	gen := e.registry.Current()
	evaluators := make([]policy.Evaluator, 0, len(names))
	for _, name := range names {
		p, err := gen.Lookup(name)
		if err != nil {
			return nil, err
		}
		evaluators = append(evaluators, instrumented{engine: e, policy: p})
	}
	return evaluators, nil
}

type instrumented struct {
	engine *Engine
	policy *policy.Policy
}

func (i instrumented) Evaluate(ctx context.Context, text string) (domain.PolicyResult, error) {
	return i.engine.evaluate(ctx, i.policy, text)
}

func (e *Engine) evaluate(ctx context.Context, p *policy.Policy, text string) (domain.PolicyResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "safety.evaluate",
		trace.WithAttributes(
			attribute.String("safety.policy", p.Name()),
			attribute.String("safety.category", string(p.Category())),
			attribute.Int("safety.text.length", len(text)),
		))
	defer span.End()

	start := time.Now()
	result, err := p.Evaluate(ctx, text)
	duration := time.Since(start)
	if err != nil {
		telemetry.RecordEvaluationError(span, err)
		return domain.PolicyResult{}, err
	}

	telemetry.RecordPolicyResult(span, result)
	telemetry.RecordEvaluation(ctx, telemetry.EvaluationMetrics{Result: result, Duration: duration})
	e.metrics.ObserveEvaluation(result, duration)
	e.record(ctx, span, result, duration)

	if result.Degraded() {
		e.logger.Warn("policy evaluated with unavailable detectors",
			slog.String("policy", result.Policy),
			slog.String("outcome", string(result.Outcome)),
			slog.Int("failures", len(result.Failures)))
	}
	return result, nil
}

func (e *Engine) record(ctx context.Context, span trace.Span, result domain.PolicyResult, duration time.Duration) {
	rec := audit.NewRecord(result, duration)
	if sc := span.SpanContext(); sc.HasTraceID() {
		rec.TraceID = sc.TraceID().String()
	}
	if err := e.audit.Write(ctx, rec); err != nil {
		e.logger.Warn("audit write failed", slog.String("audit_id", rec.ID), slog.Any("error", err))
	}
	if d, ok := e.audit.(interface{ Dropped() int64 }); ok {
		e.metrics.SetAuditDropped(d.Dropped())
	}
}
