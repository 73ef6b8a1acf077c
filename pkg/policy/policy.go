package policy

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-safety/pkg/action"
	"github.com/polisai/polis-safety/pkg/aggregate"
	"github.com/polisai/polis-safety/pkg/detect"
	"github.com/polisai/polis-safety/pkg/domain"
)

// Evaluator is anything that can evaluate text into a PolicyResult.
type Evaluator interface {
	Evaluate(ctx context.Context, text string) (domain.PolicyResult, error)
}

// Config describes a policy before validation.
type Config struct {
	Name      string
	Category  domain.Category
	Detectors []detect.Detector
	Action    action.Action
	// Threshold is the minimum merged confidence that triggers the action.
	Threshold   float64
	FailureMode FailureMode
	// Constraints overrides the builtin combination rules.
	Constraints *Constraints
	Logger      *slog.Logger
}

// Policy is an immutable binding of detectors, threshold and action for one
// category. It is safe for concurrent use.
type Policy struct {
	name       string
	category   domain.Category
	detectors  []detect.Detector
	action     action.Action
	aggregator aggregate.Aggregator
	failMode   FailureMode
	logger     *slog.Logger
}

// New validates cfg and returns the policy. Every failure matches
// domain.ErrInvalidConfiguration.
func New(ctx context.Context, cfg Config) (*Policy, error) {
	if cfg.Action == nil {
		return nil, domain.InvalidConfig("action", "policy %s requires an action", cfg.Name)
	}
	for i, d := range cfg.Detectors {
		if d == nil {
			return nil, domain.InvalidConfig("detectors", "policy %s: detector %d is nil", cfg.Name, i)
		}
	}

	failMode := cfg.FailureMode
	if failMode == "" {
		failMode = FailClosed
	}

	constraints := cfg.Constraints
	if constraints == nil {
		var err error
		constraints, err = DefaultConstraints()
		if err != nil {
			return nil, err
		}
	}

	in := ConstraintInput{
		Name:        strings.TrimSpace(cfg.Name),
		Category:    cfg.Category,
		Action:      string(cfg.Action.Kind()),
		Threshold:   cfg.Threshold,
		FailureMode: failMode,
	}
	if r, ok := cfg.Action.(action.Replace); ok {
		in.Placeholder = r.Placeholder
	}
	for _, d := range cfg.Detectors {
		in.Detectors = append(in.Detectors, DetectorInfo{
			Name:     d.Name(),
			Category: d.Category(),
			Style:    string(d.Style()),
			Source:   d.Source(),
		})
	}
	if err := constraints.Check(ctx, in); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Policy{
		name:       in.Name,
		category:   cfg.Category,
		detectors:  append([]detect.Detector(nil), cfg.Detectors...),
		action:     cfg.Action,
		aggregator: aggregate.New(cfg.Category, cfg.Threshold),
		failMode:   failMode,
		logger:     logger.With("policy", in.Name, "category", string(cfg.Category)),
	}, nil
}

// Name returns the policy name.
func (p *Policy) Name() string { return p.name }

// Category returns the category the policy protects.
func (p *Policy) Category() domain.Category { return p.category }

// ActionKind returns the kind of the configured action.
func (p *Policy) ActionKind() action.Kind { return p.action.Kind() }

// Threshold returns the aggregation threshold.
func (p *Policy) Threshold() float64 { return p.aggregator.Threshold }

// FailureMode returns how detector failures are handled.
func (p *Policy) FailureMode() FailureMode { return p.failMode }

// DetectorNames lists the configured detectors in order.
func (p *Policy) DetectorNames() []string {
	names := make([]string, len(p.detectors))
	for i, d := range p.detectors {
		names[i] = d.Name()
	}
	return names
}

// Evaluate runs every detector concurrently, aggregates their matches and
// applies the action. If ctx is cancelled the partial work is discarded and
// ctx.Err() is returned. Detector failures never produce an error: they are
// reported in PolicyResult.Failures and handled according to the failure mode.
func (p *Policy) Evaluate(ctx context.Context, text string) (domain.PolicyResult, error) {
	if err := ctx.Err(); err != nil {
		return domain.PolicyResult{}, err
	}

	found := make([][]domain.Match, len(p.detectors))
	errs := make([]error, len(p.detectors))

	g, gctx := errgroup.WithContext(ctx)
	for i, d := range p.detectors {
		g.Go(func() error {
			matches, err := d.Detect(gctx, text)
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				errs[i] = err
				return nil
			}
			found[i] = matches
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return domain.PolicyResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return domain.PolicyResult{}, err
	}

	var failures []domain.DetectorFailure
	for i, err := range errs {
		if err == nil {
			continue
		}
		name := p.detectors[i].Name()
		p.logger.Warn("detector unavailable", "detector", name, "error", err)
		failures = append(failures, domain.DetectorFailure{Detector: name, Reason: err.Error()})
	}

	var result domain.PolicyResult
	if len(failures) > 0 && p.failMode == FailBlock {
		result = domain.PolicyResult{Outcome: domain.OutcomeBlocked, Category: p.category}
	} else {
		verdict := p.aggregator.Aggregate(text, found...)
		result = p.action.Apply(text, verdict)
	}

	result.Policy = p.name
	result.Category = p.category
	result.Failures = failures
	if result.Violation != nil {
		result.Violation.Policy = p.name
	}

	p.logger.Debug("policy evaluated", "outcome", string(result.Outcome), "matches", result.Matches, "failures", len(failures))
	return result, nil
}
