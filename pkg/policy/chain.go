package policy

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/polisai/polis-safety/pkg/domain"
)

// ChainResult is the outcome of a chain evaluation.
type ChainResult struct {
	// Final is the effective result: the first terminal (blocked or
	// violation) result, or the accumulated pass/replaced result.
	Final domain.PolicyResult
	// Steps holds the result of every policy that ran, in order.
	Steps []domain.PolicyResult
}

// Chain evaluates policies in order, feeding replaced text forward and
// short-circuiting on blocked or violation outcomes.
type Chain struct {
	policies []Evaluator
}

// NewChain constructs a chain.
func NewChain(policies ...Evaluator) Chain {
	return Chain{policies: append([]Evaluator(nil), policies...)}
}

// Len returns the number of policies in the chain.
func (c Chain) Len() int { return len(c.policies) }

// Evaluate runs the chain over text.
func (c Chain) Evaluate(ctx context.Context, text string) (ChainResult, error) {
	current := text
	final := domain.PassResult(text)
	steps := make([]domain.PolicyResult, 0, len(c.policies))
	var failures []domain.DetectorFailure
	matches := 0

	for _, p := range c.policies {
		res, err := p.Evaluate(ctx, current)
		if err != nil {
			return ChainResult{}, err
		}
		steps = append(steps, res)
		failures = append(failures, res.Failures...)
		matches += res.Matches

		switch res.Outcome {
		case domain.OutcomeBlocked, domain.OutcomeViolation:
			res.Failures = failures
			return ChainResult{Final: res, Steps: steps}, nil
		case domain.OutcomeReplaced:
			current = res.TextOrEmpty()
			final = res
		}
	}

	final.Text = &current
	final.Matches = matches
	final.Failures = failures
	return ChainResult{Final: final, Steps: steps}, nil
}

// EvaluateAll evaluates independent policies concurrently against the same
// text and returns their results in input order.
func EvaluateAll(ctx context.Context, text string, policies ...Evaluator) ([]domain.PolicyResult, error) {
	results := make([]domain.PolicyResult, len(policies))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range policies {
		g.Go(func() error {
			res, err := p.Evaluate(gctx, text)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
