// Package aggregate merges the candidate matches of one or more detectors into
// a single thresholded Verdict per category.
package aggregate

import (
	"math"
	"sort"

	"github.com/polisai/polis-safety/pkg/domain"
)

// Aggregator coalesces candidates for a single category.
type Aggregator struct {
	Category domain.Category
	// Threshold is the minimum confidence a merged match needs to survive.
	Threshold float64
}

// New returns an Aggregator for category.
func New(category domain.Category, threshold float64) Aggregator {
	return Aggregator{Category: category, Threshold: threshold}
}

// Aggregate merges every candidate set found in text. Candidates with a span
// outside text are ignored. The result does not depend on the order of sets
// or of the matches inside them.
func (a Aggregator) Aggregate(text string, sets ...[]domain.Match) domain.Verdict {
	var candidates []domain.Match
	for _, set := range sets {
		for _, m := range set {
			if !m.Span.ValidFor(len(text)) || math.IsNaN(m.Confidence) {
				continue
			}
			candidates = append(candidates, m)
		}
	}

	verdict := domain.Verdict{Category: a.Category}
	for _, m := range coalesce(candidates) {
		if !(m.Confidence >= a.Threshold) {
			continue
		}
		m.Text = text[m.Span.Start:m.Span.End]
		m.Category = a.Category
		verdict.Matches = append(verdict.Matches, m)
		if m.Confidence > verdict.Confidence {
			verdict.Confidence = m.Confidence
		}
	}
	verdict.Triggered = len(verdict.Matches) > 0
	return verdict
}

// coalesce sorts candidates and merges overlapping spans. The merged match
// keeps the provenance of its most confident member; pattern matches win ties.
func coalesce(candidates []domain.Match) []domain.Match {
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool { return less(candidates[i], candidates[j]) })

	merged := make([]domain.Match, 0, len(candidates))
	current := candidates[0]
	for _, next := range candidates[1:] {
		if !current.Span.Overlaps(next.Span) {
			merged = append(merged, current)
			current = next
			continue
		}
		current.Span = current.Span.Union(next.Span)
		if outranks(next, current) {
			current.Confidence = next.Confidence
			current.Source = next.Source
			current.Rule = next.Rule
		}
	}
	return append(merged, current)
}

func less(a, b domain.Match) bool {
	if a.Span.Start != b.Span.Start {
		return a.Span.Start < b.Span.Start
	}
	if a.Span.End != b.Span.End {
		return a.Span.End < b.Span.End
	}
	if a.Source != b.Source {
		return sourceRank(a.Source) < sourceRank(b.Source)
	}
	if a.Confidence != b.Confidence {
		return a.Confidence > b.Confidence
	}
	if a.Rule != b.Rule {
		return a.Rule < b.Rule
	}
	return a.Text < b.Text
}

// outranks reports whether candidate should replace the provenance of current.
func outranks(candidate, current domain.Match) bool {
	if candidate.Confidence != current.Confidence {
		return candidate.Confidence > current.Confidence
	}
	return sourceRank(candidate.Source) < sourceRank(current.Source)
}

func sourceRank(s domain.Source) int {
	if s == domain.SourcePattern {
		return 0
	}
	return 1
}
