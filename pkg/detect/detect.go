// Package detect provides the Detector abstraction and its two families:
// deterministic pattern detectors compiled from lexicon rules, and model
// detectors delegating to an external classifier.
package detect

import (
	"context"

	"github.com/polisai/polis-safety/pkg/domain"
)

// Style describes the shape of a detector's output.
type Style string

const (
	// StyleFinder detectors report every matching span.
	StyleFinder Style = "finder"
	// StyleClassifier detectors report at most one whole-text match.
	StyleClassifier Style = "classifier"
)

// Detector produces candidate matches for a single category.
//
// Detect must return either a fully valid set of matches or none at all. An
// error means the detector could not decide; callers treat it as "no match"
// and report it separately.
type Detector interface {
	Name() string
	Category() domain.Category
	Style() Style
	Source() domain.Source
	Detect(ctx context.Context, text string) ([]domain.Match, error)
}
