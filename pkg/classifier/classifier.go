// Package classifier defines the contract between model-backed detectors and
// the external LLM classification service, together with an OpenAI-compatible
// adapter, prompt providers and a circuit breaker.
package classifier

import (
	"context"
	"errors"

	"github.com/polisai/polis-safety/pkg/domain"
)

// Mode selects what the classifier is asked to report.
type Mode string

const (
	// ModeClassify asks for a single yes/no verdict over the whole text.
	ModeClassify Mode = "classify"
	// ModeFind asks for every span of the text that belongs to the category.
	ModeFind Mode = "find"
)

var (
	// ErrMalformedResponse indicates the classifier answered with something
	// that cannot be interpreted as a verdict.
	ErrMalformedResponse = errors.New("classifier: malformed response")
	// ErrCircuitOpen is returned while the circuit breaker rejects calls.
	ErrCircuitOpen = errors.New("classifier: circuit breaker is open")
)

// Request is a single classification call.
type Request struct {
	Category domain.Category
	Text     string
	Mode     Mode
	// Guidance describes the category in natural language; prompt providers
	// embed it into the instructions sent to the model.
	Guidance string
}

// Result is the classifier verdict. Spans are byte offsets into Request.Text.
type Result struct {
	Matched    bool
	Spans      []domain.Span
	Confidence float64
}

// Classifier is the outbound collaborator used by model detectors.
// Implementations must honour ctx cancellation and deadlines and must be safe
// for concurrent use.
type Classifier interface {
	Classify(ctx context.Context, req Request) (Result, error)
}

// Func adapts an ordinary function to the Classifier interface.
type Func func(ctx context.Context, req Request) (Result, error)

// Classify calls f(ctx, req).
func (f Func) Classify(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}
