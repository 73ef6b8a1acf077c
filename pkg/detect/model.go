package detect

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/polisai/polis-safety/pkg/classifier"
	"github.com/polisai/polis-safety/pkg/domain"
)

// DefaultModelTimeout bounds a single classifier call when none is configured.
const DefaultModelTimeout = 10 * time.Second

// ModelConfig configures a ModelDetector.
type ModelConfig struct {
	Name     string
	Category domain.Category
	Style    Style
	Client   classifier.Classifier
	// Timeout bounds each classifier call independently of the caller's deadline.
	Timeout time.Duration
	// Guidance is the natural-language category definition sent to the model.
	Guidance string
}

// ModelDetector delegates detection to an external classifier. Any failure,
// timeout or malformed answer yields no matches and a *domain.DetectorError.
type ModelDetector struct {
	name     string
	category domain.Category
	style    Style
	client   classifier.Classifier
	timeout  time.Duration
	guidance string
}

// NewModelDetector validates cfg and constructs a ModelDetector.
func NewModelDetector(cfg ModelConfig) (*ModelDetector, error) {
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		return nil, domain.InvalidConfig("detector", "model detector name is required")
	}
	if cfg.Client == nil {
		return nil, domain.InvalidConfig("detector", "model detector %s requires a classifier", name)
	}
	style := cfg.Style
	switch style {
	case "":
		style = StyleClassifier
	case StyleFinder, StyleClassifier:
	default:
		return nil, domain.InvalidConfig("detector", "model detector %s: unknown style %q", name, style)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultModelTimeout
	}

	return &ModelDetector{
		name:     name,
		category: cfg.Category,
		style:    style,
		client:   cfg.Client,
		timeout:  timeout,
		guidance: cfg.Guidance,
	}, nil
}

// Name implements Detector.
func (d *ModelDetector) Name() string { return d.name }

// Category implements Detector.
func (d *ModelDetector) Category() domain.Category { return d.category }

// Style implements Detector.
func (d *ModelDetector) Style() Style { return d.style }

// Source implements Detector.
func (d *ModelDetector) Source() domain.Source { return domain.SourceModel }

// Detect calls the classifier under its own timeout. Cancellation of ctx by
// the caller is returned as ctx.Err() so it is not mistaken for an
// unavailable classifier.
func (d *ModelDetector) Detect(ctx context.Context, text string) ([]domain.Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if text == "" {
		return nil, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	mode := classifier.ModeClassify
	if d.style == StyleFinder {
		mode = classifier.ModeFind
	}

	res, err := d.client.Classify(callCtx, classifier.Request{
		Category: d.category,
		Text:     text,
		Mode:     mode,
		Guidance: d.guidance,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &domain.DetectorError{Detector: d.name, Err: err}
	}

	matches, err := d.toMatches(text, res)
	if err != nil {
		return nil, &domain.DetectorError{Detector: d.name, Err: err}
	}
	return matches, nil
}

func (d *ModelDetector) toMatches(text string, res classifier.Result) ([]domain.Match, error) {
	if math.IsNaN(res.Confidence) || res.Confidence < 0 || res.Confidence > 1 {
		return nil, fmt.Errorf("%w: confidence %v outside [0,1]", classifier.ErrMalformedResponse, res.Confidence)
	}
	if !res.Matched {
		return nil, nil
	}

	whole := domain.Match{
		Span:       domain.Span{Start: 0, End: len(text)},
		Text:       text,
		Category:   d.category,
		Confidence: res.Confidence,
		Source:     domain.SourceModel,
		Rule:       d.name,
	}

	// A positive verdict without located passages covers the whole text.
	if d.style == StyleClassifier || len(res.Spans) == 0 {
		return []domain.Match{whole}, nil
	}

	matches := make([]domain.Match, 0, len(res.Spans))
	for _, span := range res.Spans {
		if !span.ValidFor(len(text)) {
			return nil, fmt.Errorf("%w: span [%d,%d) outside text of %d bytes", classifier.ErrMalformedResponse, span.Start, span.End, len(text))
		}
		matches = append(matches, domain.Match{
			Span:       span,
			Text:       text[span.Start:span.End],
			Category:   d.category,
			Confidence: res.Confidence,
			Source:     domain.SourceModel,
			Rule:       d.name,
		})
	}
	return matches, nil
}
