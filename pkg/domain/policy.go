package domain

import "errors"

// Outcome is the terminal state of a single policy evaluation.
type Outcome string

const (
	// OutcomePass returns the original text unchanged.
	OutcomePass Outcome = "pass"
	// OutcomeBlocked withholds the text entirely.
	OutcomeBlocked Outcome = "blocked"
	// OutcomeReplaced returns the text with matched spans substituted.
	OutcomeReplaced Outcome = "replaced"
	// OutcomeViolation returns a structured violation instead of text.
	OutcomeViolation Outcome = "violation"
)

// Violation is the structured payload of a RaiseViolation action.
type Violation struct {
	Policy     string   `json:"policy,omitempty"`
	Category   Category `json:"category"`
	Matches    []Match  `json:"matches"`
	Confidence float64  `json:"confidence"`
}

// DetectorFailure describes a detector that could not produce a result during
// an evaluation. It is reported for observability and never changes the
// outcome unless the policy is configured to fail as block.
type DetectorFailure struct {
	Detector string `json:"detector"`
	Reason   string `json:"reason"`
}

// PolicyResult is the outcome of evaluating one policy against one text.
type PolicyResult struct {
	Outcome Outcome `json:"outcome"`
	// Text is nil when the outcome is blocked or violation.
	Text      *string    `json:"text,omitempty"`
	Violation *Violation `json:"violation,omitempty"`

	Policy   string            `json:"policy,omitempty"`
	Category Category          `json:"category,omitempty"`
	Matches  int               `json:"matches"`
	Failures []DetectorFailure `json:"failures,omitempty"`
}

// PassResult returns the pass-through result for text.
func PassResult(text string) PolicyResult {
	return PolicyResult{Outcome: OutcomePass, Text: &text}
}

// TextOrEmpty returns the result text, or "" when no text is present.
func (r PolicyResult) TextOrEmpty() string {
	if r.Text == nil {
		return ""
	}
	return *r.Text
}

// Allowed reports whether the host may forward the (possibly redacted) text.
func (r PolicyResult) Allowed() bool {
	return r.Outcome == OutcomePass || r.Outcome == OutcomeReplaced
}

// Degraded reports whether at least one detector was unavailable.
func (r PolicyResult) Degraded() bool {
	return len(r.Failures) > 0
}

// Err converts a violation outcome into a *ViolationError for hosts that
// propagate violations through error returns. It returns nil for every other
// outcome.
func (r PolicyResult) Err() error {
	if r.Outcome != OutcomeViolation || r.Violation == nil {
		return nil
	}
	return &ViolationError{Violation: *r.Violation}
}

// DetectorErr joins the recorded detector failures into a single error that
// satisfies errors.Is(err, ErrDetectorUnavailable). It returns nil when every
// detector succeeded.
func (r PolicyResult) DetectorErr() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, 0, len(r.Failures))
	for _, f := range r.Failures {
		errs = append(errs, &DetectorError{Detector: f.Detector, Err: errors.New(f.Reason)})
	}
	return errors.Join(errs...)
}
