// Package action turns an aggregated Verdict into a PolicyResult.
//
// Actions are pure functions of (text, verdict): they never call out, never
// fail and never mutate their inputs. When the verdict is not triggered every
// action passes the original text through unchanged.
package action

import (
	"fmt"
	"strings"

	"github.com/polisai/polis-safety/pkg/domain"
)

// Kind names an action strategy.
type Kind string

const (
	KindBlock   Kind = "block"
	KindReplace Kind = "replace"
	KindRaise   Kind = "raise"
)

// ParseKind converts s into a Kind. "anonymize" and "raise_violation" are
// accepted as aliases.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindBlock, KindReplace, KindRaise:
		return k, nil
	case "anonymize":
		return KindReplace, nil
	case "raise_violation":
		return KindRaise, nil
	default:
		return "", domain.InvalidConfig("action", "unknown action %q", s)
	}
}

// Action applies a policy decision to text.
type Action interface {
	Kind() Kind
	Apply(text string, verdict domain.Verdict) domain.PolicyResult
}

// New builds the action for kind. placeholder is only used by replace and is
// required for it.
func New(kind Kind, placeholder string) (Action, error) {
	switch kind {
	case KindBlock:
		return Block{}, nil
	case KindReplace:
		if placeholder == "" {
			return nil, domain.InvalidConfig("placeholder", "replace action requires a placeholder")
		}
		return Replace{Placeholder: placeholder}, nil
	case KindRaise:
		return Raise{}, nil
	default:
		return nil, domain.InvalidConfig("action", "unknown action %q", kind)
	}
}

// Placeholder returns the default replacement token for category.
func Placeholder(category domain.Category) string {
	return fmt.Sprintf("[REDACTED:%s]", category)
}

// Block withholds the whole text when the verdict triggers.
type Block struct{}

// Kind implements Action.
func (Block) Kind() Kind { return KindBlock }

// Apply implements Action.
func (Block) Apply(text string, verdict domain.Verdict) domain.PolicyResult {
	if !verdict.Triggered {
		return passResult(text, verdict)
	}
	return domain.PolicyResult{
		Outcome:  domain.OutcomeBlocked,
		Category: verdict.Category,
		Matches:  len(verdict.Matches),
	}
}

// Replace substitutes every matched span with Placeholder.
type Replace struct {
	Placeholder string
}

// Kind implements Action.
func (Replace) Kind() Kind { return KindReplace }

// Apply implements Action. Matches must be sorted and non-overlapping, as
// produced by the aggregator; spans that overlap an earlier one or fall
// outside text are skipped.
func (r Replace) Apply(text string, verdict domain.Verdict) domain.PolicyResult {
	if !verdict.Triggered {
		return passResult(text, verdict)
	}

	var b strings.Builder
	b.Grow(len(text))
	cursor := 0
	replaced := 0
	for _, m := range verdict.Matches {
		if m.Span.Start < cursor || !m.Span.ValidFor(len(text)) {
			continue
		}
		b.WriteString(text[cursor:m.Span.Start])
		b.WriteString(r.Placeholder)
		cursor = m.Span.End
		replaced++
	}
	b.WriteString(text[cursor:])

	out := b.String()
	return domain.PolicyResult{
		Outcome:  domain.OutcomeReplaced,
		Text:     &out,
		Category: verdict.Category,
		Matches:  replaced,
	}
}

// Raise reports a structured violation instead of returning text.
type Raise struct{}

// Kind implements Action.
func (Raise) Kind() Kind { return KindRaise }

// Apply implements Action.
func (Raise) Apply(text string, verdict domain.Verdict) domain.PolicyResult {
	if !verdict.Triggered {
		return passResult(text, verdict)
	}
	v := verdict.Clone()
	return domain.PolicyResult{
		Outcome: domain.OutcomeViolation,
		Violation: &domain.Violation{
			Category:   v.Category,
			Matches:    v.Matches,
			Confidence: v.Confidence,
		},
		Category: verdict.Category,
		Matches:  len(verdict.Matches),
	}
}

func passResult(text string, verdict domain.Verdict) domain.PolicyResult {
	res := domain.PassResult(text)
	res.Category = verdict.Category
	return res
}
