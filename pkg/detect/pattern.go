package detect

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/polisai/polis-safety/pkg/domain"
	"github.com/polisai/polis-safety/pkg/lexicon"
)

// PatternDetector applies compiled lexicon rules to text. It is deterministic
// and safe for concurrent use.
type PatternDetector struct {
	name     string
	category domain.Category
	rules    []compiledRule
}

// compiledRule is an internal representation of a lexicon.Rule with a compiled regex.
type compiledRule struct {
	name       string
	expr       *regexp.Regexp
	check      Check
	confidence float64
}

// NewPatternDetector compiles rules into a detector for category.
func NewPatternDetector(name string, category domain.Category, rules []lexicon.Rule) (*PatternDetector, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.InvalidConfig("detector", "pattern detector name is required")
	}
	if len(rules) == 0 {
		return nil, domain.InvalidConfig("detector", "pattern detector %s has no rules", name)
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, rule := range rules {
		c, err := compileRule(rule)
		if err != nil {
			return nil, &domain.ConfigError{Field: "detector", Message: fmt.Sprintf("%s: %v", name, err), Err: err}
		}
		compiled = append(compiled, c)
	}

	return &PatternDetector{name: name, category: category, rules: compiled}, nil
}

func compileRule(rule lexicon.Rule) (compiledRule, error) {
	ruleName := strings.TrimSpace(rule.Name)
	if ruleName == "" {
		return compiledRule{}, fmt.Errorf("rule name is required")
	}

	pattern := strings.TrimSpace(rule.Pattern)
	if pattern == "" {
		pattern = termsPattern(rule.Terms)
	}
	if pattern == "" {
		return compiledRule{}, fmt.Errorf("pattern or terms are required for rule %s", ruleName)
	}
	expr, err := regexp.Compile(pattern)
	if err != nil {
		return compiledRule{}, fmt.Errorf("invalid pattern for rule %s: %w", ruleName, err)
	}

	var check Check
	if rule.Check != "" {
		c, ok := LookupCheck(rule.Check)
		if !ok {
			return compiledRule{}, fmt.Errorf("unknown check %q for rule %s", rule.Check, ruleName)
		}
		check = c
	}

	confidence := rule.Score()
	if math.IsNaN(confidence) || confidence < 0 || confidence > 1 {
		return compiledRule{}, fmt.Errorf("confidence %v outside [0,1] for rule %s", confidence, ruleName)
	}

	return compiledRule{name: ruleName, expr: expr, check: check, confidence: confidence}, nil
}

// termsPattern builds a case-insensitive, word-bounded alternation of terms.
// Whitespace inside a term matches any run of whitespace.
func termsPattern(terms []string) string {
	parts := make([]string, 0, len(terms))
	for _, term := range terms {
		fields := strings.Fields(term)
		if len(fields) == 0 {
			continue
		}
		for i, f := range fields {
			fields[i] = regexp.QuoteMeta(f)
		}
		parts = append(parts, strings.Join(fields, `\s+`))
	}
	if len(parts) == 0 {
		return ""
	}
	// Longer alternatives first so multi-word terms win over their prefixes.
	sort.SliceStable(parts, func(i, j int) bool { return len(parts[i]) > len(parts[j]) })
	return `(?i)\b(?:` + strings.Join(parts, "|") + `)\b`
}

// Name implements Detector.
func (d *PatternDetector) Name() string { return d.name }

// Category implements Detector.
func (d *PatternDetector) Category() domain.Category { return d.category }

// Style implements Detector.
func (d *PatternDetector) Style() Style { return StyleFinder }

// Source implements Detector.
func (d *PatternDetector) Source() domain.Source { return domain.SourcePattern }

// Detect applies every rule and returns the matches sorted by position.
func (d *PatternDetector) Detect(ctx context.Context, text string) ([]domain.Match, error) {
	if ctx != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	if text == "" {
		return nil, nil
	}

	var matches []domain.Match
	for _, rule := range d.rules {
		for _, loc := range rule.expr.FindAllStringIndex(text, -1) {
			if loc[0] == loc[1] {
				continue
			}
			value := text[loc[0]:loc[1]]
			if rule.check != nil && !rule.check(value) {
				continue
			}
			matches = append(matches, domain.Match{
				Span:       domain.Span{Start: loc[0], End: loc[1]},
				Text:       value,
				Category:   d.category,
				Confidence: rule.confidence,
				Source:     domain.SourcePattern,
				Rule:       rule.name,
			})
		}
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Span.Start == matches[j].Span.Start {
			return matches[i].Span.End < matches[j].Span.End
		}
		return matches[i].Span.Start < matches[j].Span.Start
	})
	return matches, nil
}
