// Package lexicon loads the per-category detection data (regular expressions
// and keyword lists) consumed by pattern detectors.
//
// Lexicons are data, not logic: the builtin sets are embedded YAML documents
// and operators may override any category from a directory of YAML files.
// A Library is immutable once loaded and is shared by reference between all
// detectors built from it.
package lexicon

import (
	"embed"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/polisai/polis-safety/pkg/domain"
	"gopkg.in/yaml.v3"
)

// Kind classifies what a rule matches.
type Kind string

const (
	// KindIdentifier rules match concrete values (addresses, numbers) that can
	// be redacted in place.
	KindIdentifier Kind = "identifier"
	// KindKeyword rules match discourse markers that indicate the category but
	// are not themselves sensitive values.
	KindKeyword Kind = "keyword"
)

// Rule declares one detection rule. Exactly one of Pattern or Terms is set.
type Rule struct {
	Name       string   `yaml:"name" json:"name"`
	Kind       Kind     `yaml:"kind" json:"kind"`
	Pattern    string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Terms      []string `yaml:"terms,omitempty" json:"terms,omitempty"`
	Check      string   `yaml:"check,omitempty" json:"check,omitempty"`
	// Confidence defaults to 1 when unset. An explicit zero is kept.
	Confidence *float64 `yaml:"confidence,omitempty" json:"confidence,omitempty"`
}

// Confidence returns a pointer to v for building rules in code.
func Confidence(v float64) *float64 {
	return &v
}

// Score is the confidence assigned to the rule's matches.
func (r Rule) Score() float64 {
	if r.Confidence == nil {
		return 1
	}
	return *r.Confidence
}

// Set bundles the rules of a single category.
type Set struct {
	Category domain.Category `yaml:"category" json:"category"`
	Rules    []Rule          `yaml:"rules" json:"rules"`
}

// Library is an immutable collection of lexicon sets keyed by category.
type Library struct {
	sets map[domain.Category]Set
}

//go:embed builtin/*.yaml
var builtinFS embed.FS

var (
	builtinOnce sync.Once
	builtinLib  *Library
	builtinErr  error
)

// Builtin returns the process-wide library parsed from the embedded lexicons.
func Builtin() (*Library, error) {
	builtinOnce.Do(func() {
		builtinLib, builtinErr = loadBuiltin()
	})
	return builtinLib, builtinErr
}

func loadBuiltin() (*Library, error) {
	entries, err := builtinFS.ReadDir("builtin")
	if err != nil {
		return nil, fmt.Errorf("lexicon: read builtin: %w", err)
	}
	sets := make(map[domain.Category]Set, len(entries))
	for _, entry := range entries {
		data, err := builtinFS.ReadFile("builtin/" + entry.Name())
		if err != nil {
			return nil, fmt.Errorf("lexicon: read builtin %s: %w", entry.Name(), err)
		}
		set, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("lexicon: builtin %s: %w", entry.Name(), err)
		}
		sets[set.Category] = set
	}
	return &Library{sets: sets}, nil
}

// Load returns the builtin library with every *.yaml / *.yml file in dir
// layered on top. A file replaces the builtin set of the category it declares.
// An empty dir returns the builtin library.
func Load(dir string) (*Library, error) {
	base, err := Builtin()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(dir) == "" {
		return base, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("lexicon: read dir %s: %w", dir, err)
	}

	overrides := make([]Set, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		// #nosec G304 -- lexicon directory is configured by the operator
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("lexicon: read %s: %w", path, err)
		}
		set, err := Parse(data)
		if err != nil {
			return nil, fmt.Errorf("lexicon: %s: %w", path, err)
		}
		overrides = append(overrides, set)
	}
	return base.With(overrides...), nil
}

// Parse decodes and validates a single lexicon document.
func Parse(data []byte) (Set, error) {
	var set Set
	if err := yaml.Unmarshal(data, &set); err != nil {
		return Set{}, fmt.Errorf("parse lexicon: %w", err)
	}
	if err := set.Validate(); err != nil {
		return Set{}, err
	}
	return set.normalized(), nil
}

// Validate checks the structural invariants of a set.
func (s Set) Validate() error {
	if strings.TrimSpace(string(s.Category)) == "" {
		return fmt.Errorf("lexicon: category is required")
	}
	if len(s.Rules) == 0 {
		return fmt.Errorf("lexicon %s: at least one rule is required", s.Category)
	}
	seen := make(map[string]struct{}, len(s.Rules))
	for i, rule := range s.Rules {
		name := strings.TrimSpace(rule.Name)
		if name == "" {
			return fmt.Errorf("lexicon %s: rule %d: name is required", s.Category, i)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("lexicon %s: duplicate rule %s", s.Category, name)
		}
		seen[name] = struct{}{}
		hasPattern := strings.TrimSpace(rule.Pattern) != ""
		if hasPattern == (len(rule.Terms) > 0) {
			return fmt.Errorf("lexicon %s: rule %s: exactly one of pattern or terms is required", s.Category, name)
		}
		switch rule.Kind {
		case "", KindIdentifier, KindKeyword:
		default:
			return fmt.Errorf("lexicon %s: rule %s: unknown kind %q", s.Category, name, rule.Kind)
		}
		if c := rule.Score(); math.IsNaN(c) || c < 0 || c > 1 {
			return fmt.Errorf("lexicon %s: rule %s: confidence %v outside [0,1]", s.Category, name, c)
		}
	}
	return nil
}

func (s Set) normalized() Set {
	out := Set{Category: s.Category, Rules: make([]Rule, len(s.Rules))}
	for i, rule := range s.Rules {
		rule.Name = strings.TrimSpace(rule.Name)
		if rule.Kind == "" {
			rule.Kind = KindIdentifier
		}
		rule.Confidence = Confidence(rule.Score())
		rule.Terms = append([]string(nil), rule.Terms...)
		out.Rules[i] = rule
	}
	return out
}

// With returns a new library where each supplied set replaces the set of the
// same category. The receiver is left untouched.
func (l *Library) With(sets ...Set) *Library {
	merged := make(map[domain.Category]Set, len(l.sets)+len(sets))
	for k, v := range l.sets {
		merged[k] = v
	}
	for _, set := range sets {
		merged[set.Category] = set.normalized()
	}
	return &Library{sets: merged}
}

// Rules returns a copy of the rules registered for category, optionally
// restricted to the given kinds.
func (l *Library) Rules(category domain.Category, kinds ...Kind) ([]Rule, bool) {
	set, ok := l.sets[category]
	if !ok {
		return nil, false
	}
	out := make([]Rule, 0, len(set.Rules))
	for _, rule := range set.Rules {
		if len(kinds) > 0 && !containsKind(kinds, rule.Kind) {
			continue
		}
		rule.Terms = append([]string(nil), rule.Terms...)
		out = append(out, rule)
	}
	return out, true
}

// Categories returns the categories present in the library, sorted.
func (l *Library) Categories() []domain.Category {
	out := make([]domain.Category, 0, len(l.sets))
	for c := range l.sets {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func containsKind(kinds []Kind, k Kind) bool {
	for _, candidate := range kinds {
		if candidate == k {
			return true
		}
	}
	return false
}
