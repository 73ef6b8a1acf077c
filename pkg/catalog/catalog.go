// Package catalog is the registry of content categories and the named policy
// presets built from them.
//
// A category declares its default threshold, placeholder and the
// (detector kind, action kind) combinations it supports. Building a policy
// resolves detector kinds to concrete detectors (pattern detectors from the
// lexicon library, model detectors from the configured classifier) and
// validates the product before any text is evaluated.
package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/polisai/polis-safety/pkg/action"
	"github.com/polisai/polis-safety/pkg/classifier"
	"github.com/polisai/polis-safety/pkg/detect"
	"github.com/polisai/polis-safety/pkg/domain"
	"github.com/polisai/polis-safety/pkg/lexicon"
	"github.com/polisai/polis-safety/pkg/policy"
)

// DetectorKind selects how a category is detected.
type DetectorKind string

const (
	// DetectorPattern uses the category's lexicon rules.
	DetectorPattern DetectorKind = "pattern"
	// DetectorLLM asks the classifier for a whole-text verdict.
	DetectorLLM DetectorKind = "llm"
	// DetectorLLMFinder asks the classifier to locate every offending span.
	DetectorLLMFinder DetectorKind = "llm_finder"
)

// ParseDetectorKind validates s.
func ParseDetectorKind(s string) (DetectorKind, error) {
	switch k := DetectorKind(strings.ToLower(strings.TrimSpace(s))); k {
	case DetectorPattern, DetectorLLM, DetectorLLMFinder:
		return k, nil
	default:
		return "", domain.InvalidConfig("detector", "unknown detector kind %q", s)
	}
}

// Combination is one supported (detector, action) pair.
type Combination struct {
	Detector DetectorKind
	Action   action.Kind
}

func (c Combination) String() string {
	return string(c.Detector) + "+" + string(c.Action)
}

// CategorySpec describes a registered category.
type CategorySpec struct {
	ID domain.Category
	// Description defines the category for model detectors.
	Description string
	Threshold   float64
	Placeholder string
	Allowed     []Combination
}

// Allows reports whether the category supports detector feeding act.
func (c CategorySpec) Allows(detector DetectorKind, act action.Kind) bool {
	for _, combo := range c.Allowed {
		if combo.Detector == detector && combo.Action == act {
			return true
		}
	}
	return false
}

// Spec requests a policy for a category.
type Spec struct {
	Name      string
	Category  domain.Category
	Detectors []DetectorKind
	Action    action.Kind
	// Threshold overrides the category default when set.
	Threshold *float64
	// Placeholder overrides the category placeholder for replace actions.
	Placeholder string
	FailureMode policy.FailureMode
}

// Dependencies are the shared collaborators detectors are built from.
type Dependencies struct {
	Lexicons     *lexicon.Library
	Classifier   classifier.Classifier
	ModelTimeout time.Duration
	Constraints  *policy.Constraints
	Logger       *slog.Logger
}

// Registry is a threadsafe catalog of categories and presets.
type Registry struct {
	mu         sync.RWMutex
	categories map[domain.Category]CategorySpec
	presets    map[string]Spec
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		categories: make(map[domain.Category]CategorySpec),
		presets:    make(map[string]Spec),
	}
}

// Register inserts or replaces a category.
func (r *Registry) Register(spec CategorySpec) error {
	if strings.TrimSpace(string(spec.ID)) == "" {
		return domain.InvalidConfig("category", "category id is required")
	}
	if spec.Threshold < 0 || spec.Threshold > 1 {
		return domain.InvalidConfig("category", "%s: threshold %v outside [0,1]", spec.ID, spec.Threshold)
	}
	if len(spec.Allowed) == 0 {
		return domain.InvalidConfig("category", "%s: no supported combinations", spec.ID)
	}
	if spec.Placeholder == "" {
		spec.Placeholder = action.Placeholder(spec.ID)
	}
	spec.Allowed = append([]Combination(nil), spec.Allowed...)

	r.mu.Lock()
	r.categories[spec.ID] = spec
	r.mu.Unlock()
	return nil
}

// RegisterPreset stores spec under name after validating it.
func (r *Registry) RegisterPreset(name string, spec Spec) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.InvalidConfig("preset", "preset name is required")
	}
	if err := r.Validate(spec); err != nil {
		return err
	}
	spec.Name = name
	spec.Detectors = append([]DetectorKind(nil), spec.Detectors...)

	r.mu.Lock()
	r.presets[name] = spec
	r.mu.Unlock()
	return nil
}

// Category returns the category registered under id.
func (r *Registry) Category(id domain.Category) (CategorySpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.categories[id]
	return spec, ok
}

// Categories returns every registered category sorted by id.
func (r *Registry) Categories() []CategorySpec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]CategorySpec, 0, len(r.categories))
	for _, spec := range r.categories {
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Preset returns the preset registered under name.
func (r *Registry) Preset(name string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.presets[name]
	if ok {
		spec.Detectors = append([]DetectorKind(nil), spec.Detectors...)
	}
	return spec, ok
}

// Presets returns every preset name, sorted.
func (r *Registry) Presets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.presets))
	for name := range r.presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks spec against the registered category.
func (r *Registry) Validate(spec Spec) error {
	cat, ok := r.Category(spec.Category)
	if !ok {
		return &domain.ConfigError{
			Field:   "category",
			Message: fmt.Sprintf("%s: %v", spec.Category, domain.ErrCategoryNotFound),
			Err:     domain.ErrCategoryNotFound,
		}
	}
	if len(spec.Detectors) == 0 {
		return domain.InvalidConfig("detectors", "%s: at least one detector kind is required", spec.Category)
	}
	seen := make(map[DetectorKind]bool, len(spec.Detectors))
	for _, kind := range spec.Detectors {
		if _, err := ParseDetectorKind(string(kind)); err != nil {
			return err
		}
		if seen[kind] {
			return domain.InvalidConfig("detectors", "%s: detector kind %s listed twice", spec.Category, kind)
		}
		seen[kind] = true
		if !cat.Allows(kind, spec.Action) {
			return domain.InvalidConfig("action", "%s does not support %s", spec.Category, Combination{Detector: kind, Action: spec.Action})
		}
	}
	if spec.Threshold != nil && (*spec.Threshold < 0 || *spec.Threshold > 1) {
		return domain.InvalidConfig("threshold", "%s: threshold %v outside [0,1]", spec.Category, *spec.Threshold)
	}
	return nil
}

// BuildPreset builds the policy registered under name. The policy carries the
// preset name.
func (r *Registry) BuildPreset(ctx context.Context, name string, deps Dependencies) (*policy.Policy, error) {
	spec, ok := r.Preset(name)
	if !ok {
		return nil, &domain.ConfigError{
			Field:   "preset",
			Message: fmt.Sprintf("%s: %v", name, domain.ErrPolicyNotFound),
			Err:     domain.ErrPolicyNotFound,
		}
	}
	return r.Build(ctx, spec, deps)
}

// Build validates spec and constructs its policy.
func (r *Registry) Build(ctx context.Context, spec Spec, deps Dependencies) (*policy.Policy, error) {
	if err := r.Validate(spec); err != nil {
		return nil, err
	}
	cat, _ := r.Category(spec.Category)

	name := strings.TrimSpace(spec.Name)
	if name == "" {
		name = defaultName(spec)
	}

	detectors := make([]detect.Detector, 0, len(spec.Detectors))
	for _, kind := range spec.Detectors {
		d, err := buildDetector(cat, kind, spec.Action, deps)
		if err != nil {
			return nil, err
		}
		detectors = append(detectors, d)
	}

	placeholder := spec.Placeholder
	if placeholder == "" {
		placeholder = cat.Placeholder
	}
	act, err := action.New(spec.Action, placeholder)
	if err != nil {
		return nil, err
	}

	threshold := cat.Threshold
	if spec.Threshold != nil {
		threshold = *spec.Threshold
	}

	return policy.New(ctx, policy.Config{
		Name:        name,
		Category:    cat.ID,
		Detectors:   detectors,
		Action:      act,
		Threshold:   threshold,
		FailureMode: spec.FailureMode,
		Constraints: deps.Constraints,
		Logger:      deps.Logger,
	})
}

func buildDetector(cat CategorySpec, kind DetectorKind, act action.Kind, deps Dependencies) (detect.Detector, error) {
	name := string(cat.ID) + "." + string(kind)
	switch kind {
	case DetectorPattern:
		lib := deps.Lexicons
		if lib == nil {
			var err error
			if lib, err = lexicon.Builtin(); err != nil {
				return nil, err
			}
		}
		// Keyword rules signal the category but are not values worth
		// redacting, so replace only targets identifiers.
		var kinds []lexicon.Kind
		if act == action.KindReplace {
			kinds = []lexicon.Kind{lexicon.KindIdentifier}
		}
		rules, ok := lib.Rules(cat.ID, kinds...)
		if !ok || len(rules) == 0 {
			return nil, domain.InvalidConfig("lexicon", "no lexicon rules for %s", cat.ID)
		}
		return detect.NewPatternDetector(name, cat.ID, rules)
	case DetectorLLM, DetectorLLMFinder:
		if deps.Classifier == nil {
			return nil, domain.InvalidConfig("classifier", "%s requires a classifier", name)
		}
		style := detect.StyleClassifier
		if kind == DetectorLLMFinder {
			style = detect.StyleFinder
		}
		return detect.NewModelDetector(detect.ModelConfig{
			Name:     name,
			Category: cat.ID,
			Style:    style,
			Client:   deps.Classifier,
			Timeout:  deps.ModelTimeout,
			Guidance: cat.Description,
		})
	default:
		return nil, domain.InvalidConfig("detector", "unknown detector kind %q", kind)
	}
}

func defaultName(spec Spec) string {
	parts := []string{string(spec.Category), string(spec.Action)}
	for _, kind := range spec.Detectors {
		if kind != DetectorPattern {
			parts = append(parts, string(kind))
		}
	}
	return strings.Join(parts, ".")
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// Default returns the process-wide registry populated with the builtin
// categories and presets.
func Default() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistryWithBuiltins()
	})
	return defaultRegistry
}

// NewRegistryWithBuiltins returns a fresh registry holding the builtin
// categories and presets. Hosts that register their own categories should
// start from it instead of mutating Default.
func NewRegistryWithBuiltins() *Registry {
	r := NewRegistry()
	for _, register := range []func(*Registry) error{registerCrypto, registerPhone, registerSensitiveSocial, registerAdultContent} {
		if err := register(r); err != nil {
			panic(fmt.Sprintf("catalog: builtin registration failed: %v", err))
		}
	}
	return r
}
