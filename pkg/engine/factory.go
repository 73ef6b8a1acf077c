package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/polisai/polis-safety/pkg/action"
	"github.com/polisai/polis-safety/pkg/catalog"
	"github.com/polisai/polis-safety/pkg/classifier"
	"github.com/polisai/polis-safety/pkg/config"
	"github.com/polisai/polis-safety/pkg/domain"
	"github.com/polisai/polis-safety/pkg/lexicon"
	"github.com/polisai/polis-safety/pkg/policy"
)

// Factory creates policies and their shared collaborators from configuration.
type Factory struct {
	registry *catalog.Registry
	logger   *slog.Logger

	// classifier replaces the configured OpenAI classifier when set.
	classifier classifier.Classifier
	httpClient *http.Client
}

// FactoryOption customises a Factory.
type FactoryOption func(*Factory)

// WithClassifier makes every llm detector use c instead of the configured
// endpoint.
func WithClassifier(c classifier.Classifier) FactoryOption {
	return func(f *Factory) { f.classifier = c }
}

// WithHTTPClient sets the client used by the OpenAI classifier.
func WithHTTPClient(client *http.Client) FactoryOption {
	return func(f *Factory) { f.httpClient = client }
}

// NewFactory creates a factory over registry. A nil registry uses the
// process-wide builtin catalog.
func NewFactory(registry *catalog.Registry, logger *slog.Logger, opts ...FactoryOption) *Factory {
	if registry == nil {
		registry = catalog.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &Factory{registry: registry, logger: logger}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Registry returns the catalog policies are built from.
func (f *Factory) Registry() *catalog.Registry {
	return f.registry
}

// Dependencies builds the lexicons, classifier and constraints shared by every
// policy of cfg.
func (f *Factory) Dependencies(ctx context.Context, cfg *config.Config) (catalog.Dependencies, error) {
	lib, err := lexicon.Load(cfg.Path(cfg.Lexicons.Dir))
	if err != nil {
		return catalog.Dependencies{}, &domain.ConfigError{Field: "lexicons.dir", Message: err.Error(), Err: err}
	}

	modules, err := cfg.ConstraintModules()
	if err != nil {
		return catalog.Dependencies{}, err
	}
	var constraints *policy.Constraints
	if len(modules) == 0 {
		constraints, err = policy.DefaultConstraints()
	} else {
		constraints, err = policy.NewConstraints(ctx, modules)
	}
	if err != nil {
		return catalog.Dependencies{}, err
	}

	return catalog.Dependencies{
		Lexicons:     lib,
		Classifier:   f.newClassifier(cfg.Classifier, cfg.Path(cfg.Classifier.PromptsDir)),
		ModelTimeout: cfg.Classifier.Timeout,
		Constraints:  constraints,
		Logger:       f.logger,
	}, nil
}

func (f *Factory) newClassifier(cfg config.ClassifierConfig, promptsDir string) classifier.Classifier {
	if f.classifier != nil {
		return f.classifier
	}
	if cfg.Disabled {
		return nil
	}

	var prompts classifier.PromptProvider = classifier.DefaultPromptProvider{}
	if promptsDir != "" {
		prompts = classifier.NewLocalPromptProvider(promptsDir)
	}

	client := f.httpClient
	if client == nil {
		client = &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
	}

	openai := classifier.NewOpenAIClassifier(classifier.OpenAIConfig{
		Endpoint:    cfg.Endpoint,
		Model:       cfg.Model,
		APIKey:      cfg.APIKey(),
		Temperature: cfg.Temperature,
		Prompts:     prompts,
		HTTPClient:  client,
		Logger:      f.logger,
	})
	return classifier.NewBreaker(openai, classifier.BreakerConfig{
		MaxFailures: cfg.Breaker.MaxFailures,
		OpenTimeout: cfg.Breaker.OpenTimeout,
	})
}

// Spec converts a policy declaration into a catalog spec. Presets keep their
// registered combination but take the declared name.
func (f *Factory) Spec(pc config.PolicyConfig) (catalog.Spec, error) {
	field := "policies." + pc.Name
	if pc.Preset != "" {
		spec, ok := f.registry.Preset(pc.Preset)
		if !ok {
			return catalog.Spec{}, &domain.ConfigError{
				Field:   field + ".preset",
				Message: fmt.Sprintf("%s: %v", pc.Preset, domain.ErrPolicyNotFound),
				Err:     domain.ErrPolicyNotFound,
			}
		}
		spec.Name = pc.Name
		if pc.Threshold != nil {
			spec.Threshold = pc.Threshold
		}
		if pc.Placeholder != "" {
			spec.Placeholder = pc.Placeholder
		}
		if pc.FailMode != "" {
			mode, err := policy.ParseFailureMode(pc.FailMode)
			if err != nil {
				return catalog.Spec{}, err
			}
			spec.FailureMode = mode
		}
		return spec, nil
	}

	kind, err := action.ParseKind(pc.Action)
	if err != nil {
		return catalog.Spec{}, err
	}
	mode, err := policy.ParseFailureMode(pc.FailMode)
	if err != nil {
		return catalog.Spec{}, err
	}
	raw := pc.DetectorKinds()
	detectors := make([]catalog.DetectorKind, 0, len(raw))
	for _, d := range raw {
		dk, err := catalog.ParseDetectorKind(d)
		if err != nil {
			return catalog.Spec{}, err
		}
		detectors = append(detectors, dk)
	}

	return catalog.Spec{
		Name:        pc.Name,
		Category:    domain.Category(strings.TrimSpace(pc.Category)),
		Detectors:   detectors,
		Action:      kind,
		Threshold:   pc.Threshold,
		Placeholder: pc.Placeholder,
		FailureMode: mode,
	}, nil
}

// Build constructs every declared policy. With no declarations it builds all
// registered presets under their own names.
func (f *Factory) Build(ctx context.Context, cfg *config.Config, deps catalog.Dependencies) (map[string]*policy.Policy, error) {
	built := make(map[string]*policy.Policy)

	if len(cfg.Policies) == 0 {
		for _, name := range f.registry.Presets() {
			spec, _ := f.registry.Preset(name)
			if deps.Classifier == nil && needsClassifier(spec) {
				f.logger.Debug("skipping preset without classifier", "preset", name)
				continue
			}
			p, err := f.registry.Build(ctx, spec, deps)
			if err != nil {
				return nil, fmt.Errorf("preset %s: %w", name, err)
			}
			built[name] = p
		}
		return built, nil
	}

	for _, pc := range cfg.Policies {
		spec, err := f.Spec(pc)
		if err != nil {
			return nil, err
		}
		p, err := f.registry.Build(ctx, spec, deps)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", pc.Name, err)
		}
		built[pc.Name] = p
	}
	return built, nil
}

func needsClassifier(spec catalog.Spec) bool {
	for _, kind := range spec.Detectors {
		if kind == catalog.DetectorLLM || kind == catalog.DetectorLLMFinder {
			return true
		}
	}
	return false
}
