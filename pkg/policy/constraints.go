package policy

import (
	"context"
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/polisai/polis-safety/pkg/domain"
)

//go:embed constraints.rego
var builtinConstraints string

const (
	builtinModuleName = "polis/safety/constraints.rego"
	denyQuery         = "data.polis.safety.constraints.deny"
)

// Constraints validates policy configurations against Rego deny rules.
// Additional modules may extend package polis.safety.constraints with their
// own deny rules; every message they produce rejects the configuration.
type Constraints struct {
	query rego.PreparedEvalQuery
}

var (
	defaultConstraintsOnce sync.Once
	defaultConstraints     *Constraints
	defaultConstraintsErr  error
)

// DefaultConstraints returns the process-wide builtin constraint set.
func DefaultConstraints() (*Constraints, error) {
	defaultConstraintsOnce.Do(func() {
		defaultConstraints, defaultConstraintsErr = NewConstraints(context.Background(), nil)
	})
	return defaultConstraints, defaultConstraintsErr
}

// NewConstraints compiles the builtin rules together with extra, keyed by
// module name.
func NewConstraints(ctx context.Context, extra map[string]string) (*Constraints, error) {
	modules := make(map[string]string, len(extra)+1)
	for name, src := range extra {
		modules[name] = src
	}
	modules[builtinModuleName] = builtinConstraints

	order := make([]string, 0, len(modules))
	for name := range modules {
		order = append(order, name)
	}
	sort.Strings(order)

	opts := make([]func(*rego.Rego), 0, len(order)+1)
	opts = append(opts, rego.Query(denyQuery))
	for _, name := range order {
		module, err := ast.ParseModuleWithOpts(name, modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, &domain.ConfigError{Field: "constraints", Message: fmt.Sprintf("parse rego module %q: %v", name, err), Err: err}
		}
		opts = append(opts, rego.ParsedModule(module))
	}

	prepared, err := rego.New(opts...).PrepareForEval(ctx)
	if err != nil {
		return nil, &domain.ConfigError{Field: "constraints", Message: fmt.Sprintf("compile rego modules: %v", err), Err: err}
	}
	return &Constraints{query: prepared}, nil
}

// DetectorInfo describes a detector to the constraint rules.
type DetectorInfo struct {
	Name     string
	Category domain.Category
	Style    string
	Source   domain.Source
}

// ConstraintInput is the document evaluated by the deny rules.
type ConstraintInput struct {
	Name        string
	Category    domain.Category
	Action      string
	Placeholder string
	Threshold   float64
	FailureMode FailureMode
	Detectors   []DetectorInfo
}

func (in ConstraintInput) toMap() map[string]any {
	detectors := make([]any, 0, len(in.Detectors))
	for _, d := range in.Detectors {
		detectors = append(detectors, map[string]any{
			"name":     d.Name,
			"category": string(d.Category),
			"style":    d.Style,
			"source":   string(d.Source),
		})
	}
	return map[string]any{
		"name":        in.Name,
		"category":    string(in.Category),
		"action":      in.Action,
		"placeholder": in.Placeholder,
		"threshold":   in.Threshold,
		"fail_mode":   string(in.FailureMode),
		"detectors":   detectors,
	}
}

// Violations returns the sorted deny messages produced for in.
func (c *Constraints) Violations(ctx context.Context, in ConstraintInput) ([]string, error) {
	results, err := c.query.Eval(ctx, rego.EvalInput(in.toMap()))
	if err != nil {
		return nil, fmt.Errorf("evaluate constraints: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	raw, ok := results[0].Expressions[0].Value.([]any)
	if !ok {
		return nil, fmt.Errorf("evaluate constraints: unexpected result type %T", results[0].Expressions[0].Value)
	}
	messages := make([]string, 0, len(raw))
	for _, v := range raw {
		if msg, ok := v.(string); ok {
			messages = append(messages, msg)
		} else {
			messages = append(messages, fmt.Sprint(v))
		}
	}
	sort.Strings(messages)
	return messages, nil
}

// Check returns a *domain.ConfigError listing every deny message, or nil.
func (c *Constraints) Check(ctx context.Context, in ConstraintInput) error {
	messages, err := c.Violations(ctx, in)
	if err != nil {
		return &domain.ConfigError{Field: "policy", Message: err.Error(), Err: err}
	}
	if len(messages) == 0 {
		return nil
	}
	return domain.InvalidConfig("policy", "%s: %s", in.Name, strings.Join(messages, "; "))
}
