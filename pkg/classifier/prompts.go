package classifier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrPromptNotFound is returned when a requested prompt file cannot be found.
var ErrPromptNotFound = errors.New("prompt not found")

// PromptProvider builds the system instructions for a classification request.
type PromptProvider interface {
	Prompt(ctx context.Context, req Request) (string, error)
}

// DefaultPromptProvider renders builtin instructions from the request guidance.
type DefaultPromptProvider struct{}

// Prompt implements PromptProvider.
func (DefaultPromptProvider) Prompt(_ context.Context, req Request) (string, error) {
	return BuildPrompt(req.Category.String(), req.Guidance, req.Mode), nil
}

// BuildPrompt renders the instructions for a category description and mode.
func BuildPrompt(category, guidance string, mode Mode) string {
	if strings.TrimSpace(guidance) == "" {
		guidance = category
	}

	var sb strings.Builder
	sb.WriteString("TASK:\n")
	sb.WriteString("You are a content-safety classifier for the category \"")
	sb.WriteString(category)
	sb.WriteString("\".\n\nCATEGORY DEFINITION:\n")
	sb.WriteString(guidance)
	sb.WriteString("\n\nINSTRUCTIONS:\n")
	switch mode {
	case ModeFind:
		sb.WriteString("Find every passage of the user text that belongs to the category. ")
		sb.WriteString("Copy each passage exactly as it appears, character for character. ")
		sb.WriteString("Return JSON with 'matched' (bool), 'confidence' (0.0-1.0) and 'matches' (array of strings).")
	default:
		sb.WriteString("Decide whether the user text belongs to the category. ")
		sb.WriteString("Return JSON with 'matched' (bool) and 'confidence' (0.0-1.0).")
	}
	return sb.String()
}

// LocalPromptProvider implements PromptProvider using local files.
// It expects a directory structure:
// rootDir/
//
//	{category}.{mode}.txt
//
// Missing files fall back to the builtin prompt.
type LocalPromptProvider struct {
	rootDir  string
	fallback PromptProvider
}

// NewLocalPromptProvider creates a provider reading from the specified root directory.
func NewLocalPromptProvider(rootDir string) *LocalPromptProvider {
	return &LocalPromptProvider{rootDir: rootDir, fallback: DefaultPromptProvider{}}
}

// Prompt implements PromptProvider.
func (p *LocalPromptProvider) Prompt(ctx context.Context, req Request) (string, error) {
	content, err := p.read(req)
	if err == nil {
		return content, nil
	}
	if errors.Is(err, ErrPromptNotFound) {
		return p.fallback.Prompt(ctx, req)
	}
	return "", err
}

func (p *LocalPromptProvider) read(req Request) (string, error) {
	if strings.TrimSpace(p.rootDir) == "" {
		return "", ErrPromptNotFound
	}
	mode := req.Mode
	if mode == "" {
		mode = ModeClassify
	}
	name := cleanFilename(fmt.Sprintf("%s.%s.txt", req.Category, mode))
	path := filepath.Join(p.rootDir, name)

	// #nosec G304 -- prompt directory is configured by the operator and names are sanitised
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrPromptNotFound, path)
		}
		return "", fmt.Errorf("failed to read prompt: %w", err)
	}
	return string(data), nil
}

func cleanFilename(name string) string {
	return strings.ReplaceAll(strings.ReplaceAll(name, "..", ""), "/", "")
}
