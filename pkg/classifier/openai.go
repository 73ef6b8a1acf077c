package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/polisai/polis-safety/pkg/domain"
)

const (
	// DefaultEndpoint is the OpenAI chat completions endpoint.
	DefaultEndpoint = "https://api.openai.com/v1/chat/completions"
	// DefaultModel is used when no model is configured.
	DefaultModel = "gpt-4o-mini"

	maxErrorBody = 4 << 10
)

// OpenAIConfig configures an OpenAI-compatible chat completions classifier.
type OpenAIConfig struct {
	Endpoint    string
	Model       string
	APIKey      string
	Temperature float64
	Prompts     PromptProvider
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// OpenAIClassifier classifies text through an OpenAI-compatible chat
// completions API using JSON response mode. It performs no retries.
type OpenAIClassifier struct {
	endpoint    string
	model       string
	apiKey      string
	temperature float64
	prompts     PromptProvider
	httpClient  *http.Client
	logger      *slog.Logger
}

// modelVerdict is the expected JSON document inside the completion.
type modelVerdict struct {
	Matched    *bool    `json:"matched"`
	Confidence *float64 `json:"confidence"`
	Matches    []string `json:"matches"`
}

// NewOpenAIClassifier builds a classifier from cfg, applying defaults.
func NewOpenAIClassifier(cfg OpenAIConfig) *OpenAIClassifier {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	prompts := cfg.Prompts
	if prompts == nil {
		prompts = DefaultPromptProvider{}
	}
	client := cfg.HTTPClient
	if client == nil {
		// Per-call deadlines come from the caller's context.
		client = &http.Client{Timeout: 60 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	temperature := cfg.Temperature
	if temperature < 0 {
		temperature = 0
	}

	return &OpenAIClassifier{
		endpoint:    endpoint,
		model:       model,
		apiKey:      cfg.APIKey,
		temperature: temperature,
		prompts:     prompts,
		httpClient:  client,
		logger:      logger,
	}
}

// Classify implements Classifier.
func (c *OpenAIClassifier) Classify(ctx context.Context, req Request) (Result, error) {
	if req.Text == "" {
		return Result{}, nil
	}

	instructions, err := c.prompts.Prompt(ctx, req)
	if err != nil {
		return Result{}, fmt.Errorf("load prompt: %w", err)
	}

	payload := map[string]any{
		"model": c.model,
		"messages": []map[string]string{
			{"role": "system", "content": instructions},
			{"role": "user", "content": req.Text},
		},
		"temperature":     c.temperature,
		"response_format": map[string]string{"type": "json_object"},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("classifier request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close classifier response body", "error", closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return Result{}, fmt.Errorf("classifier returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var completion struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return Result{}, fmt.Errorf("%w: decode completion: %v", ErrMalformedResponse, err)
	}
	if len(completion.Choices) == 0 {
		return Result{}, fmt.Errorf("%w: no completion choices returned", ErrMalformedResponse)
	}

	return c.interpret(req, completion.Choices[0].Message.Content)
}

func (c *OpenAIClassifier) interpret(req Request, content string) (Result, error) {
	var verdict modelVerdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &verdict); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if verdict.Matched == nil {
		return Result{}, fmt.Errorf("%w: missing matched field", ErrMalformedResponse)
	}

	confidence := 1.0
	if verdict.Confidence != nil {
		confidence = *verdict.Confidence
	}
	if confidence < 0 || confidence > 1 {
		return Result{}, fmt.Errorf("%w: confidence %v outside [0,1]", ErrMalformedResponse, confidence)
	}

	if !*verdict.Matched {
		return Result{Matched: false, Confidence: confidence}, nil
	}

	result := Result{Matched: true, Confidence: confidence}
	if req.Mode == ModeFind {
		spans, missing := LocateSpans(req.Text, verdict.Matches)
		if missing > 0 {
			c.logger.Debug("classifier reported passages not present in text",
				"category", req.Category,
				"missing", missing,
			)
		}
		result.Spans = spans
	}
	return result, nil
}

// LocateSpans maps passages quoted by a model back to byte spans of text.
// Every occurrence of every passage is reported; passages that do not occur
// verbatim are counted in missing. Spans are sorted by start offset and
// exact duplicates are removed.
func LocateSpans(text string, passages []string) (spans []domain.Span, missing int) {
	seen := make(map[domain.Span]struct{})
	for _, passage := range passages {
		if passage == "" {
			continue
		}
		found := false
		offset := 0
		for offset < len(text) {
			idx := strings.Index(text[offset:], passage)
			if idx < 0 {
				break
			}
			found = true
			span := domain.Span{Start: offset + idx, End: offset + idx + len(passage)}
			if _, dup := seen[span]; !dup {
				seen[span] = struct{}{}
				spans = append(spans, span)
			}
			offset = span.End
		}
		if !found {
			missing++
		}
	}
	sort.Slice(spans, func(i, j int) bool {
		if spans[i].Start == spans[j].Start {
			return spans[i].End < spans[j].End
		}
		return spans[i].Start < spans[j].Start
	})
	return spans, missing
}
