package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-safety/internal/governance"
	"github.com/polisai/polis-safety/pkg/config"
	"github.com/polisai/polis-safety/pkg/domain"
	"github.com/polisai/polis-safety/pkg/engine"
	"github.com/polisai/polis-safety/pkg/telemetry"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	cfg := config.Default()
	cfg.Classifier.Disabled = true
	cfg.Policies = []config.PolicyConfig{
		{Name: "phones", Preset: "phone.anonymize"},
		{Name: "crypto", Preset: "crypto.block"},
	}
	metrics := telemetry.NewMetrics()
	e, err := engine.New(context.Background(), cfg, engine.Options{Metrics: metrics})
	require.NoError(t, err)

	srv := httptest.NewServer(NewHandler(Config{Engine: e, Metrics: metrics}))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestEvaluate_NamedPolicy(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/evaluate", EvaluateRequest{Policy: "phones", Text: "Call me at 555-123-4567"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	result := decodeBody[domain.PolicyResult](t, resp)
	assert.Equal(t, domain.OutcomeReplaced, result.Outcome)
	assert.Equal(t, "Call me at [REDACTED:phone]", result.TextOrEmpty())
	assert.Equal(t, "phones", result.Policy)
}

func TestEvaluate_PlaceholderNotEscaped(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/evaluate", EvaluateRequest{
		Inline: &InlinePolicy{Preset: "phone.anonymize", Placeholder: "<phone>"},
		Text:   "call 555-123-4567",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"call <phone>"`)
}

func TestEvaluate_BlockedOmitsText(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/evaluate", EvaluateRequest{Policy: "crypto", Text: "Send BTC to 1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw := decodeBody[map[string]any](t, resp)
	assert.Equal(t, "blocked", raw["outcome"])
	assert.NotContains(t, raw, "text")
}

func TestEvaluate_Inline(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/evaluate", EvaluateRequest{
		Inline: &InlinePolicy{Category: "phone", Detectors: []string{"pattern"}, Action: "raise"},
		Text:   "Call me at 555-123-4567",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	result := decodeBody[domain.PolicyResult](t, resp)
	require.Equal(t, domain.OutcomeViolation, result.Outcome)
	require.NotNil(t, result.Violation)
	assert.Equal(t, domain.CategoryPhone, result.Violation.Category)
	assert.Nil(t, result.Text)
}

func TestEvaluate_Errors(t *testing.T) {
	srv := newTestServer(t)

	tests := []struct {
		name   string
		body   any
		status int
		code   string
	}{
		{"unknown policy", EvaluateRequest{Policy: "missing", Text: "x"}, http.StatusNotFound, "POLICY_NOT_FOUND"},
		{"no selector", EvaluateRequest{Text: "x"}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"both selectors", EvaluateRequest{Policy: "phones", Inline: &InlinePolicy{Preset: "phone.block"}, Text: "x"}, http.StatusBadRequest, "INVALID_REQUEST"},
		{"unsupported combination", EvaluateRequest{
			Inline: &InlinePolicy{Category: "adult_content", Detectors: []string{"pattern"}, Action: "replace"},
			Text:   "x",
		}, http.StatusBadRequest, "INVALID_POLICY"},
		{"unknown field", map[string]any{"policy": "phones", "text": "x", "extra": true}, http.StatusBadRequest, "INVALID_REQUEST"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/v1/evaluate", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			errResp := decodeBody[domain.ErrorResponse](t, resp)
			assert.Equal(t, tt.code, errResp.Code)
		})
	}
}

func TestEvaluate_MalformedJSON(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/v1/evaluate", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEvaluate_BodyTooLarge(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/evaluate", EvaluateRequest{Policy: "phones", Text: strings.Repeat("a", MaxBodyBytes)})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
}

func TestEvaluateChain(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/v1/evaluate/chain", ChainRequest{
		Policies: []string{"phones", "crypto"},
		Text:     "Call me at 555-123-4567",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	chain := decodeBody[ChainResponse](t, resp)
	assert.Equal(t, domain.OutcomeReplaced, chain.Final.Outcome)
	assert.Len(t, chain.Steps, 2)

	resp = postJSON(t, srv.URL+"/v1/evaluate/chain", ChainRequest{Text: "x"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPoliciesAndHealth(t *testing.T) {
	srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/v1/policies")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listing struct {
		Generation int64               `json:"generation"`
		Policies   []engine.PolicyInfo `json:"policies"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listing))
	assert.Equal(t, int64(1), listing.Generation)
	require.Len(t, listing.Policies, 2)
	assert.Equal(t, "crypto", listing.Policies[0].Name)
	assert.Equal(t, "phones", listing.Policies[1].Name)
	assert.Equal(t, "replace", listing.Policies[1].Action)

	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t)
	postJSON(t, srv.URL+"/v1/evaluate", EvaluateRequest{Policy: "phones", Text: "hello"})

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "safety_policy_evaluations_total")
	assert.Contains(t, buf.String(), "safety_policies_loaded 2")
}

func TestNewServer_TLSVersion(t *testing.T) {
	srv, err := NewServer(":0", http.NotFoundHandler(), &config.TLSConfig{Enabled: true, CertFile: "c", KeyFile: "k", MinVersion: "1.3"})
	require.NoError(t, err)
	require.NotNil(t, srv.TLSConfig)
	assert.Equal(t, uint16(0x0304), srv.TLSConfig.MinVersion)

	plain, err := NewServer(":0", http.NotFoundHandler(), nil)
	require.NoError(t, err)
	assert.Nil(t, plain.TLSConfig)
}

func TestEvaluate_RateLimited(t *testing.T) {
	cfg := config.Default()
	cfg.Classifier.Disabled = true
	cfg.Policies = []config.PolicyConfig{{Name: "phones", Preset: "phone.block"}}
	e, err := engine.New(context.Background(), cfg, engine.Options{})
	require.NoError(t, err)

	limiter := governance.NewRateLimiter(nil, map[string]governance.Limit{"phones": {RequestsPerSecond: 1, Burst: 1}})
	srv := httptest.NewServer(NewHandler(Config{Engine: e, Limiter: limiter}))
	t.Cleanup(srv.Close)

	first := postJSON(t, srv.URL+"/v1/evaluate", EvaluateRequest{Policy: "phones", Text: "hello"})
	assert.Equal(t, http.StatusOK, first.StatusCode)
	assert.Equal(t, "1", first.Header.Get("X-RateLimit-Limit"))

	second := postJSON(t, srv.URL+"/v1/evaluate", EvaluateRequest{Policy: "phones", Text: "hello"})
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.NotEmpty(t, second.Header.Get("Retry-After"))
	assert.Equal(t, "RATE_LIMITED", decodeBody[domain.ErrorResponse](t, second).Code)
}
