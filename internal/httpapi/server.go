// Package httpapi exposes the safety engine over HTTP.
package httpapi

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/polis-safety/internal/governance"
	"github.com/polisai/polis-safety/pkg/config"
	"github.com/polisai/polis-safety/pkg/domain"
	"github.com/polisai/polis-safety/pkg/engine"
	"github.com/polisai/polis-safety/pkg/policy"
	"github.com/polisai/polis-safety/pkg/telemetry"
)

// MaxBodyBytes bounds evaluation request bodies.
const MaxBodyBytes = 1 << 20

// Engine is the subset of *engine.Engine the API serves.
type Engine interface {
	Evaluate(ctx context.Context, name, text string) (domain.PolicyResult, error)
	EvaluateInline(ctx context.Context, pc config.PolicyConfig, text string) (domain.PolicyResult, error)
	EvaluateChain(ctx context.Context, text string, names ...string) (policy.ChainResult, error)
	Policies() []engine.PolicyInfo
	Generation() int64
}

// Config wires the handler.
type Config struct {
	Engine  Engine
	Metrics *telemetry.Metrics
	// Limiter admits evaluations per policy name; nil is unlimited.
	Limiter *governance.RateLimiter
	Logger  *slog.Logger
}

// EvaluateRequest selects a named policy or declares one inline.
type EvaluateRequest struct {
	Policy string        `json:"policy,omitempty"`
	Inline *InlinePolicy `json:"inline,omitempty"`
	Text   string        `json:"text"`
}

// ChainRequest runs named policies in order.
type ChainRequest struct {
	Policies []string `json:"policies"`
	Text     string   `json:"text"`
}

// ChainResponse is the JSON form of policy.ChainResult.
type ChainResponse struct {
	Final domain.PolicyResult   `json:"final"`
	Steps []domain.PolicyResult `json:"steps"`
}

// InlinePolicy mirrors a configuration policy entry.
type InlinePolicy struct {
	Preset      string   `json:"preset,omitempty"`
	Category    string   `json:"category,omitempty"`
	Detectors   []string `json:"detectors,omitempty"`
	Action      string   `json:"action,omitempty"`
	Threshold   *float64 `json:"threshold,omitempty"`
	FailMode    string   `json:"fail_mode,omitempty"`
	Placeholder string   `json:"placeholder,omitempty"`
}

func (p InlinePolicy) config() config.PolicyConfig {
	return config.PolicyConfig{
		Preset:      p.Preset,
		Category:    p.Category,
		Detectors:   p.Detectors,
		Action:      p.Action,
		Threshold:   p.Threshold,
		FailMode:    p.FailMode,
		Placeholder: p.Placeholder,
	}
}

type handler struct {
	engine  Engine
	limiter *governance.RateLimiter
	logger  *slog.Logger
}

// NewHandler returns the API routes wrapped in OpenTelemetry instrumentation.
// Health and metrics scrapes are not traced.
func NewHandler(cfg Config) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{engine: cfg.Engine, limiter: cfg.Limiter, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/evaluate", h.evaluate)
	mux.HandleFunc("POST /v1/evaluate/chain", h.evaluateChain)
	mux.HandleFunc("GET /v1/policies", h.policies)
	mux.HandleFunc("GET /healthz", h.health)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}

	return otelhttp.NewHandler(mux, "polis.safety",
		otelhttp.WithFilter(func(r *http.Request) bool {
			return r.URL.Path != "/healthz" && r.URL.Path != "/metrics"
		}),
	)
}

// NewServer builds the HTTP server for addr. A non-nil tlsCfg enables TLS
// with its minimum version; certificates are supplied to ListenAndServeTLS.
func NewServer(addr string, h http.Handler, tlsCfg *config.TLSConfig) (*http.Server, error) {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if tlsCfg != nil && tlsCfg.Enabled {
		version, err := tlsCfg.Version()
		if err != nil {
			return nil, err
		}
		srv.TLSConfig = &tls.Config{MinVersion: version}
	}
	return srv, nil
}

func (h *handler) evaluate(w http.ResponseWriter, r *http.Request) {
	var req EvaluateRequest
	if !h.decode(w, r, &req) {
		return
	}

	var (
		result domain.PolicyResult
		err    error
	)
	switch {
	case req.Inline != nil && req.Policy != "":
		h.writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "policy and inline are mutually exclusive")
		return
	case req.Inline != nil:
		if !h.admit(w, r, engine.InlinePolicyName) {
			return
		}
		result, err = h.engine.EvaluateInline(r.Context(), req.Inline.config(), req.Text)
	case req.Policy != "":
		if !h.admit(w, r, req.Policy) {
			return
		}
		result, err = h.engine.Evaluate(r.Context(), req.Policy, req.Text)
	default:
		h.writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "policy or inline is required")
		return
	}
	if err != nil {
		h.writeEvaluationError(r.Context(), w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *handler) evaluateChain(w http.ResponseWriter, r *http.Request) {
	var req ChainRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Policies) == 0 {
		h.writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "policies is required")
		return
	}

	if !h.admit(w, r, req.Policies...) {
		return
	}

	res, err := h.engine.EvaluateChain(r.Context(), req.Text, req.Policies...)
	if err != nil {
		h.writeEvaluationError(r.Context(), w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, ChainResponse{Final: res.Final, Steps: res.Steps})
}

func (h *handler) policies(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"generation": h.engine.Generation(),
		"policies":   h.engine.Policies(),
	})
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"generation": h.engine.Generation(),
	})
}

// admit takes a token for every policy and rejects the request with 429 when
// any of them is exhausted.
func (h *handler) admit(w http.ResponseWriter, r *http.Request, policies ...string) bool {
	for _, name := range policies {
		d := h.limiter.Allow(name)
		governance.WriteRateLimitHeaders(w, d)
		if !d.Allowed {
			h.writeError(r.Context(), w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded for policy "+name)
			return false
		}
	}
	return true
}

func (h *handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(r.Context(), w, http.StatusRequestEntityTooLarge, "REQUEST_TOO_LARGE", "request body too large")
			return false
		}
		h.writeError(r.Context(), w, http.StatusBadRequest, "INVALID_REQUEST", "malformed JSON body")
		return false
	}
	return true
}

func (h *handler) writeEvaluationError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrPolicyNotFound):
		h.writeError(ctx, w, http.StatusNotFound, "POLICY_NOT_FOUND", err.Error())
	case errors.Is(err, domain.ErrInvalidConfiguration):
		h.writeError(ctx, w, http.StatusBadRequest, "INVALID_POLICY", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		h.writeError(ctx, w, http.StatusServiceUnavailable, "EVALUATION_CANCELLED", "evaluation cancelled")
	default:
		h.logger.Error("evaluation failed", "error", err)
		h.writeError(ctx, w, http.StatusInternalServerError, "EVALUATION_FAILED", "evaluation failed")
	}
}

func (h *handler) writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string) {
	resp := domain.ErrorResponse{Code: code, Message: message}
	if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
		resp.TraceID = sc.TraceID().String()
	}
	h.writeJSON(w, status, resp)
}

func (h *handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
