package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-safety/pkg/domain"
)

const sampleConfig = `
logging:
  level: DEBUG
  pretty: true
telemetry:
  otlp_endpoint: "localhost:4317"
  insecure: true
server:
  address: ":9000"
classifier:
  model: gpt-4o
  timeout: 3s
  breaker:
    max_failures: 2
    open_timeout: 1m
lexicons:
  dir: lexicons
audit:
  buffer: 16
policies:
  - name: crypto-redact
    preset: crypto.replace
  - name: adult
    category: adult_content
    detector: llm
    action: block
    threshold: 0.7
    fail_mode: block
constraints:
  - extra.rego
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "polis-safety.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.Pretty)
	assert.Equal(t, ":9000", cfg.Server.Address)
	assert.Equal(t, "gpt-4o", cfg.Classifier.Model)
	assert.Equal(t, 3*time.Second, cfg.Classifier.Timeout)
	assert.Equal(t, 2, cfg.Classifier.Breaker.MaxFailures)
	assert.Equal(t, time.Minute, cfg.Classifier.Breaker.OpenTimeout)
	// Untouched defaults survive.
	assert.Equal(t, "OPENAI_API_KEY", cfg.Classifier.APIKeyEnv)
	assert.Equal(t, "https://api.openai.com/v1/chat/completions", cfg.Classifier.Endpoint)
	assert.True(t, cfg.Audit.Enabled)
	assert.Equal(t, 16, cfg.Audit.Buffer)

	require.Len(t, cfg.Policies, 2)
	assert.Equal(t, "crypto.replace", cfg.Policies[0].Preset)
	adult := cfg.Policies[1]
	assert.Equal(t, []string{"llm"}, adult.DetectorKinds())
	require.NotNil(t, adult.Threshold)
	assert.InDelta(t, 0.7, *adult.Threshold, 1e-9)
	assert.Equal(t, "block", adult.FailMode)

	assert.Equal(t, filepath.Join(filepath.Dir(path), "lexicons"), cfg.Path(cfg.Lexicons.Dir))
	assert.Equal(t, "/abs/dir", cfg.Path("/abs/dir"))
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8095", cfg.Server.Address)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 10*time.Second, cfg.Classifier.Timeout)
	assert.Empty(t, cfg.Policies)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("POLIS_SAFETY_SERVER_ADDR", ":7000")
	t.Setenv("POLIS_SAFETY_LOG_LEVEL", "warn")
	t.Setenv("POLIS_SAFETY_CLASSIFIER_TIMEOUT", "250ms")
	t.Setenv("POLIS_SAFETY_AUDIT_ENABLED", "false")
	t.Setenv("POLIS_SAFETY_LEXICON_DIR", "/etc/lexicons")

	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	assert.Equal(t, ":7000", cfg.Server.Address)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 250*time.Millisecond, cfg.Classifier.Timeout)
	assert.False(t, cfg.Audit.Enabled)
	assert.Equal(t, "/etc/lexicons", cfg.Lexicons.Dir)
}

func TestLoad_InvalidEnvOverride(t *testing.T) {
	t.Setenv("POLIS_SAFETY_AUDIT_ENABLED", "maybe")
	_, err := Load("")
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

func TestParse_Validation(t *testing.T) {
	tests := map[string]string{
		"bad log level": "logging: {level: loud}",
		"missing name": `
policies:
  - preset: crypto.block`,
		"duplicate name": `
policies:
  - {name: a, preset: crypto.block}
  - {name: a, preset: phone.block}`,
		"preset mixed with explicit": `
policies:
  - {name: a, preset: crypto.block, action: raise}`,
		"incomplete explicit": `
policies:
  - {name: a, category: phone, action: block}`,
		"threshold out of range": `
policies:
  - {name: a, preset: phone.block, threshold: 2}`,
		"bad fail mode": `
policies:
  - {name: a, preset: phone.block, fail_mode: open}`,
		"tls without files": `
server:
  tls: {enabled: true}`,
		"negative buffer": "audit: {buffer: -1}",
		"sample ratio above one": "telemetry: {sample_ratio: 1.5}",
		"negative rate limit": `
server:
  rate_limit: {requests_per_second: -1}`,
		"policy rate limit without rate": `
server:
  rate_limit:
    policies:
      phones: {burst: 3}`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
		})
	}
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := Parse([]byte("policies: [unterminated"))
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

func TestConstraintModules(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	rego := "package polis.safety.constraints\n"
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(path), "extra.rego"), []byte(rego), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	modules, err := cfg.ConstraintModules()
	require.NoError(t, err)
	require.Len(t, modules, 1)
	assert.Equal(t, rego, modules[filepath.Join(filepath.Dir(path), "extra.rego")])

	cfg.Constraints = []string{"missing.rego"}
	_, err = cfg.ConstraintModules()
	assert.ErrorIs(t, err, domain.ErrInvalidConfiguration)
}

func TestTLSVersion(t *testing.T) {
	v, err := (&TLSConfig{MinVersion: "1.3"}).Version()
	require.NoError(t, err)
	assert.Equal(t, uint16(0x0304), v)
	_, err = (&TLSConfig{MinVersion: "1.0"}).Version()
	assert.Error(t, err)
}

func TestClassifierAPIKey(t *testing.T) {
	t.Setenv("TEST_CLASSIFIER_KEY", "sk-test")
	assert.Equal(t, "sk-test", ClassifierConfig{APIKeyEnv: "TEST_CLASSIFIER_KEY"}.APIKey())
	assert.Empty(t, ClassifierConfig{}.APIKey())
}
