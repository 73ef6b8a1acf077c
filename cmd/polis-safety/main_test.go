package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-safety/pkg/config"
	"github.com/polisai/polis-safety/pkg/domain"
)

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	t.Setenv("POLIS_SAFETY_CLASSIFIER_DISABLED", "true")

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestPresetsCommand(t *testing.T) {
	out, err := execute(t, "", "presets")
	require.NoError(t, err)
	assert.Contains(t, out, "crypto.replace")
	assert.Contains(t, out, "phone.anonymize.llm_finder")
	assert.Contains(t, out, "[REDACTED:adult_content]")
}

func TestEvaluateCommand_Replace(t *testing.T) {
	out, err := execute(t, "", "evaluate", "--policy", "phone.anonymize", "--text", "Call me at 555-123-4567", "--log-level", "error")
	require.NoError(t, err)

	var res domain.PolicyResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, domain.OutcomeReplaced, res.Outcome)
	assert.Equal(t, "Call me at [REDACTED:phone]", res.TextOrEmpty())
}

func TestEvaluateCommand_StdinAndBlock(t *testing.T) {
	out, err := execute(t, "Send BTC to 1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa\n", "evaluate", "-p", "crypto.block", "-l", "error")
	require.ErrorIs(t, err, errViolation)
	assert.Contains(t, out, `"outcome": "blocked"`)
}

func TestEvaluateCommand_Chain(t *testing.T) {
	out, err := execute(t, "", "evaluate", "-p", "phone.anonymize", "-p", "crypto.block", "-t", "dial 555-123-4567", "-l", "error")
	require.NoError(t, err)

	var res struct {
		Final domain.PolicyResult   `json:"final"`
		Steps []domain.PolicyResult `json:"steps"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, "dial [REDACTED:phone]", res.Final.TextOrEmpty())
	assert.Len(t, res.Steps, 2)
}

func TestEvaluateCommand_Errors(t *testing.T) {
	_, err := execute(t, "", "evaluate", "-t", "x")
	require.Error(t, err)

	_, err = execute(t, "", "evaluate", "-p", "gambling.block", "-t", "x", "-l", "error")
	assert.ErrorIs(t, err, domain.ErrPolicyNotFound)
}

func TestEvaluateCommand_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "safety.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  level: error
policies:
  - name: strict-phones
    category: phone
    detector: pattern
    action: anonymize
    placeholder: "<phone>"
`), 0o600))

	out, err := execute(t, "", "evaluate", "-c", path, "-p", "strict-phones", "-t", "call 555-123-4567")
	require.NoError(t, err)
	assert.Contains(t, out, "call <phone>")
	assert.NotContains(t, out, `\u003c`)
}

type revisions chan *config.Config

func (r revisions) Subscribe() <-chan *config.Config { return r }

func TestFlagOverrides_ApplyToEveryRevision(t *testing.T) {
	opts := &globalOptions{LogLevel: "debug", Pretty: true}
	src := make(revisions, 1)
	updates := flagOverrides{source: src, opts: opts}.Subscribe()

	published := config.Default()
	published.Logging.Level = "warn"
	src <- published

	select {
	case got := <-updates:
		assert.Equal(t, "debug", got.Logging.Level)
		assert.True(t, got.Logging.Pretty)
	case <-time.After(time.Second):
		t.Fatal("revision not forwarded")
	}
	assert.Equal(t, "warn", published.Logging.Level, "published revision must not be mutated")

	close(src)
	_, ok := <-updates
	assert.False(t, ok)
}
