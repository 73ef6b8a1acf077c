package detect

import (
	"context"
	"errors"
	"testing"

	"github.com/polisai/polis-safety/pkg/domain"
	"github.com/polisai/polis-safety/pkg/lexicon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func builtinRules(t *testing.T, category domain.Category, kinds ...lexicon.Kind) []lexicon.Rule {
	t.Helper()
	lib, err := lexicon.Builtin()
	require.NoError(t, err)
	rules, ok := lib.Rules(category, kinds...)
	require.True(t, ok)
	return rules
}

func TestPatternDetector_CryptoAddress(t *testing.T) {
	d, err := NewPatternDetector("crypto.pattern", domain.CategoryCrypto, builtinRules(t, domain.CategoryCrypto, lexicon.KindIdentifier))
	require.NoError(t, err)
	assert.Equal(t, StyleFinder, d.Style())
	assert.Equal(t, domain.SourcePattern, d.Source())

	text := "Send BTC to 1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa now"
	matches, err := d.Detect(context.Background(), text)
	require.NoError(t, err)
	require.Len(t, matches, 1)

	m := matches[0]
	assert.Equal(t, "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa", m.Text)
	assert.Equal(t, domain.Span{Start: 12, End: 46}, m.Span)
	assert.Equal(t, text[m.Span.Start:m.Span.End], m.Text)
	assert.Equal(t, domain.CategoryCrypto, m.Category)
	assert.Equal(t, "crypto.btc-legacy", m.Rule)
	assert.InDelta(t, 0.95, m.Confidence, 1e-9)
}

func TestPatternDetector_ChecksumRejectsLookalike(t *testing.T) {
	d, err := NewPatternDetector("crypto.pattern", domain.CategoryCrypto, builtinRules(t, domain.CategoryCrypto, lexicon.KindIdentifier))
	require.NoError(t, err)

	matches, err := d.Detect(context.Background(), "ref 1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNb")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestPatternDetector_Phone(t *testing.T) {
	d, err := NewPatternDetector("phone.pattern", domain.CategoryPhone, builtinRules(t, domain.CategoryPhone))
	require.NoError(t, err)

	text := "Call me at 555-123-4567 tomorrow"
	matches, err := d.Detect(context.Background(), text)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "555-123-4567", matches[0].Text)
	assert.Equal(t, domain.Span{Start: 11, End: 23}, matches[0].Span)
}

func TestPatternDetector_KeywordsAreCaseInsensitiveAndWordBounded(t *testing.T) {
	d, err := NewPatternDetector("kw", domain.CategoryCrypto, []lexicon.Rule{{
		Name:       "kw.terms",
		Kind:       lexicon.KindKeyword,
		Terms:      []string{"seed phrase", "btc"},
		Confidence: lexicon.Confidence(0.8),
	}})
	require.NoError(t, err)

	matches, err := d.Detect(context.Background(), "Share your SEED   Phrase and BTC, not abtcd")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "SEED   Phrase", matches[0].Text)
	assert.Equal(t, "BTC", matches[1].Text)
}

func TestPatternDetector_NoMatchesOnCleanText(t *testing.T) {
	d, err := NewPatternDetector("phone.pattern", domain.CategoryPhone, builtinRules(t, domain.CategoryPhone))
	require.NoError(t, err)

	matches, err := d.Detect(context.Background(), "Hello, how are you today?")
	require.NoError(t, err)
	assert.Empty(t, matches)

	matches, err = d.Detect(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestNewPatternDetector_InvalidConfiguration(t *testing.T) {
	tests := []struct {
		name  string
		dname string
		rules []lexicon.Rule
	}{
		{"missing name", "", []lexicon.Rule{{Name: "r", Pattern: "x"}}},
		{"no rules", "d", nil},
		{"bad regex", "d", []lexicon.Rule{{Name: "r", Pattern: "("}}},
		{"unknown check", "d", []lexicon.Rule{{Name: "r", Pattern: "x", Check: "crc"}}},
		{"empty rule", "d", []lexicon.Rule{{Name: "r"}}},
		{"confidence out of range", "d", []lexicon.Rule{{Name: "r", Pattern: "x", Confidence: lexicon.Confidence(1.5)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPatternDetector(tt.dname, domain.CategoryPhone, tt.rules)
			require.Error(t, err)
			assert.True(t, errors.Is(err, domain.ErrInvalidConfiguration))
		})
	}
}

func TestPatternDetector_CancelledContext(t *testing.T) {
	d, err := NewPatternDetector("phone.pattern", domain.CategoryPhone, builtinRules(t, domain.CategoryPhone))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.Detect(ctx, "555-123-4567")
	assert.ErrorIs(t, err, context.Canceled)
}
