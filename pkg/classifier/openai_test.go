package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/polisai/polis-safety/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockCompletions simulates an OpenAI-compatible chat completions endpoint.
type mockCompletions struct {
	t       *testing.T
	server  *httptest.Server
	mu      sync.Mutex
	content string
	status  int
	delay   time.Duration
	last    map[string]any
	auth    string
}

func newMockCompletions(t *testing.T, content string) *mockCompletions {
	t.Helper()
	m := &mockCompletions{t: t, content: content, status: http.StatusOK}
	m.server = httptest.NewServer(http.HandlerFunc(m.handle))
	t.Cleanup(m.server.Close)
	return m
}

func (m *mockCompletions) handle(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)

	m.mu.Lock()
	m.last = body
	m.auth = r.Header.Get("Authorization")
	content, status, delay := m.content, m.status, m.delay
	m.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != http.StatusOK {
		http.Error(w, "upstream exploded", status)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"choices": []map[string]any{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	})
}

func (m *mockCompletions) lastBody() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

func newTestClassifier(url string) *OpenAIClassifier {
	return NewOpenAIClassifier(OpenAIConfig{Endpoint: url, Model: "test-model", APIKey: "sk-test"})
}

func TestOpenAIClassifier_Classify(t *testing.T) {
	mock := newMockCompletions(t, `{"matched": true, "confidence": 0.92}`)
	c := newTestClassifier(mock.server.URL)

	res, err := c.Classify(context.Background(), Request{
		Category: domain.CategoryAdultContent,
		Text:     "some text",
		Mode:     ModeClassify,
		Guidance: "sexual content",
	})
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.InDelta(t, 0.92, res.Confidence, 1e-9)
	assert.Empty(t, res.Spans)

	body := mock.lastBody()
	assert.Equal(t, "test-model", body["model"])
	assert.Equal(t, map[string]any{"type": "json_object"}, body["response_format"])
	messages, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, messages, 2)
	assert.Contains(t, messages[0].(map[string]any)["content"], "sexual content")
	assert.Equal(t, "some text", messages[1].(map[string]any)["content"])

	mock.mu.Lock()
	assert.Equal(t, "Bearer sk-test", mock.auth)
	mock.mu.Unlock()
}

func TestOpenAIClassifier_FindMapsPassagesToSpans(t *testing.T) {
	mock := newMockCompletions(t, `{"matched": true, "confidence": 0.8, "matches": ["555-0100", "not in text"]}`)
	c := newTestClassifier(mock.server.URL)

	text := "call 555-0100 or 555-0100"
	res, err := c.Classify(context.Background(), Request{Category: domain.CategoryPhone, Text: text, Mode: ModeFind})
	require.NoError(t, err)
	assert.True(t, res.Matched)
	assert.Equal(t, []domain.Span{{Start: 5, End: 13}, {Start: 17, End: 25}}, res.Spans)
}

func TestOpenAIClassifier_NotMatched(t *testing.T) {
	mock := newMockCompletions(t, `{"matched": false, "confidence": 0.1}`)
	c := newTestClassifier(mock.server.URL)

	res, err := c.Classify(context.Background(), Request{Category: domain.CategoryCrypto, Text: "hello"})
	require.NoError(t, err)
	assert.False(t, res.Matched)
}

func TestOpenAIClassifier_MalformedResponses(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not json", "UNSAFE, definitely"},
		{"missing matched", `{"confidence": 0.5}`},
		{"confidence out of range", `{"matched": true, "confidence": 3}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := newMockCompletions(t, tt.content)
			c := newTestClassifier(mock.server.URL)
			_, err := c.Classify(context.Background(), Request{Category: domain.CategoryCrypto, Text: "x"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedResponse))
		})
	}
}

func TestOpenAIClassifier_UpstreamStatusError(t *testing.T) {
	mock := newMockCompletions(t, "")
	mock.status = http.StatusServiceUnavailable
	c := newTestClassifier(mock.server.URL)

	_, err := c.Classify(context.Background(), Request{Category: domain.CategoryCrypto, Text: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestOpenAIClassifier_HonoursDeadline(t *testing.T) {
	mock := newMockCompletions(t, `{"matched": true}`)
	mock.delay = 2 * time.Second
	c := newTestClassifier(mock.server.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := c.Classify(ctx, Request{Category: domain.CategoryCrypto, Text: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), time.Second)
}

func TestOpenAIClassifier_EmptyTextSkipsCall(t *testing.T) {
	c := newTestClassifier("http://127.0.0.1:1")
	res, err := c.Classify(context.Background(), Request{Category: domain.CategoryCrypto, Text: ""})
	require.NoError(t, err)
	assert.False(t, res.Matched)
}

func TestLocateSpans(t *testing.T) {
	spans, missing := LocateSpans("aXbXa", []string{"a", "X", "a", "", "zz"})
	assert.Equal(t, 1, missing)
	assert.Equal(t, []domain.Span{
		{Start: 0, End: 1},
		{Start: 1, End: 2},
		{Start: 3, End: 4},
		{Start: 4, End: 5},
	}, spans)
}
