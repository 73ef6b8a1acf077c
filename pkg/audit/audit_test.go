package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/polis-safety/pkg/domain"
)

func sampleResult() domain.PolicyResult {
	return domain.PolicyResult{
		Outcome:  domain.OutcomeBlocked,
		Policy:   "phone.block",
		Category: domain.CategoryPhone,
		Matches:  2,
		Failures: []domain.DetectorFailure{{Detector: "phone.llm", Reason: "timeout"}},
	}
}

func TestNewRecord(t *testing.T) {
	rec := NewRecord(sampleResult(), 5*time.Millisecond)
	_, err := uuid.Parse(rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "phone.block", rec.Policy)
	assert.Equal(t, domain.OutcomeBlocked, rec.Outcome)
	assert.Equal(t, 2, rec.Matches)
	assert.Equal(t, 1, rec.Failures)
	assert.NotEqual(t, rec.ID, NewRecord(sampleResult(), 0).ID)
}

func TestLogSink_NeverLogsText(t *testing.T) {
	var buf bytes.Buffer
	sink := LogSink{Logger: slog.New(slog.NewJSONHandler(&buf, nil)), Level: slog.LevelInfo}

	res := sampleResult()
	text := "Call me at 555-123-4567"
	res.Text = &text
	require.NoError(t, sink.Write(context.Background(), NewRecord(res, time.Millisecond)))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "phone.block", line["policy"])
	assert.Equal(t, "blocked", line["outcome"])
	assert.NotContains(t, buf.String(), "555-123-4567")
}

func TestMemorySink_Limit(t *testing.T) {
	sink := NewMemorySink(2)
	for i := 0; i < 3; i++ {
		rec := NewRecord(sampleResult(), 0)
		rec.Matches = i
		require.NoError(t, sink.Write(context.Background(), rec))
	}
	records := sink.Records()
	require.Len(t, records, 2)
	assert.Equal(t, 1, records[0].Matches)
	assert.Equal(t, 2, records[1].Matches)
}

func TestAsyncSink_DeliversAndDrains(t *testing.T) {
	mem := NewMemorySink(0)
	sink := NewAsyncSink(mem, 16, nil)
	for i := 0; i < 10; i++ {
		require.NoError(t, sink.Write(context.Background(), NewRecord(sampleResult(), 0)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sink.Close(ctx))
	assert.Equal(t, 10, mem.Len())
	assert.Zero(t, sink.Dropped())

	require.NoError(t, sink.Write(context.Background(), NewRecord(sampleResult(), 0)))
	assert.Equal(t, int64(1), sink.Dropped())
	require.NoError(t, sink.Close(ctx), "close is idempotent")
}

func TestAsyncSink_DropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	var delivered int
	blocking := SinkFunc(func(context.Context, Record) error {
		<-release
		delivered++
		return errors.New("ignored")
	})
	sink := NewAsyncSink(blocking, 1, slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	start := time.Now()
	for i := 0; i < 50; i++ {
		require.NoError(t, sink.Write(context.Background(), NewRecord(sampleResult(), 0)))
	}
	assert.Less(t, time.Since(start), time.Second, "writes must not block")
	assert.GreaterOrEqual(t, sink.Dropped(), int64(48))

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, sink.Close(ctx))
	assert.Equal(t, int64(50), sink.Dropped()+int64(delivered))
}
