// Package audit records the outcome of every policy evaluation without ever
// retaining the evaluated text.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/polisai/polis-safety/pkg/domain"
)

// Record is one audited evaluation.
type Record struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Policy    string          `json:"policy"`
	Category  domain.Category `json:"category"`
	Outcome   domain.Outcome  `json:"outcome"`
	Matches   int             `json:"matches"`
	Failures  int             `json:"failures"`
	Duration  time.Duration   `json:"duration"`
	TraceID   string          `json:"trace_id,omitempty"`
}

// NewRecord builds a record for result.
func NewRecord(result domain.PolicyResult, duration time.Duration) Record {
	return Record{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Policy:    result.Policy,
		Category:  result.Category,
		Outcome:   result.Outcome,
		Matches:   result.Matches,
		Failures:  len(result.Failures),
		Duration:  duration,
	}
}

// Sink receives audit records.
type Sink interface {
	Write(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record) error

// Write calls f(ctx, rec).
func (f SinkFunc) Write(ctx context.Context, rec Record) error { return f(ctx, rec) }

// Discard drops every record.
var Discard Sink = SinkFunc(func(context.Context, Record) error { return nil })

// LogSink writes records as structured log lines.
type LogSink struct {
	Logger *slog.Logger
	Level  slog.Level
}

// Write implements Sink.
func (s LogSink) Write(ctx context.Context, rec Record) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.LogAttrs(ctx, s.Level, "policy evaluation",
		slog.String("audit_id", rec.ID),
		slog.String("policy", rec.Policy),
		slog.String("category", string(rec.Category)),
		slog.String("outcome", string(rec.Outcome)),
		slog.Int("matches", rec.Matches),
		slog.Int("failures", rec.Failures),
		slog.Duration("duration", rec.Duration),
		slog.String("trace_id", rec.TraceID),
	)
	return nil
}

// MemorySink keeps the most recent records in memory.
type MemorySink struct {
	mu      sync.RWMutex
	limit   int
	records []Record
}

// NewMemorySink creates a MemorySink retaining at most limit records. A
// non-positive limit retains everything.
func NewMemorySink(limit int) *MemorySink {
	return &MemorySink{limit: limit}
}

// Write implements Sink.
func (s *MemorySink) Write(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, rec)
	if s.limit > 0 && len(s.records) > s.limit {
		s.records = append([]Record(nil), s.records[len(s.records)-s.limit:]...)
	}
	return nil
}

// Records returns a copy of the retained records, oldest first.
func (s *MemorySink) Records() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Record(nil), s.records...)
}

// Len returns the number of retained records.
func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// AsyncSink forwards records to another sink from a background goroutine.
// Write never blocks: when the buffer is full the record is dropped and
// counted.
type AsyncSink struct {
	next    Sink
	logger  *slog.Logger
	queue   chan Record
	done    chan struct{}
	dropped atomic.Int64

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// DefaultBuffer is the AsyncSink queue size used when none is given.
const DefaultBuffer = 256

// NewAsyncSink starts the forwarding goroutine.
func NewAsyncSink(next Sink, buffer int, logger *slog.Logger) *AsyncSink {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &AsyncSink{
		next:   next,
		logger: logger,
		queue:  make(chan Record, buffer),
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *AsyncSink) run() {
	defer close(s.done)
	for rec := range s.queue {
		if err := s.next.Write(context.Background(), rec); err != nil {
			s.logger.Warn("audit sink write failed", "audit_id", rec.ID, "error", err)
		}
	}
}

// Write enqueues rec. It returns nil even when the record is dropped.
func (s *AsyncSink) Write(_ context.Context, rec Record) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return nil
	}
	select {
	case s.queue <- rec:
	default:
		s.dropped.Add(1)
	}
	return nil
}

// Dropped returns the number of records discarded so far.
func (s *AsyncSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops accepting records and waits for queued ones to be written or
// for ctx to expire.
func (s *AsyncSink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()
	})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
