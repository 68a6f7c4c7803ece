// Package audit records sanitized, hash-chained entries for every
// lifecycle decision. Recording never fails the calling operation: when the
// primary sink errors the entry goes to the fallback logger instead.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Level is the severity of an entry.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Event types written by the lifecycle components.
const (
	EventAdmission         = "admission"
	EventClassification    = "classification"
	EventRuleConflict      = "rule_conflict"
	EventMalformedItem     = "malformed_item"
	EventApprovalRequested = "approval_requested"
	EventDecision          = "decision"
	EventStaleDecision     = "stale_decision"
	EventUnknownReference  = "unknown_reference"
	EventAbort             = "abort"
	EventExecution         = "execution"
	EventRetryScheduled    = "retry_scheduled"
	EventRecovered         = "recovered"
	EventAdapterRestarted  = "adapter_restarted"
	EventAdapterFailed     = "adapter_failed"
	EventCompaction        = "compaction"
)

// Entry is one append-only audit record. Seq, PrevHash and Hash are
// assigned by the sink.
type Entry struct {
	Seq       uint64         `json:"seq"`
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	ActionID  string         `json:"action_id,omitempty"`
	EventType string         `json:"event_type"`
	Outcome   string         `json:"outcome,omitempty"`
	Level     Level          `json:"level"`
	Inputs    map[string]any `json:"sanitized_inputs,omitempty"`
	Error     string         `json:"error,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"hash,omitempty"`
}

// Recorder is what lifecycle components depend on.
type Recorder interface {
	Record(ctx context.Context, e Entry)
}

// Sink persists entries and maintains the hash chain.
type Sink interface {
	Append(ctx context.Context, e *Entry) error
}

// Logger sanitizes entries and writes them to a Sink, falling back to
// structured logging when the sink fails.
type Logger struct {
	sink      Sink
	sanitizer *Sanitizer
	fallback  *slog.Logger
	clock     func() time.Time
}

// Option configures a Logger.
type Option func(*Logger)

// WithFallback sets the logger used when the sink fails.
func WithFallback(l *slog.Logger) Option {
	return func(lg *Logger) { lg.fallback = l }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(lg *Logger) { lg.clock = clock }
}

// WithSanitizer replaces the default sanitizer.
func WithSanitizer(s *Sanitizer) Option {
	return func(lg *Logger) { lg.sanitizer = s }
}

// NewLogger creates a Logger writing to sink.
func NewLogger(sink Sink, opts ...Option) *Logger {
	l := &Logger{
		sink:      sink,
		sanitizer: DefaultSanitizer(),
		fallback:  slog.Default().With("component", "audit"),
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Record sanitizes and appends e. It never returns an error.
func (l *Logger) Record(ctx context.Context, e Entry) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.clock()
	}
	e.Timestamp = e.Timestamp.UTC()
	if e.Level == "" {
		e.Level = LevelInfo
	}
	e.Inputs = l.sanitizer.Map(e.Inputs)
	e.Error = l.sanitizer.String(e.Error)

	if l.sink == nil {
		l.writeFallback(ctx, e, nil)
		return
	}
	if err := l.sink.Append(ctx, &e); err != nil {
		l.writeFallback(ctx, e, err)
	}
}

func (l *Logger) writeFallback(ctx context.Context, e Entry, err error) {
	attrs := []any{
		"audit_id", e.ID,
		"timestamp", e.Timestamp,
		"action_id", e.ActionID,
		"event_type", e.EventType,
		"outcome", e.Outcome,
		"level", string(e.Level),
		"sanitized_inputs", e.Inputs,
	}
	if e.Error != "" {
		attrs = append(attrs, "entry_error", e.Error)
	}
	if err != nil {
		attrs = append(attrs, "error", err)
	}
	l.fallback.WarnContext(ctx, "audit entry written to fallback sink", attrs...)
}

// Nop discards entries.
type Nop struct{}

// Record implements Recorder.
func (Nop) Record(context.Context, Entry) {}
