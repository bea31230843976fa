// Package audit records every tool dispatch and every safety block as an
// immutable record.
//
// Records are values: once [Auditor.Emit] has stamped an ID and time, no
// component holds a mutable reference. Sinks fan the record out to structured
// logs, an in-memory ring for admin inspection, and the datastore.
package audit

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a record.
type Kind string

const (
	// KindDispatch is written for every tool dispatch, whatever the outcome.
	KindDispatch Kind = "tool_dispatch"

	// KindSafetyBlock is written for every Blocked safety verdict.
	KindSafetyBlock Kind = "safety_block"
)

// Record is one audit entry.
type Record struct {
	ID        string        `json:"id"`
	Time      time.Time     `json:"time"`
	Kind      Kind          `json:"kind"`
	RequestID string        `json:"requestId,omitempty"`
	SessionID string        `json:"sessionId,omitempty"`
	UserID    string        `json:"userId,omitempty"`
	Tool      string        `json:"tool,omitempty"`
	Variant   string        `json:"variant,omitempty"`
	Attempts  int           `json:"attempts,omitempty"`
	Elapsed   time.Duration `json:"elapsed,omitempty"`
	Stage     string        `json:"stage,omitempty"`
	Reason    string        `json:"reason,omitempty"`
}

// Sink receives emitted records.
type Sink interface {
	Write(ctx context.Context, r Record) error
}

// Reader lists recent records, newest first.
type Reader interface {
	Recent(ctx context.Context, limit int) ([]Record, error)
}

// ReaderFunc adapts a function to [Reader].
type ReaderFunc func(ctx context.Context, limit int) ([]Record, error)

// Recent implements Reader.
func (f ReaderFunc) Recent(ctx context.Context, limit int) ([]Record, error) { return f(ctx, limit) }

// Auditor stamps records and writes them to every sink. A failing sink is
// logged and does not stop the others.
type Auditor struct {
	sinks []Sink
	now   func() time.Time
}

// Option configures an Auditor.
type Option func(*Auditor)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Auditor) { a.now = now }
}

// New creates an Auditor writing to sinks.
func New(sinks []Sink, opts ...Option) *Auditor {
	a := &Auditor{sinks: slices.Clone(sinks), now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Emit stamps r with a fresh ID and the current time and writes it.
func (a *Auditor) Emit(ctx context.Context, r Record) Record {
	r.ID = uuid.NewString()
	r.Time = a.now().UTC()
	for _, s := range a.sinks {
		if err := s.Write(ctx, r); err != nil {
			slog.Error("audit: sink write failed", "kind", string(r.Kind), "id", r.ID, "error", err)
		}
	}
	return r
}

// LogSink writes records as structured log lines.
type LogSink struct {
	Logger *slog.Logger
}

// Write implements Sink.
func (s LogSink) Write(_ context.Context, r Record) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Info("audit",
		"audit_id", r.ID,
		"kind", string(r.Kind),
		"request_id", r.RequestID,
		"session_id", r.SessionID,
		"user_id", r.UserID,
		"tool", r.Tool,
		"variant", r.Variant,
		"attempts", r.Attempts,
		"elapsed", r.Elapsed,
		"stage", r.Stage,
		"reason", r.Reason,
	)
	return nil
}

// Ring keeps the most recent records in memory. It implements Sink and
// Reader.
type Ring struct {
	mu   sync.Mutex
	buf  []Record
	pos  int
	full bool
}

// NewRing creates a Ring holding up to size records (default 500).
func NewRing(size int) *Ring {
	if size <= 0 {
		size = 500
	}
	return &Ring{buf: make([]Record, size)}
}

// Write implements Sink.
func (r *Ring) Write(_ context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.pos] = rec
	r.pos = (r.pos + 1) % len(r.buf)
	if r.pos == 0 {
		r.full = true
	}
	return nil
}

// Recent implements Reader.
func (r *Ring) Recent(_ context.Context, limit int) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.pos
	if r.full {
		n = len(r.buf)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Record, 0, limit)
	for i := 1; i <= limit; i++ {
		out = append(out, r.buf[(r.pos-i+len(r.buf))%len(r.buf)])
	}
	return out, nil
}

// Appender is implemented by datastores that persist audit records.
type Appender interface {
	AppendAudit(ctx context.Context, r Record) error
}

// StoreSink persists records through an Appender. Writes are detached from
// the caller's cancellation so an interrupted turn still leaves its trail.
type StoreSink struct {
	Store   Appender
	Timeout time.Duration
}

// Write implements Sink.
func (s StoreSink) Write(ctx context.Context, r Record) error {
	timeout := s.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return s.Store.AppendAudit(ctx, r)
}
