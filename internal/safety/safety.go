// Package safety screens natural-language text for prompt-injection and
// jailbreak attempts.
//
// Evaluation is a two-stage pipeline. A deterministic pattern pre-filter
// always runs first and never does I/O. Text that passes it goes to an
// optional model-based [Classifier] guarded by a shared
// [resilience.CircuitBreaker]. The classifier stage fails open: when the
// breaker is open, or the classifier errors, the text is treated as safe
// because the deterministic stage has already passed.
//
// Every Blocked verdict is written to the audit trail.
package safety

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"sync/atomic"
	"time"

	"github.com/MrWong99/waypoint/internal/audit"
	"github.com/MrWong99/waypoint/internal/observe"
	"github.com/MrWong99/waypoint/internal/resilience"
)

// Stage names the pipeline stage that produced a verdict.
type Stage string

const (
	// StagePattern is the deterministic pre-filter.
	StagePattern Stage = "pattern"

	// StageClassifier is a completed classifier call.
	StageClassifier Stage = "classifier"

	// StageBreakerOpen means the classifier was skipped because its breaker
	// is open.
	StageBreakerOpen Stage = "breaker_open"

	// StageClassifierError means the classifier failed and the text was
	// let through.
	StageClassifierError Stage = "classifier_error"

	// StageSkipped means no classifier is configured.
	StageSkipped Stage = "skipped"
)

// Verdict is the outcome of [Filter.Evaluate].
type Verdict struct {
	Blocked bool
	Reason  string
	Stage   Stage
}

// Safe reports whether the text may proceed.
func (v Verdict) Safe() bool { return !v.Blocked }

// Subject identifies who produced the evaluated text. It only feeds the audit
// record.
type Subject struct {
	RequestID string
	SessionID string
	UserID    string
}

// Pattern is one named deterministic rule.
type Pattern struct {
	Name string
	Expr *regexp.Regexp
}

// DefaultPatterns returns the built-in jailbreak and injection phrasings.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{"ignore_instructions", regexp.MustCompile(`(?i)\b(ignore|disregard|forget)\s+(all\s+|any\s+|the\s+|your\s+)?(previous|prior|above|earlier|system)\s+(instructions|prompts?|rules|messages)`)},
		{"role_override", regexp.MustCompile(`(?i)\b(pretend\s+(that\s+)?you\s+are|you\s+are\s+now\s+(dan|an?\s+unrestricted)|act\s+as\s+(an?\s+)?(unrestricted|unfiltered|jailbroken))`)},
		{"jailbreak", regexp.MustCompile(`(?i)\bjail\s*break`)},
		{"bypass_restrictions", regexp.MustCompile(`(?i)\bbypass\s+(the\s+|your\s+|all\s+)?(restrictions|safety|filters?|guardrails|content\s+policy)`)},
		{"developer_mode", regexp.MustCompile(`(?i)\b(developer|god|debug)\s+mode\s+(enabled|on|activated)`)},
		{"prompt_exfiltration", regexp.MustCompile(`(?i)\b(reveal|print|show|repeat)\s+(me\s+)?(your|the)\s+(system\s+prompt|hidden\s+instructions|initial\s+instructions)`)},
		{"fake_system_turn", regexp.MustCompile(`(?im)^\s*(system|assistant)\s*:\s*`)},
	}
}

// Classification is a classifier's answer.
type Classification struct {
	Unsafe   bool
	Category string
}

// Classifier is the model-based second stage.
type Classifier interface {
	Classify(ctx context.Context, text string) (Classification, error)
}

// Filter is the two-stage safety pipeline. It is safe for concurrent use.
type Filter struct {
	patterns   []Pattern
	extra      atomic.Pointer[[]Pattern]
	classifier Classifier
	breaker    *resilience.CircuitBreaker
	timeout    time.Duration
	auditor    *audit.Auditor
	metrics    *observe.Metrics
}

// Option configures a Filter.
type Option func(*Filter)

// WithClassifier enables the model-based stage.
func WithClassifier(c Classifier) Option {
	return func(f *Filter) { f.classifier = c }
}

// WithBreaker replaces the classifier's circuit breaker. Use it to share a
// breaker or to inject a clock in tests.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(f *Filter) { f.breaker = cb }
}

// WithClassifierTimeout bounds each classifier call. Default: 2s.
func WithClassifierTimeout(d time.Duration) Option {
	return func(f *Filter) { f.timeout = d }
}

// WithPatterns appends deterministic rules to the defaults.
func WithPatterns(p ...Pattern) Option {
	return func(f *Filter) { f.patterns = append(f.patterns, p...) }
}

// WithAuditor sets where Blocked verdicts are recorded.
func WithAuditor(a *audit.Auditor) Option {
	return func(f *Filter) { f.auditor = a }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(f *Filter) { f.metrics = m }
}

// New creates a Filter with the default patterns and a 5 failures / 30s
// cooldown / 1 trial breaker.
func New(opts ...Option) *Filter {
	f := &Filter{
		patterns: DefaultPatterns(),
		timeout:  2 * time.Second,
	}
	for _, o := range opts {
		o(f)
	}
	if f.breaker == nil {
		f.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "safety-classifier"})
	}
	if f.metrics == nil {
		f.metrics = observe.DefaultMetrics()
	}
	return f
}

// CompilePatterns compiles user-supplied expressions into named patterns.
// Names are "custom_<index>".
func CompilePatterns(exprs []string) ([]Pattern, error) {
	var errs []error
	out := make([]Pattern, 0, len(exprs))
	for i, e := range exprs {
		re, err := regexp.Compile(e)
		if err != nil {
			errs = append(errs, fmt.Errorf("safety: pattern %d: %w", i, err))
			continue
		}
		out = append(out, Pattern{Name: fmt.Sprintf("custom_%d", i), Expr: re})
	}
	return out, errors.Join(errs...)
}

// SetExtraPatterns replaces the patterns added at runtime, e.g. on a config
// reload. Patterns given to [New] are kept.
func (f *Filter) SetExtraPatterns(p []Pattern) {
	p = slices.Clone(p)
	f.extra.Store(&p)
}

// Breaker returns the classifier's circuit breaker.
func (f *Filter) Breaker() *resilience.CircuitBreaker { return f.breaker }

// Evaluate runs the pipeline on text.
func (f *Filter) Evaluate(ctx context.Context, text string, subj Subject) Verdict {
	for _, p := range f.patterns {
		if p.Expr.MatchString(text) {
			return f.block(ctx, subj, Verdict{Blocked: true, Reason: p.Name, Stage: StagePattern})
		}
	}
	if extra := f.extra.Load(); extra != nil {
		for _, p := range *extra {
			if p.Expr.MatchString(text) {
				return f.block(ctx, subj, Verdict{Blocked: true, Reason: p.Name, Stage: StagePattern})
			}
		}
	}

	if f.classifier == nil {
		return f.pass(ctx, StageSkipped)
	}

	var c Classification
	start := time.Now()
	err := f.breaker.Execute(func() error {
		cctx, cancel := context.WithTimeout(ctx, f.timeout)
		defer cancel()
		var err error
		c, err = f.classifier.Classify(cctx, text)
		return err
	})

	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		return f.pass(ctx, StageBreakerOpen)
	case err != nil:
		f.metrics.RecordProviderRequest(ctx, "safety-classifier", "classifier", "error")
		slog.Warn("safety: classifier failed, allowing text",
			"request_id", subj.RequestID,
			"breaker", f.breaker.State().String(),
			"error", err,
		)
		return f.pass(ctx, StageClassifierError)
	}

	f.metrics.ClassifierDuration.Record(ctx, time.Since(start).Seconds())
	f.metrics.RecordProviderRequest(ctx, "safety-classifier", "classifier", "ok")
	if c.Unsafe {
		reason := c.Category
		if reason == "" {
			reason = "classifier_unsafe"
		}
		return f.block(ctx, subj, Verdict{Blocked: true, Reason: reason, Stage: StageClassifier})
	}
	return f.pass(ctx, StageClassifier)
}

func (f *Filter) pass(ctx context.Context, stage Stage) Verdict {
	f.metrics.RecordSafetyVerdict(ctx, string(stage), "safe")
	return Verdict{Stage: stage}
}

func (f *Filter) block(ctx context.Context, subj Subject, v Verdict) Verdict {
	f.metrics.RecordSafetyVerdict(ctx, string(v.Stage), "blocked")
	slog.Warn("safety: text blocked",
		"request_id", subj.RequestID,
		"session_id", subj.SessionID,
		"user_id", subj.UserID,
		"stage", string(v.Stage),
		"reason", v.Reason,
	)
	if f.auditor != nil {
		f.auditor.Emit(ctx, audit.Record{
			Kind:      audit.KindSafetyBlock,
			RequestID: subj.RequestID,
			SessionID: subj.SessionID,
			UserID:    subj.UserID,
			Stage:     string(v.Stage),
			Reason:    v.Reason,
		})
	}
	return v
}
