// Package dispatch runs one model-requested tool call through validation,
// authorization and safety screening before invoking its handler with a
// bounded timeout and retry policy.
//
// Every dispatch, whatever its outcome, produces exactly one [tool.Result]
// and one audit record. Tool failures never escape as Go errors.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/waypoint/internal/audit"
	"github.com/MrWong99/waypoint/internal/authz"
	"github.com/MrWong99/waypoint/internal/observe"
	"github.com/MrWong99/waypoint/internal/resilience"
	"github.com/MrWong99/waypoint/internal/safety"
	"github.com/MrWong99/waypoint/internal/tool"
)

// Request is one tool invocation requested by the model.
type Request struct {
	// RequestID is stable across retries. Generated when empty.
	RequestID string

	ToolName string

	// Arguments are the decoded arguments. When nil, RawArguments is
	// decoded instead.
	Arguments map[string]any

	// RawArguments is the JSON object text produced by the model.
	RawArguments string

	// Caller is the session identity. It never comes from model output.
	Caller tool.Identity

	Context tool.CallContext
}

// Authorizer checks a caller against a tool's authorization mode and returns
// the arguments the handler should see.
type Authorizer interface {
	Check(def *tool.Definition, caller tool.Identity, args tool.Args) (tool.Args, error)
}

// SafetyFilter screens free-text arguments.
type SafetyFilter interface {
	Evaluate(ctx context.Context, text string, subj safety.Subject) safety.Verdict
}

// Dispatcher executes tool calls against a sealed registry. It is safe for
// concurrent use.
type Dispatcher struct {
	registry *tool.Registry
	guard    Authorizer
	safety   SafetyFilter
	auditor  *audit.Auditor
	metrics  *observe.Metrics
	stats    *tool.Stats
	timeout  time.Duration
	retry    resilience.RetryConfig
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithAuthorizer replaces the default [authz.Guard].
func WithAuthorizer(a Authorizer) Option {
	return func(d *Dispatcher) { d.guard = a }
}

// WithSafety enables screening of safety-checked arguments.
func WithSafety(s SafetyFilter) Option {
	return func(d *Dispatcher) { d.safety = s }
}

// WithAuditor sets the audit trail.
func WithAuditor(a *audit.Auditor) Option {
	return func(d *Dispatcher) { d.auditor = a }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithStats shares a rolling health window, typically with the tool_health
// tool.
func WithStats(s *tool.Stats) Option {
	return func(d *Dispatcher) { d.stats = s }
}

// WithTimeout sets the default handler timeout. Default: 10s.
func WithTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.timeout = t }
}

// WithRetry sets the retry policy. Default: 3 attempts waiting 200ms then
// 800ms.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(d *Dispatcher) { d.retry = cfg }
}

// New creates a Dispatcher over reg.
func New(reg *tool.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		registry: reg,
		timeout:  10 * time.Second,
		retry: resilience.RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 200 * time.Millisecond,
			Factor:       4,
		},
	}
	for _, o := range opts {
		o(d)
	}
	if d.guard == nil {
		d.guard = authz.New()
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	if d.stats == nil {
		d.stats = tool.NewStats(0)
	}
	if d.timeout <= 0 {
		d.timeout = 10 * time.Second
	}
	return d
}

// Stats returns the rolling per-tool health window.
func (d *Dispatcher) Stats() *tool.Stats { return d.stats }

// Dispatch runs req and returns its result. It never panics and never returns
// nil.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) tool.Result {
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	ctx, span := observe.StartSpan(ctx, "tool.dispatch "+req.ToolName)
	defer span.End()
	start := time.Now()

	res, attempts := d.run(ctx, req)

	elapsed := time.Since(start)
	variant := res.Variant()
	span.SetAttributes(
		observe.AttrRequestID.String(req.RequestID),
		observe.AttrTool.String(req.ToolName),
		observe.AttrVariant.String(string(variant)),
		observe.AttrAttempts.Int(attempts),
	)
	d.record(ctx, req, res, attempts, elapsed)
	return res
}

func (d *Dispatcher) run(ctx context.Context, req Request) (tool.Result, int) {
	def, err := d.registry.Get(req.ToolName)
	if err != nil {
		return tool.ExecutionError{Cause: fmt.Errorf("dispatch: %q: %w", req.ToolName, err)}, 0
	}

	raw, vf := decodeArguments(req)
	if vf != nil {
		return *vf, 0
	}
	args, verr := def.Schema.Validate(raw)
	if verr != nil {
		return tool.ValidationFailure{Field: verr.Field, Reason: verr.Reason}, 0
	}

	args, err = d.guard.Check(def, req.Caller, args)
	if err != nil {
		return tool.AuthorizationFailure{Reason: authReason(err)}, 0
	}

	if blocked, ok := d.screen(ctx, def, req, args); ok {
		return blocked, 0
	}

	call := tool.Call{
		RequestID: req.RequestID,
		Caller:    req.Caller,
		Args:      args,
		Context:   req.Context,
	}
	return d.execute(ctx, def, call)
}

// decodeArguments returns the raw argument object of req, or a validation
// failure when the model produced something that is not a JSON object.
func decodeArguments(req Request) (map[string]any, *tool.ValidationFailure) {
	if req.Arguments != nil {
		return req.Arguments, nil
	}
	raw := bytes.TrimSpace([]byte(req.RawArguments))
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]any{}, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out map[string]any
	if err := dec.Decode(&out); err != nil {
		return nil, &tool.ValidationFailure{Reason: "arguments must be a JSON object"}
	}
	if dec.More() {
		return nil, &tool.ValidationFailure{Reason: "arguments must be a single JSON object"}
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func authReason(err error) string {
	var ae *tool.AuthorizationError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return err.Error()
}

// screen runs the safety filter over every safety-checked string argument.
func (d *Dispatcher) screen(ctx context.Context, def *tool.Definition, req Request, args tool.Args) (tool.Result, bool) {
	if d.safety == nil {
		return nil, false
	}
	subj := safety.Subject{RequestID: req.RequestID, SessionID: req.Context.SessionID, UserID: req.Caller.UserID}
	for _, name := range def.Schema.SafetyChecked() {
		text := args.String(name)
		if text == "" {
			continue
		}
		if v := d.safety.Evaluate(ctx, text, subj); v.Blocked {
			return tool.SafetyBlocked{Reason: fmt.Sprintf("%s: %s", name, v.Reason)}, true
		}
	}
	return nil, false
}

// errHandlerTimeout is returned when a handler exceeds its deadline.
var errHandlerTimeout = errors.New("dispatch: handler timed out")

// handlerError carries a handler failure together with its classification.
type handlerError struct {
	result tool.Result
}

func (e *handlerError) Error() string { return tool.Describe(e.result) }

// execute invokes the handler under the retry policy. Retries stop as soon
// as ctx is done; an attempt already running is not cancelled by ctx but is
// bounded by its own timeout, so a mutation is never torn mid-write.
func (d *Dispatcher) execute(ctx context.Context, def *tool.Definition, call tool.Call) (tool.Result, int) {
	timeout := d.timeout
	if def.Timeout > 0 {
		timeout = def.Timeout
	}

	var data any
	cfg := d.retry
	cfg.ShouldRetry = func(err error) bool {
		var he *handlerError
		if !errors.As(err, &he) {
			return false
		}
		ee, ok := he.result.(tool.ExecutionError)
		return ok && ee.Retryable
	}

	rr := resilience.Retry(ctx, cfg, func(attempt int) error {
		v, err := d.invoke(ctx, def, call, timeout)
		if err == nil {
			data = v
			return nil
		}
		he := &handlerError{result: classify(err, def.Idempotent)}
		slog.Warn("dispatch: tool attempt failed",
			"tool", def.Name,
			"request_id", call.RequestID,
			"attempt", attempt,
			"retryable", cfg.ShouldRetry(he),
			"error", err,
		)
		return he
	})

	if rr.Err == nil {
		return tool.Success{Data: data}, rr.Attempts
	}
	var he *handlerError
	if errors.As(rr.Err, &he) {
		return he.result, rr.Attempts
	}
	return tool.ExecutionError{Cause: rr.Err}, rr.Attempts
}

// invoke runs the handler once on its own goroutine so that a handler that
// ignores its context still cannot hold the dispatch past timeout.
func (d *Dispatcher) invoke(ctx context.Context, def *tool.Definition, call tool.Call, timeout time.Duration) (any, error) {
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	type outcome struct {
		v   any
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("dispatch: handler panicked", "tool", def.Name, "request_id", call.RequestID, "panic", r)
				ch <- outcome{err: fmt.Errorf("dispatch: handler panicked: %v", r)}
			}
		}()
		v, err := def.Handler(hctx, call)
		ch <- outcome{v: v, err: err}
	}()

	select {
	case o := <-ch:
		if o.err != nil && hctx.Err() != nil && errors.Is(o.err, context.DeadlineExceeded) {
			return nil, errHandlerTimeout
		}
		return o.v, o.err
	case <-hctx.Done():
		return nil, errHandlerTimeout
	}
}

// classify maps a handler error onto a failure variant. Transient upstream
// failures are retryable, and so are timeouts of idempotent tools; a timed
// out call to any other tool may already have taken effect. Everything the
// handler did not explicitly mark as transient is not retryable.
func classify(err error, idempotent bool) tool.Result {
	var (
		ve *tool.ValidationError
		ae *tool.AuthorizationError
		ue *tool.UpstreamError
	)
	switch {
	case errors.As(err, &ve):
		return tool.ValidationFailure{Field: ve.Field, Reason: ve.Reason}
	case errors.As(err, &ae):
		return tool.AuthorizationFailure{Reason: ae.Reason}
	case errors.As(err, &ue):
		return tool.ExecutionError{Cause: err, Retryable: ue.Retryable}
	case errors.Is(err, errHandlerTimeout):
		return tool.ExecutionError{Cause: err, Retryable: idempotent}
	default:
		return tool.ExecutionError{Cause: err}
	}
}

func (d *Dispatcher) record(ctx context.Context, req Request, res tool.Result, attempts int, elapsed time.Duration) {
	variant := res.Variant()
	d.metrics.RecordDispatch(ctx, req.ToolName, string(variant), elapsed)
	d.stats.Record(req.ToolName, variant, elapsed)

	level := slog.LevelInfo
	if variant != tool.VariantSuccess {
		level = slog.LevelWarn
	}
	slog.Log(ctx, level, "dispatch: tool call finished",
		"request_id", req.RequestID,
		"tool", req.ToolName,
		"session_id", req.Context.SessionID,
		"user_id", req.Caller.UserID,
		"variant", string(variant),
		"attempts", attempts,
		"elapsed", elapsed,
		"detail", tool.Describe(res),
	)

	if d.auditor == nil {
		return
	}
	rec := audit.Record{
		Kind:      audit.KindDispatch,
		RequestID: req.RequestID,
		SessionID: req.Context.SessionID,
		UserID:    req.Caller.UserID,
		Tool:      req.ToolName,
		Variant:   string(variant),
		Attempts:  attempts,
		Elapsed:   elapsed,
	}
	if variant != tool.VariantSuccess {
		rec.Reason = tool.Describe(res)
	}
	d.auditor.Emit(ctx, rec)
}
