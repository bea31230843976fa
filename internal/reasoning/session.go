// Package reasoning runs conversational turns against a reasoning model.
//
// A [Session] owns one conversation's context: the caller, the resolved
// timezone and location, and a bounded window of recent messages. Each call
// to [Session.Turn] sends the window plus the tool schema to the model,
// dispatches any tool calls the model requests through the dispatcher, feeds
// the results back and repeats until the model answers with text or the
// round limit is reached.
//
// Turns on one session run strictly one at a time in arrival order. A turn
// whose context is cancelled before it finishes leaves the message window
// untouched, even if the tools it dispatched have already run.
package reasoning

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/waypoint/internal/dispatch"
	"github.com/MrWong99/waypoint/internal/observe"
	"github.com/MrWong99/waypoint/internal/safety"
	"github.com/MrWong99/waypoint/internal/tool"
	"github.com/MrWong99/waypoint/pkg/provider/llm"
)

var (
	// ErrTurnCancelled is returned when a turn's context ends before the turn
	// completes. Its result has been discarded.
	ErrTurnCancelled = errors.New("reasoning: turn cancelled")

	// ErrNotOwner is returned when a caller other than the session owner
	// submits a turn.
	ErrNotOwner = errors.New("reasoning: caller does not own this session")
)

const (
	DefaultHistoryWindow = 20
	DefaultMaxToolRounds = 4

	// ApologyText is returned when no reasoning provider produced an answer.
	ApologyText = "Sorry, I'm having trouble answering right now. Please try again in a moment."

	// RefusalText is returned when the user's message is blocked by the
	// safety filter.
	RefusalText = "Sorry, I can't help with that request."

	roundLimitNote = "I had to stop before finishing because this request needed too many steps. Please try splitting it into smaller requests."

	defaultInstructions = "You are Waypoint, an assistant for trip planning, budgeting and scheduling. " +
		"Use the available tools to act on the user's behalf and never invent tool results. " +
		"When a tool reports a failure, follow its instruction and explain briefly and politely. " +
		"Interpret relative dates such as \"today\" or \"tomorrow\" in the user's local timezone."
)

// Dispatcher executes one tool call.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) tool.Result
}

// Toolset exports the function-calling schema offered to the model.
type Toolset interface {
	Export() []llm.ToolDefinition
}

// SafetyFilter screens inbound user text.
type SafetyFilter interface {
	Evaluate(ctx context.Context, text string, subj safety.Subject) safety.Verdict
}

// Engine holds the collaborators shared by every session.
type Engine struct {
	provider     llm.Provider
	dispatcher   Dispatcher
	tools        Toolset
	safety       SafetyFilter
	resolver     *Resolver
	metrics      *observe.Metrics
	now          func() time.Time
	window       int
	maxRounds    int
	instructions string
	locale       string
}

// Option configures an Engine.
type Option func(*Engine)

// WithSafety screens every inbound message before the model sees it.
func WithSafety(f SafetyFilter) Option {
	return func(e *Engine) { e.safety = f }
}

// WithResolver sets the timezone resolver. Default: explicit zones only.
func WithResolver(r *Resolver) Option {
	return func(e *Engine) { e.resolver = r }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the wall clock used for the prompt's current date.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithHistoryWindow sets how many recent messages a session keeps.
func WithHistoryWindow(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.window = n
		}
	}
}

// WithMaxToolRounds bounds the tool-calling rounds per turn.
func WithMaxToolRounds(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxRounds = n
		}
	}
}

// WithInstructions replaces the base system instructions.
func WithInstructions(s string) Option {
	return func(e *Engine) {
		if s != "" {
			e.instructions = s
		}
	}
}

// WithDefaultLocale sets the locale of new sessions.
func WithDefaultLocale(l string) Option {
	return func(e *Engine) { e.locale = l }
}

// New creates an Engine. provider is usually a
// [github.com/MrWong99/waypoint/internal/resilience.LLMFallback].
func New(provider llm.Provider, dispatcher Dispatcher, tools Toolset, opts ...Option) *Engine {
	e := &Engine{
		provider:     provider,
		dispatcher:   dispatcher,
		tools:        tools,
		resolver:     NewResolver(nil),
		now:          time.Now,
		window:       DefaultHistoryWindow,
		maxRounds:    DefaultMaxToolRounds,
		instructions: defaultInstructions,
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// NewSession creates an empty session owned by owner.
func (e *Engine) NewSession(id string, owner tool.Identity) *Session {
	return &Session{
		engine: e,
		owner:  owner,
		cc: ConversationContext{
			SessionID: id,
			UserID:    owner.UserID,
			Locale:    e.locale,
			Zone:      utcZone,
			window:    e.window,
		},
	}
}

// Input is one user message.
type Input struct {
	Text    string
	Caller  tool.Identity
	Context ClientContext

	// Gate, when set, decides whether the finished exchange enters the
	// history. It is called with the session's history lock held and must
	// call commit before returning true. A false result discards the turn
	// with [ErrTurnCancelled].
	Gate func(commit func()) bool
}

// ExecutedCall summarises one tool dispatch made during a turn.
type ExecutedCall struct {
	RequestID string
	Tool      string
	Variant   tool.Variant
}

// AssistantTurn is the outcome of a turn.
type AssistantTurn struct {
	Text      string
	ToolCalls []ExecutedCall
}

// Session is one conversation. It is safe for concurrent use; turns are
// serialised.
type Session struct {
	engine *Engine
	owner  tool.Identity
	lock   turnLock

	// cc is written only while lock is held; mu guards cc.recent for
	// snapshot readers.
	mu sync.Mutex
	cc ConversationContext
}

// commitLocked appends the exchange unless ctx is done or gate refuses it.
// s.mu must be held.
func (s *Session) commitLocked(ctx context.Context, gate func(func()) bool, msgs ...llm.Message) bool {
	if ctx.Err() != nil {
		return false
	}
	commit := func() { s.cc.commit(msgs...) }
	if gate == nil {
		commit()
		return true
	}
	return gate(commit)
}

// Busy reports whether a turn is running or queued.
func (s *Session) Busy() bool { return s.lock.busy() }

// ID returns the session id.
func (s *Session) ID() string { return s.cc.SessionID }

// Owner returns the identity the session was created for.
func (s *Session) Owner() tool.Identity { return s.owner }

// Messages returns a copy of the recent message window, oldest first.
func (s *Session) Messages() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Message, len(s.cc.recent))
	copy(out, s.cc.recent)
	return out
}

// Zone returns the session's currently resolved timezone.
func (s *Session) Zone() Zone {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cc.Zone
}

// Turn processes one user message and returns the assistant's reply. Model
// and tool failures are folded into the reply text; the only errors are
// [ErrNotOwner] and [ErrTurnCancelled].
func (s *Session) Turn(ctx context.Context, in Input) (AssistantTurn, error) {
	if in.Caller.UserID != s.owner.UserID {
		return AssistantTurn{}, ErrNotOwner
	}
	if err := s.lock.lock(ctx); err != nil {
		return AssistantTurn{}, ErrTurnCancelled
	}
	defer s.lock.unlock()

	e := s.engine
	ctx, span := observe.StartSpan(observe.WithSession(ctx, s.cc.SessionID), "reasoning.turn")
	defer span.End()
	start := time.Now()
	defer func() {
		e.metrics.ReasoningDuration.Record(context.WithoutCancel(ctx), time.Since(start).Seconds())
	}()

	s.mu.Lock()
	s.cc.apply(in.Context, e.resolver)
	s.mu.Unlock()

	log := observe.Logger(ctx).With("user_id", in.Caller.UserID)

	if e.safety != nil {
		v := e.safety.Evaluate(ctx, in.Text, safety.Subject{SessionID: s.cc.SessionID, UserID: in.Caller.UserID})
		if v.Blocked {
			log.Warn("reasoning: inbound message blocked", "stage", v.Stage)
			return AssistantTurn{Text: RefusalText}, nil
		}
	}

	user := llm.Message{Role: llm.RoleUser, Content: in.Text}
	msgs := append(s.Messages(), user)
	req := llm.CompletionRequest{
		SystemPrompt: s.systemPrompt(),
		Tools:        e.tools.Export(),
	}

	var turn AssistantTurn
	for round := 0; ; round++ {
		req.Messages = msgs
		resp, err := e.provider.Complete(ctx, req)
		if ctx.Err() != nil {
			log.Info("reasoning: turn cancelled", "round", round)
			return AssistantTurn{}, ErrTurnCancelled
		}
		if err != nil {
			log.Error("reasoning: no provider answered", "round", round, "error", err)
			span.SetAttributes(attribute.Bool("reasoning.apology", true))
			return AssistantTurn{Text: ApologyText, ToolCalls: turn.ToolCalls}, nil
		}
		if len(resp.ToolCalls) == 0 {
			turn.Text = resp.Content
			break
		}
		if round == e.maxRounds {
			log.Warn("reasoning: tool round limit reached", "rounds", round)
			turn.Text = withRoundLimitNote(resp.Content)
			break
		}

		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			res := s.dispatch(ctx, in.Caller, call)
			turn.ToolCalls = append(turn.ToolCalls, res.ExecutedCall)
			msgs = append(msgs, llm.Message{Role: llm.RoleTool, Content: tool.ModelPayload(res.result), ToolCallID: call.ID})
			if ctx.Err() != nil {
				log.Info("reasoning: turn cancelled during tool calls", "round", round)
				return AssistantTurn{}, ErrTurnCancelled
			}
		}
	}

	if strings.TrimSpace(turn.Text) == "" {
		log.Warn("reasoning: model returned empty text")
		turn.Text = ApologyText
		return turn, nil
	}
	s.mu.Lock()
	committed := s.commitLocked(ctx, in.Gate, user, llm.Message{Role: llm.RoleAssistant, Content: turn.Text})
	s.mu.Unlock()
	if !committed {
		log.Info("reasoning: turn discarded before commit")
		return AssistantTurn{}, ErrTurnCancelled
	}

	span.SetAttributes(attribute.Int("reasoning.tool_calls", len(turn.ToolCalls)))
	log.Debug("reasoning: turn complete", "tool_calls", len(turn.ToolCalls), "elapsed", time.Since(start))
	return turn, nil
}

type dispatched struct {
	ExecutedCall
	result tool.Result
}

// dispatch runs one model-requested call with the session's identity.
func (s *Session) dispatch(ctx context.Context, caller tool.Identity, call llm.ToolCall) dispatched {
	s.mu.Lock()
	cctx := s.cc.callContext()
	s.mu.Unlock()

	rid := uuid.NewString()
	res := s.engine.dispatcher.Dispatch(ctx, dispatch.Request{
		RequestID:    rid,
		ToolName:     call.Name,
		RawArguments: call.Arguments,
		Caller:       caller,
		Context:      cctx,
	})
	return dispatched{
		ExecutedCall: ExecutedCall{RequestID: rid, Tool: call.Name, Variant: res.Variant()},
		result:       res,
	}
}

// systemPrompt renders the instructions with the current date in the
// session's timezone.
func (s *Session) systemPrompt() string {
	s.mu.Lock()
	cc := s.cc
	s.mu.Unlock()

	now := s.engine.now().In(cc.Zone.Location)
	var sb strings.Builder
	sb.WriteString(s.engine.instructions)
	fmt.Fprintf(&sb, "\n\nCurrent date: %s (%s). Local time: %s, timezone %s.",
		CurrentDate(now), now.Weekday(), now.Format("15:04"), cc.Zone.Name())
	if cc.Locale != "" {
		fmt.Fprintf(&sb, "\nUser locale: %s.", cc.Locale)
	}
	if cc.Location != nil {
		fmt.Fprintf(&sb, "\nUser location: %.4f, %.4f.", cc.Location.Lat, cc.Location.Lng)
	}
	return sb.String()
}

// CurrentDate formats t's calendar date as YYYY-MM-DD.
func CurrentDate(t time.Time) string { return t.Format(time.DateOnly) }

func withRoundLimitNote(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return roundLimitNote
	}
	return content + "\n\n" + roundLimitNote
}
