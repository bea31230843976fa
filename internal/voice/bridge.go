// Package voice bridges a caller's realtime speech session to a reasoning
// session.
//
// A [Bridge] mints an ephemeral speech credential for the client, then relays
// delegated utterances to [reasoning.Session.Turn] one at a time and sends
// each answer back for synthesis. It never reasons about content itself.
//
// Lifecycle:
//
//	Idle ──Open──▶ Connecting ──▶ Active ──Close / idle──▶ Closing ──▶ Closed
//
// An interrupt (barge-in) cancels the in-flight turn, drops queued
// delegations and discards the cancelled turn's answer.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/waypoint/internal/observe"
	"github.com/MrWong99/waypoint/internal/reasoning"
	"github.com/MrWong99/waypoint/internal/tool"
	speech "github.com/MrWong99/waypoint/pkg/provider/voice"
)

var (
	// ErrBridgeClosed is returned for operations on a bridge that is not
	// active.
	ErrBridgeClosed = errors.New("voice: bridge is not active")

	// ErrEmptyDelegation is returned for a delegation without text.
	ErrEmptyDelegation = errors.New("voice: delegation text is empty")

	// ErrDelegationTooLong is returned for a delegation longer than
	// [MaxTextLen] bytes.
	ErrDelegationTooLong = errors.New("voice: delegation text is too long")
)

// MaxTextLen caps the bytes of one user message on any channel.
const MaxTextLen = 8000

// DefaultIdleTimeout closes a bridge with no activity.
const DefaultIdleTimeout = 5 * time.Minute

// revokeTimeout bounds credential revocation during close.
const revokeTimeout = 5 * time.Second

// State is a bridge lifecycle state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Turner runs one reasoning turn. [*reasoning.Session] implements it.
type Turner interface {
	Turn(ctx context.Context, in reasoning.Input) (reasoning.AssistantTurn, error)
}

// Sender delivers outbound messages to the client.
type Sender interface {
	Send(ctx context.Context, m Outbound) error
}

// SenderFunc adapts a function to [Sender].
type SenderFunc func(ctx context.Context, m Outbound) error

func (f SenderFunc) Send(ctx context.Context, m Outbound) error { return f(ctx, m) }

// Config holds a bridge's collaborators.
type Config struct {
	SessionID string
	Caller    tool.Identity

	// Speech mints the client's ephemeral credential. If it also implements
	// [speech.Revoker] the credential is revoked on close.
	Speech        speech.Provider
	SpeechSession speech.SessionConfig

	// Reasoning returns the session's reasoning turner, creating it if absent.
	Reasoning func(ctx context.Context) (Turner, error)

	Out Sender

	// IdleTimeout defaults to [DefaultIdleTimeout].
	IdleTimeout time.Duration

	Metrics *observe.Metrics
}

type delegation struct {
	text string
	cctx reasoning.ClientContext
	gen  uint64
}

// Bridge is the state machine for one voice connection. All methods are safe
// for concurrent use.
type Bridge struct {
	cfg Config
	log *slog.Logger

	mu           sync.Mutex
	state        State
	cred         *speech.Credential
	turner       Turner
	queue        []delegation
	gen          uint64
	cancelTurn   context.CancelFunc
	inFlight     bool
	lastActivity time.Time
	abortOnce    sync.Once

	wake       chan struct{}
	stop       chan struct{}
	workerDone chan struct{}
	done       chan struct{}

	// base is the parent of every turn context; cancelled to abandon an
	// in-flight turn when a close deadline passes.
	base       context.Context
	baseCancel context.CancelFunc
}

// NewBridge creates an idle bridge.
func NewBridge(cfg Config) *Bridge {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	base, cancel := context.WithCancel(context.Background())
	return &Bridge{
		cfg:        cfg,
		log:        slog.With("session_id", cfg.SessionID, "user_id", cfg.Caller.UserID),
		wake:       make(chan struct{}, 1),
		stop:       make(chan struct{}),
		workerDone: make(chan struct{}),
		done:       make(chan struct{}),
		base:       base,
		baseCancel: cancel,
	}
}

// State returns the current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Done is closed once the bridge reaches [StateClosed].
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Open moves the bridge from Idle through Connecting to Active: it mints the
// speech credential, makes sure the reasoning session exists and sends the
// session message to the client. On failure the bridge ends up Closed.
func (b *Bridge) Open(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateIdle {
		b.mu.Unlock()
		return fmt.Errorf("voice: open in state %s", b.state)
	}
	b.state = StateConnecting
	b.mu.Unlock()

	cred, err := b.cfg.Speech.CreateSession(ctx, b.cfg.SpeechSession)
	if err != nil {
		b.abort()
		return fmt.Errorf("voice: create speech session: %w", err)
	}
	turner, err := b.cfg.Reasoning(ctx)
	if err != nil {
		b.revoke(cred)
		b.abort()
		return fmt.Errorf("voice: acquire reasoning session: %w", err)
	}

	b.mu.Lock()
	if b.state != StateConnecting {
		// Closed while connecting.
		b.mu.Unlock()
		b.revoke(cred)
		b.abort()
		return ErrBridgeClosed
	}
	b.cred = cred
	b.turner = turner
	b.state = StateActive
	b.lastActivity = time.Now()
	b.mu.Unlock()

	b.cfg.Metrics.ActiveVoiceBridges.Add(ctx, 1)
	go b.work()
	go b.watchIdle()

	msg := Outbound{Type: TypeSession, Token: cred.Token, Endpoint: cred.Endpoint}
	if !cred.ExpiresAt.IsZero() {
		exp := cred.ExpiresAt.UTC()
		msg.ExpiresAt = &exp
	}
	if err := b.cfg.Out.Send(ctx, msg); err != nil {
		b.log.Warn("voice: send session message", "error", err)
	}
	b.log.Info("voice: bridge active")
	return nil
}

// abort moves a bridge that never became active to Closed.
func (b *Bridge) abort() {
	b.mu.Lock()
	b.state = StateClosed
	b.mu.Unlock()
	b.abortOnce.Do(func() {
		b.baseCancel()
		close(b.stop)
		close(b.workerDone)
		close(b.done)
	})
}

// Handle applies one inbound protocol message.
func (b *Bridge) Handle(m Inbound) error {
	switch m.Type {
	case TypeDelegate:
		return b.Delegate(m.Text, m.Context)
	case TypeInterrupt:
		return b.Interrupt()
	}
	return fmt.Errorf("%w %q", ErrUnknownMessage, m.Type)
}

// Delegate queues an utterance for the reasoning session. Delegations run in
// arrival order.
func (b *Bridge) Delegate(text string, cctx reasoning.ClientContext) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyDelegation
	}
	if len(text) > MaxTextLen {
		return ErrDelegationTooLong
	}
	b.mu.Lock()
	if b.state != StateActive {
		b.mu.Unlock()
		return ErrBridgeClosed
	}
	b.queue = append(b.queue, delegation{text: text, cctx: cctx, gen: b.gen})
	b.lastActivity = time.Now()
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return nil
}

// Interrupt cancels the in-flight turn and drops queued delegations. The
// cancelled turn's answer is never relayed. Tools it already dispatched run
// to completion.
func (b *Bridge) Interrupt() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateActive {
		return ErrBridgeClosed
	}
	b.gen++
	dropped := len(b.queue)
	b.queue = nil
	if b.cancelTurn != nil {
		b.cancelTurn()
	}
	b.lastActivity = time.Now()
	b.log.Debug("voice: interrupt", "in_flight", b.inFlight, "dropped", dropped)
	return nil
}

// work runs delegations one at a time until the bridge stops.
func (b *Bridge) work() {
	defer close(b.workerDone)
	for {
		select {
		case <-b.stop:
			return
		case <-b.wake:
		}
		for {
			d, ctx, ok := b.next()
			if !ok {
				break
			}
			b.run(ctx, d)
		}
	}
}

// next pops the oldest delegation and marks it in flight.
func (b *Bridge) next() (delegation, context.Context, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateActive || len(b.queue) == 0 {
		return delegation{}, nil, false
	}
	d := b.queue[0]
	b.queue = b.queue[1:]
	ctx, cancel := context.WithCancel(b.base)
	b.cancelTurn = cancel
	b.inFlight = true
	return d, ctx, true
}

// run executes one turn and relays its answer unless it went stale. The
// history commit is taken under the bridge lock, so an interrupt either lands
// before it and discards the exchange or after it and lets it be relayed.
func (b *Bridge) run(ctx context.Context, d delegation) {
	var committed bool
	gate := func(commit func()) bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		if d.gen != b.gen {
			return false
		}
		commit()
		committed = true
		return true
	}
	res, err := b.turner.Turn(ctx, reasoning.Input{Text: d.text, Caller: b.cfg.Caller, Context: d.cctx, Gate: gate})

	b.mu.Lock()
	b.cancelTurn()
	b.cancelTurn = nil
	b.inFlight = false
	stale := d.gen != b.gen && !committed
	b.lastActivity = time.Now()
	b.mu.Unlock()

	if stale || errors.Is(err, reasoning.ErrTurnCancelled) {
		b.log.Debug("voice: discarded interrupted turn")
		return
	}
	text := res.Text
	if err != nil {
		b.log.Error("voice: turn failed", "error", err)
		text = reasoning.ApologyText
	}
	if err := b.cfg.Out.Send(context.WithoutCancel(ctx), Outbound{Type: TypeResponse, Text: text}); err != nil {
		b.log.Warn("voice: relay response", "error", err)
	}
}

// watchIdle closes the bridge once no activity has happened for the idle
// timeout. A turn in flight counts as activity.
func (b *Bridge) watchIdle() {
	timer := time.NewTimer(b.cfg.IdleTimeout)
	defer timer.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-timer.C:
		}
		b.mu.Lock()
		idle := time.Since(b.lastActivity)
		busy := b.inFlight || len(b.queue) > 0
		b.mu.Unlock()

		if busy || idle < b.cfg.IdleTimeout {
			timer.Reset(max(b.cfg.IdleTimeout-idle, b.cfg.IdleTimeout/10, time.Millisecond))
			continue
		}
		b.log.Info("voice: idle timeout", "idle", idle)
		ctx, cancel := context.WithTimeout(context.Background(), revokeTimeout)
		_ = b.Close(ctx)
		cancel()
		return
	}
}

// Close moves the bridge to Closing, waits for the in-flight turn to be
// relayed, revokes the speech credential and ends in Closed. If ctx ends
// first the in-flight turn is cancelled. Close is idempotent.
func (b *Bridge) Close(ctx context.Context) error {
	b.mu.Lock()
	switch b.state {
	case StateClosing, StateClosed:
		b.mu.Unlock()
		select {
		case <-b.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case StateIdle:
		b.state = StateClosed
		b.mu.Unlock()
		b.abort()
		return nil
	case StateConnecting:
		// Open finishes the transition once its provider calls return.
		b.state = StateClosing
		b.mu.Unlock()
		select {
		case <-b.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	b.state = StateClosing
	b.queue = nil
	cred := b.cred
	b.mu.Unlock()
	close(b.stop)

	select {
	case <-b.workerDone:
	case <-ctx.Done():
		b.baseCancel()
		<-b.workerDone
	}
	b.baseCancel()
	b.revoke(cred)

	b.mu.Lock()
	b.state = StateClosed
	b.mu.Unlock()
	b.cfg.Metrics.ActiveVoiceBridges.Add(context.WithoutCancel(ctx), -1)
	close(b.done)
	b.log.Info("voice: bridge closed")
	return nil
}

// revoke releases cred if the provider supports it.
func (b *Bridge) revoke(cred *speech.Credential) {
	r, ok := b.cfg.Speech.(speech.Revoker)
	if !ok || cred == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), revokeTimeout)
	defer cancel()
	if err := r.Revoke(ctx, cred); err != nil {
		b.log.Warn("voice: revoke credential", "error", err)
	}
}
