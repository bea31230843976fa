// Package session tracks the live conversations of this process.
//
// The [Registry] maps a session id to a [Handle] holding the session's
// reasoning state and, while voice mode is active, its voice bridge. Handles
// are created on first contact and evicted by a periodic idle sweep.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/waypoint/internal/observe"
	"github.com/MrWong99/waypoint/internal/reasoning"
	"github.com/MrWong99/waypoint/internal/tool"
	"github.com/MrWong99/waypoint/internal/voice"
)

const (
	// DefaultIdleTimeout evicts sessions without activity.
	DefaultIdleTimeout = 30 * time.Minute

	// DefaultSweepInterval is the period between idle sweeps.
	DefaultSweepInterval = time.Minute
)

var (
	// ErrClosed is returned by [Registry.Acquire] after [Registry.Close].
	ErrClosed = errors.New("session: registry is closed")

	// ErrBridgeActive is returned when a session already has a live voice
	// bridge.
	ErrBridgeActive = errors.New("session: voice bridge already active")
)

// Handle is one live session.
type Handle struct {
	id        string
	owner     tool.Identity
	reasoning *reasoning.Session
	now       func() time.Time

	lastActivity atomic.Int64

	mu     sync.Mutex
	bridge *voice.Bridge
}

// ID returns the session id.
func (h *Handle) ID() string { return h.id }

// Owner returns the identity that created the session.
func (h *Handle) Owner() tool.Identity { return h.owner }

// Reasoning returns the session's reasoning state.
func (h *Handle) Reasoning() *reasoning.Session { return h.reasoning }

// Touch records activity now.
func (h *Handle) Touch() { h.lastActivity.Store(h.now().UnixNano()) }

// LastActivity returns the time of the most recent activity.
func (h *Handle) LastActivity() time.Time { return time.Unix(0, h.lastActivity.Load()) }

// Bridge returns the attached voice bridge, or nil.
func (h *Handle) Bridge() *voice.Bridge {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.bridge
}

// AttachBridge binds b to the session. A session carries at most one bridge
// that has not reached Closed.
func (h *Handle) AttachBridge(b *voice.Bridge) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bridge != nil && h.bridge.State() != voice.StateClosed {
		return ErrBridgeActive
	}
	h.bridge = b
	h.Touch()
	return nil
}

// DetachBridge unbinds b if it is still the attached bridge.
func (h *Handle) DetachBridge(b *voice.Bridge) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.bridge == b {
		h.bridge = nil
	}
	h.Touch()
}

// voiceActive reports whether a bridge is attached and not closed.
func (h *Handle) voiceActive() bool {
	b := h.Bridge()
	return b != nil && b.State() != voice.StateClosed
}

// Registry is the process-wide session map. Lookups run in parallel; creation
// and eviction are exclusive.
type Registry struct {
	engine   *reasoning.Engine
	idle     time.Duration
	interval time.Duration
	now      func() time.Time
	metrics  *observe.Metrics

	mu       sync.RWMutex
	sessions map[string]*Handle
	closed   bool

	done     chan struct{}
	stopOnce sync.Once
}

// Option configures a Registry.
type Option func(*Registry)

// WithIdleTimeout sets how long a session may stay inactive.
func WithIdleTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.idle = d
		}
	}
}

// WithSweepInterval sets the idle sweep period.
func WithSweepInterval(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithClock overrides the clock used for activity timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithMetrics sets the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// New creates a Registry whose sessions are created by engine.
func New(engine *reasoning.Engine, opts ...Option) *Registry {
	r := &Registry{
		engine:   engine,
		idle:     DefaultIdleTimeout,
		interval: DefaultSweepInterval,
		now:      time.Now,
		sessions: make(map[string]*Handle),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Acquire returns the handle for id, creating it for owner if absent. An
// existing session owned by someone else yields [reasoning.ErrNotOwner].
func (r *Registry) Acquire(ctx context.Context, id string, owner tool.Identity) (*Handle, error) {
	r.mu.RLock()
	h, ok := r.sessions[id]
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return r.claim(h, owner)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if h, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return r.claim(h, owner)
	}
	h = &Handle{
		id:        id,
		owner:     owner,
		reasoning: r.engine.NewSession(id, owner),
		now:       r.now,
	}
	h.Touch()
	r.sessions[id] = h
	r.mu.Unlock()

	r.metrics.ActiveSessions.Add(ctx, 1)
	slog.Info("session: created", "session_id", id, "user_id", owner.UserID)
	return h, nil
}

func (r *Registry) claim(h *Handle, owner tool.Identity) (*Handle, error) {
	if h.owner.UserID != owner.UserID {
		return nil, reasoning.ErrNotOwner
	}
	h.Touch()
	return h, nil
}

// Get returns the handle for id without creating it.
func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.sessions[id]
	return h, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Remove evicts id and closes its voice bridge. It reports whether the
// session existed.
func (r *Registry) Remove(ctx context.Context, id string) bool {
	r.mu.Lock()
	h, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.release(ctx, h, "removed")
	return true
}

// Sweep evicts every session idle for longer than the idle timeout and
// returns how many were evicted. Sessions with a running turn or an open
// voice bridge are kept; the bridge has its own idle timeout.
func (r *Registry) Sweep(ctx context.Context) int {
	cutoff := r.now().Add(-r.idle)

	r.mu.Lock()
	var evicted []*Handle
	for id, h := range r.sessions {
		if h.LastActivity().Before(cutoff) && !h.voiceActive() && !h.reasoning.Busy() {
			delete(r.sessions, id)
			evicted = append(evicted, h)
		}
	}
	r.mu.Unlock()

	for _, h := range evicted {
		r.release(ctx, h, "idle")
	}
	return len(evicted)
}

func (r *Registry) release(ctx context.Context, h *Handle, reason string) {
	if b := h.Bridge(); b != nil {
		if err := b.Close(ctx); err != nil {
			slog.Warn("session: close voice bridge", "session_id", h.id, "error", err)
		}
	}
	r.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	slog.Info("session: evicted", "session_id", h.id, "reason", reason, "idle", r.now().Sub(h.LastActivity()))
}

// Start runs the idle sweep in a background goroutine until [Registry.Stop]
// is called or ctx is cancelled.
func (r *Registry) Start(ctx context.Context) {
	go r.loop(ctx)
}

// Stop halts the sweep loop. Safe to call multiple times.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

func (r *Registry) loop(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			if n := r.Sweep(ctx); n > 0 {
				slog.Debug("session: sweep", "evicted", n, "remaining", r.Len())
			}
		}
	}
}

// Close stops the sweep, refuses new sessions and closes every session's
// voice bridge.
func (r *Registry) Close(ctx context.Context) error {
	r.Stop()

	r.mu.Lock()
	r.closed = true
	all := make([]*Handle, 0, len(r.sessions))
	for id, h := range r.sessions {
		all = append(all, h)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range all {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.release(ctx, h, "shutdown")
		}()
	}
	wg.Wait()
	return ctx.Err()
}
