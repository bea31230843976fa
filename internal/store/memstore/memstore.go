// Package memstore is an in-memory [store.Store].
package memstore

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/waypoint/internal/audit"
	"github.com/MrWong99/waypoint/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store keeps everything in process memory. It is safe for concurrent use.
type Store struct {
	mu          sync.Mutex
	expenses    []store.Expense
	events      []store.CalendarEvent
	audit       []audit.Record
	byRequest   map[string]int
	evByRequest map[string]int
	failures    int
	now         func() time.Time
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		byRequest:   make(map[string]int),
		evByRequest: make(map[string]int),
		now:         time.Now,
	}
}

// FailNext makes the next n write operations return [store.ErrUnavailable].
func (s *Store) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

func (s *Store) injectFailure() error {
	if s.failures > 0 {
		s.failures--
		return store.ErrUnavailable
	}
	return nil
}

// CreateExpense implements [store.Store].
func (s *Store) CreateExpense(ctx context.Context, e store.Expense) (store.Expense, error) {
	if err := ctx.Err(); err != nil {
		return store.Expense{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.RequestID != "" {
		if i, ok := s.byRequest[e.RequestID]; ok {
			return s.expenses[i], nil
		}
	}
	if err := s.injectFailure(); err != nil {
		return store.Expense{}, err
	}
	e.ID = uuid.NewString()
	e.CreatedAt = s.now().UTC()
	s.expenses = append(s.expenses, e)
	if e.RequestID != "" {
		s.byRequest[e.RequestID] = len(s.expenses) - 1
	}
	return e, nil
}

// ListExpenses implements [store.Store].
func (s *Store) ListExpenses(ctx context.Context, f store.ExpenseFilter) ([]store.Expense, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Expense
	for _, e := range s.expenses {
		switch {
		case f.UserID != "" && e.UserID != f.UserID,
			f.TripID != "" && e.TripID != f.TripID,
			f.Category != "" && e.Category != f.Category,
			!f.From.IsZero() && e.Date.Before(f.From),
			!f.To.IsZero() && e.Date.After(f.To):
			continue
		}
		out = append(out, e)
	}
	slices.SortStableFunc(out, func(a, b store.Expense) int {
		if c := b.Date.Compare(a.Date); c != 0 {
			return c
		}
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	limit := cmp.Or(f.Limit, store.DefaultListLimit)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// CreateEvent implements [store.Store].
func (s *Store) CreateEvent(ctx context.Context, ev store.CalendarEvent) (store.CalendarEvent, error) {
	if err := ctx.Err(); err != nil {
		return store.CalendarEvent{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.RequestID != "" {
		if i, ok := s.evByRequest[ev.RequestID]; ok {
			return s.events[i], nil
		}
	}
	if err := s.injectFailure(); err != nil {
		return store.CalendarEvent{}, err
	}
	ev.ID = uuid.NewString()
	ev.CreatedAt = s.now().UTC()
	s.events = append(s.events, ev)
	if ev.RequestID != "" {
		s.evByRequest[ev.RequestID] = len(s.events) - 1
	}
	return ev, nil
}

// Events returns a copy of all stored calendar events.
func (s *Store) Events() []store.CalendarEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.events)
}

// AppendAudit implements [store.Store].
func (s *Store) AppendAudit(_ context.Context, r audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, r)
	return nil
}

// RecentAudit implements [store.Store].
func (s *Store) RecentAudit(_ context.Context, limit int) ([]audit.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 || limit > len(s.audit) {
		limit = len(s.audit)
	}
	out := make([]audit.Record, 0, limit)
	for i := len(s.audit) - 1; i >= len(s.audit)-limit; i-- {
		out = append(out, s.audit[i])
	}
	return out, nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

// Close implements [store.Store].
func (s *Store) Close() error { return nil }
