// Package store defines the datastore boundary the built-in tools and the
// audit trail write through.
//
// Two implementations exist: [memstore] for development and tests, and
// [postgres] for production. Write operations that carry a request ID are
// idempotent per request ID: repeating one returns the record created by the
// first call instead of creating a duplicate. The dispatcher relies on this
// when it retries a handler after a transient failure.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/waypoint/internal/audit"
)

// ErrUnavailable marks a transient datastore failure. Tool handlers map it to
// a retryable execution error.
var ErrUnavailable = errors.New("store: unavailable")

// Expense is one recorded expense.
type Expense struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	TripID    string    `json:"tripId,omitempty"`
	Category  string    `json:"category"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	Note      string    `json:"note,omitempty"`
	Date      time.Time `json:"date"`
	RequestID string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// ExpenseFilter narrows [Store.ListExpenses]. Zero values do not filter.
type ExpenseFilter struct {
	UserID   string
	TripID   string
	Category string
	From     time.Time
	To       time.Time
	Limit    int
}

// CalendarEvent is one calendar entry.
type CalendarEvent struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Title     string    `json:"title"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Location  string    `json:"location,omitempty"`
	RequestID string    `json:"-"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the datastore used by tools and the audit trail.
type Store interface {
	// CreateExpense stores e. When e.RequestID matches an earlier call the
	// earlier expense is returned unchanged.
	CreateExpense(ctx context.Context, e Expense) (Expense, error)

	// ListExpenses returns expenses matching f, newest date first.
	ListExpenses(ctx context.Context, f ExpenseFilter) ([]Expense, error)

	// CreateEvent stores ev with the same request-ID idempotency as
	// CreateExpense.
	CreateEvent(ctx context.Context, ev CalendarEvent) (CalendarEvent, error)

	// AppendAudit persists an audit record. Records are never updated.
	AppendAudit(ctx context.Context, r audit.Record) error

	// RecentAudit returns up to limit audit records, newest first.
	RecentAudit(ctx context.Context, limit int) ([]audit.Record, error)

	// Ping reports whether the datastore is reachable.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// DefaultListLimit caps list results when the filter sets no limit.
const DefaultListLimit = 50
