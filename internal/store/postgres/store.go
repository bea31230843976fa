// Package postgres is the PostgreSQL-backed [store.Store].
//
// A single [pgxpool.Pool] serves expenses, calendar events and the audit log.
// [Migrate] runs on construction and creates any missing tables.
//
// Usage:
//
//	st, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer st.Close()
//
//	exp, err := st.CreateExpense(ctx, store.Expense{UserID: "u1", Amount: 50, Category: "gas"})
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/waypoint/internal/audit"
	"github.com/MrWong99/waypoint/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store implements [store.Store] on PostgreSQL. It is safe for concurrent
// use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close releases all pooled connections.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// Ping implements [store.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// classify wraps err with [store.ErrUnavailable] when retrying the operation
// could succeed.
func classify(op string, err error) error {
	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("postgres store: %s: %w: %w", op, store.ErrUnavailable, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (strings.HasPrefix(pgErr.Code, "08") || pgErr.Code == "40001" || pgErr.Code == "40P01" || pgErr.Code == "57P03") {
		return fmt.Errorf("postgres store: %s: %w: %w", op, store.ErrUnavailable, err)
	}
	return fmt.Errorf("postgres store: %s: %w", op, err)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// ─────────────────────────────────────────────────────────────────────────────
// Expenses
// ─────────────────────────────────────────────────────────────────────────────

const expenseColumns = `id, user_id, trip_id, category, amount::float8, currency, note, spent_on, COALESCE(request_id, ''), created_at`

func scanExpense(row pgx.Row) (store.Expense, error) {
	var e store.Expense
	err := row.Scan(&e.ID, &e.UserID, &e.TripID, &e.Category, &e.Amount, &e.Currency, &e.Note, &e.Date, &e.RequestID, &e.CreatedAt)
	return e, err
}

// CreateExpense implements [store.Store]. A conflicting request_id returns
// the previously stored row.
func (s *Store) CreateExpense(ctx context.Context, e store.Expense) (store.Expense, error) {
	const q = `
		INSERT INTO expenses (id, user_id, trip_id, category, amount, currency, note, spent_on, request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING ` + expenseColumns

	if e.Currency == "" {
		e.Currency = "USD"
	}
	created, err := scanExpense(s.pool.QueryRow(ctx, q,
		uuid.NewString(), e.UserID, e.TripID, e.Category, e.Amount, e.Currency, e.Note, e.Date, nullable(e.RequestID)))
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return store.Expense{}, classify("create expense", err)
	}

	existing, err := scanExpense(s.pool.QueryRow(ctx,
		`SELECT `+expenseColumns+` FROM expenses WHERE request_id = $1`, e.RequestID))
	if err != nil {
		return store.Expense{}, classify("create expense: load existing", err)
	}
	return existing, nil
}

// ListExpenses implements [store.Store].
func (s *Store) ListExpenses(ctx context.Context, f store.ExpenseFilter) ([]store.Expense, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.TripID != "" {
		add("trip_id = $%d", f.TripID)
	}
	if f.Category != "" {
		add("category = $%d", f.Category)
	}
	if !f.From.IsZero() {
		add("spent_on >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("spent_on <= $%d", f.To)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = store.DefaultListLimit
	}

	q := `SELECT ` + expenseColumns + ` FROM expenses`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	q += fmt.Sprintf(" ORDER BY spent_on DESC, created_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, classify("list expenses", err)
	}
	defer rows.Close()

	var out []store.Expense
	for rows.Next() {
		e, err := scanExpense(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres store: list expenses: scan: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list expenses", err)
	}
	return out, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Calendar events
// ─────────────────────────────────────────────────────────────────────────────

const eventColumns = `id, user_id, title, starts_at, ends_at, location, COALESCE(request_id, ''), created_at`

func scanEvent(row pgx.Row) (store.CalendarEvent, error) {
	var ev store.CalendarEvent
	err := row.Scan(&ev.ID, &ev.UserID, &ev.Title, &ev.Start, &ev.End, &ev.Location, &ev.RequestID, &ev.CreatedAt)
	return ev, err
}

// CreateEvent implements [store.Store].
func (s *Store) CreateEvent(ctx context.Context, ev store.CalendarEvent) (store.CalendarEvent, error) {
	const q = `
		INSERT INTO calendar_events (id, user_id, title, starts_at, ends_at, location, request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (request_id) DO NOTHING
		RETURNING ` + eventColumns

	created, err := scanEvent(s.pool.QueryRow(ctx, q,
		uuid.NewString(), ev.UserID, ev.Title, ev.Start, ev.End, ev.Location, nullable(ev.RequestID)))
	if err == nil {
		return created, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return store.CalendarEvent{}, classify("create event", err)
	}

	existing, err := scanEvent(s.pool.QueryRow(ctx,
		`SELECT `+eventColumns+` FROM calendar_events WHERE request_id = $1`, ev.RequestID))
	if err != nil {
		return store.CalendarEvent{}, classify("create event: load existing", err)
	}
	return existing, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Audit log
// ─────────────────────────────────────────────────────────────────────────────

// AppendAudit implements [store.Store] and [audit.Appender].
func (s *Store) AppendAudit(ctx context.Context, r audit.Record) error {
	const q = `
		INSERT INTO audit_log (id, at, kind, request_id, session_id, user_id, tool, variant, attempts, elapsed_ns, stage, reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := s.pool.Exec(ctx, q,
		r.ID, r.Time, string(r.Kind), r.RequestID, r.SessionID, r.UserID,
		r.Tool, r.Variant, r.Attempts, r.Elapsed.Nanoseconds(), r.Stage, r.Reason)
	if err != nil {
		return classify("append audit", err)
	}
	return nil
}

// RecentAudit implements [store.Store].
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]audit.Record, error) {
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	const q = `
		SELECT id, at, kind, request_id, session_id, user_id, tool, variant, attempts, elapsed_ns, stage, reason
		FROM audit_log
		ORDER BY seq DESC
		LIMIT $1`

	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, classify("recent audit", err)
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		var (
			r       audit.Record
			kind    string
			elapsed int64
		)
		if err := rows.Scan(&r.ID, &r.Time, &kind, &r.RequestID, &r.SessionID, &r.UserID,
			&r.Tool, &r.Variant, &r.Attempts, &elapsed, &r.Stage, &r.Reason); err != nil {
			return nil, fmt.Errorf("postgres store: recent audit: scan: %w", err)
		}
		r.Kind = audit.Kind(kind)
		r.Elapsed = time.Duration(elapsed)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("recent audit", err)
	}
	return out, nil
}
