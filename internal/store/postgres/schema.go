package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// Expenses
// ─────────────────────────────────────────────────────────────────────────────

const ddlExpenses = `
CREATE TABLE IF NOT EXISTS expenses (
    id          TEXT           PRIMARY KEY,
    user_id     TEXT           NOT NULL,
    trip_id     TEXT           NOT NULL DEFAULT '',
    category    TEXT           NOT NULL,
    amount      NUMERIC(12,2)  NOT NULL,
    currency    TEXT           NOT NULL DEFAULT 'USD',
    note        TEXT           NOT NULL DEFAULT '',
    spent_on    TIMESTAMPTZ    NOT NULL,
    request_id  TEXT           UNIQUE,
    created_at  TIMESTAMPTZ    NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_expenses_user_spent
    ON expenses (user_id, spent_on DESC);
`

// ─────────────────────────────────────────────────────────────────────────────
// Calendar events
// ─────────────────────────────────────────────────────────────────────────────

const ddlCalendarEvents = `
CREATE TABLE IF NOT EXISTS calendar_events (
    id          TEXT         PRIMARY KEY,
    user_id     TEXT         NOT NULL,
    title       TEXT         NOT NULL,
    starts_at   TIMESTAMPTZ  NOT NULL,
    ends_at     TIMESTAMPTZ  NOT NULL,
    location    TEXT         NOT NULL DEFAULT '',
    request_id  TEXT         UNIQUE,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_calendar_events_user_start
    ON calendar_events (user_id, starts_at);
`

// ─────────────────────────────────────────────────────────────────────────────
// Audit log (append-only)
// ─────────────────────────────────────────────────────────────────────────────

const ddlAuditLog = `
CREATE TABLE IF NOT EXISTS audit_log (
    seq         BIGSERIAL    PRIMARY KEY,
    id          TEXT         NOT NULL UNIQUE,
    at          TIMESTAMPTZ  NOT NULL,
    kind        TEXT         NOT NULL,
    request_id  TEXT         NOT NULL DEFAULT '',
    session_id  TEXT         NOT NULL DEFAULT '',
    user_id     TEXT         NOT NULL DEFAULT '',
    tool        TEXT         NOT NULL DEFAULT '',
    variant     TEXT         NOT NULL DEFAULT '',
    attempts    INT          NOT NULL DEFAULT 0,
    elapsed_ns  BIGINT       NOT NULL DEFAULT 0,
    stage       TEXT         NOT NULL DEFAULT '',
    reason      TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_audit_log_request_id
    ON audit_log (request_id);
`

// Migrate creates every table and index the store needs. All statements are
// idempotent, so Migrate can run on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []struct {
		name string
		ddl  string
	}{
		{"expenses", ddlExpenses},
		{"calendar_events", ddlCalendarEvents},
		{"audit_log", ddlAuditLog},
	} {
		if _, err := pool.Exec(ctx, stmt.ddl); err != nil {
			return fmt.Errorf("postgres migrate: %s: %w", stmt.name, err)
		}
	}
	return nil
}
