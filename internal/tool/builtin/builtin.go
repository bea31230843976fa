// Package builtin holds Waypoint's in-process tools and the registration
// manifest the startup completeness check runs against.
//
// Every tool name the product declares appears in [Declared]. A name is
// either registered by [Register] or listed in [Deferred]; the check in
// [tool.Registry.CheckCompleteness] fails startup otherwise.
package builtin

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/MrWong99/waypoint/internal/audit"
	"github.com/MrWong99/waypoint/internal/store"
	"github.com/MrWong99/waypoint/internal/tool"
)

// Tool names.
const (
	CreateExpense       = "create_expense"
	ListExpenses        = "list_expenses"
	CreateCalendarEvent = "create_calendar_event"
	CurrentTime         = "current_time"
	ToolHealth          = "tool_health"
	RecentAudit         = "recent_audit"

	PostToFeed       = "post_to_feed"
	EstimateFuelCost = "estimate_fuel_cost"
	PlanRoute        = "plan_route"
)

// Declared is the registration manifest: every built-in tool the product
// defines, wired or not.
var Declared = []string{
	CreateExpense,
	ListExpenses,
	CreateCalendarEvent,
	CurrentTime,
	ToolHealth,
	RecentAudit,
	PostToFeed,
	EstimateFuelCost,
	PlanRoute,
}

// Deferred lists declared tools that are intentionally not registered yet.
var Deferred = []string{
	PostToFeed,
	EstimateFuelCost,
	PlanRoute,
}

// Deps are the services built-in handlers use.
type Deps struct {
	Store store.Store
	Stats *tool.Stats
	Audit audit.Reader

	// Now is the clock. Default: time.Now.
	Now func() time.Time
}

// Definitions returns the definition of every registered built-in tool.
func Definitions(d Deps) []tool.Definition {
	if d.Now == nil {
		d.Now = time.Now
	}
	return []tool.Definition{
		createExpense(d),
		listExpenses(d),
		createCalendarEvent(d),
		currentTime(d),
		toolHealth(d),
		recentAudit(d),
	}
}

// Register adds every built-in tool to reg except those named in deferred.
func Register(reg *tool.Registry, d Deps, deferred ...string) error {
	if d.Store == nil {
		return errors.New("builtin: store is required")
	}
	var errs []error
	for _, def := range Definitions(d) {
		if slices.Contains(deferred, def.Name) {
			continue
		}
		def.Source = "builtin"
		if err := reg.Register(def); err != nil {
			errs = append(errs, fmt.Errorf("builtin: %w", err))
		}
	}
	return errors.Join(errs...)
}

// upstream maps a datastore error onto the tool error taxonomy.
func upstream(err error) error {
	if errors.Is(err, store.ErrUnavailable) {
		return tool.Transient(err)
	}
	return tool.Fatal(err)
}

// location returns the session zone, or UTC.
func location(c tool.Call) *time.Location {
	if c.Context.Timezone != nil {
		return c.Context.Timezone
	}
	return time.UTC
}

const dateLayout = "2006-01-02"

// parseDate parses an ISO date in loc. An empty value yields today in loc.
func parseDate(field, v string, now time.Time, loc *time.Location) (time.Time, error) {
	if v == "" {
		y, m, d := now.In(loc).Date()
		return time.Date(y, m, d, 0, 0, 0, 0, loc), nil
	}
	t, err := time.ParseInLocation(dateLayout, v, loc)
	if err != nil {
		return time.Time{}, &tool.ValidationError{Field: field, Reason: "must be a date like 2026-03-14"}
	}
	return t, nil
}
