package builtin

import (
	"context"
	"time"

	"github.com/MrWong99/waypoint/internal/authz"
	"github.com/MrWong99/waypoint/internal/store"
	"github.com/MrWong99/waypoint/internal/tool"
)

func createCalendarEvent(d Deps) tool.Definition {
	return tool.Definition{
		Name:        CreateCalendarEvent,
		Description: "Add an event to the current user's calendar. Times are RFC 3339 with an offset; resolve relative times like \"tomorrow at 9\" using the user's current date and time zone.",
		Schema: tool.MustSchema(
			tool.Field{Name: authz.UserIDArg, Type: tool.TypeString, Description: "Calendar owner. Defaults to the current user."},
			tool.Field{Name: "title", Type: tool.TypeString, Required: true, MinLength: 1, MaxLength: 200, SafetyChecked: true},
			tool.Field{Name: "start", Type: tool.TypeString, Required: true, Format: "date-time", Description: "Start time, e.g. 2026-03-14T09:00:00-07:00."},
			tool.Field{Name: "end", Type: tool.TypeString, Format: "date-time", Description: "End time. Defaults to one hour after start."},
			tool.Field{Name: "location", Type: tool.TypeString, MaxLength: 200, SafetyChecked: true},
		),
		Authorization: tool.SelfOnly,
		Idempotent:    true,
		Handler: func(ctx context.Context, c tool.Call) (any, error) {
			start, err := time.Parse(time.RFC3339, c.Args.String("start"))
			if err != nil {
				return nil, &tool.ValidationError{Field: "start", Reason: "must be an RFC 3339 date-time"}
			}
			end := start.Add(time.Hour)
			if v := c.Args.String("end"); v != "" {
				if end, err = time.Parse(time.RFC3339, v); err != nil {
					return nil, &tool.ValidationError{Field: "end", Reason: "must be an RFC 3339 date-time"}
				}
			}
			if !end.After(start) {
				return nil, &tool.ValidationError{Field: "end", Reason: "must be after start"}
			}

			ev, err := d.Store.CreateEvent(ctx, store.CalendarEvent{
				UserID:    c.Args.String(authz.UserIDArg),
				Title:     c.Args.String("title"),
				Start:     start,
				End:       end,
				Location:  c.Args.String("location"),
				RequestID: c.RequestID,
			})
			if err != nil {
				return nil, upstream(err)
			}
			loc := location(c)
			return map[string]any{
				"id":       ev.ID,
				"title":    ev.Title,
				"start":    ev.Start.In(loc).Format(time.RFC3339),
				"end":      ev.End.In(loc).Format(time.RFC3339),
				"location": ev.Location,
			}, nil
		},
	}
}
