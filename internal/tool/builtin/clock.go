package builtin

import (
	"context"
	"time"

	"github.com/MrWong99/waypoint/internal/tool"
)

func currentTime(d Deps) tool.Definition {
	return tool.Definition{
		Name:        CurrentTime,
		Description: "Get the current date and time in the user's time zone, or in a named IANA zone.",
		Schema: tool.MustSchema(
			tool.Field{Name: "timezone", Type: tool.TypeString, MaxLength: 64, Description: "IANA zone name, e.g. Europe/Lisbon. Defaults to the user's zone."},
		),
		Authorization: tool.PublicRead,
		Idempotent:    true,
		Handler: func(_ context.Context, c tool.Call) (any, error) {
			loc := location(c)
			if name := c.Args.String("timezone"); name != "" {
				l, err := time.LoadLocation(name)
				if err != nil {
					return nil, &tool.ValidationError{Field: "timezone", Reason: "is not a known IANA time zone"}
				}
				loc = l
			}
			now := d.Now().In(loc)
			return map[string]any{
				"time":     now.Format(time.RFC3339),
				"date":     now.Format(dateLayout),
				"weekday":  now.Weekday().String(),
				"timezone": loc.String(),
			}, nil
		},
	}
}
