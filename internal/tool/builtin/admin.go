package builtin

import (
	"context"
	"errors"

	"github.com/MrWong99/waypoint/internal/tool"
)

func toolHealth(d Deps) tool.Definition {
	return tool.Definition{
		Name:          ToolHealth,
		Description:   "Report recent latency and error rate per tool. Administrators only.",
		Schema:        tool.MustSchema(),
		Authorization: tool.AdminOnly,
		Idempotent:    true,
		Handler: func(context.Context, tool.Call) (any, error) {
			if d.Stats == nil {
				return []tool.Health{}, nil
			}
			return d.Stats.Snapshot(), nil
		},
	}
}

func recentAudit(d Deps) tool.Definition {
	return tool.Definition{
		Name:        RecentAudit,
		Description: "List the most recent audit records (tool dispatches and safety blocks). Administrators only.",
		Schema: tool.MustSchema(
			tool.Field{Name: "limit", Type: tool.TypeInteger, Minimum: tool.Ptr(1), Maximum: tool.Ptr(200)},
		),
		Authorization: tool.AdminOnly,
		Idempotent:    true,
		Handler: func(ctx context.Context, c tool.Call) (any, error) {
			if d.Audit == nil {
				return nil, tool.Fatal(errors.New("audit reader not configured"))
			}
			limit := 20
			if n, ok := c.Args.Int("limit"); ok {
				limit = int(n)
			}
			recs, err := d.Audit.Recent(ctx, limit)
			if err != nil {
				return nil, upstream(err)
			}
			return recs, nil
		},
	}
}
