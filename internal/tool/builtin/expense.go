package builtin

import (
	"context"
	"strings"

	"github.com/MrWong99/waypoint/internal/authz"
	"github.com/MrWong99/waypoint/internal/store"
	"github.com/MrWong99/waypoint/internal/tool"
)

// ExpenseCategories are the accepted expense categories.
var ExpenseCategories = []string{"gas", "food", "lodging", "transport", "activities", "shopping", "other"}

type expenseView struct {
	ID       string  `json:"id"`
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
	Category string  `json:"category"`
	Date     string  `json:"date"`
	TripID   string  `json:"tripId,omitempty"`
	Note     string  `json:"note,omitempty"`
}

func viewExpense(e store.Expense) expenseView {
	return expenseView{
		ID:       e.ID,
		Amount:   e.Amount,
		Currency: e.Currency,
		Category: e.Category,
		Date:     e.Date.Format(dateLayout),
		TripID:   e.TripID,
		Note:     e.Note,
	}
}

func createExpense(d Deps) tool.Definition {
	return tool.Definition{
		Name:        CreateExpense,
		Description: "Record an expense for the current user. Use when the user says they spent money, e.g. \"add a $50 gas expense\".",
		Schema: tool.MustSchema(
			tool.Field{Name: authz.UserIDArg, Type: tool.TypeString, Description: "Owner of the expense. Defaults to the current user."},
			tool.Field{Name: "amount", Type: tool.TypeNumber, Required: true, ExclusiveMinimum: tool.Ptr(0), Maximum: tool.Ptr(1_000_000), Description: "Amount spent."},
			tool.Field{Name: "category", Type: tool.TypeString, Required: true, Enum: ExpenseCategories, Description: "Expense category."},
			tool.Field{Name: "currency", Type: tool.TypeString, Pattern: `^[A-Z]{3}$`, Description: "ISO 4217 currency code. Defaults to USD."},
			tool.Field{Name: "date", Type: tool.TypeString, Format: "date", Description: "Date of the expense (YYYY-MM-DD). Defaults to today."},
			tool.Field{Name: "tripId", Type: tool.TypeString, MaxLength: 64, Description: "Trip the expense belongs to."},
			tool.Field{Name: "note", Type: tool.TypeString, MaxLength: 500, SafetyChecked: true, Description: "Free-text note."},
		),
		Authorization: tool.SelfOnly,
		Idempotent:    true,
		Handler: func(ctx context.Context, c tool.Call) (any, error) {
			amount, _ := c.Args.Float("amount")
			date, err := parseDate("date", c.Args.String("date"), d.Now(), location(c))
			if err != nil {
				return nil, err
			}
			currency := c.Args.String("currency")
			if currency == "" {
				currency = "USD"
			}
			e, err := d.Store.CreateExpense(ctx, store.Expense{
				UserID:    c.Args.String(authz.UserIDArg),
				TripID:    c.Args.String("tripId"),
				Category:  c.Args.String("category"),
				Amount:    amount,
				Currency:  currency,
				Note:      strings.TrimSpace(c.Args.String("note")),
				Date:      date,
				RequestID: c.RequestID,
			})
			if err != nil {
				return nil, upstream(err)
			}
			return viewExpense(e), nil
		},
	}
}

func listExpenses(d Deps) tool.Definition {
	return tool.Definition{
		Name:        ListExpenses,
		Description: "List the current user's expenses, newest first, optionally filtered by trip, category or date range.",
		Schema: tool.MustSchema(
			tool.Field{Name: authz.UserIDArg, Type: tool.TypeString, Description: "Owner of the expenses. Defaults to the current user."},
			tool.Field{Name: "tripId", Type: tool.TypeString, MaxLength: 64},
			tool.Field{Name: "category", Type: tool.TypeString, Enum: ExpenseCategories},
			tool.Field{Name: "from", Type: tool.TypeString, Format: "date", Description: "First date to include (YYYY-MM-DD)."},
			tool.Field{Name: "to", Type: tool.TypeString, Format: "date", Description: "Last date to include (YYYY-MM-DD)."},
			tool.Field{Name: "limit", Type: tool.TypeInteger, Minimum: tool.Ptr(1), Maximum: tool.Ptr(100)},
		),
		Authorization: tool.SelfOnly,
		Idempotent:    true,
		Handler: func(ctx context.Context, c tool.Call) (any, error) {
			loc := location(c)
			f := store.ExpenseFilter{
				UserID:   c.Args.String(authz.UserIDArg),
				TripID:   c.Args.String("tripId"),
				Category: c.Args.String("category"),
			}
			if v := c.Args.String("from"); v != "" {
				from, err := parseDate("from", v, d.Now(), loc)
				if err != nil {
					return nil, err
				}
				f.From = from
			}
			if v := c.Args.String("to"); v != "" {
				to, err := parseDate("to", v, d.Now(), loc)
				if err != nil {
					return nil, err
				}
				f.To = to.AddDate(0, 0, 1).Add(-1)
			}
			if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
				return nil, &tool.ValidationError{Field: "to", Reason: "must not be before from"}
			}
			if n, ok := c.Args.Int("limit"); ok {
				f.Limit = int(n)
			}

			list, err := d.Store.ListExpenses(ctx, f)
			if err != nil {
				return nil, upstream(err)
			}
			out := struct {
				Expenses []expenseView      `json:"expenses"`
				Count    int                `json:"count"`
				Totals   map[string]float64 `json:"totals"`
			}{Expenses: make([]expenseView, 0, len(list)), Totals: map[string]float64{}}
			for _, e := range list {
				out.Expenses = append(out.Expenses, viewExpense(e))
				out.Totals[e.Currency] += e.Amount
			}
			out.Count = len(list)
			return out, nil
		},
	}
}
