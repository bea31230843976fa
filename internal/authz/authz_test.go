package authz

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/MrWong99/waypoint/internal/tool"
)

func definition(name string, auth tool.Authorization, withUserID bool) *tool.Definition {
	fields := []tool.Field{{Name: "amount", Type: tool.TypeNumber}}
	if withUserID {
		fields = append(fields, tool.Field{Name: UserIDArg, Type: tool.TypeString})
	}
	return &tool.Definition{
		Name:          name,
		Schema:        tool.MustSchema(fields...),
		Authorization: auth,
		Handler:       func(context.Context, tool.Call) (any, error) { return nil, nil },
	}
}

var (
	alice = tool.Identity{UserID: "u1", Role: tool.RoleUser}
	admin = tool.Identity{UserID: "root", Role: tool.RoleAdmin}
)

func TestGuard_SelfOnly(t *testing.T) {
	t.Parallel()

	g := New()
	def := definition("create_expense", tool.SelfOnly, true)

	args, err := g.Check(def, alice, tool.Args{"amount": 50.0})
	if err != nil {
		t.Fatalf("absent userId: %v", err)
	}
	if got := args.String(UserIDArg); got != "u1" {
		t.Errorf("injected userId = %q, want u1", got)
	}

	if _, err := g.Check(def, alice, tool.Args{"amount": 50.0, UserIDArg: "u1"}); err != nil {
		t.Errorf("matching userId: %v", err)
	}

	_, err = g.Check(def, alice, tool.Args{"amount": 50.0, UserIDArg: "u2"})
	var ae *tool.AuthorizationError
	if !errors.As(err, &ae) {
		t.Fatalf("mismatched userId err = %v, want *tool.AuthorizationError", err)
	}

	if _, err := g.Check(def, admin, tool.Args{UserIDArg: "u1"}); err == nil {
		t.Error("admin acting on another user's row was allowed, want denial")
	}
}

func TestGuard_SelfOnlyWithoutUserIDField(t *testing.T) {
	t.Parallel()

	args := tool.Args{"amount": 1.0}
	got, err := New().Check(definition("list_expenses", tool.SelfOnly, false), alice, args)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if got.Has(UserIDArg) {
		t.Error("userId injected into a tool that does not declare it")
	}
}

func TestGuard_InjectionDoesNotMutateInput(t *testing.T) {
	t.Parallel()

	args := tool.Args{"amount": 1.0}
	_, _ = New().Check(definition("create_expense", tool.SelfOnly, true), alice, args)
	if args.Has(UserIDArg) {
		t.Error("Check mutated the caller's args")
	}
}

func TestGuard_AdminOnly(t *testing.T) {
	t.Parallel()

	g := New()
	def := definition("tool_health", tool.AdminOnly, false)
	if _, err := g.Check(def, admin, tool.Args{}); err != nil {
		t.Errorf("admin: %v", err)
	}
	if _, err := g.Check(def, alice, tool.Args{}); err == nil {
		t.Error("user allowed on admin-only tool")
	}
}

func TestGuard_PublicRead(t *testing.T) {
	t.Parallel()

	if _, err := New().Check(definition("current_time", tool.PublicRead, false), alice, tool.Args{}); err != nil {
		t.Errorf("public-read: %v", err)
	}
}

func TestGuard_FailsClosedOnBadIdentity(t *testing.T) {
	t.Parallel()

	g := New()
	bad := []tool.Identity{
		{},
		{UserID: "u1"},
		{UserID: "u1", Role: "superuser"},
		{UserID: "u 1", Role: tool.RoleUser},
		{UserID: "u1\n", Role: tool.RoleAdmin},
	}
	for _, mode := range []tool.Authorization{tool.SelfOnly, tool.AdminOnly, tool.PublicRead} {
		def := definition("t", mode, true)
		for _, id := range bad {
			if _, err := g.Check(def, id, tool.Args{}); err == nil {
				t.Errorf("%s with identity %+v allowed, want denial", mode, id)
			}
		}
	}
}

func TestGuard_UnknownMode(t *testing.T) {
	t.Parallel()

	def := definition("t", tool.Authorization("everyone"), false)
	if _, err := New().Check(def, admin, tool.Args{}); err == nil {
		t.Error("unknown mode allowed, want denial")
	}
}

// A self-only call whose userId differs from the caller never succeeds,
// whatever the ids look like.
func TestGuard_SelfOnlyMismatchNeverAllowed(t *testing.T) {
	t.Parallel()

	g := New()
	def := definition("create_expense", tool.SelfOnly, true)
	for i := range 200 {
		caller := tool.Identity{UserID: fmt.Sprintf("user-%d", i), Role: tool.RoleUser}
		if i%2 == 0 {
			caller.Role = tool.RoleAdmin
		}
		target := fmt.Sprintf("user-%d", (i*7+1)%200)
		if target == caller.UserID {
			continue
		}
		if _, err := g.Check(def, caller, tool.Args{UserIDArg: target}); err == nil {
			t.Fatalf("caller %s acting on %s allowed", caller.UserID, target)
		}
	}
}
