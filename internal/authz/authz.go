// Package authz implements the authorization guard that runs before every
// tool handler.
//
// The guard fails closed: a missing or malformed caller identity is denied
// regardless of the tool's declared mode.
package authz

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/MrWong99/waypoint/internal/tool"
)

// UserIDArg is the argument through which self-only tools name the owning
// user.
const UserIDArg = "userId"

var validUserID = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)

// ValidateIdentity reports why id is not a usable caller identity, or nil.
func ValidateIdentity(id tool.Identity) error {
	if id.UserID == "" {
		return fmt.Errorf("missing caller identity")
	}
	if !validUserID.MatchString(id.UserID) {
		return fmt.Errorf("malformed caller identity")
	}
	switch id.Role {
	case tool.RoleUser, tool.RoleAdmin:
	default:
		return fmt.Errorf("unknown caller role %q", id.Role)
	}
	return nil
}

// Guard checks a caller against a tool's authorization requirement.
type Guard struct{}

// New returns a Guard.
func New() *Guard { return &Guard{} }

// Check authorizes caller for def with the validated args. On success it
// returns the argument set the handler should see: for self-only tools that
// declare a userId argument and omit it, the caller's id is injected. On
// denial it returns a *tool.AuthorizationError and logs a security event.
func (g *Guard) Check(def *tool.Definition, caller tool.Identity, args tool.Args) (tool.Args, error) {
	if err := ValidateIdentity(caller); err != nil {
		return nil, g.deny(def, caller, err.Error())
	}

	switch def.Authorization {
	case tool.PublicRead:
		return args, nil

	case tool.AdminOnly:
		if caller.Role != tool.RoleAdmin {
			return nil, g.deny(def, caller, "tool requires the admin role")
		}
		return args, nil

	case tool.SelfOnly:
		if !args.Has(UserIDArg) {
			if _, declared := def.Schema.Field(UserIDArg); !declared {
				return args, nil
			}
			out := args.Clone()
			out[UserIDArg] = caller.UserID
			return out, nil
		}
		if owner := args.String(UserIDArg); owner != caller.UserID {
			return nil, g.deny(def, caller, "userId does not match the caller")
		}
		return args, nil

	default:
		return nil, g.deny(def, caller, fmt.Sprintf("unknown authorization mode %q", def.Authorization))
	}
}

func (g *Guard) deny(def *tool.Definition, caller tool.Identity, reason string) error {
	slog.Warn("authz: tool call denied",
		"tool", def.Name,
		"authorization", string(def.Authorization),
		"user_id", caller.UserID,
		"role", string(caller.Role),
		"reason", reason)
	return &tool.AuthorizationError{Reason: reason}
}
