// Package tool defines Waypoint's callable operations: their declared
// inputs, authorization requirement and bound handler, the registry that holds
// them, and the [Result] union every dispatch produces.
//
// Tools are registered during a single-threaded startup phase. Once the
// registry is sealed it is read-only and may be read from any goroutine
// without locking.
package tool

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// Authorization is the per-tool identity requirement.
type Authorization string

const (
	// SelfOnly tools may only touch rows owned by the caller. An explicit
	// userId argument must equal the caller's id; when absent it is injected.
	SelfOnly Authorization = "self-only"

	// AdminOnly tools require the admin role.
	AdminOnly Authorization = "admin-only"

	// PublicRead tools have no ownership or role constraint, though the
	// caller identity must still be well-formed.
	PublicRead Authorization = "public-read"
)

// Valid reports whether a is one of the known modes.
func (a Authorization) Valid() bool {
	switch a {
	case SelfOnly, AdminOnly, PublicRead:
		return true
	}
	return false
}

// Role is a caller's role.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Identity is the authenticated caller on whose behalf a tool runs. It always
// comes from the session, never from model output.
type Identity struct {
	UserID string
	Role   Role
}

// Location is a geographic coordinate in decimal degrees.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// CallContext carries the session's temporal and spatial context to handlers.
type CallContext struct {
	SessionID string
	Timezone  *time.Location
	Location  *Location
}

// Call is everything a handler receives.
type Call struct {
	// RequestID is unique per model-requested invocation and stable across
	// retries of that invocation.
	RequestID string

	Caller  Identity
	Args    Args
	Context CallContext
}

// Handler executes a tool. It returns a JSON-serialisable payload on
// success, or one of *ValidationError, *AuthorizationError or
// *UpstreamError. Any other error is treated as a non-retryable execution
// failure.
type Handler func(ctx context.Context, call Call) (any, error)

// Definition declares one tool.
type Definition struct {
	// Name is the unique tool name exposed to the model.
	Name string

	// Description tells the model when to use the tool.
	Description string

	// Schema declares the accepted arguments.
	Schema *Schema

	Authorization Authorization
	Handler       Handler

	// Timeout overrides the dispatcher's default handler timeout when > 0.
	Timeout time.Duration

	// Idempotent marks handlers that can run again with the same RequestID
	// without repeating a side effect. Only idempotent tools are retried
	// after a timeout.
	Idempotent bool

	// Source names where the tool came from ("builtin", "mcp:<server>").
	Source string
}

var validName = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

func (d *Definition) validate() error {
	if !validName.MatchString(d.Name) {
		return fmt.Errorf("tool: invalid name %q", d.Name)
	}
	if d.Schema == nil {
		return fmt.Errorf("tool: %q: schema must not be nil", d.Name)
	}
	if !d.Authorization.Valid() {
		return fmt.Errorf("tool: %q: invalid authorization %q", d.Name, d.Authorization)
	}
	if d.Handler == nil {
		return fmt.Errorf("tool: %q: handler must not be nil", d.Name)
	}
	return nil
}
