// Package voice defines the boundary to a realtime speech provider.
//
// Waypoint never streams audio itself. The caller's client opens the realtime
// speech session directly with the provider, authenticated by a short-lived
// credential that this package's Provider mints on the server. Only
// transcribed text (delegations) and synthesis text (responses) cross into the
// core over the voice websocket.
//
// Implementations must be safe for concurrent use.
package voice

import (
	"context"
	"time"

	"github.com/MrWong99/waypoint/pkg/provider/llm"
)

// Credential is an ephemeral, single-purpose token for one speech session. It
// is never the server's own provider key.
type Credential struct {
	// Token is the bearer secret the client presents to Endpoint.
	Token string

	// Endpoint is the transport URL the client connects to.
	Endpoint string

	// ExpiresAt is when the provider stops accepting Token.
	ExpiresAt time.Time
}

// Expired reports whether the credential is no longer usable at now.
func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// SessionConfig configures the speech session the credential is minted for.
type SessionConfig struct {
	// Instructions is the speech model's system prompt.
	Instructions string

	// Voice is the provider-specific voice identifier.
	Voice string

	// Tools are the functions the speech model may call. Waypoint offers a
	// single delegation function so reasoning-heavy requests are handed to the
	// text model.
	Tools []llm.ToolDefinition
}

// Provider mints ephemeral credentials for realtime speech sessions.
type Provider interface {
	// CreateSession allocates a new speech session and returns its credential.
	CreateSession(ctx context.Context, cfg SessionConfig) (*Credential, error)
}

// Revoker is implemented by providers that can invalidate a credential before
// it expires. Providers without revocation rely on the short credential TTL.
type Revoker interface {
	Revoke(ctx context.Context, cred *Credential) error
}
