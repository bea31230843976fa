// Package mock provides a test double for voice.Provider and voice.Revoker.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/waypoint/pkg/provider/voice"
)

// Provider is a mock voice provider. Each CreateSession call returns a fresh
// credential "tok-<n>" unless CreateErr is set.
type Provider struct {
	mu sync.Mutex

	// CreateErr, if non-nil, is returned by CreateSession.
	CreateErr error

	// TTL sets ExpiresAt relative to time.Now. Zero means no expiry.
	TTL time.Duration

	// CreateCalls records every SessionConfig passed to CreateSession.
	CreateCalls []voice.SessionConfig

	// Revoked records every credential passed to Revoke.
	Revoked []*voice.Credential
}

// CreateSession implements voice.Provider.
func (p *Provider) CreateSession(_ context.Context, cfg voice.SessionConfig) (*voice.Credential, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CreateCalls = append(p.CreateCalls, cfg)
	if p.CreateErr != nil {
		return nil, p.CreateErr
	}
	cred := &voice.Credential{
		Token:    fmt.Sprintf("tok-%d", len(p.CreateCalls)),
		Endpoint: "wss://speech.invalid/realtime",
	}
	if p.TTL > 0 {
		cred.ExpiresAt = time.Now().Add(p.TTL)
	}
	return cred, nil
}

// Revoke implements voice.Revoker.
func (p *Provider) Revoke(_ context.Context, cred *voice.Credential) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Revoked = append(p.Revoked, cred)
	return nil
}

// RevokeCount returns the number of Revoke calls. Thread-safe.
func (p *Provider) RevokeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Revoked)
}

// CreateCount returns the number of CreateSession calls. Thread-safe.
func (p *Provider) CreateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.CreateCalls)
}

var (
	_ voice.Provider = (*Provider)(nil)
	_ voice.Revoker  = (*Provider)(nil)
)
