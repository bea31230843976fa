package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/MrWong99/waypoint/internal/authz"
	"github.com/MrWong99/waypoint/internal/tool"
)

var (
	// ErrUnauthenticated means the request carried no valid credential.
	ErrUnauthenticated = errors.New("server: unauthenticated")

	// ErrIdentityMismatch means the claimed userId differs from the token
	// subject.
	ErrIdentityMismatch = errors.New("server: userId does not match token subject")
)

// Claims are the JWT claims Waypoint reads: the subject is the user id.
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator resolves the caller identity of a request. With an empty
// secret it trusts the claimed userId and assigns the user role, which is
// only suitable for development.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

// NewAuthenticator creates an Authenticator verifying HS256 tokens signed
// with secret.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), now: time.Now}
}

// Enabled reports whether tokens are verified.
func (a *Authenticator) Enabled() bool { return a != nil && len(a.secret) > 0 }

// Sign issues a token for id that expires after ttl. A zero ttl issues a
// token without expiry.
func (a *Authenticator) Sign(id tool.Identity, ttl time.Duration) (string, error) {
	if !a.Enabled() {
		return "", errors.New("server: token signing requires a secret")
	}
	now := a.now()
	claims := Claims{
		Role: string(id.Role),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  id.UserID,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Identify returns the caller of r. claimed is the userId from the body or
// query; when tokens are verified it must be empty or equal the subject.
func (a *Authenticator) Identify(r *http.Request, claimed string) (tool.Identity, error) {
	if !a.Enabled() {
		id := tool.Identity{UserID: strings.TrimSpace(claimed), Role: tool.RoleUser}
		if err := authz.ValidateIdentity(id); err != nil {
			return tool.Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
		}
		return id, nil
	}

	raw := bearerToken(r)
	if raw == "" {
		return tool.Identity{}, ErrUnauthenticated
	}
	parsed, err := jwt.ParseWithClaims(raw, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, jwt.WithTimeFunc(a.now))
	if err != nil {
		return tool.Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return tool.Identity{}, ErrUnauthenticated
	}

	id := tool.Identity{UserID: claims.Subject, Role: tool.RoleUser}
	if tool.Role(claims.Role) == tool.RoleAdmin {
		id.Role = tool.RoleAdmin
	}
	if err := authz.ValidateIdentity(id); err != nil {
		return tool.Identity{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claimed != "" && claimed != id.UserID {
		return tool.Identity{}, ErrIdentityMismatch
	}
	return id, nil
}

// bearerToken reads the Authorization header, or the access_token query
// parameter for browser websocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}
