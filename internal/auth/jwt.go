package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/btouchard/courier/internal/event"
)

// MinSecretLength is the shortest accepted HMAC signing secret.
const MinSecretLength = 32

// ErrAuth is the only error a rejected credential produces. The reason is
// logged at debug level and never returned to the client.
var ErrAuth = errors.New("authentication failed")

// Authenticator resolves signed tokens to user identities.
type Authenticator struct {
	secret    []byte
	issuer    string
	clockSkew time.Duration
	now       func() time.Time
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithIssuer requires and stamps the iss claim.
func WithIssuer(issuer string) Option {
	return func(a *Authenticator) { a.issuer = issuer }
}

// WithClockSkew sets the leeway allowed on exp, nbf and iat.
func WithClockSkew(d time.Duration) Option {
	return func(a *Authenticator) { a.clockSkew = d }
}

// WithTimeFunc replaces the clock used to issue and verify tokens.
func WithTimeFunc(now func() time.Time) Option {
	return func(a *Authenticator) {
		if now != nil {
			a.now = now
		}
	}
}

// ScopePublish lets a token holder submit events for dispatch. Connection
// tokens for end users do not carry it.
const ScopePublish = "events:publish"

type claims struct {
	Scope string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Principal is the verified identity behind a credential.
type Principal struct {
	User   event.UserID
	Scopes []string
}

// HasScope reports whether the principal was granted scope.
func (p Principal) HasScope(scope string) bool {
	return slices.Contains(p.Scopes, scope)
}

// NewAuthenticator creates an HS256 Authenticator.
func NewAuthenticator(secret string, opts ...Option) (*Authenticator, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d characters", MinSecretLength)
	}
	a := &Authenticator{
		secret:    []byte(secret),
		clockSkew: 30 * time.Second,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Authenticate validates credential and returns the identity in its subject.
// Absent, malformed, badly signed and expired tokens all yield ErrAuth.
func (a *Authenticator) Authenticate(ctx context.Context, credential string) (event.UserID, error) {
	p, err := a.Verify(ctx, credential)
	if err != nil {
		return "", err
	}
	return p.User, nil
}

// Verify is Authenticate that also returns the scopes granted to the token.
func (a *Authenticator) Verify(ctx context.Context, credential string) (Principal, error) {
	if err := ctx.Err(); err != nil {
		return Principal{}, ErrAuth
	}

	credential = strings.TrimSpace(credential)
	if credential == "" {
		slog.Debug("authentication failed", "reason", "missing credential")
		return Principal{}, ErrAuth
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithLeeway(a.clockSkew),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(credential, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		slog.Debug("authentication failed", "reason", failureReason(err), "error", err)
		return Principal{}, ErrAuth
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid || strings.TrimSpace(c.Subject) == "" {
		slog.Debug("authentication failed", "reason", "missing subject")
		return Principal{}, ErrAuth
	}

	return Principal{User: event.UserID(c.Subject), Scopes: strings.Fields(c.Scope)}, nil
}

// Issue signs a token for user valid for ttl, granting the given scopes.
func (a *Authenticator) Issue(user event.UserID, ttl time.Duration, scopes ...string) (string, error) {
	if strings.TrimSpace(string(user)) == "" {
		return "", errors.New("user id required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}

	now := a.now()
	for _, sc := range scopes {
		if sc == "" || strings.ContainsAny(sc, " \t\n") {
			return "", fmt.Errorf("invalid scope %q", sc)
		}
	}

	c := claims{
		Scope: strings.Join(scopes, " "),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(user),
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "expired"
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return "not yet valid"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "malformed"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "bad signature"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "missing claim"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "wrong issuer"
	default:
		return "invalid"
	}
}
