package auth

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btouchard/courier/internal/event"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func newTestAuthenticator(t *testing.T, opts ...Option) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(testSecret, opts...)
	require.NoError(t, err)
	return a
}

func TestNewAuthenticator_RejectsShortSecret(t *testing.T) {
	t.Parallel()

	_, err := NewAuthenticator("too-short")
	require.Error(t, err)
}

func TestAuthenticate_ValidToken(t *testing.T) {
	t.Parallel()

	a := newTestAuthenticator(t)
	token, err := a.Issue("user-42", time.Hour)
	require.NoError(t, err)

	id, err := a.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, event.UserID("user-42"), id)
}

func TestAuthenticate_TrimsWhitespace(t *testing.T) {
	t.Parallel()

	a := newTestAuthenticator(t)
	token, err := a.Issue("u1", time.Hour)
	require.NoError(t, err)

	id, err := a.Authenticate(context.Background(), "  "+token+"\n")
	require.NoError(t, err)
	assert.Equal(t, event.UserID("u1"), id)
}

func TestAuthenticate_Rejections(t *testing.T) {
	t.Parallel()

	a := newTestAuthenticator(t)
	other, err := NewAuthenticator("ffffffffffffffffffffffffffffffff")
	require.NoError(t, err)

	past := time.Now().Add(-2 * time.Hour)
	expiredAuth := newTestAuthenticator(t, WithTimeFunc(func() time.Time { return past }))
	expired, err := expiredAuth.Issue("u1", time.Hour)
	require.NoError(t, err)

	foreign, err := other.Issue("u1", time.Hour)
	require.NoError(t, err)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u1"}).
		SignedString([]byte(testSecret))
	require.NoError(t, err)

	noSubject, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(testSecret))
	require.NoError(t, err)

	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name       string
		credential string
	}{
		{"empty", ""},
		{"blank", "   "},
		{"malformed", "not-a-jwt"},
		{"wrong secret", foreign},
		{"expired", expired},
		{"no expiry", noExp},
		{"no subject", noSubject},
		{"alg none", unsigned},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			id, err := a.Authenticate(context.Background(), tt.credential)
			require.ErrorIs(t, err, ErrAuth)
			assert.Empty(t, id)
			assert.Equal(t, "authentication failed", err.Error(), "no detail may leak")
		})
	}
}

func TestAuthenticate_ClockSkewTolerated(t *testing.T) {
	t.Parallel()

	issuer := newTestAuthenticator(t)
	issuer.now = func() time.Time { return time.Now().Add(-time.Hour - 10*time.Second) }
	token, err := issuer.Issue("u1", time.Hour)
	require.NoError(t, err)

	a := newTestAuthenticator(t, WithClockSkew(time.Minute))
	_, err = a.Authenticate(context.Background(), token)
	require.NoError(t, err)

	strict := newTestAuthenticator(t, WithClockSkew(0))
	_, err = strict.Authenticate(context.Background(), token)
	require.ErrorIs(t, err, ErrAuth)
}

func TestAuthenticate_Issuer(t *testing.T) {
	t.Parallel()

	a := newTestAuthenticator(t, WithIssuer("courier"))
	token, err := a.Issue("u1", time.Hour)
	require.NoError(t, err)

	_, err = a.Authenticate(context.Background(), token)
	require.NoError(t, err)

	plain := newTestAuthenticator(t)
	plainToken, err := plain.Issue("u1", time.Hour)
	require.NoError(t, err)

	_, err = a.Authenticate(context.Background(), plainToken)
	require.ErrorIs(t, err, ErrAuth)
}

func TestAuthenticate_CancelledContext(t *testing.T) {
	t.Parallel()

	a := newTestAuthenticator(t)
	token, err := a.Issue("u1", time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = a.Authenticate(ctx, token)
	require.ErrorIs(t, err, ErrAuth)
}

func TestIssue_Validation(t *testing.T) {
	t.Parallel()

	a := newTestAuthenticator(t)

	_, err := a.Issue("", time.Hour)
	require.Error(t, err)

	_, err = a.Issue("u1", 0)
	require.Error(t, err)
}

func TestVerify_Scopes(t *testing.T) {
	t.Parallel()

	a := newTestAuthenticator(t)

	plain, err := a.Issue("u1", time.Hour)
	require.NoError(t, err)
	p, err := a.Verify(context.Background(), plain)
	require.NoError(t, err)
	assert.Equal(t, event.UserID("u1"), p.User)
	assert.False(t, p.HasScope(ScopePublish))

	producer, err := a.Issue("tracker", time.Hour, ScopePublish)
	require.NoError(t, err)
	p, err = a.Verify(context.Background(), producer)
	require.NoError(t, err)
	assert.True(t, p.HasScope(ScopePublish))

	_, err = a.Issue("u1", time.Hour, "two words")
	require.Error(t, err)
}
