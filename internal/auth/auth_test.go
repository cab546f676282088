package auth

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexxvedo/TFG-RealTime/internal/store"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims Claims, method jwt.SigningMethod, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(method, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func validClaims() Claims {
	return Claims{
		ID:    "u1",
		Email: "alice@x",
		Name:  "Alice",
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(30 * time.Minute)),
		},
	}
}

func newAuthenticator(t *testing.T, production bool) (*Authenticator, *store.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	st := store.NewClient(store.Options{
		Addr:         mr.Addr(),
		CacheTTL:     time.Second,
		CacheEntries: 64,
		Logger:       zerolog.Nop(),
	})
	t.Cleanup(func() { st.Close() })
	return NewAuthenticator(testSecret, st, production, zerolog.Nop()), st
}

func TestVerifyValidToken(t *testing.T) {
	a, _ := newAuthenticator(t, true)

	token := signToken(t, validClaims(), jwt.SigningMethodHS256, testSecret)

	claims, err := a.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice@x", claims.Email)
	assert.Equal(t, "u1", claims.ID)
}

func TestVerifyRejectsMissingClaims(t *testing.T) {
	a, _ := newAuthenticator(t, true)

	claims := validClaims()
	claims.Email = ""
	token := signToken(t, claims, jwt.SigningMethodHS256, testSecret)

	_, err := a.Verify(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	a, _ := newAuthenticator(t, true)

	claims := validClaims()
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	token := signToken(t, claims, jwt.SigningMethodHS256, testSecret)

	_, err := a.Verify(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyRejectsOldToken(t *testing.T) {
	a, _ := newAuthenticator(t, true)

	// Issued two hours ago but expiry pushed far out: still rejected by the
	// one-hour age cap.
	claims := validClaims()
	claims.IssuedAt = jwt.NewNumericDate(time.Now().Add(-2 * time.Hour))
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	token := signToken(t, claims, jwt.SigningMethodHS256, testSecret)

	_, err := a.Verify(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestVerifyRejectsWrongAlgorithm(t *testing.T) {
	a, _ := newAuthenticator(t, true)

	token := signToken(t, validClaims(), jwt.SigningMethodHS512, testSecret)

	_, err := a.Verify(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	a, _ := newAuthenticator(t, true)

	token := signToken(t, validClaims(), jwt.SigningMethodHS256, "other-secret")

	_, err := a.Verify(token)
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestAuthenticateRejectsMissingToken(t *testing.T) {
	a, _ := newAuthenticator(t, true)

	r := httptest.NewRequest("GET", "/socket", nil)
	_, err := a.Authenticate(context.Background(), r)
	assert.ErrorIs(t, err, ErrTokenMissing)
}

func TestAuthenticateRejectsRevokedToken(t *testing.T) {
	a, _ := newAuthenticator(t, true)
	ctx := context.Background()

	token := signToken(t, validClaims(), jwt.SigningMethodHS256, testSecret)
	require.NoError(t, a.Blacklist(ctx, token, time.Hour))

	r := httptest.NewRequest("GET", "/socket?token="+token, nil)
	_, err := a.Authenticate(ctx, r)
	assert.ErrorIs(t, err, ErrTokenRevoked)
}

func TestAuthenticateHeaderToken(t *testing.T) {
	a, _ := newAuthenticator(t, true)

	token := signToken(t, validClaims(), jwt.SigningMethodHS256, testSecret)
	r := httptest.NewRequest("GET", "/socket", nil)
	r.Header.Set("Authorization", "Bearer "+token)

	claims, err := a.Authenticate(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "alice@x", claims.Email)
}

func TestDevModePermissive(t *testing.T) {
	a, _ := newAuthenticator(t, false)
	ctx := context.Background()

	// Dot-delimited pseudo token parses as id.email.name.
	r := httptest.NewRequest("GET", "/socket?token=u2.bob@x.Bob", nil)
	claims, err := a.Authenticate(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, "bob@x", claims.Email)
	assert.Equal(t, "Bob", claims.Name)

	// No token admits anonymously.
	r = httptest.NewRequest("GET", "/socket", nil)
	claims, err = a.Authenticate(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, "anonymous", claims.ID)
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.1:4242"
	assert.Equal(t, "10.0.0.1", ClientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	assert.Equal(t, "203.0.113.7", ClientIP(r))
}

func TestRateLimiterWindow(t *testing.T) {
	current := time.Now()
	l := NewConnRateLimiter(ConnRateLimiterConfig{
		Window:      time.Minute,
		MaxPerIP:    3,
		GlobalRate:  1000,
		GlobalBurst: 1000,
		Logger:      zerolog.Nop(),
	})
	defer l.Stop()
	l.now = func() time.Time { return current }

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("1.2.3.4"), "attempt %d should pass", i+1)
	}
	assert.False(t, l.Allow("1.2.3.4"), "4th attempt in window should be rejected")

	// Other IPs are unaffected.
	assert.True(t, l.Allow("5.6.7.8"))

	// Window expiry resets the bucket.
	current = current.Add(61 * time.Second)
	assert.True(t, l.Allow("1.2.3.4"))
}

func TestRateLimiterSweep(t *testing.T) {
	current := time.Now()
	l := NewConnRateLimiter(ConnRateLimiterConfig{
		Window:   time.Minute,
		MaxPerIP: 10,
		Logger:   zerolog.Nop(),
	})
	defer l.Stop()
	l.now = func() time.Time { return current }

	l.Allow("1.1.1.1")
	l.Allow("2.2.2.2")
	require.Equal(t, 2, l.TrackedIPs())

	current = current.Add(3 * time.Minute)
	l.sweep()
	assert.Zero(t, l.TrackedIPs())
}
