package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/alexxvedo/TFG-RealTime/internal/store"
)

const (
	// maxTokenAge bounds how old a token may be, regardless of its exp claim.
	maxTokenAge = time.Hour

	blacklistPrefix = "blacklist:"
)

var (
	ErrTokenMissing = errors.New("bearer token missing")
	ErrTokenInvalid = errors.New("bearer token invalid")
	ErrTokenExpired = errors.New("bearer token expired")
	ErrTokenRevoked = errors.New("bearer token revoked")
)

// Claims is the subject identity carried by a bearer token.
type Claims struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Image string `json:"image,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator verifies bearer tokens for transport handshakes and manages
// token revocation through the shared store.
type Authenticator struct {
	secret     []byte
	store      *store.Client
	production bool
	logger     zerolog.Logger
}

func NewAuthenticator(secret string, st *store.Client, production bool, logger zerolog.Logger) *Authenticator {
	return &Authenticator{
		secret:     []byte(secret),
		store:      st,
		production: production,
		logger:     logger.With().Str("component", "auth").Logger(),
	}
}

// Verify validates a token: HS256 only, signature against the configured
// secret, required id and email claims, and a hard one-hour age limit from
// the issued-at claim.
func (a *Authenticator) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if !token.Valid {
		return nil, ErrTokenInvalid
	}

	if claims.ID == "" || claims.Email == "" {
		return nil, fmt.Errorf("%w: id and email claims required", ErrTokenInvalid)
	}

	if claims.IssuedAt != nil && time.Since(claims.IssuedAt.Time) > maxTokenAge {
		return nil, ErrTokenExpired
	}

	return claims, nil
}

// Authenticate admits or rejects a handshake request.
//
// Production: extract the bearer token, check revocation in the shared store,
// then verify. Development: a dot-delimited pseudo token parses as
// id.email.name, and a missing token admits an anonymous user.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*Claims, error) {
	token := extractToken(r)

	if !a.production {
		return a.devClaims(token), nil
	}

	if token == "" {
		return nil, ErrTokenMissing
	}

	revoked, err := a.IsRevoked(ctx, token)
	if err != nil {
		// Store outage degrades to signature-only verification; a revoked
		// token is still bounded by its one-hour lifetime.
		a.logger.Warn().Err(err).Msg("Revocation check unavailable, relying on token verification")
	} else if revoked {
		return nil, ErrTokenRevoked
	}

	return a.Verify(token)
}

// devClaims builds a permissive identity for non-production environments.
func (a *Authenticator) devClaims(token string) *Claims {
	if parts := strings.Split(token, "."); len(parts) == 3 && parts[0] != "" {
		// Real JWTs also have three segments; try a strict verify first so
		// signed dev tokens keep their full claims.
		if claims, err := a.Verify(token); err == nil {
			return claims
		}
		return &Claims{ID: parts[0], Email: parts[1], Name: parts[2]}
	}
	return &Claims{ID: "anonymous", Email: "anonymous@local", Name: "Anonymous"}
}

// Blacklist revokes a token. The revocation entry lives as long as the token
// would have: its remaining lifetime when decodable, else the supplied TTL.
func (a *Authenticator) Blacklist(ctx context.Context, token string, fallbackTTL time.Duration) error {
	ttl := fallbackTTL

	claims := &Claims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err == nil && claims.ExpiresAt != nil {
		if remaining := time.Until(claims.ExpiresAt.Time); remaining > 0 {
			ttl = remaining
		}
	}

	return a.store.Set(ctx, blacklistPrefix+token, "1", ttl)
}

// IsRevoked reports whether a token has been blacklisted.
func (a *Authenticator) IsRevoked(ctx context.Context, token string) (bool, error) {
	_, ok, err := a.store.Get(ctx, blacklistPrefix+token)
	return ok, err
}

// extractToken pulls a bearer token from the Authorization header or the
// token query parameter (browser WebSocket clients cannot set headers).
func extractToken(r *http.Request) string {
	const bearerPrefix = "Bearer "
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, bearerPrefix) {
		return strings.TrimPrefix(header, bearerPrefix)
	}
	return r.URL.Query().Get("token")
}

// ClientIP resolves the originating client address, preferring the
// X-Forwarded-For header set by the fronting proxy.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if idx := strings.LastIndexByte(host, ':'); idx > 0 {
		host = host[:idx]
	}
	return host
}
