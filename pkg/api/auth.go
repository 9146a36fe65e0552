package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/attestra/cdil/pkg/auth"
)

const bearerIssuer = "cdil"

// bearerClaims are the JWT claims the API expects on every request.
type bearerClaims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tenant_id"`
	Role     string `json:"role"`
}

// Authenticator validates bearer JWTs and turns them into identities.
// A nil Authenticator rejects every request (fail closed).
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

// NewAuthenticator builds an authenticator over the shared HS256 secret.
func NewAuthenticator(secret []byte) *Authenticator {
	if len(secret) == 0 {
		return nil
	}
	return &Authenticator{secret: append([]byte(nil), secret...), now: time.Now}
}

// WithClock overrides the clock for tests.
func (a *Authenticator) WithClock(now func() time.Time) *Authenticator {
	a.now = now
	return a
}

// MintToken issues a bearer token for id, valid for ttl. Operators use
// this through tooling to credential EHR integrations and auditors.
func (a *Authenticator) MintToken(id auth.Identity, ttl time.Duration) (string, error) {
	if a == nil {
		return "", errors.New("api: authenticator not configured")
	}
	if err := id.Validate(); err != nil {
		return "", err
	}
	now := a.now()
	claims := &bearerClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   id.Subject,
			Issuer:    bearerIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID: id.TenantID,
		Role:     id.Role,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("api: sign token: %w", err)
	}
	return signed, nil
}

// validate parses and validates one bearer token string.
func (a *Authenticator) validate(tokenStr string) (auth.Identity, error) {
	claims := &bearerClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(t *jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(bearerIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil || !token.Valid {
		return auth.Identity{}, errors.New("api: token validation failed")
	}
	id := auth.Identity{
		Subject:  claims.Subject,
		TenantID: claims.TenantID,
		Role:     claims.Role,
	}
	if err := id.Validate(); err != nil {
		return auth.Identity{}, err
	}
	return id, nil
}

// publicPaths are served without authentication.
var publicPaths = map[string]bool{
	"/health": true,
}

// Middleware authenticates every non-public request and injects the
// resulting Identity into the context. Missing or invalid credentials
// are rejected before any handler runs.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			WriteUnauthorized(w, r, "missing Authorization header")
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			WriteUnauthorized(w, r, "expected 'Bearer <token>'")
			return
		}

		if a == nil {
			WriteUnauthorized(w, r, "authentication not configured")
			return
		}

		id, err := a.validate(parts[1])
		if err != nil {
			WriteUnauthorized(w, r, "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(auth.WithIdentity(r.Context(), id)))
	})
}

// identity pulls the authenticated identity or writes a 401.
func identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, err := auth.FromContext(r.Context())
	if err != nil {
		WriteUnauthorized(w, r, "")
		return auth.Identity{}, false
	}
	return id, true
}

// requireRole enforces role-based access. Admin passes every check.
func requireRole(w http.ResponseWriter, r *http.Request, id auth.Identity, roles ...string) bool {
	if id.HasAnyRole(roles...) {
		return true
	}
	WriteForbidden(w, r, "")
	return false
}
