// Package gatekeeper guards the EHR commit boundary. A certificate must
// pass full verification before the gatekeeper mints a short-lived HS256
// commit token bound to that certificate and tenant. Tokens are single
// use: validation burns the jti through the nonce store, so a replayed
// token is rejected even inside its lifetime.
//
// Signing secrets are derived per tenant from one master secret with
// HKDF-SHA256. No secret is ever hard-coded; the master comes from
// configuration and rotates like any other secret.
package gatekeeper

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/attestra/cdil/pkg/auth"
	"github.com/attestra/cdil/pkg/certificate"
	"github.com/attestra/cdil/pkg/ledger"
	"github.com/attestra/cdil/pkg/nonce"
	"github.com/attestra/cdil/pkg/store"
	"github.com/attestra/cdil/pkg/verifier"
)

// DefaultTTL is the commit-token lifetime.
const DefaultTTL = 5 * time.Minute

const (
	tokenIssuer = "cdil/gatekeeper"

	// nonceScope namespaces burned jti values away from issuance nonces
	// in the shared used_nonces table.
	nonceScope = "commit-token:"
)

var (
	ErrMasterSecretSize = errors.New("gatekeeper: master secret must be at least 32 bytes")
	ErrTokenExpired     = errors.New("gatekeeper: token expired")
	ErrInvalidToken     = errors.New("gatekeeper: invalid token")
	ErrTenantMismatch   = errors.New("gatekeeper: token bound to another tenant")
	ErrNonceAlreadyUsed = errors.New("gatekeeper: token already presented")
	ErrNonceMissing     = errors.New("gatekeeper: token carries no jti")
)

// Claims is the commit-token payload. The jti doubles as the single-use
// nonce; certificate_id and tenant_id bind the token to exactly one
// verified certificate.
type Claims struct {
	jwt.RegisteredClaims
	CertificateID string `json:"certificate_id"`
	TenantID      string `json:"tenant_id"`
}

// Decision is the outcome of verify-and-authorize. A token is present
// only when Authorized is true; the verification report is always
// returned so a refused caller sees every failed check.
type Decision struct {
	Authorized    bool            `json:"authorized"`
	CertificateID string          `json:"certificate_id"`
	CommitToken   string          `json:"commit_token,omitempty"`
	ExpiresAt     string          `json:"expires_at_utc,omitempty"`
	Report        verifier.Report `json:"verification_report"`
}

// TokenInfo is what a successfully validated token proves.
type TokenInfo struct {
	CertificateID string `json:"certificate_id"`
	TenantID      string `json:"tenant_id"`
	JTI           string `json:"jti"`
	ExpiresAt     string `json:"expires_at_utc"`
}

// Gatekeeper mints and validates commit tokens.
type Gatekeeper struct {
	master   []byte
	verifier *verifier.Verifier
	nonces   nonce.Store
	ledger   *ledger.Writer
	ttl      time.Duration
	now      func() time.Time
	newJTI   func() string
}

// Option adjusts gatekeeper behavior.
type Option func(*Gatekeeper)

// WithTTL overrides the token lifetime.
func WithTTL(d time.Duration) Option {
	return func(g *Gatekeeper) { g.ttl = d }
}

// WithClock overrides the clock for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gatekeeper) { g.now = now }
}

// WithJTISource overrides jti generation for tests.
func WithJTISource(fn func() string) Option {
	return func(g *Gatekeeper) { g.newJTI = fn }
}

// New builds a gatekeeper from the master commit secret. The secret must
// be at least 32 bytes; per-tenant signing keys are derived from it.
func New(master []byte, v *verifier.Verifier, nonces nonce.Store, lw *ledger.Writer, opts ...Option) (*Gatekeeper, error) {
	if len(master) < 32 {
		return nil, ErrMasterSecretSize
	}
	g := &Gatekeeper{
		master:   append([]byte(nil), master...),
		verifier: v,
		nonces:   nonces,
		ledger:   lw,
		ttl:      DefaultTTL,
		now:      time.Now,
		newJTI:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// secretFor derives the tenant's HS256 signing secret.
func (g *Gatekeeper) secretFor(tenantID string) ([]byte, error) {
	r := hkdf.New(sha256.New, g.master, []byte("cdil-commit-kdf"), []byte(tenantID))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("gatekeeper: derive tenant secret: %w", err)
	}
	return key, nil
}

// VerifyAndAuthorize runs the full verifier battery over the certificate
// and mints a commit token only when every check passes. The refusal
// path returns the report with no error so the caller sees what failed.
func (g *Gatekeeper) VerifyAndAuthorize(ctx context.Context, id auth.Identity, cert *certificate.Certificate) (*Decision, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if cert.TenantID != id.TenantID {
		return nil, ErrTenantMismatch
	}

	rep := g.verifier.Verify(ctx, cert)
	if !rep.Valid {
		return &Decision{Authorized: false, CertificateID: cert.CertificateID, Report: rep}, nil
	}

	now := g.now().UTC()
	exp := now.Add(g.ttl)
	jti := g.newJTI()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   id.Subject,
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		CertificateID: cert.CertificateID,
		TenantID:      cert.TenantID,
	}

	secret, err := g.secretFor(cert.TenantID)
	if err != nil {
		return nil, err
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: sign token: %w", err)
	}

	_, err = g.ledger.Append(ctx, ledger.Entry{
		TenantID:   cert.TenantID,
		ObjectType: ledger.ObjectTypeCommitToken,
		ObjectID:   jti,
		Action:     ledger.ActionCommitTokenIssued,
		Payload: map[string]any{
			"certificate_id": cert.CertificateID,
			"jti":            jti,
			"expires_at_utc": store.UTCSecond(exp),
		},
		ActorID: id.Subject,
	})
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: record issuance: %w", err)
	}

	return &Decision{
		Authorized:    true,
		CertificateID: cert.CertificateID,
		CommitToken:   signed,
		ExpiresAt:     store.UTCSecond(exp),
		Report:        rep,
	}, nil
}

// ValidateToken checks a presented commit token and burns its jti. The
// signing secret is derived from the token's own tenant claim, then the
// claim is compared against the caller's identity, so a token minted for
// another tenant fails with a tenant mismatch rather than a bare
// signature error.
func (g *Gatekeeper) ValidateToken(ctx context.Context, id auth.Identity, token string) (*TokenInfo, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(token) == "" {
		return nil, ErrInvalidToken
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		c, ok := t.Claims.(*Claims)
		if !ok || c.TenantID == "" {
			return nil, ErrInvalidToken
		}
		return g.secretFor(c.TenantID)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(g.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}
	if claims.CertificateID == "" {
		return nil, ErrInvalidToken
	}
	if claims.TenantID != id.TenantID {
		return nil, ErrTenantMismatch
	}
	if claims.ID == "" {
		return nil, ErrNonceMissing
	}

	fresh, err := g.nonces.CheckAndRecord(ctx, claims.TenantID, nonceScope+claims.ID)
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: burn jti: %w", err)
	}
	if !fresh {
		return nil, ErrNonceAlreadyUsed
	}

	_, err = g.ledger.Append(ctx, ledger.Entry{
		TenantID:   claims.TenantID,
		ObjectType: ledger.ObjectTypeCommitToken,
		ObjectID:   claims.ID,
		Action:     ledger.ActionCommitTokenConsumed,
		Payload: map[string]any{
			"certificate_id": claims.CertificateID,
			"jti":            claims.ID,
		},
		ActorID: id.Subject,
	})
	if err != nil {
		return nil, fmt.Errorf("gatekeeper: record consumption: %w", err)
	}

	return &TokenInfo{
		CertificateID: claims.CertificateID,
		TenantID:      claims.TenantID,
		JTI:           claims.ID,
		ExpiresAt:     store.UTCSecond(claims.ExpiresAt.Time),
	}, nil
}
