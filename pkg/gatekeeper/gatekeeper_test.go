package gatekeeper

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attestra/cdil/pkg/auth"
	"github.com/attestra/cdil/pkg/certificate"
	"github.com/attestra/cdil/pkg/issuer"
	"github.com/attestra/cdil/pkg/keyring"
	"github.com/attestra/cdil/pkg/ledger"
	"github.com/attestra/cdil/pkg/nonce"
	"github.com/attestra/cdil/pkg/phi"
	"github.com/attestra/cdil/pkg/store"
	"github.com/attestra/cdil/pkg/verifier"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type fixture struct {
	store *store.MemoryStore
	keys  *keyring.Registry
	gk    *Gatekeeper
	clock *clock
}

func newFixture(t *testing.T, tenants ...string) *fixture {
	t.Helper()
	st := store.NewMemory()
	sealer, err := keyring.NewAESSealer(bytes.Repeat([]byte{5}, 32))
	require.NoError(t, err)
	keys := keyring.NewRegistry(st, sealer)
	for _, tenant := range tenants {
		require.NoError(t, st.CreateTenant(context.Background(), store.Tenant{
			TenantID:  tenant,
			Status:    store.TenantStatusActive,
			CreatedAt: "2026-08-25T09:00:00.000000Z",
		}))
	}

	ck := &clock{t: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)}
	gk, err := New(
		bytes.Repeat([]byte{9}, 32),
		verifier.New(keys),
		nonce.NewMemory(),
		ledger.NewWriter(st),
		WithClock(ck.now),
	)
	require.NoError(t, err)
	return &fixture{store: st, keys: keys, gk: gk, clock: ck}
}

func (f *fixture) issue(t *testing.T, tenant string) *certificate.Certificate {
	t.Helper()
	iss := issuer.New(f.store, f.keys, phi.NewGuard(), nil)
	res, err := iss.Issue(context.Background(),
		auth.Identity{Subject: "dr-jones", TenantID: tenant, Role: auth.RoleClinician},
		issuer.Request{
			NoteText:                "Discharge summary",
			ModelName:               "gpt-4",
			ModelVersion:            "v1",
			PromptVersion:           "p1",
			GovernancePolicyVersion: "g1",
			HumanReviewed:           true,
		})
	require.NoError(t, err)
	return res.Certificate
}

func clinician(tenant string) auth.Identity {
	return auth.Identity{Subject: "dr-jones", TenantID: tenant, Role: auth.RoleClinician}
}

func actions(t *testing.T, st *store.MemoryStore, tenant string) []string {
	t.Helper()
	var out []string
	err := st.AuditEvents(context.Background(), tenant, func(ev store.AuditEvent) error {
		out = append(out, ev.Action)
		return nil
	})
	require.NoError(t, err)
	return out
}

func TestAuthorizeThenValidate(t *testing.T) {
	f := newFixture(t, "h1")
	ctx := context.Background()
	cert := f.issue(t, "h1")

	dec, err := f.gk.VerifyAndAuthorize(ctx, clinician("h1"), cert)
	require.NoError(t, err)
	require.True(t, dec.Authorized)
	assert.NotEmpty(t, dec.CommitToken)
	assert.Equal(t, cert.CertificateID, dec.CertificateID)
	assert.Equal(t, "2026-08-25T12:05:00Z", dec.ExpiresAt)
	assert.True(t, dec.Report.Valid)

	info, err := f.gk.ValidateToken(ctx, clinician("h1"), dec.CommitToken)
	require.NoError(t, err)
	assert.Equal(t, cert.CertificateID, info.CertificateID)
	assert.Equal(t, "h1", info.TenantID)
	assert.NotEmpty(t, info.JTI)
	assert.Equal(t, dec.ExpiresAt, info.ExpiresAt)

	assert.Equal(t, []string{
		ledger.ActionCertificateIssued,
		ledger.ActionCommitTokenIssued,
		ledger.ActionCommitTokenConsumed,
	}, actions(t, f.store, "h1"))
}

func TestValidateBurnsToken(t *testing.T) {
	f := newFixture(t, "h1")
	ctx := context.Background()
	dec, err := f.gk.VerifyAndAuthorize(ctx, clinician("h1"), f.issue(t, "h1"))
	require.NoError(t, err)

	_, err = f.gk.ValidateToken(ctx, clinician("h1"), dec.CommitToken)
	require.NoError(t, err)

	_, err = f.gk.ValidateToken(ctx, clinician("h1"), dec.CommitToken)
	assert.ErrorIs(t, err, ErrNonceAlreadyUsed)
}

func TestValidateExpiredToken(t *testing.T) {
	f := newFixture(t, "h1")
	ctx := context.Background()
	dec, err := f.gk.VerifyAndAuthorize(ctx, clinician("h1"), f.issue(t, "h1"))
	require.NoError(t, err)

	f.clock.t = f.clock.t.Add(DefaultTTL + time.Second)
	_, err = f.gk.ValidateToken(ctx, clinician("h1"), dec.CommitToken)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestValidateTamperedToken(t *testing.T) {
	f := newFixture(t, "h1")
	ctx := context.Background()
	dec, err := f.gk.VerifyAndAuthorize(ctx, clinician("h1"), f.issue(t, "h1"))
	require.NoError(t, err)

	parts := strings.Split(dec.CommitToken, ".")
	require.Len(t, parts, 3)
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	_, err = f.gk.ValidateToken(ctx, clinician("h1"), tampered)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidateRejectsGarbage(t *testing.T) {
	f := newFixture(t, "h1")
	ctx := context.Background()

	for _, token := range []string{"", "   ", "not-a-jwt", "a.b.c"} {
		_, err := f.gk.ValidateToken(ctx, clinician("h1"), token)
		assert.ErrorIs(t, err, ErrInvalidToken, "token %q", token)
	}
}

func TestValidateCrossTenant(t *testing.T) {
	f := newFixture(t, "h1", "h2")
	ctx := context.Background()
	dec, err := f.gk.VerifyAndAuthorize(ctx, clinician("h1"), f.issue(t, "h1"))
	require.NoError(t, err)

	_, err = f.gk.ValidateToken(ctx, clinician("h2"), dec.CommitToken)
	assert.ErrorIs(t, err, ErrTenantMismatch)

	// The mismatch must not burn the jti for the real tenant.
	info, err := f.gk.ValidateToken(ctx, clinician("h1"), dec.CommitToken)
	require.NoError(t, err)
	assert.Equal(t, "h1", info.TenantID)
}

func TestAuthorizeChecksIdentityTenant(t *testing.T) {
	f := newFixture(t, "h1", "h2")
	cert := f.issue(t, "h1")

	_, err := f.gk.VerifyAndAuthorize(context.Background(), clinician("h2"), cert)
	assert.ErrorIs(t, err, ErrTenantMismatch)
}

func TestAuthorizeRefusesTamperedCertificate(t *testing.T) {
	f := newFixture(t, "h1")
	ctx := context.Background()
	cert := f.issue(t, "h1")
	cert.NoteHash = strings.Repeat("0", 64)

	dec, err := f.gk.VerifyAndAuthorize(ctx, clinician("h1"), cert)
	require.NoError(t, err)
	assert.False(t, dec.Authorized)
	assert.Empty(t, dec.CommitToken)
	assert.NotEmpty(t, dec.Report.Failures)

	// A refusal mints nothing and records nothing.
	assert.Equal(t, []string{ledger.ActionCertificateIssued}, actions(t, f.store, "h1"))
}

func TestValidateRejectsMissingJTI(t *testing.T) {
	f := newFixture(t, "h1")
	ctx := context.Background()

	now := f.clock.now()
	secret, err := f.gk.secretFor("h1")
	require.NoError(t, err)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "dr-jones",
			Issuer:    tokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
		CertificateID: "0190a5e2-7c1b-7f00-8000-000000000001",
		TenantID:      "h1",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)

	_, err = f.gk.ValidateToken(ctx, clinician("h1"), token)
	assert.ErrorIs(t, err, ErrNonceMissing)
}

func TestValidateRejectsForeignIssuer(t *testing.T) {
	f := newFixture(t, "h1")
	ctx := context.Background()

	now := f.clock.now()
	secret, err := f.gk.secretFor("h1")
	require.NoError(t, err)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "11111111-1111-4111-8111-111111111111",
			Issuer:    "someone-else",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		},
		CertificateID: "0190a5e2-7c1b-7f00-8000-000000000001",
		TenantID:      "h1",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)

	_, err = f.gk.ValidateToken(ctx, clinician("h1"), token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTenantSecretsDiffer(t *testing.T) {
	f := newFixture(t, "h1")
	a, err := f.gk.secretFor("h1")
	require.NoError(t, err)
	b, err := f.gk.secretFor("h2")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	again, err := f.gk.secretFor("h1")
	require.NoError(t, err)
	assert.Equal(t, a, again, "derivation is deterministic")
}

func TestNewRejectsShortSecret(t *testing.T) {
	_, err := New([]byte("short"), nil, nil, nil)
	assert.ErrorIs(t, err, ErrMasterSecretSize)
}

func TestIdentityRequired(t *testing.T) {
	f := newFixture(t, "h1")
	ctx := context.Background()
	cert := f.issue(t, "h1")

	_, err := f.gk.VerifyAndAuthorize(ctx, auth.Identity{Subject: "dr-jones"}, cert)
	assert.ErrorIs(t, err, auth.ErrTenantRequired)

	_, err = f.gk.ValidateToken(ctx, auth.Identity{Subject: "dr-jones"}, "x.y.z")
	assert.ErrorIs(t, err, auth.ErrTenantRequired)
}
