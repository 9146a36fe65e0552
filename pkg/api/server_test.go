package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attestra/cdil/pkg/api"
	"github.com/attestra/cdil/pkg/auth"
	"github.com/attestra/cdil/pkg/bundle"
	"github.com/attestra/cdil/pkg/gatekeeper"
	"github.com/attestra/cdil/pkg/issuer"
	"github.com/attestra/cdil/pkg/keyring"
	"github.com/attestra/cdil/pkg/ledger"
	"github.com/attestra/cdil/pkg/nonce"
	"github.com/attestra/cdil/pkg/phi"
	"github.com/attestra/cdil/pkg/store"
	"github.com/attestra/cdil/pkg/verifier"
)

type harnessClock struct{ t time.Time }

func (c *harnessClock) now() time.Time { return c.t }

type harness struct {
	ts    *httptest.Server
	authn *api.Authenticator
	store *store.MemoryStore
	clock *harnessClock
}

func newHarness(t *testing.T, tenants ...string) *harness {
	t.Helper()
	st := store.NewMemory()
	sealer, err := keyring.NewAESSealer(bytes.Repeat([]byte{13}, 32))
	require.NoError(t, err)
	keys := keyring.NewRegistry(st, sealer)
	for _, tenant := range tenants {
		require.NoError(t, st.CreateTenant(context.Background(), store.Tenant{
			TenantID:  tenant,
			Status:    store.TenantStatusActive,
			CreatedAt: "2026-08-25T09:00:00.000000Z",
		}))
	}

	ck := &harnessClock{t: time.Date(2026, 8, 25, 15, 0, 0, 0, time.UTC)}
	ver := verifier.New(keys, verifier.WithClock(ck.now))
	lw := ledger.NewWriter(st)
	gk, err := gatekeeper.New(bytes.Repeat([]byte{17}, 32), ver, nonce.NewMemory(), lw, gatekeeper.WithClock(ck.now))
	require.NoError(t, err)
	authn := api.NewAuthenticator([]byte(strings.Repeat("t", 32)))

	srv := api.NewServer(api.Deps{
		Store:      st,
		Issuer:     issuer.New(st, keys, phi.NewGuard(), nil).WithClock(ck.now),
		Verifier:   ver,
		Keys:       keys,
		Gatekeeper: gk,
		Bundles:    bundle.NewPackager(st, keys, ver, lw),
		Auth:       authn,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &harness{ts: ts, authn: authn, store: st, clock: ck}
}

func (h *harness) token(t *testing.T, tenant, role string) string {
	t.Helper()
	token, err := h.authn.MintToken(auth.Identity{Subject: "user-" + role, TenantID: tenant, Role: role}, time.Hour)
	require.NoError(t, err)
	return token
}

// do sends one request and returns status, body, and headers.
func (h *harness) do(t *testing.T, method, path, token string, body any) (int, []byte, http.Header) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.ts.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data, resp.Header
}

const noteText = "Post-operative recovery proceeding as expected."

func issueBody() map[string]any {
	return map[string]any{
		"note_text":                 noteText,
		"model_name":                "gpt-4o",
		"model_version":             "2026-07-01",
		"prompt_version":            "discharge-v3",
		"governance_policy_version": "gov-12",
		"human_reviewed":            true,
	}
}

// issue posts a valid request and returns the certificate id.
func (h *harness) issue(t *testing.T, tenant string) string {
	t.Helper()
	status, body, _ := h.do(t, "POST", "/v1/clinical/documentation", h.token(t, tenant, auth.RoleClinician), issueBody())
	require.Equal(t, http.StatusCreated, status, "issue response: %s", body)
	var res struct {
		Certificate struct {
			CertificateID string `json:"certificate_id"`
		} `json:"certificate"`
	}
	require.NoError(t, json.Unmarshal(body, &res))
	return res.Certificate.CertificateID
}

func TestIssueEndpoint(t *testing.T) {
	h := newHarness(t, "h1")

	status, body, headers := h.do(t, "POST", "/v1/clinical/documentation", h.token(t, "h1", auth.RoleClinician), issueBody())
	require.Equal(t, http.StatusCreated, status, "body: %s", body)

	var res struct {
		Certificate struct {
			CertificateID string `json:"certificate_id"`
			TenantID      string `json:"tenant_id"`
			NoteHash      string `json:"note_hash"`
		} `json:"certificate"`
		SignatureB64 string `json:"signature_b64"`
		KeyID        string `json:"key_id"`
		Algorithm    string `json:"algorithm"`
	}
	require.NoError(t, json.Unmarshal(body, &res))
	assert.Equal(t, "h1", res.Certificate.TenantID)
	assert.Len(t, res.Certificate.NoteHash, 64)
	assert.NotEmpty(t, res.SignatureB64)
	assert.Equal(t, "ECDSA_SHA_256", res.Algorithm)
	assert.Equal(t, "/v1/certificates/"+res.Certificate.CertificateID, headers.Get("Location"))
	assert.NotContains(t, string(body), noteText, "note body must never be echoed")
}

func TestIssueSchemaRejection(t *testing.T) {
	h := newHarness(t, "h1")
	body := issueBody()
	delete(body, "model_name")

	status, data, _ := h.do(t, "POST", "/v1/clinical/documentation", h.token(t, "h1", auth.RoleClinician), body)
	assert.Equal(t, http.StatusBadRequest, status)

	var problem api.ProblemDetail
	require.NoError(t, json.Unmarshal(data, &problem))
	assert.Equal(t, api.CodeValidation, problem.Code)
}

func TestIssuePHIRejection(t *testing.T) {
	h := newHarness(t, "h1")
	body := issueBody()
	body["note_text"] = "Patient SSN 123-45-6789 recorded at intake."

	status, data, _ := h.do(t, "POST", "/v1/clinical/documentation", h.token(t, "h1", auth.RoleClinician), body)
	assert.Equal(t, http.StatusUnprocessableEntity, status)

	var problem api.ProblemDetail
	require.NoError(t, json.Unmarshal(data, &problem))
	assert.Equal(t, api.CodePHIDetected, problem.Code)
	assert.Contains(t, problem.Detail, "ssn")
	assert.NotContains(t, string(data), "123-45-6789", "matched text must never surface")
}

func TestIssueNonceReplay(t *testing.T) {
	h := newHarness(t, "h1")
	body := issueBody()
	body["nonce"] = "replayed-nonce-001"
	token := h.token(t, "h1", auth.RoleClinician)

	status, _, _ := h.do(t, "POST", "/v1/clinical/documentation", token, body)
	require.Equal(t, http.StatusCreated, status)

	status, data, _ := h.do(t, "POST", "/v1/clinical/documentation", token, body)
	assert.Equal(t, http.StatusConflict, status)
	var problem api.ProblemDetail
	require.NoError(t, json.Unmarshal(data, &problem))
	assert.Equal(t, api.CodeNonceAlreadyUsed, problem.Code)
}

func TestIssueRoleEnforcement(t *testing.T) {
	h := newHarness(t, "h1")

	status, _, _ := h.do(t, "POST", "/v1/clinical/documentation", h.token(t, "h1", auth.RoleAuditor), issueBody())
	assert.Equal(t, http.StatusForbidden, status, "auditors do not issue")

	status, _, _ = h.do(t, "POST", "/v1/clinical/documentation", h.token(t, "h1", auth.RoleAdmin), issueBody())
	assert.Equal(t, http.StatusCreated, status, "admin implies every role")
}

func TestIssueUnknownTenant(t *testing.T) {
	h := newHarness(t, "h1")

	status, data, _ := h.do(t, "POST", "/v1/clinical/documentation", h.token(t, "ghost", auth.RoleClinician), issueBody())
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	var problem api.ProblemDetail
	require.NoError(t, json.Unmarshal(data, &problem))
	assert.Equal(t, api.CodeInvalidTenant, problem.Code)
}

func TestGetCertificate(t *testing.T) {
	h := newHarness(t, "h1", "h2")
	certID := h.issue(t, "h1")

	status, body, headers := h.do(t, "GET", "/v1/certificates/"+certID, h.token(t, "h1", auth.RoleClinician), nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "application/json", headers.Get("Content-Type"))

	rec, err := h.store.Certificate(context.Background(), "h1", certID)
	require.NoError(t, err)
	assert.Equal(t, rec.CertificateJSON, string(body), "stored document is served verbatim")

	// Same id through another tenant's identity is absence.
	status, data, _ := h.do(t, "GET", "/v1/certificates/"+certID, h.token(t, "h2", auth.RoleClinician), nil)
	assert.Equal(t, http.StatusNotFound, status)
	var problem api.ProblemDetail
	require.NoError(t, json.Unmarshal(data, &problem))
	assert.Equal(t, api.CodeCertificateNotFound, problem.Code)

	// No credentials at all.
	status, _, _ = h.do(t, "GET", "/v1/certificates/"+certID, "", nil)
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestVerifyEndpoint(t *testing.T) {
	h := newHarness(t, "h1", "h2")
	certID := h.issue(t, "h1")

	status, body, _ := h.do(t, "POST", "/v1/certificates/"+certID+"/verify", h.token(t, "h1", auth.RoleAuditor), nil)
	require.Equal(t, http.StatusOK, status)

	var rep verifier.Report
	require.NoError(t, json.Unmarshal(body, &rep))
	assert.True(t, rep.Valid)
	assert.Equal(t, certID, rep.CertificateID)
	assert.Empty(t, rep.Failures)

	status, _, _ = h.do(t, "POST", "/v1/certificates/"+certID+"/verify", h.token(t, "h2", auth.RoleAuditor), nil)
	assert.Equal(t, http.StatusNotFound, status, "cross-tenant verify hides existence")
}

func TestBundleEndpoints(t *testing.T) {
	h := newHarness(t, "h1")
	certID := h.issue(t, "h1")
	auditor := h.token(t, "h1", auth.RoleAuditor)

	status, body, headers := h.do(t, "GET", "/v1/certificates/"+certID+"/evidence-bundle.json", auditor, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	manifest, err := bundle.ParseJSON(body)
	require.NoError(t, err)
	assert.Equal(t, bundle.FormatVersion, manifest.FormatVersion)

	status, body, headers = h.do(t, "GET", "/v1/certificates/"+certID+"/evidence-bundle.zip", auditor, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "application/zip", headers.Get("Content-Type"))
	assert.Contains(t, headers.Get("Content-Disposition"), certID)
	_, err = bundle.ParseZip(body)
	require.NoError(t, err)

	status, _, _ = h.do(t, "GET", "/v1/certificates/"+certID+"/evidence-bundle.zip", h.token(t, "h1", auth.RoleClinician), nil)
	assert.Equal(t, http.StatusForbidden, status, "bundle export is auditor-only")
}

func TestGatekeeperFlow(t *testing.T) {
	h := newHarness(t, "h1")
	certID := h.issue(t, "h1")
	service := h.token(t, "h1", auth.RoleService)

	status, body, _ := h.do(t, "POST", "/v1/gatekeeper/verify-and-authorize", service,
		map[string]string{"certificate_id": certID})
	require.Equal(t, http.StatusOK, status)

	var decision gatekeeper.Decision
	require.NoError(t, json.Unmarshal(body, &decision))
	require.True(t, decision.Authorized)
	require.NotEmpty(t, decision.CommitToken)
	assert.True(t, decision.Report.Valid)

	status, body, _ = h.do(t, "POST", "/v1/gatekeeper/validate-token", service,
		map[string]string{"commit_token": decision.CommitToken})
	require.Equal(t, http.StatusOK, status)
	var validated struct {
		Valid         bool   `json:"valid"`
		CertificateID string `json:"certificate_id"`
		TenantID      string `json:"tenant_id"`
	}
	require.NoError(t, json.Unmarshal(body, &validated))
	assert.True(t, validated.Valid)
	assert.Equal(t, certID, validated.CertificateID)
	assert.Equal(t, "h1", validated.TenantID)

	// A commit token burns on first use.
	status, body, _ = h.do(t, "POST", "/v1/gatekeeper/validate-token", service,
		map[string]string{"commit_token": decision.CommitToken})
	assert.Equal(t, http.StatusConflict, status)
	var problem api.ProblemDetail
	require.NoError(t, json.Unmarshal(body, &problem))
	assert.Equal(t, api.CodeNonceAlreadyUsed, problem.Code)
}

func TestGatekeeperTokenExpiry(t *testing.T) {
	h := newHarness(t, "h1")
	certID := h.issue(t, "h1")
	service := h.token(t, "h1", auth.RoleService)

	status, body, _ := h.do(t, "POST", "/v1/gatekeeper/verify-and-authorize", service,
		map[string]string{"certificate_id": certID})
	require.Equal(t, http.StatusOK, status)
	var decision gatekeeper.Decision
	require.NoError(t, json.Unmarshal(body, &decision))
	require.True(t, decision.Authorized)

	h.clock.t = h.clock.t.Add(gatekeeper.DefaultTTL + time.Second)

	status, body, _ = h.do(t, "POST", "/v1/gatekeeper/validate-token", service,
		map[string]string{"commit_token": decision.CommitToken})
	assert.Equal(t, http.StatusBadRequest, status)
	var problem api.ProblemDetail
	require.NoError(t, json.Unmarshal(body, &problem))
	assert.Equal(t, api.CodeTokenExpired, problem.Code)
}

func TestGatekeeperMalformedToken(t *testing.T) {
	h := newHarness(t, "h1")
	service := h.token(t, "h1", auth.RoleService)

	status, body, _ := h.do(t, "POST", "/v1/gatekeeper/validate-token", service,
		map[string]string{"commit_token": "not-a-jwt"})
	assert.Equal(t, http.StatusBadRequest, status)
	var problem api.ProblemDetail
	require.NoError(t, json.Unmarshal(body, &problem))
	assert.Equal(t, api.CodeInvalidToken, problem.Code)
}

func TestGatekeeperRoleEnforcement(t *testing.T) {
	h := newHarness(t, "h1")
	certID := h.issue(t, "h1")

	status, _, _ := h.do(t, "POST", "/v1/gatekeeper/verify-and-authorize",
		h.token(t, "h1", auth.RoleClinician), map[string]string{"certificate_id": certID})
	assert.Equal(t, http.StatusForbidden, status)
}

func TestKeyEndpoint(t *testing.T) {
	h := newHarness(t, "h1", "h2")
	certID := h.issue(t, "h1")

	rec, err := h.store.Certificate(context.Background(), "h1", certID)
	require.NoError(t, err)
	var doc struct {
		Signature struct {
			KeyID string `json:"key_id"`
		} `json:"signature"`
	}
	require.NoError(t, json.Unmarshal([]byte(rec.CertificateJSON), &doc))

	status, body, _ := h.do(t, "GET", "/v1/keys/"+doc.Signature.KeyID, h.token(t, "h1", auth.RoleAuditor), nil)
	require.Equal(t, http.StatusOK, status)
	var jwk keyring.JWK
	require.NoError(t, json.Unmarshal(body, &jwk))
	assert.Equal(t, "EC", jwk.Kty)
	assert.Equal(t, "P-256", jwk.Crv)
	assert.Equal(t, doc.Signature.KeyID, jwk.Kid)

	status, data, _ := h.do(t, "GET", "/v1/keys/"+doc.Signature.KeyID, h.token(t, "h2", auth.RoleAuditor), nil)
	assert.Equal(t, http.StatusNotFound, status, "keys are tenant-scoped")
	var problem api.ProblemDetail
	require.NoError(t, json.Unmarshal(data, &problem))
	assert.Equal(t, api.CodeKeyNotFound, problem.Code)
}

func TestHealthRequiresNoAuth(t *testing.T) {
	h := newHarness(t)

	status, body, _ := h.do(t, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), "ok")
}

// TestNoteTextNeverSurfaces drives every read surface after issuance and
// asserts the note body appears nowhere.
func TestNoteTextNeverSurfaces(t *testing.T) {
	h := newHarness(t, "h1")
	certID := h.issue(t, "h1")

	paths := []struct {
		method, path, role string
	}{
		{"GET", "/v1/certificates/" + certID, auth.RoleClinician},
		{"POST", "/v1/certificates/" + certID + "/verify", auth.RoleAuditor},
		{"GET", "/v1/certificates/" + certID + "/evidence-bundle.json", auth.RoleAuditor},
		{"GET", "/v1/certificates/" + certID + "/evidence-bundle.zip", auth.RoleAuditor},
	}
	for _, p := range paths {
		status, body, _ := h.do(t, p.method, p.path, h.token(t, "h1", p.role), nil)
		require.Equal(t, http.StatusOK, status, "%s %s", p.method, p.path)
		assert.NotContains(t, string(body), noteText, "%s leaked note text", p.path)
	}
}
