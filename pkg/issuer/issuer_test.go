package issuer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attestra/cdil/pkg/auth"
	"github.com/attestra/cdil/pkg/c14n"
	"github.com/attestra/cdil/pkg/certificate"
	"github.com/attestra/cdil/pkg/keyring"
	"github.com/attestra/cdil/pkg/phi"
	"github.com/attestra/cdil/pkg/store"
)

func testIssuer(t *testing.T) (*Issuer, *keyring.Registry, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemory()
	sealer, err := keyring.NewAESSealer(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)
	keys := keyring.NewRegistry(st, sealer)
	iss := New(st, keys, phi.NewGuard(), nil).
		WithClock(func() time.Time { return time.Date(2026, 8, 25, 10, 0, 0, 123000, time.UTC) })
	return iss, keys, st
}

func createTenant(t *testing.T, st store.Store, tenantID string) {
	t.Helper()
	require.NoError(t, st.CreateTenant(context.Background(), store.Tenant{
		TenantID:  tenantID,
		Status:    store.TenantStatusActive,
		CreatedAt: "2026-08-25T09:00:00.000000Z",
	}))
}

func clinician(tenant string) auth.Identity {
	return auth.Identity{Subject: "dr-jones", TenantID: tenant, Role: auth.RoleClinician}
}

func minimalRequest() Request {
	return Request{
		NoteText:                "Patient report",
		ModelName:               "gpt-4",
		ModelVersion:            "v1",
		PromptVersion:           "p1",
		GovernancePolicyVersion: "g1",
		HumanReviewed:           true,
	}
}

func TestIssueFirstCertificate(t *testing.T) {
	iss, keys, st := testIssuer(t)
	ctx := context.Background()
	createTenant(t, st, "h1")

	res, err := iss.Issue(ctx, clinician("h1"), minimalRequest())
	require.NoError(t, err)
	cert := res.Certificate

	assert.Nil(t, cert.IntegrityChain.PreviousHash)
	assert.True(t, strings.HasPrefix(cert.IntegrityChain.ChainHash, "sha256:"))
	assert.Equal(t, c14n.HashBytes([]byte("Patient report")), cert.NoteHash)
	assert.Equal(t, "h1", cert.TenantID)
	assert.Equal(t, "2026-08-25T10:00:00Z", cert.Timestamp)
	assert.Equal(t, certificate.AlgorithmECDSASHA256, res.Algorithm)
	assert.NotEmpty(t, res.KeyID)
	assert.Equal(t, res.KeyID, cert.Signature.KeyID)

	// The signature verifies against the canonical message.
	key, err := keys.KeyByID(ctx, "h1", res.KeyID)
	require.NoError(t, err)
	assert.True(t, key.Verify(res.CanonicalMessage, res.SignatureB64))

	// The signed payload is the closed set with issuance-time values.
	var msg map[string]any
	require.NoError(t, json.Unmarshal(res.CanonicalMessage, &msg))
	require.Len(t, msg, 16)
	assert.Equal(t, cert.CertificateID, msg["certificate_id"])
	assert.Equal(t, res.KeyID, msg["key_id"])
	assert.Equal(t, "2026-08-25T10:00:00Z", msg["issued_at_utc"])
	assert.Equal(t, "2026-08-25T10:00:00.000123Z", msg["server_timestamp"])
	assert.NotEmpty(t, msg["nonce"])

	// Issuance appended exactly one genesis audit event.
	var events []store.AuditEvent
	require.NoError(t, st.AuditEvents(ctx, "h1", func(ev store.AuditEvent) error {
		events = append(events, ev)
		return nil
	}))
	require.Len(t, events, 1)
	assert.Equal(t, "certificate_issued", events[0].Action)
	assert.Equal(t, cert.CertificateID, events[0].ObjectID)
	assert.Equal(t, "dr-jones", events[0].ActorID)
	assert.Contains(t, events[0].EventPayloadJSON, cert.CertificateID)
}

func TestIssueChainsToPrevious(t *testing.T) {
	iss, _, st := testIssuer(t)
	ctx := context.Background()
	createTenant(t, st, "h1")
	createTenant(t, st, "h2")

	a, err := iss.Issue(ctx, clinician("h1"), minimalRequest())
	require.NoError(t, err)
	b, err := iss.Issue(ctx, clinician("h1"), minimalRequest())
	require.NoError(t, err)

	require.NotNil(t, b.Certificate.IntegrityChain.PreviousHash)
	assert.Equal(t, a.Certificate.IntegrityChain.ChainHash, *b.Certificate.IntegrityChain.PreviousHash)

	// Another tenant's genesis is unaffected.
	c, err := iss.Issue(ctx, clinician("h2"), minimalRequest())
	require.NoError(t, err)
	assert.Nil(t, c.Certificate.IntegrityChain.PreviousHash)
}

func TestIssueReplayedNonceRollsBack(t *testing.T) {
	iss, _, st := testIssuer(t)
	ctx := context.Background()
	createTenant(t, st, "h1")

	req := minimalRequest()
	req.Nonce = "nonce-0001"
	_, err := iss.Issue(ctx, clinician("h1"), req)
	require.NoError(t, err)

	_, err = iss.Issue(ctx, clinician("h1"), req)
	require.ErrorIs(t, err, store.ErrNonceUsed)

	// The failed issuance left nothing behind.
	var count int
	require.NoError(t, st.AuditEvents(ctx, "h1", func(store.AuditEvent) error {
		count++
		return nil
	}))
	assert.Equal(t, 1, count, "rolled-back issuance must not append audit events")
}

func TestIssueRejectsPHIPatterns(t *testing.T) {
	iss, _, st := testIssuer(t)
	ctx := context.Background()
	createTenant(t, st, "h1")

	req := minimalRequest()
	req.NoteText = "Patient SSN 123-45-6789 follow-up"
	_, err := iss.Issue(ctx, clinician("h1"), req)
	var v *phi.Violation
	require.ErrorAs(t, err, &v)
	assert.Contains(t, v.Categories, phi.CategorySSN)
	// The violation names categories, never the matched text.
	assert.NotContains(t, err.Error(), "123-45-6789")

	var count int
	require.NoError(t, st.AuditEvents(ctx, "h1", func(store.AuditEvent) error {
		count++
		return nil
	}))
	assert.Zero(t, count)
}

func TestIssueTenantComesFromIdentityOnly(t *testing.T) {
	iss, _, st := testIssuer(t)
	ctx := context.Background()
	createTenant(t, st, "h1")

	req := minimalRequest()
	req.TenantID = "h-evil"
	res, err := iss.Issue(ctx, clinician("h1"), req)
	require.NoError(t, err)
	assert.Equal(t, "h1", res.Certificate.TenantID)
}

func TestIssueUnknownTenant(t *testing.T) {
	iss, _, _ := testIssuer(t)
	_, err := iss.Issue(context.Background(), clinician("ghost"), minimalRequest())
	assert.ErrorIs(t, err, ErrUnknownTenant)
}

func TestIssueIdentityWithoutTenant(t *testing.T) {
	iss, _, _ := testIssuer(t)
	_, err := iss.Issue(context.Background(), auth.Identity{Subject: "dr-jones", Role: auth.RoleClinician}, minimalRequest())
	assert.ErrorIs(t, err, auth.ErrTenantRequired)
}

func TestIssueNoteBodyNeverEchoed(t *testing.T) {
	iss, _, st := testIssuer(t)
	ctx := context.Background()
	createTenant(t, st, "h1")

	const body = "Extremely sensitive narrative zq1x7"
	req := minimalRequest()
	req.NoteText = body
	res, err := iss.Issue(ctx, clinician("h1"), req)
	require.NoError(t, err)

	out, err := json.Marshal(res)
	require.NoError(t, err)
	assert.NotContains(t, string(out), body)

	rec, err := st.Certificate(ctx, "h1", res.Certificate.CertificateID)
	require.NoError(t, err)
	assert.NotContains(t, rec.CertificateJSON, body)
}

func TestIssueOptionalFieldsFlowIntoRecord(t *testing.T) {
	iss, _, st := testIssuer(t)
	ctx := context.Background()
	createTenant(t, st, "h1")

	req := minimalRequest()
	req.PatientID = "patient-77"
	req.ReviewerID = "reviewer-9"
	req.HumanAttestedAt = "2026-08-25T09:59:58Z"
	req.FinalizedAt = "2026-08-25T09:59:59Z"
	req.EHRReferencedAt = "2026-08-25T10:00:01Z"
	req.EHRCommitID = "ehr-42"
	req.GovernancePolicyHash = strings.Repeat("ef", 32)

	res, err := iss.Issue(ctx, clinician("h1"), req)
	require.NoError(t, err)
	cert := res.Certificate
	assert.Equal(t, c14n.HashBytes([]byte("patient-77")), cert.PatientHash)
	assert.Equal(t, c14n.HashBytes([]byte("reviewer-9")), cert.ReviewerHash)
	assert.Equal(t, strings.Repeat("ef", 32), cert.PolicyHash)
	assert.Equal(t, "ehr-42", cert.EHRCommitID)

	// patient identifiers appear only as hashes.
	out, _ := json.Marshal(res)
	assert.NotContains(t, string(out), "patient-77")

	var msg map[string]any
	require.NoError(t, json.Unmarshal(res.CanonicalMessage, &msg))
	assert.Equal(t, strings.Repeat("ef", 32), msg["governance_policy_hash"])
	assert.Equal(t, "2026-08-25T09:59:58Z", msg["human_attested_at_utc"])
	// Storage-only fields stay out of the signed payload.
	assert.NotContains(t, msg, "finalized_at")
	assert.NotContains(t, msg, "patient_hash")
}

func TestIssueConcurrentSameTenantSerializes(t *testing.T) {
	iss, _, st := testIssuer(t)
	ctx := context.Background()
	createTenant(t, st, "h1")

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = iss.Issue(ctx, clinician("h1"), minimalRequest())
		}(i)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	a, b := results[0].Certificate, results[1].Certificate
	if a.IntegrityChain.PreviousHash != nil {
		a, b = b, a
	}
	require.Nil(t, a.IntegrityChain.PreviousHash, "exactly one certificate is the genesis")
	require.NotNil(t, b.IntegrityChain.PreviousHash)
	assert.Equal(t, a.IntegrityChain.ChainHash, *b.IntegrityChain.PreviousHash,
		"the second issuance must observe the first's chain hash")
}

func TestParseRequest(t *testing.T) {
	valid := `{"note_text":"n","model_name":"m","model_version":"1","prompt_version":"p","governance_policy_version":"g","human_reviewed":false}`
	req, err := ParseRequest([]byte(valid))
	require.NoError(t, err)
	assert.Equal(t, "n", req.NoteText)

	cases := map[string]string{
		"missing note_text":  `{"model_name":"m","model_version":"1","prompt_version":"p","governance_policy_version":"g","human_reviewed":false}`,
		"wrong reviewed":     `{"note_text":"n","model_name":"m","model_version":"1","prompt_version":"p","governance_policy_version":"g","human_reviewed":"yes"}`,
		"bad policy hash":    `{"note_text":"n","model_name":"m","model_version":"1","prompt_version":"p","governance_policy_version":"g","human_reviewed":false,"governance_policy_hash":"XYZ"}`,
		"bad timestamp":      `{"note_text":"n","model_name":"m","model_version":"1","prompt_version":"p","governance_policy_version":"g","human_reviewed":false,"finalized_at":"yesterday"}`,
		"unknown field":      `{"note_text":"n","model_name":"m","model_version":"1","prompt_version":"p","governance_policy_version":"g","human_reviewed":false,"surprise":1}`,
		"malformed json":     `{"note_text":`,
		"empty note":         `{"note_text":"","model_name":"m","model_version":"1","prompt_version":"p","governance_policy_version":"g","human_reviewed":false}`,
		"short client nonce": `{"note_text":"n","model_name":"m","model_version":"1","prompt_version":"p","governance_policy_version":"g","human_reviewed":false,"nonce":"abc"}`,
	}
	for name, body := range cases {
		_, err := ParseRequest([]byte(body))
		assert.ErrorIs(t, err, ErrValidation, name)
	}
}

func TestParseRequestErrorsCarryNoValues(t *testing.T) {
	body := `{"note_text":"SECRET-BODY-TEXT","model_name":"m","model_version":"1","prompt_version":"p","governance_policy_version":"g","human_reviewed":false,"finalized_at":"SECRET-STAMP"}`
	_, err := ParseRequest([]byte(body))
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "SECRET-BODY-TEXT")
	assert.NotContains(t, err.Error(), "SECRET-STAMP")
}

func TestIssueErrorsAreWrapped(t *testing.T) {
	iss, _, st := testIssuer(t)
	ctx := context.Background()
	createTenant(t, st, "h1")

	req := minimalRequest()
	req.Nonce = "nonce-0001"
	_, err := iss.Issue(ctx, clinician("h1"), req)
	require.NoError(t, err)
	_, err = iss.Issue(ctx, clinician("h1"), req)
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrNonceUsed))
}
