package certificate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attestra/cdil/pkg/c14n"
)

func sampleChainInput() ChainInput {
	return ChainInput{
		PreviousHash:            "",
		CertificateID:           "0190a5e2-7c1b-7f00-8000-000000000001",
		TenantID:                "clinic-a",
		Timestamp:               "2026-08-25T10:00:00Z",
		NoteHash:                strings.Repeat("ab", 32),
		ModelVersion:            "4.1.0",
		GovernancePolicyVersion: "2026.08",
	}
}

func sampleMessage() CanonicalMessage {
	return CanonicalMessage{
		CertificateID:           "cert-1",
		ChainHash:               "sha256:" + strings.Repeat("11", 32),
		GovernancePolicyVersion: "2026.08",
		HumanReviewed:           true,
		IssuedAt:                "2026-08-25T10:00:00Z",
		KeyID:                   "key-1",
		ModelName:               "scribe",
		ModelVersion:            "4.1.0",
		Nonce:                   "f6b0194b-6e54-4b0a-9d6e-0a54a8a2a001",
		NoteHash:                strings.Repeat("ab", 32),
		PromptVersion:           "p-7",
		ServerTimestamp:         "2026-08-25T10:00:00.000123Z",
		TenantID:                "clinic-a",
	}
}

func TestChainHashGenesisUsesNullPrevious(t *testing.T) {
	in := sampleChainInput()
	got, err := ChainHash(in)
	require.NoError(t, err)

	payload, err := c14n.Encode(map[string]any{
		"previous_hash":             nil,
		"certificate_id":            in.CertificateID,
		"tenant_id":                 in.TenantID,
		"timestamp":                 in.Timestamp,
		"note_hash":                 in.NoteHash,
		"model_version":             in.ModelVersion,
		"governance_policy_version": in.GovernancePolicyVersion,
	})
	require.NoError(t, err)
	sum := sha256.Sum256(payload)
	assert.Equal(t, "sha256:"+hex.EncodeToString(sum[:]), got)
}

func TestChainHashLinksToPrevious(t *testing.T) {
	in := sampleChainInput()
	genesis, err := ChainHash(in)
	require.NoError(t, err)

	in.PreviousHash = genesis
	in.CertificateID = "0190a5e2-7c1b-7f00-8000-000000000002"
	linked, err := ChainHash(in)
	require.NoError(t, err)

	assert.NotEqual(t, genesis, linked)
	assert.True(t, strings.HasPrefix(linked, "sha256:"))

	// Same inputs reproduce the same hash.
	again, err := ChainHash(in)
	require.NoError(t, err)
	assert.Equal(t, linked, again)
}

func TestChainHashSensitiveToEveryField(t *testing.T) {
	base := sampleChainInput()
	baseline, err := ChainHash(base)
	require.NoError(t, err)

	mutations := []func(*ChainInput){
		func(in *ChainInput) { in.PreviousHash = "sha256:" + strings.Repeat("00", 32) },
		func(in *ChainInput) { in.CertificateID = "other" },
		func(in *ChainInput) { in.TenantID = "clinic-b" },
		func(in *ChainInput) { in.Timestamp = "2026-08-25T10:00:01Z" },
		func(in *ChainInput) { in.NoteHash = strings.Repeat("cd", 32) },
		func(in *ChainInput) { in.ModelVersion = "4.2.0" },
		func(in *ChainInput) { in.GovernancePolicyVersion = "2026.09" },
	}
	for i, mutate := range mutations {
		in := base
		mutate(&in)
		got, err := ChainHash(in)
		require.NoError(t, err)
		assert.NotEqual(t, baseline, got, "mutation %d did not change the chain hash", i)
	}
}

func TestCanonicalMessageEncodeEmitsClosedSet(t *testing.T) {
	b, err := sampleMessage().Encode()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	require.Len(t, decoded, 16)
	for _, k := range SignedFields() {
		_, ok := decoded[k]
		assert.True(t, ok, "missing signed field %q", k)
	}
	// Absent optionals are explicit nulls, not omitted keys.
	assert.Contains(t, decoded, "governance_policy_hash")
	assert.Nil(t, decoded["governance_policy_hash"])
	assert.Nil(t, decoded["human_attested_at_utc"])
	assert.Nil(t, decoded["human_reviewer_id_hash"])
	// Storage-only fields never enter the signed payload.
	assert.NotContains(t, decoded, "patient_hash")
	assert.NotContains(t, decoded, "finalized_at")
	assert.NotContains(t, decoded, "ehr_commit_id")
	assert.Equal(t, true, decoded["human_reviewed"])
}

func TestCanonicalMessageKeyOrder(t *testing.T) {
	b, err := sampleMessage().Encode()
	require.NoError(t, err)
	s := string(b)

	var prev int = -1
	for _, k := range SignedFields() {
		idx := strings.Index(s, `"`+k+`"`)
		require.GreaterOrEqual(t, idx, 0, "field %q not in encoding", k)
		assert.Greater(t, idx, prev, "field %q out of order", k)
		prev = idx
	}
	// nonce is an issuance value, note_hash a content hash; their byte
	// order in the payload is fixed by the encoder, not insertion order.
	assert.Less(t, strings.Index(s, `"nonce"`), strings.Index(s, `"note_hash"`))
}

func TestCanonicalMessageRoundTrip(t *testing.T) {
	attested := "2026-08-25T09:59:58Z"
	reviewer := strings.Repeat("cd", 32)
	policy := strings.Repeat("ef", 32)
	m := sampleMessage()
	m.HumanAttestedAt = &attested
	m.ReviewerHash = &reviewer
	m.GovernancePolicyHash = &policy

	b, err := m.Encode()
	require.NoError(t, err)

	var v map[string]any
	require.NoError(t, json.Unmarshal(b, &v))
	back, err := MessageFromValue(v)
	require.NoError(t, err)
	assert.Equal(t, m, back)

	b2, err := back.Encode()
	require.NoError(t, err)
	assert.Equal(t, b, b2)
}

func TestMessageFromValueRejectsUnknownField(t *testing.T) {
	v := sampleMessage().Value()
	v["patient_hash"] = strings.Repeat("00", 32)
	_, err := MessageFromValue(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected field")
}

func TestMessageFromValueRejectsMissingField(t *testing.T) {
	v := sampleMessage().Value()
	delete(v, "nonce")
	_, err := MessageFromValue(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing field")
}

func TestMessageFromValueRejectsWrongTypes(t *testing.T) {
	v := sampleMessage().Value()
	v["human_reviewed"] = "yes"
	_, err := MessageFromValue(v)
	require.Error(t, err)

	v = sampleMessage().Value()
	v["governance_policy_hash"] = 7
	_, err = MessageFromValue(v)
	require.Error(t, err)
}

func TestMessageFromCertificate(t *testing.T) {
	cert := &Certificate{
		CertificateID:           "cert-1",
		TenantID:                "clinic-a",
		Timestamp:               "2026-08-25T10:00:00Z",
		FinalizedAt:             "2026-08-25T09:59:58Z",
		EHRCommitID:             "ehr-42",
		PatientHash:             strings.Repeat("99", 32),
		ModelName:               "scribe",
		ModelVersion:            "4.1.0",
		PromptVersion:           "p-7",
		GovernancePolicyVersion: "2026.08",
		NoteHash:                strings.Repeat("ab", 32),
		HumanReviewed:           true,
		HumanAttestedAt:         "2026-08-25T09:59:58Z",
		ReviewerHash:            strings.Repeat("cd", 32),
		IntegrityChain: IntegrityChain{
			ChainHash: "sha256:" + strings.Repeat("11", 32),
		},
		Signature: Signature{KeyID: "key-1"},
	}
	m := MessageFromCertificate(cert, "", "nonce-1", "2026-08-25T10:00:00.000123Z")
	assert.Equal(t, cert.CertificateID, m.CertificateID)
	assert.Equal(t, cert.IntegrityChain.ChainHash, m.ChainHash)
	assert.Equal(t, cert.Timestamp, m.IssuedAt)
	assert.Equal(t, "key-1", m.KeyID, "key id comes from the signature envelope")
	assert.Equal(t, "nonce-1", m.Nonce)
	assert.Equal(t, "2026-08-25T10:00:00.000123Z", m.ServerTimestamp)
	require.NotNil(t, m.HumanAttestedAt)
	assert.Equal(t, cert.HumanAttestedAt, *m.HumanAttestedAt)
	require.NotNil(t, m.ReviewerHash)
	assert.Equal(t, cert.ReviewerHash, *m.ReviewerHash)

	// Storage-only record fields must not leak into the signed payload.
	v := m.Value()
	assert.NotContains(t, v, "patient_hash")
	assert.NotContains(t, v, "finalized_at")
	assert.NotContains(t, v, "ehr_commit_id")
	assert.NotContains(t, v, "ehr_referenced_at")

	// Explicit key id wins over the envelope.
	m2 := MessageFromCertificate(cert, "key-2", "nonce-1", "2026-08-25T10:00:00.000123Z")
	assert.Equal(t, "key-2", m2.KeyID)
}

func TestCertificateJSONShape(t *testing.T) {
	prev := "sha256:" + strings.Repeat("00", 32)
	cert := &Certificate{
		CertificateID:           "cert-2",
		TenantID:                "clinic-a",
		Timestamp:               "2026-08-25T10:00:00Z",
		ModelName:               "scribe",
		ModelVersion:            "4.1.0",
		PromptVersion:           "p-7",
		GovernancePolicyVersion: "2026.08",
		NoteHash:                strings.Repeat("ab", 32),
		HumanReviewed:           true,
		IntegrityChain: IntegrityChain{
			PreviousHash: &prev,
			ChainHash:    "sha256:" + strings.Repeat("11", 32),
		},
		Signature: Signature{
			KeyID:            "key-1",
			Algorithm:        AlgorithmECDSASHA256,
			Signature:        "c2ln",
			CanonicalMessage: json.RawMessage(`{"certificate_id":"cert-2"}`),
		},
	}
	b, err := cert.Marshal()
	require.NoError(t, err)

	var v map[string]any
	require.NoError(t, json.Unmarshal(b, &v))
	// Optional fields stay off the wire when empty.
	_, ok := v["patient_hash"]
	assert.False(t, ok)
	_, ok = v["ehr_commit_id"]
	assert.False(t, ok)

	chain, ok := v["integrity_chain"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, prev, chain["previous_hash"])

	back, err := Unmarshal(b)
	require.NoError(t, err)
	assert.Equal(t, cert, back)
	assert.Equal(t, prev, back.PreviousHash())
}

func TestCertificateJSONGenesisPreviousHashIsNull(t *testing.T) {
	cert := &Certificate{
		CertificateID: "cert-1",
		TenantID:      "clinic-a",
		IntegrityChain: IntegrityChain{
			ChainHash: "sha256:" + strings.Repeat("11", 32),
		},
	}
	b, err := cert.Marshal()
	require.NoError(t, err)
	var v map[string]any
	require.NoError(t, json.Unmarshal(b, &v))
	chain, ok := v["integrity_chain"].(map[string]any)
	require.True(t, ok)
	val, present := chain["previous_hash"]
	assert.True(t, present, "previous_hash must be serialized even when null")
	assert.Nil(t, val)
	assert.Equal(t, "", cert.PreviousHash())
}

func TestCheckStructure(t *testing.T) {
	cert := &Certificate{}
	assert.ErrorIs(t, cert.CheckStructure(), ErrMissingChain)

	cert.IntegrityChain.ChainHash = "sha256:" + strings.Repeat("11", 32)
	assert.ErrorIs(t, cert.CheckStructure(), ErrMissingSignature)

	cert.Signature.Signature = "c2ln"
	cert.Signature.CanonicalMessage = json.RawMessage(`{}`)
	assert.ErrorIs(t, cert.CheckStructure(), ErrMissingKeyID)

	cert.Signature.KeyID = "key-1"
	assert.NoError(t, cert.CheckStructure())
}
