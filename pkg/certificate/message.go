package certificate

import (
	"fmt"
	"sort"

	"github.com/attestra/cdil/pkg/c14n"
)

// signedFields is the closed set of keys covered by a certificate
// signature, in canonical (code point) order. Verifiers reject any
// canonical message whose key set differs from this list, so adding
// or removing an entry is a wire format change.
var signedFields = []string{
	"certificate_id",
	"chain_hash",
	"governance_policy_hash",
	"governance_policy_version",
	"human_attested_at_utc",
	"human_reviewed",
	"human_reviewer_id_hash",
	"issued_at_utc",
	"key_id",
	"model_name",
	"model_version",
	"nonce",
	"note_hash",
	"prompt_version",
	"server_timestamp",
	"tenant_id",
}

// SignedFields returns the closed set of signed keys in canonical order.
func SignedFields() []string {
	out := make([]string, len(signedFields))
	copy(out, signedFields)
	return out
}

// CanonicalMessage is the exact byte content that gets signed. It is a
// strict subset of the certificate record plus two issuance-time values
// (nonce and server_timestamp) that exist only inside the signature
// envelope. Storage-only fields such as patient_hash, finalized_at and
// the EHR anchors are deliberately absent: they may be corrected after
// issuance without invalidating the signature.
type CanonicalMessage struct {
	CertificateID           string
	ChainHash               string
	GovernancePolicyHash    *string
	GovernancePolicyVersion string
	HumanAttestedAt         *string
	HumanReviewed           bool
	ReviewerHash            *string
	IssuedAt                string
	KeyID                   string
	ModelName               string
	ModelVersion            string
	Nonce                   string
	NoteHash                string
	PromptVersion           string
	ServerTimestamp         string
	TenantID                string
}

// Value returns the message as a map holding every signed key. Optional
// fields that are unset appear as explicit JSON nulls rather than being
// omitted, so the encoded key set is identical for every certificate.
func (m CanonicalMessage) Value() map[string]any {
	return map[string]any{
		"certificate_id":            m.CertificateID,
		"chain_hash":                m.ChainHash,
		"governance_policy_hash":    optPtr(m.GovernancePolicyHash),
		"governance_policy_version": m.GovernancePolicyVersion,
		"human_attested_at_utc":     optPtr(m.HumanAttestedAt),
		"human_reviewed":            m.HumanReviewed,
		"human_reviewer_id_hash":    optPtr(m.ReviewerHash),
		"issued_at_utc":             m.IssuedAt,
		"key_id":                    m.KeyID,
		"model_name":                m.ModelName,
		"model_version":             m.ModelVersion,
		"nonce":                     m.Nonce,
		"note_hash":                 m.NoteHash,
		"prompt_version":            m.PromptVersion,
		"server_timestamp":          m.ServerTimestamp,
		"tenant_id":                 m.TenantID,
	}
}

// Encode renders the canonical byte representation of the message.
func (m CanonicalMessage) Encode() ([]byte, error) {
	return c14n.Encode(m.Value())
}

// MessageFromCertificate assembles the signed message for a certificate
// record. Nonce and server timestamp are issuance-time inputs that are
// not part of the stored record; the key id is read from the signature
// envelope when present and may be overridden by keyID for certificates
// that have not been signed yet.
func MessageFromCertificate(c *Certificate, keyID, nonce, serverTimestamp string) CanonicalMessage {
	if keyID == "" {
		keyID = c.Signature.KeyID
	}
	return CanonicalMessage{
		CertificateID:           c.CertificateID,
		ChainHash:               c.IntegrityChain.ChainHash,
		GovernancePolicyHash:    nullable(c.PolicyHash),
		GovernancePolicyVersion: c.GovernancePolicyVersion,
		HumanAttestedAt:         nullable(c.HumanAttestedAt),
		HumanReviewed:           c.HumanReviewed,
		ReviewerHash:            nullable(c.ReviewerHash),
		IssuedAt:                c.Timestamp,
		KeyID:                   keyID,
		ModelName:               c.ModelName,
		ModelVersion:            c.ModelVersion,
		Nonce:                   nonce,
		NoteHash:                c.NoteHash,
		PromptVersion:           c.PromptVersion,
		ServerTimestamp:         serverTimestamp,
		TenantID:                c.TenantID,
	}
}

// MessageFromValue reconstructs a CanonicalMessage from decoded JSON,
// enforcing the closed field set. Unknown keys and missing keys are both
// reported so a verifier can fail structurally before any cryptography.
func MessageFromValue(v map[string]any) (CanonicalMessage, error) {
	var m CanonicalMessage

	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	// Merge walk over the sorted actual keys and the expected set.
	i, j := 0, 0
	for i < len(keys) && j < len(signedFields) {
		switch {
		case keys[i] == signedFields[j]:
			i++
			j++
		case keys[i] < signedFields[j]:
			return m, fmt.Errorf("canonical message: unexpected field %q", keys[i])
		default:
			return m, fmt.Errorf("canonical message: missing field %q", signedFields[j])
		}
	}
	if i < len(keys) {
		return m, fmt.Errorf("canonical message: unexpected field %q", keys[i])
	}
	if j < len(signedFields) {
		return m, fmt.Errorf("canonical message: missing field %q", signedFields[j])
	}

	var err error
	if m.CertificateID, err = reqString(v, "certificate_id"); err != nil {
		return m, err
	}
	if m.ChainHash, err = reqString(v, "chain_hash"); err != nil {
		return m, err
	}
	if m.GovernancePolicyHash, err = optString(v, "governance_policy_hash"); err != nil {
		return m, err
	}
	if m.GovernancePolicyVersion, err = reqString(v, "governance_policy_version"); err != nil {
		return m, err
	}
	if m.HumanAttestedAt, err = optString(v, "human_attested_at_utc"); err != nil {
		return m, err
	}
	reviewed, ok := v["human_reviewed"].(bool)
	if !ok {
		return m, fmt.Errorf("canonical message: field %q must be a boolean", "human_reviewed")
	}
	m.HumanReviewed = reviewed
	if m.ReviewerHash, err = optString(v, "human_reviewer_id_hash"); err != nil {
		return m, err
	}
	if m.IssuedAt, err = reqString(v, "issued_at_utc"); err != nil {
		return m, err
	}
	if m.KeyID, err = reqString(v, "key_id"); err != nil {
		return m, err
	}
	if m.ModelName, err = reqString(v, "model_name"); err != nil {
		return m, err
	}
	if m.ModelVersion, err = reqString(v, "model_version"); err != nil {
		return m, err
	}
	if m.Nonce, err = reqString(v, "nonce"); err != nil {
		return m, err
	}
	if m.NoteHash, err = reqString(v, "note_hash"); err != nil {
		return m, err
	}
	if m.PromptVersion, err = reqString(v, "prompt_version"); err != nil {
		return m, err
	}
	if m.ServerTimestamp, err = reqString(v, "server_timestamp"); err != nil {
		return m, err
	}
	if m.TenantID, err = reqString(v, "tenant_id"); err != nil {
		return m, err
	}
	return m, nil
}

func reqString(v map[string]any, key string) (string, error) {
	s, ok := v[key].(string)
	if !ok {
		return "", fmt.Errorf("canonical message: field %q must be a string", key)
	}
	return s, nil
}

func optString(v map[string]any, key string) (*string, error) {
	raw, ok := v[key]
	if !ok || raw == nil {
		return nil, nil
	}
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("canonical message: field %q must be a string or null", key)
	}
	return &s, nil
}

func optPtr(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
