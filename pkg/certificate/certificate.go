// Package certificate defines the certificate record, the per-tenant
// integrity chain hash, and the signed canonical message. The field
// spellings here are the wire and storage contract; nothing may be renamed
// without a coordinated migration.
package certificate

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/attestra/cdil/pkg/c14n"
)

// AlgorithmECDSASHA256 is the only signature algorithm certificates carry.
const AlgorithmECDSASHA256 = "ECDSA_SHA_256"

var (
	// ErrMissingSignature reports a certificate without a signature block.
	ErrMissingSignature = errors.New("certificate: missing signature")
	// ErrMissingChain reports a certificate without an integrity chain.
	ErrMissingChain = errors.New("certificate: missing integrity chain")
	// ErrMissingKeyID reports a signature block without a key id.
	ErrMissingKeyID = errors.New("certificate: missing key id")
)

// IntegrityChain links one certificate to the tenant's previous one.
// PreviousHash is null for the tenant's first certificate.
type IntegrityChain struct {
	PreviousHash *string `json:"previous_hash"`
	ChainHash    string  `json:"chain_hash"`
}

// Signature binds the canonical message to a tenant key. CanonicalMessage
// holds the signed payload verbatim as canonical JSON; the verifier
// recanonicalizes it rather than trusting stored whitespace.
type Signature struct {
	KeyID            string          `json:"key_id"`
	Algorithm        string          `json:"algorithm"`
	Signature        string          `json:"signature"`
	CanonicalMessage json.RawMessage `json:"canonical_message"`
}

// Certificate is one immutable claim about one version of one note. All
// PHI-adjacent values are hashes; the plaintext never reaches this type.
type Certificate struct {
	CertificateID           string         `json:"certificate_id"`
	TenantID                string         `json:"tenant_id"`
	Timestamp               string         `json:"timestamp"`
	FinalizedAt             string         `json:"finalized_at,omitempty"`
	EHRReferencedAt         string         `json:"ehr_referenced_at,omitempty"`
	EHRCommitID             string         `json:"ehr_commit_id,omitempty"`
	ModelName               string         `json:"model_name"`
	ModelVersion            string         `json:"model_version"`
	PromptVersion           string         `json:"prompt_version"`
	GovernancePolicyVersion string         `json:"governance_policy_version"`
	PolicyHash              string         `json:"policy_hash,omitempty"`
	NoteHash                string         `json:"note_hash"`
	PatientHash             string         `json:"patient_hash,omitempty"`
	ReviewerHash            string         `json:"reviewer_hash,omitempty"`
	HumanReviewed           bool           `json:"human_reviewed"`
	HumanAttestedAt         string         `json:"human_attested_at,omitempty"`
	IntegrityChain          IntegrityChain `json:"integrity_chain"`
	Signature               Signature      `json:"signature"`
}

// Marshal renders the storage form of the certificate.
func (c *Certificate) Marshal() ([]byte, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("certificate: marshal: %w", err)
	}
	return b, nil
}

// Unmarshal parses a stored certificate document.
func Unmarshal(data []byte) (*Certificate, error) {
	var c Certificate
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("certificate: unmarshal: %w", err)
	}
	return &c, nil
}

// PreviousHash returns the chain predecessor, "" for the first certificate.
func (c *Certificate) PreviousHash() string {
	if c.IntegrityChain.PreviousHash == nil {
		return ""
	}
	return *c.IntegrityChain.PreviousHash
}

// CheckStructure verifies the parts every other check depends on: a chain,
// a signature with a key id, and a signed canonical message.
func (c *Certificate) CheckStructure() error {
	if c.IntegrityChain.ChainHash == "" {
		return ErrMissingChain
	}
	if c.Signature.Signature == "" || len(c.Signature.CanonicalMessage) == 0 {
		return ErrMissingSignature
	}
	if c.Signature.KeyID == "" {
		return ErrMissingKeyID
	}
	return nil
}

// ChainInput is the fixed field subset bound into the chain hash. Anything
// added or removed here is a new chain version.
type ChainInput struct {
	PreviousHash            string // "" for the tenant's first certificate
	CertificateID           string
	TenantID                string
	Timestamp               string
	NoteHash                string
	ModelVersion            string
	GovernancePolicyVersion string
}

// ChainHash computes the sha256:-prefixed tenant linkage hash over the
// canonical encoding of exactly the ChainInput fields.
func ChainHash(in ChainInput) (string, error) {
	var prev any
	if in.PreviousHash != "" {
		prev = in.PreviousHash
	}
	payload := map[string]any{
		"previous_hash":             prev,
		"certificate_id":            in.CertificateID,
		"tenant_id":                 in.TenantID,
		"timestamp":                 in.Timestamp,
		"note_hash":                 in.NoteHash,
		"model_version":             in.ModelVersion,
		"governance_policy_version": in.GovernancePolicyVersion,
	}
	digest, err := c14n.HashValue(payload)
	if err != nil {
		return "", fmt.Errorf("certificate: chain hash: %w", err)
	}
	return c14n.WithPrefix(digest), nil
}

// ChainInputFrom extracts the chain-hash inputs from a stored certificate,
// letting the verifier recompute the linkage from the record alone.
func ChainInputFrom(c *Certificate) ChainInput {
	return ChainInput{
		PreviousHash:            c.PreviousHash(),
		CertificateID:           c.CertificateID,
		TenantID:                c.TenantID,
		Timestamp:               c.Timestamp,
		NoteHash:                c.NoteHash,
		ModelVersion:            c.ModelVersion,
		GovernancePolicyVersion: c.GovernancePolicyVersion,
	}
}
