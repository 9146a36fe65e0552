// Package verifier re-checks stored certificates from the record alone:
// structure, chain linkage, signed canonical message, signature, and
// timing. Failures are collected, not short-circuited, so one run reports
// everything wrong with a certificate. No failure ever carries a full
// hash or raw lower-layer error text; debug fields hold 16-hex prefixes
// and error type names only.
package verifier

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/attestra/cdil/pkg/c14n"
	"github.com/attestra/cdil/pkg/certificate"
	"github.com/attestra/cdil/pkg/keyring"
	"github.com/attestra/cdil/pkg/store"
)

// Check names, stable across the API and evidence bundles.
const (
	CheckStructure = "structure"
	CheckChainHash = "chain_hash"
	CheckMessage   = "canonical_message"
	CheckSignature = "signature"
	CheckTiming    = "timing"
)

// Error kinds emitted in failures.
const (
	ErrKindChainMismatch    = "chain_hash_mismatch"
	ErrKindInvalidSignature = "invalid_signature"
	ErrKindKeyNotFound      = "key_not_found"
	ErrKindKeyNotFoundProd  = "key_not_found_in_prod"
	ErrKindBackdated        = "finalized_after_ehr_reference"
	ErrKindMissingSignature = "missing_signature"
	ErrKindMissingChain     = "missing_chain"
	ErrKindMissingKeyID     = "missing_key_id"
)

// Failure is one failed check.
type Failure struct {
	Check string            `json:"check"`
	Error string            `json:"error"`
	Debug map[string]string `json:"debug,omitempty"`
}

// Report is the verification verdict. Valid holds iff Failures is empty.
type Report struct {
	CertificateID string    `json:"certificate_id"`
	TenantID      string    `json:"tenant_id"`
	Valid         bool      `json:"valid"`
	Failures      []Failure `json:"failures"`
	VerifiedAt    string    `json:"verified_at_utc"`
}

// KeySource resolves the key that signed a certificate. keyring.Registry
// satisfies it online; the bundle package supplies a single-key source
// for offline verification.
type KeySource interface {
	KeyByID(ctx context.Context, tenantID, keyID string) (*keyring.Key, error)
}

// Verifier runs the check battery.
type Verifier struct {
	keys       KeySource
	production bool
	now        func() time.Time
}

// Option adjusts verifier behavior.
type Option func(*Verifier)

// InProduction upgrades missing signing keys to the loud production
// error kind.
func InProduction(on bool) Option {
	return func(v *Verifier) { v.production = on }
}

// WithClock overrides the report timestamp clock for tests.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// New builds a verifier over a key source.
func New(keys KeySource, opts ...Option) *Verifier {
	v := &Verifier{keys: keys, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify runs every check against the certificate and collects failures.
func (v *Verifier) Verify(ctx context.Context, cert *certificate.Certificate) Report {
	rep := Report{
		CertificateID: cert.CertificateID,
		TenantID:      cert.TenantID,
		Failures:      []Failure{},
		VerifiedAt:    store.UTCSecond(v.now()),
	}

	structureOK := v.checkStructure(cert, &rep)
	if cert.IntegrityChain.ChainHash != "" {
		v.checkChainHash(cert, &rep)
	}
	if structureOK {
		if msg, ok := v.checkMessage(cert, &rep); ok {
			v.checkSignature(ctx, cert, msg, &rep)
		}
	}
	v.checkTiming(cert, &rep)

	rep.Valid = len(rep.Failures) == 0
	return rep
}

func (v *Verifier) checkStructure(cert *certificate.Certificate, rep *Report) bool {
	err := cert.CheckStructure()
	if err == nil {
		return true
	}
	kind := ErrKindMissingSignature
	switch {
	case errors.Is(err, certificate.ErrMissingChain):
		kind = ErrKindMissingChain
	case errors.Is(err, certificate.ErrMissingKeyID):
		kind = ErrKindMissingKeyID
	}
	rep.Failures = append(rep.Failures, Failure{Check: CheckStructure, Error: kind})
	return false
}

func (v *Verifier) checkChainHash(cert *certificate.Certificate, rep *Report) {
	recomputed, err := certificate.ChainHash(certificate.ChainInputFrom(cert))
	if err != nil {
		rep.Failures = append(rep.Failures, Failure{
			Check: CheckChainHash,
			Error: ErrKindChainMismatch,
			Debug: map[string]string{"error_type": "chain_input_encoding"},
		})
		return
	}
	if recomputed != cert.IntegrityChain.ChainHash {
		rep.Failures = append(rep.Failures, Failure{
			Check: CheckChainHash,
			Error: ErrKindChainMismatch,
			Debug: map[string]string{
				"stored":     c14n.Prefix16(cert.IntegrityChain.ChainHash),
				"recomputed": c14n.Prefix16(recomputed),
			},
		})
	}
}

// checkMessage parses the stored canonical message, enforces the closed
// signed-field set, and cross-checks every signed field against the
// stored record. It returns the recanonicalized signing bytes; the
// stored whitespace is never trusted.
func (v *Verifier) checkMessage(cert *certificate.Certificate, rep *Report) ([]byte, bool) {
	value, err := c14n.FromJSON(cert.Signature.CanonicalMessage)
	if err != nil {
		rep.messageFailure("malformed_json")
		return nil, false
	}
	obj, ok := value.(map[string]any)
	if !ok {
		rep.messageFailure("not_an_object")
		return nil, false
	}
	msg, err := certificate.MessageFromValue(obj)
	if err != nil {
		rep.messageFailure(closedSetErrorType(err))
		return nil, false
	}

	// The signed view and the stored record must agree field by field.
	want := certificate.MessageFromCertificate(cert, cert.Signature.KeyID, msg.Nonce, msg.ServerTimestamp)
	if field, equal := firstMismatch(msg, want); !equal {
		rep.messageFailure(field + "_mismatch")
		return nil, false
	}

	encoded, err := msg.Encode()
	if err != nil {
		rep.messageFailure("recanonicalization")
		return nil, false
	}
	return encoded, true
}

func (v *Verifier) checkSignature(ctx context.Context, cert *certificate.Certificate, message []byte, rep *Report) {
	key, err := v.keys.KeyByID(ctx, cert.TenantID, cert.Signature.KeyID)
	if err != nil {
		kind := ErrKindKeyNotFound
		if v.production {
			kind = ErrKindKeyNotFoundProd
		}
		if !errors.Is(err, keyring.ErrKeyNotFound) {
			kind = ErrKindInvalidSignature
		}
		rep.Failures = append(rep.Failures, Failure{Check: CheckSignature, Error: kind})
		return
	}
	if !key.Verify(message, cert.Signature.Signature) {
		rep.Failures = append(rep.Failures, Failure{
			Check: CheckSignature,
			Error: ErrKindInvalidSignature,
			Debug: map[string]string{"message_digest": c14n.Prefix16(c14n.HashBytes(message))},
		})
	}
}

// checkTiming flags backdating: a note finalized after its EHR reference
// was read. Both timestamps are storage-only; a missing reference passes.
func (v *Verifier) checkTiming(cert *certificate.Certificate, rep *Report) {
	if cert.FinalizedAt == "" || cert.EHRReferencedAt == "" {
		return
	}
	finalized, err1 := time.Parse(time.RFC3339Nano, cert.FinalizedAt)
	referenced, err2 := time.Parse(time.RFC3339Nano, cert.EHRReferencedAt)
	if err1 != nil || err2 != nil {
		return
	}
	if finalized.After(referenced) {
		rep.Failures = append(rep.Failures, Failure{Check: CheckTiming, Error: ErrKindBackdated})
	}
}

func (r *Report) messageFailure(errorType string) {
	r.Failures = append(r.Failures, Failure{
		Check: CheckMessage,
		Error: ErrKindInvalidSignature,
		Debug: map[string]string{"error_type": errorType},
	})
}

func closedSetErrorType(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "unexpected field"):
		return "unexpected_field"
	case strings.Contains(msg, "missing field"):
		return "missing_field"
	default:
		return "wrong_type"
	}
}

// firstMismatch compares the parsed message with the record-derived one
// and names the first differing signed field. Nonce and server_timestamp
// exist only in the message, so they cannot mismatch.
func firstMismatch(got, want certificate.CanonicalMessage) (string, bool) {
	switch {
	case got.CertificateID != want.CertificateID:
		return "certificate_id", false
	case got.ChainHash != want.ChainHash:
		return "chain_hash", false
	case !ptrEq(got.GovernancePolicyHash, want.GovernancePolicyHash):
		return "governance_policy_hash", false
	case got.GovernancePolicyVersion != want.GovernancePolicyVersion:
		return "governance_policy_version", false
	case !ptrEq(got.HumanAttestedAt, want.HumanAttestedAt):
		return "human_attested_at_utc", false
	case got.HumanReviewed != want.HumanReviewed:
		return "human_reviewed", false
	case !ptrEq(got.ReviewerHash, want.ReviewerHash):
		return "human_reviewer_id_hash", false
	case got.IssuedAt != want.IssuedAt:
		return "issued_at_utc", false
	case got.KeyID != want.KeyID:
		return "key_id", false
	case got.ModelName != want.ModelName:
		return "model_name", false
	case got.ModelVersion != want.ModelVersion:
		return "model_version", false
	case got.NoteHash != want.NoteHash:
		return "note_hash", false
	case got.PromptVersion != want.PromptVersion:
		return "prompt_version", false
	case got.TenantID != want.TenantID:
		return "tenant_id", false
	}
	return "", true
}

func ptrEq(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
