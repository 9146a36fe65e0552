// Package bundle packages a certificate into a self-describing evidence
// bundle that a third party can verify with no access to the issuing
// service: the stored record, the exact signed payload, the signer's
// public key, a verification report, and offline instructions. Bundles
// are reproducible from the certificate alone modulo the verification
// timestamp.
package bundle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/attestra/cdil/pkg/auth"
	"github.com/attestra/cdil/pkg/c14n"
	"github.com/attestra/cdil/pkg/certificate"
	"github.com/attestra/cdil/pkg/keyring"
	"github.com/attestra/cdil/pkg/ledger"
	"github.com/attestra/cdil/pkg/store"
	"github.com/attestra/cdil/pkg/verifier"
)

// FormatVersion is the bundle layout version. It rides in the JSON
// manifest and the zip comment; the offline verifier accepts
// >=1.0.0 <2.0.0. Any layout change bumps it.
const FormatVersion = "1.0.0"

// File names inside the zip variant.
const (
	FileCertificate        = "certificate.json"
	FileCanonicalMessage   = "canonical_message.json"
	FilePublicKey          = "public_key.pem"
	FileVerificationReport = "verification_report.json"
	FileLitigationMetadata = "litigation_metadata.json"
	FileReadme             = "README.txt"
)

// Format selects the export rendering.
type Format string

const (
	FormatJSON Format = "json"
	FormatZIP  Format = "zip"
)

// HumanAttestation summarizes the human-review claims for counsel.
type HumanAttestation struct {
	Reviewed            bool   `json:"reviewed"`
	AttestedAt          string `json:"attested_at_utc,omitempty"`
	ReviewerHashPresent bool   `json:"reviewer_hash_present"`
}

// ChainIntegrity names the properties the per-tenant hash chain gives
// this certificate.
type ChainIntegrity struct {
	PreventsInsertion  bool `json:"prevents_insertion"`
	PreventsReordering bool `json:"prevents_reordering"`
}

// LitigationMetadata is the counsel-facing summary included in every
// bundle.
type LitigationMetadata struct {
	VerificationStatus     string           `json:"verification_status"`
	VerifiedAt             string           `json:"verified_at_utc"`
	KeyID                  string           `json:"key_id"`
	Algorithm              string           `json:"algorithm"`
	CanonicalMessageSHA256 string           `json:"canonical_message_sha256"`
	HumanAttestation       HumanAttestation `json:"human_attestation"`
	SignedFields           []string         `json:"signed_fields"`
	ChainIntegrity         ChainIntegrity   `json:"chain_integrity"`
}

// Manifest is the complete bundle content. The JSON export is the
// manifest itself; the zip export writes each part as its own file.
type Manifest struct {
	FormatVersion      string             `json:"format_version"`
	GeneratedAt        string             `json:"generated_at_utc"`
	Certificate        json.RawMessage    `json:"certificate"`
	CanonicalMessage   json.RawMessage    `json:"canonical_message"`
	PublicKeyPEM       string             `json:"public_key_pem"`
	VerificationReport verifier.Report    `json:"verification_report"`
	LitigationMetadata LitigationMetadata `json:"litigation_metadata"`
	Readme             string             `json:"readme"`
}

// JSON renders the manifest as the .json bundle variant.
func (m *Manifest) JSON() ([]byte, error) {
	return json.MarshalIndent(m, "", "  ")
}

// Zip renders the manifest as the .zip bundle variant.
func (m *Manifest) Zip() ([]byte, error) {
	return encodeZip(m)
}

// ParseJSON reads a .json bundle back into a manifest.
func ParseJSON(data []byte) (*Manifest, error) {
	m := &Manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("bundle: parse manifest: %w", err)
	}
	return m, nil
}

// Export is one rendered bundle.
type Export struct {
	CertificateID string
	Format        Format
	Data          []byte
	ContentType   string
	Checksum      string
	Archived      bool
}

// Packager builds and exports bundles.
type Packager struct {
	store   store.Store
	keys    verifier.KeySource
	verify  *verifier.Verifier
	ledger  *ledger.Writer
	archive Sink
}

// Option adjusts packager behavior.
type Option func(*Packager)

// WithArchive mirrors every export to the sink, keyed
// <tenant>/<certificate_id>.zip. A mirror failure fails the export.
func WithArchive(s Sink) Option {
	return func(p *Packager) { p.archive = s }
}

// NewPackager builds a packager over the certificate store, the signer
// key source, and the verifier whose verdict the bundle captures.
func NewPackager(st store.Store, keys verifier.KeySource, v *verifier.Verifier, lw *ledger.Writer, opts ...Option) *Packager {
	p := &Packager{store: st, keys: keys, verify: v, ledger: lw}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Build assembles the manifest for one certificate without exporting
// it. The verification report reflects the record's state right now;
// everything else comes verbatim from the store.
func (p *Packager) Build(ctx context.Context, tenantID, certificateID string) (*Manifest, error) {
	rec, err := p.store.Certificate(ctx, tenantID, certificateID)
	if err != nil {
		return nil, err
	}
	cert, err := certificate.Unmarshal([]byte(rec.CertificateJSON))
	if err != nil {
		return nil, fmt.Errorf("bundle: stored certificate: %w", err)
	}

	rep := p.verify.Verify(ctx, cert)

	key, err := p.keys.KeyByID(ctx, tenantID, cert.Signature.KeyID)
	if err != nil {
		return nil, fmt.Errorf("bundle: signer key %s: %w", cert.Signature.KeyID, err)
	}
	pemText, err := keyring.PublicKeyPEM(key.Public)
	if err != nil {
		return nil, fmt.Errorf("bundle: encode public key: %w", err)
	}

	status := "verified"
	if !rep.Valid {
		status = "failed"
	}
	message := cert.Signature.CanonicalMessage

	return &Manifest{
		FormatVersion:    FormatVersion,
		GeneratedAt:      rep.VerifiedAt,
		Certificate:      json.RawMessage(rec.CertificateJSON),
		CanonicalMessage: message,
		PublicKeyPEM:     pemText,
		VerificationReport: rep,
		LitigationMetadata: LitigationMetadata{
			VerificationStatus:     status,
			VerifiedAt:             rep.VerifiedAt,
			KeyID:                  cert.Signature.KeyID,
			Algorithm:              cert.Signature.Algorithm,
			CanonicalMessageSHA256: c14n.HashBytes(message),
			HumanAttestation: HumanAttestation{
				Reviewed:            cert.HumanReviewed,
				AttestedAt:          cert.HumanAttestedAt,
				ReviewerHashPresent: cert.ReviewerHash != "",
			},
			SignedFields: certificate.SignedFields(),
			ChainIntegrity: ChainIntegrity{
				PreventsInsertion:  true,
				PreventsReordering: true,
			},
		},
		Readme: readmeText(),
	}, nil
}

// Export builds, renders, optionally mirrors, and records one bundle.
// The audit event and the export must agree, so a mirror or ledger
// failure fails the whole request.
func (p *Packager) Export(ctx context.Context, id auth.Identity, certificateID string, format Format) (*Export, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	m, err := p.Build(ctx, id.TenantID, certificateID)
	if err != nil {
		return nil, err
	}

	var data []byte
	var contentType string
	switch format {
	case FormatJSON:
		data, err = m.JSON()
		contentType = "application/json"
	case FormatZIP:
		data, err = m.Zip()
		contentType = "application/zip"
	default:
		return nil, fmt.Errorf("bundle: unknown format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("bundle: render %s: %w", format, err)
	}

	archived := false
	if p.archive != nil {
		zipData := data
		if format != FormatZIP {
			if zipData, err = m.Zip(); err != nil {
				return nil, fmt.Errorf("bundle: render archive copy: %w", err)
			}
		}
		key := id.TenantID + "/" + certificateID + ".zip"
		if err := p.archive.Put(ctx, key, zipData); err != nil {
			return nil, fmt.Errorf("bundle: mirror to %s: %w", p.archive.Name(), err)
		}
		archived = true
	}

	checksum := c14n.HashBytes(data)
	_, err = p.ledger.Append(ctx, ledger.Entry{
		TenantID:   id.TenantID,
		ObjectType: ledger.ObjectTypeBundle,
		ObjectID:   certificateID,
		Action:     ledger.ActionBundleExported,
		Payload: map[string]any{
			"certificate_id":  certificateID,
			"format":          string(format),
			"checksum_sha256": checksum,
			"archived":        archived,
		},
		ActorID: id.Subject,
	})
	if err != nil {
		return nil, fmt.Errorf("bundle: record export: %w", err)
	}

	return &Export{
		CertificateID: certificateID,
		Format:        format,
		Data:          data,
		ContentType:   contentType,
		Checksum:      checksum,
		Archived:      archived,
	}, nil
}
