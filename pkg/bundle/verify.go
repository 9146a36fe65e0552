package bundle

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"

	"github.com/attestra/cdil/pkg/c14n"
	"github.com/attestra/cdil/pkg/certificate"
	"github.com/attestra/cdil/pkg/keyring"
	"github.com/attestra/cdil/pkg/store"
	"github.com/attestra/cdil/pkg/verifier"
)

// formatRange is what this verifier can read. A 2.x bundle is a layout
// we do not understand, which is a tooling error, not evidence of
// tampering.
const formatRange = ">=1.0.0, <2.0.0"

// OfflineResult is the verdict over a bundle file. Valid requires the
// certificate to pass the full check battery against the bundled public
// key and every bundled part to agree with the certificate.
type OfflineResult struct {
	FormatVersion string          `json:"format_version"`
	CertificateID string          `json:"certificate_id"`
	TenantID      string          `json:"tenant_id"`
	Valid         bool            `json:"valid"`
	Report        verifier.Report `json:"verification_report"`
	Mismatches    []string        `json:"mismatches"`
}

// staticKeySource serves exactly the key shipped inside the bundle.
type staticKeySource struct {
	key *keyring.Key
}

func (s staticKeySource) KeyByID(_ context.Context, tenantID, keyID string) (*keyring.Key, error) {
	if tenantID != s.key.TenantID || keyID != s.key.KeyID {
		return nil, keyring.ErrKeyNotFound
	}
	return s.key, nil
}

func checkFormatVersion(version string) error {
	c, err := semver.NewConstraint(formatRange)
	if err != nil {
		return fmt.Errorf("bundle: format constraint: %w", err)
	}
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("bundle: format version %q: %w", version, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("bundle: format version %s outside supported range %s", version, formatRange)
	}
	return nil
}

// VerifyManifest checks a parsed bundle entirely offline. Errors mean
// the bundle could not be read (unsupported version, malformed parts);
// a readable bundle that fails its checks returns Valid=false with no
// error.
func VerifyManifest(ctx context.Context, m *Manifest) (*OfflineResult, error) {
	if err := checkFormatVersion(m.FormatVersion); err != nil {
		return nil, err
	}
	cert, err := certificate.Unmarshal(m.Certificate)
	if err != nil {
		return nil, fmt.Errorf("bundle: %s: %w", FileCertificate, err)
	}
	pub, err := keyring.ParsePublicKeyPEM(m.PublicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("bundle: %s: %w", FilePublicKey, err)
	}

	key := &keyring.Key{
		KeyID:    cert.Signature.KeyID,
		TenantID: cert.TenantID,
		Status:   store.KeyStatusActive,
		Public:   pub,
	}
	rep := verifier.New(staticKeySource{key: key}).Verify(ctx, cert)

	var mismatches []string

	// Intermediaries may pretty-print the loose message file; RFC 8785
	// recovers the signed form before comparison.
	fileMsg, err := c14n.CanonicalizeRawJSON(m.CanonicalMessage)
	if err != nil {
		mismatches = append(mismatches, FileCanonicalMessage+" is not valid JSON")
	} else {
		embedded, err := c14n.CanonicalizeRawJSON(cert.Signature.CanonicalMessage)
		if err != nil || !bytes.Equal(fileMsg, embedded) {
			mismatches = append(mismatches, FileCanonicalMessage+" does not match the certificate's signed message")
		}
		if want := m.LitigationMetadata.CanonicalMessageSHA256; want != "" && want != c14n.HashBytes(fileMsg) {
			mismatches = append(mismatches, "litigation metadata canonical-message digest disagrees")
		}
	}
	if m.VerificationReport.CertificateID != cert.CertificateID {
		mismatches = append(mismatches, FileVerificationReport+" names a different certificate")
	}
	if kid := m.LitigationMetadata.KeyID; kid != "" && kid != cert.Signature.KeyID {
		mismatches = append(mismatches, "litigation metadata key_id disagrees with the certificate")
	}

	return &OfflineResult{
		FormatVersion: m.FormatVersion,
		CertificateID: cert.CertificateID,
		TenantID:      cert.TenantID,
		Valid:         rep.Valid && len(mismatches) == 0,
		Report:        rep,
		Mismatches:    mismatches,
	}, nil
}

// VerifyFile reads a bundle from disk, in either variant, and verifies
// it offline. Zip is detected by content, not extension.
func VerifyFile(ctx context.Context, path string) (*OfflineResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("bundle: read %s: %w", path, err)
	}
	var m *Manifest
	if bytes.HasPrefix(data, []byte("PK")) {
		m, err = ParseZip(data)
	} else {
		m, err = ParseJSON(data)
	}
	if err != nil {
		return nil, err
	}
	return VerifyManifest(ctx, m)
}
