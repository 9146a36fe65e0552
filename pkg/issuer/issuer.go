// Package issuer runs the certificate issuance pipeline: validate, hash,
// discard the note body, chain, sign, and persist atomically with the
// nonce reservation and the genesis audit event. Nothing in this package
// logs or stores note text; after hashing, the body is gone.
package issuer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/attestra/cdil/pkg/auth"
	"github.com/attestra/cdil/pkg/c14n"
	"github.com/attestra/cdil/pkg/certificate"
	"github.com/attestra/cdil/pkg/keyring"
	"github.com/attestra/cdil/pkg/ledger"
	"github.com/attestra/cdil/pkg/phi"
	"github.com/attestra/cdil/pkg/store"
)

// ErrUnknownTenant reports issuance for a tenant that was never provisioned.
var ErrUnknownTenant = errors.New("issuer: unknown tenant")

// Result is the issuance response: the persisted certificate plus the
// signature bundle echoed at the top level for clients that verify
// immediately.
type Result struct {
	Certificate      *certificate.Certificate `json:"certificate"`
	SignatureB64     string                   `json:"signature_b64"`
	KeyID            string                   `json:"key_id"`
	Algorithm        string                   `json:"algorithm"`
	CanonicalMessage json.RawMessage          `json:"canonical_message"`
}

// Issuer issues certificates for authenticated identities.
type Issuer struct {
	store store.Store
	keys  *keyring.Registry
	guard *phi.Guard
	log   *slog.Logger

	now      func() time.Time
	newNonce func() string
}

// New builds an issuer. The logger may be nil.
func New(st store.Store, keys *keyring.Registry, guard *phi.Guard, log *slog.Logger) *Issuer {
	if log == nil {
		log = slog.Default()
	}
	return &Issuer{
		store:    st,
		keys:     keys,
		guard:    guard,
		log:      log,
		now:      time.Now,
		newNonce: func() string { return uuid.NewString() },
	}
}

// WithClock overrides the clock for tests.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

// WithNonceSource overrides server-side nonce generation for tests.
func (i *Issuer) WithNonceSource(gen func() string) *Issuer {
	i.newNonce = gen
	return i
}

// Issue produces and persists exactly one certificate and its genesis
// audit event. The whole persistence step is one per-tenant transaction:
// a nonce replay, an insert conflict, or an audit failure rolls back
// everything.
func (i *Issuer) Issue(ctx context.Context, id auth.Identity, req Request) (*Result, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	tenantID := id.TenantID
	if _, err := i.store.Tenant(ctx, tenantID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
		}
		return nil, fmt.Errorf("issuer: tenant lookup: %w", err)
	}

	if err := i.guard.Check(req.NoteText); err != nil {
		return nil, err
	}

	noteHash := c14n.HashBytes([]byte(req.NoteText))
	req.NoteText = "" // hashed; the body must not survive this point
	var patientHash, reviewerHash string
	if req.PatientID != "" {
		patientHash = c14n.HashBytes([]byte(req.PatientID))
	}
	if req.ReviewerID != "" {
		reviewerHash = c14n.HashBytes([]byte(req.ReviewerID))
	}

	key, err := i.keys.ActiveKey(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	certID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("issuer: certificate id: %w", err)
	}
	nonce := req.Nonce
	if nonce == "" {
		nonce = i.newNonce()
	}
	now := i.now()
	issuedAt := store.UTCSecond(now)
	serverTimestamp := store.UTCMicro(now)

	cert := &certificate.Certificate{
		CertificateID:           certID.String(),
		TenantID:                tenantID,
		Timestamp:               issuedAt,
		FinalizedAt:             req.FinalizedAt,
		EHRReferencedAt:         req.EHRReferencedAt,
		EHRCommitID:             req.EHRCommitID,
		ModelName:               req.ModelName,
		ModelVersion:            req.ModelVersion,
		PromptVersion:           req.PromptVersion,
		GovernancePolicyVersion: req.GovernancePolicyVersion,
		PolicyHash:              req.GovernancePolicyHash,
		NoteHash:                noteHash,
		PatientHash:             patientHash,
		ReviewerHash:            reviewerHash,
		HumanReviewed:           req.HumanReviewed,
		HumanAttestedAt:         req.HumanAttestedAt,
	}

	var result *Result
	err = i.store.InTenantTx(ctx, tenantID, func(tx store.TenantTx) error {
		head, err := tx.ChainHead()
		if err != nil {
			return fmt.Errorf("issuer: chain head: %w", err)
		}
		if head != "" {
			cert.IntegrityChain.PreviousHash = &head
		}
		chainHash, err := certificate.ChainHash(certificate.ChainInput{
			PreviousHash:            head,
			CertificateID:           cert.CertificateID,
			TenantID:                cert.TenantID,
			Timestamp:               cert.Timestamp,
			NoteHash:                cert.NoteHash,
			ModelVersion:            cert.ModelVersion,
			GovernancePolicyVersion: cert.GovernancePolicyVersion,
		})
		if err != nil {
			return err
		}
		cert.IntegrityChain.ChainHash = chainHash

		message, err := certificate.MessageFromCertificate(cert, key.KeyID, nonce, serverTimestamp).Encode()
		if err != nil {
			return fmt.Errorf("issuer: encode message: %w", err)
		}
		sigB64, err := key.Sign(message)
		if err != nil {
			return err
		}
		cert.Signature = certificate.Signature{
			KeyID:            key.KeyID,
			Algorithm:        certificate.AlgorithmECDSASHA256,
			Signature:        sigB64,
			CanonicalMessage: message,
		}

		certJSON, err := cert.Marshal()
		if err != nil {
			return err
		}

		if err := tx.ReserveNonce(nonce, serverTimestamp); err != nil {
			return err // store.ErrNonceUsed is the replay signal
		}
		if err := tx.InsertCertificate(store.CertificateRecord{
			CertificateID:   cert.CertificateID,
			TenantID:        tenantID,
			Timestamp:       cert.Timestamp,
			NoteHash:        cert.NoteHash,
			ChainHash:       cert.IntegrityChain.ChainHash,
			CertificateJSON: string(certJSON),
			CreatedAt:       serverTimestamp,
		}); err != nil {
			return fmt.Errorf("issuer: persist certificate: %w", err)
		}
		if _, err := ledger.AppendTx(tx, now, ledger.Entry{
			TenantID:   tenantID,
			ObjectType: ledger.ObjectTypeCertificate,
			ObjectID:   cert.CertificateID,
			Action:     ledger.ActionCertificateIssued,
			Payload: map[string]any{
				"certificate_id": cert.CertificateID,
				"chain_hash":     cert.IntegrityChain.ChainHash,
				"note_hash":      cert.NoteHash,
				"key_id":         key.KeyID,
				"model_name":     cert.ModelName,
				"model_version":  cert.ModelVersion,
				"human_reviewed": cert.HumanReviewed,
			},
			ActorID: id.Subject,
		}); err != nil {
			return err
		}

		result = &Result{
			Certificate:      cert,
			SignatureB64:     sigB64,
			KeyID:            key.KeyID,
			Algorithm:        certificate.AlgorithmECDSASHA256,
			CanonicalMessage: message,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	i.log.InfoContext(ctx, "certificate issued",
		slog.String("tenant_id", tenantID),
		slog.String("certificate_id", cert.CertificateID),
		slog.String("chain_hash", c14n.Prefix16(cert.IntegrityChain.ChainHash)),
		slog.String("key_id", key.KeyID),
	)
	return result, nil
}
